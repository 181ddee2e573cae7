// Package dedup drops detections that re-observe an object already seen in the
// immediately preceding frame.
//
// Only one frame of history is kept. An object that leaves the frame and comes
// back, or whose box drifts too far between two consecutive frames, is counted
// again. This is not object tracking.
package dedup

import (
	"sort"

	"github.com/bdougie/visiondetect/internal/geometry"
	"github.com/bdougie/visiondetect/internal/models"
)

// DefaultIoUThreshold is the overlap above which a detection is a re-observation
const DefaultIoUThreshold = 0.5

// Suppress returns the detections of current that do not overlap any box in previous
// by more than threshold. Input order is preserved. Labels are ignored.
func Suppress(current, previous []models.Detection, threshold float64) []models.Detection {
	accepted := make([]models.Detection, 0, len(current))
	for _, det := range current {
		if maxIoU(det.Box, previous) > threshold {
			continue
		}
		accepted = append(accepted, det)
	}
	return accepted
}

func maxIoU(box geometry.Box, others []models.Detection) float64 {
	best := 0.0
	for _, o := range others {
		if v := geometry.IoU(box, o.Box); v > best {
			best = v
		}
	}
	return best
}

// Baseline selects which detections of a frame the following frame is compared against
type Baseline int

const (
	// BaselineObserved keeps every detection of the previous frame, re-observed ones
	// included, so an object visible in every frame is only accepted once
	BaselineObserved Baseline = iota

	// BaselineAccepted keeps only the detections accepted in the previous frame. A
	// stationary object is then accepted again every second frame.
	BaselineAccepted
)

func (b Baseline) String() string {
	if b == BaselineAccepted {
		return "accepted"
	}
	return "observed"
}

// Suppressor applies Suppress frame after frame, holding the single previous frame
// as its baseline. It is not safe for concurrent use; frames must be fed in order.
type Suppressor struct {
	threshold float64
	baseline  Baseline
	previous  []models.Detection
}

// NewSuppressor creates a suppressor. A threshold outside (0, 1] falls back to the default.
func NewSuppressor(threshold float64, baseline Baseline) *Suppressor {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultIoUThreshold
	}
	return &Suppressor{threshold: threshold, baseline: baseline}
}

// Next returns the accepted subset of current and makes current, or its accepted
// subset under BaselineAccepted, the baseline for the following frame
func (s *Suppressor) Next(current []models.Detection) []models.Detection {
	accepted := Suppress(current, s.previous, s.threshold)
	if s.baseline == BaselineAccepted {
		s.previous = append(s.previous[:0:0], accepted...)
	} else {
		s.previous = append(s.previous[:0:0], current...)
	}
	return accepted
}

// Threshold returns the IoU threshold in use
func (s *Suppressor) Threshold() float64 {
	return s.threshold
}

// CountByLabel tallies accepted detections per label
func CountByLabel(dets []models.Detection) map[string]int {
	counts := make(map[string]int)
	for _, d := range dets {
		counts[d.Label]++
	}
	return counts
}

// Labels returns the keys of counts in sorted order
func Labels(counts map[string]int) []string {
	labels := make([]string, 0, len(counts))
	for l := range counts {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}
