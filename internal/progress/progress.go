// Package progress holds per-job pipeline state: the two progress counters, the
// lifecycle state and the cumulative detection log. A Job is written by one worker
// and read concurrently by any number of pollers.
package progress

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bdougie/visiondetect/internal/dedup"
	"github.com/bdougie/visiondetect/internal/models"
)

// State is a job's position in the pipeline lifecycle
type State string

const (
	StateIdle       State = "idle"
	StateExtracting State = "extracting"
	StateDetecting  State = "detecting"
	StateEncoding   State = "encoding"
	StateCleaning   State = "cleaning"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transitions can happen
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// ErrNotDone is returned by Result while the job has not reached StateDone
var ErrNotDone = errors.New("job has not finished")

// Snapshot is a consistent view of a job's counters
type Snapshot struct {
	JobID      string `json:"job_id"`
	State      State  `json:"state"`
	Extraction int    `json:"extraction_progress"`
	Detection  int    `json:"detection_progress"`
	Frame      int    `json:"frame"`
	Frames     int    `json:"frames"`
	Error      string `json:"error,omitempty"`
}

// Result is the outcome of a completed job
type Result struct {
	JobID      string             `json:"job_id"`
	VideoPath  string             `json:"video_path"`
	OutputPath string             `json:"output_path"`
	Detections []models.Detection `json:"detections"`
	Counts     map[string]int     `json:"counts"`
	Frames     int                `json:"frames"`
	Started    time.Time          `json:"started"`
	Finished   time.Time          `json:"finished"`
}

// Job is the state of one video processing run
type Job struct {
	ID         string
	VideoPath  string
	OutputPath string
	Created    time.Time

	extraction atomic.Int32
	detection  atomic.Int32
	frame      atomic.Int32
	frames     atomic.Int32

	mu       sync.RWMutex
	state    State
	err      error
	log      []models.Detection
	finished time.Time
}

// NewJob creates a job in StateIdle with zeroed counters and an empty log
func NewJob(videoPath, outputPath string) *Job {
	return &Job{
		ID:         uuid.NewString(),
		VideoPath:  videoPath,
		OutputPath: outputPath,
		Created:    time.Now(),
		state:      StateIdle,
	}
}

// State returns the current lifecycle state
func (j *Job) State() State {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// SetState moves the job to s. Terminal states are sticky.
func (j *Job) SetState(s State) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return fmt.Errorf("job %s is already %s", j.ID, j.state)
	}
	j.state = s
	if s.Terminal() {
		j.finished = time.Now()
	}
	return nil
}

// Fail records err and moves the job to StateFailed. Counters keep their last values.
func (j *Job) Fail(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return
	}
	j.state = StateFailed
	j.err = err
	j.finished = time.Now()
}

// Err returns the failure cause, if any
func (j *Job) Err() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.err
}

// SetExtraction stores the extraction percentage. Values never go backwards.
func (j *Job) SetExtraction(pct int) {
	storeMax(&j.extraction, pct)
}

// SetDetection stores the detection percentage. Values never go backwards.
func (j *Job) SetDetection(pct int) {
	storeMax(&j.detection, pct)
}

// SetFrames records how many frames the job will process
func (j *Job) SetFrames(n int) {
	j.frames.Store(int32(n))
}

// FrameDone records that frame index i (zero-based) of n is complete and updates the
// detection percentage to round(100*(i+1)/n). n must be positive.
func (j *Job) FrameDone(i, n int) {
	j.frame.Store(int32(i + 1))
	j.SetDetection(Percent(i+1, n))
}

// Percent returns round(100*done/total). A zero total is 0, and 100 is only
// reported once done reaches total.
func Percent(done, total int) int {
	if total <= 0 || done <= 0 {
		return 0
	}
	if done >= total {
		return 100
	}
	return min(99, (200*done+total)/(2*total))
}

func storeMax(v *atomic.Int32, pct int) {
	pct = max(0, min(100, pct))
	for {
		cur := v.Load()
		if int32(pct) <= cur {
			return
		}
		if v.CompareAndSwap(cur, int32(pct)) {
			return
		}
	}
}

// Append adds accepted detections to the job's log
func (j *Job) Append(dets ...models.Detection) {
	if len(dets) == 0 {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.log = append(j.log, dets...)
}

// Progress returns the current counters. It is valid at any time.
func (j *Job) Progress() Snapshot {
	j.mu.RLock()
	state, err := j.state, j.err
	j.mu.RUnlock()

	s := Snapshot{
		JobID:      j.ID,
		State:      state,
		Extraction: int(j.extraction.Load()),
		Detection:  int(j.detection.Load()),
		Frame:      int(j.frame.Load()),
		Frames:     int(j.frames.Load()),
	}
	if err != nil {
		s.Error = err.Error()
	}
	return s
}

// Result returns the detection log and per-label counts. Only a job in StateDone has
// a result; a failed job returns its failure.
func (j *Job) Result() (*Result, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	switch j.state {
	case StateDone:
	case StateFailed:
		return nil, fmt.Errorf("job %s failed: %w", j.ID, j.err)
	default:
		return nil, ErrNotDone
	}
	dets := append([]models.Detection(nil), j.log...)
	return &Result{
		JobID:      j.ID,
		VideoPath:  j.VideoPath,
		OutputPath: j.OutputPath,
		Detections: dets,
		Counts:     dedup.CountByLabel(dets),
		Frames:     int(j.frames.Load()),
		Started:    j.Created,
		Finished:   j.finished,
	}, nil
}
