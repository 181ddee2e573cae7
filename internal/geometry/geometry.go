package geometry

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Box is an axis-aligned bounding box in pixel coordinates
type Box struct {
	XMin float64 `json:"x_min"`
	YMin float64 `json:"y_min"`
	XMax float64 `json:"x_max"`
	YMax float64 `json:"y_max"`
}

// NewBox builds a box from its corners
func NewBox(x1, y1, x2, y2 float64) Box {
	return Box{XMin: x1, YMin: y1, XMax: x2, YMax: y2}
}

// ParseBox reads "x1,y1,x2,y2" into a valid box
func ParseBox(s string) (Box, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return Box{}, fmt.Errorf("box '%s' must have 4 comma separated values", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Box{}, fmt.Errorf("box '%s': %w", s, err)
		}
		v[i] = f
	}
	b := NewBox(v[0], v[1], v[2], v[3])
	if !b.Valid() {
		return Box{}, fmt.Errorf("box '%s' has no area", s)
	}
	return b, nil
}

func (b Box) Width() float64 {
	return math.Max(0, b.XMax-b.XMin)
}

func (b Box) Height() float64 {
	return math.Max(0, b.YMax-b.YMin)
}

func (b Box) Area() float64 {
	return b.Width() * b.Height()
}

// Valid reports whether the box has positive width and height
func (b Box) Valid() bool {
	return b.XMin < b.XMax && b.YMin < b.YMax
}

// Intersection returns the overlapping region, which is empty when the boxes are disjoint
func (b Box) Intersection(o Box) Box {
	r := Box{
		XMin: math.Max(b.XMin, o.XMin),
		YMin: math.Max(b.YMin, o.YMin),
		XMax: math.Min(b.XMax, o.XMax),
		YMax: math.Min(b.YMax, o.YMax),
	}
	if r.XMax < r.XMin {
		r.XMax = r.XMin
	}
	if r.YMax < r.YMin {
		r.YMax = r.YMin
	}
	return r
}

// Ints returns the corners rounded down to whole pixels
func (b Box) Ints() (int, int, int, int) {
	return int(b.XMin), int(b.YMin), int(b.XMax), int(b.YMax)
}

// Slice returns the box as [x_min, y_min, x_max, y_max]
func (b Box) Slice() []float32 {
	return []float32{float32(b.XMin), float32(b.YMin), float32(b.XMax), float32(b.YMax)}
}

// IoU returns the intersection over union of two boxes, in [0, 1].
// A zero union (both boxes degenerate) yields 0.
func IoU(a, b Box) float64 {
	inter := a.Intersection(b).Area()
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	iou := inter / union
	if iou > 1 {
		return 1
	}
	return iou
}
