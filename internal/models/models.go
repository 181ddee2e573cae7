package models

import "github.com/bdougie/visiondetect/internal/geometry"

// Frame is one extracted video frame on disk
type Frame struct {
	Index int    `json:"index"` // zero-based ordinal in presentation order
	Path  string `json:"path"`
}

// Detection is a single object found by the detector in one frame
type Detection struct {
	Label      string       `json:"label"`
	Confidence float64      `json:"confidence"`
	Box        geometry.Box `json:"box"`
}

// WorkItem represents a frame to be processed
type WorkItem struct {
	Frame Frame
	Total int
}

// FrameResult holds the detections accepted for one frame
type FrameResult struct {
	JobID      string      `json:"job_id"`
	Frame      int         `json:"frame"`
	Detections []Detection `json:"detections"`
}
