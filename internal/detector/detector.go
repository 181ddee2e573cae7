// Package detector adapts object detection backends to the pipeline. A Detector
// turns one frame into a list of labelled boxes in frame pixel coordinates.
package detector

import (
	"context"
	"image"

	"github.com/bdougie/visiondetect/internal/models"
)

// Input is one frame handed to a detector. Backends use whichever form they need.
type Input struct {
	Path  string
	Image image.Image
}

// Detector finds objects in a frame
type Detector interface {
	// Detect returns the objects found in the frame, in the backend's output order
	Detect(ctx context.Context, in Input) ([]models.Detection, error)

	// Close releases backend resources
	Close() error
}
