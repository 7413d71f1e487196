// Package detector runs object detection on local images and produces annotated outputs.
package detector

import (
	"context"
	"errors"
)

// ErrDetector marks a model invocation failure on a given image
var ErrDetector = errors.New("detector error")

// Result is one annotated artifact produced for an input image
type Result interface {
	// Save writes the annotated image to path
	Save(path string) error
}

// Detector runs the model on a local image
type Detector interface {
	// Detect returns the ordered annotated results for imagePath (possibly none)
	Detect(ctx context.Context, imagePath string) ([]Result, error)
}

// BoundingBox is one detected object in pixel coordinates
type BoundingBox struct {
	X      int     `json:"x"`
	Y      int     `json:"y"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Class  string  `json:"class"`
	Conf   float32 `json:"confidence"`
}

// FilterByConfidence drops boxes whose confidence is below min
func FilterByConfidence(boxes []BoundingBox, min float64) []BoundingBox {
	filtered := make([]BoundingBox, 0, len(boxes))
	for _, b := range boxes {
		if float64(b.Conf) >= min {
			filtered = append(filtered, b)
		}
	}
	return filtered
}
