// Package detector wraps pretrained object-detection models behind a single
// capability: map a decoded image to raw detections.
package detector

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/sirupsen/logrus"

	"object_cropper/internal/config"
)

// Box is an axis-aligned rectangle in source-image pixel coordinates.
type Box struct {
	X1, Y1, X2, Y2 float64
}

// Area returns the box area, zero for inverted boxes.
func (b Box) Area() float64 {
	return math.Max(0, b.X2-b.X1) * math.Max(0, b.Y2-b.Y1)
}

// IoU computes the Intersection-over-Union of two boxes.
func (b Box) IoU(o Box) float64 {
	x1 := math.Max(b.X1, o.X1)
	y1 := math.Max(b.Y1, o.Y1)
	x2 := math.Min(b.X2, o.X2)
	y2 := math.Min(b.Y2, o.Y2)

	intersection := math.Max(0, x2-x1) * math.Max(0, y2-y1)
	union := b.Area() + o.Area() - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

// RawDetection is one detector output before filtering.
type RawDetection struct {
	Box        Box
	ClassID    int
	Confidence float32
}

// Detector is anything that maps a decoded image to raw detections. Infer must
// not modify img and returns detections in the order the model yields them.
// An empty result is not an error.
type Detector interface {
	Infer(ctx context.Context, img image.Image) ([]RawDetection, error)
	Vocabulary() Vocabulary
	Close() error
}

// ErrInference matches every *InferenceError.
var ErrInference = errors.New("inference failed")

// InferenceError reports a failure of the detection capability itself.
type InferenceError struct {
	Backend string
	Err     error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("%s inference error: %v", e.Backend, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

func (e *InferenceError) Is(target error) bool { return target == ErrInference }

// Initialize loads the vocabulary and the configured backend. It runs once at
// startup; the returned handle is shared read-only by all requests.
func Initialize(cfg config.ModelConfig, log logrus.FieldLogger) (Detector, error) {
	vocab := DefaultVocabulary()
	if cfg.Labels != "" {
		var err error
		vocab, err = LoadVocabulary(cfg.Labels)
		if err != nil {
			return nil, err
		}
	}

	switch cfg.Backend {
	case "onnx", "":
		return NewYOLO(cfg, vocab, log)
	case "remote":
		return NewRemote(cfg, vocab, log)
	default:
		return nil, fmt.Errorf("unknown detector backend: %s", cfg.Backend)
	}
}
