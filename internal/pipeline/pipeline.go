// Package pipeline turns one uploaded image into the list of objects found in
// it: decode, detect, filter, crop, encode, assemble.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"object_cropper/internal/detector"
	"object_cropper/internal/imgproc"
)

// DefaultConfidenceThreshold is the minimum detector confidence kept in results.
const DefaultConfidenceThreshold = 0.30

// CropEncoder compresses one cropped region.
type CropEncoder interface {
	Encode(img image.Image) ([]byte, error)
}

// Options tune a Pipeline.
type Options struct {
	// ConfidenceThreshold drops detections scoring strictly below it.
	ConfidenceThreshold float32
	// EncodeWorkers bounds how many crops of one request are encoded at once.
	EncodeWorkers int
}

// Detection is one object in the response.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        [4]int  `json:"box"`
	CroppedImg string  `json:"cropped_img"`
}

// Result is the ordered set of detections for one image.
type Result struct {
	Detections []Detection `json:"detections"`
}

// Pipeline runs the per-request pass. It holds no per-request state and is
// safe for concurrent use as long as its Detector is.
type Pipeline struct {
	detector  detector.Detector
	encoder   CropEncoder
	threshold float32
	workers   int
	log       logrus.FieldLogger
}

// cropJob is a retained detection waiting for its crop.
type cropJob struct {
	det   detector.RawDetection
	label string
	rect  image.Rectangle
}

// New creates a pipeline around an initialized detector.
func New(det detector.Detector, enc CropEncoder, opts Options, log logrus.FieldLogger) *Pipeline {
	workers := opts.EncodeWorkers
	if workers < 1 {
		workers = 1
	}
	return &Pipeline{
		detector:  det,
		encoder:   enc,
		threshold: opts.ConfidenceThreshold,
		workers:   workers,
		log:       log,
	}
}

// Run finds the objects in one encoded image.
//
// Errors are *imgproc.DecodeError for unreadable input, *detector.InferenceError
// when the detector fails, and an error matching imgproc.ErrEncode when every
// crop failed to encode. A single failed crop only drops that detection.
func (p *Pipeline) Run(ctx context.Context, data []byte) (*Result, error) {
	start := time.Now()
	img, err := imgproc.Decode(data)
	if err != nil {
		return nil, err
	}
	decoded := time.Now()

	raw, err := p.detector.Infer(ctx, img)
	if err != nil {
		if !errors.Is(err, detector.ErrInference) {
			err = &detector.InferenceError{Backend: "detector", Err: err}
		}
		return nil, err
	}
	inferred := time.Now()

	retained := Filter(raw, p.threshold)
	jobs := p.prepare(retained, img.Bounds())

	crops, errs := p.encodeCrops(img, jobs)

	result := &Result{Detections: make([]Detection, 0, len(jobs))}
	var lastErr error
	failed := 0
	for i, job := range jobs {
		if errs[i] != nil {
			failed++
			lastErr = errs[i]
			p.log.WithField("label", job.label).Warnf("Dropping detection: %v", errs[i])
			continue
		}
		result.Detections = append(result.Detections, Assemble(job.det, job.rect, job.label, crops[i]))
	}
	if failed > 0 && failed == len(jobs) {
		return nil, fmt.Errorf("all %d crops failed: %w", failed, lastErr)
	}

	p.log.WithFields(logrus.Fields{
		"width":      img.Bounds().Dx(),
		"height":     img.Bounds().Dy(),
		"raw":        len(raw),
		"retained":   len(retained),
		"detections": len(result.Detections),
		"decode":     decoded.Sub(start),
		"infer":      inferred.Sub(decoded),
		"encode":     time.Since(inferred),
	}).Debug("Detection request processed")

	return result, nil
}

// prepare resolves labels and clamps boxes. Detections with an unknown class or
// a box with no area inside the image are dropped.
func (p *Pipeline) prepare(dets []detector.RawDetection, bounds image.Rectangle) []cropJob {
	vocab := p.detector.Vocabulary()
	jobs := make([]cropJob, 0, len(dets))
	for _, d := range dets {
		label, ok := vocab.Label(d.ClassID)
		if !ok {
			p.log.WithField("class_id", d.ClassID).Warn("Detector returned a class outside its vocabulary")
			continue
		}
		rect, ok := imgproc.ClampBox(d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2, bounds)
		if !ok {
			p.log.WithField("label", label).Debug("Skipping detection with an empty box")
			continue
		}
		jobs = append(jobs, cropJob{det: d, label: label, rect: rect})
	}
	return jobs
}

// encodeCrops cuts and encodes every job, at most p.workers at a time. Results
// are stored by index so the output order matches jobs.
func (p *Pipeline) encodeCrops(img image.Image, jobs []cropJob) ([]string, []error) {
	crops := make([]string, len(jobs))
	errs := make([]error, len(jobs))

	var g errgroup.Group
	g.SetLimit(p.workers)
	for i, job := range jobs {
		g.Go(func() error {
			data, err := p.encoder.Encode(imgproc.Crop(img, job.rect))
			if err != nil {
				if !errors.Is(err, imgproc.ErrEncode) {
					err = &imgproc.EncodeError{Format: "crop", Err: err}
				}
				errs[i] = err
				return nil
			}
			crops[i] = imgproc.EncodeBase64(data)
			return nil
		})
	}
	g.Wait()

	return crops, errs
}

// Filter drops every detection scoring strictly below threshold and keeps the
// order of the rest.
func Filter(dets []detector.RawDetection, threshold float32) []detector.RawDetection {
	kept := make([]detector.RawDetection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence < threshold {
			continue
		}
		kept = append(kept, d)
	}
	return kept
}

// Assemble builds the response record for one retained detection.
func Assemble(det detector.RawDetection, rect image.Rectangle, label, crop string) Detection {
	return Detection{
		Label:      label,
		Confidence: ConfidencePercent(det.Confidence),
		Box:        [4]int{rect.Min.X, rect.Min.Y, rect.Max.X, rect.Max.Y},
		CroppedImg: crop,
	}
}

// ConfidencePercent scales a [0,1] confidence to percent rounded to 2 decimals.
func ConfidencePercent(c float32) float64 {
	pct := float64(c) * 100
	return math.Round(pct*100) / 100
}
