package detector

import (
	"context"
	"fmt"
	"image"
	"sort"

	"github.com/nfnt/resize"
	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"

	"object_cropper/internal/config"
	"object_cropper/internal/system"
)

const (
	DefaultInputSize    = 640
	DefaultMinScore     = 0.25
	DefaultIoUThreshold = 0.7
)

// YOLO runs a YOLOv8-family ONNX export in-process. The model is expected to
// take "images" [1,3,S,S] and produce "output0" [1,4+classes,anchors].
type YOLO struct {
	vocab        Vocabulary
	inputSize    int
	minScore     float32
	iouThreshold float32
	pool         *sessionPool
	log          logrus.FieldLogger
}

// NewYOLO initializes the ONNXRuntime environment and a warmed-up pool of
// model sessions.
func NewYOLO(cfg config.ModelConfig, vocab Vocabulary, log logrus.FieldLogger) (*YOLO, error) {
	inputSize := cfg.InputSize
	if inputSize <= 0 {
		inputSize = DefaultInputSize
	}
	iouThreshold := cfg.IoUThreshold
	if iouThreshold <= 0 {
		iouThreshold = DefaultIoUThreshold
	}

	if err := initEnvironment(cfg.SharedLibrary); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNXRuntime environment: %w", err)
	}

	sessions := cfg.Sessions
	if sessions <= 0 {
		sessions = system.SessionCount()
	}

	inputShape := ort.NewShape(1, 3, int64(inputSize), int64(inputSize))
	outputShape := ort.NewShape(1, int64(4+len(vocab)), int64(anchorCount(inputSize)))
	pool, err := newSessionPool(sessions, cfg.Path, inputShape, outputShape)
	if err != nil {
		return nil, err
	}

	log.Info("Warming up model sessions")
	for _, err := range pool.warmUp() {
		log.Errorf("Warmup error: %v", err)
	}
	log.WithFields(logrus.Fields{
		"model":    cfg.Path,
		"sessions": pool.size(),
		"classes":  len(vocab),
	}).Info("Model pool initialized")

	return &YOLO{
		vocab:        vocab,
		inputSize:    inputSize,
		minScore:     cfg.MinScore,
		iouThreshold: iouThreshold,
		pool:         pool,
		log:          log,
	}, nil
}

// Infer resizes img to the model input, runs one session and decodes the output.
// Waiting for a free session honours ctx; a running session is not interrupted.
func (m *YOLO) Infer(ctx context.Context, img image.Image) ([]RawDetection, error) {
	bounds := img.Bounds()
	input := prepareInput(img, m.inputSize)

	session, err := m.pool.get(ctx)
	if err != nil {
		return nil, &InferenceError{Backend: "onnx", Err: err}
	}
	output, err := session.run(input)
	m.pool.put(session)
	if err != nil {
		return nil, &InferenceError{Backend: "onnx", Err: err}
	}

	dets, err := processOutput(output, len(m.vocab), m.inputSize, bounds.Dx(), bounds.Dy(), m.minScore, m.iouThreshold)
	if err != nil {
		return nil, &InferenceError{Backend: "onnx", Err: err}
	}
	return dets, nil
}

// Vocabulary returns the labels the model was trained on.
func (m *YOLO) Vocabulary() Vocabulary {
	return m.vocab
}

// Close releases every model session.
func (m *YOLO) Close() error {
	m.pool.destroy()
	return nil
}

// anchorCount is the number of predictions YOLOv8 emits for a square input:
// one per cell of the stride 8, 16 and 32 grids.
func anchorCount(inputSize int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		cells := inputSize / stride
		n += cells * cells
	}
	return n
}

// prepareInput resizes and normalizes an image into a CHW float32 tensor.
func prepareInput(img image.Image, size int) []float32 {
	resized := resize.Resize(uint(size), uint(size), img, resize.Lanczos3)
	bounds := resized.Bounds()
	input := make([]float32, size*size*3)
	stride := size * size
	idx := 0

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			input[idx] = float32(r>>8) / 255.0
			input[idx+stride] = float32(g>>8) / 255.0
			input[idx+2*stride] = float32(b>>8) / 255.0
			idx++
		}
	}
	return input
}

// processOutput decodes the [1,4+classes,anchors] tensor into detections in
// source-image pixels, highest score first, after per-class Non-Maximum Suppression.
func processOutput(output []float32, numClasses, inputSize, imgWidth, imgHeight int, minScore, iouThreshold float32) ([]RawDetection, error) {
	rows := numClasses + 4
	anchors := len(output) / rows
	if numClasses < 1 || anchors == 0 || len(output) != anchors*rows {
		return nil, fmt.Errorf("invalid output size %d for %d classes", len(output), numClasses)
	}

	scaleX := float64(imgWidth) / float64(inputSize)
	scaleY := float64(imgHeight) / float64(inputSize)

	var boxes []RawDetection
	for i := 0; i < anchors; i++ {
		// Find class with highest probability.
		classID, prob := 0, float32(0.0)
		for j := 0; j < numClasses; j++ {
			if curr := output[anchors*(j+4)+i]; curr > prob {
				prob = curr
				classID = j
			}
		}
		if prob <= 0 || prob < minScore {
			continue
		}
		if prob > 1 {
			prob = 1
		}

		xc := float64(output[i])
		yc := float64(output[anchors+i])
		w := float64(output[2*anchors+i])
		h := float64(output[3*anchors+i])

		boxes = append(boxes, RawDetection{
			Box: Box{
				X1: (xc - w/2) * scaleX,
				Y1: (yc - h/2) * scaleY,
				X2: (xc + w/2) * scaleX,
				Y2: (yc + h/2) * scaleY,
			},
			ClassID:    classID,
			Confidence: prob,
		})
	}

	sort.SliceStable(boxes, func(i, j int) bool {
		return boxes[i].Confidence > boxes[j].Confidence
	})

	// Non-Maximum Suppression (NMS), only between boxes of the same class.
	detections := make([]RawDetection, 0, len(boxes))
	suppressed := make([]bool, len(boxes))
	for i := range boxes {
		if suppressed[i] {
			continue
		}
		detections = append(detections, boxes[i])
		for j := i + 1; j < len(boxes); j++ {
			if suppressed[j] || boxes[j].ClassID != boxes[i].ClassID {
				continue
			}
			if boxes[i].Box.IoU(boxes[j].Box) > float64(iouThreshold) {
				suppressed[j] = true
			}
		}
	}

	return detections, nil
}
