package detector

import (
	"bytes"
	"image"
	"image/color"
	"math"
	"testing"
)

type prediction struct {
	xc, yc, w, h float32
	scores       map[int]float32
}

// buildOutput lays predictions out the way YOLOv8 does: one row per
// coordinate/class, one column per anchor.
func buildOutput(numClasses int, preds []prediction) []float32 {
	anchors := len(preds)
	out := make([]float32, (4+numClasses)*anchors)
	for i, p := range preds {
		out[i] = p.xc
		out[anchors+i] = p.yc
		out[2*anchors+i] = p.w
		out[3*anchors+i] = p.h
		for c, s := range p.scores {
			out[anchors*(c+4)+i] = s
		}
	}
	return out
}

func TestProcessOutput(t *testing.T) {
	output := buildOutput(3, []prediction{
		{xc: 100, yc: 100, w: 40, h: 20, scores: map[int]float32{1: 0.9, 2: 0.1}},
		{xc: 102, yc: 100, w: 40, h: 20, scores: map[int]float32{1: 0.8}},
		{xc: 100, yc: 100, w: 40, h: 20, scores: map[int]float32{2: 0.6}},
		{xc: 300, yc: 300, w: 50, h: 50, scores: map[int]float32{0: 0.1}},
	})

	// 1280x320 source: x scales by 2, y by 0.5.
	dets, err := processOutput(output, 3, 640, 1280, 320, DefaultMinScore, DefaultIoUThreshold)
	if err != nil {
		t.Fatalf("processOutput failed: %v", err)
	}
	if len(dets) != 2 {
		t.Fatalf("Expected 2 detections, got %d: %+v", len(dets), dets)
	}

	first := dets[0]
	if first.ClassID != 1 || first.Confidence != 0.9 {
		t.Errorf("Expected class 1 at 0.9 first, got class %d at %v", first.ClassID, first.Confidence)
	}
	want := Box{X1: 160, Y1: 45, X2: 240, Y2: 55}
	if first.Box != want {
		t.Errorf("Expected box %+v, got %+v", want, first.Box)
	}

	// Same place, different class: not suppressed.
	if dets[1].ClassID != 2 || dets[1].Box != want {
		t.Errorf("Expected class 2 overlap to survive, got %+v", dets[1])
	}
}

func TestProcessOutputEmpty(t *testing.T) {
	output := buildOutput(2, []prediction{
		{xc: 10, yc: 10, w: 5, h: 5, scores: map[int]float32{0: 0.05}},
		{xc: 20, yc: 20, w: 5, h: 5},
	})

	dets, err := processOutput(output, 2, 640, 640, 640, DefaultMinScore, DefaultIoUThreshold)
	if err != nil {
		t.Fatalf("processOutput failed: %v", err)
	}
	if len(dets) != 0 {
		t.Errorf("Expected no detections, got %+v", dets)
	}
}

func TestProcessOutputInvalidSize(t *testing.T) {
	if _, err := processOutput(make([]float32, 10), 3, 640, 640, 640, 0.25, 0.7); err == nil {
		t.Error("Expected error for mismatched output size")
	}
	if _, err := processOutput(nil, 3, 640, 640, 640, 0.25, 0.7); err == nil {
		t.Error("Expected error for empty output")
	}
}

func TestAnchorCount(t *testing.T) {
	tests := []struct {
		size int
		want int
	}{
		{640, 8400},
		{320, 2100},
		{1280, 33600},
	}
	for _, tt := range tests {
		if got := anchorCount(tt.size); got != tt.want {
			t.Errorf("anchorCount(%d) = %d, want %d", tt.size, got, tt.want)
		}
	}
}

func TestPrepareInput(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 40, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 40; x++ {
			img.SetNRGBA(x, y, color.NRGBA{255, 0, 0, 255})
		}
	}
	before := append([]uint8(nil), img.Pix...)

	const size = 32
	input := prepareInput(img, size)

	if len(input) != 3*size*size {
		t.Fatalf("Expected %d values, got %d", 3*size*size, len(input))
	}
	stride := size * size
	if input[0] < 0.99 || input[stride] > 0.01 || input[2*stride] > 0.01 {
		t.Errorf("Expected red CHW planes, got r=%v g=%v b=%v", input[0], input[stride], input[2*stride])
	}
	if !bytes.Equal(before, img.Pix) {
		t.Error("prepareInput modified the source image")
	}
}

func TestBoxIoU(t *testing.T) {
	a := Box{X1: 0, Y1: 0, X2: 10, Y2: 10}

	tests := []struct {
		name string
		b    Box
		want float64
	}{
		{"identical", a, 1},
		{"disjoint", Box{X1: 20, Y1: 20, X2: 30, Y2: 30}, 0},
		{"half overlap", Box{X1: 5, Y1: 0, X2: 15, Y2: 10}, 50.0 / 150.0},
		{"degenerate", Box{X1: 5, Y1: 5, X2: 5, Y2: 5}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.IoU(tt.b); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Expected IoU %v, got %v", tt.want, got)
			}
		})
	}
}

func TestGetSharedLibPath(t *testing.T) {
	path, err := getSharedLibPath()
	if err != nil {
		t.Skipf("no bundled runtime for this platform: %v", err)
	}
	if path == "" {
		t.Error("Expected a library path")
	}
}
