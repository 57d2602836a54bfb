package imgproc

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

// Supported crop formats.
const (
	FormatJPEG = "jpeg"
	FormatWebP = "webp"
)

// DefaultQuality matches the JPEG quality OpenCV's imencode uses by default.
const DefaultQuality = 95

var errEmptyImage = errors.New("empty image")

// Encoder encodes crops into a lossy image format.
type Encoder struct {
	format  string
	quality int
}

// NewEncoder creates an encoder for "jpeg" ("jpg") or "webp" at the given quality (1-100).
func NewEncoder(format string, quality int) (*Encoder, error) {
	switch strings.ToLower(format) {
	case "jpeg", "jpg":
		format = FormatJPEG
	case "webp":
		format = FormatWebP
	default:
		return nil, fmt.Errorf("unsupported crop format: %s", format)
	}
	if quality < 1 || quality > 100 {
		return nil, fmt.Errorf("crop quality must be between 1 and 100, got %d", quality)
	}
	return &Encoder{format: format, quality: quality}, nil
}

// Format returns the normalized format name.
func (e *Encoder) Format() string {
	return e.format
}

// Encode compresses img. Failures are returned as *EncodeError.
func (e *Encoder) Encode(img image.Image) ([]byte, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, &EncodeError{Format: e.format, Err: errEmptyImage}
	}

	var buf bytes.Buffer
	var err error
	switch e.format {
	case FormatWebP:
		err = webp.Encode(&buf, img, &webp.Options{Lossless: false, Quality: float32(e.quality)})
	default:
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(e.quality))
	}
	if err != nil {
		return nil, &EncodeError{Format: e.format, Err: err}
	}
	return buf.Bytes(), nil
}

// EncodeBase64 turns encoded crop bytes into text for a JSON body.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
