// Package imgproc decodes request images, cuts detected regions out of them and
// encodes the crops for transport.
package imgproc

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// MaxPixels caps the declared width*height of an input image. Larger images
// are rejected before any pixel buffer is allocated.
const MaxPixels = 1 << 28

var (
	errEmptyInput = errors.New("empty input")
	errNoPixels   = errors.New("image has no pixels")
)

// Decode turns encoded image bytes into an NRGBA pixel matrix anchored at the
// origin. Every stage after decoding works on this channel order.
func Decode(data []byte) (*image.NRGBA, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Err: errEmptyInput}
	}

	var img image.Image
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err == nil {
		if err := checkDimensions(cfg); err != nil {
			return nil, &DecodeError{Err: err}
		}
		img, _, err = image.Decode(bytes.NewReader(data))
	}
	if err != nil {
		// libwebp accepts some WebP variants the pure Go decoder rejects.
		wimg, werr := decodeWebP(data)
		if werr != nil {
			if errors.Is(werr, errTooLarge) {
				return nil, &DecodeError{Err: werr}
			}
			return nil, &DecodeError{Err: err}
		}
		img = wimg
	}
	if img.Bounds().Empty() {
		return nil, &DecodeError{Err: errNoPixels}
	}
	return imaging.Clone(img), nil
}

var errTooLarge = errors.New("image too large")

func decodeWebP(data []byte) (image.Image, error) {
	cfg, err := webp.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if err := checkDimensions(cfg); err != nil {
		return nil, err
	}
	return webp.Decode(bytes.NewReader(data))
}

// checkDimensions rejects images whose header declares more than MaxPixels.
func checkDimensions(cfg image.Config) error {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return errNoPixels
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return fmt.Errorf("%w: %dx%d exceeds %d pixels", errTooLarge, cfg.Width, cfg.Height, MaxPixels)
	}
	return nil
}
