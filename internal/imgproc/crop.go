package imgproc

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// ClampBox converts a pixel-space box to an integer rectangle inside bounds.
// Coordinates are truncated, then clamped to [0,width] and [0,height]. The
// second result is false when the clamped box has no area.
func ClampBox(x1, y1, x2, y2 float64, bounds image.Rectangle) (image.Rectangle, bool) {
	for _, v := range [...]float64{x1, y1, x2, y2} {
		if math.IsNaN(v) {
			return image.Rectangle{}, false
		}
	}

	w, h := float64(bounds.Dx()), float64(bounds.Dy())
	rect := image.Rectangle{
		Min: image.Point{X: int(clamp(x1, 0, w)), Y: int(clamp(y1, 0, h))},
		Max: image.Point{X: int(clamp(x2, 0, w)), Y: int(clamp(y2, 0, h))},
	}
	if rect.Max.X <= rect.Min.X || rect.Max.Y <= rect.Min.Y {
		return image.Rectangle{}, false
	}
	return rect, true
}

// Crop copies the given rectangle out of img. The result does not share pixels
// with img, so overlapping crops are independent.
func Crop(img image.Image, rect image.Rectangle) *image.NRGBA {
	return imaging.Crop(img, rect.Add(img.Bounds().Min))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
