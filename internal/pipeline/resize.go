package pipeline

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// TargetDimensions bounds width and height so that neither exceeds
// maxDimension, keeping the aspect ratio. Images that already fit are
// returned unchanged; there is no upscaling.
func TargetDimensions(width, height, maxDimension int) (int, int) {
	if width <= maxDimension && height <= maxDimension {
		return width, height
	}

	aspect := float64(width) / float64(height)
	if width > height {
		return maxDimension, max(1, int(math.Round(float64(maxDimension)/aspect)))
	}
	return max(1, int(math.Round(float64(maxDimension)*aspect))), maxDimension
}

// Resize scales img down to fit maxDimension in a single bilinear pass.
// The same raster is returned when no resize is needed.
func Resize(img *image.NRGBA, maxDimension int) (*image.NRGBA, bool) {
	b := img.Bounds()
	w, h := TargetDimensions(b.Dx(), b.Dy(), maxDimension)
	if w == b.Dx() && h == b.Dy() {
		return img, false
	}
	return imaging.Resize(img, w, h, imaging.Linear), true
}
