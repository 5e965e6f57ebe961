package pipeline

import (
	"image"
	"math"

	"github.com/Gleato/rawthumb/internal/domain"
	"github.com/nfnt/resize"
)

func resizeStage(img image.Image, opts domain.ConversionOptions) image.Image {
	bounds := img.Bounds()
	w, h := opts.TargetWidth, opts.TargetHeight
	if !opts.Exact {
		w, h = fitDimensions(bounds.Dx(), bounds.Dy(), w, h)
	}
	if w == bounds.Dx() && h == bounds.Dy() {
		return img
	}
	return resize.Resize(uint(w), uint(h), img, resize.Lanczos3)
}

// fitDimensions scales srcW x srcH to fit within the target box while
// preserving aspect ratio. The smaller scale factor wins; results are
// clamped to at least one pixel.
func fitDimensions(srcW, srcH, targetW, targetH int) (int, int) {
	if srcW <= 0 || srcH <= 0 {
		return targetW, targetH
	}

	widthRatio := float64(targetW) / float64(srcW)
	heightRatio := float64(targetH) / float64(srcH)
	scale := math.Min(widthRatio, heightRatio)

	w := int(math.Round(float64(srcW) * scale))
	h := int(math.Round(float64(srcH) * scale))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}
