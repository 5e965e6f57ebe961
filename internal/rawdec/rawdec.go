// Package rawdec turns camera RAW container bytes into pixel buffers.
//
// Two backends exist behind the same Decoder interface: a libvips-backed
// decoder selected by the govips build tag, and a pure-Go decoder that
// extracts and decodes the full-size preview image embedded in the container.
// Both classify failures with the domain error kinds so a malformed upload
// can never take the process down.
package rawdec

import (
	"context"
	"image"
	"image/draw"

	"github.com/Gleato/rawthumb/internal/domain"
)

// DecodedImage is the result of decoding one RAW file. The pixel buffer is
// owned by the caller; the decoder retains no reference to it after returning.
type DecodedImage struct {
	Width  int
	Height int
	// Pix holds NRGBA pixels, 4 bytes per pixel, row-major.
	Pix []uint8
	// Orientation is the EXIF orientation tag (1..8), 0 when absent.
	Orientation  int
	SourceFormat Format
	CameraMake   string
	CameraModel  string
}

// Validate enforces the buffer invariant: positive dimensions that agree with
// the buffer length. A violation is a decode failure, never a silent truncation.
func (d *DecodedImage) Validate() error {
	if d.Width <= 0 || d.Height <= 0 {
		return domain.Errorf(domain.KindCorruptData, "decoded image has invalid dimensions %dx%d", d.Width, d.Height)
	}
	if len(d.Pix) != d.Width*d.Height*4 {
		return domain.Errorf(domain.KindCorruptData,
			"pixel buffer length %d does not match %dx%d NRGBA", len(d.Pix), d.Width, d.Height)
	}
	return nil
}

// Image wraps the pixel buffer without copying.
func (d *DecodedImage) Image() *image.NRGBA {
	return &image.NRGBA{
		Pix:    d.Pix,
		Stride: d.Width * 4,
		Rect:   image.Rect(0, 0, d.Width, d.Height),
	}
}

// Decoder decodes RAW container bytes. Implementations are safe for
// concurrent use and allocate a fresh buffer per call.
type Decoder interface {
	Decode(ctx context.Context, data []byte) (*DecodedImage, error)
}

func fromImage(src image.Image, format Format) *DecodedImage {
	bounds := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), src, bounds.Min, draw.Src)
	return &DecodedImage{
		Width:        bounds.Dx(),
		Height:       bounds.Dy(),
		Pix:          dst.Pix,
		SourceFormat: format,
	}
}
