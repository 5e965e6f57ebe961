// Package pipeline turns decoded RAW pixel buffers into encoded output
// images, and drives the asynchronous fetch-convert-upload flow.
package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/Gleato/rawthumb/internal/domain"
	"github.com/Gleato/rawthumb/internal/rawdec"
)

// Result is one encoded output image.
type Result struct {
	Data        []byte
	ContentType string
	Format      string
	Width       int
	Height      int
	// SourceWidth and SourceHeight are the decoded dimensions before any
	// resize, kept for usage accounting.
	SourceWidth  int
	SourceHeight int
}

// Converter orchestrates one conversion: size admission, decode, orientation
// normalization, resize, encode. It holds no per-request state, so identical
// input bytes and options always produce identical output.
type Converter struct {
	decoder       rawdec.Decoder
	maxInputBytes int64
}

func NewConverter(decoder rawdec.Decoder, maxInputBytes int64) *Converter {
	return &Converter{decoder: decoder, maxInputBytes: maxInputBytes}
}

// Convert runs the full pipeline. The context is checked between stages so
// abandoned requests stop at the next stage boundary; intermediate buffers
// are dropped as soon as the next stage's output supersedes them.
func (c *Converter) Convert(ctx context.Context, data []byte, opts domain.ConversionOptions) (Result, error) {
	if c.maxInputBytes > 0 && int64(len(data)) > c.maxInputBytes {
		return Result{}, domain.Errorf(domain.KindPayloadTooLarge,
			"input of %d bytes exceeds limit of %d", len(data), c.maxInputBytes)
	}

	opts = opts.Normalize()
	if err := opts.Validate(); err != nil {
		return Result{}, err
	}

	decoded, err := c.decoder.Decode(ctx, data)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return Result{}, domain.WrapError(domain.KindCorruptData, err, "decode stage")
	}
	if err := decoded.Validate(); err != nil {
		return Result{}, err
	}

	srcW, srcH := decoded.Width, decoded.Height

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	img := applyOrientation(decoded.Image(), decoded.Orientation)

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	var out image.Image = img
	if opts.TargetWidth > 0 {
		out = resizeStage(img, opts)
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	encoded, err := encodeStage(out, opts)
	if err != nil {
		return Result{}, err
	}

	bounds := out.Bounds()
	return Result{
		Data:         encoded,
		ContentType:  opts.ContentType(),
		Format:       opts.Format,
		Width:        bounds.Dx(),
		Height:       bounds.Dy(),
		SourceWidth:  srcW,
		SourceHeight: srcH,
	}, nil
}

func encodeStage(img image.Image, opts domain.ConversionOptions) ([]byte, error) {
	var buf bytes.Buffer

	switch opts.Format {
	case domain.FormatJPEG:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: opts.Quality}); err != nil {
			return nil, domain.WrapError(domain.KindEncodeFailed, err, "encode jpeg")
		}
	case domain.FormatPNG:
		encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
		if err := encoder.Encode(&buf, img); err != nil {
			return nil, domain.WrapError(domain.KindEncodeFailed, err, "encode png")
		}
	default:
		return nil, domain.Errorf(domain.KindInvalidOptions, "unsupported output format %q", opts.Format)
	}

	return buf.Bytes(), nil
}
