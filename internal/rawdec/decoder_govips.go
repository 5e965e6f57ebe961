//go:build govips && cgo

package rawdec

import (
	"context"

	"github.com/Gleato/rawthumb/internal/domain"
	"github.com/davidbyttow/govips/v2/vips"
)

// govipsDecoder hands the container to libvips, which performs a real
// demosaic through its magick loader. Preview metadata still comes from the
// pure-Go TIFF walk so orientation and camera fields stay consistent across
// backends.
type govipsDecoder struct{}

func (d govipsDecoder) Decode(ctx context.Context, data []byte) (img *DecodedImage, err error) {
	defer func() {
		if r := recover(); r != nil {
			img = nil
			err = domain.Errorf(domain.KindInternal, "native decoder panicked: %v", r)
		}
	}()

	if len(data) == 0 {
		return nil, domain.Errorf(domain.KindEmptyInput, "input is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	format := DetectFormat(data)
	if format == FormatUnknown {
		return nil, domain.Errorf(domain.KindUnsupportedFormat, "unrecognized container signature")
	}

	ref, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return nil, domain.WrapError(domain.KindCorruptData, err, "native decode")
	}
	defer ref.Close()

	decoded, err := ref.ToImage(vips.NewDefaultExportParams())
	if err != nil {
		return nil, domain.WrapError(domain.KindCorruptData, err, "export native pixels")
	}

	img = fromImage(decoded, format)
	img.Orientation = ref.Orientation()

	switch format {
	case FormatTIFF, FormatCR2, FormatORF:
		if meta, metaErr := parseTIFFMeta(data); metaErr == nil {
			img.CameraMake = meta.cameraMake
			img.CameraModel = meta.cameraModel
		}
	}

	if err := img.Validate(); err != nil {
		return nil, err
	}
	return img, nil
}
