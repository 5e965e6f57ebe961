package rawdec

import (
	"bytes"
	"context"
	"encoding/binary"
	"image/jpeg"

	"github.com/Gleato/rawthumb/internal/domain"
)

// previewDecoder is the pure-Go backend. It does not demosaic sensor data;
// it locates the full-size preview image every RAW processor embeds in the
// container and decodes that instead. Formats whose previews live outside
// TIFF structures (CR3, RW2) need the native backend.
type previewDecoder struct{}

func (d previewDecoder) Decode(ctx context.Context, data []byte) (img *DecodedImage, err error) {
	defer func() {
		if r := recover(); r != nil {
			img = nil
			err = domain.Errorf(domain.KindInternal, "decoder panicked: %v", r)
		}
	}()

	if len(data) == 0 {
		return nil, domain.Errorf(domain.KindEmptyInput, "input is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	format := DetectFormat(data)
	switch format {
	case FormatTIFF, FormatCR2, FormatORF:
		return d.decodeTIFF(data, format)
	case FormatRAF:
		return d.decodeRAF(data)
	case FormatCR3, FormatRW2:
		return nil, domain.Errorf(domain.KindUnsupportedFormat,
			"%s containers require the native decoder backend", format)
	default:
		return nil, domain.Errorf(domain.KindUnsupportedFormat, "unrecognized container signature")
	}
}

func (d previewDecoder) decodeTIFF(data []byte, format Format) (*DecodedImage, error) {
	meta, err := parseTIFFMeta(data)
	if err != nil {
		return nil, err
	}

	preview, ok := meta.bestPreview()
	if !ok {
		return nil, domain.Errorf(domain.KindCorruptData, "no embedded preview image found")
	}

	blob := data[preview.offset : preview.offset+preview.length]
	src, err := jpeg.Decode(bytes.NewReader(blob))
	if err != nil {
		return nil, domain.WrapError(domain.KindCorruptData, err, "decode embedded preview")
	}

	img := fromImage(src, format)
	img.Orientation = meta.orientation
	img.CameraMake = meta.cameraMake
	img.CameraModel = meta.cameraModel
	if err := img.Validate(); err != nil {
		return nil, err
	}
	return img, nil
}

// RAF headers carry a directory of absolute offsets; the embedded JPEG
// preview location sits at bytes 84..91, big endian.
const (
	rafJPEGOffsetPos = 84
	rafJPEGLengthPos = 88
	rafHeaderLen     = 92
)

func (d previewDecoder) decodeRAF(data []byte) (*DecodedImage, error) {
	if len(data) < rafHeaderLen {
		return nil, domain.Errorf(domain.KindCorruptData, "RAF header truncated")
	}

	offset := binary.BigEndian.Uint32(data[rafJPEGOffsetPos:])
	length := binary.BigEndian.Uint32(data[rafJPEGLengthPos:])
	end := int64(offset) + int64(length)
	if length == 0 || end > int64(len(data)) {
		return nil, domain.Errorf(domain.KindCorruptData,
			"RAF preview range %d+%d exceeds container of %d bytes", offset, length, len(data))
	}

	src, err := jpeg.Decode(bytes.NewReader(data[offset:end]))
	if err != nil {
		return nil, domain.WrapError(domain.KindCorruptData, err, "decode RAF preview")
	}

	img := fromImage(src, FormatRAF)
	if err := img.Validate(); err != nil {
		return nil, err
	}
	return img, nil
}
