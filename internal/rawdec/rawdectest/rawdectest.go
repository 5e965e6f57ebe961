// Package rawdectest builds small synthetic RAW containers for tests. The
// containers are structurally honest: a real TIFF IFD chain (or RAF header)
// pointing at a real JPEG preview, so decode paths are exercised end to end
// without shipping binary fixtures.
package rawdectest

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
)

// Options controls the synthesized container.
type Options struct {
	Width       int
	Height      int
	Orientation int
	CameraMake  string
	CameraModel string
}

func (o Options) withDefaults() Options {
	if o.Width == 0 {
		o.Width = 64
	}
	if o.Height == 0 {
		o.Height = 48
	}
	if o.CameraMake == "" {
		o.CameraMake = "Acme"
	}
	if o.CameraModel == "" {
		o.CameraModel = "Acme R1"
	}
	return o
}

// PreviewJPEG encodes the deterministic gradient used as the embedded preview.
func PreviewJPEG(t *testing.T, width, height int) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(x * 255 / max(1, width-1)),
				G: uint8(y * 255 / max(1, height-1)),
				B: uint8((x + y) % 256),
				A: 255,
			})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode preview jpeg: %v", err)
	}
	return buf.Bytes()
}

// TIFFRaw builds a little-endian TIFF-based RAW container (a DNG-shaped file)
// whose IFD0 references an embedded JPEG preview.
func TIFFRaw(t *testing.T, opts Options) []byte {
	t.Helper()
	opts = opts.withDefaults()

	preview := PreviewJPEG(t, opts.Width, opts.Height)
	makeBytes := append([]byte(opts.CameraMake), 0)
	modelBytes := append([]byte(opts.CameraModel), 0)

	type entry struct {
		tag   uint16
		typ   uint16
		count uint32
		value uint32
	}

	const entryCount = 7
	ifdOffset := uint32(8)
	valuesOffset := ifdOffset + 2 + entryCount*12 + 4
	makeOffset := valuesOffset
	modelOffset := makeOffset + uint32(len(makeBytes))
	jpegOffset := modelOffset + uint32(len(modelBytes))

	orientation := opts.Orientation
	if orientation == 0 {
		orientation = 1
	}

	entries := []entry{
		{0x0100, 4, 1, uint32(opts.Width)},
		{0x0101, 4, 1, uint32(opts.Height)},
		{0x010F, 2, uint32(len(makeBytes)), makeOffset},
		{0x0110, 2, uint32(len(modelBytes)), modelOffset},
		{0x0112, 3, 1, uint32(orientation)},
		{0x0201, 4, 1, jpegOffset},
		{0x0202, 4, 1, uint32(len(preview))},
	}

	var buf bytes.Buffer
	le := binary.LittleEndian

	buf.Write([]byte{'I', 'I', 0x2A, 0x00})
	writeU32(&buf, le, ifdOffset)

	writeU16(&buf, le, entryCount)
	for _, e := range entries {
		writeU16(&buf, le, e.tag)
		writeU16(&buf, le, e.typ)
		writeU32(&buf, le, e.count)
		if e.typ == 3 && e.count == 1 {
			writeU16(&buf, le, uint16(e.value))
			writeU16(&buf, le, 0)
		} else {
			writeU32(&buf, le, e.value)
		}
	}
	writeU32(&buf, le, 0) // no next IFD

	buf.Write(makeBytes)
	buf.Write(modelBytes)
	buf.Write(preview)

	return buf.Bytes()
}

// RAF builds a Fujifilm-style container: magic header with the preview JPEG
// offset/length directory entries at bytes 84 and 88.
func RAF(t *testing.T, width, height int) []byte {
	t.Helper()

	preview := PreviewJPEG(t, width, height)

	header := make([]byte, 92)
	copy(header, "FUJIFILMCCD-RAW ")
	binary.BigEndian.PutUint32(header[84:], uint32(len(header)))
	binary.BigEndian.PutUint32(header[88:], uint32(len(preview)))

	return append(header, preview...)
}

// Truncate removes the trailing fraction of data, simulating an interrupted
// upload.
func Truncate(data []byte, keepFraction float64) []byte {
	keep := int(float64(len(data)) * keepFraction)
	if keep < 0 {
		keep = 0
	}
	return append([]byte(nil), data[:keep]...)
}

func writeU16(buf *bytes.Buffer, order binary.ByteOrder, v uint16) {
	var b [2]byte
	order.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, order binary.ByteOrder, v uint32) {
	var b [4]byte
	order.PutUint32(b[:], v)
	buf.Write(b[:])
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
