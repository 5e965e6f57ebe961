package rawdec

import (
	"encoding/binary"
	"strings"

	"github.com/Gleato/rawthumb/internal/domain"
)

// TIFF tags used while walking RAW containers.
const (
	tagNewSubfileType  = 0x00FE
	tagImageWidth      = 0x0100
	tagImageLength     = 0x0101
	tagCompression     = 0x0103
	tagMake            = 0x010F
	tagModel           = 0x0110
	tagStripOffsets    = 0x0111
	tagOrientation     = 0x0112
	tagStripByteCounts = 0x0117
	tagSubIFDs         = 0x014A
	tagJPEGOffset      = 0x0201
	tagJPEGLength      = 0x0202
)

const (
	compressionJPEGOld = 6
	compressionJPEG    = 7
)

// tiffPreview points at an embedded image candidate inside the container.
type tiffPreview struct {
	offset uint32
	length uint32
	width  int
	height int
}

type tiffMeta struct {
	orientation int
	cameraMake  string
	cameraModel string
	previews    []tiffPreview
}

// parseTIFFMeta walks the IFD chain of a TIFF-based RAW container, collecting
// capture metadata from IFD0 and every embedded JPEG candidate it can find.
// Structural violations are reported as corrupt_data.
func parseTIFFMeta(data []byte) (tiffMeta, error) {
	if len(data) < 8 {
		return tiffMeta{}, domain.Errorf(domain.KindCorruptData, "container shorter than TIFF header")
	}

	var order binary.ByteOrder
	switch {
	case data[0] == 'I' && data[1] == 'I':
		order = binary.LittleEndian
	case data[0] == 'M' && data[1] == 'M':
		order = binary.BigEndian
	default:
		return tiffMeta{}, domain.Errorf(domain.KindCorruptData, "missing TIFF byte-order mark")
	}

	w := tiffWalker{data: data, order: order, visited: map[uint32]bool{}}
	meta := tiffMeta{}
	if err := w.walkChain(order.Uint32(data[4:8]), true, &meta); err != nil {
		return tiffMeta{}, err
	}
	return meta, nil
}

type tiffWalker struct {
	data    []byte
	order   binary.ByteOrder
	visited map[uint32]bool
	depth   int
}

const (
	maxIFDs     = 64
	maxSubDepth = 4
)

func (w *tiffWalker) walkChain(offset uint32, first bool, meta *tiffMeta) error {
	for offset != 0 {
		if len(w.visited) > maxIFDs {
			return domain.Errorf(domain.KindCorruptData, "IFD chain exceeds %d directories", maxIFDs)
		}
		if w.visited[offset] {
			return domain.Errorf(domain.KindCorruptData, "IFD chain loops at offset %d", offset)
		}
		w.visited[offset] = true

		next, err := w.walkIFD(offset, first, meta)
		if err != nil {
			return err
		}
		first = false
		offset = next
	}
	return nil
}

func (w *tiffWalker) walkIFD(offset uint32, isIFD0 bool, meta *tiffMeta) (uint32, error) {
	if int(offset)+2 > len(w.data) {
		return 0, domain.Errorf(domain.KindCorruptData, "IFD offset %d past end of container", offset)
	}
	count := int(w.order.Uint16(w.data[offset : offset+2]))
	entriesEnd := int(offset) + 2 + count*12
	if entriesEnd+4 > len(w.data) {
		return 0, domain.Errorf(domain.KindCorruptData, "IFD at %d truncated", offset)
	}

	var (
		jpegOffset, jpegLength uint32
		stripOffset, stripLen  uint32
		compression            uint32
		width, height          int
		stripCount             int
	)

	for i := 0; i < count; i++ {
		entry := w.data[int(offset)+2+i*12:]
		tag := w.order.Uint16(entry[0:2])
		typ := w.order.Uint16(entry[2:4])
		num := w.order.Uint32(entry[4:8])

		switch tag {
		case tagOrientation:
			if isIFD0 {
				meta.orientation = int(w.scalar(entry, typ))
			}
		case tagMake:
			if isIFD0 {
				meta.cameraMake = w.ascii(entry, typ, num)
			}
		case tagModel:
			if isIFD0 {
				meta.cameraModel = w.ascii(entry, typ, num)
			}
		case tagImageWidth:
			width = int(w.scalar(entry, typ))
		case tagImageLength:
			height = int(w.scalar(entry, typ))
		case tagCompression:
			compression = w.scalar(entry, typ)
		case tagJPEGOffset:
			jpegOffset = w.scalar(entry, typ)
		case tagJPEGLength:
			jpegLength = w.scalar(entry, typ)
		case tagStripOffsets:
			stripCount = int(num)
			stripOffset = w.scalar(entry, typ)
		case tagStripByteCounts:
			stripLen = w.scalar(entry, typ)
		case tagSubIFDs:
			if err := w.walkSubIFDs(entry, typ, num, meta); err != nil {
				return 0, err
			}
		}
	}

	if jpegOffset > 0 && jpegLength > 0 {
		meta.addPreview(w.data, tiffPreview{offset: jpegOffset, length: jpegLength, width: width, height: height})
	}
	// DNG previews commonly sit in a single JPEG-compressed strip.
	if (compression == compressionJPEG || compression == compressionJPEGOld) &&
		stripCount == 1 && stripOffset > 0 && stripLen > 0 {
		meta.addPreview(w.data, tiffPreview{offset: stripOffset, length: stripLen, width: width, height: height})
	}

	return w.order.Uint32(w.data[entriesEnd : entriesEnd+4]), nil
}

func (w *tiffWalker) walkSubIFDs(entry []byte, typ uint16, num uint32, meta *tiffMeta) error {
	if typ != 4 || num == 0 || num > 16 {
		return nil
	}
	if w.depth >= maxSubDepth {
		return nil
	}
	w.depth++
	defer func() { w.depth-- }()

	offsets := make([]uint32, 0, num)
	if num == 1 {
		offsets = append(offsets, w.order.Uint32(entry[8:12]))
	} else {
		base := w.order.Uint32(entry[8:12])
		end := int(base) + int(num)*4
		if end > len(w.data) {
			return domain.Errorf(domain.KindCorruptData, "SubIFD offset table truncated")
		}
		for i := uint32(0); i < num; i++ {
			offsets = append(offsets, w.order.Uint32(w.data[base+i*4:]))
		}
	}

	for _, off := range offsets {
		if off == 0 || w.visited[off] {
			continue
		}
		if err := w.walkChain(off, false, meta); err != nil {
			return err
		}
	}
	return nil
}

// scalar reads a SHORT or LONG value stored inline in the entry.
func (w *tiffWalker) scalar(entry []byte, typ uint16) uint32 {
	switch typ {
	case 3: // SHORT
		return uint32(w.order.Uint16(entry[8:10]))
	case 4: // LONG
		return w.order.Uint32(entry[8:12])
	default:
		return 0
	}
}

func (w *tiffWalker) ascii(entry []byte, typ uint16, num uint32) string {
	if typ != 2 || num == 0 {
		return ""
	}
	var raw []byte
	if num <= 4 {
		raw = entry[8 : 8+num]
	} else {
		off := w.order.Uint32(entry[8:12])
		end := int(off) + int(num)
		if end > len(w.data) {
			return ""
		}
		raw = w.data[off:end]
	}
	return strings.TrimRight(string(raw), "\x00 ")
}

func (m *tiffMeta) addPreview(data []byte, p tiffPreview) {
	end := int64(p.offset) + int64(p.length)
	if end > int64(len(data)) || p.length < 4 {
		return
	}
	// Only keep blobs that actually start with a JPEG SOI marker.
	if data[p.offset] != 0xFF || data[p.offset+1] != 0xD8 {
		return
	}
	m.previews = append(m.previews, p)
}

// bestPreview returns the largest embedded JPEG, which in practice is the
// full-size preview RAW processors bundle for quick display.
func (m *tiffMeta) bestPreview() (tiffPreview, bool) {
	var best tiffPreview
	found := false
	for _, p := range m.previews {
		if !found || p.length > best.length {
			best = p
			found = true
		}
	}
	return best, found
}
