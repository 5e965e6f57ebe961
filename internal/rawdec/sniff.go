package rawdec

import "bytes"

// Format identifies a recognized RAW container family. Recognition is by
// signature bytes only; file extensions and declared MIME types are ignored.
type Format string

const (
	FormatUnknown Format = ""
	// FormatTIFF covers TIFF-based containers that share the plain TIFF
	// signature: DNG, NEF, ARW, PEF and friends.
	FormatTIFF Format = "tiff-raw"
	FormatCR2  Format = "cr2"
	FormatCR3  Format = "cr3"
	FormatRAF  Format = "raf"
	FormatORF  Format = "orf"
	FormatRW2  Format = "rw2"
)

var rafMagic = []byte("FUJIFILMCCD-RAW")

// DetectFormat inspects the leading bytes of data and reports the container
// family, or FormatUnknown when no RAW signature matches.
func DetectFormat(data []byte) Format {
	if len(data) < 8 {
		return FormatUnknown
	}

	switch {
	case data[0] == 'I' && data[1] == 'I':
		switch {
		case data[2] == 0x2A && data[3] == 0x00:
			// Canon writes "CR" plus a version byte right after the
			// standard TIFF header.
			if len(data) >= 10 && data[8] == 'C' && data[9] == 'R' {
				return FormatCR2
			}
			return FormatTIFF
		case data[2] == 'R' && (data[3] == 'O' || data[3] == 'S'):
			return FormatORF
		case data[2] == 0x55 && data[3] == 0x00:
			return FormatRW2
		}
	case data[0] == 'M' && data[1] == 'M' && data[2] == 0x00 && data[3] == 0x2A:
		return FormatTIFF
	case bytes.HasPrefix(data, rafMagic):
		return FormatRAF
	case len(data) >= 12 && bytes.Equal(data[4:8], []byte("ftyp")) && bytes.Equal(data[8:12], []byte("crx ")):
		return FormatCR3
	}

	return FormatUnknown
}
