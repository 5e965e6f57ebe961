//go:build !govips || !cgo

package rawdec

func Startup() error {
	return nil
}

func Shutdown() {}

// NewDecoder returns the backend selected at build time.
func NewDecoder() Decoder {
	return previewDecoder{}
}
