package domain

import (
	"fmt"
	"strings"
)

const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"

	DefaultJPEGQuality = 85
)

// ConversionOptions describes the requested output of a conversion. The zero
// value means "jpeg at default quality, no resize". Options are validated
// once and treated as immutable afterwards.
type ConversionOptions struct {
	Format       string `json:"format,omitempty"`
	Quality      int    `json:"quality,omitempty"`
	TargetWidth  int    `json:"target_width,omitempty"`
	TargetHeight int    `json:"target_height,omitempty"`
	// Exact stretches to the target dimensions instead of fitting within
	// them while preserving aspect ratio.
	Exact bool `json:"exact,omitempty"`
}

// Normalize fills defaults and lowercases the format. It does not validate.
func (o ConversionOptions) Normalize() ConversionOptions {
	o.Format = strings.ToLower(strings.TrimSpace(o.Format))
	if o.Format == "jpg" || o.Format == "" {
		o.Format = FormatJPEG
	}
	if o.Quality == 0 {
		o.Quality = DefaultJPEGQuality
	}
	return o
}

// Validate checks a normalized set of options. Violations are reported as
// invalid_options so they surface before any decode work happens.
func (o ConversionOptions) Validate() error {
	switch o.Format {
	case FormatJPEG, FormatPNG:
	default:
		return Errorf(KindInvalidOptions, "unsupported output format %q", o.Format)
	}
	if o.Quality < 1 || o.Quality > 100 {
		return Errorf(KindInvalidOptions, "quality must be within [1, 100], got %d", o.Quality)
	}
	if o.TargetWidth < 0 || o.TargetHeight < 0 {
		return Errorf(KindInvalidOptions, "target dimensions must be positive, got %dx%d", o.TargetWidth, o.TargetHeight)
	}
	if (o.TargetWidth == 0) != (o.TargetHeight == 0) {
		return Errorf(KindInvalidOptions, "target width and height must be set together")
	}
	if o.Exact && o.TargetWidth == 0 {
		return Errorf(KindInvalidOptions, "exact resize requires target dimensions")
	}
	return nil
}

// ContentType returns the MIME type for the configured output format.
func (o ConversionOptions) ContentType() string {
	if o.Format == FormatPNG {
		return "image/png"
	}
	return "image/jpeg"
}

func (o ConversionOptions) String() string {
	if o.TargetWidth == 0 {
		return fmt.Sprintf("%s q=%d", o.Format, o.Quality)
	}
	return fmt.Sprintf("%s q=%d %dx%d exact=%t", o.Format, o.Quality, o.TargetWidth, o.TargetHeight, o.Exact)
}
