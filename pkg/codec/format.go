// Package codec wraps the image encoders and decoders used by exports.
package codec

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnsupportedFormat is returned for formats the codec cannot produce.
	ErrUnsupportedFormat = errors.New("unsupported output format")
)

// Format is an export output encoding.
type Format int

const (
	// Auto lets the format selector decide.
	Auto Format = iota
	// JPEG is the maximally compatible lossy format.
	JPEG
	// WebP is the lossy format with better compression.
	WebP
	// PNG is the lossless format. It has no quality knob.
	PNG
)

// String returns the lowercase name of the format.
func (f Format) String() string {
	switch f {
	case JPEG:
		return "jpeg"
	case WebP:
		return "webp"
	case PNG:
		return "png"
	default:
		return "auto"
	}
}

// MIMEType returns the content type of encoded output.
func (f Format) MIMEType() string {
	switch f {
	case JPEG:
		return "image/jpeg"
	case WebP:
		return "image/webp"
	case PNG:
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

// Extension returns the file extension including the dot.
func (f Format) Extension() string {
	switch f {
	case JPEG:
		return ".jpg"
	case WebP:
		return ".webp"
	case PNG:
		return ".png"
	default:
		return ""
	}
}

// Lossless reports whether the format ignores the quality knob.
func (f Format) Lossless() bool {
	return f == PNG
}

// ParseFormat parses a format name. The empty string means Auto.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return Auto, nil
	case "jpeg", "jpg":
		return JPEG, nil
	case "webp":
		return WebP, nil
	case "png":
		return PNG, nil
	default:
		return Auto, fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
}

// FormatFromExtension maps a file extension to a format, Auto when unknown.
func FormatFromExtension(ext string) Format {
	f, err := ParseFormat(strings.TrimPrefix(ext, "."))
	if err != nil {
		return Auto
	}
	return f
}

// MarshalText encodes the format by name.
func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText parses a format name.
func (f *Format) UnmarshalText(text []byte) error {
	v, err := ParseFormat(string(text))
	if err != nil {
		return err
	}
	*f = v
	return nil
}
