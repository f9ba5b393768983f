package exporter

import (
	"bytes"
	"errors"
	"fmt"
	"image"
)

var (
	// ErrEmptyUpload is returned for zero-length input
	ErrEmptyUpload = errors.New("empty upload")
	// ErrFileTooLarge is returned when the file exceeds the size limit
	ErrFileTooLarge = errors.New("file size exceeds limit")
	// ErrUnsupportedMedia is returned when the magic bytes match no known image format
	ErrUnsupportedMedia = errors.New("unsupported image format")
	// ErrInvalidImage is returned when a recognised file fails to decode
	ErrInvalidImage = errors.New("invalid image data")
	// ErrInvalidImageDimensions is returned when image dimensions are invalid
	ErrInvalidImageDimensions = errors.New("invalid image dimensions")
	// ErrImageTooLarge is returned when image dimensions exceed limits
	ErrImageTooLarge = errors.New("image dimensions exceed maximum allowed")
)

// Validation limits
const (
	MaxFileSize       = 20 * 1024 * 1024 // 20MB max file size
	MaxImageWidth     = 20000            // 20K pixels max width
	MaxImageHeight    = 20000            // 20K pixels max height
	MaxImagePixels    = 250_000_000      // 250 megapixels max total pixels
	MinImageDimension = 1
)

// Source formats recognised by DetectFormat
const (
	SourceJPEG = "jpeg"
	SourcePNG  = "png"
	SourceGIF  = "gif"
	SourceWebP = "webp"
	SourceHEIF = "heif"
)

var heifBrands = [][]byte{
	[]byte("heic"), []byte("heix"), []byte("hevc"), []byte("hevx"),
	[]byte("heim"), []byte("heis"), []byte("mif1"), []byte("msf1"), []byte("avif"),
}

// ValidateFile checks the file size before any decoding. maxBytes <= 0 uses MaxFileSize.
func ValidateFile(data []byte, maxBytes int64) error {
	if maxBytes <= 0 {
		maxBytes = MaxFileSize
	}
	if len(data) == 0 {
		return ErrEmptyUpload
	}
	if int64(len(data)) > maxBytes {
		return fmt.Errorf("%w: %d bytes (max: %d)", ErrFileTooLarge, len(data), maxBytes)
	}
	return nil
}

// DetectFormat sniffs the magic bytes of an upload.
func DetectFormat(data []byte) (string, error) {
	switch {
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return SourceJPEG, nil
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return SourcePNG, nil
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return SourceGIF, nil
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return SourceWebP, nil
	case IsHEIFMagic(data):
		return SourceHEIF, nil
	}
	return "", ErrUnsupportedMedia
}

// IsHEIFMagic checks for an ISOBMFF ftyp box with a HEIF family brand
func IsHEIFMagic(data []byte) bool {
	if len(data) < 12 {
		return false
	}

	// Check for "ftyp" at offset 4 (ISOBMFF format)
	if string(data[4:8]) != "ftyp" {
		return false
	}

	brand := data[8:12]
	for _, b := range heifBrands {
		if bytes.Equal(brand, b) {
			return true
		}
	}
	return false
}

// ValidateImage checks decoded image dimensions are within acceptable limits
func ValidateImage(img image.Image) error {
	if img == nil {
		return ErrInvalidImage
	}
	bounds := img.Bounds()
	return checkDimensions(bounds.Dx(), bounds.Dy())
}

// ValidateConfig applies the same limits to a header-only decode, so
// oversized uploads are rejected before their pixels are allocated.
func ValidateConfig(cfg image.Config) error {
	return checkDimensions(cfg.Width, cfg.Height)
}

func checkDimensions(width, height int) error {
	if width < MinImageDimension || height < MinImageDimension {
		return fmt.Errorf("%w: %dx%d", ErrInvalidImageDimensions, width, height)
	}

	if width > MaxImageWidth || height > MaxImageHeight {
		return fmt.Errorf("%w: %dx%d (max: %dx%d)", ErrImageTooLarge, width, height, MaxImageWidth, MaxImageHeight)
	}

	// Check total pixel count (prevent decompression bomb attacks)
	totalPixels := int64(width) * int64(height)
	if totalPixels > MaxImagePixels {
		return fmt.Errorf("%w: %d pixels (max: %d)", ErrImageTooLarge, totalPixels, MaxImagePixels)
	}

	return nil
}
