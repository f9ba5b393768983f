// Package raster holds the in-memory bitmaps an export works on, together with
// the similarity estimator and the resizer that operate on them.
package raster

import (
	"errors"
	"image"
	"image/draw"
)

var (
	// ErrContextUnavailable is returned when a scratch surface cannot be allocated.
	// It is fatal for an export and must not be retried.
	ErrContextUnavailable = errors.New("rasterization surface unavailable")
)

// Surface limits
const (
	MaxSurfaceSide   = 20000       // 20K pixels max per side
	MaxSurfacePixels = 250_000_000 // 250 megapixels max total pixels
)

// Provider hands out drawable scratch surfaces.
type Provider interface {
	NewSurface(width, height int) (*image.NRGBA, error)
}

// HeapProvider allocates surfaces on the Go heap within the configured limits.
type HeapProvider struct {
	MaxSide   int
	MaxPixels int64
}

// DefaultProvider is the provider used when none is injected.
var DefaultProvider Provider = HeapProvider{MaxSide: MaxSurfaceSide, MaxPixels: MaxSurfacePixels}

// NewSurface returns a zeroed NRGBA surface of the given size.
func (p HeapProvider) NewSurface(width, height int) (*image.NRGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, ErrContextUnavailable
	}
	if p.MaxSide > 0 && (width > p.MaxSide || height > p.MaxSide) {
		return nil, ErrContextUnavailable
	}
	if p.MaxPixels > 0 && int64(width)*int64(height) > p.MaxPixels {
		return nil, ErrContextUnavailable
	}
	return image.NewNRGBA(image.Rect(0, 0, width, height)), nil
}

// Raster is an immutable NRGBA bitmap anchored at the origin.
type Raster struct {
	img *image.NRGBA
}

// FromImage copies img into a fresh surface obtained from p.
// A nil provider means DefaultProvider.
func FromImage(img image.Image, p Provider) (*Raster, error) {
	if img == nil {
		return nil, ErrContextUnavailable
	}
	if p == nil {
		p = DefaultProvider
	}
	b := img.Bounds()
	dst, err := p.NewSurface(b.Dx(), b.Dy())
	if err != nil {
		return nil, err
	}
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return &Raster{img: dst}, nil
}

// Wrap adopts an NRGBA image without copying. The caller must not modify it
// afterwards.
func Wrap(img *image.NRGBA) *Raster {
	if img == nil {
		return nil
	}
	if img.Rect.Min != (image.Point{}) {
		// Pix[0] is always the Min pixel, so only the rectangle moves.
		moved := *img
		moved.Rect = image.Rect(0, 0, img.Rect.Dx(), img.Rect.Dy())
		img = &moved
	}
	return &Raster{img: img}
}

// Width returns the raster width in pixels.
func (r *Raster) Width() int {
	if r == nil || r.img == nil {
		return 0
	}
	return r.img.Rect.Dx()
}

// Height returns the raster height in pixels.
func (r *Raster) Height() int {
	if r == nil || r.img == nil {
		return 0
	}
	return r.img.Rect.Dy()
}

// Empty reports whether the raster has no pixels to read.
func (r *Raster) Empty() bool {
	return r.Width() == 0 || r.Height() == 0
}

// Image exposes the underlying bitmap for encoders. It must be treated as read-only.
func (r *Raster) Image() *image.NRGBA {
	if r == nil {
		return nil
	}
	return r.img
}

// Pix returns the raw NRGBA bytes, row-major with the image stride.
func (r *Raster) Pix() []byte {
	if r == nil || r.img == nil {
		return nil
	}
	return r.img.Pix
}

// Stride returns the byte distance between rows.
func (r *Raster) Stride() int {
	if r == nil || r.img == nil {
		return 0
	}
	return r.img.Stride
}

// UncompressedSize is the RGBA byte size of the raster.
func (r *Raster) UncompressedSize() int64 {
	return int64(r.Width()) * int64(r.Height()) * 4
}
