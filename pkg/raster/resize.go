package raster

import (
	"image"
	"math"

	"golang.org/x/image/draw"
)

// Resize returns a new raster of width x height drawn from r with Catmull-Rom
// interpolation. Dimensions below one pixel are raised to one.
func Resize(r *Raster, width, height int, p Provider) (*Raster, error) {
	if r.Empty() {
		return nil, ErrContextUnavailable
	}
	if p == nil {
		p = DefaultProvider
	}
	width = max(width, 1)
	height = max(height, 1)

	dst, err := p.NewSurface(width, height)
	if err != nil {
		return nil, err
	}
	if width == r.Width() && height == r.Height() {
		draw.Draw(dst, dst.Bounds(), r.img, image.Point{}, draw.Src)
		return &Raster{img: dst}, nil
	}

	draw.CatmullRom.Scale(dst, dst.Bounds(), r.img, r.img.Bounds(), draw.Src, nil)
	return &Raster{img: dst}, nil
}

// BudgetDimensions returns the size a raster should be scaled to so that its
// uncompressed RGBA footprint roughly matches targetBytes. The linear factor is
// sqrt(targetBytes / uncompressed), never above 1, and the result is at least 1x1.
func BudgetDimensions(r *Raster, targetBytes int64) (width, height int, scale float64) {
	w, h := r.Width(), r.Height()
	if w == 0 || h == 0 {
		return 1, 1, 0
	}

	scale = 1.0
	if uncompressed := r.UncompressedSize(); targetBytes > 0 && targetBytes < uncompressed {
		scale = math.Sqrt(float64(targetBytes) / float64(uncompressed))
	}

	width = max(int(math.Round(float64(w)*scale)), 1)
	height = max(int(math.Round(float64(h)*scale)), 1)
	return width, height, scale
}
