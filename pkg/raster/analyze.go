package raster

const (
	// fullScanPixels is the largest raster scanned pixel by pixel; larger
	// rasters are sampled so that roughly this many pixels are read.
	fullScanPixels = 512 * 512

	// maxLumaVariance is the variance of luminance values split evenly
	// between 0 and 255.
	maxLumaVariance = 127.5 * 127.5
)

// SampleStep returns the pixel stride used to sample a raster of the given size.
func SampleStep(width, height int) int {
	total := width * height
	if total <= fullScanPixels {
		return 1
	}
	return total / fullScanPixels
}

// HasTransparency reports whether any sampled pixel is not fully opaque.
func HasTransparency(r *Raster) bool {
	if r.Empty() {
		return false
	}

	pix, stride, w := r.Pix(), r.Stride(), r.Width()
	total := w * r.Height()
	step := SampleStep(w, r.Height())

	for i := 0; i < total; i += step {
		if pix[(i/w)*stride+(i%w)*4+3] != 0xff {
			return true
		}
	}
	return false
}

// Complexity returns the sampled luminance variance normalized to [0, 1].
// Flat images score near 0, hard black/white content near 1.
func Complexity(r *Raster) float64 {
	stats := SampleLuma(r, SampleStep(r.Width(), r.Height()))
	return clampUnit(stats.Variance / maxLumaVariance)
}
