package raster

// Stabilizing constants of the global SSIM approximation. They are applied to
// luminance on the 0-255 scale.
const (
	similarityC1 = 0.01
	similarityC2 = 0.03

	// FallbackSimilarity is reported when either raster cannot be read.
	FallbackSimilarity = 0.8
)

// Luma weights (BT.601)
const (
	lumaR = 0.299
	lumaG = 0.587
	lumaB = 0.114
)

// EstimateSimilarity computes a single-pass structural similarity score between
// reference and candidate over their shared top-left area. The score is a global
// approximation of SSIM on luminance, clamped to [0, 1].
func EstimateSimilarity(reference, candidate *Raster) float64 {
	if reference.Empty() || candidate.Empty() {
		return FallbackSimilarity
	}

	w := min(reference.Width(), candidate.Width())
	h := min(reference.Height(), candidate.Height())
	n := float64(w * h)

	refPix, refStride := reference.Pix(), reference.Stride()
	candPix, candStride := candidate.Pix(), candidate.Stride()

	var sumR, sumC float64
	for y := 0; y < h; y++ {
		ro := y * refStride
		co := y * candStride
		for x := 0; x < w; x++ {
			sumR += luma(refPix[ro:])
			sumC += luma(candPix[co:])
			ro += 4
			co += 4
		}
	}
	muR := sumR / n
	muC := sumC / n

	var varR, varC, cov float64
	for y := 0; y < h; y++ {
		ro := y * refStride
		co := y * candStride
		for x := 0; x < w; x++ {
			dr := luma(refPix[ro:]) - muR
			dc := luma(candPix[co:]) - muC
			varR += dr * dr
			varC += dc * dc
			cov += dr * dc
			ro += 4
			co += 4
		}
	}
	varR /= n
	varC /= n
	cov /= n

	num := (2*muR*muC + similarityC1) * (2*cov + similarityC2)
	den := (muR*muR + muC*muC + similarityC1) * (varR + varC + similarityC2)
	return clampUnit(num / den)
}

// LumaStats holds the mean and variance of sampled luminance.
type LumaStats struct {
	Mean     float64
	Variance float64
	Samples  int
}

// SampleLuma computes luminance statistics over every step-th pixel.
func SampleLuma(r *Raster, step int) LumaStats {
	if r.Empty() {
		return LumaStats{}
	}
	if step < 1 {
		step = 1
	}

	pix, stride, w := r.Pix(), r.Stride(), r.Width()
	total := w * r.Height()

	var sum, sumSq float64
	var count int
	for i := 0; i < total; i += step {
		off := (i/w)*stride + (i%w)*4
		l := luma(pix[off:])
		sum += l
		sumSq += l * l
		count++
	}

	mean := sum / float64(count)
	variance := sumSq/float64(count) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return LumaStats{Mean: mean, Variance: variance, Samples: count}
}

func luma(p []byte) float64 {
	return lumaR*float64(p[0]) + lumaG*float64(p[1]) + lumaB*float64(p[2])
}

func clampUnit(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
