package compress

import (
	"github.com/snapthumb/snapthumb/pkg/codec"
	"github.com/snapthumb/snapthumb/pkg/raster"
)

// ComplexityThreshold is the normalized luminance variance above which WebP is
// preferred over JPEG.
const ComplexityThreshold = 0.3

// Analysis is the classification of a source raster.
type Analysis struct {
	Width           int          `json:"width"`
	Height          int          `json:"height"`
	HasTransparency bool         `json:"has_transparency"`
	Complexity      float64      `json:"complexity"`
	Format          codec.Format `json:"format"`
}

// Analyze classifies r without encoding it. Transparent rasters go lossless;
// opaque ones use WebP when supported and busy enough, JPEG otherwise.
func Analyze(r *raster.Raster, webpSupported bool) Analysis {
	a := Analysis{Width: r.Width(), Height: r.Height()}

	if raster.HasTransparency(r) {
		a.HasTransparency = true
		a.Format = codec.PNG
		return a
	}

	a.Complexity = raster.Complexity(r)
	if webpSupported && a.Complexity > ComplexityThreshold {
		a.Format = codec.WebP
	} else {
		a.Format = codec.JPEG
	}
	return a
}

// SelectFormat returns the format Analyze would pick.
func SelectFormat(r *raster.Raster, webpSupported bool) codec.Format {
	return Analyze(r, webpSupported).Format
}
