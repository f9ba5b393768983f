package compress

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/snapthumb/snapthumb/pkg/raster"
)

// Cache stores finished results by key. Implementations must be safe for
// concurrent use and must not hand out the stored Bytes slice for mutation.
type Cache interface {
	Get(key string) (*Result, bool)
	Set(key string, r *Result)
}

// CacheKey digests the raster pixels and every option that influences the
// output. Identical keys always produce identical exports.
func CacheKey(r *raster.Raster, o Options, allowResize bool) string {
	h := xxhash.New()

	var hdr [8]byte
	writeInt := func(v int64) {
		binary.LittleEndian.PutUint64(hdr[:], uint64(v))
		h.Write(hdr[:])
	}
	writeFloat := func(v float64) {
		writeInt(int64(math.Float64bits(v)))
	}

	w, ht := r.Width(), r.Height()
	writeInt(int64(w))
	writeInt(int64(ht))

	pix, stride := r.Pix(), r.Stride()
	for y := 0; y < ht; y++ {
		h.Write(pix[y*stride : y*stride+w*4])
	}

	h.WriteString(string(o.Preset))
	writeInt(int64(o.Format))
	writeInt(o.TargetSizeBytes)
	writeFloat(o.Quality)
	writeFloat(o.SimilarityThreshold)
	writeInt(int64(o.MaxIterations))
	if allowResize {
		writeInt(1)
	} else {
		writeInt(0)
	}

	return fmt.Sprintf("%016x", h.Sum64())
}
