package codec

import (
	"bytes"
	"sync"

	"github.com/snapthumb/snapthumb/pkg/metrics"
)

// Buffer tiers
const (
	smallBuffer  = 64 * 1024       // thumbnails at low quality
	mediumBuffer = 512 * 1024      // typical JPEG/WebP output
	largeBuffer  = 5 * 1024 * 1024 // PNG and high quality output
)

// BufferPool hands out reusable encode buffers to reduce GC pressure across
// search iterations.
type BufferPool struct {
	small  sync.Pool
	medium sync.Pool
	large  sync.Pool
}

func newTier(name string, capacity int) sync.Pool {
	return sync.Pool{
		New: func() interface{} {
			metrics.RecordBufferAlloc(name)
			return bytes.NewBuffer(make([]byte, 0, capacity))
		},
	}
}

// NewBufferPool creates a pool with the default tiers.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		small:  newTier("small", smallBuffer),
		medium: newTier("medium", mediumBuffer),
		large:  newTier("large", largeBuffer),
	}
}

// Get returns an empty buffer suited to roughly sizeHint bytes of output.
func (p *BufferPool) Get(sizeHint int64) *bytes.Buffer {
	var buf *bytes.Buffer
	switch {
	case sizeHint <= smallBuffer:
		buf = p.small.Get().(*bytes.Buffer)
		metrics.RecordBufferGet("small")
	case sizeHint <= mediumBuffer:
		buf = p.medium.Get().(*bytes.Buffer)
		metrics.RecordBufferGet("medium")
	default:
		buf = p.large.Get().(*bytes.Buffer)
		metrics.RecordBufferGet("large")
	}
	buf.Reset()
	return buf
}

// Put returns a buffer to the tier matching its capacity. Buffers that grew
// far beyond the largest tier are left to the GC.
func (p *BufferPool) Put(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	buf.Reset()
	switch c := buf.Cap(); {
	case c < mediumBuffer:
		p.small.Put(buf)
	case c < largeBuffer:
		p.medium.Put(buf)
	case c <= 4*largeBuffer:
		p.large.Put(buf)
	}
}

// EstimateSize estimates the encoded size of a width x height image at the given
// quality in [0, 1]. It only steers buffer selection.
func EstimateSize(width, height int, quality float64, f Format) int64 {
	pixels := int64(width) * int64(height)

	var multiplier float64
	switch {
	case f == PNG:
		multiplier = 3.0
	case quality >= 0.9:
		multiplier = 2.0
	case quality >= 0.7:
		multiplier = 1.0
	case quality >= 0.5:
		multiplier = 0.5
	default:
		multiplier = 0.3
	}

	return int64(float64(pixels) * multiplier)
}
