package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"math"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/snapthumb/snapthumb/pkg/raster"
)

var (
	// ErrEncodeFailure is returned when an encoder produced no usable output.
	// Quality searches recover from it by probing lower qualities.
	ErrEncodeFailure = errors.New("encoder produced no output")
	// ErrDecodeFailure is returned when encoded bytes cannot be read back.
	ErrDecodeFailure = errors.New("cannot decode encoded image")
)

// Candidate is the output of one encoder invocation.
type Candidate struct {
	Bytes   []byte
	Size    int
	Quality float64
	Format  Format
}

// Codec encodes rasters and decodes candidates back into rasters.
type Codec struct {
	provider raster.Provider
	buffers  *BufferPool
	pngLevel png.CompressionLevel
	webp     bool
}

// Option configures a Codec.
type Option func(*Codec)

// WithProvider sets the surface provider used when decoding.
func WithProvider(p raster.Provider) Option {
	return func(c *Codec) {
		if p != nil {
			c.provider = p
		}
	}
}

// WithoutWebP disables WebP output, as on runtimes lacking the encoder.
func WithoutWebP() Option {
	return func(c *Codec) {
		c.webp = false
	}
}

// WithPNGCompression sets the zlib level for lossless output.
func WithPNGCompression(level png.CompressionLevel) Option {
	return func(c *Codec) {
		c.pngLevel = level
	}
}

// New creates a Codec.
func New(opts ...Option) *Codec {
	c := &Codec{
		provider: raster.DefaultProvider,
		buffers:  NewBufferPool(),
		pngLevel: png.BestCompression,
		webp:     true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Supports reports whether the codec can produce the given format.
func (c *Codec) Supports(f Format) bool {
	switch f {
	case JPEG, PNG:
		return true
	case WebP:
		return c.webp
	default:
		return false
	}
}

// Encode encodes r once at quality (0-1, ignored for PNG). The candidate owns
// its bytes.
func (c *Codec) Encode(r *raster.Raster, f Format, quality float64) (*Candidate, error) {
	if !c.Supports(f) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
	}
	if r.Empty() {
		return nil, fmt.Errorf("%w: empty raster", ErrEncodeFailure)
	}
	quality = math.Max(0, math.Min(1, quality))

	buf := c.buffers.Get(EstimateSize(r.Width(), r.Height(), quality, f))
	defer c.buffers.Put(buf)

	var err error
	switch f {
	case JPEG:
		err = imaging.Encode(buf, r.Image(), imaging.JPEG, imaging.JPEGQuality(jpegQuality(quality)))
	case WebP:
		err = webp.Encode(buf, toRGBA(r.Image()), &webp.Options{Quality: float32(quality * 100)})
	case PNG:
		err = imaging.Encode(buf, r.Image(), imaging.PNG, imaging.PNGCompressionLevel(c.pngLevel))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s at %.2f: %v", ErrEncodeFailure, f, quality, err)
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("%w: %s at %.2f", ErrEncodeFailure, f, quality)
	}

	data := make([]byte, buf.Len())
	copy(data, buf.Bytes())
	return &Candidate{
		Bytes:   data,
		Size:    len(data),
		Quality: quality,
		Format:  f,
	}, nil
}

// Decode reads encoded bytes of format f back into a raster.
func (c *Codec) Decode(data []byte, f Format) (*raster.Raster, error) {
	if len(data) == 0 {
		return nil, ErrDecodeFailure
	}

	var (
		img image.Image
		err error
	)
	r := bytes.NewReader(data)
	switch f {
	case JPEG:
		img, err = jpeg.Decode(r)
	case WebP:
		img, err = webp.Decode(r)
	case PNG:
		img, err = png.Decode(r)
	default:
		img, _, err = image.Decode(r)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}

	return raster.FromImage(img, c.provider)
}

// jpegQuality maps the 0-1 knob onto the encoder's 1-100 scale.
func jpegQuality(q float64) int {
	v := int(math.Round(q * 100))
	if v < 1 {
		return 1
	}
	if v > 100 {
		return 100
	}
	return v
}

// toRGBA converts to premultiplied RGBA for the WebP encoder.
func toRGBA(img *image.NRGBA) *image.RGBA {
	rgba := image.NewRGBA(img.Bounds())
	draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
	return rgba
}
