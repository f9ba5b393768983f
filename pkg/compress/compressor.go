// Package compress turns a source raster into an encoded image that fits a byte
// budget. It picks the output format, runs the quality search, and falls back
// to resizing when quality alone cannot reach the budget.
package compress

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snapthumb/snapthumb/pkg/codec"
	"github.com/snapthumb/snapthumb/pkg/quality"
	"github.com/snapthumb/snapthumb/pkg/raster"
)

// EscapeQuality is the fixed quality of the re-encode after an escape resize.
const EscapeQuality = 0.7

// Codec is the encoder and decoder pair the compressor drives.
type Codec interface {
	quality.Encoder
	quality.Decoder
	Supports(f codec.Format) bool
}

// Compressor runs exports. It holds no per-export state and is safe for
// concurrent use when its codec and cache are.
type Compressor struct {
	codec       Codec
	provider    raster.Provider
	cache       Cache
	log         logrus.FieldLogger
	allowResize bool
}

// Option configures a Compressor.
type Option func(*Compressor)

// WithCodec replaces the default codec.
func WithCodec(c Codec) Option {
	return func(cp *Compressor) { cp.codec = c }
}

// WithProvider sets the surface provider used for resizing and decoding.
func WithProvider(p raster.Provider) Option {
	return func(cp *Compressor) { cp.provider = p }
}

// WithCache enables result caching.
func WithCache(c Cache) Option {
	return func(cp *Compressor) { cp.cache = c }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(cp *Compressor) { cp.log = log }
}

// WithoutResize disables the escape resize after a failed search.
func WithoutResize() Option {
	return func(cp *Compressor) { cp.allowResize = false }
}

// New creates a Compressor.
func New(opts ...Option) *Compressor {
	c := &Compressor{allowResize: true}
	for _, opt := range opts {
		opt(c)
	}
	if c.provider == nil {
		c.provider = raster.DefaultProvider
	}
	if c.codec == nil {
		c.codec = codec.New(codec.WithProvider(c.provider))
	}
	if c.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		c.log = l
	}
	return c
}

// Supports reports whether the underlying codec can produce f.
func (c *Compressor) Supports(f codec.Format) bool {
	return c.codec.Supports(f)
}

// Analyze classifies src with this compressor's codec capabilities.
func (c *Compressor) Analyze(src *raster.Raster) Analysis {
	return Analyze(src, c.codec.Supports(codec.WebP))
}

// Compress exports src under opts. Missing the size budget or the similarity
// threshold is not an error; inspect TargetMet and SimilarityMet. Errors are
// invalid options, an unsupported explicit format, or raster.ErrContextUnavailable.
// Compress runs to completion once started.
func (c *Compressor) Compress(src *raster.Raster, opts Options) (*Result, error) {
	start := time.Now()

	if src.Empty() {
		return nil, fmt.Errorf("source: %w", raster.ErrContextUnavailable)
	}
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Format != codec.Auto && !c.codec.Supports(opts.Format) {
		return nil, fmt.Errorf("%w: %s", codec.ErrUnsupportedFormat, opts.Format)
	}

	var key string
	if c.cache != nil {
		key = CacheKey(src, opts, c.allowResize && !opts.NoResize)
		if cached, ok := c.cache.Get(key); ok {
			res := cached.clone()
			res.Path = PathCached
			res.Duration = time.Since(start)
			c.log.WithField("key", key).Debug("Export served from cache")
			return res, nil
		}
	}

	analysis := Analysis{Format: opts.Format}
	if opts.Format == codec.Auto {
		analysis = c.Analyze(src)
	}
	log := c.log.WithFields(logrus.Fields{
		"format": analysis.Format.String(),
		"width":  src.Width(),
		"height": src.Height(),
		"target": opts.TargetSizeBytes,
	})

	var (
		res *Result
		err error
	)
	if analysis.Format.Lossless() {
		res, err = c.lossless(src, opts)
	} else {
		res, err = c.search(src, analysis.Format, opts, log)
	}
	if err != nil {
		return nil, err
	}

	res.IsDeterministic = true
	res.Complexity = analysis.Complexity
	res.OriginalWidth = src.Width()
	res.OriginalHeight = src.Height()
	res.SizeBytes = len(res.Bytes)
	res.TargetMet = int64(res.SizeBytes) <= opts.TargetSizeBytes
	res.SimilarityMet = res.Similarity >= opts.SimilarityThreshold
	res.Duration = time.Since(start)

	log.WithFields(logrus.Fields{
		"size":       res.SizeBytes,
		"quality":    res.Quality,
		"similarity": res.Similarity,
		"iterations": res.Iterations,
		"path":       res.Path,
		"target_met": res.TargetMet,
	}).Debug("Export finished")

	if c.cache != nil {
		c.cache.Set(key, res.clone())
	}
	return res, nil
}

// lossless resizes once to fit the budget and encodes PNG. Similarity is
// measured against the resized raster.
func (c *Compressor) lossless(src *raster.Raster, opts Options) (*Result, error) {
	resized, err := c.fitBudget(src, opts.TargetSizeBytes)
	if err != nil {
		return nil, err
	}

	cand, err := c.codec.Encode(resized, codec.PNG, 1)
	if err != nil {
		return nil, fmt.Errorf("lossless encode: %w", err)
	}
	sim, err := c.similarity(resized, cand)
	if err != nil {
		return nil, err
	}

	return &Result{
		Bytes:      cand.Bytes,
		Quality:    1,
		Similarity: sim,
		Format:     codec.PNG,
		Width:      resized.Width(),
		Height:     resized.Height(),
		Resized:    resized != src,
		Path:       PathLossless,
	}, nil
}

// search runs the quality bisection. When no probe fits the budget it tries
// one escape resize, then settles for the fallback quality at full size.
func (c *Compressor) search(src *raster.Raster, f codec.Format, opts Options, log logrus.FieldLogger) (*Result, error) {
	searcher := quality.NewSearcher(c.codec, c.codec, log)
	out, err := searcher.FindOptimalQuality(src, f, quality.Params{
		TargetSizeBytes:     opts.TargetSizeBytes,
		SimilarityThreshold: opts.SimilarityThreshold,
		MaxIterations:       opts.MaxIterations,
		FallbackQuality:     opts.Quality,
	})
	if err != nil {
		return nil, err
	}

	if out.Candidate != nil {
		return &Result{
			Bytes:      out.Candidate.Bytes,
			Quality:    out.Quality,
			Similarity: out.Similarity,
			Iterations: out.Iterations,
			Format:     f,
			Width:      src.Width(),
			Height:     src.Height(),
			Path:       PathSearch,
			Trace:      out.Trace,
		}, nil
	}

	if c.allowResize && !opts.NoResize {
		res, err := c.escape(src, f, opts, log)
		if err != nil {
			return nil, err
		}
		if res != nil {
			res.Iterations = out.Iterations
			res.Trace = out.Trace
			return res, nil
		}
	}

	cand, err := c.codec.Encode(src, f, out.Quality)
	if err != nil {
		return nil, fmt.Errorf("fallback encode: %w", err)
	}
	sim, err := c.similarity(src, cand)
	if err != nil {
		return nil, err
	}
	log.WithField("size", cand.Size).Warn("Size budget unmet, returning fallback quality")

	return &Result{
		Bytes:      cand.Bytes,
		Quality:    out.Quality,
		Similarity: sim,
		Iterations: out.Iterations,
		Format:     f,
		Width:      src.Width(),
		Height:     src.Height(),
		Path:       PathFallback,
		Trace:      out.Trace,
	}, nil
}

// escape resizes to the budget and encodes once at EscapeQuality. It returns a
// nil result when the output still misses the budget.
func (c *Compressor) escape(src *raster.Raster, f codec.Format, opts Options, log logrus.FieldLogger) (*Result, error) {
	resized, err := c.fitBudget(src, opts.TargetSizeBytes)
	if err != nil {
		return nil, err
	}
	if resized == src {
		return nil, nil
	}

	cand, err := c.codec.Encode(resized, f, EscapeQuality)
	if err != nil {
		if errors.Is(err, codec.ErrEncodeFailure) {
			log.WithError(err).Debug("Escape encode failed")
			return nil, nil
		}
		return nil, err
	}
	if int64(cand.Size) > opts.TargetSizeBytes {
		log.WithField("size", cand.Size).Debug("Escape resize still over budget")
		return nil, nil
	}

	sim, err := c.similarity(resized, cand)
	if err != nil {
		return nil, err
	}
	return &Result{
		Bytes:      cand.Bytes,
		Quality:    EscapeQuality,
		Similarity: sim,
		Format:     f,
		Width:      resized.Width(),
		Height:     resized.Height(),
		Resized:    true,
		Path:       PathEscape,
	}, nil
}

// fitBudget returns src scaled so its RGBA footprint matches targetBytes, or
// src itself when it already fits.
func (c *Compressor) fitBudget(src *raster.Raster, targetBytes int64) (*raster.Raster, error) {
	w, h, _ := raster.BudgetDimensions(src, targetBytes)
	if w == src.Width() && h == src.Height() {
		return src, nil
	}
	resized, err := raster.Resize(src, w, h, c.provider)
	if err != nil {
		return nil, fmt.Errorf("resize to %dx%d: %w", w, h, err)
	}
	return resized, nil
}

func (c *Compressor) similarity(reference *raster.Raster, cand *codec.Candidate) (float64, error) {
	decoded, err := c.codec.Decode(cand.Bytes, cand.Format)
	if err != nil {
		if errors.Is(err, raster.ErrContextUnavailable) {
			return 0, err
		}
		return raster.FallbackSimilarity, nil
	}
	return raster.EstimateSimilarity(reference, decoded), nil
}

// Compress exports src with a default Compressor.
func Compress(src *raster.Raster, opts Options) (*Result, error) {
	return New().Compress(src, opts)
}
