// Package quality finds the encoder quality that fits a byte budget while
// keeping the output structurally similar to its source.
package quality

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/snapthumb/snapthumb/pkg/codec"
	"github.com/snapthumb/snapthumb/pkg/raster"
)

const (
	minQuality = 0.1
	maxQuality = 1.0
	tolerance  = 0.01

	// DefaultFallbackQuality is reported when no probe ever beat the initial state.
	DefaultFallbackQuality = 0.8
	// DefaultMaxIterations bounds the number of encoder round trips.
	DefaultMaxIterations = 20
	// DefaultSimilarityThreshold is the minimum acceptable similarity.
	DefaultSimilarityThreshold = 0.8
)

var (
	// ErrInvalidTarget is returned for a non-positive byte budget.
	ErrInvalidTarget = errors.New("target size must be positive")
)

// Encoder produces one candidate per call.
type Encoder interface {
	Encode(r *raster.Raster, f codec.Format, quality float64) (*codec.Candidate, error)
}

// Decoder turns candidate bytes back into a raster for comparison.
type Decoder interface {
	Decode(data []byte, f codec.Format) (*raster.Raster, error)
}

// Branch names the decision taken after one probe.
type Branch int

const (
	// SizeOKSimilarityOK ends the search with the probed candidate.
	SizeOKSimilarityOK Branch = iota
	// SizeOKSimilarityLow keeps the candidate as best-so-far and narrows upward.
	SizeOKSimilarityLow
	// SizeExceeded narrows downward.
	SizeExceeded
	// EncodeFailed narrows downward like SizeExceeded.
	EncodeFailed
)

func (b Branch) String() string {
	switch b {
	case SizeOKSimilarityOK:
		return "size_ok_similarity_ok"
	case SizeOKSimilarityLow:
		return "size_ok_similarity_low"
	case SizeExceeded:
		return "size_exceeded"
	case EncodeFailed:
		return "encode_failed"
	default:
		return "unknown"
	}
}

// Params bounds one search.
type Params struct {
	TargetSizeBytes     int64
	SimilarityThreshold float64
	MaxIterations       int
	// FallbackQuality is reported when the loop ends without any candidate
	// under budget. Zero means DefaultFallbackQuality.
	FallbackQuality float64
}

func (p Params) normalized() (Params, error) {
	if p.TargetSizeBytes <= 0 {
		return p, fmt.Errorf("%w: %d", ErrInvalidTarget, p.TargetSizeBytes)
	}
	if p.MaxIterations <= 0 {
		p.MaxIterations = DefaultMaxIterations
	}
	p.SimilarityThreshold = min(max(p.SimilarityThreshold, 0), 1)
	if p.FallbackQuality == 0 {
		p.FallbackQuality = DefaultFallbackQuality
	}
	p.FallbackQuality = min(max(p.FallbackQuality, minQuality), maxQuality)
	return p, nil
}

// State is the bisection bracket of one search call.
type State struct {
	Low            float64
	High           float64
	BestQuality    float64
	BestSimilarity float64
	Iterations     int
}

// NewState returns the initial bracket [0.1, 1.0].
func NewState(fallbackQuality float64) State {
	return State{
		Low:         minQuality,
		High:        maxQuality,
		BestQuality: fallbackQuality,
	}
}

// Done reports whether the bracket is narrower than the tolerance or the
// iteration budget is spent.
func (s *State) Done(maxIterations int) bool {
	return s.High-s.Low <= tolerance || s.Iterations >= maxIterations
}

// Next returns the midpoint to probe and counts the iteration.
func (s *State) Next() float64 {
	s.Iterations++
	return (s.Low + s.High) / 2
}

// Apply moves the bracket according to the branch taken at mid.
func (s *State) Apply(b Branch, mid float64) {
	switch b {
	case SizeOKSimilarityLow:
		s.Low = mid
	case SizeExceeded, EncodeFailed:
		s.High = mid
	}
}

// Probe records one iteration. Low and High are the bracket before the decision.
type Probe struct {
	Iteration  int
	Quality    float64
	Low        float64
	High       float64
	Size       int
	Similarity float64
	Branch     Branch
}

// Outcome is the result of FindOptimalQuality.
type Outcome struct {
	Quality    float64
	Similarity float64
	Iterations int
	// EarlyExit is set when a candidate met both the size and similarity bounds.
	EarlyExit bool
	// Candidate is the accepted candidate on early exit, otherwise the
	// best-similarity candidate under budget. Nil when no probe fit the budget.
	Candidate *codec.Candidate
	Trace     []Probe
}

// Searcher runs the bisection against an encoder and decoder.
type Searcher struct {
	encoder Encoder
	decoder Decoder
	log     logrus.FieldLogger
}

// NewSearcher creates a searcher. A nil logger discards output.
func NewSearcher(enc Encoder, dec Decoder, log logrus.FieldLogger) *Searcher {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Searcher{encoder: enc, decoder: dec, log: log}
}

// FindOptimalQuality bisects quality in [0.1, 1.0] for the given format. Size
// is a hard ceiling, similarity a soft target: a candidate under budget but
// below the similarity threshold narrows the bracket upward, everything else
// narrows it downward. The only early exit is a candidate meeting both.
//
// Exhausting the bracket or the iteration budget is not an error; the best
// under-budget candidate seen so far is returned. Only fatal conditions
// (no scratch surface, format the encoder cannot produce) are returned as errors.
func (s *Searcher) FindOptimalQuality(src *raster.Raster, f codec.Format, p Params) (*Outcome, error) {
	p, err := p.normalized()
	if err != nil {
		return nil, err
	}

	state := NewState(p.FallbackQuality)
	out := &Outcome{}

	for !state.Done(p.MaxIterations) {
		probe := Probe{Low: state.Low, High: state.High}
		mid := state.Next()
		probe.Iteration, probe.Quality = state.Iterations, mid

		cand, err := s.encoder.Encode(src, f, mid)
		if err != nil {
			if fatal(err) {
				return nil, err
			}
			s.log.WithError(err).WithField("quality", mid).Debug("Encode failed, narrowing down")
			probe.Branch = EncodeFailed
		} else {
			probe.Size = cand.Size
			probe.Branch = SizeExceeded
			if int64(cand.Size) <= p.TargetSizeBytes {
				if probe.Similarity, err = s.similarity(src, cand); err != nil {
					return nil, err
				}
				probe.Branch = SizeOKSimilarityLow
				if probe.Similarity >= p.SimilarityThreshold {
					probe.Branch = SizeOKSimilarityOK
				}
			}
		}

		out.Trace = append(out.Trace, probe)
		s.logProbe(probe)

		switch probe.Branch {
		case SizeOKSimilarityOK:
			out.Quality = mid
			out.Similarity = probe.Similarity
			out.Iterations = state.Iterations
			out.EarlyExit = true
			out.Candidate = cand
			return out, nil
		case SizeOKSimilarityLow:
			if out.Candidate == nil || probe.Similarity > state.BestSimilarity {
				state.BestQuality = mid
				state.BestSimilarity = probe.Similarity
				out.Candidate = cand
			}
		}
		state.Apply(probe.Branch, mid)
	}

	out.Quality = state.BestQuality
	out.Similarity = state.BestSimilarity
	out.Iterations = state.Iterations

	s.log.WithFields(logrus.Fields{
		"format":     f.String(),
		"quality":    out.Quality,
		"similarity": out.Similarity,
		"iterations": out.Iterations,
		"fits":       out.Candidate != nil,
	}).Debug("Quality search exhausted")

	return out, nil
}

// similarity decodes the candidate and compares it with the source. Decoders
// that cannot read the bytes yield the fallback score; a missing surface is fatal.
func (s *Searcher) similarity(src *raster.Raster, cand *codec.Candidate) (float64, error) {
	decoded, err := s.decoder.Decode(cand.Bytes, cand.Format)
	if err != nil {
		if errors.Is(err, raster.ErrContextUnavailable) {
			return 0, err
		}
		s.log.WithError(err).Warn("Cannot decode candidate, using fallback similarity")
		return raster.FallbackSimilarity, nil
	}
	return raster.EstimateSimilarity(src, decoded), nil
}

func (s *Searcher) logProbe(p Probe) {
	s.log.WithFields(logrus.Fields{
		"iteration":  p.Iteration,
		"quality":    p.Quality,
		"low":        p.Low,
		"high":       p.High,
		"size":       p.Size,
		"similarity": p.Similarity,
		"branch":     p.Branch.String(),
	}).Debug("Quality probe")
}

// fatal reports errors that no other quality can fix.
func fatal(err error) bool {
	return errors.Is(err, raster.ErrContextUnavailable) || errors.Is(err, codec.ErrUnsupportedFormat)
}

// FindOptimalQuality runs a search with the default codec.
func FindOptimalQuality(src *raster.Raster, f codec.Format, targetSizeBytes int64, similarityThreshold float64, maxIterations int) (*Outcome, error) {
	c := codec.New()
	return NewSearcher(c, c, nil).FindOptimalQuality(src, f, Params{
		TargetSizeBytes:     targetSizeBytes,
		SimilarityThreshold: similarityThreshold,
		MaxIterations:       maxIterations,
	})
}
