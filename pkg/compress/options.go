package compress

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/snapthumb/snapthumb/pkg/codec"
	"github.com/snapthumb/snapthumb/pkg/quality"
)

var (
	// ErrInvalidOptions is returned when settings are out of range.
	ErrInvalidOptions = errors.New("invalid compression options")
	// ErrInvalidSize is returned by ParseSize.
	ErrInvalidSize = errors.New("invalid size")
)

// Preset is a named bundle of settings.
type Preset string

// Presets
const (
	PresetNone   Preset = ""
	PresetLow    Preset = "low"
	PresetMedium Preset = "medium"
	PresetHigh   Preset = "high"
)

var presets = map[Preset]Options{
	PresetLow: {
		Quality:             0.6,
		SimilarityThreshold: 0.7,
		TargetSizeBytes:     500 * 1024,
	},
	PresetMedium: {
		Quality:             0.8,
		SimilarityThreshold: 0.8,
		TargetSizeBytes:     1024 * 1024,
	},
	PresetHigh: {
		Quality:             0.92,
		SimilarityThreshold: 0.9,
		TargetSizeBytes:     2 * 1024 * 1024,
	},
}

// ParsePreset parses a preset name. The empty string means no preset.
func ParsePreset(s string) (Preset, error) {
	p := Preset(strings.ToLower(strings.TrimSpace(s)))
	if p == PresetNone {
		return p, nil
	}
	if _, ok := presets[p]; !ok {
		return PresetNone, fmt.Errorf("%w: unknown preset %q", ErrInvalidOptions, s)
	}
	return p, nil
}

// Options are the settings of one export. Zero fields take the preset's value,
// then the medium preset's. A similarity threshold of zero is a valid request
// ("any similarity"), so it is only filled when SimilaritySet is false.
type Options struct {
	Preset              Preset       `json:"preset,omitempty"`
	Format              codec.Format `json:"format"`
	TargetSizeBytes     int64        `json:"target_size_bytes"`
	Quality             float64      `json:"quality"`
	SimilarityThreshold float64      `json:"similarity_threshold"`
	MaxIterations       int          `json:"max_iterations"`
	// NoResize disables the escape resize for this export only.
	NoResize bool `json:"no_resize,omitempty"`
	// SimilaritySet marks SimilarityThreshold as chosen by the caller.
	SimilaritySet bool `json:"-"`
}

// WithSimilarity sets an explicit similarity threshold, zero included.
func (o Options) WithSimilarity(threshold float64) Options {
	o.SimilarityThreshold = threshold
	o.SimilaritySet = true
	return o
}

// DefaultOptions returns the medium preset with automatic format selection.
func DefaultOptions() Options {
	return Options{Preset: PresetMedium}.WithDefaults()
}

// WithDefaults fills zero fields from the preset and the built-in defaults.
func (o Options) WithDefaults() Options {
	fill := func(p Options) {
		if o.TargetSizeBytes == 0 {
			o.TargetSizeBytes = p.TargetSizeBytes
		}
		if o.Quality == 0 {
			o.Quality = p.Quality
		}
		if o.SimilarityThreshold == 0 && !o.SimilaritySet {
			o.SimilarityThreshold = p.SimilarityThreshold
		}
	}
	if p, ok := presets[o.Preset]; ok {
		fill(p)
	}
	fill(presets[PresetMedium])

	if o.MaxIterations == 0 {
		o.MaxIterations = quality.DefaultMaxIterations
	}
	return o
}

// Validate checks ranges after defaults are applied.
func (o Options) Validate() error {
	if o.Preset != PresetNone {
		if _, ok := presets[o.Preset]; !ok {
			return fmt.Errorf("%w: unknown preset %q", ErrInvalidOptions, o.Preset)
		}
	}
	if o.Format < codec.Auto || o.Format > codec.PNG {
		return fmt.Errorf("%w: format %d", ErrInvalidOptions, int(o.Format))
	}
	if o.TargetSizeBytes <= 0 {
		return fmt.Errorf("%w: target size must be positive, got %d", ErrInvalidOptions, o.TargetSizeBytes)
	}
	if o.Quality < 0.1 || o.Quality > 1 {
		return fmt.Errorf("%w: quality must be in [0.1, 1], got %v", ErrInvalidOptions, o.Quality)
	}
	if o.SimilarityThreshold < 0 || o.SimilarityThreshold > 1 {
		return fmt.Errorf("%w: similarity threshold must be in [0, 1], got %v", ErrInvalidOptions, o.SimilarityThreshold)
	}
	if o.MaxIterations <= 0 {
		return fmt.Errorf("%w: max iterations must be positive, got %d", ErrInvalidOptions, o.MaxIterations)
	}
	return nil
}

// ParseSize parses a byte count such as "2MB", "500 KB", "1.5M" or "2048".
// Units are binary (1KB = 1024 bytes).
func ParseSize(s string) (int64, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	if v == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidSize)
	}

	multiplier := int64(1)
	for _, u := range []struct {
		suffix string
		factor int64
	}{
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"M", 1024 * 1024},
		{"K", 1024},
		{"B", 1},
	} {
		if strings.HasSuffix(v, u.suffix) {
			v = strings.TrimSpace(strings.TrimSuffix(v, u.suffix))
			multiplier = u.factor
			break
		}
	}

	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}
	if math.IsNaN(n) || math.IsInf(n, 0) || n >= float64(math.MaxInt64/multiplier) {
		return 0, fmt.Errorf("%w: %q out of range", ErrInvalidSize, s)
	}
	size := int64(n * float64(multiplier))
	if size <= 0 {
		return 0, fmt.Errorf("%w: %q must be positive", ErrInvalidSize, s)
	}
	return size, nil
}
