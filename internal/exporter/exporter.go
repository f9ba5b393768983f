// Package exporter turns uploaded image files into compressed exports. It owns
// upload validation, decoding, the worker pool and export events.
package exporter

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"io"
	"time"

	"github.com/adrium/goheif"
	_ "github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/snapthumb/snapthumb/internal/logger"
	"github.com/snapthumb/snapthumb/pkg/codec"
	"github.com/snapthumb/snapthumb/pkg/compress"
	"github.com/snapthumb/snapthumb/pkg/metrics"
	"github.com/snapthumb/snapthumb/pkg/quality"
	"github.com/snapthumb/snapthumb/pkg/raster"
)

// Event types published after each export
const (
	EventExportCompleted = "export_completed"
	EventExportFailed    = "export_failed"
)

// Publisher receives export events.
type Publisher interface {
	Publish(eventType string, data interface{})
}

// CompletedEvent is the payload of EventExportCompleted.
type CompletedEvent struct {
	ID         string  `json:"id"`
	Format     string  `json:"format"`
	SizeBytes  int     `json:"size_bytes"`
	Quality    float64 `json:"quality"`
	Similarity float64 `json:"similarity"`
	Path       string  `json:"path"`
	DurationMs int64   `json:"duration_ms"`
}

// FailedEvent is the payload of EventExportFailed.
type FailedEvent struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Export is one finished export.
type Export struct {
	ID           string
	SourceFormat string
	SourceBytes  int
	Result       *compress.Result
}

// Exporter decodes uploads and runs them through a compressor.
type Exporter struct {
	compressor  *compress.Compressor
	provider    raster.Provider
	publisher   Publisher
	log         logrus.FieldLogger
	maxFileSize int64
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Exporter) { e.log = log }
}

// WithPublisher sends export events to p.
func WithPublisher(p Publisher) Option {
	return func(e *Exporter) { e.publisher = p }
}

// WithMaxFileSize overrides MaxFileSize.
func WithMaxFileSize(n int64) Option {
	return func(e *Exporter) { e.maxFileSize = n }
}

// WithProvider sets the surface provider used when rasterizing uploads.
func WithProvider(p raster.Provider) Option {
	return func(e *Exporter) { e.provider = p }
}

// New creates an Exporter. A nil compressor uses compress.New().
func New(c *compress.Compressor, opts ...Option) *Exporter {
	e := &Exporter{compressor: c, maxFileSize: MaxFileSize}
	for _, opt := range opts {
		opt(e)
	}
	if e.compressor == nil {
		e.compressor = compress.New()
	}
	if e.log == nil {
		e.log = logger.Discard()
	}
	return e
}

// Decode validates an upload and rasterizes it. JPEG orientation tags are
// applied so the raster is upright.
func (e *Exporter) Decode(data []byte) (*raster.Raster, string, error) {
	if err := ValidateFile(data, e.maxFileSize); err != nil {
		return nil, "", err
	}
	format, err := DetectFormat(data)
	if err != nil {
		return nil, "", err
	}

	var img image.Image
	if format == SourceHEIF {
		cfg, err := goheif.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, format, fmt.Errorf("%w: %v", ErrInvalidImage, err)
		}
		if err := ValidateConfig(cfg); err != nil {
			return nil, format, err
		}
		img, err = goheif.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, format, fmt.Errorf("%w: %v", ErrInvalidImage, err)
		}
	} else {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, format, fmt.Errorf("%w: %v", ErrInvalidImage, err)
		}
		if err := ValidateConfig(cfg); err != nil {
			return nil, format, err
		}
		img, err = imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
		if err != nil {
			return nil, format, fmt.Errorf("%w: %v", ErrInvalidImage, err)
		}
	}

	if err := ValidateImage(img); err != nil {
		return nil, format, err
	}

	r, err := raster.FromImage(img, e.provider)
	if err != nil {
		return nil, format, err
	}
	return r, format, nil
}

// Export decodes data and compresses it with opts.
func (e *Exporter) Export(data []byte, opts compress.Options) (*Export, error) {
	id := uuid.New().String()
	log := logger.WithExport(e.log, id)
	start := time.Now()

	src, format, err := e.Decode(data)
	if err != nil {
		return nil, e.fail(id, log, err)
	}
	log = log.WithFields(logrus.Fields{
		"source_format": format,
		"width":         src.Width(),
		"height":        src.Height(),
	})

	res, err := e.compressor.Compress(src, opts)
	if err != nil {
		return nil, e.fail(id, log, err)
	}

	metrics.RecordExport(res.Format.String(), string(res.Path), time.Since(start).Seconds(),
		len(data), res.SizeBytes, res.Iterations, res.Similarity)
	if !res.TargetMet {
		metrics.RecordTargetMissed("size")
	}
	if !res.SimilarityMet {
		metrics.RecordTargetMissed("similarity")
	}

	log.WithFields(logrus.Fields{
		"format":     res.Format.String(),
		"size":       res.SizeBytes,
		"quality":    res.Quality,
		"similarity": res.Similarity,
		"iterations": res.Iterations,
		"path":       res.Path,
		"duration":   time.Since(start),
	}).Info("Export finished")

	e.publish(EventExportCompleted, CompletedEvent{
		ID:         id,
		Format:     res.Format.String(),
		SizeBytes:  res.SizeBytes,
		Quality:    res.Quality,
		Similarity: res.Similarity,
		Path:       string(res.Path),
		DurationMs: time.Since(start).Milliseconds(),
	})

	return &Export{ID: id, SourceFormat: format, SourceBytes: len(data), Result: res}, nil
}

// ExportReader reads the whole upload from r and exports it.
func (e *Exporter) ExportReader(r io.Reader, opts compress.Options) (*Export, error) {
	data, err := io.ReadAll(io.LimitReader(r, e.maxFileSize+1))
	if err != nil {
		return nil, err
	}
	return e.Export(data, opts)
}

// Analyze decodes data and classifies it without encoding.
func (e *Exporter) Analyze(data []byte) (compress.Analysis, string, error) {
	src, format, err := e.Decode(data)
	if err != nil {
		return compress.Analysis{}, format, err
	}
	return e.compressor.Analyze(src), format, nil
}

// Supports reports whether the compressor can produce f.
func (e *Exporter) Supports(f codec.Format) bool {
	return e.compressor.Supports(f)
}

func (e *Exporter) fail(id string, log logrus.FieldLogger, err error) error {
	metrics.RecordExportFailure(ErrorKind(err))
	log.WithError(err).Warn("Export failed")
	e.publish(EventExportFailed, FailedEvent{ID: id, Error: err.Error()})
	return err
}

func (e *Exporter) publish(eventType string, data interface{}) {
	if e.publisher != nil {
		e.publisher.Publish(eventType, data)
	}
}

// ErrorKind classifies an export error for metrics and HTTP mapping.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrPoolBusy):
		return "busy"
	case errors.Is(err, ErrPoolStopped):
		return "stopped"
	case errors.Is(err, ErrEmptyUpload), errors.Is(err, ErrInvalidImageDimensions):
		return "bad_request"
	case errors.Is(err, ErrFileTooLarge), errors.Is(err, ErrImageTooLarge):
		return "too_large"
	case errors.Is(err, ErrUnsupportedMedia):
		return "unsupported_media"
	case errors.Is(err, ErrInvalidImage):
		return "invalid_image"
	case errors.Is(err, compress.ErrInvalidOptions), errors.Is(err, quality.ErrInvalidTarget):
		return "invalid_options"
	case errors.Is(err, codec.ErrUnsupportedFormat):
		return "unsupported_format"
	case errors.Is(err, raster.ErrContextUnavailable):
		return "context_unavailable"
	default:
		return "error"
	}
}
