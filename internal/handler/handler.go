package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/snapthumb/snapthumb/internal/exporter"
	"github.com/snapthumb/snapthumb/internal/middleware"
	"github.com/snapthumb/snapthumb/pkg/codec"
	"github.com/snapthumb/snapthumb/pkg/compress"
)

const (
	maxMemory = 32 << 20 // 32MB max in-memory for multipart parsing
	// multipart framing allowance on top of the file limit
	formOverhead = 1 << 20
)

// Response headers describing the export
const (
	HeaderExportID      = "X-Snapthumb-Export-Id"
	HeaderQuality       = "X-Snapthumb-Quality"
	HeaderSimilarity    = "X-Snapthumb-Similarity"
	HeaderIterations    = "X-Snapthumb-Iterations"
	HeaderDeterministic = "X-Snapthumb-Deterministic"
	HeaderTargetMet     = "X-Snapthumb-Target-Met"
	HeaderPath          = "X-Snapthumb-Path"
	HeaderWidth         = "X-Snapthumb-Width"
	HeaderHeight        = "X-Snapthumb-Height"
	HeaderDurationMs    = "X-Snapthumb-Duration-Ms"
)

var errBadParameter = errors.New("invalid parameter")

// Service runs exports for the handler.
type Service interface {
	Submit(ctx context.Context, data []byte, opts compress.Options) (*exporter.Export, error)
	Analyze(data []byte) (compress.Analysis, string, error)
}

// APIResponse is the JSON envelope of every non-image response
type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// ExportMetadata is returned by /api/compress?meta=1
type ExportMetadata struct {
	ID           string           `json:"id"`
	SourceFormat string           `json:"source_format"`
	SourceBytes  int              `json:"source_bytes"`
	MIMEType     string           `json:"mime_type"`
	Result       *compress.Result `json:"result"`
}

// AnalysisResponse is returned by /api/analyze
type AnalysisResponse struct {
	SourceFormat    string  `json:"source_format"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	HasTransparency bool    `json:"has_transparency"`
	Complexity      float64 `json:"complexity"`
	Format          string  `json:"format"`
}

// Handler handles HTTP requests for image export
type Handler struct {
	service   Service
	defaults  compress.Options
	maxUpload int64
	log       logrus.FieldLogger
}

// New creates a new Handler. defaults apply to every request before query overrides.
func New(service Service, defaults compress.Options, maxUpload int64, log logrus.FieldLogger) *Handler {
	if maxUpload <= 0 {
		maxUpload = exporter.MaxFileSize
	}
	return &Handler{
		service:   service,
		defaults:  defaults,
		maxUpload: maxUpload,
		log:       log,
	}
}

// Compress handles POST /api/compress
func (h *Handler) Compress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, r, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	opts, err := h.parseOptions(r.URL.Query())
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	data, status, err := h.readUpload(w, r)
	if err != nil {
		h.writeError(w, r, status, err.Error())
		return
	}

	exp, err := h.service.Submit(r.Context(), data, opts)
	if err != nil {
		h.writeExportError(w, r, err)
		return
	}
	res := exp.Result

	if wantMeta(r.URL.Query()) {
		h.writeJSON(w, r, http.StatusOK, APIResponse{
			Success: true,
			Data: ExportMetadata{
				ID:           exp.ID,
				SourceFormat: exp.SourceFormat,
				SourceBytes:  exp.SourceBytes,
				MIMEType:     res.Format.MIMEType(),
				Result:       res,
			},
		})
		return
	}

	hdr := w.Header()
	hdr.Set("Content-Type", res.Format.MIMEType())
	hdr.Set("Content-Length", strconv.Itoa(len(res.Bytes)))
	hdr.Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s%s"`, exp.ID, res.Format.Extension()))
	hdr.Set(HeaderExportID, exp.ID)
	hdr.Set(HeaderQuality, strconv.FormatFloat(res.Quality, 'f', 4, 64))
	hdr.Set(HeaderSimilarity, strconv.FormatFloat(res.Similarity, 'f', 4, 64))
	hdr.Set(HeaderIterations, strconv.Itoa(res.Iterations))
	hdr.Set(HeaderDeterministic, strconv.FormatBool(res.IsDeterministic))
	hdr.Set(HeaderTargetMet, strconv.FormatBool(res.TargetMet))
	hdr.Set(HeaderPath, string(res.Path))
	hdr.Set(HeaderWidth, strconv.Itoa(res.Width))
	hdr.Set(HeaderHeight, strconv.Itoa(res.Height))
	hdr.Set(HeaderDurationMs, strconv.FormatInt(res.Duration.Milliseconds(), 10))
	w.WriteHeader(http.StatusOK)
	if _, err := res.WriteTo(w); err != nil {
		h.log.WithError(err).Debug("Client went away during response")
	}
}

// Analyze handles POST /api/analyze
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, r, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	data, status, err := h.readUpload(w, r)
	if err != nil {
		h.writeError(w, r, status, err.Error())
		return
	}

	a, source, err := h.service.Analyze(data)
	if err != nil {
		h.writeExportError(w, r, err)
		return
	}

	h.writeJSON(w, r, http.StatusOK, APIResponse{
		Success: true,
		Data: AnalysisResponse{
			SourceFormat:    source,
			Width:           a.Width,
			Height:          a.Height,
			HasTransparency: a.HasTransparency,
			Complexity:      a.Complexity,
			Format:          a.Format.String(),
		},
	})
}

// Health handles the /health endpoint for readiness/liveness probes
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// readUpload returns the "file" part of a multipart request, or an HTTP status and error.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, int, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+formOverhead)

	if err := r.ParseMultipartForm(maxMemory); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge), strings.Contains(err.Error(), "request body too large"):
			return nil, http.StatusRequestEntityTooLarge, errors.New("request too large")
		case errors.Is(err, http.ErrNotMultipart), errors.Is(err, http.ErrMissingBoundary):
			return nil, http.StatusBadRequest, errors.New("Content-Type must be multipart/form-data")
		default:
			return nil, http.StatusBadRequest, errors.New("malformed multipart body")
		}
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, http.StatusBadRequest, errors.New("no file provided")
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxUpload+1))
	if err != nil {
		return nil, http.StatusBadRequest, errors.New("cannot read upload")
	}
	if int64(len(data)) > h.maxUpload {
		return nil, http.StatusRequestEntityTooLarge, fmt.Errorf("file exceeds %d bytes", h.maxUpload)
	}
	return data, http.StatusOK, nil
}

// parseOptions applies query overrides to the handler defaults. A preset in
// the query replaces the defaults' numeric fields with the preset's.
func (h *Handler) parseOptions(q url.Values) (compress.Options, error) {
	opts := h.defaults

	if v := q.Get("preset"); v != "" {
		p, err := compress.ParsePreset(v)
		if err != nil {
			return opts, fmt.Errorf("%w: preset: %v", errBadParameter, err)
		}
		opts = compress.Options{Preset: p, Format: h.defaults.Format, MaxIterations: h.defaults.MaxIterations}
	}
	if v := q.Get("format"); v != "" {
		f, err := codec.ParseFormat(v)
		if err != nil {
			return opts, fmt.Errorf("%w: format: %v", errBadParameter, err)
		}
		opts.Format = f
	}
	if v := q.Get("target_size"); v != "" {
		n, err := compress.ParseSize(v)
		if err != nil {
			return opts, fmt.Errorf("%w: target_size: %v", errBadParameter, err)
		}
		opts.TargetSizeBytes = n
	}
	if v := q.Get("quality"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return opts, fmt.Errorf("%w: quality %q", errBadParameter, v)
		}
		// 1-100 style values are accepted as percentages
		if f > 1 && f <= 100 {
			f /= 100
		}
		opts.Quality = f
	}
	if v := q.Get("similarity"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return opts, fmt.Errorf("%w: similarity %q", errBadParameter, v)
		}
		opts = opts.WithSimilarity(f)
	}
	if v := q.Get("max_iterations"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, fmt.Errorf("%w: max_iterations %q", errBadParameter, v)
		}
		opts.MaxIterations = n
	}
	if v := q.Get("resize"); v != "" {
		allow, err := strconv.ParseBool(v)
		if err != nil {
			return opts, fmt.Errorf("%w: resize %q", errBadParameter, v)
		}
		opts.NoResize = !allow
	}

	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

func wantMeta(q url.Values) bool {
	v := strings.ToLower(q.Get("meta"))
	return v == "1" || v == "true"
}

// StatusFor maps export errors to HTTP status codes.
func StatusFor(err error) int {
	switch exporter.ErrorKind(err) {
	case "busy", "stopped":
		return http.StatusServiceUnavailable
	case "too_large":
		return http.StatusRequestEntityTooLarge
	case "unsupported_media":
		return http.StatusUnsupportedMediaType
	case "bad_request", "invalid_options":
		return http.StatusBadRequest
	case "invalid_image", "unsupported_format":
		return http.StatusUnprocessableEntity
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeExportError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	message := err.Error()
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	if status == http.StatusInternalServerError {
		h.log.WithError(err).WithField("request_id", middleware.RequestIDFromContext(r.Context())).Error("Export failed")
		message = "Export failed"
	}
	h.writeError(w, r, status, message)
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, resp APIResponse) {
	resp.RequestID = middleware.RequestIDFromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	h.writeJSON(w, r, status, APIResponse{Success: false, Error: message})
}
