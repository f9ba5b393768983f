package compress

import (
	"fmt"
	"io"
	"time"

	"github.com/snapthumb/snapthumb/pkg/codec"
	"github.com/snapthumb/snapthumb/pkg/quality"
)

// Path names how a result was produced.
type Path string

// Result paths
const (
	PathSearch   Path = "search"   // quality bisection
	PathLossless Path = "lossless" // single resize, PNG
	PathEscape   Path = "escape"   // resize after the search missed the budget
	PathFallback Path = "fallback" // nothing fit; encoded at the fallback quality
	PathCached   Path = "cached"
)

// Result is the outcome of one export. The caller owns Bytes.
type Result struct {
	Bytes           []byte  `json:"-"`
	SizeBytes       int     `json:"size_bytes"`
	Quality         float64 `json:"quality"`
	Similarity      float64 `json:"similarity"`
	Iterations      int     `json:"iterations"`
	IsDeterministic bool    `json:"is_deterministic"`

	Format         codec.Format  `json:"format"`
	Width          int           `json:"width"`
	Height         int           `json:"height"`
	OriginalWidth  int           `json:"original_width"`
	OriginalHeight int           `json:"original_height"`
	Resized        bool          `json:"resized"`
	TargetMet      bool          `json:"target_met"`
	SimilarityMet  bool          `json:"similarity_met"`
	Complexity     float64       `json:"complexity"`
	Path           Path          `json:"path"`
	Duration       time.Duration `json:"duration_ns"`

	Trace []quality.Probe `json:"-"`
}

// String returns a one-line summary.
func (r *Result) String() string {
	return fmt.Sprintf("%s %dx%d %s quality=%.2f similarity=%.3f iterations=%d path=%s target_met=%t in %s",
		r.Format, r.Width, r.Height, formatBytes(int64(r.SizeBytes)),
		r.Quality, r.Similarity, r.Iterations, r.Path, r.TargetMet, r.Duration.Round(time.Millisecond))
}

// WriteTo writes the encoded bytes to w.
func (r *Result) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(r.Bytes)
	return int64(n), err
}

// clone returns a copy with private bytes.
func (r *Result) clone() *Result {
	c := *r
	c.Bytes = append([]byte(nil), r.Bytes...)
	c.Trace = nil
	return &c
}

// formatBytes returns a human-readable string for a byte count.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
