package quality

import (
	"errors"
	"image"
	"image/color"
	"math"
	"strconv"
	"testing"

	"github.com/snapthumb/snapthumb/pkg/codec"
	"github.com/snapthumb/snapthumb/pkg/raster"
)

// createTestRaster creates a simple test raster
func createTestRaster(width, height int) *raster.Raster {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8((x * 255) / width),
				G: uint8((y * 255) / height),
				B: 128,
				A: 255,
			})
		}
	}
	return raster.Wrap(img)
}

// fakeCodec sizes candidates by quality and decodes them as the source blended
// towards mid gray, so that similarity grows with quality.
type fakeCodec struct {
	src  *raster.Raster
	size func(q float64) int
	fail func(q float64) error

	decodeErr error
}

func (c *fakeCodec) Encode(r *raster.Raster, f codec.Format, q float64) (*codec.Candidate, error) {
	if c.fail != nil {
		if err := c.fail(q); err != nil {
			return nil, err
		}
	}
	size := 1000
	if c.size != nil {
		size = c.size(q)
	}
	return &codec.Candidate{
		Bytes:   []byte(strconv.FormatFloat(q, 'f', -1, 64)),
		Size:    size,
		Quality: q,
		Format:  f,
	}, nil
}

func (c *fakeCodec) Decode(data []byte, f codec.Format) (*raster.Raster, error) {
	if c.decodeErr != nil {
		return nil, c.decodeErr
	}
	q, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return nil, err
	}

	src := c.src.Image()
	out := image.NewNRGBA(src.Rect)
	for i := range src.Pix {
		if i%4 == 3 {
			out.Pix[i] = src.Pix[i]
			continue
		}
		out.Pix[i] = uint8(math.Round(float64(src.Pix[i])*q + 128*(1-q)))
	}
	return raster.Wrap(out), nil
}

func linearSize(q float64) int { return int(q * 1000) }

func checkTrace(t *testing.T, out *Outcome, maxIterations int) {
	t.Helper()

	if out.Iterations != len(out.Trace) {
		t.Errorf("Iterations = %d, trace has %d probes", out.Iterations, len(out.Trace))
	}
	if out.Iterations > maxIterations {
		t.Errorf("Iterations = %d exceeds budget %d", out.Iterations, maxIterations)
	}

	prevWidth := math.Inf(1)
	for _, p := range out.Trace {
		if p.Quality < minQuality || p.Quality > maxQuality {
			t.Errorf("probe %d quality %f out of [%v, %v]", p.Iteration, p.Quality, minQuality, maxQuality)
		}
		if p.Low > p.High {
			t.Errorf("probe %d bracket inverted: low %f > high %f", p.Iteration, p.Low, p.High)
		}
		width := p.High - p.Low
		if width > prevWidth {
			t.Errorf("probe %d bracket grew from %f to %f", p.Iteration, prevWidth, width)
		}
		prevWidth = width
	}
}

func TestFindOptimalQuality_EarlyExit(t *testing.T) {
	src := createTestRaster(64, 64)
	fc := &fakeCodec{src: src, size: linearSize}

	out, err := NewSearcher(fc, fc, nil).FindOptimalQuality(src, codec.JPEG, Params{
		TargetSizeBytes:     2000,
		SimilarityThreshold: 0.5,
		MaxIterations:       20,
	})
	if err != nil {
		t.Fatalf("FindOptimalQuality() error = %v", err)
	}

	if !out.EarlyExit {
		t.Fatal("expected early exit")
	}
	if out.Iterations != 1 || math.Abs(out.Quality-0.55) > 1e-9 {
		t.Errorf("got quality %f after %d iterations, want 0.55 after 1", out.Quality, out.Iterations)
	}
	if out.Trace[0].Branch != SizeOKSimilarityOK {
		t.Errorf("branch = %v, want %v", out.Trace[0].Branch, SizeOKSimilarityOK)
	}
	if int64(out.Candidate.Size) > 2000 {
		t.Errorf("accepted candidate size %d over target", out.Candidate.Size)
	}
}

func TestFindOptimalQuality_NarrowsUpward(t *testing.T) {
	src := createTestRaster(64, 64)
	fc := &fakeCodec{src: src, size: linearSize}

	out, err := NewSearcher(fc, fc, nil).FindOptimalQuality(src, codec.JPEG, Params{
		TargetSizeBytes:     2000,
		SimilarityThreshold: 0.99,
		MaxIterations:       20,
	})
	if err != nil {
		t.Fatalf("FindOptimalQuality() error = %v", err)
	}
	checkTrace(t, out, 20)

	if !out.EarlyExit {
		t.Fatal("expected early exit at a higher quality")
	}
	if out.Trace[0].Branch != SizeOKSimilarityLow {
		t.Errorf("first branch = %v, want %v", out.Trace[0].Branch, SizeOKSimilarityLow)
	}
	if out.Quality <= out.Trace[0].Quality {
		t.Errorf("final quality %f not above first probe %f", out.Quality, out.Trace[0].Quality)
	}
	if out.Similarity < 0.99 {
		t.Errorf("similarity %f below threshold", out.Similarity)
	}
	for i := 1; i < len(out.Trace); i++ {
		if out.Trace[i].Low < out.Trace[i-1].Low {
			t.Errorf("low moved down at probe %d", out.Trace[i].Iteration)
		}
	}
}

func TestFindOptimalQuality_ImpossibleTarget(t *testing.T) {
	src := createTestRaster(64, 64)
	fc := &fakeCodec{src: src, size: linearSize}

	out, err := NewSearcher(fc, fc, nil).FindOptimalQuality(src, codec.JPEG, Params{
		TargetSizeBytes:     1,
		SimilarityThreshold: 0.8,
		MaxIterations:       20,
	})
	if err != nil {
		t.Fatalf("FindOptimalQuality() error = %v", err)
	}
	checkTrace(t, out, 20)

	if out.EarlyExit || out.Candidate != nil {
		t.Fatal("no candidate can fit a one byte budget")
	}
	if out.Quality != DefaultFallbackQuality || out.Similarity != 0 {
		t.Errorf("got quality %f similarity %f, want fallback %f and 0", out.Quality, out.Similarity, DefaultFallbackQuality)
	}
	// The bracket halves from 0.9 until it is no wider than the tolerance.
	if out.Iterations != 7 {
		t.Errorf("Iterations = %d, want 7", out.Iterations)
	}
	for _, p := range out.Trace {
		if p.Branch != SizeExceeded {
			t.Errorf("probe %d branch = %v, want %v", p.Iteration, p.Branch, SizeExceeded)
		}
	}
}

func TestFindOptimalQuality_IterationBudget(t *testing.T) {
	src := createTestRaster(32, 32)
	fc := &fakeCodec{src: src, size: linearSize}

	out, err := NewSearcher(fc, fc, nil).FindOptimalQuality(src, codec.WebP, Params{
		TargetSizeBytes: 1,
		MaxIterations:   3,
	})
	if err != nil {
		t.Fatalf("FindOptimalQuality() error = %v", err)
	}
	if out.Iterations != 3 {
		t.Errorf("Iterations = %d, want 3", out.Iterations)
	}
	checkTrace(t, out, 3)
}

func TestFindOptimalQuality_BestSimilarityUnderBudget(t *testing.T) {
	src := createTestRaster(64, 64)
	fc := &fakeCodec{src: src, size: linearSize}

	out, err := NewSearcher(fc, fc, nil).FindOptimalQuality(src, codec.JPEG, Params{
		TargetSizeBytes:     500,
		SimilarityThreshold: 1,
		MaxIterations:       20,
	})
	if err != nil {
		t.Fatalf("FindOptimalQuality() error = %v", err)
	}
	checkTrace(t, out, 20)

	if out.EarlyExit {
		t.Fatal("similarity 1 is unreachable below quality 1")
	}
	if out.Candidate == nil {
		t.Fatal("expected a best-effort candidate under budget")
	}
	if out.Candidate.Size > 500 || out.Quality > 0.51 {
		t.Errorf("best candidate quality %f size %d violates the size ceiling", out.Quality, out.Candidate.Size)
	}

	best := 0.0
	for _, p := range out.Trace {
		if p.Branch == SizeOKSimilarityLow && p.Similarity > best {
			best = p.Similarity
		}
	}
	if out.Similarity != best {
		t.Errorf("Similarity = %f, want best probed %f", out.Similarity, best)
	}
	if out.Candidate.Quality != out.Quality {
		t.Errorf("candidate quality %f does not match reported %f", out.Candidate.Quality, out.Quality)
	}
}

func TestFindOptimalQuality_EncodeFailure(t *testing.T) {
	src := createTestRaster(32, 32)
	fc := &fakeCodec{
		src:  src,
		size: linearSize,
		fail: func(q float64) error {
			if q > 0.5 {
				return codec.ErrEncodeFailure
			}
			return nil
		},
	}

	out, err := NewSearcher(fc, fc, nil).FindOptimalQuality(src, codec.JPEG, Params{
		TargetSizeBytes:     2000,
		SimilarityThreshold: 0,
	})
	if err != nil {
		t.Fatalf("FindOptimalQuality() error = %v", err)
	}
	if out.Trace[0].Branch != EncodeFailed {
		t.Errorf("first branch = %v, want %v", out.Trace[0].Branch, EncodeFailed)
	}
	if !out.EarlyExit || math.Abs(out.Quality-0.325) > 1e-9 {
		t.Errorf("got quality %f early exit %v, want 0.325 early exit", out.Quality, out.EarlyExit)
	}
}

func TestFindOptimalQuality_AllEncodesFail(t *testing.T) {
	src := createTestRaster(32, 32)
	fc := &fakeCodec{
		src:  src,
		fail: func(float64) error { return codec.ErrEncodeFailure },
	}

	out, err := NewSearcher(fc, fc, nil).FindOptimalQuality(src, codec.JPEG, Params{
		TargetSizeBytes: 2000,
		FallbackQuality: 0.6,
	})
	if err != nil {
		t.Fatalf("FindOptimalQuality() error = %v", err)
	}
	if out.Candidate != nil || out.Quality != 0.6 {
		t.Errorf("got candidate %v quality %f, want none and fallback 0.6", out.Candidate, out.Quality)
	}
}

func TestFindOptimalQuality_Fatal(t *testing.T) {
	src := createTestRaster(16, 16)

	tests := []struct {
		name string
		fc   *fakeCodec
		want error
	}{
		{
			name: "Encoder without surface",
			fc:   &fakeCodec{src: src, fail: func(float64) error { return raster.ErrContextUnavailable }},
			want: raster.ErrContextUnavailable,
		},
		{
			name: "Unsupported format",
			fc:   &fakeCodec{src: src, fail: func(float64) error { return codec.ErrUnsupportedFormat }},
			want: codec.ErrUnsupportedFormat,
		},
		{
			name: "Decoder without surface",
			fc:   &fakeCodec{src: src, decodeErr: raster.ErrContextUnavailable},
			want: raster.ErrContextUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSearcher(tt.fc, tt.fc, nil).FindOptimalQuality(src, codec.JPEG, Params{TargetSizeBytes: 5000})
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestFindOptimalQuality_DecodeFallback(t *testing.T) {
	src := createTestRaster(16, 16)
	fc := &fakeCodec{src: src, decodeErr: codec.ErrDecodeFailure}

	out, err := NewSearcher(fc, fc, nil).FindOptimalQuality(src, codec.JPEG, Params{
		TargetSizeBytes:     5000,
		SimilarityThreshold: 0.8,
	})
	if err != nil {
		t.Fatalf("FindOptimalQuality() error = %v", err)
	}
	if !out.EarlyExit || out.Similarity != raster.FallbackSimilarity {
		t.Errorf("got similarity %f early exit %v, want fallback accepted", out.Similarity, out.EarlyExit)
	}
}

func TestFindOptimalQuality_InvalidTarget(t *testing.T) {
	src := createTestRaster(8, 8)
	fc := &fakeCodec{src: src}

	_, err := NewSearcher(fc, fc, nil).FindOptimalQuality(src, codec.JPEG, Params{})
	if !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("error = %v, want ErrInvalidTarget", err)
	}
}

func TestState(t *testing.T) {
	s := NewState(0.8)
	if s.Low != 0.1 || s.High != 1.0 || s.BestQuality != 0.8 {
		t.Fatalf("unexpected initial state %+v", s)
	}

	mid := s.Next()
	s.Apply(SizeOKSimilarityLow, mid)
	if s.Low != mid || s.Iterations != 1 {
		t.Errorf("narrow up: %+v", s)
	}

	mid = s.Next()
	s.Apply(SizeExceeded, mid)
	if s.High != mid {
		t.Errorf("narrow down: %+v", s)
	}

	if s.Done(3) {
		t.Error("bracket still open and budget left")
	}
	if !s.Done(2) {
		t.Error("budget of 2 spent")
	}
}

func TestFindOptimalQuality_RealCodec(t *testing.T) {
	src := createTestRaster(640, 480)

	for _, f := range []codec.Format{codec.JPEG, codec.WebP} {
		t.Run(f.String(), func(t *testing.T) {
			out, err := FindOptimalQuality(src, f, 200*1024, 0.8, 20)
			if err != nil {
				t.Fatalf("FindOptimalQuality() error = %v", err)
			}
			if !out.EarlyExit {
				t.Fatalf("expected early exit, trace %+v", out.Trace)
			}
			if out.Candidate.Size > 200*1024 {
				t.Errorf("size %d over target", out.Candidate.Size)
			}
			if out.Similarity < 0.8 || out.Similarity > 1 {
				t.Errorf("similarity %f outside [0.8, 1]", out.Similarity)
			}
		})
	}
}

func TestFindOptimalQuality_RealCodecImpossible(t *testing.T) {
	src := createTestRaster(320, 240)

	out, err := FindOptimalQuality(src, codec.JPEG, 1, 0.8, 20)
	if err != nil {
		t.Fatalf("FindOptimalQuality() error = %v", err)
	}
	checkTrace(t, out, 20)
	if out.EarlyExit || out.Candidate != nil {
		t.Error("one byte budget cannot be met")
	}
}

func BenchmarkFindOptimalQuality(b *testing.B) {
	src := createTestRaster(1920, 1080)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		FindOptimalQuality(src, codec.JPEG, 500*1024, 0.8, 20)
	}
}
