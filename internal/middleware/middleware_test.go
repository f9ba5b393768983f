package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/snapthumb/snapthumb/internal/logger"
)

var discard = logger.Discard()

func rateLimited(rate, burst int, next http.Handler) http.Handler {
	return RateLimit(NewRateLimiter(rate, burst), discard)(next)
}

// TestSecurityHeaders tests security headers are set correctly
func TestSecurityHeaders(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := Security(next)
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	tests := []struct {
		header string
		want   string
	}{
		{"X-Content-Type-Options", "nosniff"},
		{"X-Frame-Options", "DENY"},
		{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
		{"Referrer-Policy", "no-referrer"},
		{"Cross-Origin-Resource-Policy", "same-origin"},
		{"Strict-Transport-Security", ""},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got := w.Header().Get(tt.header)
			if got != tt.want {
				t.Errorf("%s header = %s, want %s", tt.header, got, tt.want)
			}
		})
	}
}

// fakeClock returns a limiter whose time only moves when advance is called.
func fakeClock(rate, burst int) (*RateLimiter, func(time.Duration)) {
	rl := NewRateLimiter(rate, burst)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	return rl, func(d time.Duration) { now = now.Add(d) }
}

// TestRateLimiter_Allow walks one bucket through drain and refill
func TestRateLimiter_Allow(t *testing.T) {
	rl, advance := fakeClock(2, 3)
	defer rl.Stop()

	steps := []struct {
		name    string
		advance time.Duration
		want    bool
		wait    time.Duration
	}{
		{"burst 1", 0, true, 0},
		{"burst 2", 0, true, 0},
		{"burst 3", 0, true, 0},
		{"empty", 0, false, 500 * time.Millisecond},
		{"half token", 250 * time.Millisecond, false, 250 * time.Millisecond},
		{"refilled", 250 * time.Millisecond, true, 0},
		{"capped at burst", time.Hour, true, 0},
		{"capped 2", 0, true, 0},
		{"capped 3", 0, true, 0},
		{"capped empty", 0, false, 500 * time.Millisecond},
	}

	for _, s := range steps {
		advance(s.advance)
		ok, wait := rl.Allow("192.168.1.1")
		if ok != s.want || wait != s.wait {
			t.Errorf("%s: Allow() = (%v, %v), want (%v, %v)", s.name, ok, wait, s.want, s.wait)
		}
	}
}

// TestRateLimiter_Expire tests idle buckets are dropped
func TestRateLimiter_Expire(t *testing.T) {
	rl, advance := fakeClock(1, 1)
	defer rl.Stop()

	rl.Allow("a")
	advance(4 * time.Minute)
	rl.Allow("b")
	advance(2 * time.Minute)
	rl.expire()

	if rl.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", rl.Len())
	}
	if ok, _ := rl.Allow("a"); !ok {
		t.Error("expired client should start with a full bucket")
	}
}

// TestRateLimit_PerClient tests rate limiting through the middleware
func TestRateLimit_PerClient(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := rateLimited(1, 1, next)

	send := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.RemoteAddr = remote
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	tests := []struct {
		remote string
		want   int
	}{
		{"192.168.1.1:1234", http.StatusOK},
		{"192.168.1.1:5678", http.StatusTooManyRequests},
		{"192.168.1.2:1234", http.StatusOK},
		{"[2001:db8::1]:1234", http.StatusOK},
		{"[2001:db8::1]:1234", http.StatusTooManyRequests},
		{"10.1.1.1", http.StatusOK},
	}

	for _, tt := range tests {
		w := send(tt.remote)
		if w.Code != tt.want {
			t.Errorf("%s: status %d, want %d", tt.remote, w.Code, tt.want)
		}
		if w.Code == http.StatusTooManyRequests {
			if w.Header().Get("Retry-After") != "1" {
				t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
			}
			if w.Header().Get("Content-Type") != "application/json" {
				t.Errorf("Content-Type = %q", w.Header().Get("Content-Type"))
			}
		}
	}
}

// TestRetryAfter tests rounding of the wait hint
func TestRetryAfter(t *testing.T) {
	tests := map[time.Duration]string{
		0:                       "1",
		200 * time.Millisecond:  "1",
		time.Second:             "1",
		1500 * time.Millisecond: "2",
	}
	for wait, want := range tests {
		if got := retryAfter(wait); got != want {
			t.Errorf("retryAfter(%v) = %s, want %s", wait, got, want)
		}
	}
}

// TestConcurrencyLimit_Rejects tests requests over the limit get 503
func TestConcurrencyLimit_Rejects(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
		w.WriteHeader(http.StatusOK)
	})

	cl := NewConcurrencyLimiter(2)
	handler := cl.Limit(discard)(next)

	var wg sync.WaitGroup
	var ok int32
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
			if w.Code == http.StatusOK {
				atomic.AddInt32(&ok, 1)
			}
		}()
	}
	<-entered
	<-entered

	if cl.Active() != 2 {
		t.Errorf("Active() = %d, want 2", cl.Active())
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("third request status %d, want 503", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Error("Retry-After missing")
	}

	close(release)
	wg.Wait()

	if ok != 2 {
		t.Errorf("%d requests succeeded, want 2", ok)
	}
	if cl.Active() != 0 {
		t.Errorf("slots not released: Active() = %d", cl.Active())
	}
}

// TestConcurrencyLimit_Sequential tests sequential requests all pass
func TestConcurrencyLimit_Sequential(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := ConcurrencyLimit(1, discard)(next)

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
		if w.Code != http.StatusOK {
			t.Errorf("Sequential request %d should pass, got %d", i, w.Code)
		}
	}

	if NewConcurrencyLimiter(0).Max() != 1 {
		t.Error("non-positive max should mean one slot")
	}
}

// TestRecovery tests panic recovery for string and nil panics
func TestRecovery(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
	}{
		{"String", "test panic"},
		{"Nil", nil},
		{"Error", http.ErrAbortHandler},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				panic(tt.value)
			})

			w := httptest.NewRecorder()
			Recovery(discard)(next).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

			if w.Code != http.StatusInternalServerError {
				t.Errorf("Expected status 500 after panic, got %d", w.Code)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Expected Content-Type application/json, got %s", ct)
			}
		})
	}
}

// TestRecovery_NoPanic tests normal requests pass through
func TestRecovery_NoPanic(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	w := httptest.NewRecorder()
	Recovery(discard)(next).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Errorf("got %d %q, want 200 OK", w.Code, w.Body.String())
	}
}

// TestMiddlewareChaining tests the API chain used by the server
func TestMiddlewareChaining(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	rl := NewRateLimiter(100, 10)
	defer rl.Stop()
	handler := Security(
		RateLimit(rl, discard)(
			ConcurrencyLimit(10, discard)(
				Recovery(discard)(
					RequestID(Logger(discard)(next)),
				),
			),
		),
	)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/test", nil))

	if w.Code != http.StatusCreated {
		t.Errorf("Chained middleware should pass, got %d", w.Code)
	}
	if w.Header().Get("Content-Security-Policy") == "" {
		t.Error("Security headers should be set")
	}
	if w.Header().Get(RequestIDHeader) == "" {
		t.Error("request id header should be set")
	}
}

// TestRecovery_Body tests the JSON error body
func TestRecovery_Body(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	w := httptest.NewRecorder()
	Recovery(discard)(next).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not JSON: %q", w.Body.String())
	}
	if body["success"] != false || body["error"] != "Internal server error" {
		t.Errorf("unexpected body %v", body)
	}
}

// TestRequestID tests ids are generated and propagated
func TestRequestID(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})
	handler := RequestID(next)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	if seen == "" || w.Header().Get(RequestIDHeader) != seen {
		t.Errorf("generated id %q, header %q", seen, w.Header().Get(RequestIDHeader))
	}

	incoming := "3f9c1e36-4d8e-4f57-9d64-1b2a9c0e7f11"
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(RequestIDHeader, incoming)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != incoming {
		t.Errorf("incoming id not reused: %q", seen)
	}

	req.Header.Set(RequestIDHeader, "not-a-uuid\nX-Injected: 1")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen == "not-a-uuid\nX-Injected: 1" {
		t.Error("malformed id accepted")
	}
}

// TestLogger_Fields tests the request log entry
func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	log, err := logger.NewLogger(logger.LoggerConfig{Level: "info", Output: &buf})
	if err != nil {
		t.Fatal(err)
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	})
	router.Use(RequestID, Logger(log))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/items/7", nil))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %q", buf.String())
	}
	if entry["path"] != "/api/items/7" || entry["status"] != float64(200) || entry["bytes"] != float64(5) {
		t.Errorf("unexpected log entry %v", entry)
	}
	if entry["request_id"] != w.Header().Get(RequestIDHeader) {
		t.Errorf("request_id %v, header %s", entry["request_id"], w.Header().Get(RequestIDHeader))
	}
	if got := routeTemplate(httptest.NewRequest(http.MethodGet, "/plain", nil)); got != "/plain" {
		t.Errorf("routeTemplate() = %s", got)
	}
}

// TestClientIP tests client address extraction
func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    string
		xri    string
		want   string
	}{
		{"RemoteAddr", "192.168.1.1:1234", "", "", "192.168.1.1"},
		{"No port", "192.168.1.1", "", "", "192.168.1.1"},
		{"IPv6", "[2001:db8::1]:1234", "", "", "2001:db8::1"},
		{"Forwarded", "10.0.0.1:1", "203.0.113.7, 10.0.0.1", "", "203.0.113.7"},
		{"Real IP", "10.0.0.1:1", "", "198.51.100.2", "198.51.100.2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP() = %s, want %s", got, tt.want)
			}
		})
	}
}

// TestIPPrefix tests metric label reduction
func TestIPPrefix(t *testing.T) {
	tests := map[string]string{
		"192.168.1.1": "192.0.0.0",
		"2001:db8::1": "2001:",
		"garbage":     "unknown",
	}
	for ip, want := range tests {
		if got := ipPrefix(ip); got != want {
			t.Errorf("ipPrefix(%s) = %s, want %s", ip, got, want)
		}
	}
}
