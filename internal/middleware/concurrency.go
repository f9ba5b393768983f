package middleware

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/snapthumb/snapthumb/pkg/metrics"
)

// ConcurrencyLimiter caps the number of in-flight requests. It never queues:
// a request that finds every slot taken is rejected at once.
type ConcurrencyLimiter struct {
	slots chan struct{}
}

// NewConcurrencyLimiter returns a limiter with max slots (at least one).
func NewConcurrencyLimiter(max int) *ConcurrencyLimiter {
	if max <= 0 {
		max = 1
	}
	return &ConcurrencyLimiter{slots: make(chan struct{}, max)}
}

// TryAcquire takes a slot if one is free.
func (cl *ConcurrencyLimiter) TryAcquire() bool {
	select {
	case cl.slots <- struct{}{}:
		metrics.UpdateConcurrency(len(cl.slots))
		return true
	default:
		return false
	}
}

// Release returns a slot taken by TryAcquire.
func (cl *ConcurrencyLimiter) Release() {
	<-cl.slots
	metrics.UpdateConcurrency(len(cl.slots))
}

// Active returns the number of slots in use.
func (cl *ConcurrencyLimiter) Active() int { return len(cl.slots) }

// Max returns the number of slots.
func (cl *ConcurrencyLimiter) Max() int { return cap(cl.slots) }

// Limit wraps next so that requests over the limit get 503.
func (cl *ConcurrencyLimiter) Limit(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cl.TryAcquire() {
				log.WithField("max", cl.Max()).Warn("Concurrency limit reached")
				metrics.RecordConcurrencyLimitExceeded()
				w.Header().Set("Retry-After", "1")
				writeJSONError(w, http.StatusServiceUnavailable, "Service busy, please try again")
				return
			}
			defer cl.Release()

			next.ServeHTTP(w, r)
		})
	}
}

// ConcurrencyLimit is shorthand for NewConcurrencyLimiter(max).Limit(log).
func ConcurrencyLimit(max int, log logrus.FieldLogger) func(http.Handler) http.Handler {
	return NewConcurrencyLimiter(max).Limit(log)
}
