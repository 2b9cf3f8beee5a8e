package devserver

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
)

// Faults injects failures into registration. Counters are consumed one per
// affected request.
type Faults struct {
	bulkFailures     atomic.Int32
	registerLimited  atomic.Int32
	retryAfterSecond atomic.Int32

	bulkCalls     atomic.Int32
	registerCalls atomic.Int32
}

// FailBulk makes the next n bulk registrations answer 503.
func (f *Faults) FailBulk(n int) { f.bulkFailures.Store(int32(n)) }

// RateLimitRegistrations makes the next n single registrations answer 429,
// optionally with a Retry-After hint.
func (f *Faults) RateLimitRegistrations(n int, retryAfter time.Duration) {
	f.registerLimited.Store(int32(n))
	f.retryAfterSecond.Store(int32(retryAfter / time.Second))
}

// BulkCalls and RegisterCalls count registration requests received.
func (f *Faults) BulkCalls() int     { return int(f.bulkCalls.Load()) }
func (f *Faults) RegisterCalls() int { return int(f.registerCalls.Load()) }

func take(c *atomic.Int32) bool {
	for {
		n := c.Load()
		if n <= 0 {
			return false
		}
		if c.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func (f *Faults) bulk(w http.ResponseWriter) bool {
	f.bulkCalls.Add(1)
	if !take(&f.bulkFailures) {
		return false
	}
	writeError(w, http.StatusServiceUnavailable, "BULK_UNAVAILABLE", "bulk registration unavailable")
	return true
}

func (f *Faults) register(w http.ResponseWriter) bool {
	f.registerCalls.Add(1)
	if !take(&f.registerLimited) {
		return false
	}
	if s := f.retryAfterSecond.Load(); s > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(s)))
	}
	writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many registration requests")
	return true
}
