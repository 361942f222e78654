// Package concurrency bounds in-flight requests per upstream. A permit is
// acquired before dispatch and held until the response, including every
// streamed byte, has been delivered.
package concurrency

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/oagw/internal/oagwerr"
)

// Limiter is a non-blocking concurrency gate for one upstream.
type Limiter struct {
	max     atomic.Int64
	current atomic.Int64
}

// NewLimiter creates a gate admitting at most max concurrent requests.
func NewLimiter(max int) *Limiter {
	l := &Limiter{}
	l.max.Store(int64(max))
	return l
}

// TryAcquire claims a permit without waiting.
func (l *Limiter) TryAcquire() bool {
	for {
		cur := l.current.Load()
		if cur >= l.max.Load() {
			return false
		}
		if l.current.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release returns a permit. Callers release exactly once, after the last
// byte of the response stream.
func (l *Limiter) Release() {
	l.current.Add(-1)
}

// Current returns the number of held permits.
func (l *Limiter) Current() int64 {
	return l.current.Load()
}

// SetMax updates the limit. Shrinking never evicts holders; the gate just
// stops admitting until enough permits drain.
func (l *Limiter) SetMax(max int) {
	l.max.Store(int64(max))
}

// ErrLimitExceeded builds the taxonomy error for a rejected acquisition.
// Concurrency rejections carry a short fixed retry hint; the caller cannot
// know when a stream will end.
func ErrLimitExceeded(upstreamID string, max int64) *oagwerr.Error {
	return oagwerr.New(oagwerr.KindConcurrencyExceeded, "concurrent request limit reached").
		WithField("upstream", upstreamID).
		WithField("max_concurrent", max).
		WithRetryAfter(time.Second)
}

// Registry hands out one limiter per upstream and reconciles limits on
// config swaps.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// Get returns the limiter for an upstream, creating it at the given limit.
// An existing limiter is adjusted in place so held permits survive config
// reloads.
func (r *Registry) Get(upstreamID string, max int) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[upstreamID]; ok {
		if l.max.Load() != int64(max) {
			l.SetMax(max)
		}
		return l
	}
	l := NewLimiter(max)
	r.limiters[upstreamID] = l
	return l
}
