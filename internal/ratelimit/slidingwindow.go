package ratelimit

import (
	"context"
	"sync"
	"time"
)

// SlidingWindow is an in-memory sliding-window limiter with continuous
// accounting: the effective count blends the previous fixed window by its
// remaining overlap, so the limit holds over any window-sized interval and
// boundary bursts cannot double the admitted volume.
type SlidingWindow struct {
	limit  int
	window time.Duration

	now func() time.Time

	mu      sync.Mutex
	windows map[string]*windowState
}

type windowState struct {
	start   time.Time
	current float64
	prev    float64
}

// SlidingWindowOption customizes a SlidingWindow.
type SlidingWindowOption func(*SlidingWindow)

// WithWindowClock overrides the time source.
func WithWindowClock(now func() time.Time) SlidingWindowOption {
	return func(sw *SlidingWindow) { sw.now = now }
}

// NewSlidingWindow creates a limiter admitting limit requests per window.
func NewSlidingWindow(limit int, window time.Duration, opts ...SlidingWindowOption) *SlidingWindow {
	sw := &SlidingWindow{
		limit:   limit,
		window:  window,
		now:     time.Now,
		windows: make(map[string]*windowState),
	}
	for _, opt := range opts {
		opt(sw)
	}
	return sw
}

// Allow implements Limiter.
func (sw *SlidingWindow) Allow(_ context.Context, key string, cost int) (Result, error) {
	if cost <= 0 {
		cost = 1
	}
	now := sw.now()

	sw.mu.Lock()
	defer sw.mu.Unlock()

	ws, ok := sw.windows[key]
	if !ok {
		ws = &windowState{start: now}
		sw.windows[key] = ws
	}
	sw.rotate(ws, now)

	elapsed := now.Sub(ws.start)
	overlap := 1 - float64(elapsed)/float64(sw.window)
	weighted := ws.prev*overlap + ws.current

	res := Result{Limit: sw.limit}
	res.ResetAfter = sw.window - elapsed

	if weighted+float64(cost) <= float64(sw.limit) {
		ws.current += float64(cost)
		res.Allowed = true
		res.Remaining = int(float64(sw.limit) - weighted - float64(cost))
		return res, nil
	}

	res.Remaining = int(float64(sw.limit) - weighted)
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	res.RetryAfter = sw.retryAfter(ws, now, float64(cost))
	return res, nil
}

// rotate advances the fixed window underneath the sliding view.
func (sw *SlidingWindow) rotate(ws *windowState, now time.Time) {
	elapsed := now.Sub(ws.start)
	switch {
	case elapsed >= 2*sw.window:
		ws.start = now
		ws.prev = 0
		ws.current = 0
	case elapsed >= sw.window:
		ws.start = ws.start.Add(sw.window)
		ws.prev = ws.current
		ws.current = 0
	}
}

// retryAfter estimates when enough of the previous window will have slid
// out for cost tokens to fit.
func (sw *SlidingWindow) retryAfter(ws *windowState, now time.Time, cost float64) time.Duration {
	if ws.prev <= 0 {
		return sw.window - now.Sub(ws.start)
	}
	// Weighted count decreases linearly at prev/window per unit time.
	excess := ws.prev*(1-float64(now.Sub(ws.start))/float64(sw.window)) + ws.current + cost - float64(sw.limit)
	if excess <= 0 {
		return 0
	}
	wait := time.Duration(excess / ws.prev * float64(sw.window))
	if max := sw.window - now.Sub(ws.start); wait > max {
		wait = max
	}
	return wait
}
