// Package rate enforces send rates. The in-process Governor provides strict
// sliding windows with per-key FIFO fairness; the Redis-backed HourlyLimiter
// enforces the coarser per-account hourly cap across processes.
package rate

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Governor enforces a sliding-window rate limit per key. Two instances exist
// in the engine: one keyed by SMTP account id, one by sender domain.
type Governor struct {
	limit  int
	window time.Duration

	mu   sync.Mutex
	keys map[string]*keyWindow

	now func() time.Time // injectable for tests
}

type keyWindow struct {
	// turn serializes waiters; channel wait queues wake in arrival order,
	// which gives the per-key FIFO guarantee a bare mutex does not.
	turn   chan struct{}
	mu     sync.Mutex
	events []time.Time
}

// NewGovernor creates a governor allowing limit events per window per key.
// limit == 0 blocks all callers. window must be positive.
func NewGovernor(limit int, window time.Duration) (*Governor, error) {
	if limit < 0 {
		return nil, fmt.Errorf("negative limit %d", limit)
	}
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive, got %v", window)
	}
	return &Governor{
		limit:  limit,
		window: window,
		keys:   make(map[string]*keyWindow),
		now:    time.Now,
	}, nil
}

func (g *Governor) key(k string) *keyWindow {
	g.mu.Lock()
	defer g.mu.Unlock()
	kw, ok := g.keys[k]
	if !ok {
		kw = &keyWindow{turn: make(chan struct{}, 1)}
		g.keys[k] = kw
	}
	return kw
}

// Acquire blocks until a slot is free for key or ctx is cancelled.
// Callers on the same key proceed in arrival order; distinct keys are
// independent. Timestamps come from the monotonic clock, so wall-clock
// regressions never release slots early.
func (g *Governor) Acquire(ctx context.Context, key string) error {
	kw := g.key(key)

	select {
	case kw.turn <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-kw.turn }()

	for {
		kw.mu.Lock()
		now := g.now()
		kw.prune(now, g.window)

		if g.limit > 0 && len(kw.events) < g.limit {
			kw.events = append(kw.events, now)
			kw.mu.Unlock()
			return nil
		}

		var wait time.Duration
		if g.limit == 0 {
			// limit 0 admits nobody; wake periodically only to observe ctx.
			wait = g.window
		} else {
			wait = kw.events[0].Add(g.window).Sub(now)
			if wait <= 0 {
				wait = time.Millisecond
			}
		}
		kw.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// TryAcquire takes a slot if one is immediately free. Used by the selector to
// skip momentarily saturated accounts without blocking.
func (g *Governor) TryAcquire(key string) bool {
	kw := g.key(key)

	select {
	case kw.turn <- struct{}{}:
	default:
		return false // someone is queued ahead
	}
	defer func() { <-kw.turn }()

	kw.mu.Lock()
	defer kw.mu.Unlock()
	now := g.now()
	kw.prune(now, g.window)
	if g.limit > 0 && len(kw.events) < g.limit {
		kw.events = append(kw.events, now)
		return true
	}
	return false
}

// Limit returns the configured per-window event limit.
func (g *Governor) Limit() int { return g.limit }

// HasSlot reports whether a slot is immediately available without taking it.
func (g *Governor) HasSlot(key string) bool {
	return g.limit > 0 && g.InWindow(key) < g.limit
}

// InWindow returns the number of events currently inside the window for key.
func (g *Governor) InWindow(key string) int {
	kw := g.key(key)
	kw.mu.Lock()
	defer kw.mu.Unlock()
	kw.prune(g.now(), g.window)
	return len(kw.events)
}

func (kw *keyWindow) prune(now time.Time, window time.Duration) {
	cut := 0
	for cut < len(kw.events) && now.Sub(kw.events[cut]) >= window {
		cut++
	}
	if cut > 0 {
		kw.events = append(kw.events[:0], kw.events[cut:]...)
	}
}
