package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter implements Limiter with in-process sliding windows. Each
// key keeps the timestamps of its requests inside the window; stale keys are
// dropped by a background sweep.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time

	// now is swapped in tests to drive time.
	now func() time.Time

	stop chan struct{}
	done chan struct{}
}

// memorySweepInterval is how often idle keys are dropped. Keys idle for
// twice the largest class window are forgotten.
const memorySweepInterval = 5 * time.Minute

// NewMemoryLimiter creates a memory limiter and starts its sweep goroutine.
func NewMemoryLimiter() *MemoryLimiter {
	l := &MemoryLimiter{
		windows: make(map[string][]time.Time),
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Close stops the sweep goroutine.
func (l *MemoryLimiter) Close() error {
	close(l.stop)
	<-l.done
	return nil
}

// Allow records one request and reports whether it fits the budget.
func (l *MemoryLimiter) Allow(_ context.Context, class Class, key string) (bool, time.Duration, error) {
	now := l.now()
	mapKey := class.Name + ":" + key

	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.windows[mapKey]

	// Drop hits that slid out of the window.
	cutoff := now.Add(-class.Window)
	for len(hits) > 0 && hits[0].Before(cutoff) {
		hits = hits[1:]
	}

	if len(hits) >= class.Limit {
		l.windows[mapKey] = hits
		retryAfter := hits[0].Add(class.Window).Sub(now)
		return false, retryAfter, nil
	}

	l.windows[mapKey] = append(hits, now)
	return true, 0, nil
}

func (l *MemoryLimiter) sweepLoop() {
	defer close(l.done)

	ticker := time.NewTicker(memorySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *MemoryLimiter) sweep() {
	maxWindow := ClassDefault.Window
	for _, c := range []Class{ClassAuth, ClassToken, ClassAdmin} {
		if c.Window > maxWindow {
			maxWindow = c.Window
		}
	}
	cutoff := l.now().Add(-2 * maxWindow)

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, hits := range l.windows {
		if len(hits) == 0 || hits[len(hits)-1].Before(cutoff) {
			delete(l.windows, key)
		}
	}
}
