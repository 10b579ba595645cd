package storage

import (
	"context"
	"time"

	"github.com/Prophet73/aihub/pkg/logger"
)

// Sweeper periodically removes expired authorization codes and dead tokens
// from a Store. The in-memory backend sweeps itself; the sweeper exists for
// the PostgreSQL backend, which has no TTL mechanism of its own.
type Sweeper struct {
	store    Store
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper creates a sweeper over store. A non-positive interval selects
// DefaultCleanupInterval.
func NewSweeper(store Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop in a goroutine.
func (s *Sweeper) Start() {
	go s.loop()
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Sweeper) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now()
	codes, err := s.store.DeleteExpiredCodes(ctx, now)
	if err != nil {
		logger.Warnw("failed to sweep expired codes", "error", err)
	}
	tokens, err := s.store.DeleteDeadTokens(ctx, now)
	if err != nil {
		logger.Warnw("failed to sweep dead tokens", "error", err)
	}
	if codes > 0 || tokens > 0 {
		logger.Infow("swept expired entries", "codes", codes, "tokens", tokens)
	}
}
