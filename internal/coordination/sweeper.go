package coordination

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper runs the periodic maintenance passes: removing expired locks,
// marking stale agents disconnected and closing sessions that went
// fully idle. Each instance runs its own sweeper; the underlying store
// operations are idempotent, so two instances sweeping concurrently is
// safe.
type Sweeper struct {
	locks    *LockManager
	registry *Registry
	logger   *slog.Logger

	interval       time.Duration
	staleThreshold time.Duration
	sessionMaxIdle time.Duration
}

// NewSweeper creates a sweeper over the lock manager and registry.
// sessionMaxIdle <= 0 disables the session-inactivity pass.
func NewSweeper(locks *LockManager, registry *Registry, interval, staleThreshold, sessionMaxIdle time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		locks:          locks,
		registry:       registry,
		logger:         logger,
		interval:       interval,
		staleThreshold: staleThreshold,
		sessionMaxIdle: sessionMaxIdle,
	}
}

// Run blocks, sweeping on a fixed interval until the context is
// canceled. Intended to be started as a goroutine from main.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	if n, err := s.locks.SweepExpired(ctx); err != nil {
		s.logger.Error("expired lock sweep failed", "error", err)
	} else if n > 0 {
		s.logger.Info("swept expired locks", "count", n)
	}

	if _, err := s.registry.MarkStale(ctx, s.staleThreshold); err != nil {
		s.logger.Error("stale agent sweep failed", "error", err)
	}

	if s.sessionMaxIdle > 0 {
		if _, err := s.registry.CloseInactive(ctx, s.sessionMaxIdle); err != nil {
			s.logger.Error("inactive session sweep failed", "error", err)
		}
	}
}
