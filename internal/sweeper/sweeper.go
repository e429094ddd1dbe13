// Package sweeper reclaims expired leases.
//
// The build core never resets leases on its own; this periodic reconciliation
// loop finds leases past their expiration via a range query and calls the
// lifecycle Reset operation on each.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/narvanalabs/buildqueue/internal/lifecycle"
	"github.com/narvanalabs/buildqueue/internal/store"
)

// Sweeper periodically resets builds whose lease expired.
type Sweeper struct {
	store     store.Store
	manager   *lifecycle.Manager
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// New creates a sweeper.
func New(st store.Store, manager *lifecycle.Manager, interval time.Duration,
	batchSize int, logger *slog.Logger) *Sweeper {

	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{
		store:     st,
		manager:   manager,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run loops until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("lease sweeper running", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("reclaimed expired leases", "count", n)
			}
		}
	}
}

// SweepOnce reclaims one batch of expired leases and returns how many builds
// were reset. Individual reset failures are logged and skipped; a concurrent
// completion or heartbeat racing the sweep is expected and harmless because
// Reset re-checks state inside its own transaction.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	expired, err := s.store.Builds().ScanExpiredLeases(ctx, s.now(), s.batchSize)
	if err != nil {
		return 0, err
	}

	reset := 0
	for _, b := range expired {
		if _, err := s.manager.Reset(ctx, b.ID); err != nil {
			s.logger.Warn("resetting expired lease failed",
				"build_id", b.ID,
				"error", err,
			)
			continue
		}
		reset++
	}
	return reset, nil
}
