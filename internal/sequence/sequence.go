// Package sequence issues monotonically increasing numbers per named counter.
//
// Counters live in the store, never in process memory: correctness must hold
// across process and machine boundaries.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/narvanalabs/buildqueue/internal/store"
)

// ErrExhausted is returned when the reservation could not commit within the
// retry budget. The caller must fail the whole batch of builds needing
// numbers; numbers are never skipped or reused silently.
var ErrExhausted = errors.New("sequence reservation failed after retries")

const (
	maxAttempts  = 5
	retryBackoff = 50 * time.Millisecond
)

// Generator reserves number ranges from the store with bounded retries.
type Generator struct {
	store  store.Store
	logger *slog.Logger
}

// NewGenerator creates a sequence generator.
func NewGenerator(st store.Store, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{store: st, logger: logger}
}

// Generate reserves count consecutive numbers for name and returns the first.
// No two callers ever observe overlapping ranges for the same name.
func (g *Generator) Generate(ctx context.Context, name string, count int) (int64, error) {
	if count <= 0 {
		return 0, fmt.Errorf("invalid count %d", count)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var start int64
		err := g.store.WithTx(ctx, func(s store.Store) error {
			var err error
			start, err = s.Sequences().Next(ctx, name, count)
			return err
		})
		if err == nil {
			return start, nil
		}
		if !errors.Is(err, store.ErrUnavailable) {
			return 0, err
		}
		lastErr = err

		g.logger.Warn("sequence reservation conflict, retrying",
			"sequence", name,
			"attempt", attempt,
		)
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(retryBackoff * time.Duration(attempt)):
		}
	}

	return 0, fmt.Errorf("%w: %w", ErrExhausted, lastErr)
}
