// Package notify dispatches build lifecycle events.
//
// The core only guarantees the dispatcher is called; delivery is the
// dispatcher's problem. Calls are fire-and-forget and must never block or
// fail a lifecycle operation.
package notify

import (
	"context"
	"log/slog"

	"github.com/narvanalabs/buildqueue/internal/models"
)

// Dispatcher receives build lifecycle events.
type Dispatcher interface {
	BuildCreated(ctx context.Context, b *models.Build)
	BuildStarted(ctx context.Context, b *models.Build)
	BuildCompleted(ctx context.Context, b *models.Build)
}

// LogDispatcher logs events; the default when no broker is wired.
type LogDispatcher struct {
	logger *slog.Logger
}

// NewLogDispatcher creates a dispatcher that logs each event.
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDispatcher{logger: logger}
}

// BuildCreated implements Dispatcher.
func (d *LogDispatcher) BuildCreated(ctx context.Context, b *models.Build) {
	d.logger.Info("build created",
		"build_id", b.ID,
		"scope", b.Scope,
		"builder", b.Builder,
	)
}

// BuildStarted implements Dispatcher.
func (d *LogDispatcher) BuildStarted(ctx context.Context, b *models.Build) {
	d.logger.Info("build started",
		"build_id", b.ID,
		"progress_url", b.ProgressURL,
	)
}

// BuildCompleted implements Dispatcher.
func (d *LogDispatcher) BuildCompleted(ctx context.Context, b *models.Build) {
	d.logger.Info("build completed",
		"build_id", b.ID,
		"status", b.Status,
	)
}
