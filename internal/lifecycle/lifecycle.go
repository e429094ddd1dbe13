// Package lifecycle implements the build state machine and the lease
// protocol that arbitrates which worker may act on a build.
//
// States: SCHEDULED -> STARTED -> one of {SUCCESS, FAILURE, INFRA_FAILURE,
// CANCELED}. Every transition happens inside a single-row transaction that
// re-reads the build, checks preconditions against the fresh view, and
// writes back. Concurrency correctness comes entirely from the store's
// transactional guarantees; there are no in-process locks.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/narvanalabs/buildqueue/internal/auth"
	"github.com/narvanalabs/buildqueue/internal/models"
	"github.com/narvanalabs/buildqueue/internal/notify"
	"github.com/narvanalabs/buildqueue/internal/store"
	"github.com/narvanalabs/buildqueue/internal/tagindex"
)

// State-conflict errors. These are always surfaced to the caller, never
// silently retried: a lease-key mismatch means the caller's view of
// ownership is stale and blind retries would fight the new owner.
var (
	// ErrLeaseExpired is returned when the presented lease key does not
	// match the build's current one (the build was reset or re-leased).
	ErrLeaseExpired = errors.New("lease expired or lost")

	// ErrBuildCompleted is returned for operations on a build that already
	// reached a terminal state with a different result.
	ErrBuildCompleted = errors.New("build is already completed")

	// ErrStateConflict is returned for transitions that contradict the
	// build's current state without being lease or completion problems.
	ErrStateConflict = errors.New("conflicting state transition")
)

const (
	txAttempts = 3
	txBackoff  = 50 * time.Millisecond
)

// Manager runs lifecycle transitions.
type Manager struct {
	store    store.Store
	index    *tagindex.Index
	access   auth.Access
	notifier notify.Dispatcher
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithNow fixes the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a lifecycle manager.
func NewManager(st store.Store, index *tagindex.Index, access auth.Access,
	notifier notify.Dispatcher, logger *slog.Logger, opts ...Option) *Manager {

	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:    st,
		index:    index,
		access:   access,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lease claims a build for exclusive work until expiration. It fails closed:
// losing a lease race returns ok=false and the unchanged build, not an
// error, since contention between workers is an expected outcome.
func (m *Manager) Lease(ctx context.Context, id uint64, expires time.Time) (bool, *models.Build, error) {
	identity, err := m.access.Identity(ctx)
	if err != nil {
		return false, nil, err
	}

	var (
		build *models.Build
		ok    bool
	)
	err = m.mutate(ctx, id, m.access.CanLease, func(b *models.Build) error {
		if b.Status != models.BuildStatusScheduled || b.Leased() {
			build = b
			return errUnchanged
		}
		b.LeaseKey = uuid.NewString()
		exp := expires.UTC()
		b.LeaseExpiresAt = &exp
		b.LeasedBy = identity.Name
		b.EverLeased = true
		build = b
		ok = true
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	return ok, build, nil
}

// holdsLease reports whether the presented key proves ownership of b's
// current lease. An unleased build has no owner, so every key fails the
// check, including the empty one.
func holdsLease(b *models.Build, leaseKey string) bool {
	return b.Leased() && b.LeaseKey == leaseKey
}

// Heartbeat extends a held lease.
func (m *Manager) Heartbeat(ctx context.Context, id uint64, leaseKey string, expires time.Time) (*models.Build, error) {
	var build *models.Build
	err := m.mutate(ctx, id, m.access.CanLease, func(b *models.Build) error {
		if b.Status.Terminal() {
			return ErrBuildCompleted
		}
		if !holdsLease(b, leaseKey) {
			return ErrLeaseExpired
		}
		exp := expires.UTC()
		b.LeaseExpiresAt = &exp
		build = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return build, nil
}

// Start transitions a leased build to STARTED. Idempotent: starting an
// already-started build with the same progress URL is a no-op success.
func (m *Manager) Start(ctx context.Context, id uint64, leaseKey, progressURL string) (*models.Build, error) {
	var (
		build   *models.Build
		started bool
	)
	err := m.mutate(ctx, id, m.access.CanLease, func(b *models.Build) error {
		switch {
		case b.Status.Terminal():
			return ErrBuildCompleted
		case b.Status == models.BuildStatusStarted:
			if b.ProgressURL != progressURL {
				return fmt.Errorf("%w: already started with a different progress url", ErrStateConflict)
			}
			build = b
			return errUnchanged
		}
		if !holdsLease(b, leaseKey) {
			return ErrLeaseExpired
		}
		now := m.now()
		b.Status = models.BuildStatusStarted
		b.StartedAt = &now
		b.ProgressURL = progressURL
		build = b
		started = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if started {
		go m.notifier.BuildStarted(context.WithoutCancel(ctx), build)
	}
	return build, nil
}

// Complete moves a build to a terminal status, clears the lease, and merges
// any extra tags. Idempotent: re-invoking with an identical terminal status
// and payload on an already-terminal build is a no-op success; a different
// result is a state conflict.
func (m *Manager) Complete(ctx context.Context, id uint64, leaseKey string,
	status models.BuildStatus, payload, summary string, extraTags []string) (*models.Build, error) {

	if !status.Terminal() || status == models.BuildStatusCanceled {
		return nil, fmt.Errorf("invalid completion status %q", status)
	}

	var (
		build     *models.Build
		completed bool
	)
	err := m.mutate(ctx, id, m.access.CanLease, func(b *models.Build) error {
		if b.Status.Terminal() {
			if b.Status == status && b.ResultPayload == payload {
				build = b
				return errUnchanged
			}
			return ErrBuildCompleted
		}
		if !holdsLease(b, leaseKey) {
			return ErrLeaseExpired
		}

		tags, err := models.MergeTags(b.Tags, extraTags)
		if err != nil {
			return err
		}

		now := m.now()
		b.Status = status
		b.ResultPayload = payload
		b.Summary = summary
		b.Tags = tags
		b.EndedAt = &now
		b.ClearLease()
		build = b
		completed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if completed {
		m.afterCompletion(ctx, build, extraTags)
	}
	return build, nil
}

// Reset is the administrative unlease: force the build back to SCHEDULED and
// clear the lease. The expired-lease sweep finds overdue leases via a range
// query and calls this.
func (m *Manager) Reset(ctx context.Context, id uint64) (*models.Build, error) {
	var build *models.Build
	err := m.mutate(ctx, id, m.access.CanLease, func(b *models.Build) error {
		if b.Status.Terminal() {
			return ErrBuildCompleted
		}
		b.Status = models.BuildStatusScheduled
		b.StartedAt = nil
		b.ProgressURL = ""
		b.ClearLease()
		build = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return build, nil
}

// Cancel moves any non-terminal build directly to CANCELED. Idempotent when
// already canceled.
func (m *Manager) Cancel(ctx context.Context, id uint64, reason string) (*models.Build, error) {
	var (
		build    *models.Build
		canceled bool
	)
	err := m.mutate(ctx, id, m.access.CanCancel, func(b *models.Build) error {
		if b.Status == models.BuildStatusCanceled {
			build = b
			return errUnchanged
		}
		if b.Status.Terminal() {
			return ErrBuildCompleted
		}
		now := m.now()
		b.Status = models.BuildStatusCanceled
		b.Summary = reason
		b.EndedAt = &now
		b.ClearLease()
		build = b
		canceled = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if canceled {
		m.afterCompletion(ctx, build, nil)
	}
	return build, nil
}

// Get returns one build, subject to the view check.
func (m *Manager) Get(ctx context.Context, id uint64) (*models.Build, error) {
	b, err := m.store.Builds().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.access.CanView(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// errUnchanged aborts the transaction without surfacing an error: the
// operation was an idempotent no-op.
var errUnchanged = errors.New("no change")

// mutate runs one re-read-check-write transaction on a build, retrying
// transient store failures with backoff.
func (m *Manager) mutate(ctx context.Context, id uint64,
	check func(context.Context, *models.Build) error,
	fn func(*models.Build) error) error {

	var lastErr error
	for attempt := 1; attempt <= txAttempts; attempt++ {
		err := m.store.WithTx(ctx, func(s store.Store) error {
			b, err := s.Builds().Get(ctx, id)
			if err != nil {
				return err
			}
			if err := check(ctx, b); err != nil {
				return err
			}
			if err := fn(b); err != nil {
				return err
			}
			return s.Builds().Update(ctx, b)
		})
		if err == nil || errors.Is(err, errUnchanged) {
			return nil
		}
		if !errors.Is(err, store.ErrUnavailable) {
			return err
		}
		lastErr = err

		m.logger.Warn("lifecycle transaction conflict, retrying",
			"build_id", id,
			"attempt", attempt,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(txBackoff * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("lifecycle transaction failed after retries: %w", lastErr)
}

// afterCompletion handles the non-transactional tail of a terminal
// transition: index any new indexed tags, release the dispatch record, and
// notify.
func (m *Manager) afterCompletion(ctx context.Context, b *models.Build, extraTags []string) {
	for _, tag := range tagindex.IndexedTags(extraTags) {
		err := m.index.Add(ctx, tag, []models.TagIndexEntry{{BuildID: b.ID, Scope: b.Scope}})
		if err != nil {
			m.logger.Error("tag index append failed after completion",
				"build_id", b.ID,
				"tag", tag,
				"error", err,
			)
		}
	}
	if err := m.store.Dispatch().Ack(ctx, b.ID); err != nil {
		m.logger.Warn("dispatch ack failed", "build_id", b.ID, "error", err)
	}
	go m.notifier.BuildCompleted(context.WithoutCancel(ctx), b)
}
