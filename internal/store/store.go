// Package store defines the persistence interfaces for the build queue.
//
// Implementations must provide single-transaction semantics through WithTx:
// every build mutation re-reads the row inside the transaction before writing
// it back, and cross-row atomicity (build + dispatch record) is achieved by
// putting both writes in the same transaction, never by two-phase application
// logic.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/narvanalabs/buildqueue/internal/models"
)

// Common store errors.
var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when a create collides with an existing
	// primary key.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrUnavailable is returned for transient infrastructure failures.
	// Callers with retry budgets may retry; the error carries no state.
	ErrUnavailable = errors.New("store unavailable")
)

// BuildFilter holds the predicate fields the store can apply natively in a
// Scan. The store may return rows that satisfy these filters only
// approximately (index staleness); callers re-validate locally.
type BuildFilter struct {
	Scope     string
	Builder   string
	Status    models.BuildStatus
	CreatedBy string

	// MinID/MaxID bound the scanned id range, both inclusive. Zero MaxID
	// means unbounded.
	MinID uint64
	MaxID uint64
}

// BuildStore persists Build rows keyed by build id.
type BuildStore interface {
	// Create inserts a new row. Returns ErrDuplicateKey if the id is taken.
	Create(ctx context.Context, b *models.Build) error

	// Get returns one build. Returns ErrNotFound if absent.
	Get(ctx context.Context, id uint64) (*models.Build, error)

	// GetBatch returns the builds for the given ids. Absent ids produce nil
	// slots; the result preserves input order.
	GetBatch(ctx context.Context, ids []uint64) ([]*models.Build, error)

	// Update writes a full row back. Returns ErrNotFound if absent. Must be
	// called inside WithTx after a fresh Get.
	Update(ctx context.Context, b *models.Build) error

	// Scan returns up to limit builds with id > afterID matching the filter,
	// ascending by id.
	Scan(ctx context.Context, f BuildFilter, afterID uint64, limit int) ([]*models.Build, error)

	// ScanExpiredLeases returns builds whose lease expired at or before now,
	// for the reconciliation sweep.
	ScanExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*models.Build, error)
}

// TagIndexStore persists tag index shards keyed by (tag, shard).
type TagIndexStore interface {
	// GetShard returns one shard. Returns ErrNotFound if it was never
	// written.
	GetShard(ctx context.Context, tag string, shard int) (*models.TagIndexShard, error)

	// PutShard upserts a shard row.
	PutShard(ctx context.Context, s *models.TagIndexShard) error

	// GetAll returns every existing shard for a tag, any order.
	GetAll(ctx context.Context, tag string) ([]*models.TagIndexShard, error)
}

// SequenceStore reserves ranges of monotonically increasing integers.
type SequenceStore interface {
	// Next atomically reserves count consecutive numbers for name and
	// returns the first. Ranges returned to concurrent callers never
	// overlap.
	Next(ctx context.Context, name string, count int) (int64, error)
}

// DispatchStore records builds awaiting pickup by the executor plane. The
// enqueue happens in the same transaction as build creation; claiming and
// acking are the executor's side of the contract.
type DispatchStore interface {
	Enqueue(ctx context.Context, buildID uint64) error

	// Claim atomically takes the oldest pending record. Returns ErrNotFound
	// when the queue is empty.
	Claim(ctx context.Context) (uint64, error)

	// Ack removes a record once the build reached a terminal state. Acking
	// an absent record is a no-op.
	Ack(ctx context.Context, buildID uint64) error
}

// Store is the root persistence interface.
type Store interface {
	Builds() BuildStore
	TagIndex() TagIndexStore
	Sequences() SequenceStore
	Dispatch() DispatchStore

	// WithTx runs fn inside one transaction. The store passed to fn operates
	// on that transaction; WithTx commits if fn returns nil and rolls back
	// otherwise. Nested calls reuse the outer transaction.
	WithTx(ctx context.Context, fn func(Store) error) error

	Close() error
}
