// Package storetest provides an in-memory store.Store for unit tests.
//
// The fake serializes every operation behind one mutex, which gives tests the
// same single-writer transaction semantics the Postgres store provides per
// row. WithTx snapshots the data first and restores it when fn fails, so
// rollback behavior is observable too.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/narvanalabs/buildqueue/internal/models"
	"github.com/narvanalabs/buildqueue/internal/store"
)

type shardKey struct {
	tag   string
	shard int
}

type data struct {
	builds   map[uint64]*models.Build
	shards   map[shardKey]*models.TagIndexShard
	seqs     map[string]int64
	dispatch map[uint64]string // build id -> "pending" | "claimed"
	order    []uint64          // dispatch enqueue order
}

func (d *data) clone() *data {
	c := &data{
		builds:   make(map[uint64]*models.Build, len(d.builds)),
		shards:   make(map[shardKey]*models.TagIndexShard, len(d.shards)),
		seqs:     make(map[string]int64, len(d.seqs)),
		dispatch: make(map[uint64]string, len(d.dispatch)),
		order:    append([]uint64(nil), d.order...),
	}
	for id, b := range d.builds {
		c.builds[id] = b.Clone()
	}
	for k, sh := range d.shards {
		cp := *sh
		cp.Entries = append([]models.TagIndexEntry(nil), sh.Entries...)
		c.shards[k] = &cp
	}
	for k, v := range d.seqs {
		c.seqs[k] = v
	}
	for k, v := range d.dispatch {
		c.dispatch[k] = v
	}
	return c
}

// Fake is an in-memory store.Store.
type Fake struct {
	mu sync.Mutex
	d  *data

	// Failure injection for infrastructure-error paths. A non-nil error
	// makes the corresponding operation fail once per call.
	PutShardErr error
	NextErr     error
	CreateErr   error
}

// New returns an empty fake store.
func New() *Fake {
	return &Fake{d: &data{
		builds:   make(map[uint64]*models.Build),
		shards:   make(map[shardKey]*models.TagIndexShard),
		seqs:     make(map[string]int64),
		dispatch: make(map[uint64]string),
	}}
}

// Builds implements store.Store.
func (f *Fake) Builds() store.BuildStore { return &buildStore{f: f, lock: true} }

// TagIndex implements store.Store.
func (f *Fake) TagIndex() store.TagIndexStore { return &tagIndexStore{f: f, lock: true} }

// Sequences implements store.Store.
func (f *Fake) Sequences() store.SequenceStore { return &seqStore{f: f, lock: true} }

// Dispatch implements store.Store.
func (f *Fake) Dispatch() store.DispatchStore { return &dispatchStore{f: f, lock: true} }

// WithTx implements store.Store. It holds the store lock for the duration of
// fn and restores the pre-transaction snapshot if fn fails.
func (f *Fake) WithTx(ctx context.Context, fn func(store.Store) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	snapshot := f.d.clone()
	tx := &txFake{f: f}
	if err := fn(tx); err != nil {
		f.d = snapshot
		return err
	}
	return nil
}

// Close implements store.Store.
func (f *Fake) Close() error { return nil }

// SeedBuild inserts a build directly, bypassing invariant checks on the way
// in so tests can construct historical states.
func (f *Fake) SeedBuild(b *models.Build) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.d.builds[b.ID] = b.Clone()
}

// BuildCount returns the number of stored builds.
func (f *Fake) BuildCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.d.builds)
}

// txFake is the transaction-scoped view: same data, no locking (the
// transaction holds the lock).
type txFake struct {
	f *Fake
}

func (t *txFake) Builds() store.BuildStore       { return &buildStore{f: t.f} }
func (t *txFake) TagIndex() store.TagIndexStore  { return &tagIndexStore{f: t.f} }
func (t *txFake) Sequences() store.SequenceStore { return &seqStore{f: t.f} }
func (t *txFake) Dispatch() store.DispatchStore  { return &dispatchStore{f: t.f} }
func (t *txFake) Close() error                   { return nil }

func (t *txFake) WithTx(ctx context.Context, fn func(store.Store) error) error {
	return fn(t)
}

type buildStore struct {
	f    *Fake
	lock bool
}

func (s *buildStore) acquire() func() {
	if !s.lock {
		return func() {}
	}
	s.f.mu.Lock()
	return s.f.mu.Unlock
}

func (s *buildStore) Create(ctx context.Context, b *models.Build) error {
	defer s.acquire()()
	if s.f.CreateErr != nil {
		return s.f.CreateErr
	}
	if err := b.CheckInvariants(); err != nil {
		return fmt.Errorf("invariant violation: %w", err)
	}
	if _, ok := s.f.d.builds[b.ID]; ok {
		return store.ErrDuplicateKey
	}
	s.f.d.builds[b.ID] = b.Clone()
	return nil
}

func (s *buildStore) Get(ctx context.Context, id uint64) (*models.Build, error) {
	defer s.acquire()()
	b, ok := s.f.d.builds[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return b.Clone(), nil
}

func (s *buildStore) GetBatch(ctx context.Context, ids []uint64) ([]*models.Build, error) {
	defer s.acquire()()
	out := make([]*models.Build, len(ids))
	for i, id := range ids {
		if b, ok := s.f.d.builds[id]; ok {
			out[i] = b.Clone()
		}
	}
	return out, nil
}

func (s *buildStore) Update(ctx context.Context, b *models.Build) error {
	defer s.acquire()()
	if err := b.CheckInvariants(); err != nil {
		return fmt.Errorf("invariant violation: %w", err)
	}
	if _, ok := s.f.d.builds[b.ID]; !ok {
		return store.ErrNotFound
	}
	s.f.d.builds[b.ID] = b.Clone()
	return nil
}

func (s *buildStore) Scan(ctx context.Context, f store.BuildFilter, afterID uint64, limit int) ([]*models.Build, error) {
	defer s.acquire()()
	ids := make([]uint64, 0, len(s.f.d.builds))
	for id := range s.f.d.builds {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []*models.Build
	for _, id := range ids {
		if id <= afterID {
			continue
		}
		b := s.f.d.builds[id]
		if f.Scope != "" && b.Scope != f.Scope {
			continue
		}
		if f.Builder != "" && b.Builder != f.Builder {
			continue
		}
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		if f.CreatedBy != "" && b.CreatedBy != f.CreatedBy {
			continue
		}
		if f.MinID != 0 && id < f.MinID {
			continue
		}
		if f.MaxID != 0 && id > f.MaxID {
			continue
		}
		out = append(out, b.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *buildStore) ScanExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*models.Build, error) {
	defer s.acquire()()
	var out []*models.Build
	for _, b := range s.f.d.builds {
		if b.Leased() && b.LeaseExpiresAt != nil && !b.LeaseExpiresAt.After(now) {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LeaseExpiresAt.Before(*out[j].LeaseExpiresAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type tagIndexStore struct {
	f    *Fake
	lock bool
}

func (s *tagIndexStore) acquire() func() {
	if !s.lock {
		return func() {}
	}
	s.f.mu.Lock()
	return s.f.mu.Unlock
}

func (s *tagIndexStore) GetShard(ctx context.Context, tag string, shard int) (*models.TagIndexShard, error) {
	defer s.acquire()()
	sh, ok := s.f.d.shards[shardKey{tag, shard}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sh
	cp.Entries = append([]models.TagIndexEntry(nil), sh.Entries...)
	return &cp, nil
}

func (s *tagIndexStore) PutShard(ctx context.Context, sh *models.TagIndexShard) error {
	defer s.acquire()()
	if s.f.PutShardErr != nil {
		return s.f.PutShardErr
	}
	cp := *sh
	cp.Entries = append([]models.TagIndexEntry(nil), sh.Entries...)
	s.f.d.shards[shardKey{sh.Tag, sh.Shard}] = &cp
	return nil
}

func (s *tagIndexStore) GetAll(ctx context.Context, tag string) ([]*models.TagIndexShard, error) {
	defer s.acquire()()
	var out []*models.TagIndexShard
	for k, sh := range s.f.d.shards {
		if k.tag != tag {
			continue
		}
		cp := *sh
		cp.Entries = append([]models.TagIndexEntry(nil), sh.Entries...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Shard < out[j].Shard })
	return out, nil
}

type seqStore struct {
	f    *Fake
	lock bool
}

func (s *seqStore) Next(ctx context.Context, name string, count int) (int64, error) {
	if s.lock {
		s.f.mu.Lock()
		defer s.f.mu.Unlock()
	}
	if s.f.NextErr != nil {
		return 0, s.f.NextErr
	}
	if count <= 0 {
		return 0, fmt.Errorf("invalid count %d", count)
	}
	next, ok := s.f.d.seqs[name]
	if !ok {
		next = 1
	}
	s.f.d.seqs[name] = next + int64(count)
	return next, nil
}

type dispatchStore struct {
	f    *Fake
	lock bool
}

func (s *dispatchStore) acquire() func() {
	if !s.lock {
		return func() {}
	}
	s.f.mu.Lock()
	return s.f.mu.Unlock
}

func (s *dispatchStore) Enqueue(ctx context.Context, buildID uint64) error {
	defer s.acquire()()
	if _, ok := s.f.d.dispatch[buildID]; ok {
		return store.ErrDuplicateKey
	}
	s.f.d.dispatch[buildID] = "pending"
	s.f.d.order = append(s.f.d.order, buildID)
	return nil
}

func (s *dispatchStore) Claim(ctx context.Context) (uint64, error) {
	defer s.acquire()()
	for _, id := range s.f.d.order {
		if s.f.d.dispatch[id] == "pending" {
			s.f.d.dispatch[id] = "claimed"
			return id, nil
		}
	}
	return 0, store.ErrNotFound
}

func (s *dispatchStore) Ack(ctx context.Context, buildID uint64) error {
	defer s.acquire()()
	delete(s.f.d.dispatch, buildID)
	return nil
}
