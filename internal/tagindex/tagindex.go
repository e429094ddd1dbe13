// Package tagindex maintains the sharded reverse index from search tags to
// build ids.
//
// The index is a hint, not a source of truth: entries may lag behind build
// creation or outlive tag removal, so every reader must verify candidates
// against the authoritative build row. A shard that overflows its size bound
// becomes permanently incomplete and can never again prove completeness;
// Lookup reports that state explicitly so callers fall back to a scan instead
// of mistaking staleness for absence.
package tagindex

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"

	"github.com/narvanalabs/buildqueue/internal/models"
	"github.com/narvanalabs/buildqueue/internal/store"
)

// ErrIncomplete is returned by Lookup when any shard of the tag is
// permanently incomplete. The results cannot be trusted for completeness and
// the caller must use the fallback search path.
var ErrIncomplete = errors.New("tag index permanently incomplete")

const (
	// DefaultShardCount is the number of shards per tag value. Existing
	// shard numbers must remain valid forever, so this can grow but never
	// shrink.
	DefaultShardCount = 16

	// DefaultMaxEntries bounds a shard's entry list. Appending past the
	// bound marks the shard permanently incomplete instead.
	DefaultMaxEntries = 1000
)

// indexedKeys are the only tag keys maintained in the index, in priority
// order for search path selection. Indexing every key would blow up shard
// sizes for low-selectivity tags, so only high-selectivity keys qualify.
var indexedKeys = []string{"buildset", "build_address"}

// Indexed reports whether a tag key is maintained in the index.
func Indexed(key string) bool {
	for _, k := range indexedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// IndexedKeys returns the indexed tag keys in search priority order.
func IndexedKeys() []string {
	return append([]string(nil), indexedKeys...)
}

// IndexedTags filters a normalized tag set down to the indexed ones.
func IndexedTags(tags []string) []string {
	var out []string
	for _, t := range tags {
		key, _, err := models.ParseTag(t)
		if err != nil {
			continue
		}
		if Indexed(key) {
			out = append(out, t)
		}
	}
	return out
}

// Index provides append and lookup over the sharded tag index.
type Index struct {
	store      store.Store
	logger     *slog.Logger
	shardCount int
	maxEntries int
	pickShard  func(n int) int
}

// Option configures an Index.
type Option func(*Index)

// WithShardCount overrides the shard count for newly written tags.
func WithShardCount(n int) Option {
	return func(ix *Index) { ix.shardCount = n }
}

// WithMaxEntries overrides the per-shard entry bound.
func WithMaxEntries(n int) Option {
	return func(ix *Index) { ix.maxEntries = n }
}

// withShardPicker fixes shard selection, for tests.
func withShardPicker(pick func(n int) int) Option {
	return func(ix *Index) { ix.pickShard = pick }
}

// New creates an Index over the given store.
func New(st store.Store, logger *slog.Logger, opts ...Option) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	ix := &Index{
		store:      st,
		logger:     logger,
		shardCount: DefaultShardCount,
		maxEntries: DefaultMaxEntries,
		pickShard:  rand.Intn,
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Add appends entries for one tag value to a randomly chosen shard. Random
// routing spreads concurrent appenders across shards at the cost of
// temporarily uneven shard sizes. If the append would exceed the size bound,
// the shard is marked permanently incomplete and its entries abandoned.
func (ix *Index) Add(ctx context.Context, tag string, entries []models.TagIndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	shard := ix.pickShard(ix.shardCount)

	return ix.store.WithTx(ctx, func(s store.Store) error {
		sh, err := s.TagIndex().GetShard(ctx, tag, shard)
		if errors.Is(err, store.ErrNotFound) {
			sh = &models.TagIndexShard{Tag: tag, Shard: shard}
		} else if err != nil {
			return err
		}

		if sh.PermanentlyIncomplete {
			// Entry list already abandoned; nothing to record.
			return nil
		}

		if len(sh.Entries)+len(entries) > ix.maxEntries {
			ix.logger.Warn("tag index shard overflow, marking permanently incomplete",
				"tag", tag,
				"shard", shard,
				"entries", len(sh.Entries),
			)
			sh.PermanentlyIncomplete = true
			sh.Entries = nil
			return s.TagIndex().PutShard(ctx, sh)
		}

		sh.Entries = append(sh.Entries, entries...)
		return s.TagIndex().PutShard(ctx, sh)
	})
}

// Lookup merges all shards for a tag into one ascending-by-build-id entry
// stream with consecutive duplicates removed. If any shard is permanently
// incomplete the merged entries are returned alongside ErrIncomplete.
func (ix *Index) Lookup(ctx context.Context, tag string) ([]models.TagIndexEntry, error) {
	shards, err := ix.store.TagIndex().GetAll(ctx, tag)
	if err != nil {
		return nil, fmt.Errorf("fetching shards for %q: %w", tag, err)
	}

	incomplete := false
	h := &entryHeap{}
	for _, sh := range shards {
		if sh.PermanentlyIncomplete {
			incomplete = true
			continue
		}
		if len(sh.Entries) > 0 {
			entries := append([]models.TagIndexEntry(nil), sh.Entries...)
			sort.Slice(entries, func(i, j int) bool { return entries[i].BuildID < entries[j].BuildID })
			h.streams = append(h.streams, entries)
		}
	}
	heap.Init(h)

	var (
		merged []models.TagIndexEntry
		last   uint64
		have   bool
	)
	for h.Len() > 0 {
		e := h.pop()
		if have && e.BuildID == last {
			continue
		}
		merged = append(merged, e)
		last = e.BuildID
		have = true
	}

	if incomplete {
		return merged, ErrIncomplete
	}
	return merged, nil
}

// entryHeap is a min-heap over the head entries of per-shard streams. Shard
// entry lists are append-ordered, not sorted, so each stream is sorted once
// up front; shard counts stay small, so a heap merge is plenty.
type entryHeap struct {
	streams [][]models.TagIndexEntry
}

func (h *entryHeap) Len() int { return len(h.streams) }

func (h *entryHeap) Less(i, j int) bool {
	return h.streams[i][0].BuildID < h.streams[j][0].BuildID
}

func (h *entryHeap) Swap(i, j int) {
	h.streams[i], h.streams[j] = h.streams[j], h.streams[i]
}

func (h *entryHeap) Push(x any) {
	h.streams = append(h.streams, x.([]models.TagIndexEntry))
}

func (h *entryHeap) Pop() any {
	n := len(h.streams)
	s := h.streams[n-1]
	h.streams = h.streams[:n-1]
	return s
}

// pop removes and returns the smallest head entry, advancing its stream.
func (h *entryHeap) pop() models.TagIndexEntry {
	e := h.streams[0][0]
	if len(h.streams[0]) == 1 {
		heap.Pop(h)
	} else {
		h.streams[0] = h.streams[0][1:]
		heap.Fix(h, 0)
	}
	return e
}
