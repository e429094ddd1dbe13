// Package search answers paged queries over builds.
//
// Two strategies exist: a tag-index fast path for queries carrying an
// indexed tag, and an always-correct fallback scan over build rows. The
// index is purely a performance hint, so every candidate it yields is
// re-validated against the authoritative build row, and the engine falls
// back to the scan automatically whenever the index cannot prove itself
// complete.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/narvanalabs/buildqueue/internal/auth"
	"github.com/narvanalabs/buildqueue/internal/buildid"
	"github.com/narvanalabs/buildqueue/internal/models"
	"github.com/narvanalabs/buildqueue/internal/store"
	"github.com/narvanalabs/buildqueue/internal/tagindex"
)

// ErrBadCursor is returned for cursors the engine did not produce.
var ErrBadCursor = errors.New("malformed cursor")

const (
	// DefaultPageSize applies when the query does not set one.
	DefaultPageSize = 100
	// MaxPageSize caps any single page.
	MaxPageSize = 1000

	// scanChunk is how many rows one underlying store fetch returns on the
	// fallback path. Locally filtered-out rows don't count toward the page,
	// so the engine may need several chunks per page.
	scanChunk = 200
)

// Cursor prefixes distinguish which path produced a cursor; resuming a scan
// cursor must stay on the scan path.
const (
	cursorIndex = "id:"
	cursorScan  = "scan:"
)

// Query is the search predicate.
type Query struct {
	Scope     string             `json:"scope,omitempty"`
	Builder   string             `json:"builder,omitempty"`
	Status    models.BuildStatus `json:"status,omitempty"`
	CreatedBy string             `json:"created_by,omitempty"`
	Tags      []string           `json:"tags,omitempty"`

	CreatedAfter  *time.Time `json:"created_after,omitempty"`
	CreatedBefore *time.Time `json:"created_before,omitempty"`

	// RetryOf restricts results to retries of one build.
	RetryOf uint64 `json:"retry_of,omitempty"`

	PageSize int    `json:"page_size,omitempty"`
	Cursor   string `json:"cursor,omitempty"`
}

// Page is one page of results.
type Page struct {
	Builds     []*models.Build `json:"builds"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Engine runs searches.
type Engine struct {
	store  store.Store
	index  *tagindex.Index
	access auth.Access
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates a search engine.
func NewEngine(st store.Store, index *tagindex.Index, access auth.Access, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  st,
		index:  index,
		access: access,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Search answers one paged query.
func (e *Engine) Search(ctx context.Context, q *Query) (*Page, error) {
	q, err := e.prepare(ctx, q)
	if err != nil {
		return nil, err
	}

	if err := e.access.CanSearch(ctx, q.Scope); err != nil {
		return nil, err
	}

	// An empty or entirely-future time range can never match; answer
	// without touching the index or the store.
	if q.CreatedAfter != nil {
		if (q.CreatedBefore != nil && !q.CreatedAfter.Before(*q.CreatedBefore)) ||
			q.CreatedAfter.After(e.now()) {
			return &Page{}, nil
		}
	}

	tag, indexable := e.pickIndexedTag(q)
	if indexable {
		page, err := e.searchByTag(ctx, q, tag)
		if err == nil {
			return page, nil
		}
		if !errors.Is(err, tagindex.ErrIncomplete) {
			return nil, err
		}
		e.logger.Debug("tag index incomplete, falling back to scan", "tag", tag)
	}

	return e.searchByScan(ctx, q)
}

// prepare normalizes the query: tags, page size, and scope derivation for
// retry-of-only queries.
func (e *Engine) prepare(ctx context.Context, q *Query) (*Query, error) {
	cp := *q
	tags, err := models.NormalizeTags(q.Tags)
	if err != nil {
		return nil, err
	}
	cp.Tags = tags

	if cp.PageSize <= 0 {
		cp.PageSize = DefaultPageSize
	}
	if cp.PageSize > MaxPageSize {
		cp.PageSize = MaxPageSize
	}

	// A retry-of query without an explicit scope inherits the scope of the
	// referenced build.
	if cp.RetryOf != 0 && cp.Scope == "" {
		orig, err := e.store.Builds().Get(ctx, cp.RetryOf)
		if err != nil {
			return nil, fmt.Errorf("resolving retry_of build: %w", err)
		}
		cp.Scope = orig.Scope
	}

	return &cp, nil
}

// pickIndexedTag chooses the most selective indexed tag present, by the
// fixed priority order of indexed keys. No cardinality estimate is
// available cheaply, so the order is static.
func (e *Engine) pickIndexedTag(q *Query) (string, bool) {
	if q.Cursor != "" && !strings.HasPrefix(q.Cursor, cursorIndex) {
		return "", false
	}
	for _, key := range tagindex.IndexedKeys() {
		for _, t := range q.Tags {
			if strings.HasPrefix(t, key+":") {
				return t, true
			}
		}
	}
	return "", false
}

// searchByTag is the fast path: merge the tag's shards, pre-filter on the
// cheap fields stored in the entry, then batch-fetch authoritative rows and
// re-validate the whole predicate.
func (e *Engine) searchByTag(ctx context.Context, q *Query, tag string) (*Page, error) {
	afterID, err := parseCursor(q.Cursor, cursorIndex)
	if err != nil {
		return nil, err
	}
	minID, maxID, err := idBounds(q)
	if err != nil {
		return nil, err
	}

	entries, err := e.index.Lookup(ctx, tag)
	if err != nil {
		// Includes tagindex.ErrIncomplete, which the caller turns into the
		// fallback path.
		return nil, err
	}

	var candidates []uint64
	for _, entry := range entries {
		if entry.BuildID <= afterID {
			continue
		}
		if q.Scope != "" && entry.Scope != q.Scope {
			continue
		}
		if minID != 0 && entry.BuildID < minID {
			continue
		}
		if maxID != 0 && entry.BuildID > maxID {
			continue
		}
		candidates = append(candidates, entry.BuildID)
	}

	page := &Page{}
	var lastConsidered uint64
	for start := 0; start < len(candidates) && len(page.Builds) < q.PageSize; start += scanChunk {
		end := min(start+scanChunk, len(candidates))
		builds, err := e.store.Builds().GetBatch(ctx, candidates[start:end])
		if err != nil {
			return nil, err
		}
		for i, b := range builds {
			lastConsidered = candidates[start+i]
			if b == nil {
				// Stale index entry; the build never materialized or the
				// entry outlived it.
				continue
			}
			if !e.matches(b, q) {
				continue
			}
			if err := e.access.CanView(ctx, b); err != nil {
				continue
			}
			page.Builds = append(page.Builds, b)
			if len(page.Builds) >= q.PageSize {
				break
			}
		}
	}

	// The cursor is simply the last id considered: resuming re-merges the
	// shards and skips everything at or below it, which stays correct under
	// concurrent insertions at either end of the id space.
	if len(page.Builds) >= q.PageSize && lastConsidered != 0 &&
		lastConsidered != candidates[len(candidates)-1] {
		page.NextCursor = cursorIndex + strconv.FormatUint(lastConsidered, 10)
	}

	return page, nil
}

// searchByScan is the always-correct fallback: a direct range query over
// build rows with native filters, re-validating every remaining predicate
// field locally.
func (e *Engine) searchByScan(ctx context.Context, q *Query) (*Page, error) {
	afterID, err := parseScanCursor(q.Cursor)
	if err != nil {
		return nil, err
	}
	minID, maxID, err := idBounds(q)
	if err != nil {
		return nil, err
	}

	filter := store.BuildFilter{
		Scope:     q.Scope,
		Builder:   q.Builder,
		Status:    q.Status,
		CreatedBy: q.CreatedBy,
		MinID:     minID,
		MaxID:     maxID,
	}

	page := &Page{}
	for {
		rows, err := e.store.Builds().Scan(ctx, filter, afterID, scanChunk)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return page, nil
		}
		for _, b := range rows {
			afterID = b.ID
			if !e.matches(b, q) {
				continue
			}
			if err := e.access.CanView(ctx, b); err != nil {
				continue
			}
			page.Builds = append(page.Builds, b)
			if len(page.Builds) >= q.PageSize {
				page.NextCursor = cursorScan + strconv.FormatUint(afterID, 10)
				return page, nil
			}
		}
		if len(rows) < scanChunk {
			return page, nil
		}
	}
}

// matches re-validates the full predicate against an authoritative build
// row. Index entries and native store filters are both allowed to be stale,
// so nothing is returned without passing here.
func (e *Engine) matches(b *models.Build, q *Query) bool {
	if q.Scope != "" && b.Scope != q.Scope {
		return false
	}
	if q.Builder != "" && b.Builder != q.Builder {
		return false
	}
	if q.Status != "" && b.Status != q.Status {
		return false
	}
	if q.CreatedBy != "" && b.CreatedBy != q.CreatedBy {
		return false
	}
	if q.RetryOf != 0 && b.RetryOf != q.RetryOf {
		return false
	}
	if q.CreatedAfter != nil && b.CreatedAt.Before(*q.CreatedAfter) {
		return false
	}
	if q.CreatedBefore != nil && !b.CreatedAt.Before(*q.CreatedBefore) {
		return false
	}
	for _, t := range q.Tags {
		if !models.HasTag(b.Tags, t) {
			return false
		}
	}
	return true
}

// idBounds maps the created-time predicate onto the id space: ids carry an
// inverted timestamp, so newer bounds become lower ids.
func idBounds(q *Query) (minID, maxID uint64, err error) {
	if q.CreatedBefore != nil {
		minID, err = buildid.SegmentAt(*q.CreatedBefore)
		if err != nil {
			return 0, 0, err
		}
	}
	if q.CreatedAfter != nil {
		maxID, err = buildid.SegmentEnd(*q.CreatedAfter)
		if err != nil {
			return 0, 0, err
		}
	}
	return minID, maxID, nil
}

func parseCursor(cursor, prefix string) (uint64, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, ok := strings.CutPrefix(cursor, prefix)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrBadCursor, cursor)
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadCursor, cursor)
	}
	return id, nil
}

// parseScanCursor accepts both cursor kinds: a page started on the index
// path may continue on the scan path after a fallback.
func parseScanCursor(cursor string) (uint64, error) {
	if cursor == "" {
		return 0, nil
	}
	if strings.HasPrefix(cursor, cursorScan) {
		return parseCursor(cursor, cursorScan)
	}
	return parseCursor(cursor, cursorIndex)
}
