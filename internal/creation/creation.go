// Package creation admits batches of build requests: validation,
// deduplication, identity allocation, numbering, and transactional
// persistence.
package creation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/narvanalabs/buildqueue/internal/auth"
	"github.com/narvanalabs/buildqueue/internal/buildid"
	"github.com/narvanalabs/buildqueue/internal/idemcache"
	"github.com/narvanalabs/buildqueue/internal/models"
	"github.com/narvanalabs/buildqueue/internal/notify"
	"github.com/narvanalabs/buildqueue/internal/sequence"
	"github.com/narvanalabs/buildqueue/internal/store"
	"github.com/narvanalabs/buildqueue/internal/tagindex"
)

// Admission errors, surfaced per request slot.
var (
	// ErrScopeNotFound is returned when the target scope has no
	// configuration.
	ErrScopeNotFound = errors.New("scope not found")

	// ErrBuilderNotFound is returned when the scope is configured but the
	// builder is not.
	ErrBuilderNotFound = errors.New("builder not found")

	// ErrIDCollision means a freshly allocated id already had a row. This
	// indicates an id-generation bug and is fatal, never retried.
	ErrIDCollision = errors.New("build id collision")
)

// DefaultLeaseOnCreate is the lease duration applied when a request asks for
// a lease at creation without giving one.
const DefaultLeaseOnCreate = 5 * time.Minute

const (
	persistAttempts = 3
	persistBackoff  = 50 * time.Millisecond
	maxParallel     = 16
)

// ConfigProvider fetches scope configuration, one batch per admission call.
type ConfigProvider interface {
	// ScopeConfigs returns configs for the given scopes. Absent map entries
	// mean the scope is unknown.
	ScopeConfigs(ctx context.Context, scopes []string) (map[string]*models.ScopeConfig, error)
}

// StaticConfigProvider serves a fixed config set, for tests and single-node
// deployments.
type StaticConfigProvider map[string]*models.ScopeConfig

// ScopeConfigs implements ConfigProvider.
func (p StaticConfigProvider) ScopeConfigs(ctx context.Context, scopes []string) (map[string]*models.ScopeConfig, error) {
	out := make(map[string]*models.ScopeConfig, len(scopes))
	for _, s := range scopes {
		if cfg, ok := p[s]; ok {
			out[s] = cfg
		}
	}
	return out, nil
}

// LoadScopeConfigs reads a StaticConfigProvider from a JSON file mapping
// scope names to their configuration. Each entry's Scope field is filled from
// its map key when absent.
func LoadScopeConfigs(path string) (StaticConfigProvider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scope config: %w", err)
	}

	var configs map[string]*models.ScopeConfig
	if err := json.Unmarshal(raw, &configs); err != nil {
		return nil, fmt.Errorf("parsing scope config %s: %w", path, err)
	}

	for scope, cfg := range configs {
		if cfg == nil || len(cfg.Builders) == 0 {
			return nil, fmt.Errorf("scope config %s: scope %q has no builders", path, scope)
		}
		if cfg.Scope == "" {
			cfg.Scope = scope
		}
	}
	return configs, nil
}

// Result is one slot of a CreateMany response: exactly one of Build or Err is
// set.
type Result struct {
	Build *models.Build
	Err   error
}

// Creator admits build requests.
type Creator struct {
	store    store.Store
	seq      *sequence.Generator
	index    *tagindex.Index
	cache    *idemcache.Cache
	configs  ConfigProvider
	access   auth.Access
	notifier notify.Dispatcher
	logger   *slog.Logger

	now  func() time.Time
	roll func() int
}

// Option configures a Creator.
type Option func(*Creator)

// WithNow fixes the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(c *Creator) { c.now = now }
}

// WithCanaryRoll fixes the canary roll source, for tests.
func WithCanaryRoll(roll func() int) Option {
	return func(c *Creator) { c.roll = roll }
}

// NewCreator wires an admission pipeline.
func NewCreator(st store.Store, seq *sequence.Generator, index *tagindex.Index,
	cache *idemcache.Cache, configs ConfigProvider, access auth.Access,
	notifier notify.Dispatcher, logger *slog.Logger, opts ...Option) *Creator {

	if logger == nil {
		logger = slog.Default()
	}
	c := &Creator{
		store:    st,
		seq:      seq,
		index:    index,
		cache:    cache,
		configs:  configs,
		access:   access,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		roll:     func() int { return rand.Intn(100) },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// pendingReq tracks one request still moving through the pipeline.
type pendingReq struct {
	slot    int
	req     *models.BuildRequest
	builder *models.BuilderConfig
	build   *models.Build
}

// CreateMany admits a batch of requests, preserving input order in the
// result. An error in one slot never aborts the others.
func (c *Creator) CreateMany(ctx context.Context, reqs []*models.BuildRequest) []Result {
	results := make([]Result, len(reqs))

	identity, err := c.access.Identity(ctx)
	if err != nil {
		for i := range results {
			results[i].Err = err
		}
		return results
	}

	// Validation and per-scope ACL.
	var pending []*pendingReq
	scopeAllowed := make(map[string]error)
	for i, req := range reqs {
		if err := req.Validate(); err != nil {
			results[i].Err = err
			continue
		}
		allowed, checked := scopeAllowed[req.Scope]
		if !checked {
			allowed = c.access.CanCreate(ctx, req.Scope)
			scopeAllowed[req.Scope] = allowed
		}
		if allowed != nil {
			results[i].Err = allowed
			continue
		}
		pending = append(pending, &pendingReq{slot: i, req: req})
	}
	if len(pending) == 0 {
		return results
	}

	// Scope resolution, one config fetch for the whole batch.
	pending = c.resolveScopes(ctx, pending, results)

	// Deduplication by client token.
	pending = c.dedupe(ctx, identity.Name, pending, results)
	if len(pending) == 0 {
		return results
	}

	// Identifier allocation, one batch call.
	now := c.now()
	ids, err := buildid.NewBatch(now, len(pending))
	if err != nil {
		for _, p := range pending {
			results[p.slot].Err = fmt.Errorf("allocating build ids: %w", err)
		}
		return results
	}

	// Materialization.
	pending = c.materialize(pending, results, ids, identity.Name, now)

	// Human build-number assignment, one sequence call per group.
	pending = c.assignNumbers(ctx, pending, results)
	if len(pending) == 0 {
		return results
	}

	// Transactional persistence, one transaction per build, issued
	// concurrently since the builds are independent.
	created := c.persist(ctx, pending, results)
	if len(created) == 0 {
		return results
	}

	// Tag index update. Deliberately not atomic with the build writes: a
	// failure here leaves the build searchable only through the fallback
	// path, which is the documented compensation.
	c.indexTags(ctx, created)

	for _, p := range created {
		results[p.slot].Build = p.build
		b := p.build
		go c.notifier.BuildCreated(context.WithoutCancel(ctx), b)
		if p.req.IdempotencyToken != "" {
			c.cache.Put(identity.Name, p.req.IdempotencyToken, b.ID)
		}
	}

	return results
}

func (c *Creator) resolveScopes(ctx context.Context, pending []*pendingReq, results []Result) []*pendingReq {
	scopes := make([]string, 0, len(pending))
	seen := make(map[string]struct{})
	for _, p := range pending {
		if _, ok := seen[p.req.Scope]; !ok {
			seen[p.req.Scope] = struct{}{}
			scopes = append(scopes, p.req.Scope)
		}
	}

	cfgs, err := c.configs.ScopeConfigs(ctx, scopes)
	if err != nil {
		for _, p := range pending {
			results[p.slot].Err = fmt.Errorf("fetching scope configs: %w", err)
		}
		return nil
	}

	out := pending[:0]
	for _, p := range pending {
		cfg, ok := cfgs[p.req.Scope]
		if !ok {
			results[p.slot].Err = fmt.Errorf("%w: %q", ErrScopeNotFound, p.req.Scope)
			continue
		}
		builder, ok := cfg.Builder(p.req.Builder)
		if !ok {
			results[p.slot].Err = fmt.Errorf("%w: %q in %q", ErrBuilderNotFound, p.req.Builder, p.req.Scope)
			continue
		}
		p.builder = builder
		out = append(out, p)
	}
	return out
}

// dedupe short-circuits requests whose idempotency token is still cached,
// returning the previously created build instead of creating a duplicate.
// Best effort: the cache TTL bounds the window.
func (c *Creator) dedupe(ctx context.Context, identity string, pending []*pendingReq, results []Result) []*pendingReq {
	out := pending[:0]
	for _, p := range pending {
		token := p.req.IdempotencyToken
		if token == "" {
			out = append(out, p)
			continue
		}
		id, ok := c.cache.Get(identity, token)
		if !ok {
			out = append(out, p)
			continue
		}
		b, err := c.store.Builds().Get(ctx, id)
		if err != nil {
			// The cached build vanished or the read failed; fall through to
			// a fresh creation rather than surfacing a stale hint.
			c.logger.Warn("idempotency cache hit unreadable, creating anew",
				"build_id", id, "error", err)
			out = append(out, p)
			continue
		}
		results[p.slot].Build = b
	}
	return out
}

func (c *Creator) materialize(pending []*pendingReq, results []Result, ids []uint64, identity string, now time.Time) []*pendingReq {
	out := pending[:0]
	for i, p := range pending {
		p.req.CanaryRoll = c.roll()
		b, err := p.builder.Merge(p.req)
		if err != nil {
			results[p.slot].Err = err
			continue
		}
		b.ID = ids[i]
		b.CreatedBy = identity
		b.CreatedAt = now

		if p.req.Lease {
			expiry := DefaultLeaseOnCreate
			if p.req.LeaseExpirySec > 0 {
				expiry = time.Duration(p.req.LeaseExpirySec) * time.Second
			}
			exp := now.Add(expiry)
			b.LeaseKey = uuid.NewString()
			b.LeaseExpiresAt = &exp
			b.LeasedBy = identity
			b.EverLeased = true
		}

		p.build = b
		out = append(out, p)
	}
	return out
}

// assignNumbers reserves one sequence range per numbering group and assigns
// consecutive numbers in request order within the group.
func (c *Creator) assignNumbers(ctx context.Context, pending []*pendingReq, results []Result) []*pendingReq {
	groups := make(map[string][]*pendingReq)
	var order []string
	for _, p := range pending {
		if !p.builder.BuildNumbers {
			continue
		}
		name := models.SequenceName(p.req.Scope, p.req.Builder)
		if _, ok := groups[name]; !ok {
			order = append(order, name)
		}
		groups[name] = append(groups[name], p)
	}

	failed := make(map[*pendingReq]struct{})
	for _, name := range order {
		group := groups[name]
		start, err := c.seq.Generate(ctx, name, len(group))
		if err != nil {
			// Numbers must never be skipped or invented; the whole group
			// fails.
			for _, p := range group {
				results[p.slot].Err = fmt.Errorf("assigning build numbers: %w", err)
				failed[p] = struct{}{}
			}
			continue
		}
		for i, p := range group {
			p.build.Number = start + int64(i)
			addr := models.BuildAddress(p.req.Scope, p.req.Builder, p.build.Number)
			tags, err := models.MergeTags(p.build.Tags, []string{"build_address:" + addr})
			if err != nil {
				results[p.slot].Err = err
				failed[p] = struct{}{}
				continue
			}
			p.build.Tags = tags
		}
	}

	out := pending[:0]
	for _, p := range pending {
		if _, ok := failed[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}

// persist writes each build and its dispatch record in one transaction per
// build. Transient failures are retried a bounded number of times; an id
// collision is fatal and surfaced as-is.
func (c *Creator) persist(ctx context.Context, pending []*pendingReq, results []Result) []*pendingReq {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)

	errs := make([]error, len(pending))
	for i, p := range pending {
		g.Go(func() error {
			errs[i] = c.persistOne(gctx, p.build)
			return nil
		})
	}
	_ = g.Wait() // per-build errors are collected in errs

	out := pending[:0]
	for i, p := range pending {
		if errs[i] != nil {
			results[p.slot].Err = errs[i]
			continue
		}
		out = append(out, p)
	}
	return out
}

func (c *Creator) persistOne(ctx context.Context, b *models.Build) error {
	var lastErr error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		err := c.store.WithTx(ctx, func(s store.Store) error {
			if err := s.Builds().Create(ctx, b); err != nil {
				if errors.Is(err, store.ErrDuplicateKey) {
					return fmt.Errorf("%w: %d", ErrIDCollision, b.ID)
				}
				return err
			}
			return s.Dispatch().Enqueue(ctx, b.ID)
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrUnavailable) {
			return err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(persistBackoff * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("persisting build after retries: %w", lastErr)
}

// indexTags appends entries for every indexed tag across the created builds,
// grouped by tag value so each tag costs one append. Failures are logged and
// swallowed.
func (c *Creator) indexTags(ctx context.Context, created []*pendingReq) {
	byTag := make(map[string][]models.TagIndexEntry)
	var order []string
	for _, p := range created {
		for _, tag := range tagindex.IndexedTags(p.build.Tags) {
			if _, ok := byTag[tag]; !ok {
				order = append(order, tag)
			}
			byTag[tag] = append(byTag[tag], models.TagIndexEntry{
				BuildID: p.build.ID,
				Scope:   p.build.Scope,
			})
		}
	}

	for _, tag := range order {
		if err := c.index.Add(ctx, tag, byTag[tag]); err != nil {
			c.logger.Error("tag index append failed, build remains searchable via scan",
				"tag", tag,
				"error", err,
			)
		}
	}
}
