package creation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/narvanalabs/buildqueue/internal/auth"
	"github.com/narvanalabs/buildqueue/internal/idemcache"
	"github.com/narvanalabs/buildqueue/internal/models"
	"github.com/narvanalabs/buildqueue/internal/notify"
	"github.com/narvanalabs/buildqueue/internal/sequence"
	"github.com/narvanalabs/buildqueue/internal/store"
	"github.com/narvanalabs/buildqueue/internal/store/storetest"
	"github.com/narvanalabs/buildqueue/internal/tagindex"
)

var testTime = time.Date(2025, time.March, 14, 9, 26, 53, 0, time.UTC)

func testConfigs() StaticConfigProvider {
	return StaticConfigProvider{
		"proj/ci": {
			Scope: "proj/ci",
			Builders: map[string]*models.BuilderConfig{
				"linux-rel": {Name: "linux-rel", BuildNumbers: true},
				"mac-dbg":   {Name: "mac-dbg"},
				"canary": {
					Name:              "canary",
					ExperimentPercent: 50,
				},
			},
		},
	}
}

type fixture struct {
	fake    *storetest.Fake
	index   *tagindex.Index
	creator *Creator
}

func newFixture(opts ...Option) *fixture {
	fake := storetest.New()
	index := tagindex.New(fake, nil)
	opts = append([]Option{WithNow(func() time.Time { return testTime })}, opts...)
	creator := NewCreator(
		fake,
		sequence.NewGenerator(fake, nil),
		index,
		idemcache.New(time.Minute),
		testConfigs(),
		auth.AllowAll{Name: "scheduler"},
		notify.NewLogDispatcher(nil),
		nil,
		opts...,
	)
	return &fixture{fake: fake, index: index, creator: creator}
}

func TestCreateSingleBuild(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	results := fx.creator.CreateMany(ctx, []*models.BuildRequest{{
		Scope:   "proj/ci",
		Builder: "linux-rel",
		Tags:    []string{"buildset:patch/gerrit/123"},
	}})

	if len(results) != 1 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].Err != nil {
		t.Fatal(results[0].Err)
	}
	b := results[0].Build

	if b.Status != models.BuildStatusScheduled {
		t.Errorf("Status = %s, want SCHEDULED", b.Status)
	}
	if b.CreatedBy != "scheduler" {
		t.Errorf("CreatedBy = %q", b.CreatedBy)
	}
	if !b.CreatedAt.Equal(testTime) {
		t.Errorf("CreatedAt = %v", b.CreatedAt)
	}
	if b.Number != 1 {
		t.Errorf("Number = %d, want 1", b.Number)
	}
	if !models.HasTag(b.Tags, "buildset:patch/gerrit/123") {
		t.Errorf("buildset tag missing: %v", b.Tags)
	}
	if !models.HasTag(b.Tags, "build_address:proj/ci/linux-rel/1") {
		t.Errorf("build_address tag missing: %v", b.Tags)
	}

	// The build is durable and findable through the index.
	stored, err := fx.fake.Builds().Get(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ID != b.ID {
		t.Fatal("stored build differs")
	}
	entries, err := fx.index.Lookup(ctx, "buildset:patch/gerrit/123")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].BuildID != b.ID {
		t.Fatalf("index entries = %v", entries)
	}

	// Creation enqueued a dispatch record.
	claimed, err := fx.fake.Dispatch().Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if claimed != b.ID {
		t.Fatalf("claimed %d, want %d", claimed, b.ID)
	}
}

func TestBatchIsolatesSlotErrors(t *testing.T) {
	fx := newFixture()

	results := fx.creator.CreateMany(context.Background(), []*models.BuildRequest{
		{Scope: "proj/ci", Builder: "mac-dbg"},
		{Scope: "not-a-scope", Builder: "mac-dbg"},
		{Scope: "other/scope", Builder: "mac-dbg"},
		{Scope: "proj/ci", Builder: "no-such-builder"},
		{Scope: "proj/ci", Builder: "mac-dbg"},
	})

	if results[0].Err != nil || results[0].Build == nil {
		t.Errorf("slot 0: %v", results[0].Err)
	}
	if !errors.Is(results[1].Err, models.ErrInvalidScope) {
		t.Errorf("slot 1 error = %v, want ErrInvalidScope", results[1].Err)
	}
	if !errors.Is(results[2].Err, ErrScopeNotFound) {
		t.Errorf("slot 2 error = %v, want ErrScopeNotFound", results[2].Err)
	}
	if !errors.Is(results[3].Err, ErrBuilderNotFound) {
		t.Errorf("slot 3 error = %v, want ErrBuilderNotFound", results[3].Err)
	}
	if results[4].Err != nil || results[4].Build == nil {
		t.Errorf("slot 4: %v", results[4].Err)
	}

	if fx.fake.BuildCount() != 2 {
		t.Fatalf("stored %d builds, want 2", fx.fake.BuildCount())
	}
}

func TestNumbersAreConsecutiveWithinBatch(t *testing.T) {
	fx := newFixture()

	reqs := []*models.BuildRequest{
		{Scope: "proj/ci", Builder: "linux-rel"},
		{Scope: "proj/ci", Builder: "mac-dbg"},
		{Scope: "proj/ci", Builder: "linux-rel"},
		{Scope: "proj/ci", Builder: "linux-rel"},
	}
	results := fx.creator.CreateMany(context.Background(), reqs)

	wantNumbers := []int64{1, 0, 2, 3}
	for i, res := range results {
		if res.Err != nil {
			t.Fatalf("slot %d: %v", i, res.Err)
		}
		if res.Build.Number != wantNumbers[i] {
			t.Errorf("slot %d Number = %d, want %d", i, res.Build.Number, wantNumbers[i])
		}
	}
	if got := results[2].Build; !models.HasTag(got.Tags, "build_address:proj/ci/linux-rel/2") {
		t.Errorf("slot 2 tags = %v", got.Tags)
	}
	// The unnumbered builder carries no address tag.
	if addrs := models.TagsWithKey(results[1].Build.Tags, "build_address"); addrs != nil {
		t.Errorf("unnumbered build has address tags %v", addrs)
	}
}

func TestIdempotencyTokenReturnsExistingBuild(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	req := &models.BuildRequest{
		Scope:            "proj/ci",
		Builder:          "mac-dbg",
		IdempotencyToken: "retry-7f3a",
	}

	first := fx.creator.CreateMany(ctx, []*models.BuildRequest{req})
	if first[0].Err != nil {
		t.Fatal(first[0].Err)
	}

	second := fx.creator.CreateMany(ctx, []*models.BuildRequest{req})
	if second[0].Err != nil {
		t.Fatal(second[0].Err)
	}

	if first[0].Build.ID != second[0].Build.ID {
		t.Fatalf("retried create produced a new build: %d then %d",
			first[0].Build.ID, second[0].Build.ID)
	}
	if fx.fake.BuildCount() != 1 {
		t.Fatalf("stored %d builds, want 1", fx.fake.BuildCount())
	}
}

func TestSequenceFailureFailsWholeNumberedGroup(t *testing.T) {
	fx := newFixture()
	fx.fake.NextErr = errors.New("counter table missing")

	results := fx.creator.CreateMany(context.Background(), []*models.BuildRequest{
		{Scope: "proj/ci", Builder: "linux-rel"},
		{Scope: "proj/ci", Builder: "linux-rel"},
		{Scope: "proj/ci", Builder: "mac-dbg"},
	})

	// Numbers must never be invented, so both numbered slots fail together.
	for _, i := range []int{0, 1} {
		if results[i].Err == nil {
			t.Errorf("slot %d succeeded without a number", i)
		}
	}
	if results[2].Err != nil {
		t.Errorf("unnumbered slot failed: %v", results[2].Err)
	}
	if fx.fake.BuildCount() != 1 {
		t.Fatalf("stored %d builds, want 1", fx.fake.BuildCount())
	}
}

func TestIDCollisionIsFatal(t *testing.T) {
	fx := newFixture()
	fx.fake.CreateErr = store.ErrDuplicateKey

	results := fx.creator.CreateMany(context.Background(), []*models.BuildRequest{
		{Scope: "proj/ci", Builder: "mac-dbg"},
	})

	if !errors.Is(results[0].Err, ErrIDCollision) {
		t.Fatalf("error = %v, want ErrIDCollision", results[0].Err)
	}
}

func TestIndexFailureDoesNotFailCreation(t *testing.T) {
	fx := newFixture()
	fx.fake.PutShardErr = errors.New("tablet unavailable")

	results := fx.creator.CreateMany(context.Background(), []*models.BuildRequest{{
		Scope:   "proj/ci",
		Builder: "mac-dbg",
		Tags:    []string{"buildset:patch/42"},
	}})

	if results[0].Err != nil {
		t.Fatal(results[0].Err)
	}
	if fx.fake.BuildCount() != 1 {
		t.Fatal("build was not persisted")
	}

	// The index stayed empty; the build is reachable only via scan.
	entries, err := fx.index.Lookup(context.Background(), "buildset:patch/42")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("index entries = %v, want none", entries)
	}
}

func TestLeaseOnCreate(t *testing.T) {
	fx := newFixture()

	results := fx.creator.CreateMany(context.Background(), []*models.BuildRequest{{
		Scope:          "proj/ci",
		Builder:        "mac-dbg",
		Lease:          true,
		LeaseExpirySec: 120,
	}})

	if results[0].Err != nil {
		t.Fatal(results[0].Err)
	}
	b := results[0].Build
	if !b.Leased() {
		t.Fatal("build not leased at creation")
	}
	if b.LeasedBy != "scheduler" {
		t.Errorf("LeasedBy = %q", b.LeasedBy)
	}
	if want := testTime.Add(2 * time.Minute); !b.LeaseExpiresAt.Equal(want) {
		t.Errorf("LeaseExpiresAt = %v, want %v", b.LeaseExpiresAt, want)
	}
	if !b.EverLeased {
		t.Error("EverLeased not set")
	}
}

func TestCanaryRollControlsExperimental(t *testing.T) {
	tests := []struct {
		roll         int
		experimental bool
	}{
		{roll: 10, experimental: true},
		{roll: 49, experimental: true},
		{roll: 50, experimental: false},
		{roll: 90, experimental: false},
	}
	for _, tc := range tests {
		fx := newFixture(WithCanaryRoll(func() int { return tc.roll }))
		results := fx.creator.CreateMany(context.Background(), []*models.BuildRequest{{
			Scope:   "proj/ci",
			Builder: "canary",
		}})
		if results[0].Err != nil {
			t.Fatal(results[0].Err)
		}
		if got := results[0].Build.Experimental; got != tc.experimental {
			t.Errorf("roll %d: Experimental = %v, want %v", tc.roll, got, tc.experimental)
		}
	}
}

func TestUnauthenticatedBatchFailsEverySlot(t *testing.T) {
	fake := storetest.New()
	creator := NewCreator(
		fake,
		sequence.NewGenerator(fake, nil),
		tagindex.New(fake, nil),
		idemcache.New(time.Minute),
		testConfigs(),
		auth.NewRBACAccess(nil),
		notify.NewLogDispatcher(nil),
		nil,
	)

	results := creator.CreateMany(context.Background(), []*models.BuildRequest{
		{Scope: "proj/ci", Builder: "mac-dbg"},
		{Scope: "proj/ci", Builder: "linux-rel"},
	})

	for i, res := range results {
		if !errors.Is(res.Err, auth.ErrUnauthenticated) {
			t.Errorf("slot %d error = %v, want ErrUnauthenticated", i, res.Err)
		}
	}
	if fake.BuildCount() != 0 {
		t.Fatal("unauthenticated request created builds")
	}
}

func TestCreateDeniedByRole(t *testing.T) {
	fake := storetest.New()
	creator := NewCreator(
		fake,
		sequence.NewGenerator(fake, nil),
		tagindex.New(fake, nil),
		idemcache.New(time.Minute),
		testConfigs(),
		auth.NewRBACAccess(nil),
		notify.NewLogDispatcher(nil),
		nil,
	)

	ctx := auth.WithIdentity(context.Background(),
		auth.Identity{Name: "w", Role: auth.RoleWorker})
	results := creator.CreateMany(ctx, []*models.BuildRequest{
		{Scope: "proj/ci", Builder: "mac-dbg"},
	})

	if !errors.Is(results[0].Err, auth.ErrForbidden) {
		t.Fatalf("error = %v, want ErrForbidden", results[0].Err)
	}
}

func TestLoadScopeConfigs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scopes.json")
	data := `{
		"proj/ci": {
			"builders": {
				"linux-rel": {"name": "linux-rel", "build_numbers": true, "timeout_seconds": 600},
				"canary": {"name": "canary", "experiment_percent": 25}
			}
		}
	}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	configs, err := LoadScopeConfigs(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg, ok := configs["proj/ci"]
	if !ok {
		t.Fatal("proj/ci missing")
	}
	if cfg.Scope != "proj/ci" {
		t.Errorf("Scope = %q, want filled from map key", cfg.Scope)
	}
	b, ok := cfg.Builder("linux-rel")
	if !ok || !b.BuildNumbers || b.TimeoutSeconds != 600 {
		t.Fatalf("linux-rel = %+v", b)
	}

	// A loaded provider drives admission end to end.
	fake := storetest.New()
	creator := NewCreator(fake, sequence.NewGenerator(fake, nil),
		tagindex.New(fake, nil), idemcache.New(time.Minute), configs,
		auth.AllowAll{Name: "scheduler"}, notify.NewLogDispatcher(nil), nil)
	results := creator.CreateMany(context.Background(), []*models.BuildRequest{
		{Scope: "proj/ci", Builder: "linux-rel"},
	})
	if results[0].Err != nil {
		t.Fatalf("create via loaded config: %v", results[0].Err)
	}
	if results[0].Build.Number != 1 {
		t.Errorf("Number = %d, want 1", results[0].Build.Number)
	}
}

func TestLoadScopeConfigsRejectsBadInput(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(empty, []byte(`{"proj/ci": {"builders": {}}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadScopeConfigs(empty); err == nil {
		t.Error("scope without builders accepted")
	}

	garbage := filepath.Join(dir, "garbage.json")
	if err := os.WriteFile(garbage, []byte(`not json`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadScopeConfigs(garbage); err == nil {
		t.Error("malformed json accepted")
	}

	if _, err := LoadScopeConfigs(filepath.Join(dir, "absent.json")); err == nil {
		t.Error("missing file accepted")
	}
}
