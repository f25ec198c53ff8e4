package pipeline

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/hashicorp-forge/augment/pkg/assetcache"
	"github.com/hashicorp-forge/augment/pkg/assetid"
	"github.com/hashicorp-forge/augment/pkg/bundle"
	"github.com/hashicorp-forge/augment/pkg/database"
	"github.com/hashicorp-forge/augment/pkg/fetcher"
	"github.com/hashicorp-forge/augment/pkg/models"
	"github.com/hashicorp-forge/augment/pkg/recognition"
	"github.com/hashicorp-forge/augment/pkg/registry"
	"github.com/hashicorp-forge/augment/pkg/scan"
	"github.com/hashicorp-forge/augment/pkg/scene"
	"github.com/hashicorp-forge/augment/pkg/transform"
)

// fakeFetcher serves packages from memory.
type fakeFetcher struct {
	mu       sync.Mutex
	packages map[assetid.ID][]byte
	errs     map[assetid.ID]error
	gates    map[assetid.ID]chan struct{}
	calls    map[assetid.ID]int
	started  chan assetid.ID
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		packages: make(map[assetid.ID][]byte),
		errs:     make(map[assetid.ID]error),
		gates:    make(map[assetid.ID]chan struct{}),
		calls:    make(map[assetid.ID]int),
		started:  make(chan assetid.ID, 16),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, id assetid.ID, hash assetid.Hash) ([]byte, error) {
	if !hash.Matches(id) {
		return nil, errors.New("hash does not match identifier")
	}

	f.mu.Lock()
	f.calls[id]++
	gate := f.gates[id]
	data, ok := f.packages[id]
	err := f.errs[id]
	f.mu.Unlock()

	select {
	case f.started <- id:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &fetcher.Error{Kind: fetcher.KindHTTPStatus, ID: id, Status: http.StatusNotFound}
	}
	return data, nil
}

func (f *fakeFetcher) callsFor(id assetid.ID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type fakeEngine struct {
	mu      sync.Mutex
	clears  []bool
	enables []bool
}

func (f *fakeEngine) ClearAllTrackedAnchors(ctx context.Context, immediate bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears = append(f.clears, immediate)
	return nil
}

func (f *fakeEngine) EnableResultDelivery(ctx context.Context, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enables = append(f.enables, enabled)
	return nil
}

func (f *fakeEngine) enableCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enables)
}

type harness struct {
	p      *Pipeline
	db     *gorm.DB
	cache  *assetcache.Cache
	fetch  *fakeFetcher
	reg    *registry.Registry
	scene  *scene.Memory
	scan   *scan.Controller
	engine *fakeEngine

	mu      sync.Mutex
	results map[uint64]Result
}

func (h *harness) result(seq uint64) Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.results[seq]
}

type harnessOpts struct {
	lineage      string
	fetchTimeout time.Duration
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	logger := hclog.NewNullLogger()

	db, err := database.Connect(database.Config{Path: ":memory:"}, nil)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	cache, err := assetcache.New(afero.NewMemMapFs(), db, assetcache.Config{
		Root:         "/cache",
		FetchTimeout: opts.fetchTimeout,
	}, logger)
	require.NoError(t, err)

	sc := scene.NewMemory(logger)
	reg := registry.New(sc, logger)
	engine := &fakeEngine{}
	gate := scan.New(engine, reg, true, logger)

	h := &harness{
		db:      db,
		cache:   cache,
		fetch:   newFakeFetcher(),
		reg:     reg,
		scene:   sc,
		scan:    gate,
		engine:  engine,
		results: make(map[uint64]Result),
	}

	h.p, err = New(Config{
		Cache:    cache,
		Fetcher:  h.fetch,
		Registry: reg,
		Scan:     gate,
		DB:       db,
		Lineage:  opts.lineage,
		Logger:   logger,
		OnRunComplete: func(res Result) {
			h.mu.Lock()
			h.results[res.Event.Seq] = res
			h.mu.Unlock()
		},
	})
	require.NoError(t, err)
	return h
}

func packageOf(t *testing.T, names ...string) []byte {
	t.Helper()
	objects := make([]bundle.Object, 0, len(names))
	for _, name := range names {
		objects = append(objects, bundle.Object{Name: name, Prefab: []byte(name + "-mesh")})
	}
	data, err := bundle.Encode(objects, true)
	require.NoError(t, err)
	return data
}

func searchResult(id, anchor string) recognition.SearchResult {
	return recognition.SearchResult{Metadata: id, Anchor: anchor, DetectedAt: time.Now()}
}

func waitStarted(t *testing.T, f *fakeFetcher, id assetid.ID) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-f.started:
			if got == id {
				return
			}
		case <-timeout:
			t.Fatalf("fetch of %s never started", id)
		}
	}
}

// Scenario A: a new identifier is fetched, resolved, posed and displayed.
func TestScenarioA_FirstRecognition(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.fetch.packages["bike"] = packageOf(t, "bike")
	ctx := context.Background()

	_, err := h.cache.Lookup("bike")
	require.ErrorIs(t, err, assetcache.ErrMiss)

	res, err := h.p.Process(ctx, searchResult("bike", "marker-1"))
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, scan.Applied, res.Outcome)
	assert.Equal(t, assetcache.OutcomeFetched, res.Cache)
	require.NotNil(t, res.Instance)

	node, ok := h.scene.Get(res.Instance.Handle)
	require.True(t, ok)
	assert.Equal(t, "bike", node.Name)
	assert.Equal(t, []byte("bike-mesh"), node.Prefab)
	assert.Equal(t, transform.Vec3{}, node.Pose.Position)
	assert.Equal(t, transform.Vec3{X: 2.9, Y: 2.9, Z: 2.9}, node.Pose.Scale)
	assert.Equal(t, transform.Vec3{X: -90}, node.Pose.Rotation)
	assert.Equal(t, 1, h.scene.Len())

	run, err := models.GetRunBySequence(h.db, res.Event.Seq)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusDisplayed, run.Status)
	assert.False(t, run.CacheHit)
	assert.Contains(t, run.StepResults, StepRegister)

	// A repeat recognition reuses the cached package.
	res2, err := h.p.Process(ctx, searchResult("bike", "marker-1"))
	require.NoError(t, err)
	assert.Equal(t, scan.Applied, res2.Outcome)
	assert.Equal(t, assetcache.OutcomeHit, res2.Cache)
	assert.Equal(t, 1, h.fetch.callsFor("bike"))
	assert.Equal(t, 1, h.scene.Len())

	assert.Equal(t, "bike", h.p.Overlay().MetadataText)
	assert.Empty(t, h.p.Overlay().LastError)
}

// Scenario B: a new recognition on the same anchor replaces the previous one.
func TestScenarioB_Replacement(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.fetch.packages["dualBrushBot"] = packageOf(t, "dualBrushBot")
	h.fetch.packages["electricFan"] = packageOf(t, "electricFan")
	ctx := context.Background()

	first, err := h.p.Process(ctx, searchResult("dualBrushBot", "marker-1"))
	require.NoError(t, err)
	require.Equal(t, scan.Applied, first.Outcome)

	second, err := h.p.Process(ctx, searchResult("electricFan", "marker-1"))
	require.NoError(t, err)
	require.Equal(t, scan.Applied, second.Outcome)

	_, ok := h.scene.Get(first.Instance.Handle)
	assert.False(t, ok, "dualBrushBot must be evicted")
	_, ok = h.scene.Get(second.Instance.Handle)
	assert.True(t, ok)

	cur, ok := h.reg.Current("marker-1")
	require.True(t, ok)
	assert.Equal(t, assetid.ID("electricFan"), cur.ID)
}

// Scenario C: a 404 aborts the run without touching the displayed instance.
func TestScenarioC_FetchError(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.fetch.packages["bike"] = packageOf(t, "bike")
	ctx := context.Background()

	prior, err := h.p.Process(ctx, searchResult("bike", "marker-1"))
	require.NoError(t, err)
	require.Equal(t, scan.Applied, prior.Outcome)

	res, err := h.p.Process(ctx, searchResult("ghostObject", "marker-1"))
	require.NoError(t, err)
	assert.Equal(t, scan.Failed, res.Outcome)
	assert.Equal(t, StepFetch, res.Step)
	assert.Nil(t, res.Instance)

	var fe *fetcher.Error
	require.True(t, errors.As(res.Err, &fe))
	assert.Equal(t, fetcher.KindHTTPStatus, fe.Kind)
	assert.Equal(t, http.StatusNotFound, fe.Status)

	_, ok := h.scene.Get(prior.Instance.Handle)
	assert.True(t, ok, "prior instance untouched")
	assert.Equal(t, 1, h.scene.Len())
	assert.Contains(t, h.p.Overlay().LastError, "ghostObject")

	run, err := models.GetRunBySequence(h.db, res.Event.Seq)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, StepFetch, run.ErrorDetails["step"])
}

// Scenario C while scanning: the failed trigger still settles the gate.
func TestScenarioC_FailureSettlesScan(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	h.p.OnScanStateChanged(ctx, true)
	require.Equal(t, scan.Scanning, h.scan.State())

	res, err := h.p.Process(ctx, searchResult("ghostObject", "marker-1"))
	require.NoError(t, err)
	assert.Equal(t, scan.Failed, res.Outcome)
	assert.True(t, res.Settled)
	assert.Equal(t, scan.Idle, h.scan.State())
	assert.Equal(t, 1, h.engine.enableCount())
}

// Scenario D: the package downloads but lacks the object; the cache entry
// stays valid.
func TestScenarioD_AssetNotFound(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.fetch.packages["bike"] = packageOf(t, "wheel")
	ctx := context.Background()

	res, err := h.p.Process(ctx, searchResult("bike", "marker-1"))
	require.NoError(t, err)
	assert.Equal(t, scan.Failed, res.Outcome)
	assert.Equal(t, StepResolve, res.Step)

	var notFound *bundle.AssetNotFoundError
	require.True(t, errors.As(res.Err, &notFound))
	assert.Equal(t, assetid.ID("bike"), notFound.ID)
	assert.Equal(t, 0, h.scene.Len())

	entry, err := h.cache.Lookup("bike")
	require.NoError(t, err, "cache entry must remain valid")
	assert.True(t, entry.Hash.Equal(assetid.HashOf("bike")))

	res, err = h.p.Process(ctx, searchResult("bike", "marker-1"))
	require.NoError(t, err)
	assert.Equal(t, assetcache.OutcomeHit, res.Cache)
	assert.Equal(t, 1, h.fetch.callsFor("bike"))
}

// A newer run that completes first wins; the older run is discarded.
func TestOrdering_OlderRunCompletingLateIsDiscarded(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.fetch.packages["dualBrushBot"] = packageOf(t, "dualBrushBot")
	h.fetch.packages["electricFan"] = packageOf(t, "electricFan")
	gate := make(chan struct{})
	h.fetch.gates["dualBrushBot"] = gate
	ctx := context.Background()

	e1, err := h.p.OnResult(ctx, searchResult("dualBrushBot", "marker-1"))
	require.NoError(t, err)
	waitStarted(t, h.fetch, "dualBrushBot")

	e2, err := h.p.OnResult(ctx, searchResult("electricFan", "marker-1"))
	require.NoError(t, err)
	assert.Greater(t, e2.Seq, e1.Seq)

	require.Eventually(t, func() bool {
		_, ok := h.reg.Current("marker-1")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	close(gate)
	h.p.Wait()

	assert.Equal(t, scan.Applied, h.result(e2.Seq).Outcome)
	r1 := h.result(e1.Seq)
	assert.Equal(t, scan.Discarded, r1.Outcome)
	assert.ErrorIs(t, r1.Err, registry.ErrSuperseded)

	live := h.reg.Live()
	require.Len(t, live, 1)
	assert.Equal(t, assetid.ID("electricFan"), live[0].ID)
	assert.Equal(t, 1, h.scene.Len())
}

// A clear while a run is fetching discards that run's result.
func TestScanClear_DiscardsInFlightRun(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.fetch.packages["bike"] = packageOf(t, "bike")
	h.fetch.packages["electricFan"] = packageOf(t, "electricFan")
	ctx := context.Background()

	shown, err := h.p.Process(ctx, searchResult("electricFan", "marker-2"))
	require.NoError(t, err)
	require.Equal(t, scan.Applied, shown.Outcome)

	gate := make(chan struct{})
	h.fetch.gates["bike"] = gate
	ev, err := h.p.OnResult(ctx, searchResult("bike", "marker-1"))
	require.NoError(t, err)
	waitStarted(t, h.fetch, "bike")

	h.p.OnScanStateChanged(ctx, true)
	assert.Equal(t, 0, h.scene.Len(), "clear evicts every displayed instance")

	close(gate)
	h.p.Wait()

	res := h.result(ev.Seq)
	assert.Equal(t, scan.Discarded, res.Outcome)
	assert.Equal(t, 0, h.scene.Len())
	assert.Empty(t, h.reg.Live())
	assert.Equal(t, scan.Scanning, h.scan.State(), "a discarded run does not settle")

	run, err := models.GetRunBySequence(h.db, ev.Seq)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusDiscarded, run.Status)

	// The next result after the clear is displayed and settles the gate.
	res2, err := h.p.Process(ctx, searchResult("bike", "marker-1"))
	require.NoError(t, err)
	assert.Equal(t, scan.Applied, res2.Outcome)
	assert.True(t, res2.Settled)
	assert.Equal(t, scan.Idle, h.scan.State())
}

// Same identifier recognized twice before the first fetch completes is
// fetched once.
func TestCoalescedFetch(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.fetch.packages["bike"] = packageOf(t, "bike")
	gate := make(chan struct{})
	h.fetch.gates["bike"] = gate
	ctx := context.Background()

	e1, err := h.p.OnResult(ctx, searchResult("bike", "marker-1"))
	require.NoError(t, err)
	waitStarted(t, h.fetch, "bike")
	e2, err := h.p.OnResult(ctx, searchResult("bike", "marker-2"))
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	close(gate)
	h.p.Wait()

	assert.Equal(t, 1, h.fetch.callsFor("bike"))
	assert.Equal(t, scan.Applied, h.result(e1.Seq).Outcome)
	assert.Equal(t, scan.Applied, h.result(e2.Seq).Outcome)
	assert.Equal(t, 2, h.scene.Len(), "distinct anchors keep their own instance")
}

func TestFetchTimeout(t *testing.T) {
	h := newHarness(t, harnessOpts{fetchTimeout: 30 * time.Millisecond})
	h.fetch.gates["slow"] = make(chan struct{})

	res, err := h.p.Process(context.Background(), searchResult("slow", "marker-1"))
	require.NoError(t, err)
	assert.Equal(t, scan.Failed, res.Outcome)
	assert.True(t, fetcher.IsKind(res.Err, fetcher.KindTimeout), "got %v", res.Err)
}

func TestCorruptPackageIsNotCached(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.fetch.packages["bike"] = []byte("this is not a package at all")

	res, err := h.p.Process(context.Background(), searchResult("bike", "marker-1"))
	require.NoError(t, err)
	assert.Equal(t, scan.Failed, res.Outcome)
	assert.True(t, fetcher.IsKind(res.Err, fetcher.KindCorrupt))

	_, err = h.cache.Lookup("bike")
	assert.ErrorIs(t, err, assetcache.ErrMiss)
}

func TestEmptyIdentifier(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	_, err := h.p.OnResult(context.Background(), searchResult("", "marker-1"))
	assert.ErrorIs(t, err, ErrEmptyIdentifier)
	h.p.Wait()
	assert.Equal(t, 0, h.scene.Len())
}

func TestGlobalLineage(t *testing.T) {
	h := newHarness(t, harnessOpts{lineage: LineageGlobal})
	h.fetch.packages["bike"] = packageOf(t, "bike")
	h.fetch.packages["electricFan"] = packageOf(t, "electricFan")
	ctx := context.Background()

	_, err := h.p.Process(ctx, searchResult("bike", "marker-1"))
	require.NoError(t, err)
	_, err = h.p.Process(ctx, searchResult("electricFan", "marker-2"))
	require.NoError(t, err)

	live := h.reg.Live()
	require.Len(t, live, 1)
	assert.Equal(t, assetid.ID("electricFan"), live[0].ID)
}

func TestInitErrorIsFatal(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	h.p.OnInitialized(ctx)
	assert.True(t, h.p.Initialized())

	h.p.OnUpdateError(ctx, &recognition.UpdateError{Code: recognition.UpdateErrorBadFrameQuality})
	h.fetch.packages["bike"] = packageOf(t, "bike")
	_, err := h.p.Process(ctx, searchResult("bike", "marker-1"))
	require.NoError(t, err, "update errors are not fatal")

	initErr := &recognition.InitializationError{Code: recognition.InitErrorNoNetworkConnection}
	h.p.OnInitError(ctx, initErr)
	h.p.OnInitError(ctx, initErr)

	select {
	case err := <-h.p.Fatal():
		var ie *recognition.InitializationError
		assert.True(t, errors.As(err, &ie))
	default:
		t.Fatal("expected fatal error")
	}

	_, err = h.p.OnResult(ctx, searchResult("bike", "marker-1"))
	assert.ErrorIs(t, err, ErrStopped)
}

func TestIdleResultReenablesDelivery(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.fetch.packages["bike"] = packageOf(t, "bike")

	h.p.OnNewSearchResult(context.Background(), searchResult("bike", "marker-1"))
	h.p.Wait()

	assert.Equal(t, 1, h.engine.enableCount())
	assert.Equal(t, scan.Idle, h.scan.State())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	h := newHarness(t, harnessOpts{})
	_, err = New(Config{
		Cache:    h.cache,
		Fetcher:  h.fetch,
		Registry: h.reg,
		Scan:     h.scan,
		Lineage:  "per-marker",
	})
	assert.Error(t, err)
}

// scanAfterRegister starts a scan right after a successful registration,
// before the run reports its outcome to the gate.
type scanAfterRegister struct {
	reg  *registry.Registry
	gate *scan.Controller
}

func (s *scanAfterRegister) RegisterAndEvictPrevious(ctx context.Context, reg registry.Registration) (*registry.Instance, error) {
	inst, err := s.reg.RegisterAndEvictPrevious(ctx, reg)
	if err != nil {
		return nil, err
	}
	if err := s.gate.BeginScanning(ctx); err != nil {
		return nil, err
	}
	return inst, nil
}

// A scan that clears the anchor between register and settle discards the run
// and keeps the new scan open.
func TestScanClearAfterRegister_DiscardsRun(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.fetch.packages["bike"] = packageOf(t, "bike")

	p, err := New(Config{
		Cache:    h.cache,
		Fetcher:  h.fetch,
		Registry: &scanAfterRegister{reg: h.reg, gate: h.scan},
		Scan:     h.scan,
		DB:       h.db,
	})
	require.NoError(t, err)

	res, err := p.Process(context.Background(), searchResult("bike", "marker-1"))
	require.NoError(t, err)

	assert.Equal(t, scan.Discarded, res.Outcome)
	assert.ErrorIs(t, res.Err, registry.ErrInvalidated)
	assert.False(t, res.Settled)
	assert.Nil(t, res.Instance)
	assert.Equal(t, scan.Scanning, h.scan.State())
	assert.Empty(t, h.reg.Live())
	assert.Equal(t, 0, h.scene.Len())
	assert.Equal(t, 0, h.engine.enableCount())

	run, err := models.GetRunBySequence(h.db, res.Event.Seq)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusDiscarded, run.Status)
}

func countDecodes(t *testing.T) *atomic.Int64 {
	t.Helper()
	var n atomic.Int64
	orig := decodePackage
	decodePackage = func(data []byte) (*bundle.Package, error) {
		n.Add(1)
		return orig(data)
	}
	t.Cleanup(func() { decodePackage = orig })
	return &n
}

func TestFetchedPackageIsDecodedOnce(t *testing.T) {
	decodes := countDecodes(t)
	h := newHarness(t, harnessOpts{})
	h.fetch.packages["bike"] = packageOf(t, "bike", "helmet")
	ctx := context.Background()

	res, err := h.p.Process(ctx, searchResult("bike", "marker-1"))
	require.NoError(t, err)
	require.Equal(t, scan.Applied, res.Outcome)
	assert.Equal(t, assetcache.OutcomeFetched, res.Cache)
	assert.Equal(t, int64(1), decodes.Load())

	run, err := models.GetRunBySequence(h.db, res.Event.Seq)
	require.NoError(t, err)
	assert.Contains(t, run.StepResults, StepResolve)

	// A cache hit has no decoded package to reuse.
	res, err = h.p.Process(ctx, searchResult("bike", "marker-1"))
	require.NoError(t, err)
	require.Equal(t, assetcache.OutcomeHit, res.Cache)
	assert.Equal(t, int64(2), decodes.Load())
}
