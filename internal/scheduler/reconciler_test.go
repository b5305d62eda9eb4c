package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MrSnakeDoc/apiregistry/internal/audit"
	"github.com/MrSnakeDoc/apiregistry/internal/domain"
	"github.com/MrSnakeDoc/apiregistry/internal/index"
	"github.com/MrSnakeDoc/apiregistry/internal/logger"
	"github.com/MrSnakeDoc/apiregistry/internal/pool"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu          sync.Mutex
	defs        map[int64]domain.Definition
	versions    map[int64]*domain.Version
	configs     map[int64]*domain.DataSourceConfig
	versionErr  map[int64]error
	slow        map[int64]bool
	listErr     error
	panicOnList bool
	listDelay   time.Duration

	pages    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		defs:       make(map[int64]domain.Definition),
		versions:   make(map[int64]*domain.Version),
		configs:    make(map[int64]*domain.DataSourceConfig),
		versionErr: make(map[int64]error),
		slow:       make(map[int64]bool),
	}
}

func (s *fakeSource) publish(id int64, method, path, version, sql string, ds int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[id] = domain.Definition{
		ServiceID: id, Name: path, Path: path, Method: method,
		DataSourceID: ds, CreatedBy: "alice", CreatedAt: baseTime, UpdatedAt: baseTime,
	}
	s.versions[id] = &domain.Version{Version: version, IsActive: true, SQLContent: sql, DataSourceID: ds, UpdatedAt: baseTime}
	if _, ok := s.configs[ds]; !ok {
		s.configs[ds] = &domain.DataSourceConfig{ID: ds, Name: "primary", Type: "postgres", Host: "db"}
	}
}

func (s *fakeSource) editSQL(id int64, sql string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := *s.versions[id]
	v.SQLContent = sql
	s.versions[id] = &v
}

func (s *fakeSource) remove(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.defs, id)
	delete(s.versions, id)
}

func (s *fakeSource) set(fn func(s *fakeSource)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *fakeSource) ListPublished(_ context.Context, page, pageSize int) ([]domain.Definition, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		m := s.maxSeen.Load()
		if n <= m || s.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	s.pages.Add(1)

	s.mu.Lock()
	delay, listErr, panicky := s.listDelay, s.listErr, s.panicOnList
	ids := make([]int64, 0, len(s.defs))
	for id := range s.defs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	all := make([]domain.Definition, 0, len(ids))
	for _, id := range ids {
		all = append(all, s.defs[id])
	}
	s.mu.Unlock()

	time.Sleep(delay)
	if panicky {
		panic("definition store exploded")
	}
	if listErr != nil {
		return nil, listErr
	}

	start := (page - 1) * pageSize
	if start >= len(all) {
		return nil, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

func (s *fakeSource) GetActiveVersion(ctx context.Context, id int64) (*domain.Version, error) {
	s.mu.Lock()
	slow, err := s.slow[id], s.versionErr[id]
	v := s.versions[id]
	s.mu.Unlock()

	if slow {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

func (s *fakeSource) GetDataSourceConfig(_ context.Context, id int64) (*domain.DataSourceConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[id]
	if !ok {
		return nil, nil
	}
	cp := *cfg
	return &cp, nil
}

type fakeHandle struct{ closed atomic.Bool }

func (h *fakeHandle) Kind() domain.DataSourceType { return domain.DataSourcePostgres }
func (h *fakeHandle) Ping(context.Context) error  { return nil }
func (h *fakeHandle) Close() error {
	h.closed.Store(true)
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recorder) Submit(ev audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) byCategory(c audit.Category) []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Event
	for _, ev := range r.events {
		if ev.Category == c {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	src      *fakeSource
	pools    *pool.Manager
	rec      *recorder
	r        *Reconciler
	failPool atomic.Bool
	attempts atomic.Int32
	created  atomic.Int32
}

func newHarness(t *testing.T, opts ReconcilerOptions) *harness {
	t.Helper()
	h := &harness{src: newFakeSource(), rec: &recorder{}}
	factory := pool.FactoryFunc(func(context.Context, domain.DataSourceConfig) (pool.Handle, error) {
		h.attempts.Add(1)
		if h.failPool.Load() {
			return nil, errors.New("connection refused")
		}
		h.created.Add(1)
		return &fakeHandle{}, nil
	})
	h.pools = pool.NewManager(factory, h.src, h.rec, logger.NewNop(), time.Second)
	if opts.LookupTimeout == 0 {
		opts.LookupTimeout = time.Second
	}
	if opts.LookupConcurrency == 0 {
		opts.LookupConcurrency = 4
	}
	h.r = NewReconciler(h.src, index.NewRegistry(), h.pools, h.rec, logger.NewNop(), opts)
	return h
}

func (h *harness) pass(t *testing.T) PassResult {
	t.Helper()
	res := h.r.Trigger(context.Background())
	require.NoError(t, res.Err)
	return res
}

func TestReconciler_EndToEndLifecycle(t *testing.T) {
	h := newHarness(t, ReconcilerOptions{})
	h.src.publish(1, "get", "/api/users/{id}", "1.0", "SELECT * FROM users WHERE id = :id", 7)

	h.pass(t)
	all := h.r.ListAll()
	require.Len(t, all, 1)
	assert.Equal(t, "GET", all[0].Method)
	assert.Equal(t, ChangeStats{Added: 1}, h.r.ChangeStatistics())
	_, ok := h.pools.Get(7)
	assert.True(t, ok, "pool for data source 7 exists")

	h.src.editSQL(1, "SELECT id, name FROM users WHERE id = :id")
	h.pass(t)
	all = h.r.ListAll()
	require.Len(t, all, 1)
	assert.Equal(t, "SELECT id, name FROM users WHERE id = :id", all[0].SQLContent)
	assert.Equal(t, ChangeStats{Added: 1, Updated: 1}, h.r.ChangeStatistics())

	h.src.remove(1)
	h.pass(t)
	assert.Empty(t, h.r.ListAll())
	assert.Equal(t, ChangeStats{Added: 1, Updated: 1, Removed: 1}, h.r.ChangeStatistics())
	_, ok = h.pools.Get(7)
	assert.False(t, ok, "pool for data source 7 closed")

	assert.Len(t, h.rec.byCategory(audit.CategoryServiceAdded), 1)
	assert.Len(t, h.rec.byCategory(audit.CategoryServiceUpdated), 1)
	assert.Len(t, h.rec.byCategory(audit.CategoryServiceRemoved), 1)
	assert.Len(t, h.rec.byCategory(audit.CategoryPoolClosed), 1)
	assert.Len(t, h.rec.byCategory(audit.CategoryDiscoveryComplete), 3)
}

func TestReconciler_RemovalKeepsSharedPool(t *testing.T) {
	h := newHarness(t, ReconcilerOptions{})
	h.src.publish(1, "GET", "/api/users/{id}", "1.0", "q1", 7)
	h.src.publish(2, "GET", "/api/users", "1.0", "q2", 7)
	h.pass(t)

	h.src.remove(1)
	h.pass(t)

	_, ok := h.pools.Get(7)
	assert.True(t, ok, "data source 7 still referenced by service 2")
	assert.Equal(t, []string{"GET /api/users@1.0"}, h.pools.References(7))
}

func TestReconciler_Idempotent(t *testing.T) {
	h := newHarness(t, ReconcilerOptions{})
	h.src.publish(1, "GET", "/a", "1", "q1", 1)
	h.src.publish(2, "POST", "/b", "1", "q2", 2)

	h.pass(t)
	first := h.r.ListAll()

	res := h.pass(t)
	assert.Zero(t, res.Added)
	assert.Zero(t, res.Updated)
	assert.Zero(t, res.Removed)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, first, h.r.ListAll())
	assert.Equal(t, int32(2), h.created.Load(), "no pool churn on unchanged passes")
}

func TestReconciler_AddDetection(t *testing.T) {
	h := newHarness(t, ReconcilerOptions{})
	h.src.publish(1, "GET", "/a", "1", "q1", 1)
	h.pass(t)

	h.src.publish(2, "GET", "/b", "1", "q2", 1)
	res := h.pass(t)

	assert.Equal(t, 1, res.Added)
	assert.Len(t, h.r.ListAll(), 2)
	assert.Equal(t, int64(2), h.r.ChangeStatistics().Added)
}

func TestReconciler_LookupAndEnrichment(t *testing.T) {
	h := newHarness(t, ReconcilerOptions{})
	h.src.publish(1, "GET", "/api/users/{id}", "1.0", "q", 7)
	h.pass(t)

	entry, ok := h.r.Lookup("get", "/api/users/{id}")
	require.True(t, ok)
	require.NotNil(t, entry.DataSource)
	assert.Equal(t, "primary", entry.DataSource.Name)

	_, ok = h.r.Get(domain.NewServiceKey("GET", "/api/users/{id}", "1.0"))
	assert.True(t, ok)

	_, ok = h.r.Lookup("GET", "/unknown")
	assert.False(t, ok)
}

func TestReconciler_SoftSkipOnLookupFailure(t *testing.T) {
	h := newHarness(t, ReconcilerOptions{})
	h.src.publish(1, "GET", "/a", "1", "q1", 1)
	h.src.publish(2, "GET", "/b", "1", "q2", 1)
	h.src.set(func(s *fakeSource) { s.versionErr[2] = errors.New("deadlock detected") })

	res := h.pass(t)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Total)

	skipped := h.rec.byCategory(audit.CategoryServiceSkipped)
	require.Len(t, skipped, 1)
	assert.Equal(t, int64(2), skipped[0].ServiceID)
	assert.Contains(t, skipped[0].Error, "deadlock detected")
}

func TestReconciler_LookupTimeoutSkips(t *testing.T) {
	h := newHarness(t, ReconcilerOptions{LookupTimeout: 20 * time.Millisecond})
	h.src.publish(1, "GET", "/a", "1", "q1", 1)
	h.src.publish(2, "GET", "/slow", "1", "q2", 1)
	h.src.set(func(s *fakeSource) { s.slow[2] = true })

	res := h.pass(t)
	assert.Equal(t, 1, res.Skipped)
	assert.Len(t, h.r.ListAll(), 1)
	skipped := h.rec.byCategory(audit.CategoryServiceSkipped)
	require.Len(t, skipped, 1)
	assert.Contains(t, skipped[0].Error, "timed out")
}

func TestReconciler_NoActiveVersionIsSilent(t *testing.T) {
	h := newHarness(t, ReconcilerOptions{})
	h.src.publish(1, "GET", "/a", "1", "q1", 1)
	h.src.set(func(s *fakeSource) {
		s.defs[2] = domain.Definition{ServiceID: 2, Path: "/draft", Method: "GET"}
	})

	res := h.pass(t)
	assert.Zero(t, res.Skipped)
	assert.Equal(t, 1, res.Total)
	assert.Empty(t, h.rec.byCategory(audit.CategoryServiceSkipped))
}

func TestReconciler_AbortKeepsPreviousRegistry(t *testing.T) {
	h := newHarness(t, ReconcilerOptions{})
	h.src.publish(1, "GET", "/a", "1", "q1", 1)
	h.pass(t)
	before := h.r.ListAll()

	h.src.publish(2, "GET", "/b", "1", "q2", 1)
	h.src.set(func(s *fakeSource) { s.listErr = errors.New("connection reset") })

	res := h.r.Trigger(context.Background())
	require.Error(t, res.Err)
	var perr *PassError
	require.ErrorAs(t, res.Err, &perr)
	assert.Equal(t, StateScanning, perr.Stage)

	assert.Equal(t, before, h.r.ListAll())
	assert.Equal(t, ChangeStats{Added: 1}, h.r.ChangeStatistics())
	assert.Equal(t, StateIdle, h.r.State())
	assert.Len(t, h.rec.byCategory(audit.CategoryDiscoveryError), 1)

	last, ok := h.r.LastResult()
	require.True(t, ok)
	assert.False(t, last.OK())

	h.src.set(func(s *fakeSource) { s.listErr = nil })
	res = h.pass(t)
	assert.Equal(t, 1, res.Added)
}

func TestReconciler_PanicBecomesPassError(t *testing.T) {
	h := newHarness(t, ReconcilerOptions{})
	h.src.publish(1, "GET", "/a", "1", "q1", 1)
	h.pass(t)

	h.src.set(func(s *fakeSource) { s.panicOnList = true })
	res := h.r.Trigger(context.Background())

	var perr *PassError
	require.ErrorAs(t, res.Err, &perr)
	assert.Contains(t, perr.Error(), "definition store exploded")
	assert.NotEmpty(t, perr.Stack)
	assert.Len(t, h.r.ListAll(), 1)

	errs := h.rec.byCategory(audit.CategoryDiscoveryError)
	require.Len(t, errs, 1)
	assert.NotEmpty(t, errs[0].Stack)
}

func TestReconciler_ConcurrentTriggersSerialize(t *testing.T) {
	h := newHarness(t, ReconcilerOptions{})
	h.src.publish(1, "GET", "/a", "1", "q1", 1)
	h.src.set(func(s *fakeSource) { s.listDelay = 10 * time.Millisecond })

	var wg sync.WaitGroup
	results := make([]PassResult, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.r.Trigger(context.Background())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), h.src.maxSeen.Load(), "passes never overlap")
	added := 0
	for _, res := range results {
		require.NoError(t, res.Err)
		added += res.Added
	}
	assert.Equal(t, 1, added)
}

func TestReconciler_RetriesFailedPoolCreation(t *testing.T) {
	h := newHarness(t, ReconcilerOptions{})
	h.src.publish(1, "GET", "/a", "1", "q1", 7)
	h.failPool.Store(true)

	res := h.pass(t)
	assert.Equal(t, 1, res.Added, "entry is published even without a pool")
	_, ok := h.pools.Get(7)
	assert.False(t, ok)
	added := h.rec.byCategory(audit.CategoryServiceAdded)
	require.Len(t, added, 1)
	assert.False(t, added[0].Success)

	h.failPool.Store(false)
	res = h.pass(t)
	assert.Zero(t, res.Added+res.Updated+res.Removed)
	_, ok = h.pools.Get(7)
	assert.True(t, ok)
	assert.Equal(t, []string{"GET /a@1"}, h.pools.References(7))
}

func TestReconciler_DataSourceMove(t *testing.T) {
	h := newHarness(t, ReconcilerOptions{})
	h.src.publish(1, "GET", "/a", "1", "q1", 1)
	h.pass(t)

	h.src.set(func(s *fakeSource) {
		v := *s.versions[1]
		v.DataSourceID = 2
		v.UpdatedAt = baseTime.Add(time.Hour)
		s.versions[1] = &v
		s.configs[2] = &domain.DataSourceConfig{ID: 2, Name: "replica", Type: "postgres", Host: "db2"}
	})
	res := h.pass(t)

	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, []int64{2}, h.pools.Tracked())
}

func TestReconciler_DuplicateKeyLastWriteWins(t *testing.T) {
	h := newHarness(t, ReconcilerOptions{})
	h.src.publish(1, "GET", "/a", "1", "first", 1)
	h.src.publish(2, "GET", "/a", "1", "second", 1)

	res := h.pass(t)
	assert.Equal(t, 1, res.Total)
	entry, ok := h.r.Lookup("GET", "/a")
	require.True(t, ok)
	assert.Equal(t, int64(2), entry.ServiceID)
	assert.Len(t, h.rec.byCategory(audit.CategoryDuplicateKey), 1)
}

func TestReconciler_Paging(t *testing.T) {
	tests := []struct {
		name      string
		pageSize  int
		max       int
		wantTotal int
		wantPages int32
	}{
		{"multiple pages until short page", 2, 0, 5, 3},
		{"exact multiple needs an empty page", 5, 0, 5, 2},
		{"cap stops fetching", 2, 3, 3, 2},
		{"cap on a page boundary looks ahead", 3, 3, 3, 2},
		{"cap equal to everything published", 5, 5, 5, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, ReconcilerOptions{PageSize: tt.pageSize, MaxDefinitions: tt.max})
			for i := int64(1); i <= 5; i++ {
				h.src.publish(i, "GET", "/svc/"+string(rune('a'+i)), "1", "q", 1)
			}
			res := h.pass(t)
			assert.Equal(t, tt.wantTotal, res.Total)
			assert.Equal(t, tt.wantPages, h.src.pages.Load())
		})
	}
}

func TestReconciler_WarnsWhenCapTruncates(t *testing.T) {
	tests := []struct {
		name      string
		pageSize  int
		max       int
		published int64
		wantWarn  bool
	}{
		{"cap on a page boundary with more published", 3, 3, 5, true},
		{"cap inside a page", 2, 3, 5, true},
		{"everything fits exactly", 5, 5, 5, false},
		{"below the cap", 10, 10, 5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.WarnLevel)
			h := newHarness(t, ReconcilerOptions{PageSize: tt.pageSize, MaxDefinitions: tt.max})
			h.r.logger = logger.FromZap(zap.New(core))
			for i := int64(1); i <= tt.published; i++ {
				h.src.publish(i, "GET", "/svc/"+string(rune('a'+i)), "1", "q", 1)
			}

			h.pass(t)

			warned := logs.FilterMessage("definition cap reached, remaining definitions ignored").Len()
			assert.Equal(t, tt.wantWarn, warned == 1)
		})
	}
}

func TestReconciler_SlowLookupsKeepPublishedEntries(t *testing.T) {
	h := newHarness(t, ReconcilerOptions{LookupTimeout: 20 * time.Millisecond})
	h.src.publish(1, "GET", "/a", "1", "q1", 7)
	h.src.publish(2, "GET", "/b", "1", "q2", 7)
	h.pass(t)
	before := h.r.ListAll()
	require.Len(t, before, 2)

	h.src.set(func(s *fakeSource) {
		s.slow[1] = true
		s.slow[2] = true
	})
	res := h.pass(t)

	assert.Equal(t, 2, res.Skipped)
	assert.Zero(t, res.Removed)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, before, h.r.ListAll())
	assert.Equal(t, ChangeStats{Added: 2}, h.r.ChangeStatistics())
	assert.Empty(t, h.rec.byCategory(audit.CategoryServiceRemoved))
	assert.Empty(t, h.rec.byCategory(audit.CategoryPoolClosed))
	_, ok := h.pools.Get(7)
	assert.True(t, ok, "pool stays open while lookups are slow")
	assert.Equal(t, []string{"GET /a@1", "GET /b@1"}, h.pools.References(7))

	h.src.set(func(s *fakeSource) { s.slow = map[int64]bool{} })
	res = h.pass(t)
	assert.Zero(t, res.Added+res.Updated+res.Removed)
	assert.Equal(t, int32(1), h.created.Load())
}

func TestReconciler_SkippedServiceStillRemovableLater(t *testing.T) {
	h := newHarness(t, ReconcilerOptions{})
	h.src.publish(1, "GET", "/a", "1", "q1", 7)
	h.pass(t)

	h.src.set(func(s *fakeSource) { s.versionErr[1] = errors.New("deadlock detected") })
	h.pass(t)
	assert.Len(t, h.r.ListAll(), 1)

	h.src.remove(1)
	h.src.set(func(s *fakeSource) { delete(s.versionErr, 1) })
	res := h.pass(t)
	assert.Equal(t, 1, res.Removed)
	assert.Empty(t, h.r.ListAll())
}

func TestReconciler_OneCreationAttemptPerFailingDataSource(t *testing.T) {
	h := newHarness(t, ReconcilerOptions{})
	for i := int64(1); i <= 5; i++ {
		h.src.publish(i, "GET", "/svc/"+string(rune('a'+i)), "1", "q", 7)
	}
	h.failPool.Store(true)

	res := h.pass(t)
	assert.Equal(t, 5, res.Added)
	assert.Equal(t, int32(1), h.attempts.Load())
	assert.Len(t, h.rec.byCategory(audit.CategoryPoolCreateFailed), 1)
	for _, ev := range h.rec.byCategory(audit.CategoryServiceAdded) {
		assert.False(t, ev.Success, "service %d added without a pool", ev.ServiceID)
	}

	h.pass(t)
	assert.Equal(t, int32(2), h.attempts.Load(), "unchanged entries retry once per pass")
	assert.Len(t, h.rec.byCategory(audit.CategoryPoolCreateFailed), 2)

	h.failPool.Store(false)
	h.pass(t)
	assert.Equal(t, int32(3), h.attempts.Load())
	assert.Len(t, h.pools.References(7), 5)
}

func TestReconciler_SnapshotIsolation(t *testing.T) {
	h := newHarness(t, ReconcilerOptions{})
	const services = 20
	for i := int64(1); i <= services; i++ {
		h.src.publish(i, "GET", "/svc/"+string(rune('a'+i)), "1", "gen-0", 1)
	}
	h.pass(t)

	stop := make(chan struct{})
	var mixed atomic.Bool
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				all := h.r.ListAll()
				if len(all) != services {
					mixed.Store(true)
					continue
				}
				for _, e := range all[1:] {
					if e.SQLContent != all[0].SQLContent {
						mixed.Store(true)
					}
				}
			}
		}()
	}

	for gen := 1; gen <= 10; gen++ {
		sql := "gen-" + string(rune('0'+gen))
		for i := int64(1); i <= services; i++ {
			h.src.editSQL(i, sql)
		}
		h.pass(t)
	}
	close(stop)
	wg.Wait()

	assert.False(t, mixed.Load(), "readers observed a partially applied pass")
}

func TestReconciler_StartStop(t *testing.T) {
	h := newHarness(t, ReconcilerOptions{Interval: 10 * time.Millisecond})
	h.src.publish(1, "GET", "/a", "1", "q1", 1)

	assert.False(t, h.r.Ready())
	assert.True(t, h.r.PublishedAt().IsZero())
	h.r.Start(context.Background())
	assert.True(t, h.r.Ready())
	assert.False(t, h.r.LastScanTime().IsZero())
	assert.False(t, h.r.PublishedAt().IsZero())

	h.src.publish(2, "GET", "/b", "1", "q2", 1)
	assert.Eventually(t, func() bool {
		return len(h.r.ListAll()) == 2
	}, time.Second, 5*time.Millisecond)

	h.r.Stop()
	h.r.Stop()
	assert.Equal(t, StateIdle, h.r.State())
}

func TestReconciler_ResetStatistics(t *testing.T) {
	h := newHarness(t, ReconcilerOptions{})
	h.src.publish(1, "GET", "/a", "1", "q1", 1)
	h.pass(t)
	require.NotZero(t, h.r.ChangeStatistics().Added)

	h.r.ResetStatistics()
	assert.Equal(t, ChangeStats{}, h.r.ChangeStatistics())
}

func TestReconciler_EventsCarryPassID(t *testing.T) {
	h := newHarness(t, ReconcilerOptions{})
	h.src.publish(1, "GET", "/a", "1", "q1", 1)
	res := h.pass(t)

	for _, c := range []audit.Category{audit.CategoryDiscoveryStart, audit.CategoryServiceAdded, audit.CategoryDiscoveryComplete} {
		evs := h.rec.byCategory(c)
		require.Len(t, evs, 1, string(c))
		assert.Equal(t, res.PassID, evs[0].Detail["pass_id"])
	}
}
