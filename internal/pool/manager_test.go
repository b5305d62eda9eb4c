package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/apiregistry/internal/audit"
	"github.com/MrSnakeDoc/apiregistry/internal/domain"
	"github.com/MrSnakeDoc/apiregistry/internal/logger"
)

type fakeHandle struct {
	id       int64
	closed   atomic.Bool
	closeErr error
}

func (h *fakeHandle) Kind() domain.DataSourceType { return domain.DataSourcePostgres }
func (h *fakeHandle) Ping(context.Context) error  { return nil }
func (h *fakeHandle) Close() error {
	h.closed.Store(true)
	return h.closeErr
}

type fakeFactory struct {
	mu       sync.Mutex
	created  map[int64]int
	handles  map[int64][]*fakeHandle
	failFor  map[int64]error
	closeErr map[int64]error
	delay    time.Duration
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		created:  make(map[int64]int),
		handles:  make(map[int64][]*fakeHandle),
		failFor:  make(map[int64]error),
		closeErr: make(map[int64]error),
	}
}

func (f *fakeFactory) CreatePool(_ context.Context, cfg domain.DataSourceConfig) (Handle, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[cfg.ID]; err != nil {
		return nil, err
	}
	f.created[cfg.ID]++
	h := &fakeHandle{id: cfg.ID, closeErr: f.closeErr[cfg.ID]}
	f.handles[cfg.ID] = append(f.handles[cfg.ID], h)
	return h, nil
}

func (f *fakeFactory) creations(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[id]
}

func (f *fakeFactory) last(id int64) *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	hs := f.handles[id]
	return hs[len(hs)-1]
}

func (f *fakeFactory) setFailure(id int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failFor, id)
		return
	}
	f.failFor[id] = err
}

type staticConfigs map[int64]domain.DataSourceConfig

func (c staticConfigs) GetDataSourceConfig(_ context.Context, id int64) (*domain.DataSourceConfig, error) {
	cfg, ok := c[id]
	if !ok {
		return nil, nil
	}
	return &cfg, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []audit.Event
}

func (l *eventLog) Submit(ev audit.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) categories() []audit.Category {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]audit.Category, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Category)
	}
	return out
}

func testConfigs(ids ...int64) staticConfigs {
	c := staticConfigs{}
	for _, id := range ids {
		c[id] = domain.DataSourceConfig{ID: id, Name: "ds", Type: "postgres", Host: "db"}
	}
	return c
}

func newTestManager(f Factory, c ConfigProvider, ev audit.Recorder) *Manager {
	return NewManager(f, c, ev, logger.NewNop(), time.Second)
}

func TestEnsure_CreatesOnceAndIsIdempotent(t *testing.T) {
	f := newFakeFactory()
	m := newTestManager(f, testConfigs(7), nil)
	ctx := context.Background()

	require.NoError(t, m.Ensure(ctx, 7, "GET /api/users/{id}@1.0"))
	require.NoError(t, m.Ensure(ctx, 7, "GET /api/users/{id}@1.0"))
	require.NoError(t, m.Ensure(ctx, 7, "POST /api/users@1.0"))

	assert.Equal(t, 1, f.creations(7))
	h, ok := m.Get(7)
	require.True(t, ok)
	assert.Equal(t, domain.DataSourcePostgres, h.Kind())
	assert.Equal(t, []string{"GET /api/users/{id}@1.0", "POST /api/users@1.0"}, m.References(7))
	assert.True(t, m.InUse(7))
}

func TestEnsure_ConcurrentCreatesOnce(t *testing.T) {
	f := newFakeFactory()
	f.delay = 20 * time.Millisecond
	m := newTestManager(f, testConfigs(7), nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Ensure(context.Background(), 7, "GET /a@1"))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.creations(7))
	assert.Equal(t, []int64{7}, m.Tracked())
}

func TestCheckAndCleanup(t *testing.T) {
	f := newFakeFactory()
	events := &eventLog{}
	m := newTestManager(f, testConfigs(7), events)
	ctx := context.Background()

	require.NoError(t, m.Ensure(ctx, 7, "GET /a@1"))
	require.NoError(t, m.Ensure(ctx, 7, "GET /b@1"))

	m.Release(7, "GET /a@1")
	assert.False(t, m.CheckAndCleanup(7), "pool with a remaining reference survives")
	_, ok := m.Get(7)
	assert.True(t, ok)

	m.Release(7, "GET /b@1")
	assert.True(t, m.CheckAndCleanup(7))
	_, ok = m.Get(7)
	assert.False(t, ok)
	assert.True(t, f.last(7).closed.Load())
	assert.Empty(t, m.Tracked())

	assert.False(t, m.CheckAndCleanup(7), "untracked id is a no-op")
	assert.Equal(t, []audit.Category{audit.CategoryPoolCreated, audit.CategoryPoolClosed}, events.categories())
}

func TestEnsure_CreationFailureLeavesUntrackedAndRetries(t *testing.T) {
	f := newFakeFactory()
	f.setFailure(7, errors.New("connection refused"))
	events := &eventLog{}
	m := newTestManager(f, testConfigs(7), events)
	ctx := context.Background()

	err := m.Ensure(ctx, 7, "GET /a@1")
	var cerr *CreationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, int64(7), cerr.DataSourceID)
	assert.Empty(t, m.Tracked())
	assert.False(t, m.InUse(7))

	f.setFailure(7, nil)
	require.NoError(t, m.Ensure(ctx, 7, "GET /a@1"))
	assert.Equal(t, []int64{7}, m.Tracked())
	assert.Equal(t, []audit.Category{audit.CategoryPoolCreateFailed, audit.CategoryPoolCreated}, events.categories())
}

func TestEnsure_UnknownDataSource(t *testing.T) {
	m := newTestManager(newFakeFactory(), staticConfigs{}, nil)
	err := m.Ensure(context.Background(), 99, "GET /a@1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownDataSource)
}

func TestResync_ReplacesReferenceSets(t *testing.T) {
	f := newFakeFactory()
	m := newTestManager(f, testConfigs(1, 2), nil)
	ctx := context.Background()

	require.NoError(t, m.Ensure(ctx, 1, "GET /a@1"))
	require.NoError(t, m.Ensure(ctx, 2, "GET /b@1"))

	m.Resync(map[int64][]string{1: {"GET /a@1", "GET /c@1"}, 3: {"GET /x@1"}})

	assert.Equal(t, []string{"GET /a@1", "GET /c@1"}, m.References(1))
	assert.Empty(t, m.References(2))
	assert.False(t, m.InUse(3), "untracked ids are not resurrected")

	ran, closed := m.Sweep()
	assert.True(t, ran)
	assert.Equal(t, 1, closed)
	assert.Equal(t, []int64{1}, m.Tracked())
}

func TestSweep_RejectsConcurrentRun(t *testing.T) {
	m := newTestManager(newFakeFactory(), testConfigs(), nil)
	m.sweeping.Store(true)

	ran, closed := m.Sweep()
	assert.False(t, ran)
	assert.Zero(t, closed)

	m.sweeping.Store(false)
	ran, _ = m.Sweep()
	assert.True(t, ran)
}

func TestCleanup_CloseFailureStillUntracks(t *testing.T) {
	f := newFakeFactory()
	f.closeErr[7] = errors.New("broken pipe")
	events := &eventLog{}
	m := newTestManager(f, testConfigs(7), events)

	require.NoError(t, m.Ensure(context.Background(), 7, ""))
	assert.True(t, m.CheckAndCleanup(7))
	assert.Empty(t, m.Tracked())
	assert.Contains(t, events.categories(), audit.CategoryPoolCloseFailed)
}

func TestShutdownAll_AttemptsEveryPool(t *testing.T) {
	f := newFakeFactory()
	f.closeErr[1] = errors.New("boom one")
	f.closeErr[3] = errors.New("boom three")
	m := newTestManager(f, testConfigs(1, 2, 3), nil)
	ctx := context.Background()

	for _, id := range []int64{1, 2, 3} {
		require.NoError(t, m.Ensure(ctx, id, "GET /a@1"))
	}

	err := m.ShutdownAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom one")
	assert.Contains(t, err.Error(), "boom three")

	for _, id := range []int64{1, 2, 3} {
		assert.True(t, f.last(id).closed.Load(), "pool %d closed", id)
	}
	assert.Empty(t, m.Tracked())
	assert.ErrorIs(t, m.Ensure(ctx, 1, "GET /a@1"), ErrClosed)
}

func TestEnsureAndCleanup_NoRace(t *testing.T) {
	f := newFakeFactory()
	m := newTestManager(f, testConfigs(7), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = m.Ensure(ctx, 7, "GET /a@1")
		}()
		go func() {
			defer wg.Done()
			m.CheckAndCleanup(7)
		}()
	}
	wg.Wait()

	// The reference was never released, so the pool must survive.
	_, ok := m.Get(7)
	assert.True(t, ok)
	assert.Equal(t, 1, f.creations(7))
}

func TestKeyLocksArePruned(t *testing.T) {
	f := newFakeFactory()
	ids := []int64{1, 2, 3, 4, 5, 6, 7, 8}
	m := newTestManager(f, testConfigs(ids...), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range ids {
		for i := 0; i < 10; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_ = m.Ensure(ctx, id, "GET /a@1")
			}()
			go func() {
				defer wg.Done()
				m.CheckAndCleanup(id)
			}()
		}
	}
	wg.Wait()

	m.mu.Lock()
	assert.Empty(t, m.keyLocks, "no lock outlives its users")
	m.mu.Unlock()

	for _, id := range ids {
		m.Release(id, "GET /a@1")
		m.CheckAndCleanup(id)
	}
	assert.Empty(t, m.Tracked())
	m.mu.Lock()
	assert.Empty(t, m.keyLocks)
	m.mu.Unlock()
}

func TestStats(t *testing.T) {
	m := newTestManager(newFakeFactory(), testConfigs(2, 1), nil)
	ctx := context.Background()
	require.NoError(t, m.Ensure(ctx, 2, "GET /a@1"))
	require.NoError(t, m.Ensure(ctx, 1, "GET /b@1"))
	require.NoError(t, m.Ensure(ctx, 1, "GET /c@1"))

	stats := m.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, int64(1), stats[0].DataSourceID)
	assert.Equal(t, 2, stats[0].References)
	assert.Equal(t, int64(2), stats[1].DataSourceID)
	assert.Equal(t, 1, stats[1].References)
}
