package pool

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/MrSnakeDoc/apiregistry/internal/audit"
	"github.com/MrSnakeDoc/apiregistry/internal/domain"
	"github.com/MrSnakeDoc/apiregistry/internal/logger"
	"github.com/MrSnakeDoc/apiregistry/internal/metrics"
)

const defaultCreateTimeout = 10 * time.Second

// keyLock serializes work on one data source id. users counts holders and
// waiters so the lock can be dropped once nobody needs it.
type keyLock struct {
	mu    sync.Mutex
	users int
}

type entry struct {
	handle    Handle
	name      string
	createdAt time.Time
}

// Stat describes one tracked pool.
type Stat struct {
	DataSourceID int64                 `json:"data_source_id"`
	Name         string                `json:"name"`
	Kind         domain.DataSourceType `json:"kind"`
	References   int                   `json:"references"`
	CreatedAt    time.Time             `json:"created_at"`
}

// Manager owns the data source id to handle map.
//
// References are distinct referrer sets (registry keys), so a pool is in use
// exactly while some published entry points at it. Lock order is the
// per-id lock first, then mu.
type Manager struct {
	factory       Factory
	configs       ConfigProvider
	events        audit.Recorder
	log           logger.Logger
	createTimeout time.Duration

	mu       sync.Mutex
	pools    map[int64]*entry
	refs     map[int64]map[string]struct{}
	keyLocks map[int64]*keyLock
	closed   bool

	sweeping atomic.Bool
}

// NewManager creates a manager. events may be nil.
func NewManager(factory Factory, configs ConfigProvider, events audit.Recorder, log logger.Logger, createTimeout time.Duration) *Manager {
	if events == nil {
		events = audit.Discard
	}
	if log == nil {
		log = logger.NewNop()
	}
	if createTimeout <= 0 {
		createTimeout = defaultCreateTimeout
	}
	return &Manager{
		factory:       factory,
		configs:       configs,
		events:        events,
		log:           log,
		createTimeout: createTimeout,
		pools:         make(map[int64]*entry),
		refs:          make(map[int64]map[string]struct{}),
		keyLocks:      make(map[int64]*keyLock),
	}
}

// lock takes id's lock and returns its release func. The map entry is
// removed when the last user releases it.
func (m *Manager) lock(id int64) func() {
	m.mu.Lock()
	kl, ok := m.keyLocks[id]
	if !ok {
		kl = &keyLock{}
		m.keyLocks[id] = kl
	}
	kl.users++
	m.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		m.mu.Lock()
		kl.users--
		if kl.users == 0 {
			delete(m.keyLocks, id)
		}
		m.mu.Unlock()
	}
}

// Ensure records referrer against id and creates the pool if none exists.
// Concurrent calls for the same id create at most one pool. On failure the
// id is left untracked and a *CreationError is returned.
func (m *Manager) Ensure(ctx context.Context, id int64, referrer string) error {
	unlock := m.lock(id)
	defer unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	set, ok := m.refs[id]
	if !ok {
		set = make(map[string]struct{})
		m.refs[id] = set
	}
	if referrer != "" {
		set[referrer] = struct{}{}
	}
	_, exists := m.pools[id]
	m.mu.Unlock()

	if exists {
		return nil
	}

	start := time.Now()
	h, name, err := m.create(ctx, id)
	elapsed := time.Since(start)
	if err != nil {
		m.mu.Lock()
		delete(m.refs, id)
		m.mu.Unlock()

		cerr := &CreationError{DataSourceID: id, Err: err}
		metrics.PoolOperations.WithLabelValues("create", "error").Inc()
		m.log.Warn("pool creation failed",
			logger.Int64("data_source_id", id),
			logger.Error(err))
		m.events.Submit(audit.Event{
			Category: audit.CategoryPoolCreateFailed,
			Target:   target(id),
			Trigger:  "ensure",
			Duration: elapsed.Milliseconds(),
			Error:    err.Error(),
			Detail:   audit.Detail{"referrer": referrer},
		})
		return cerr
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = h.Close()
		return ErrClosed
	}
	m.pools[id] = &entry{handle: h, name: name, createdAt: time.Now()}
	open := len(m.pools)
	m.mu.Unlock()

	metrics.PoolOperations.WithLabelValues("create", "ok").Inc()
	metrics.PoolsOpen.Set(float64(open))
	m.log.Info("pool created",
		logger.Int64("data_source_id", id),
		logger.String("name", name),
		logger.String("kind", string(h.Kind())),
		logger.Duration("elapsed", elapsed))
	m.events.Submit(audit.Event{
		Category: audit.CategoryPoolCreated,
		Target:   target(id),
		Trigger:  "ensure",
		Success:  true,
		Duration: elapsed.Milliseconds(),
		Detail:   audit.Detail{"kind": string(h.Kind()), "name": name, "referrer": referrer},
	})
	return nil
}

func (m *Manager) create(ctx context.Context, id int64) (Handle, string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.createTimeout)
	defer cancel()

	cfg, err := m.configs.GetDataSourceConfig(ctx, id)
	if err != nil {
		return nil, "", fmt.Errorf("resolve config: %w", err)
	}
	if cfg == nil {
		return nil, "", ErrUnknownDataSource
	}

	h, err := m.factory.CreatePool(ctx, *cfg)
	if err != nil {
		return nil, cfg.Name, err
	}
	return h, cfg.Name, nil
}

// Release drops referrer from id's reference set. It never closes the pool;
// call CheckAndCleanup afterwards.
func (m *Manager) Release(id int64, referrer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.refs[id]; ok {
		delete(set, referrer)
	}
}

// Resync replaces the reference sets of every tracked pool with refs.
// Ids without a pool are not created here.
func (m *Manager) Resync(refs map[int64][]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[int64]map[string]struct{}, len(m.pools))
	for id := range m.pools {
		set := make(map[string]struct{}, len(refs[id]))
		for _, r := range refs[id] {
			set[r] = struct{}{}
		}
		next[id] = set
	}
	m.refs = next
}

// CheckAndCleanup closes and untracks id's pool when nothing references it.
// It reports whether a pool was removed. Close failures are logged and the
// pool is untracked anyway.
func (m *Manager) CheckAndCleanup(id int64) bool {
	return m.cleanup(id, "check")
}

func (m *Manager) cleanup(id int64, trigger string) bool {
	unlock := m.lock(id)
	defer unlock()

	m.mu.Lock()
	if len(m.refs[id]) > 0 {
		m.mu.Unlock()
		return false
	}
	e, ok := m.pools[id]
	delete(m.pools, id)
	delete(m.refs, id)
	open := len(m.pools)
	m.mu.Unlock()

	if !ok {
		return false
	}
	metrics.PoolsOpen.Set(float64(open))
	m.closeEntry(id, e, trigger)
	return true
}

func (m *Manager) closeEntry(id int64, e *entry, trigger string) error {
	start := time.Now()
	err := e.handle.Close()
	elapsed := time.Since(start)

	if err != nil {
		metrics.PoolOperations.WithLabelValues("close", "error").Inc()
		m.log.Warn("pool close failed",
			logger.Int64("data_source_id", id),
			logger.String("name", e.name),
			logger.Error(err))
		m.events.Submit(audit.Event{
			Category: audit.CategoryPoolCloseFailed,
			Target:   target(id),
			Trigger:  trigger,
			Duration: elapsed.Milliseconds(),
			Error:    err.Error(),
		})
		return &CloseError{DataSourceID: id, Err: err}
	}

	metrics.PoolOperations.WithLabelValues("close", "ok").Inc()
	m.log.Info("pool closed",
		logger.Int64("data_source_id", id),
		logger.String("name", e.name),
		logger.String("trigger", trigger))
	m.events.Submit(audit.Event{
		Category: audit.CategoryPoolClosed,
		Target:   target(id),
		Trigger:  trigger,
		Success:  true,
		Duration: elapsed.Milliseconds(),
		Detail:   audit.Detail{"lifetime": time.Since(e.createdAt).Round(time.Second).String()},
	})
	return nil
}

// Sweep runs CheckAndCleanup over every tracked id. A sweep already in
// progress makes this call return false without doing anything.
func (m *Manager) Sweep() (ran bool, closed int) {
	if !m.sweeping.CompareAndSwap(false, true) {
		return false, 0
	}
	defer m.sweeping.Store(false)

	start := time.Now()
	ids := m.Tracked()
	for _, id := range ids {
		if m.cleanup(id, "sweep") {
			closed++
		}
	}

	metrics.PoolOperations.WithLabelValues("sweep", "ok").Inc()
	m.events.Submit(audit.Event{
		Category: audit.CategoryPoolSweep,
		Target:   "pools",
		Trigger:  "sweep",
		Success:  true,
		Duration: time.Since(start).Milliseconds(),
		Detail: audit.Detail{
			"checked": strconv.Itoa(len(ids)),
			"closed":  strconv.Itoa(closed),
		},
	})
	return true, closed
}

// Get returns the pool for id.
func (m *Manager) Get(id int64) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pools[id]
	if !ok {
		return nil, false
	}
	return e.handle, true
}

// InUse reports whether id has at least one referrer.
func (m *Manager) InUse(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.refs[id]) > 0
}

// References returns the sorted referrers of id.
func (m *Manager) References(id int64) []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.refs[id]))
	for r := range m.refs[id] {
		out = append(out, r)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

// Tracked returns the ids with a live pool, ascending.
func (m *Manager) Tracked() []int64 {
	m.mu.Lock()
	out := make([]int64, 0, len(m.pools))
	for id := range m.pools {
		out = append(out, id)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Stats describes every tracked pool, ordered by id.
func (m *Manager) Stats() []Stat {
	m.mu.Lock()
	out := make([]Stat, 0, len(m.pools))
	for id, e := range m.pools {
		out = append(out, Stat{
			DataSourceID: id,
			Name:         e.name,
			Kind:         e.handle.Kind(),
			References:   len(m.refs[id]),
			CreatedAt:    e.createdAt,
		})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DataSourceID < out[j].DataSourceID })
	return out
}

// ShutdownAll closes every pool regardless of references. Every pool is
// attempted; failures are combined into the returned error.
func (m *Manager) ShutdownAll() error {
	m.mu.Lock()
	m.closed = true
	pools := m.pools
	m.pools = make(map[int64]*entry)
	m.refs = make(map[int64]map[string]struct{})
	m.mu.Unlock()
	metrics.PoolsOpen.Set(0)

	ids := make([]int64, 0, len(pools))
	for id := range pools {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var errs error
	for _, id := range ids {
		errs = multierr.Append(errs, m.closeEntry(id, pools[id], "shutdown"))
	}
	return errs
}

func target(id int64) string {
	return "datasource:" + strconv.FormatInt(id, 10)
}
