// Package scheduler runs the periodic control loops: registry
// reconciliation and the defensive pool sweep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrSnakeDoc/apiregistry/internal/audit"
	"github.com/MrSnakeDoc/apiregistry/internal/domain"
	"github.com/MrSnakeDoc/apiregistry/internal/index"
	"github.com/MrSnakeDoc/apiregistry/internal/logger"
	"github.com/MrSnakeDoc/apiregistry/internal/metrics"
	"github.com/MrSnakeDoc/apiregistry/internal/pool"
	"github.com/MrSnakeDoc/apiregistry/internal/sources"
)

// Pools is the part of the pool manager the reconciler drives.
type Pools interface {
	Ensure(ctx context.Context, dataSourceID int64, referrer string) error
	Release(dataSourceID int64, referrer string)
	CheckAndCleanup(dataSourceID int64) bool
	Resync(refs map[int64][]string)
	Get(dataSourceID int64) (pool.Handle, bool)
}

// ReconcilerOptions tunes a Reconciler.
type ReconcilerOptions struct {
	Interval          time.Duration
	PageSize          int
	MaxDefinitions    int // 0 means no cap
	LookupTimeout     time.Duration
	LookupConcurrency int
}

// Reconciler keeps the registry in line with the published definitions.
type Reconciler struct {
	source   sources.DefinitionSource
	registry *index.Registry
	pools    Pools
	events   audit.Recorder
	logger   logger.Logger
	opts     ReconcilerOptions

	passMu sync.Mutex
	state  atomic.Value // State
	ready  atomic.Bool

	statsMu  sync.RWMutex
	stats    ChangeStats
	lastScan time.Time
	last     *PassResult

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewReconciler creates a reconciler. Call Start to run it on a timer.
func NewReconciler(
	source sources.DefinitionSource,
	registry *index.Registry,
	pools Pools,
	events audit.Recorder,
	log logger.Logger,
	opts ReconcilerOptions,
) *Reconciler {
	if events == nil {
		events = audit.Discard
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 5 * time.Second
	}
	if opts.LookupConcurrency <= 0 {
		opts.LookupConcurrency = 1
	}

	r := &Reconciler{
		source:   source,
		registry: registry,
		pools:    pools,
		events:   events,
		logger:   log,
		opts:     opts,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	r.state.Store(StateIdle)
	return r
}

// Start runs a first pass, then one pass per interval counted from the end
// of the previous one. A failed first pass is logged; the loop still starts.
func (r *Reconciler) Start(ctx context.Context) {
	if res := r.Trigger(ctx); res.Err != nil {
		r.logger.Warn("initial reconciliation failed, serving empty registry until next pass",
			logger.Error(res.Err))
	}

	r.started.Store(true)
	go func() {
		defer close(r.doneCh)
		timer := time.NewTimer(r.opts.Interval)
		defer timer.Stop()
		for {
			select {
			case <-timer.C:
				r.Trigger(ctx)
				timer.Reset(r.opts.Interval)
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the timer loop and waits for an in-flight pass to finish.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	if r.started.Load() {
		<-r.doneCh
	}
	r.passMu.Lock()
	defer r.passMu.Unlock()
}

// Trigger runs one pass synchronously. Concurrent callers are serialized;
// failures are reported in the result, never panicked.
func (r *Reconciler) Trigger(ctx context.Context) PassResult {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	res := PassResult{PassID: uuid.NewString(), StartedAt: time.Now()}
	res.Err = r.run(ctx, &res)
	res.Duration = time.Since(res.StartedAt)

	metrics.ReconcileDuration.Observe(res.Duration.Seconds())
	metrics.ReconcilePasses.WithLabelValues(metrics.Status(res.Err)).Inc()

	if res.Err != nil {
		r.fail(&res)
	} else {
		r.complete(&res)
	}

	r.statsMu.Lock()
	r.last = &res
	r.statsMu.Unlock()
	return res
}

func (r *Reconciler) run(ctx context.Context, res *PassResult) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PassError{Stage: r.State(), Err: fmt.Errorf("panic: %v", p), Stack: string(debug.Stack())}
		}
	}()

	r.setState(StateScanning)
	r.emit(res, audit.Event{Category: audit.CategoryDiscoveryStart, Target: "registry", Success: true})

	defs, err := r.fetchAll(ctx)
	if err != nil {
		return &PassError{Stage: StateScanning, Err: err}
	}

	current := r.registry.Snapshot()
	candidate, err := r.resolve(ctx, defs, current, res)
	if err != nil {
		return &PassError{Stage: StateScanning, Err: err}
	}

	r.setState(StateDiffing)
	d := diff(current, candidate)

	r.setState(StateApplying)
	r.apply(ctx, d, candidate, res)

	r.setState(StateSwapping)
	r.registry.Publish(index.NewSnapshot(candidate, time.Now()))

	res.Added = len(d.added)
	res.Updated = len(d.updated)
	res.Removed = len(d.removed)
	res.Total = len(candidate)
	return nil
}

// fetchAll pages through the published definitions until a short page or
// the definition cap.
func (r *Reconciler) fetchAll(ctx context.Context) ([]domain.Definition, error) {
	var all []domain.Definition
	for page := 1; ; page++ {
		defs, err := r.source.ListPublished(ctx, page, r.opts.PageSize)
		if err != nil {
			return nil, fmt.Errorf("list published page %d: %w", page, err)
		}
		all = append(all, defs...)

		if r.opts.MaxDefinitions > 0 && len(all) >= r.opts.MaxDefinitions {
			truncated := len(all) > r.opts.MaxDefinitions
			if !truncated && len(defs) == r.opts.PageSize {
				// The cap landed on a page boundary; look one page ahead.
				more, err := r.source.ListPublished(ctx, page+1, r.opts.PageSize)
				if err != nil {
					return nil, fmt.Errorf("list published page %d: %w", page+1, err)
				}
				truncated = len(more) > 0
			}
			if truncated {
				r.logger.Warn("definition cap reached, remaining definitions ignored",
					logger.Int("cap", r.opts.MaxDefinitions))
			}
			return all[:r.opts.MaxDefinitions], nil
		}
		if len(defs) < r.opts.PageSize {
			return all, nil
		}
	}
}

type resolved struct {
	serviceID int64
	entry     domain.ServiceEntry
	ok        bool
	skipped   bool
}

// resolve looks up every active version with bounded concurrency and builds
// the candidate map. Lookup failures and timeouts skip the service; its
// currently published entries are carried over unchanged.
func (r *Reconciler) resolve(ctx context.Context, defs []domain.Definition, current *index.Snapshot, res *PassResult) (map[domain.ServiceKey]domain.ServiceEntry, error) {
	results := make([]resolved, len(defs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.LookupConcurrency)
	for i := range defs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = r.resolveOne(gctx, defs[i], res)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configs := r.dataSourceConfigs(ctx, results)

	candidate := make(map[domain.ServiceKey]domain.ServiceEntry, len(results))
	skipped := make(map[int64]bool)
	for _, rs := range results {
		if rs.skipped {
			res.Skipped++
			skipped[rs.serviceID] = true
		}
		if !rs.ok {
			continue
		}
		entry := rs.entry
		entry.DataSource = configs[entry.DataSourceID]

		key := entry.Key()
		if prev, dup := candidate[key]; dup {
			r.logger.Warn("duplicate service key, keeping the later definition",
				logger.String("key", key.String()),
				logger.Int64("dropped_service_id", prev.ServiceID),
				logger.Int64("kept_service_id", entry.ServiceID))
			r.emit(res, audit.Event{
				Category:  audit.CategoryDuplicateKey,
				ServiceID: entry.ServiceID,
				Target:    key.String(),
				Version:   key.Version,
				Success:   false,
				Detail:    audit.Detail{"dropped_service_id": strconv.FormatInt(prev.ServiceID, 10)},
			})
		}
		candidate[key] = entry
	}

	if len(skipped) > 0 {
		for key, prev := range current.Entries() {
			if !skipped[prev.ServiceID] {
				continue
			}
			if _, taken := candidate[key]; taken {
				continue
			}
			candidate[key] = prev
			r.logger.Debug("keeping published entry of skipped service",
				logger.String("key", key.String()),
				logger.Int64("service_id", prev.ServiceID))
		}
	}
	return candidate, nil
}

func (r *Reconciler) resolveOne(ctx context.Context, def domain.Definition, res *PassResult) resolved {
	lctx, cancel := context.WithTimeout(ctx, r.opts.LookupTimeout)
	defer cancel()

	start := time.Now()
	ver, err := r.source.GetActiveVersion(lctx, def.ServiceID)
	if err != nil && !sources.IsNotFound(err) {
		if ctx.Err() != nil {
			return resolved{}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("active version lookup timed out after %v: %w", r.opts.LookupTimeout, err)
		}
		r.logger.Warn("skipping service, active version lookup failed",
			logger.Int64("service_id", def.ServiceID),
			logger.String("path", def.Path),
			logger.Error(err))
		r.emit(res, audit.Event{
			Category:  audit.CategoryServiceSkipped,
			ServiceID: def.ServiceID,
			Target:    domain.NormalizeMethod(def.Method) + " " + def.Path,
			Duration:  time.Since(start).Milliseconds(),
			Error:     err.Error(),
		})
		return resolved{serviceID: def.ServiceID, skipped: true}
	}

	if ver == nil || !ver.IsActive {
		r.logger.Debug("service has no active version",
			logger.Int64("service_id", def.ServiceID),
			logger.String("path", def.Path))
		return resolved{}
	}
	return resolved{entry: domain.BuildEntry(def, *ver), ok: true}
}

// dataSourceConfigs fetches each referenced data source once per pass.
// Missing or failing lookups leave the entry without enrichment.
func (r *Reconciler) dataSourceConfigs(ctx context.Context, results []resolved) map[int64]*domain.DataSourceConfig {
	configs := make(map[int64]*domain.DataSourceConfig)
	for _, rs := range results {
		id := rs.entry.DataSourceID
		if !rs.ok || id == 0 {
			continue
		}
		if _, seen := configs[id]; seen {
			continue
		}

		lctx, cancel := context.WithTimeout(ctx, r.opts.LookupTimeout)
		cfg, err := r.source.GetDataSourceConfig(lctx, id)
		cancel()
		if err != nil && !sources.IsNotFound(err) {
			r.logger.Warn("data source enrichment failed",
				logger.Int64("data_source_id", id),
				logger.Error(err))
			cfg = nil
		}
		configs[id] = cfg
	}
	return configs
}

type changeSet struct {
	added   []domain.ServiceEntry
	updated []update
	removed []domain.ServiceEntry
}

type update struct {
	prev, next domain.ServiceEntry
}

func diff(current *index.Snapshot, candidate map[domain.ServiceKey]domain.ServiceEntry) changeSet {
	var d changeSet
	for key, next := range candidate {
		prev, ok := current.Get(key)
		switch {
		case !ok:
			d.added = append(d.added, next)
		case prev.Differs(next):
			d.updated = append(d.updated, update{prev: prev, next: next})
		}
	}
	for key, prev := range current.Entries() {
		if _, ok := candidate[key]; !ok {
			d.removed = append(d.removed, prev)
		}
	}

	sort.Slice(d.added, func(i, j int) bool { return d.added[i].Key().String() < d.added[j].Key().String() })
	sort.Slice(d.updated, func(i, j int) bool { return d.updated[i].next.Key().String() < d.updated[j].next.Key().String() })
	sort.Slice(d.removed, func(i, j int) bool { return d.removed[i].Key().String() < d.removed[j].Key().String() })
	return d
}

// apply runs the pool side effects of a change set. Pool failures never
// abort the pass.
func (r *Reconciler) apply(ctx context.Context, d changeSet, candidate map[domain.ServiceKey]domain.ServiceEntry, res *PassResult) {
	changed := make(map[domain.ServiceKey]bool, len(d.added)+len(d.updated))
	// One creation attempt per data source per pass.
	failed := make(map[int64]error)

	for _, e := range d.added {
		changed[e.Key()] = true
		err := r.ensure(ctx, e, failed)
		r.emitChange(res, audit.CategoryServiceAdded, e, err)
	}

	var released []int64
	for _, u := range d.updated {
		changed[u.next.Key()] = true
		err := r.ensure(ctx, u.next, failed)
		if u.prev.DataSourceID != 0 && u.prev.DataSourceID != u.next.DataSourceID {
			r.pools.Release(u.prev.DataSourceID, u.prev.Key().String())
			released = append(released, u.prev.DataSourceID)
		}
		r.emitChange(res, audit.CategoryServiceUpdated, u.next, err)
	}

	// Unchanged entries whose pool is missing, e.g. after a creation failure.
	for key, e := range candidate {
		if changed[key] || e.DataSourceID == 0 {
			continue
		}
		if _, ok := r.pools.Get(e.DataSourceID); !ok {
			if err := r.ensure(ctx, e, failed); err == nil {
				r.logger.Info("pool recreated for unchanged service",
					logger.String("key", key.String()),
					logger.Int64("data_source_id", e.DataSourceID))
			}
		}
	}

	for _, e := range d.removed {
		if e.DataSourceID != 0 {
			r.pools.Release(e.DataSourceID, e.Key().String())
			released = append(released, e.DataSourceID)
		}
		r.emitChange(res, audit.CategoryServiceRemoved, e, nil)
	}
	for _, id := range released {
		r.pools.CheckAndCleanup(id)
	}

	refs := make(map[int64][]string)
	for key, e := range candidate {
		if e.DataSourceID != 0 {
			refs[e.DataSourceID] = append(refs[e.DataSourceID], key.String())
		}
	}
	r.pools.Resync(refs)

	metrics.RegistryChanges.WithLabelValues("added").Add(float64(len(d.added)))
	metrics.RegistryChanges.WithLabelValues("updated").Add(float64(len(d.updated)))
	metrics.RegistryChanges.WithLabelValues("removed").Add(float64(len(d.removed)))
}

func (r *Reconciler) ensure(ctx context.Context, e domain.ServiceEntry, failed map[int64]error) error {
	if e.DataSourceID == 0 {
		return nil
	}
	if err, ok := failed[e.DataSourceID]; ok {
		return err
	}
	err := r.pools.Ensure(ctx, e.DataSourceID, e.Key().String())
	if err != nil {
		failed[e.DataSourceID] = err
		r.logger.Warn("pool ensure failed, will retry next pass",
			logger.String("key", e.Key().String()),
			logger.Int64("data_source_id", e.DataSourceID),
			logger.Error(err))
	}
	return err
}

func (r *Reconciler) emitChange(res *PassResult, cat audit.Category, e domain.ServiceEntry, err error) {
	ev := audit.Event{
		Category:  cat,
		ServiceID: e.ServiceID,
		Target:    e.Key().String(),
		Version:   e.Version,
		Success:   err == nil,
		Actor:     e.CreatedBy,
		Detail:    audit.Detail{"data_source_id": strconv.FormatInt(e.DataSourceID, 10)},
	}
	if err != nil {
		ev.Error = err.Error()
	}
	r.emit(res, ev)
}

func (r *Reconciler) emit(res *PassResult, ev audit.Event) {
	if ev.Detail == nil {
		ev.Detail = audit.Detail{}
	}
	ev.Detail["pass_id"] = res.PassID
	if ev.Trigger == "" {
		ev.Trigger = "reconcile"
	}
	r.events.Submit(ev)
}

func (r *Reconciler) complete(res *PassResult) {
	r.statsMu.Lock()
	r.stats.Added += int64(res.Added)
	r.stats.Updated += int64(res.Updated)
	r.stats.Removed += int64(res.Removed)
	r.lastScan = res.StartedAt
	r.statsMu.Unlock()

	r.ready.Store(true)
	r.setState(StateIdle)
	metrics.RegistryEntries.Set(float64(r.registry.Count()))

	r.emit(res, audit.Event{
		Category: audit.CategoryDiscoveryComplete,
		Target:   "registry",
		Success:  true,
		Duration: res.Duration.Milliseconds(),
		Records:  int64(res.Total),
		Detail: audit.Detail{
			"added":   strconv.Itoa(res.Added),
			"updated": strconv.Itoa(res.Updated),
			"removed": strconv.Itoa(res.Removed),
			"skipped": strconv.Itoa(res.Skipped),
		},
	})

	if res.Added+res.Updated+res.Removed > 0 {
		r.logger.Info("registry reconciled",
			logger.String("pass_id", res.PassID),
			logger.Int("added", res.Added),
			logger.Int("updated", res.Updated),
			logger.Int("removed", res.Removed),
			logger.Int("skipped", res.Skipped),
			logger.Int("total", res.Total),
			logger.Duration("elapsed", res.Duration))
	} else {
		r.logger.Debug("registry unchanged",
			logger.String("pass_id", res.PassID),
			logger.Int("total", res.Total))
	}
}

func (r *Reconciler) fail(res *PassResult) {
	r.setState(StateError)

	ev := audit.Event{
		Category: audit.CategoryDiscoveryError,
		Target:   "registry",
		Duration: res.Duration.Milliseconds(),
		Error:    res.Err.Error(),
	}
	var perr *PassError
	if errors.As(res.Err, &perr) {
		ev.Stack = perr.Stack
		ev.Detail = audit.Detail{"stage": string(perr.Stage)}
	}
	r.emit(res, ev)

	r.logger.Error("reconciliation pass aborted, keeping previous registry",
		logger.String("pass_id", res.PassID),
		logger.Error(res.Err))
	r.setState(StateIdle)
}

func (r *Reconciler) setState(s State) { r.state.Store(s) }

// State returns the phase of the current pass, or idle.
func (r *Reconciler) State() State { return r.state.Load().(State) }

// Ready reports whether at least one pass has published a snapshot.
func (r *Reconciler) Ready() bool { return r.ready.Load() }

// LastResult returns the outcome of the most recent pass.
func (r *Reconciler) LastResult() (PassResult, bool) {
	r.statsMu.RLock()
	defer r.statsMu.RUnlock()
	if r.last == nil {
		return PassResult{}, false
	}
	return *r.last, true
}

// ChangeStatistics returns cumulative added, updated and removed counts.
func (r *Reconciler) ChangeStatistics() ChangeStats {
	r.statsMu.RLock()
	defer r.statsMu.RUnlock()
	return r.stats
}

// ResetStatistics zeroes the cumulative counters.
func (r *Reconciler) ResetStatistics() {
	r.statsMu.Lock()
	r.stats = ChangeStats{}
	r.statsMu.Unlock()
}

// LastScanTime returns when the last successful pass started.
func (r *Reconciler) LastScanTime() time.Time {
	r.statsMu.RLock()
	defer r.statsMu.RUnlock()
	return r.lastScan
}

// PublishedAt returns when the live snapshot was published, zero before the
// first successful pass.
func (r *Reconciler) PublishedAt() time.Time {
	return r.registry.LastPublished()
}

// Lookup returns the active entry for method+path.
func (r *Reconciler) Lookup(method, path string) (domain.ServiceEntry, bool) {
	return r.registry.Lookup(method, path)
}

// Get returns the entry stored under key.
func (r *Reconciler) Get(key domain.ServiceKey) (domain.ServiceEntry, bool) {
	return r.registry.Get(key)
}

// ListAll returns a copy of the current entries.
func (r *Reconciler) ListAll() []domain.ServiceEntry {
	return r.registry.List()
}
