package index

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/MrSnakeDoc/apiregistry/internal/domain"
)

// route is the method+path part of a ServiceKey.
type route struct {
	method string
	path   string
}

// Snapshot is an immutable point-in-time view of the registry.
// Once built it is never modified, so it can be shared freely between readers.
type Snapshot struct {
	entries   map[domain.ServiceKey]domain.ServiceEntry
	active    map[route]domain.ServiceEntry // method+path -> active version
	published time.Time
}

// NewSnapshot copies entries into a fresh snapshot and indexes the active
// version of every method+path.
//
// When several active versions share a method+path, the most recently updated
// one wins; ties are broken by the highest version string so the choice is
// deterministic.
func NewSnapshot(entries map[domain.ServiceKey]domain.ServiceEntry, published time.Time) *Snapshot {
	s := &Snapshot{
		entries:   make(map[domain.ServiceKey]domain.ServiceEntry, len(entries)),
		active:    make(map[route]domain.ServiceEntry, len(entries)),
		published: published,
	}
	for key, entry := range entries {
		s.entries[key] = entry
		if !entry.IsActive {
			continue
		}
		r := route{method: key.Method, path: key.Path}
		current, ok := s.active[r]
		if !ok || preferred(entry, current) {
			s.active[r] = entry
		}
	}
	return s
}

func preferred(candidate, current domain.ServiceEntry) bool {
	if !candidate.UpdatedAt.Equal(current.UpdatedAt) {
		return candidate.UpdatedAt.After(current.UpdatedAt)
	}
	return candidate.Version > current.Version
}

// Get returns the entry stored under key.
func (s *Snapshot) Get(key domain.ServiceKey) (domain.ServiceEntry, bool) {
	entry, ok := s.entries[key]
	return entry, ok
}

// Len returns the number of entries.
func (s *Snapshot) Len() int { return len(s.entries) }

// PublishedAt returns when the snapshot was published.
func (s *Snapshot) PublishedAt() time.Time { return s.published }

// Entries returns a copy of the underlying map. Callers may mutate it.
func (s *Snapshot) Entries() map[domain.ServiceKey]domain.ServiceEntry {
	out := make(map[domain.ServiceKey]domain.ServiceEntry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// Registry publishes snapshots with a single atomic pointer swap.
// Readers never lock and never observe a partially built map.
type Registry struct {
	current atomic.Pointer[Snapshot]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.current.Store(NewSnapshot(nil, time.Time{}))
	return r
}

// Publish replaces the current snapshot and returns the previous one.
func (r *Registry) Publish(s *Snapshot) *Snapshot {
	return r.current.Swap(s)
}

// Snapshot returns the current snapshot. Consecutive reads against the same
// snapshot are guaranteed to be consistent with each other.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Lookup returns the active entry for method+path.
func (r *Registry) Lookup(method, path string) (domain.ServiceEntry, bool) {
	key := domain.NewServiceKey(method, path, "")
	entry, ok := r.Snapshot().active[route{method: key.Method, path: key.Path}]
	return entry, ok
}

// Get returns the entry registered under key, active or not.
func (r *Registry) Get(key domain.ServiceKey) (domain.ServiceEntry, bool) {
	return r.Snapshot().Get(domain.NewServiceKey(key.Method, key.Path, key.Version))
}

// List returns a copy of every entry, sorted by path, method then version.
func (r *Registry) List() []domain.ServiceEntry {
	snap := r.Snapshot()
	out := make([]domain.ServiceEntry, 0, len(snap.entries))
	for _, entry := range snap.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if a.Method != b.Method {
			return a.Method < b.Method
		}
		return a.Version < b.Version
	})
	return out
}

// Count returns the number of entries in the current snapshot.
func (r *Registry) Count() int {
	return r.Snapshot().Len()
}

// LastPublished returns when the current snapshot was published.
func (r *Registry) LastPublished() time.Time {
	return r.Snapshot().PublishedAt()
}
