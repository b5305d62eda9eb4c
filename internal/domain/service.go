package domain

import (
	"strings"
	"time"
)

// ServiceKey identifies one routable endpoint instance.
//
// Two entries with the same Method, Path and Version are the same endpoint,
// whatever their ServiceID.
type ServiceKey struct {
	Method  string
	Path    string
	Version string
}

// NewServiceKey builds a key with the HTTP method upper-cased and the path
// trimmed, so lookups are insensitive to caller casing of the method.
func NewServiceKey(method, path, version string) ServiceKey {
	return ServiceKey{
		Method:  NormalizeMethod(method),
		Path:    strings.TrimSpace(path),
		Version: strings.TrimSpace(version),
	}
}

// String renders the key as "GET /api/users/{id}@1.0".
func (k ServiceKey) String() string {
	return k.Method + " " + k.Path + "@" + k.Version
}

// NormalizeMethod upper-cases and trims an HTTP method.
func NormalizeMethod(method string) string {
	return strings.ToUpper(strings.TrimSpace(method))
}

// ServiceEntry is the published runtime view of one endpoint version.
//
// It is an immutable value: a reconciliation pass never mutates an entry in
// place, it builds a fresh one and replaces the old one wholesale.
type ServiceEntry struct {
	// ─────────────────────────────
	// Identity
	// ─────────────────────────────

	ServiceID int64
	Name      string
	Path      string
	Method    string
	Version   string

	// ─────────────────────────────
	// Runtime definition
	// ─────────────────────────────

	IsActive bool

	// SQLContent is the opaque query definition executed by the dispatcher.
	SQLContent string

	DataSourceID int64

	// DataSource is a denormalized snapshot of the data-source configuration
	// taken during the pass. It may be nil when enrichment failed.
	DataSource *DataSourceConfig

	// ─────────────────────────────
	// Provenance
	// ─────────────────────────────

	Description string
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Key returns the routing identity of the entry.
func (e ServiceEntry) Key() ServiceKey {
	return NewServiceKey(e.Method, e.Path, e.Version)
}

// Differs reports whether next should replace e as an update.
// Any single difference in UpdatedAt, SQLContent or IsActive is enough.
func (e ServiceEntry) Differs(next ServiceEntry) bool {
	return !e.UpdatedAt.Equal(next.UpdatedAt) ||
		e.SQLContent != next.SQLContent ||
		e.IsActive != next.IsActive
}
