package domain

import "time"

// Definition is a published endpoint definition as persisted by the
// definition store. It carries the fields every version inherits.
type Definition struct {
	ServiceID    int64
	Name         string
	Path         string
	Method       string
	DataSourceID int64
	SQLContent   string
	Description  string
	CreatedBy    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Version is the active version of a definition.
// Zero-valued fields fall back to the owning Definition.
type Version struct {
	Version      string
	IsActive     bool
	SQLContent   string
	DataSourceID int64
	UpdatedAt    time.Time
}

// BuildEntry merges a definition with its active version into a fresh entry.
func BuildEntry(def Definition, ver Version) ServiceEntry {
	entry := ServiceEntry{
		ServiceID:    def.ServiceID,
		Name:         def.Name,
		Path:         def.Path,
		Method:       NormalizeMethod(def.Method),
		Version:      ver.Version,
		IsActive:     ver.IsActive,
		SQLContent:   def.SQLContent,
		DataSourceID: def.DataSourceID,
		Description:  def.Description,
		CreatedBy:    def.CreatedBy,
		CreatedAt:    def.CreatedAt,
		UpdatedAt:    def.UpdatedAt,
	}
	if ver.SQLContent != "" {
		entry.SQLContent = ver.SQLContent
	}
	if ver.DataSourceID != 0 {
		entry.DataSourceID = ver.DataSourceID
	}
	if !ver.UpdatedAt.IsZero() {
		entry.UpdatedAt = ver.UpdatedAt
	}
	return entry
}
