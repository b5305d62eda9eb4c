package file

import "time"

// Document is the top-level structure of the definitions YAML file.
type Document struct {
	DataSources []DataSourceProps `yaml:"data_sources"`
	Services    []ServiceProps    `yaml:"services"`
}

// DataSourceProps describes one backing data store.
type DataSourceProps struct {
	ID       int64             `yaml:"id"`
	Name     string            `yaml:"name"`
	Type     string            `yaml:"type"`
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	Database string            `yaml:"database"`
	Username string            `yaml:"username,omitempty"`
	Password string            `yaml:"password,omitempty"`
	Options  map[string]string `yaml:"options,omitempty"`
}

// ServiceProps describes one endpoint definition and its versions.
type ServiceProps struct {
	ID           int64          `yaml:"id"`
	Name         string         `yaml:"name"`
	Method       string         `yaml:"method"`
	Path         string         `yaml:"path"`
	DataSourceID int64          `yaml:"data_source_id"`
	SQL          string         `yaml:"sql,omitempty"`
	Description  string         `yaml:"description,omitempty"`
	CreatedBy    string         `yaml:"created_by,omitempty"`
	CreatedAt    time.Time      `yaml:"created_at,omitempty"`
	UpdatedAt    time.Time      `yaml:"updated_at,omitempty"`
	Published    bool           `yaml:"published"`
	Versions     []VersionProps `yaml:"versions,omitempty"`
}

// VersionProps describes one version of a service.
type VersionProps struct {
	Version      string    `yaml:"version"`
	Active       bool      `yaml:"active"`
	SQL          string    `yaml:"sql,omitempty"`
	DataSourceID int64     `yaml:"data_source_id,omitempty"`
	UpdatedAt    time.Time `yaml:"updated_at,omitempty"`
}
