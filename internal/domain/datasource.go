package domain

import (
	"fmt"
	"strings"
)

// DataSourceType names the backing-store kind of a data source.
type DataSourceType string

const (
	DataSourcePostgres DataSourceType = "postgres"
	DataSourceMySQL    DataSourceType = "mysql"
	DataSourceMongoDB  DataSourceType = "mongodb"
	DataSourceRedis    DataSourceType = "redis"
)

// ParseDataSourceType maps common spellings onto a known type.
func ParseDataSourceType(s string) (DataSourceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql", "pg":
		return DataSourcePostgres, nil
	case "mysql", "mariadb":
		return DataSourceMySQL, nil
	case "mongodb", "mongo":
		return DataSourceMongoDB, nil
	case "redis":
		return DataSourceRedis, nil
	default:
		return "", fmt.Errorf("unsupported data source type %q", s)
	}
}

// DataSourceConfig describes how to reach one backing data store.
type DataSourceConfig struct {
	ID       int64             `json:"id"`
	Name     string            `json:"name"`
	Type     string            `json:"type"`
	Host     string            `json:"host"`
	Port     int               `json:"port"`
	Database string            `json:"database"`
	Username string            `json:"-"`
	Password string            `json:"-"`
	Options  map[string]string `json:"options,omitempty"`
}

// Address returns host:port, leaving the port off when unset.
func (c DataSourceConfig) Address() string {
	if c.Port == 0 {
		return c.Host
	}
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Option returns the named option or def when absent.
func (c DataSourceConfig) Option(key, def string) string {
	if v, ok := c.Options[key]; ok && v != "" {
		return v
	}
	return def
}
