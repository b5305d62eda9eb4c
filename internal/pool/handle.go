// Package pool manages pooled connections to the data stores published
// services query. One handle exists per data source id; it is created on
// first use and closed once no registry entry references it.
package pool

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrSnakeDoc/apiregistry/internal/domain"
)

// Handle is an owned pooled connection to one data source.
type Handle interface {
	Kind() domain.DataSourceType
	Ping(ctx context.Context) error
	Close() error
}

// Factory creates a handle for a data source configuration.
type Factory interface {
	CreatePool(ctx context.Context, cfg domain.DataSourceConfig) (Handle, error)
}

// FactoryFunc adapts a function into a Factory.
type FactoryFunc func(ctx context.Context, cfg domain.DataSourceConfig) (Handle, error)

// CreatePool calls f(ctx, cfg).
func (f FactoryFunc) CreatePool(ctx context.Context, cfg domain.DataSourceConfig) (Handle, error) {
	return f(ctx, cfg)
}

// ConfigProvider resolves a data source id into its configuration.
// A nil config with a nil error means the data source does not exist.
type ConfigProvider interface {
	GetDataSourceConfig(ctx context.Context, dataSourceID int64) (*domain.DataSourceConfig, error)
}

var (
	// ErrUnknownDataSource is returned when no configuration exists for an id.
	ErrUnknownDataSource = errors.New("data source not configured")
	// ErrClosed is returned by Ensure after ShutdownAll.
	ErrClosed = errors.New("pool manager closed")
)

// CreationError reports a factory failure. The data source stays untracked.
type CreationError struct {
	DataSourceID int64
	Err          error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("create pool for data source %d: %v", e.DataSourceID, e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }

// CloseError reports a handle that failed to close.
type CloseError struct {
	DataSourceID int64
	Err          error
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("close pool for data source %d: %v", e.DataSourceID, e.Err)
}

func (e *CloseError) Unwrap() error { return e.Err }
