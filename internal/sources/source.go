// Package sources defines read-only access to published endpoint definitions.
//
// Fetching desired state lives behind DefinitionSource so that a push-based
// trigger (a change feed, a webhook) can drive reconciliation without touching
// the diff and apply logic.
package sources

import (
	"context"
	"errors"

	"github.com/MrSnakeDoc/apiregistry/internal/domain"
)

// ErrNotFound is returned by implementations that cannot express absence
// with a nil result. Callers treat it the same as (nil, nil).
var ErrNotFound = errors.New("not found")

// DefinitionSource is the read side of the definition store.
type DefinitionSource interface {
	// ListPublished returns one page of published definitions ordered by
	// service id. Pages are 1-based; a page shorter than pageSize is the last.
	ListPublished(ctx context.Context, page, pageSize int) ([]domain.Definition, error)

	// GetActiveVersion returns the active version of a service, or nil when
	// the service has none.
	GetActiveVersion(ctx context.Context, serviceID int64) (*domain.Version, error)

	// GetDataSourceConfig returns the configuration of a data source, or nil
	// when it does not exist.
	GetDataSourceConfig(ctx context.Context, dataSourceID int64) (*domain.DataSourceConfig, error)
}

// IsNotFound reports whether err means "absent" rather than a failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
