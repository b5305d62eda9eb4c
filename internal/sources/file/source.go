// Package file serves endpoint definitions from a YAML file.
//
// The file is re-read at the start of every listing (page 1), so edits are
// picked up by the next reconciliation pass without a restart.
package file

import (
	"context"
	"sync"

	"github.com/MrSnakeDoc/apiregistry/internal/domain"
)

// Source implements sources.DefinitionSource over a YAML file.
type Source struct {
	loader *Loader

	mu      sync.RWMutex
	catalog *catalog
}

// NewSource creates a file-backed definition source.
func NewSource(path string) *Source {
	return &Source{loader: NewLoader(path)}
}

// ListPublished returns one page of published definitions.
func (s *Source) ListPublished(ctx context.Context, page, pageSize int) ([]domain.Definition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}

	load := s.current
	if page == 1 {
		load = s.reload
	}
	c, err := load()
	if err != nil {
		return nil, err
	}

	start := (page - 1) * pageSize
	if pageSize <= 0 || start >= len(c.published) {
		return []domain.Definition{}, nil
	}
	end := start + pageSize
	if end > len(c.published) {
		end = len(c.published)
	}

	out := make([]domain.Definition, end-start)
	copy(out, c.published[start:end])
	return out, nil
}

// GetActiveVersion returns the active version of serviceID, or nil.
func (s *Source) GetActiveVersion(ctx context.Context, serviceID int64) (*domain.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := s.current()
	if err != nil {
		return nil, err
	}
	v, ok := c.versions[serviceID]
	if !ok {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

// GetDataSourceConfig returns the configuration of dataSourceID, or nil.
func (s *Source) GetDataSourceConfig(ctx context.Context, dataSourceID int64) (*domain.DataSourceConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := s.current()
	if err != nil {
		return nil, err
	}
	ds, ok := c.dataSources[dataSourceID]
	if !ok {
		return nil, nil
	}
	cp := *ds
	return &cp, nil
}

func (s *Source) reload() (*catalog, error) {
	doc, err := s.loader.Load()
	if err != nil {
		return nil, err
	}
	c := mapDocument(doc)

	s.mu.Lock()
	s.catalog = c
	s.mu.Unlock()
	return c, nil
}

func (s *Source) current() (*catalog, error) {
	s.mu.RLock()
	c := s.catalog
	s.mu.RUnlock()
	if c != nil {
		return c, nil
	}
	return s.reload()
}
