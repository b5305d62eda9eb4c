package file

import (
	"sort"
	"strings"

	"github.com/MrSnakeDoc/apiregistry/internal/domain"
)

// catalog is the mapped, query-ready form of a Document.
type catalog struct {
	published   []domain.Definition
	versions    map[int64]*domain.Version
	dataSources map[int64]*domain.DataSourceConfig
}

// mapDocument converts a parsed Document into a catalog.
// Unpublished services and services without method or path are dropped.
// When a service lists several active versions, the last one wins.
func mapDocument(doc *Document) *catalog {
	c := &catalog{
		versions:    make(map[int64]*domain.Version),
		dataSources: make(map[int64]*domain.DataSourceConfig, len(doc.DataSources)),
	}

	for _, ds := range doc.DataSources {
		c.dataSources[ds.ID] = &domain.DataSourceConfig{
			ID:       ds.ID,
			Name:     ds.Name,
			Type:     ds.Type,
			Host:     ds.Host,
			Port:     ds.Port,
			Database: ds.Database,
			Username: ds.Username,
			Password: ds.Password,
			Options:  ds.Options,
		}
	}

	for _, svc := range doc.Services {
		if !svc.Published {
			continue
		}
		if strings.TrimSpace(svc.Method) == "" || strings.TrimSpace(svc.Path) == "" {
			continue
		}

		c.published = append(c.published, domain.Definition{
			ServiceID:    svc.ID,
			Name:         svc.Name,
			Path:         strings.TrimSpace(svc.Path),
			Method:       domain.NormalizeMethod(svc.Method),
			DataSourceID: svc.DataSourceID,
			SQLContent:   svc.SQL,
			Description:  svc.Description,
			CreatedBy:    svc.CreatedBy,
			CreatedAt:    svc.CreatedAt,
			UpdatedAt:    svc.UpdatedAt,
		})

		for _, v := range svc.Versions {
			if !v.Active {
				continue
			}
			c.versions[svc.ID] = &domain.Version{
				Version:      v.Version,
				IsActive:     true,
				SQLContent:   v.SQL,
				DataSourceID: v.DataSourceID,
				UpdatedAt:    v.UpdatedAt,
			}
		}
	}

	sort.SliceStable(c.published, func(i, j int) bool {
		return c.published[i].ServiceID < c.published[j].ServiceID
	})

	return c
}
