package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/MrSnakeDoc/apiregistry/internal/domain"
	"github.com/MrSnakeDoc/apiregistry/internal/httpserver/deps"
)

type dataSourceView struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Database string `json:"database,omitempty"`
}

type serviceView struct {
	ServiceID    int64           `json:"service_id"`
	Name         string          `json:"name"`
	Method       string          `json:"method"`
	Path         string          `json:"path"`
	Version      string          `json:"version"`
	Active       bool            `json:"active"`
	SQLContent   string          `json:"sql_content"`
	DataSourceID int64           `json:"data_source_id"`
	DataSource   *dataSourceView `json:"data_source,omitempty"`
	Description  string          `json:"description,omitempty"`
	CreatedBy    string          `json:"created_by,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func newServiceView(e domain.ServiceEntry) serviceView {
	v := serviceView{
		ServiceID:    e.ServiceID,
		Name:         e.Name,
		Method:       e.Method,
		Path:         e.Path,
		Version:      e.Version,
		Active:       e.IsActive,
		SQLContent:   e.SQLContent,
		DataSourceID: e.DataSourceID,
		Description:  e.Description,
		CreatedBy:    e.CreatedBy,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}
	if ds := e.DataSource; ds != nil {
		v.DataSource = &dataSourceView{
			ID:       ds.ID,
			Name:     ds.Name,
			Type:     ds.Type,
			Host:     ds.Host,
			Port:     ds.Port,
			Database: ds.Database,
		}
	}
	return v
}

type servicesResponse struct {
	Count    int           `json:"count"`
	Services []serviceView `json:"services"`
}

// Services lists the published registry.
func Services(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries := d.Registry.ListAll()
		views := make([]serviceView, 0, len(entries))
		for _, e := range entries {
			views = append(views, newServiceView(e))
		}
		writeJSON(w, d.Logger, http.StatusOK, servicesResponse{Count: len(views), Services: views})
	}
}

// Lookup resolves method+path to the active entry, or a specific version
// when the version parameter is given.
func Lookup(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		method := strings.TrimSpace(q.Get("method"))
		path := strings.TrimSpace(q.Get("path"))
		if method == "" || path == "" {
			writeError(w, d.Logger, http.StatusBadRequest, "method and path are required")
			return
		}

		var (
			entry domain.ServiceEntry
			ok    bool
		)
		if version := strings.TrimSpace(q.Get("version")); version != "" {
			entry, ok = d.Registry.Get(domain.NewServiceKey(method, path, version))
		} else {
			entry, ok = d.Registry.Lookup(method, path)
		}
		if !ok {
			writeError(w, d.Logger, http.StatusNotFound, "no service registered for "+domain.NormalizeMethod(method)+" "+path)
			return
		}
		writeJSON(w, d.Logger, http.StatusOK, newServiceView(entry))
	}
}
