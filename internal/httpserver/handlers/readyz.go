package handlers

import (
	"net/http"
	"time"

	"github.com/MrSnakeDoc/apiregistry/internal/httpserver/deps"
)

type readyzResponse struct {
	Ready    bool       `json:"ready"`
	State    string     `json:"state"`
	Services int        `json:"services"`
	LastScan *time.Time `json:"last_scan,omitempty"`
}

// Readyz answers 503 until the first reconciliation pass has published.
func Readyz(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := readyzResponse{
			Ready:    d.Registry.Ready(),
			State:    string(d.Registry.State()),
			Services: len(d.Registry.ListAll()),
		}
		if t := d.Registry.LastScanTime(); !t.IsZero() {
			resp.LastScan = &t
		}

		status := http.StatusOK
		if !resp.Ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, d.Logger, status, resp)
	}
}
