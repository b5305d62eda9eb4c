package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/MrSnakeDoc/apiregistry/internal/httpserver/deps"
	"github.com/MrSnakeDoc/apiregistry/internal/logger"
	"github.com/MrSnakeDoc/apiregistry/internal/scheduler"
)

type passResponse struct {
	PassID     string    `json:"pass_id"`
	OK         bool      `json:"ok"`
	Added      int       `json:"added"`
	Updated    int       `json:"updated"`
	Removed    int       `json:"removed"`
	Skipped    int       `json:"skipped"`
	Total      int       `json:"total"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

func newPassResponse(res scheduler.PassResult) passResponse {
	out := passResponse{
		PassID:     res.PassID,
		OK:         res.OK(),
		Added:      res.Added,
		Updated:    res.Updated,
		Removed:    res.Removed,
		Skipped:    res.Skipped,
		Total:      res.Total,
		StartedAt:  res.StartedAt,
		DurationMs: res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

// Reconcile runs a pass synchronously and reports its outcome. The pass is
// not cancelled when the client goes away.
func Reconcile(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.Logger.Info("manual reconciliation triggered via endpoint",
			logger.String("remote_ip", r.RemoteAddr))

		res := d.Registry.Trigger(context.WithoutCancel(r.Context()))

		status := http.StatusOK
		if res.Err != nil {
			status = http.StatusInternalServerError
		}
		writeJSON(w, d.Logger, status, newPassResponse(res))
	}
}

type statsResponse struct {
	Added       int64         `json:"added"`
	Updated     int64         `json:"updated"`
	Removed     int64         `json:"removed"`
	Services    int           `json:"services"`
	State       string        `json:"state"`
	LastScan    *time.Time    `json:"last_scan,omitempty"`
	PublishedAt *time.Time    `json:"published_at,omitempty"`
	LastResult  *passResponse `json:"last_result,omitempty"`
}

// Stats reports cumulative registry changes and the last pass.
func Stats(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cs := d.Registry.ChangeStatistics()
		resp := statsResponse{
			Added:    cs.Added,
			Updated:  cs.Updated,
			Removed:  cs.Removed,
			Services: len(d.Registry.ListAll()),
			State:    string(d.Registry.State()),
		}
		if t := d.Registry.LastScanTime(); !t.IsZero() {
			resp.LastScan = &t
		}
		if t := d.Registry.PublishedAt(); !t.IsZero() {
			resp.PublishedAt = &t
		}
		if last, ok := d.Registry.LastResult(); ok {
			pr := newPassResponse(last)
			resp.LastResult = &pr
		}
		writeJSON(w, d.Logger, http.StatusOK, resp)
	}
}

// ResetStats zeroes the cumulative change counters.
func ResetStats(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.Registry.ResetStatistics()
		d.Logger.Info("change statistics reset via endpoint",
			logger.String("remote_ip", r.RemoteAddr))
		w.WriteHeader(http.StatusNoContent)
	}
}
