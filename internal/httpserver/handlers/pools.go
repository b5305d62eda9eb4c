package handlers

import (
	"net/http"

	"github.com/MrSnakeDoc/apiregistry/internal/httpserver/deps"
	"github.com/MrSnakeDoc/apiregistry/internal/pool"
)

type poolsResponse struct {
	Count int         `json:"count"`
	Pools []pool.Stat `json:"pools"`
}

// Pools lists the open connection pools.
func Pools(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := d.Pools.Stats()
		writeJSON(w, d.Logger, http.StatusOK, poolsResponse{Count: len(stats), Pools: stats})
	}
}

type sweepResponse struct {
	Closed int `json:"closed"`
}

// SweepPools closes every unreferenced pool now. A sweep already running
// answers 409.
func SweepPools(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ran, closed := d.Pools.Sweep()
		if !ran {
			writeError(w, d.Logger, http.StatusConflict, "pool sweep already in progress")
			return
		}
		writeJSON(w, d.Logger, http.StatusOK, sweepResponse{Closed: closed})
	}
}
