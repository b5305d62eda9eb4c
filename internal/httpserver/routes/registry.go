// Package routes collects the route groups of the ops surface. Each file
// registers its group from init so server.go never lists them by hand.
package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/apiregistry/internal/httpserver/deps"
)

// Group mounts one set of routes.
type Group func(r chi.Router, d deps.Deps)

var groups []Group

// Register adds a route group. Only call it from init.
func Register(g Group) {
	groups = append(groups, g)
}

// RegisterAll mounts every registered group on r.
func RegisterAll(r chi.Router, d deps.Deps) {
	for _, g := range groups {
		g(r, d)
	}
}
