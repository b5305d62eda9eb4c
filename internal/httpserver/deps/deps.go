package deps

import (
	"context"
	"time"

	"github.com/MrSnakeDoc/apiregistry/internal/audit"
	"github.com/MrSnakeDoc/apiregistry/internal/domain"
	"github.com/MrSnakeDoc/apiregistry/internal/logger"
	"github.com/MrSnakeDoc/apiregistry/internal/pool"
	"github.com/MrSnakeDoc/apiregistry/internal/scheduler"
)

// Registry is the reconciler as seen by the ops surface.
type Registry interface {
	Trigger(ctx context.Context) scheduler.PassResult
	Ready() bool
	State() scheduler.State
	LastResult() (scheduler.PassResult, bool)
	LastScanTime() time.Time
	ChangeStatistics() scheduler.ChangeStats
	ResetStatistics()
	Lookup(method, path string) (domain.ServiceEntry, bool)
	Get(key domain.ServiceKey) (domain.ServiceEntry, bool)
	ListAll() []domain.ServiceEntry
	PublishedAt() time.Time
}

// Events is the queryable side of the audit pipeline.
type Events interface {
	Get(id int64) (audit.Event, bool)
	QueryByServiceID(serviceID int64) []audit.Event
	QueryByTimeRange(start, end time.Time) []audit.Event
	ListAll() []audit.Event
	Clear()
	Statistics() audit.Statistics
}

// EventHistory reads events forwarded to the durable sink.
type EventHistory interface {
	Recent(ctx context.Context, limit int) ([]audit.Event, error)
	ByService(ctx context.Context, serviceID int64, limit int) ([]audit.Event, error)
	GetEvent(ctx context.Context, id int64) (*audit.Event, error)
}

// Pools exposes pool state and the manual sweep.
type Pools interface {
	Stats() []pool.Stat
	Sweep() (ran bool, closed int)
}

type Deps struct {
	Logger              logger.Logger
	StartTime           time.Time
	Version             string
	Commit              string
	BuildDate           string
	GoVersion           string
	TimeNow             func() time.Time // for testing, defaults to time.Now
	AllowedCIDRS        []string         // IPs allowed to access /api, /readyz and /metrics
	TrustProxy          bool             // true if running behind a trusted reverse proxy
	TriggerBurst        int              // manual reconcile burst per client
	TriggerRefillPerMin int              // manual reconcile refill rate per client
	Registry            Registry         // reconciler and published registry
	Events              Events           // in-memory audit pipeline
	History             EventHistory     // durable audit history (nil when redis is not configured)
	Pools               Pools            // connection pool manager
}

// Now returns the current time through TimeNow when set.
func (d Deps) Now() time.Time {
	if d.TimeNow != nil {
		return d.TimeNow()
	}
	return time.Now()
}
