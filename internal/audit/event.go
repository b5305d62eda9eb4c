// Package audit is the asynchronous lifecycle event pipeline.
//
// Producers submit events without blocking beyond the configured backpressure
// policy; events are kept in a bounded in-memory store for querying and may be
// forwarded to a durable Sink. It is an observability cache, not a system of
// record.
package audit

import "time"

// Category classifies an event.
type Category string

const (
	CategoryDiscoveryStart    Category = "discovery_start"
	CategoryDiscoveryComplete Category = "discovery_complete"
	CategoryDiscoveryError    Category = "discovery_error"
	CategoryServiceAdded      Category = "service_added"
	CategoryServiceUpdated    Category = "service_updated"
	CategoryServiceRemoved    Category = "service_removed"
	CategoryServiceSkipped    Category = "service_skipped"
	CategoryDuplicateKey      Category = "duplicate_key"
	CategoryPoolCreated       Category = "pool_created"
	CategoryPoolCreateFailed  Category = "pool_create_failed"
	CategoryPoolClosed        Category = "pool_closed"
	CategoryPoolCloseFailed   Category = "pool_close_failed"
	CategoryPoolSweep         Category = "pool_sweep"
)

// Event is an append-only lifecycle record. It is never modified after Submit.
type Event struct {
	ID        int64     `json:"id"`
	Category  Category  `json:"category"`
	ServiceID int64     `json:"service_id,omitempty"`
	Target    string    `json:"target"`
	Trigger   string    `json:"trigger,omitempty"`
	Version   string    `json:"version,omitempty"`
	Success   bool      `json:"success"`
	Duration  int64     `json:"duration_ms"`
	Records   int64     `json:"records,omitempty"`
	Bytes     int64     `json:"bytes,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Error     string    `json:"error,omitempty"`
	Stack     string    `json:"stack,omitempty"`
	Detail    Detail    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Detail carries free-form event attributes.
type Detail map[string]string

// Recorder accepts events. *Pipeline implements it.
type Recorder interface {
	Submit(ev Event)
}

// RecorderFunc adapts a function into a Recorder.
type RecorderFunc func(ev Event)

// Submit calls f(ev).
func (f RecorderFunc) Submit(ev Event) { f(ev) }

// Discard drops every event.
var Discard Recorder = RecorderFunc(func(Event) {})

// Statistics aggregates the retained events.
type Statistics struct {
	TotalCount        int64   `json:"total_count"`
	SuccessCount      int64   `json:"success_count"`
	FailedCount       int64   `json:"failed_count"`
	SuccessRate       float64 `json:"success_rate"`
	AverageDurationMs float64 `json:"average_duration_ms"`
}

func copyDetail(d Detail) Detail {
	if d == nil {
		return nil
	}
	out := make(Detail, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
