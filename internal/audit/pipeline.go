package audit

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/MrSnakeDoc/apiregistry/internal/logger"
	"github.com/MrSnakeDoc/apiregistry/internal/metrics"
)

// ErrEventNotFound is returned by durable sinks for an unknown event id.
var ErrEventNotFound = errors.New("audit event not found")

// Sink receives a copy of every stored event for durable retention.
type Sink interface {
	Forward(ctx context.Context, ev Event) error
}

// Options configures a Pipeline.
type Options struct {
	Workers     int
	QueueSize   int
	Policy      Policy
	MaxEvents   int
	SinkTimeout time.Duration
}

// Pipeline accepts events asynchronously and keeps them queryable.
type Pipeline struct {
	exec  Executor
	store *Store
	sink  Sink
	log   logger.Logger

	nextID      atomic.Int64
	sinkTimeout time.Duration
	now         func() time.Time
}

// NewPipeline starts a pipeline backed by a WorkQueue. sink may be nil.
func NewPipeline(opts Options, sink Sink, log logger.Logger) *Pipeline {
	return NewPipelineWithExecutor(NewWorkQueue(opts.Workers, opts.QueueSize, opts.Policy), opts, sink, log)
}

// NewPipelineWithExecutor builds a pipeline on a caller-provided executor.
func NewPipelineWithExecutor(exec Executor, opts Options, sink Sink, log logger.Logger) *Pipeline {
	if log == nil {
		log = logger.NewNop()
	}
	if opts.SinkTimeout <= 0 {
		opts.SinkTimeout = 2 * time.Second
	}
	return &Pipeline{
		exec:        exec,
		store:       NewStore(opts.MaxEvents),
		sink:        sink,
		log:         log,
		sinkTimeout: opts.SinkTimeout,
		now:         time.Now,
	}
}

// Submit assigns an id and timestamp and hands ev to the executor.
// It never returns an error; saturation is resolved by the executor policy.
func (p *Pipeline) Submit(ev Event) {
	ev.ID = p.nextID.Add(1)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now()
	}
	ev.Detail = copyDetail(ev.Detail)

	outcome := p.exec.Submit(func() { p.process(ev) })
	metrics.AuditEvents.WithLabelValues(string(outcome)).Inc()
}

func (p *Pipeline) process(ev Event) {
	p.store.Put(ev)

	if p.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.sinkTimeout)
	defer cancel()
	if err := p.sink.Forward(ctx, ev); err != nil {
		p.log.Warn("audit sink forward failed",
			logger.Int64("event_id", ev.ID),
			logger.String("category", string(ev.Category)),
			logger.Error(err))
	}
}

// Get returns the event with the given id.
func (p *Pipeline) Get(id int64) (Event, bool) { return p.store.Get(id) }

// QueryByServiceID returns the events attributed to serviceID, oldest first.
func (p *Pipeline) QueryByServiceID(serviceID int64) []Event {
	return p.store.ByServiceID(serviceID)
}

// QueryByTimeRange returns events with start <= timestamp <= end.
func (p *Pipeline) QueryByTimeRange(start, end time.Time) []Event {
	return p.store.ByTimeRange(start, end)
}

// ListAll returns every retained event, oldest first.
func (p *Pipeline) ListAll() []Event { return p.store.Filter(nil) }

// Clear drops every retained event. Ids keep increasing.
func (p *Pipeline) Clear() { p.store.Clear() }

// Statistics aggregates the retained events.
func (p *Pipeline) Statistics() Statistics { return p.store.Statistics() }

// Shutdown drains queued events.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	return p.exec.Shutdown(ctx)
}
