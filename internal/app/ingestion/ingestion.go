// Package ingestion implements the ingestion edge described in §4.C:
// validate, stamp, and hand events to the broker with at-least-once
// durability, without blocking the caller on the publish.
package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/streampulse/streampulse/infrastructure/errors"
	"github.com/streampulse/streampulse/infrastructure/metrics"
	"github.com/streampulse/streampulse/internal/app/domain/event"
	"github.com/streampulse/streampulse/internal/platform/fabric"
	"github.com/streampulse/streampulse/pkg/logger"
)

// DefaultEventsPerSecond bounds the edge's admission rate ahead of the
// publish queue when the caller does not specify one (§4.C backpressure).
const DefaultEventsPerSecond = 2000

// MaxBatchSize bounds a single batch submission per §4.C/§8.
const MaxBatchSize = 100

// Clock returns the current time; overridable in tests.
type Clock func() time.Time

// Edge is the ingestion edge service. It validates and stamps events, then
// hands them to a bounded background publish queue so the caller is never
// blocked on broker I/O.
type Edge struct {
	broker  *fabric.Broker
	log     *logger.Logger
	m       *metrics.Metrics
	clock   Clock
	limiter *rate.Limiter

	queue chan queuedEvent
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool

	publishFailures uint64
}

type queuedEvent struct {
	event event.Event
}

// New builds an ingestion edge. queueSize bounds the background publish
// channel; when full, Submit blocks until space frees (shedding is the
// caller's responsibility at the HTTP layer via a request timeout).
// eventsPerSecond bounds the admission rate ahead of the queue; 0 falls back
// to DefaultEventsPerSecond.
func New(broker *fabric.Broker, m *metrics.Metrics, log *logger.Logger, queueSize int, eventsPerSecond float64) *Edge {
	if log == nil {
		log = logger.NewDefault("ingestion")
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	if eventsPerSecond <= 0 {
		eventsPerSecond = DefaultEventsPerSecond
	}
	e := &Edge{
		broker:  broker,
		log:     log,
		m:       m,
		clock:   time.Now,
		limiter: rate.NewLimiter(rate.Limit(eventsPerSecond), int(eventsPerSecond)),
		queue:   make(chan queuedEvent, queueSize),
	}
	e.wg.Add(1)
	go e.drain()
	return e
}

// Name implements system.Service.
func (e *Edge) Name() string { return "ingestion-edge" }

// Start implements system.Service; the drain goroutine is already running
// from New, so Start is a no-op hook for symmetry with the lifecycle manager.
func (e *Edge) Start(ctx context.Context) error { return nil }

// Stop closes the publish queue and waits for it to drain, per the §4.C
// graceful-stop requirement.
func (e *Edge) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result reports the per-item outcome of a batch submission.
type Result struct {
	ID    string `json:"event_id,omitempty"`
	Error string `json:"error,omitempty"`
}

// Submit validates, stamps, and enqueues one event. callerIdentity is used
// as the user_id fallback (§4.C step 2); it may be empty. Returns the
// assigned id immediately; the actual broker publish happens in background.
func (e *Edge) Submit(ctx context.Context, in event.Event, callerIdentity string) (string, error) {
	if !e.limiter.Allow() {
		if e.m != nil {
			e.m.RecordError("ingestion-edge", "transient", "rate_limited")
		}
		return "", errors.RateLimitExceeded(int(e.limiter.Limit()), "1s")
	}

	now := e.clock()
	stamped := event.Stamp(in, now, callerIdentity)
	if err := event.Validate(stamped, now); err != nil {
		return "", errors.InvalidInput("event", err.Error())
	}

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return "", errors.Unavailable("ingestion-edge", fmt.Errorf("edge is shutting down"))
	}

	select {
	case e.queue <- queuedEvent{event: stamped}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return stamped.ID, nil
}

// SubmitBatch validates each event independently; invalid items are
// reported per-index without failing the valid ones, per §4.C step 4.
func (e *Edge) SubmitBatch(ctx context.Context, in []event.Event, callerIdentity string) ([]Result, error) {
	if len(in) == 0 {
		return nil, errors.InvalidInput("events", "batch must not be empty")
	}
	if len(in) > MaxBatchSize {
		return nil, errors.OutOfRange("events", 1, MaxBatchSize)
	}

	results := make([]Result, len(in))
	for i, ev := range in {
		id, err := e.Submit(ctx, ev, callerIdentity)
		if err != nil {
			results[i] = Result{Error: err.Error()}
			continue
		}
		results[i] = Result{ID: id}
	}
	return results, nil
}

// drain runs for the lifetime of the edge, publishing queued events onto
// the events exchange with routing key events.<type>.
func (e *Edge) drain() {
	defer e.wg.Done()
	for qe := range e.queue {
		e.publish(qe.event)
	}
}

func (e *Edge) publish(ev event.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		e.log.WithField("event_id", ev.ID).WithError(err).Error("ingestion: failed to marshal event")
		return
	}
	routingKey := fmt.Sprintf("events.%s", ev.EffectiveType())
	env := fabric.Envelope{
		Payload:       payload,
		CorrelationID: ev.CorrelationID,
	}
	if err := e.broker.Publish(fabric.ExchangeEvents, routingKey, env); err != nil {
		e.mu.Lock()
		e.publishFailures++
		e.mu.Unlock()
		if e.m != nil {
			e.m.RecordError("ingestion-edge", "transient", "publish")
		}
		e.log.WithField("event_id", ev.ID).WithField("routing_key", routingKey).
			WithError(err).Warn("ingestion: background publish failed")
		return
	}
	if e.m != nil {
		e.m.RecordEvent(ev.Source, ev.EffectiveType(), string(ev.Severity), time.Since(ev.Timestamp))
	}
}

// PublishFailures reports the number of background publishes that failed,
// for operational inspection.
func (e *Edge) PublishFailures() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.publishFailures
}
