package fabric

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/streampulse/streampulse/pkg/logger"
)

// ErrFabricUnavailable is returned by Publish when the broker has been
// closed or has not yet been started (§4.A failure contract).
var ErrFabricUnavailable = fmt.Errorf("fabric: unavailable")

// DefaultPrefetch bounds in-flight unacknowledged deliveries per consumer.
const DefaultPrefetch = 10

// DefaultDLQTTL is the dead-letter retention window from §6.
const DefaultDLQTTL = 300 * time.Second

// Handler processes one delivery. Returning an error rejects the message; the
// reject carries requeue=false for the last retry attempt (after which it is
// routed to the DLQ), and requeue=true otherwise.
type Handler func(ctx context.Context, env Envelope) error

type exchange struct {
	name    string
	durable bool
}

type queue struct {
	name       string
	exchange   string
	routingKey string
	durable    bool
	dlqTTL     time.Duration

	ch    chan delivery
	dlq   chan delivery
	sem   chan struct{} // prefetch bound
}

// Broker is an in-process topic exchange implementing the §4.A contract.
type Broker struct {
	log *logger.Logger

	mu        sync.RWMutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	bindings  map[string][]string // exchange -> queue names bound to it

	closed bool
	wg     sync.WaitGroup
}

// New creates an empty broker.
func New(log *logger.Logger) *Broker {
	if log == nil {
		log = logger.NewDefault("fabric")
	}
	return &Broker{
		log:       log,
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		bindings:  make(map[string][]string),
	}
}

// DeclareExchange registers a durable topic exchange. Idempotent.
func (b *Broker) DeclareExchange(name string, durable bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrFabricUnavailable
	}
	b.exchanges[name] = &exchange{name: name, durable: durable}
	return nil
}

// DeclareQueue binds a queue to an exchange with a routing key pattern.
// Each queue gets its own dead-letter channel, read through DLQ(name); it is
// not a separately declared queue, and dlqTTL is recorded on the queue but
// dead-lettered entries are not expired.
func (b *Broker) DeclareQueue(name, routingKey, exchangeName string, durable bool, dlqTTL time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrFabricUnavailable
	}
	if _, ok := b.exchanges[exchangeName]; !ok {
		return fmt.Errorf("fabric: exchange %q not declared", exchangeName)
	}
	if dlqTTL <= 0 {
		dlqTTL = DefaultDLQTTL
	}
	q := &queue{
		name:       name,
		exchange:   exchangeName,
		routingKey: routingKey,
		durable:    durable,
		dlqTTL:     dlqTTL,
		ch:         make(chan delivery, 1024),
		dlq:        make(chan delivery, 1024),
		sem:        make(chan struct{}, DefaultPrefetch),
	}
	b.queues[name] = q
	b.bindings[exchangeName] = append(b.bindings[exchangeName], name)
	return nil
}

// Publish routes an envelope to every queue bound to exchangeName whose
// routing key pattern matches routingKey.
func (b *Broker) Publish(exchangeName, routingKey string, env Envelope) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrFabricUnavailable
	}
	if _, ok := b.exchanges[exchangeName]; !ok {
		b.mu.RUnlock()
		return fmt.Errorf("fabric: exchange %q not declared", exchangeName)
	}
	env.RoutingKey = routingKey
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	bound := append([]string(nil), b.bindings[exchangeName]...)
	b.mu.RUnlock()

	for _, qname := range bound {
		b.mu.RLock()
		q := b.queues[qname]
		b.mu.RUnlock()
		if q == nil || !matchRoutingKey(q.routingKey, routingKey) {
			continue
		}
		select {
		case q.ch <- delivery{envelope: env}:
		default:
			b.log.WithField("queue", qname).Warn("fabric: queue full, publish blocked until drained")
			q.ch <- delivery{envelope: env}
		}
	}
	return nil
}

// Consume starts a background consumer for queue `name`, honoring the
// prefetch bound: at most DefaultPrefetch deliveries are in flight at once.
// autoAck=false (the only mode offered) requires the handler to return nil
// to ack; a returned error rejects, requeueing until the retry budget is
// exhausted, after which the message moves to the queue's DLQ.
func (b *Broker) Consume(ctx context.Context, name string, maxAttempts int, handler Handler) error {
	b.mu.RLock()
	q := b.queues[name]
	b.mu.RUnlock()
	if q == nil {
		return fmt.Errorf("fabric: queue %q not declared", name)
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-q.ch:
				if !ok {
					return
				}
				q.sem <- struct{}{}
				b.handleDelivery(ctx, q, d, maxAttempts, handler)
				<-q.sem
			}
		}
	}()
	return nil
}

func (b *Broker) handleDelivery(ctx context.Context, q *queue, d delivery, maxAttempts int, handler Handler) {
	d.attempts++
	if err := handler(ctx, d.envelope); err != nil {
		if d.attempts >= maxAttempts {
			b.log.WithField("queue", q.name).WithField("routing_key", d.envelope.RoutingKey).
				WithError(err).Warn("fabric: delivery exhausted retries, routing to dlq")
			select {
			case q.dlq <- d:
			default:
			}
			return
		}
		select {
		case q.ch <- d:
		default:
			b.log.WithField("queue", q.name).Warn("fabric: requeue dropped, queue full")
		}
		return
	}
}

// DLQ returns the dead-letter delivery channel for queue `name`, primarily
// for tests and operational inspection.
func (b *Broker) DLQ(name string) (<-chan delivery, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.queues[name]
	if !ok {
		return nil, false
	}
	return q.dlq, true
}

// Close stops accepting new publishes and waits for in-flight consumers to
// drain, honoring the graceful-stop requirement in §4.C.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// matchRoutingKey implements AMQP-style topic matching: '*' matches exactly
// one dot-separated segment, '#' matches zero or more trailing segments.
func matchRoutingKey(pattern, key string) bool {
	pSegs := strings.Split(pattern, ".")
	kSegs := strings.Split(key, ".")

	i := 0
	for i < len(pSegs) {
		seg := pSegs[i]
		if seg == "#" {
			return true // matches the remainder, however many segments
		}
		if i >= len(kSegs) {
			return false
		}
		if seg != "*" && seg != kSegs[i] {
			return false
		}
		i++
	}
	return i == len(kSegs)
}
