// Package fabric implements the topic/routing-key message broker described
// in §4.A: exchanges, durable queues with wildcard bindings, manual
// acknowledgement with a bounded prefetch, and per-queue dead-letter queues.
//
// The broker is in-process: it is grounded on the same task-per-consumer,
// bounded-channel concurrency idiom the rest of this codebase uses rather
// than on a wire protocol, since the outer deployment is free to choose the
// transport (the environment variable carrying a broker URL is consumed by
// the process that wires this package, per §6).
package fabric

import (
	"encoding/json"
	"time"
)

// Envelope is the broker payload described in §3.
type Envelope struct {
	RoutingKey    string            `json:"routing_key"`
	Payload       json.RawMessage   `json:"payload"`
	Headers       map[string]string `json:"headers,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	ExpirationMS  int64             `json:"expiration_ms,omitempty"`
	Priority      int               `json:"priority,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// delivery wraps an Envelope in flight through a queue, tracking retry state
// for the DLQ contract.
type delivery struct {
	envelope Envelope
	attempts int
}
