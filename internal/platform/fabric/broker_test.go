package fabric

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPublishConsumeRoundTrip(t *testing.T) {
	b := New(nil)
	if err := DeclareTopology(b); err != nil {
		t.Fatalf("declare topology: %v", err)
	}

	var mu sync.Mutex
	var received []string

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Consume(ctx, QueueStorageEvents, 3, func(_ context.Context, env Envelope) error {
		mu.Lock()
		received = append(received, env.RoutingKey)
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("consume: %v", err)
	}

	if err := b.Publish(ExchangeEvents, "events.web.click", Envelope{Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0] != "events.web.click" {
		t.Fatalf("expected exactly one delivery with routing key events.web.click, got %v", received)
	}
}

func TestExhaustedRetriesRouteToDLQ(t *testing.T) {
	b := New(nil)
	if err := b.DeclareExchange("alerts", true); err != nil {
		t.Fatalf("declare exchange: %v", err)
	}
	if err := b.DeclareQueue("alerting.direct", "alerts.*", "alerts", true, time.Second); err != nil {
		t.Fatalf("declare queue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	failing := func(_ context.Context, _ Envelope) error { return errAlways }
	if err := b.Consume(ctx, "alerting.direct", 2, failing); err != nil {
		t.Fatalf("consume: %v", err)
	}

	if err := b.Publish("alerts", "alerts.rule1", Envelope{Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	dlq, ok := b.DLQ("alerting.direct")
	if !ok {
		t.Fatalf("expected dlq channel")
	}
	select {
	case <-dlq:
	case <-time.After(time.Second):
		t.Fatalf("expected a dead-lettered delivery")
	}
}

var errAlways = &alwaysErr{}

type alwaysErr struct{}

func (*alwaysErr) Error() string { return "always fails" }

func TestRoutingKeyMatching(t *testing.T) {
	cases := []struct {
		pattern, key string
		want         bool
	}{
		{"events.*", "events.web.click", false},
		{"events.*", "events.web", true},
		{"events.#", "events.web.click", true},
		{"analytics.*", "analytics.metrics", true},
		{"alerts.*", "alerts.high_error_rate", true},
	}
	for _, tc := range cases {
		if got := matchRoutingKey(tc.pattern, tc.key); got != tc.want {
			t.Errorf("matchRoutingKey(%q, %q) = %v, want %v", tc.pattern, tc.key, got, tc.want)
		}
	}
}
