// Package storage defines the persistence contracts for events, alerts, and
// retention policy, implemented by both an in-memory store (tests, local
// development) and a Postgres-backed store.
package storage

import (
	"context"
	"io"
	"time"

	"github.com/streampulse/streampulse/internal/app/domain/alert"
	"github.com/streampulse/streampulse/internal/app/domain/event"
	"github.com/streampulse/streampulse/internal/app/domain/rule"
)

// EventFilter narrows a ListEvents query. Every *s field is a set: a
// non-empty set constrains matching events to that set's members, and sets
// are conjoined (AND) with each other and with Severity/Since/Until, per the
// §4.F query contract. Zero values (including empty sets) are unconstrained.
type EventFilter struct {
	Types    []string
	Sources  []string
	Severity string
	UserIDs  []string
	Tags     []string
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}

// EventStats summarises the event store for the §4.F stats endpoint.
type EventStats struct {
	TotalEvents    int
	EventsByType   map[string]int
	EventsBySource map[string]int
	OldestEvent    *time.Time
	NewestEvent    *time.Time
}

// EventStore persists ingested events.
type EventStore interface {
	SaveEvent(ctx context.Context, e event.Event) error
	GetEvent(ctx context.Context, id string) (event.Event, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]event.Event, error)
	CountEvents(ctx context.Context, filter EventFilter) (int, error)

	// Stats aggregates the whole event store: per-type and per-source
	// breakdowns plus the oldest/newest event timestamps.
	Stats(ctx context.Context) (EventStats, error)

	// DeleteEventsBefore removes events older than cutoff regardless of type.
	// The retention sweep does not call it; it sweeps per type through
	// DeleteEventsByTypeBefore.
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// EventTypesPresent returns the distinct event types currently stored,
	// used to drive a per-type retention sweep.
	EventTypesPresent(ctx context.Context) ([]string, error)

	// DeleteEventsByTypeBefore removes events of the given type older than
	// cutoff, used by the per-type bucket of a retention sweep.
	DeleteEventsByTypeBefore(ctx context.Context, eventType string, cutoff time.Time) (int, error)

	// StreamAllEvents writes every stored event as newline-delimited JSON to
	// w, used by the backup/export operation.
	StreamAllEvents(ctx context.Context, w io.Writer) error
}

// AlertFilter narrows a ListAlerts query. Zero values are unconstrained.
type AlertFilter struct {
	Status string // "active" (pending/active/escalated), "resolved", "" = all
	RuleID string
	Limit  int
	Offset int
}

// AlertStore persists fired alerts and their lifecycle transitions.
type AlertStore interface {
	SaveAlert(ctx context.Context, a alert.Alert) error
	UpdateAlert(ctx context.Context, a alert.Alert) error
	GetAlert(ctx context.Context, id string) (alert.Alert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]alert.Alert, error)

	// FindActiveByRule returns an alert for ruleID that is not resolved (any
	// other state, acknowledged included), if one exists.
	FindActiveByRule(ctx context.Context, ruleID string) (alert.Alert, bool, error)

	// ListForEscalation returns the candidates for escalation recompute on
	// process restart: every unresolved alert whose EscalatedAt is unset. No
	// escalation window or state filter is applied here; the caller does that.
	ListForEscalation(ctx context.Context) ([]alert.Alert, error)
}

// RuleStore persists alerting rule definitions.
type RuleStore interface {
	SaveRule(ctx context.Context, r rule.Rule) error
	GetRule(ctx context.Context, name string) (rule.Rule, error)
	ListRules(ctx context.Context) ([]rule.Rule, error)
	DeleteRule(ctx context.Context, name string) error
}

// RetentionPolicy configures how long events are retained before the storage
// service's retention sweep removes them, per §4.F: a per-type table with a
// default fallback. AlertRetention is stored with the policy, but the sweep
// does not delete alerts.
type RetentionPolicy struct {
	DefaultEventRetention time.Duration
	ByType                map[string]time.Duration
	AlertRetention        time.Duration
}

// RetentionFor resolves the retention duration for eventType, falling back
// to the default when no per-type entry exists.
func (p RetentionPolicy) RetentionFor(eventType string) time.Duration {
	if d, ok := p.ByType[eventType]; ok && d > 0 {
		return d
	}
	return p.DefaultEventRetention
}

// RetentionStore persists the active retention policy.
type RetentionStore interface {
	GetRetentionPolicy(ctx context.Context) (RetentionPolicy, error)
	SaveRetentionPolicy(ctx context.Context, p RetentionPolicy) error
}

// Store aggregates every persistence concern the application depends on.
type Store interface {
	EventStore
	AlertStore
	RuleStore
	RetentionStore
}
