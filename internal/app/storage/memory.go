package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/streampulse/streampulse/infrastructure/errors"
	"github.com/streampulse/streampulse/internal/app/domain/alert"
	"github.com/streampulse/streampulse/internal/app/domain/event"
	"github.com/streampulse/streampulse/internal/app/domain/rule"
)

// Memory is a thread-safe in-memory persistence layer implementing the
// storage interfaces defined in this package. It is intended for tests and
// local development and deliberately keeps the implementation simple.
type Memory struct {
	mu        sync.RWMutex
	events    map[string]event.Event
	alerts    map[string]alert.Alert
	rules     map[string]rule.Rule
	retention RetentionPolicy
}

// NewMemory creates an empty in-memory store with the default retention
// policy from §4.F (30 days for events, 90 days for alerts).
func NewMemory() *Memory {
	return &Memory{
		events: make(map[string]event.Event),
		alerts: make(map[string]alert.Alert),
		rules:  make(map[string]rule.Rule),
		retention: RetentionPolicy{
			DefaultEventRetention: 30 * 24 * time.Hour,
			AlertRetention:        90 * 24 * time.Hour,
		},
	}
}

// Event store ------------------------------------------------------------

func (m *Memory) SaveEvent(_ context.Context, e event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.events[e.ID]; exists {
		return errors.AlreadyExists("event", e.ID)
	}
	m.events[e.ID] = cloneEvent(e)
	return nil
}

func (m *Memory) GetEvent(_ context.Context, id string) (event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.events[id]
	if !ok {
		return event.Event{}, errors.NotFound("event", id)
	}
	return cloneEvent(e), nil
}

func (m *Memory) ListEvents(_ context.Context, filter EventFilter) ([]event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := m.matchEventsLocked(filter)
	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })

	if filter.Offset > 0 && filter.Offset < len(matched) {
		matched = matched[filter.Offset:]
	} else if filter.Offset >= len(matched) {
		matched = nil
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}

	out := make([]event.Event, len(matched))
	for i, e := range matched {
		out[i] = cloneEvent(e)
	}
	return out, nil
}

func (m *Memory) CountEvents(_ context.Context, filter EventFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.matchEventsLocked(filter)), nil
}

func (m *Memory) matchEventsLocked(filter EventFilter) []event.Event {
	var out []event.Event
	for _, e := range m.events {
		if len(filter.Types) > 0 && !containsString(filter.Types, string(e.Type)) {
			continue
		}
		if len(filter.Sources) > 0 && !containsString(filter.Sources, e.Source) {
			continue
		}
		if filter.Severity != "" && string(e.Severity) != filter.Severity {
			continue
		}
		if len(filter.UserIDs) > 0 && !containsString(filter.UserIDs, e.UserID) {
			continue
		}
		if len(filter.Tags) > 0 && !tagsOverlap(filter.Tags, e.Tags) {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && e.Timestamp.After(filter.Until) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// tagsOverlap reports whether event has at least one of the requested tags.
func tagsOverlap(want, have []string) bool {
	for _, w := range want {
		if containsString(have, w) {
			return true
		}
	}
	return false
}

// Stats implements storage.EventStore.Stats by scanning the in-memory set.
func (m *Memory) Stats(_ context.Context) (EventStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := EventStats{EventsByType: map[string]int{}, EventsBySource: map[string]int{}}
	for _, e := range m.events {
		stats.TotalEvents++
		stats.EventsByType[string(e.Type)]++
		stats.EventsBySource[e.Source]++
		if stats.OldestEvent == nil || e.Timestamp.Before(*stats.OldestEvent) {
			t := e.Timestamp
			stats.OldestEvent = &t
		}
		if stats.NewestEvent == nil || e.Timestamp.After(*stats.NewestEvent) {
			t := e.Timestamp
			stats.NewestEvent = &t
		}
	}
	return stats, nil
}

func (m *Memory) DeleteEventsBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, e := range m.events {
		if e.Timestamp.Before(cutoff) {
			delete(m.events, id)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) EventTypesPresent(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, e := range m.events {
		t := string(e.Type)
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) DeleteEventsByTypeBefore(_ context.Context, eventType string, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, e := range m.events {
		if string(e.Type) == eventType && e.Timestamp.Before(cutoff) {
			delete(m.events, id)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) StreamAllEvents(_ context.Context, w io.Writer) error {
	m.mu.RLock()
	events := make([]event.Event, 0, len(m.events))
	for _, e := range m.events {
		events = append(events, e)
	}
	m.mu.RUnlock()

	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })

	enc := json.NewEncoder(w)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode event %s: %w", e.ID, err)
		}
	}
	return nil
}

// Alert store --------------------------------------------------------------

func (m *Memory) SaveAlert(_ context.Context, a alert.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[a.ID] = a
	return nil
}

func (m *Memory) UpdateAlert(_ context.Context, a alert.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.alerts[a.ID]; !ok {
		return errors.NotFound("alert", a.ID)
	}
	m.alerts[a.ID] = a
	return nil
}

func (m *Memory) GetAlert(_ context.Context, id string) (alert.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.alerts[id]
	if !ok {
		return alert.Alert{}, errors.NotFound("alert", id)
	}
	return a, nil
}

func (m *Memory) ListAlerts(_ context.Context, filter AlertFilter) ([]alert.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []alert.Alert
	for _, a := range m.alerts {
		if filter.RuleID != "" && a.RuleID != filter.RuleID {
			continue
		}
		status := a.Status()
		if a.State == alert.StatePending {
			status = "active"
		}
		if filter.Status != "" && status != filter.Status {
			continue
		}
		matched = append(matched, a)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].FiredAt.After(matched[j].FiredAt) })

	if filter.Offset > 0 && filter.Offset < len(matched) {
		matched = matched[filter.Offset:]
	} else if filter.Offset >= len(matched) {
		matched = nil
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (m *Memory) FindActiveByRule(_ context.Context, ruleID string) (alert.Alert, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.alerts {
		if a.RuleID == ruleID && !a.State.Terminal() {
			return a, true, nil
		}
	}
	return alert.Alert{}, false, nil
}

func (m *Memory) ListForEscalation(_ context.Context) ([]alert.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []alert.Alert
	for _, a := range m.alerts {
		if a.State.Terminal() {
			continue
		}
		if a.EscalatedAt != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Rule store -----------------------------------------------------------------

func (m *Memory) SaveRule(_ context.Context, r rule.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[r.Name] = r
	return nil
}

func (m *Memory) GetRule(_ context.Context, name string) (rule.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[name]
	if !ok {
		return rule.Rule{}, errors.NotFound("rule", name)
	}
	return r, nil
}

func (m *Memory) ListRules(_ context.Context) ([]rule.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]rule.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) DeleteRule(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[name]; !ok {
		return errors.NotFound("rule", name)
	}
	delete(m.rules, name)
	return nil
}

// Retention store ------------------------------------------------------------

func (m *Memory) GetRetentionPolicy(_ context.Context) (RetentionPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.retention, nil
}

func (m *Memory) SaveRetentionPolicy(_ context.Context, p RetentionPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retention = p
	return nil
}

func cloneEvent(e event.Event) event.Event {
	clone := e
	if e.Data != nil {
		clone.Data = append(json.RawMessage(nil), e.Data...)
	}
	if e.Tags != nil {
		clone.Tags = append([]string(nil), e.Tags...)
	}
	return clone
}
