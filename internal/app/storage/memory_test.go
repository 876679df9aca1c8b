package storage

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/streampulse/streampulse/internal/app/domain/alert"
	"github.com/streampulse/streampulse/internal/app/domain/event"
)

func alertFixture(id, ruleID string) alert.Alert {
	return alert.Alert{
		ID:      id,
		RuleID:  ruleID,
		Level:   alert.LevelWarning,
		Title:   "test alert",
		Message: "test message",
		State:   alert.StateActive,
		FiredAt: time.Now(),
	}
}

func TestMemorySaveEventRejectsDuplicateID(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	e := event.Event{ID: "e1", Type: event.TypeWeb, Source: "web-app", Timestamp: time.Now()}

	if err := m.SaveEvent(ctx, e); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}
	if err := m.SaveEvent(ctx, e); err == nil {
		t.Fatalf("expected duplicate SaveEvent to fail")
	}
}

func TestMemoryListEventsFiltersAndPaginates(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		_ = m.SaveEvent(ctx, event.Event{
			ID:        string(rune('a' + i)),
			Type:      event.TypeWeb,
			Source:    "web-app",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}

	got, err := m.ListEvents(ctx, EventFilter{Types: []string{"web"}, Limit: 2})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	// Ordered timestamp DESC: the most recent of the five comes first.
	if got[0].ID != "e" {
		t.Fatalf("expected newest event first, got %q", got[0].ID)
	}
}

func TestMemoryDeleteEventsByTypeBeforeIsTypeScoped(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	_ = m.SaveEvent(ctx, event.Event{ID: "click-old", Type: event.TypeWeb, Source: "s", Timestamp: old})
	_ = m.SaveEvent(ctx, event.Event{ID: "api-old", Type: event.TypeAPI, Source: "s", Timestamp: old})

	deleted, err := m.DeleteEventsByTypeBefore(ctx, "web", time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteEventsByTypeBefore: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted row, got %d", deleted)
	}
	if _, err := m.GetEvent(ctx, "api-old"); err != nil {
		t.Fatalf("expected api-old to survive type-scoped sweep: %v", err)
	}
	if _, err := m.GetEvent(ctx, "click-old"); err == nil {
		t.Fatalf("expected click-old to be deleted")
	}
}

func TestMemoryStreamAllEventsOrdersByTimestamp(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()
	_ = m.SaveEvent(ctx, event.Event{ID: "second", Type: event.TypeWeb, Source: "s", Timestamp: now.Add(time.Minute)})
	_ = m.SaveEvent(ctx, event.Event{ID: "first", Type: event.TypeWeb, Source: "s", Timestamp: now})

	var buf bytes.Buffer
	if err := m.StreamAllEvents(ctx, &buf); err != nil {
		t.Fatalf("StreamAllEvents: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatalf("expected non-empty export")
	}
	out := buf.Bytes()
	firstAt := bytes.Index(out, []byte(`"id":"first"`))
	secondAt := bytes.Index(out, []byte(`"id":"second"`))
	if firstAt < 0 || secondAt < 0 || firstAt > secondAt {
		t.Fatalf("expected events exported in timestamp order, got %s", out)
	}
}

func TestMemoryListEventsConjoinsSetFilters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	_ = m.SaveEvent(ctx, event.Event{ID: "match", Type: event.TypeWeb, Source: "web-app", UserID: "u1", Tags: []string{"vip", "eu"}, Timestamp: now})
	_ = m.SaveEvent(ctx, event.Event{ID: "wrong-user", Type: event.TypeWeb, Source: "web-app", UserID: "u2", Tags: []string{"vip"}, Timestamp: now})
	_ = m.SaveEvent(ctx, event.Event{ID: "wrong-tag", Type: event.TypeWeb, Source: "web-app", UserID: "u1", Tags: []string{"trial"}, Timestamp: now})

	got, err := m.ListEvents(ctx, EventFilter{Types: []string{"web"}, UserIDs: []string{"u1"}, Tags: []string{"vip", "eu"}})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(got) != 1 || got[0].ID != "match" {
		t.Fatalf("expected only the conjoined match, got %+v", got)
	}
}

func TestMemoryStatsAggregatesByTypeAndSource(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	_ = m.SaveEvent(ctx, event.Event{ID: "e1", Type: event.TypeWeb, Source: "web-app", Timestamp: base})
	_ = m.SaveEvent(ctx, event.Event{ID: "e2", Type: event.TypeAPI, Source: "api-gw", Timestamp: base.Add(time.Minute)})

	stats, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalEvents != 2 {
		t.Fatalf("expected 2 total events, got %d", stats.TotalEvents)
	}
	if stats.EventsByType["web"] != 1 || stats.EventsByType["api"] != 1 {
		t.Fatalf("unexpected type breakdown: %+v", stats.EventsByType)
	}
	if stats.EventsBySource["web-app"] != 1 || stats.EventsBySource["api-gw"] != 1 {
		t.Fatalf("unexpected source breakdown: %+v", stats.EventsBySource)
	}
	if stats.OldestEvent == nil || !stats.OldestEvent.Equal(base) {
		t.Fatalf("expected oldest event to be base, got %+v", stats.OldestEvent)
	}
}

func TestMemoryAlertSuppressionLookup(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_ = m.SaveAlert(ctx, alertFixture("a1", "rule-1"))
	found, ok, err := m.FindActiveByRule(ctx, "rule-1")
	if err != nil {
		t.Fatalf("FindActiveByRule: %v", err)
	}
	if !ok || found.ID != "a1" {
		t.Fatalf("expected to find active alert a1, got %+v ok=%v", found, ok)
	}
}
