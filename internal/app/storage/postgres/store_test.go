package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/streampulse/streampulse/internal/app/domain/event"
	"github.com/streampulse/streampulse/internal/app/storage"
)

func TestSaveEventInsertsRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO events").WillReturnResult(sqlmock.NewResult(1, 1))

	store := New(db)
	e := event.Event{
		ID:        "evt-1",
		Type:      event.TypeWeb,
		Source:    "web-app",
		Timestamp: time.Now().UTC(),
		Severity:  event.SeverityLow,
		Data:      []byte(`{"path":"/home"}`),
	}
	if err := store.SaveEvent(context.Background(), e); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetEventScansRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC().Truncate(time.Second)
	rows := sqlmock.NewRows([]string{"id", "type", "source", "timestamp", "severity", "data", "correlation_id", "session_id", "user_id", "tags"}).
		AddRow("evt-1", "web", "web-app", now, "low", []byte(`{}`), nil, nil, nil, []byte(`["a","b"]`))
	mock.ExpectQuery("SELECT id, type, source, timestamp, severity, data, correlation_id, session_id, user_id, tags\\s+FROM events WHERE id = \\$1").
		WithArgs("evt-1").
		WillReturnRows(rows)

	store := New(db)
	e, err := store.GetEvent(context.Background(), "evt-1")
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if e.Source != "web-app" || e.Type != event.TypeWeb {
		t.Fatalf("unexpected event: %+v", e)
	}
	if len(e.Tags) != 2 || e.Tags[0] != "a" {
		t.Fatalf("expected tags [a b], got %v", e.Tags)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDeleteEventsByTypeBeforeReturnsRowCount(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("DELETE FROM events WHERE type = \\$1 AND timestamp < \\$2").
		WithArgs("web.click", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	store := New(db)
	n, err := store.DeleteEventsByTypeBefore(context.Background(), "web.click", time.Now())
	if err != nil {
		t.Fatalf("DeleteEventsByTypeBefore: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 deleted rows, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListEventsAppliesSetFilters(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC().Truncate(time.Second)
	rows := sqlmock.NewRows([]string{"id", "type", "source", "timestamp", "severity", "data", "correlation_id", "session_id", "user_id", "tags"}).
		AddRow("evt-1", "web", "web-app", now, "low", []byte(`{}`), nil, nil, "user-1", []byte(`["vip"]`))
	mock.ExpectQuery("SELECT id, type, source, timestamp, severity, data, correlation_id, session_id, user_id, tags\\s+FROM events").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), 100, 0).
		WillReturnRows(rows)

	store := New(db)
	events, err := store.ListEvents(context.Background(), storage.EventFilter{
		Types:   []string{"web"},
		UserIDs: []string{"user-1"},
		Tags:    []string{"vip"},
	})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 || events[0].ID != "evt-1" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStatsAggregatesByTypeAndSource(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC().Truncate(time.Second)
	mock.ExpectQuery("SELECT count\\(\\*\\), min\\(timestamp\\), max\\(timestamp\\) FROM events").
		WillReturnRows(sqlmock.NewRows([]string{"count", "min", "max"}).AddRow(2, now.Add(-time.Hour), now))
	mock.ExpectQuery("SELECT type, count\\(\\*\\) FROM events GROUP BY type").
		WillReturnRows(sqlmock.NewRows([]string{"type", "count"}).AddRow("web", 2))
	mock.ExpectQuery("SELECT source, count\\(\\*\\) FROM events GROUP BY source").
		WillReturnRows(sqlmock.NewRows([]string{"source", "count"}).AddRow("web-app", 2))

	store := New(db)
	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalEvents != 2 || stats.EventsByType["web"] != 2 || stats.EventsBySource["web-app"] != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.OldestEvent == nil || stats.NewestEvent == nil {
		t.Fatalf("expected oldest/newest timestamps to be set")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDeleteEventsBeforeReturnsRowCount(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("DELETE FROM events WHERE timestamp < \\$1").WillReturnResult(sqlmock.NewResult(0, 7))

	store := New(db)
	n, err := store.DeleteEventsBefore(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("DeleteEventsBefore: %v", err)
	}
	if n != 7 {
		t.Fatalf("expected 7 deleted rows, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
