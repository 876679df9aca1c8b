// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/streampulse/streampulse/internal/app/domain/alert"
	"github.com/streampulse/streampulse/internal/app/domain/event"
	"github.com/streampulse/streampulse/internal/app/domain/rule"
	"github.com/streampulse/streampulse/internal/app/storage"
)

// Store implements storage.Store backed by a *sql.DB (driven by lib/pq).
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- EventStore --------------------------------------------------------------

func (s *Store) SaveEvent(ctx context.Context, e event.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	tags, err := json.Marshal(e.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, type, source, timestamp, severity, data, correlation_id, session_id, user_id, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, string(e.Type), e.Source, e.Timestamp, string(e.Severity), []byte(e.Data), toNullString(e.CorrelationID), toNullString(e.SessionID), toNullString(e.UserID), tags)
	return err
}

func (s *Store) GetEvent(ctx context.Context, id string) (event.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, source, timestamp, severity, data, correlation_id, session_id, user_id, tags
		FROM events WHERE id = $1
	`, id)
	return scanEvent(row)
}

// eventFilterWhere is shared by ListEvents and CountEvents: every *s
// parameter is a Postgres array and the corresponding clause is satisfied
// when the array is empty (unconstrained) or contains/overlaps the column.
const eventFilterWhere = `
	  ($1::text[] IS NULL OR array_length($1::text[], 1) IS NULL OR type = ANY($1))
	  AND ($2::text[] IS NULL OR array_length($2::text[], 1) IS NULL OR source = ANY($2))
	  AND ($3 = '' OR severity = $3)
	  AND ($4::text[] IS NULL OR array_length($4::text[], 1) IS NULL OR user_id = ANY($4))
	  AND ($5::text[] IS NULL OR array_length($5::text[], 1) IS NULL OR tags ?| $5)
	  AND ($6::timestamptz IS NULL OR timestamp >= $6)
	  AND ($7::timestamptz IS NULL OR timestamp <= $7)
`

func (s *Store) ListEvents(ctx context.Context, filter storage.EventFilter) ([]event.Event, error) {
	query := `
		SELECT id, type, source, timestamp, severity, data, correlation_id, session_id, user_id, tags
		FROM events
		WHERE ` + eventFilterWhere + `
		ORDER BY timestamp DESC
		LIMIT $8 OFFSET $9
	`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, query,
		pq.Array(filter.Types), pq.Array(filter.Sources), filter.Severity, pq.Array(filter.UserIDs), pq.Array(filter.Tags),
		nullableTime(filter.Since), nullableTime(filter.Until),
		limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) CountEvents(ctx context.Context, filter storage.EventFilter) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM events
		WHERE `+eventFilterWhere,
		pq.Array(filter.Types), pq.Array(filter.Sources), filter.Severity, pq.Array(filter.UserIDs), pq.Array(filter.Tags),
		nullableTime(filter.Since), nullableTime(filter.Until))
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) Stats(ctx context.Context) (storage.EventStats, error) {
	stats := storage.EventStats{EventsByType: map[string]int{}, EventsBySource: map[string]int{}}

	row := s.db.QueryRowContext(ctx, `SELECT count(*), min(timestamp), max(timestamp) FROM events`)
	var total int
	var oldest, newest sql.NullTime
	if err := row.Scan(&total, &oldest, &newest); err != nil {
		return storage.EventStats{}, err
	}
	stats.TotalEvents = total
	if oldest.Valid {
		t := oldest.Time.UTC()
		stats.OldestEvent = &t
	}
	if newest.Valid {
		t := newest.Time.UTC()
		stats.NewestEvent = &t
	}

	typeRows, err := s.db.QueryContext(ctx, `SELECT type, count(*) FROM events GROUP BY type`)
	if err != nil {
		return storage.EventStats{}, err
	}
	defer typeRows.Close()
	for typeRows.Next() {
		var t string
		var c int
		if err := typeRows.Scan(&t, &c); err != nil {
			return storage.EventStats{}, err
		}
		stats.EventsByType[t] = c
	}
	if err := typeRows.Err(); err != nil {
		return storage.EventStats{}, err
	}

	sourceRows, err := s.db.QueryContext(ctx, `SELECT source, count(*) FROM events GROUP BY source`)
	if err != nil {
		return storage.EventStats{}, err
	}
	defer sourceRows.Close()
	for sourceRows.Next() {
		var src string
		var c int
		if err := sourceRows.Scan(&src, &c); err != nil {
			return storage.EventStats{}, err
		}
		stats.EventsBySource[src] = c
	}
	return stats, sourceRows.Err()
}

func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

func (s *Store) EventTypesPresent(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT type FROM events ORDER BY type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) DeleteEventsByTypeBefore(ctx context.Context, eventType string, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE type = $1 AND timestamp < $2`, eventType, cutoff)
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

func (s *Store) StreamAllEvents(ctx context.Context, w io.Writer) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, source, timestamp, severity, data, correlation_id, session_id, user_id, tags
		FROM events ORDER BY timestamp
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return err
		}
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return bw.Flush()
}

// --- AlertStore ----------------------------------------------------------

func (s *Store) SaveAlert(ctx context.Context, a alert.Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, rule_id, level, title, message, data, state, fired_at, acknowledged_at, resolved_at, escalated_at, acknowledged_by, resolved_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, a.ID, a.RuleID, string(a.Level), a.Title, a.Message, []byte(a.Data), string(a.State), a.FiredAt,
		toNullTimePtr(a.AcknowledgedAt), toNullTimePtr(a.ResolvedAt), toNullTimePtr(a.EscalatedAt),
		toNullString(a.AcknowledgedBy), toNullString(a.ResolvedBy))
	return err
}

func (s *Store) UpdateAlert(ctx context.Context, a alert.Alert) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE alerts
		SET state = $2, acknowledged_at = $3, resolved_at = $4, escalated_at = $5, acknowledged_by = $6, resolved_by = $7
		WHERE id = $1
	`, a.ID, string(a.State), toNullTimePtr(a.AcknowledgedAt), toNullTimePtr(a.ResolvedAt), toNullTimePtr(a.EscalatedAt),
		toNullString(a.AcknowledgedBy), toNullString(a.ResolvedBy))
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) GetAlert(ctx context.Context, id string) (alert.Alert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, rule_id, level, title, message, data, state, fired_at, acknowledged_at, resolved_at, escalated_at, acknowledged_by, resolved_by
		FROM alerts WHERE id = $1
	`, id)
	return scanAlert(row)
}

func (s *Store) ListAlerts(ctx context.Context, filter storage.AlertFilter) ([]alert.Alert, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_id, level, title, message, data, state, fired_at, acknowledged_at, resolved_at, escalated_at, acknowledged_by, resolved_by
		FROM alerts
		WHERE ($1 = '' OR rule_id = $1)
		  AND ($2 = '' OR
		       ($2 = 'active' AND state IN ('pending','active','escalated')) OR
		       ($2 != 'active' AND state = $2))
		ORDER BY fired_at DESC
		LIMIT $3 OFFSET $4
	`, filter.RuleID, filter.Status, limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alert.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) FindActiveByRule(ctx context.Context, ruleID string) (alert.Alert, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, rule_id, level, title, message, data, state, fired_at, acknowledged_at, resolved_at, escalated_at, acknowledged_by, resolved_by
		FROM alerts
		WHERE rule_id = $1 AND state != 'resolved'
		ORDER BY fired_at DESC
		LIMIT 1
	`, ruleID)
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return alert.Alert{}, false, nil
	}
	if err != nil {
		return alert.Alert{}, false, err
	}
	return a, true, nil
}

func (s *Store) ListForEscalation(ctx context.Context) ([]alert.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_id, level, title, message, data, state, fired_at, acknowledged_at, resolved_at, escalated_at, acknowledged_by, resolved_by
		FROM alerts
		WHERE state != 'resolved' AND escalated_at IS NULL
		ORDER BY fired_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alert.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- RuleStore ---------------------------------------------------------------

func (s *Store) SaveRule(ctx context.Context, r rule.Rule) error {
	channels, err := json.Marshal(r.Channels)
	if err != nil {
		return fmt.Errorf("marshal channels: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules (name, condition, action, threshold, window, channels, level, enabled, suppression_minutes, escalation_minutes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (name) DO UPDATE SET
			condition = EXCLUDED.condition, action = EXCLUDED.action, threshold = EXCLUDED.threshold,
			window = EXCLUDED.window, channels = EXCLUDED.channels, level = EXCLUDED.level,
			enabled = EXCLUDED.enabled, suppression_minutes = EXCLUDED.suppression_minutes,
			escalation_minutes = EXCLUDED.escalation_minutes
	`, r.Name, r.Condition, r.Action, nullableFloat(r.Threshold), r.Window, channels, string(r.Level), r.Enabled, r.SuppressionMinutes, r.EscalationMinutes)
	return err
}

func (s *Store) GetRule(ctx context.Context, name string) (rule.Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, condition, action, threshold, window, channels, level, enabled, suppression_minutes, escalation_minutes
		FROM rules WHERE name = $1
	`, name)
	return scanRule(row)
}

func (s *Store) ListRules(ctx context.Context) ([]rule.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, condition, action, threshold, window, channels, level, enabled, suppression_minutes, escalation_minutes
		FROM rules ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rule.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteRule(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE name = $1`, name)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- RetentionStore ------------------------------------------------------

func (s *Store) GetRetentionPolicy(ctx context.Context) (storage.RetentionPolicy, error) {
	row := s.db.QueryRowContext(ctx, `SELECT event_retention_seconds, alert_retention_seconds, by_type_retention_seconds FROM retention_policies WHERE id = 1`)
	var eventSecs, alertSecs int64
	var byType []byte
	if err := row.Scan(&eventSecs, &alertSecs, &byType); err != nil {
		if err == sql.ErrNoRows {
			return storage.RetentionPolicy{DefaultEventRetention: 30 * 24 * time.Hour, AlertRetention: 90 * 24 * time.Hour}, nil
		}
		return storage.RetentionPolicy{}, err
	}
	policy := storage.RetentionPolicy{
		DefaultEventRetention: time.Duration(eventSecs) * time.Second,
		AlertRetention:        time.Duration(alertSecs) * time.Second,
	}
	if len(byType) > 0 {
		var secsByType map[string]int64
		if err := json.Unmarshal(byType, &secsByType); err == nil && len(secsByType) > 0 {
			policy.ByType = make(map[string]time.Duration, len(secsByType))
			for t, secs := range secsByType {
				policy.ByType[t] = time.Duration(secs) * time.Second
			}
		}
	}
	return policy, nil
}

func (s *Store) SaveRetentionPolicy(ctx context.Context, p storage.RetentionPolicy) error {
	secsByType := make(map[string]int64, len(p.ByType))
	for t, d := range p.ByType {
		secsByType[t] = int64(d / time.Second)
	}
	byType, err := json.Marshal(secsByType)
	if err != nil {
		return fmt.Errorf("marshal retention by-type: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO retention_policies (id, event_retention_seconds, alert_retention_seconds, by_type_retention_seconds)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET event_retention_seconds = $1, alert_retention_seconds = $2, by_type_retention_seconds = $3
	`, int64(p.DefaultEventRetention/time.Second), int64(p.AlertRetention/time.Second), byType)
	return err
}

// --- scanning helpers ------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(scanner rowScanner) (event.Event, error) {
	var (
		e             event.Event
		eventType     string
		severity      string
		data          []byte
		correlationID sql.NullString
		sessionID     sql.NullString
		userID        sql.NullString
		tags          []byte
	)
	if err := scanner.Scan(&e.ID, &eventType, &e.Source, &e.Timestamp, &severity, &data, &correlationID, &sessionID, &userID, &tags); err != nil {
		return event.Event{}, err
	}
	e.Type = event.Type(eventType)
	e.Severity = event.Severity(severity)
	e.Data = data
	e.CorrelationID = correlationID.String
	e.SessionID = sessionID.String
	e.UserID = userID.String
	if len(tags) > 0 {
		_ = json.Unmarshal(tags, &e.Tags)
	}
	return e, nil
}

func scanAlert(scanner rowScanner) (alert.Alert, error) {
	var (
		a                          alert.Alert
		level, state               string
		data                       []byte
		acknowledgedAt, resolvedAt sql.NullTime
		escalatedAt                sql.NullTime
		acknowledgedBy, resolvedBy sql.NullString
	)
	if err := scanner.Scan(&a.ID, &a.RuleID, &level, &a.Title, &a.Message, &data, &state, &a.FiredAt,
		&acknowledgedAt, &resolvedAt, &escalatedAt, &acknowledgedBy, &resolvedBy); err != nil {
		return alert.Alert{}, err
	}
	a.Level = alert.Level(level)
	a.State = alert.State(state)
	a.Data = data
	if acknowledgedAt.Valid {
		t := acknowledgedAt.Time.UTC()
		a.AcknowledgedAt = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		a.ResolvedAt = &t
	}
	if escalatedAt.Valid {
		t := escalatedAt.Time.UTC()
		a.EscalatedAt = &t
	}
	a.AcknowledgedBy = acknowledgedBy.String
	a.ResolvedBy = resolvedBy.String
	return a, nil
}

func scanRule(scanner rowScanner) (rule.Rule, error) {
	var (
		r         rule.Rule
		threshold sql.NullFloat64
		level     string
		channels  []byte
	)
	if err := scanner.Scan(&r.Name, &r.Condition, &r.Action, &threshold, &r.Window, &channels, &level, &r.Enabled, &r.SuppressionMinutes, &r.EscalationMinutes); err != nil {
		return rule.Rule{}, err
	}
	r.Level = alert.Level(level)
	if threshold.Valid {
		r.Threshold = &threshold.Float64
	}
	if len(channels) > 0 {
		_ = json.Unmarshal(channels, &r.Channels)
	}
	return r, nil
}

func toNullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func toNullTimePtr(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullableFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
