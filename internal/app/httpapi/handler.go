package httpapi

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/streampulse/streampulse/infrastructure/errors"
	"github.com/streampulse/streampulse/internal/app/alertengine"
	"github.com/streampulse/streampulse/internal/app/analytics"
	core "github.com/streampulse/streampulse/internal/app/core/service"
	"github.com/streampulse/streampulse/internal/app/domain/alert"
	"github.com/streampulse/streampulse/internal/app/domain/event"
	"github.com/streampulse/streampulse/internal/app/ingestion"
	"github.com/streampulse/streampulse/internal/app/processor"
	"github.com/streampulse/streampulse/internal/app/storage"
	"github.com/streampulse/streampulse/pkg/logger"
)

// handler bundles every HTTP endpoint of §6 over the ingestion edge, the
// event store, the analytics query surface, and the alert engine.
type handler struct {
	edge      *ingestion.Edge
	processor *processor.Processor
	engine    *alertengine.Engine
	analytics *analytics.Service
	store     storage.EventStore
	backup    backupStore
	log       *logger.Logger
	upgrader  websocketUpgrader
}

// backupStore is the subset of storageservice.Service used by the backup
// endpoint, kept narrow so handler doesn't need the whole service package.
type backupStore interface {
	Backup(ctx context.Context, w io.Writer) error
}

// NewHandler builds the router exposing every route in §6. creds and issuer
// back the admin login endpoint; issuer may be nil, in which case login is
// disabled (fail closed).
func NewHandler(edge *ingestion.Edge, proc *processor.Processor, engine *alertengine.Engine, an *analytics.Service, store storage.EventStore, backup backupStore, creds adminCredentials, issuer *tokenIssuer, log *logger.Logger) http.Handler {
	h := &handler{edge: edge, processor: proc, engine: engine, analytics: an, store: store, backup: backup, log: log, upgrader: newWebsocketUpgrader()}

	r := mux.NewRouter()
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/ready", h.ready).Methods(http.MethodGet)
	r.HandleFunc("/events", h.submitEvent).Methods(http.MethodPost)
	r.HandleFunc("/events/batch", h.submitBatch).Methods(http.MethodPost)
	r.HandleFunc("/events/{id}", h.getEvent).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/admin/login", adminLogin(creds, issuer)).Methods(http.MethodPost)
	api.HandleFunc("/admin/backup", h.backupEvents).Methods(http.MethodPost)
	api.HandleFunc("/events/query", h.queryEvents).Methods(http.MethodPost)
	api.HandleFunc("/stats", h.stats).Methods(http.MethodGet)
	api.HandleFunc("/analytics/event-trends", h.eventTrends).Methods(http.MethodGet)
	api.HandleFunc("/analytics/user-distribution", h.userDistribution).Methods(http.MethodGet)
	api.HandleFunc("/analytics/top-sources", h.topSources).Methods(http.MethodGet)
	api.HandleFunc("/analytics/event-types", h.eventTypeDistribution).Methods(http.MethodGet)
	api.HandleFunc("/alerts", h.listAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts/stats", h.alertStats).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}/acknowledge", h.acknowledgeAlert).Methods(http.MethodPost)
	api.HandleFunc("/alerts/{id}/resolve", h.resolveAlert).Methods(http.MethodPost)

	r.HandleFunc("/ws", h.serveWS)
	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *handler) submitEvent(w http.ResponseWriter, r *http.Request) {
	var ev event.Event
	if err := decodeJSON(r, &ev); err != nil {
		writeError(w, r, err)
		return
	}
	id, err := h.edge.Submit(r.Context(), ev, callerIdentity(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"event_id": id})
}

func (h *handler) submitBatch(w http.ResponseWriter, r *http.Request) {
	var events []event.Event
	if err := decodeJSON(r, &events); err != nil {
		writeError(w, r, err)
		return
	}
	results, err := h.edge.SubmitBatch(r.Context(), events, callerIdentity(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	ids := make([]string, len(results))
	for i, res := range results {
		ids[i] = res.ID
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"event_ids": ids,
		"results":   results,
	})
}

func (h *handler) getEvent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ev, err := h.store.GetEvent(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// eventQuery is the §4.F query contract: event_types, sources, user_ids, and
// tags are conjoined sets (an event must match every non-empty set).
type eventQuery struct {
	EventTypes []string  `json:"event_types"`
	Sources    []string  `json:"sources"`
	Severity   string    `json:"severity"`
	UserIDs    []string  `json:"user_ids"`
	Tags       []string  `json:"tags"`
	Since      time.Time `json:"since"`
	Until      time.Time `json:"until"`
	Limit      int       `json:"limit"`
	Offset     int       `json:"offset"`
}

func (h *handler) queryEvents(w http.ResponseWriter, r *http.Request) {
	var q eventQuery
	if err := decodeJSON(r, &q); err != nil {
		writeError(w, r, err)
		return
	}
	filter := storage.EventFilter{
		Types: q.EventTypes, Sources: q.Sources, Severity: q.Severity,
		UserIDs: q.UserIDs, Tags: q.Tags,
		Since: q.Since, Until: q.Until,
		Limit: core.ClampLimit(q.Limit, core.DefaultListLimit, core.MaxListLimit), Offset: q.Offset,
	}
	events, err := h.store.ListEvents(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	windowCounts := h.processor.Windows().Counts(now)
	st, err := h.store.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := map[string]interface{}{
		"total_events":     st.TotalEvents,
		"events_by_type":   st.EventsByType,
		"events_by_source": st.EventsBySource,
		"windows":          windowCounts,
	}
	if st.OldestEvent != nil {
		resp["oldest_event"] = st.OldestEvent
	}
	if st.NewestEvent != nil {
		resp["newest_event"] = st.NewestEvent
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) eventTrends(w http.ResponseWriter, r *http.Request) {
	hours := parseIntParam(r, "hours", 24)
	interval := parseIntParam(r, "interval_minutes", 60)
	trends, err := h.analytics.EventTrends(r.Context(), hours, interval)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trends)
}

func (h *handler) userDistribution(w http.ResponseWriter, r *http.Request) {
	dist, err := h.analytics.UserDistribution(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dist)
}

func (h *handler) topSources(w http.ResponseWriter, r *http.Request) {
	sources, err := h.analytics.TopSources(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sources)
}

func (h *handler) eventTypeDistribution(w http.ResponseWriter, r *http.Request) {
	dist, err := h.analytics.EventTypeDistribution(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dist)
}

func (h *handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := core.ClampLimit(parseIntParam(r, "limit", 0), 100, core.MaxListLimit)
	filter := storage.AlertFilter{Status: q.Get("status"), Limit: limit}
	alerts, err := h.store.ListAlerts(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (h *handler) alertStats(w http.ResponseWriter, r *http.Request) {
	active, err := h.store.ListAlerts(r.Context(), storage.AlertFilter{Status: "active"})
	if err != nil {
		writeError(w, r, err)
		return
	}
	resolved, err := h.store.ListAlerts(r.Context(), storage.AlertFilter{Status: "resolved"})
	if err != nil {
		writeError(w, r, err)
		return
	}
	all, err := h.store.ListAlerts(r.Context(), storage.AlertFilter{})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":       len(active),
		"resolved":     len(resolved),
		"by_level":     alertsByLevel(all),
		"hourly_trend": hourlyFiringTrend(all, time.Now()),
	})
}

// alertsByLevel counts alerts per alert.Level for the §6 by-level breakdown.
func alertsByLevel(alerts []alert.Alert) map[string]int {
	byLevel := make(map[string]int, 3)
	for _, a := range alerts {
		byLevel[string(a.Level)]++
	}
	return byLevel
}

// hourlyFiringTrend buckets alerts by FiredAt into the trailing 24 hourly
// buckets (oldest first), counting alerts fired in each hour.
func hourlyFiringTrend(alerts []alert.Alert, now time.Time) []int {
	trend := make([]int, 24)
	cutoff := now.Add(-24 * time.Hour)
	for _, a := range alerts {
		if a.FiredAt.Before(cutoff) || a.FiredAt.After(now) {
			continue
		}
		bucket := 23 - int(now.Sub(a.FiredAt)/time.Hour)
		if bucket < 0 || bucket > 23 {
			continue
		}
		trend[bucket]++
	}
	return trend
}

// backupEvents streams a newline-delimited JSON export of the events table,
// per the admin backup/export surface of §C.
func (h *handler) backupEvents(w http.ResponseWriter, r *http.Request) {
	if h.backup == nil {
		writeMessage(w, http.StatusServiceUnavailable, "backup is not configured")
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="events-backup.ndjson"`)
	if err := h.backup.Backup(r.Context(), w); err != nil {
		h.log.WithError(err).Warn("httpapi: backup export failed")
	}
}

func (h *handler) acknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	updated, err := h.engine.Acknowledge(r.Context(), id, callerIdentity(r))
	if err != nil {
		writeError(w, r, errors.Conflict(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *handler) resolveAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	updated, err := h.engine.Resolve(r.Context(), id, callerIdentity(r))
	if err != nil {
		writeError(w, r, errors.Conflict(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func parseIntParam(r *http.Request, name string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
