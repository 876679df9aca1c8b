// Package event defines the analytics pipeline's core input record.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type is a closed enum of event kinds with an open "custom" variant.
type Type string

const (
	TypeWeb      Type = "web"
	TypeAPI      Type = "api"
	TypeUser     Type = "user"
	TypeError    Type = "error"
	TypeMetric   Type = "metric"
	TypeCustom   Type = "custom"
	TypeUnknown  Type = ""
)

// Severity orders event criticality.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// MaxDataBytes bounds the serialized size of Data per §3/§8.
const MaxDataBytes = 100 * 1024

// MaxTags bounds the tag set size per §3.
const MaxTags = 10

// MaxClockSkew is the tolerated "timestamp in the future" allowance.
const MaxClockSkew = 5 * time.Second

// Event is the unit of input accepted by the ingestion edge.
type Event struct {
	ID            string          `json:"id"`
	Type          Type            `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	Severity      Severity        `json:"severity"`
	Data          json.RawMessage `json:"data"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	UserID        string          `json:"user_id,omitempty"`
	Tags          []string        `json:"tags,omitempty"`
}

// EffectiveType reports the dispatch/metrics bucket for this event: "custom"
// collapses every sub-tag into one bucket while the sub-tag itself survives
// in Data (see data.custom_type).
func (e Event) EffectiveType() string {
	if e.Type == TypeCustom {
		return string(TypeCustom)
	}
	return string(e.Type)
}

// Validate enforces the invariants of §3 and the rejection rules of §4.C.
// now is injected so callers can test clock-skew handling deterministically.
func Validate(e Event, now time.Time) error {
	if strings.TrimSpace(string(e.Type)) == "" {
		return fmt.Errorf("event type is required")
	}
	if strings.TrimSpace(e.Source) == "" {
		return fmt.Errorf("event source is required")
	}
	if e.Severity != "" && !e.Severity.Valid() {
		return fmt.Errorf("invalid severity %q", e.Severity)
	}
	if !e.Timestamp.IsZero() && e.Timestamp.After(now.Add(MaxClockSkew)) {
		return fmt.Errorf("event timestamp is in the future")
	}
	if len(e.Data) > 0 {
		trimmed := strings.TrimSpace(string(e.Data))
		if !strings.HasPrefix(trimmed, "{") {
			return fmt.Errorf("event data must be a JSON object")
		}
		if len(e.Data) > MaxDataBytes {
			return fmt.Errorf("event data exceeds %d bytes", MaxDataBytes)
		}
	}
	if len(e.Tags) > MaxTags {
		return fmt.Errorf("event has more than %d tags", MaxTags)
	}
	if e.EffectiveType() == string(TypeError) && e.Severity == SeverityLow {
		return fmt.Errorf("error events may not carry severity low")
	}
	if string(e.Type) == "user.login" && strings.TrimSpace(e.UserID) == "" {
		return fmt.Errorf("user.login events require user_id")
	}
	return nil
}

// Stamp assigns an id/timestamp/user id following ingestion-edge defaults.
// callerIdentity is used as a user_id fallback; it may be empty.
func Stamp(e Event, now time.Time, callerIdentity string) Event {
	if strings.TrimSpace(e.ID) == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	if strings.TrimSpace(e.UserID) == "" {
		e.UserID = callerIdentity
	}
	return e
}

// CustomSubType extracts data.custom_type for custom-typed events; empty
// string if absent or the event is not of type custom.
func (e Event) CustomSubType() string {
	if e.Type != TypeCustom || len(e.Data) == 0 {
		return ""
	}
	var probe struct {
		CustomType string `json:"custom_type"`
	}
	if err := json.Unmarshal(e.Data, &probe); err != nil {
		return ""
	}
	return probe.CustomType
}
