// Package alertengine implements the alert engine of §4.E: the alert state
// machine, suppression/escalation, and notification fan-out.
package alertengine

import (
	"time"

	"github.com/streampulse/streampulse/internal/app/domain/alert"
)

// Alert ids are not generated here: the engine assigns them with
// google/uuid when it builds an alert; the helpers in this file only
// manipulate state transitions.

// transitionAcknowledge moves an alert from active/escalated to acknowledged.
func transitionAcknowledge(a alert.Alert, actor string, now time.Time) (alert.Alert, bool) {
	if a.State != alert.StateActive && a.State != alert.StateEscalated {
		return a, false
	}
	a.State = alert.StateAcknowledged
	a.AcknowledgedAt = &now
	a.AcknowledgedBy = actor
	return a, true
}

// transitionResolve moves any non-terminal alert to resolved. Per §3,
// resolved alerts are never re-opened; a new alert is created instead.
func transitionResolve(a alert.Alert, actor string, now time.Time) (alert.Alert, bool) {
	if a.State.Terminal() {
		return a, false
	}
	a.State = alert.StateResolved
	a.ResolvedAt = &now
	a.ResolvedBy = actor
	return a, true
}

// eligibleForEscalation reports whether a is still active/escalatable: it
// has not been acknowledged or resolved, has not already escalated, and
// escalationWindow has elapsed since it fired.
func eligibleForEscalation(a alert.Alert, escalationWindow time.Duration, now time.Time) bool {
	if escalationWindow <= 0 {
		return false
	}
	if a.State != alert.StateActive {
		return false
	}
	if a.EscalatedAt != nil {
		return false
	}
	return now.Sub(a.FiredAt) >= escalationWindow
}

// escalate produces the clone described in §4.E: level forced to critical,
// title prefixed ESCALATED:, and marks the original escalated. Only one
// escalation per alert (idempotent: callers must check eligibleForEscalation
// first and persist EscalatedAt before this is called again).
func escalate(original alert.Alert, newID string, now time.Time) (updatedOriginal alert.Alert, clone alert.Alert) {
	original.State = alert.StateEscalated
	original.EscalatedAt = &now

	clone = alert.Alert{
		ID:      newID,
		RuleID:  original.RuleID,
		Level:   alert.LevelCritical,
		Title:   "ESCALATED: " + original.Title,
		Message: original.Message,
		Data:    original.Data,
		State:   alert.StateActive,
		FiredAt: now,
	}
	return original, clone
}
