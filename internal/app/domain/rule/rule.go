// Package rule defines declarative detectors evaluated by the stream
// processor and alert engine (§3, §4.D).
package rule

import "github.com/streampulse/streampulse/internal/app/domain/alert"

// Rule is a declarative detector: name, predicate source, a named action
// handler, and the alert metadata used if the action fires an alert.
type Rule struct {
	Name      string   `json:"name"`
	Condition string   `json:"condition"`
	Action    string   `json:"action"`
	Threshold *float64 `json:"threshold,omitempty"`
	Window    string   `json:"window,omitempty"`
	Channels  []string `json:"channels,omitempty"`
	Level     alert.Level `json:"level,omitempty"`
	Enabled   bool     `json:"enabled"`

	// Suppression/escalation parameters, consumed by the alert engine when
	// this rule's action fires an alert.
	SuppressionMinutes int `json:"suppression_minutes,omitempty"`
	EscalationMinutes  int `json:"escalation_minutes,omitempty"`
}
