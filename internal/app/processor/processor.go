// Package processor implements the stream processor of §4.D: sliding
// windows, rule evaluation against a fixed predicate grammar, and derived
// metric emission.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streampulse/streampulse/infrastructure/metrics"
	"github.com/streampulse/streampulse/internal/app/domain/alert"
	"github.com/streampulse/streampulse/internal/app/domain/event"
	"github.com/streampulse/streampulse/internal/app/domain/rule"
	"github.com/streampulse/streampulse/internal/app/processor/predicate"
	"github.com/streampulse/streampulse/internal/platform/fabric"
	"github.com/streampulse/streampulse/pkg/logger"
)

// compiledRule pairs a declared Rule with its parsed predicate AST.
type compiledRule struct {
	rule rule.Rule
	expr predicate.Expr
}

// Processor maintains the window registry and the rule set, consuming from
// the analytics.events queue and emitting onto the analytics exchange.
type Processor struct {
	broker   *fabric.Broker
	windows  *Registry
	m        *metrics.Metrics
	log      *logger.Logger
	clock    func() time.Time

	mu    sync.RWMutex
	rules map[string]compiledRule
}

// New builds a processor with the default window set (§4.D) and the two
// built-in rules (high_error_rate, activity_spike).
func New(broker *fabric.Broker, m *metrics.Metrics, log *logger.Logger) (*Processor, error) {
	windows, err := DefaultRegistry()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewDefault("stream-processor")
	}
	p := &Processor{
		broker:  broker,
		windows: windows,
		m:       m,
		log:     log,
		clock:   time.Now,
		rules:   make(map[string]compiledRule),
	}
	for _, r := range BuiltinRules() {
		if err := p.RegisterRule(r); err != nil {
			return nil, fmt.Errorf("processor: register builtin rule %q: %w", r.Name, err)
		}
	}
	return p, nil
}

// BuiltinRules returns the two required detectors from §4.D. This is the
// single source of truth for the built-in rule set: both the processor and
// the alert engine register exactly these rules (by name), so a direct
// alert trigger published under a built-in's name always finds a matching
// suppression/escalation/channel configuration on the engine side.
func BuiltinRules() []rule.Rule {
	return []rule.Rule{
		{
			Name:               "high_error_rate",
			Condition:          `event_type == "error" and windows["1min"].count() > 10`,
			Action:             "high_error_rate",
			Window:             "1min",
			Channels:           []string{"slack", "webhook"},
			Level:              alert.LevelCritical,
			Enabled:            true,
			SuppressionMinutes: 15,
			EscalationMinutes:  30,
		},
		{
			Name:               "activity_spike",
			Condition:          `event_type in ("user.login", "user.logout") and windows["5min"].count() > 100`,
			Action:             "activity_spike",
			Window:             "5min",
			Channels:           []string{"slack"},
			Level:              alert.LevelWarning,
			Enabled:            true,
			SuppressionMinutes: 10,
			EscalationMinutes:  20,
		},
	}
}

// RegisterRule parses and hot-loads a rule. Unknown identifiers in the
// condition are rejected at registration time, per §4.D/§9.
func (p *Processor) RegisterRule(r rule.Rule) error {
	expr, err := predicate.Parse(r.Condition)
	if err != nil {
		return fmt.Errorf("processor: rule %q: %w", r.Name, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules[r.Name] = compiledRule{rule: r, expr: expr}
	return nil
}

// DisableRule flips a rule's enabled flag without removing it (§3).
func (p *Processor) DisableRule(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cr, ok := p.rules[name]; ok {
		cr.rule.Enabled = false
		p.rules[name] = cr
	}
}

// EnableRule re-enables a previously disabled rule.
func (p *Processor) EnableRule(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cr, ok := p.rules[name]; ok {
		cr.rule.Enabled = true
		p.rules[name] = cr
	}
}

// Name implements system.Service.
func (p *Processor) Name() string { return "stream-processor" }

// Start subscribes to the analytics.events queue, processing each event
// through the §4.D protocol: window append, rule evaluation, metric
// emission, in that strict order per §5.
func (p *Processor) Start(ctx context.Context) error {
	return p.broker.Consume(ctx, fabric.QueueAnalyticsEvents, 3, func(ctx context.Context, env fabric.Envelope) error {
		var ev event.Event
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			p.log.WithError(err).Warn("processor: dropping malformed event envelope")
			return nil // not retryable; a parse failure will never succeed
		}
		p.Process(ev)
		return nil
	})
}

// Stop is a no-op; the broker's Close drains the consumer loop.
func (p *Processor) Stop(ctx context.Context) error { return nil }

// Process runs the §4.D protocol for a single event. Exported so tests (and
// the in-process pipeline, should the broker path be bypassed) can drive it
// directly.
func (p *Processor) Process(ev event.Event) {
	now := p.clock()

	// Step 1: append to every window before any rule sees it.
	p.windows.AppendAll(ev)

	// Step 2: evaluate enabled rules against the current context.
	windowCounts := p.windows.Counts(now)
	predCtx := predicate.Context{
		EventType: ev.EffectiveType(),
		Severity:  string(ev.Severity),
		Source:    ev.Source,
		Tags:      ev.Tags,
		Data:      ev.Data,
		Windows:   windowCounts,
	}
	if string(ev.Type) == "user.login" || string(ev.Type) == "user.logout" {
		predCtx.EventType = string(ev.Type)
	}

	p.mu.RLock()
	rules := make([]compiledRule, 0, len(p.rules))
	for _, cr := range p.rules {
		rules = append(rules, cr)
	}
	p.mu.RUnlock()

	outcome := "completed"
	for _, cr := range rules {
		if !cr.rule.Enabled {
			continue
		}
		matched, err := predicate.Eval(cr.expr, predCtx)
		if err != nil {
			p.log.WithField("rule", cr.rule.Name).WithError(err).Warn("processor: rule evaluation failed")
			outcome = "failed"
			continue
		}
		if matched {
			p.fireAction(cr.rule, ev, now)
		}
	}

	// Step 3: emit derived metrics onto analytics.metrics.
	p.emitMetrics(ev, now, windowCounts)

	// Step 4: record processing outcome for observability.
	if p.m != nil && outcome == "failed" {
		p.m.RecordError("stream-processor", "rule_evaluation", ev.EffectiveType())
	}
}

// fireAction invokes the named action, publishing a trigger onto
// analytics.<action_name> per §4.D step 2.
func (p *Processor) fireAction(r rule.Rule, ev event.Event, now time.Time) {
	trig := alert.Trigger{
		RuleID:  r.Name,
		Level:   r.Level,
		Title:   r.Name,
		Message: fmt.Sprintf("rule %q matched for event %s", r.Name, ev.ID),
		Data:    ev.Data,
	}
	payload, err := json.Marshal(trig)
	if err != nil {
		p.log.WithField("rule", r.Name).WithError(err).Error("processor: failed to marshal alert trigger")
		return
	}
	routingKey := fmt.Sprintf("analytics.%s", r.Action)
	env := fabric.Envelope{Payload: payload, CorrelationID: ev.CorrelationID}
	if err := p.broker.Publish(fabric.ExchangeAnalytics, routingKey, env); err != nil {
		p.log.WithField("rule", r.Name).WithError(err).Warn("processor: failed to publish action result")
		return
	}
	// Built-in detectors also fire directly onto the alerts exchange so the
	// alert engine's direct-alert path (§4.E) can pick them up without a
	// dependency on the analytics condition re-evaluating the same rule.
	if r.Action == "high_error_rate" || r.Action == "activity_spike" {
		alertEnv := fabric.Envelope{Payload: payload, CorrelationID: ev.CorrelationID}
		alertKey := fmt.Sprintf("alerts.%s", r.Name)
		if err := p.broker.Publish(fabric.ExchangeAlerts, alertKey, alertEnv); err != nil {
			p.log.WithField("rule", r.Name).WithError(err).Warn("processor: failed to publish direct alert")
		}
	}
}

// emitMetrics publishes the §4.D step 3 metric set onto analytics.metrics
// and records them locally for Prometheus scraping.
func (p *Processor) emitMetrics(ev event.Event, now time.Time, windowCounts map[string]int) {
	if p.m != nil {
		p.m.RecordEvent(ev.Source, ev.EffectiveType(), string(ev.Severity), now.Sub(ev.Timestamp))
		for name, count := range windowCounts {
			p.m.SetWindowCount(name, count)
		}
	}

	type metricSample struct {
		Name      string            `json:"name"`
		Type      string            `json:"type"`
		Value     float64           `json:"value"`
		Tags      map[string]string `json:"tags"`
		Timestamp time.Time         `json:"timestamp"`
	}
	samples := []metricSample{
		{Name: "events_total", Type: "counter", Value: 1, Tags: map[string]string{"source": ev.Source, "type": ev.EffectiveType()}, Timestamp: now},
		{Name: "events_by_severity", Type: "counter", Value: 1, Tags: map[string]string{"severity": string(ev.Severity)}, Timestamp: now},
		{Name: "event_processing_time", Type: "timer", Value: now.Sub(ev.Timestamp).Seconds(), Tags: map[string]string{"source": ev.Source}, Timestamp: now},
	}
	for name, count := range windowCounts {
		samples = append(samples, metricSample{
			Name: fmt.Sprintf("window_%s_count", name), Type: "gauge", Value: float64(count),
			Tags: map[string]string{"window": name}, Timestamp: now,
		})
	}

	payload, err := json.Marshal(samples)
	if err != nil {
		p.log.WithError(err).Error("processor: failed to marshal metric samples")
		return
	}
	env := fabric.Envelope{Payload: payload, CorrelationID: ev.CorrelationID}
	if err := p.broker.Publish(fabric.ExchangeAnalytics, "analytics.metrics", env); err != nil {
		p.log.WithError(err).Warn("processor: failed to publish metric samples")
	}
}

// Windows exposes the registry for read-only inspection (e.g. health checks).
func (p *Processor) Windows() *Registry { return p.windows }
