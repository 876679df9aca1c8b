package alertengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streampulse/streampulse/infrastructure/metrics"
	core "github.com/streampulse/streampulse/internal/app/core/service"
	"github.com/streampulse/streampulse/internal/app/domain/alert"
	"github.com/streampulse/streampulse/internal/app/domain/rule"
	"github.com/streampulse/streampulse/internal/app/processor/predicate"
	"github.com/streampulse/streampulse/internal/app/storage"
	"github.com/streampulse/streampulse/internal/platform/fabric"
	"github.com/streampulse/streampulse/pkg/logger"
)

// lifecycleInterval bounds how often the escalation worker wakes, per the
// §4.E "at least once per minute" requirement.
const lifecycleInterval = 30 * time.Second

// notifyRetryPolicy retries a failed channel send twice more with a short
// backoff before giving up, since notification transports (SMTP, webhooks)
// are prone to transient failures.
var notifyRetryPolicy = core.RetryPolicy{
	Attempts:       3,
	InitialBackoff: 200 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	Multiplier:     2,
}

// Engine consumes analytics and direct-alert messages, runs the alert state
// machine, and fans notifications out to the configured channels.
type Engine struct {
	broker *fabric.Broker
	store  storage.Store
	m      *metrics.Metrics
	log    *logger.Logger
	clock  func() time.Time

	notifyTimeout time.Duration
	channels      []Channel

	mu    sync.RWMutex
	rules map[string]rule.Rule

	// lastFired tracks the most recent unresolved fire per rule, used for
	// suppression (§4.E). Populated from storage at Start for restart safety.
	lastFired map[string]time.Time
}

// New builds an alert engine. notifyTimeout is the per-send timeout from §5.
func New(broker *fabric.Broker, store storage.Store, m *metrics.Metrics, log *logger.Logger, channels []Channel, notifyTimeout time.Duration) *Engine {
	if log == nil {
		log = logger.NewDefault("alert-engine")
	}
	if notifyTimeout <= 0 {
		notifyTimeout = 10 * time.Second
	}
	return &Engine{
		broker:        broker,
		store:         store,
		m:             m,
		log:           log,
		clock:         time.Now,
		notifyTimeout: notifyTimeout,
		channels:      channels,
		rules:         make(map[string]rule.Rule),
		lastFired:     make(map[string]time.Time),
	}
}

// RegisterRule hot-loads an alert-bearing rule (suppression/escalation
// parameters and notification channels). The condition is parsed up front so
// a malformed or unknown-identifier rule is rejected at registration rather
// than silently never firing.
func (e *Engine) RegisterRule(r rule.Rule) error {
	if r.Condition != "" {
		if _, err := predicate.Parse(r.Condition); err != nil {
			return fmt.Errorf("alert-engine: rule %q: %w", r.Name, err)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[r.Name] = r
	return nil
}

// Name implements system.Service.
func (e *Engine) Name() string { return "alert-engine" }

// Start subscribes to both the analytics and direct-alert queues and starts
// the lifecycle worker. Per §9, escalation eligibility is recomputed from
// the alerts table on restart rather than relying on in-memory timers.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.primeSuppressionState(ctx); err != nil {
		e.log.WithError(err).Warn("alert-engine: failed to prime suppression state from storage")
	}

	if err := e.broker.Consume(ctx, fabric.QueueAlertingAnalytics, 3, e.handleAnalytics); err != nil {
		return err
	}
	if err := e.broker.Consume(ctx, fabric.QueueAlertingDirect, 3, e.handleDirect); err != nil {
		return err
	}

	go e.runLifecycleWorker(ctx)
	return nil
}

// Stop is a no-op; the broker's Close drains consumers and the lifecycle
// worker exits on ctx.Done.
func (e *Engine) Stop(ctx context.Context) error { return nil }

// primeSuppressionState seeds lastFired from the most recent unresolved
// alert per rule so suppression windows survive a restart.
func (e *Engine) primeSuppressionState(ctx context.Context) error {
	alerts, err := e.store.ListForEscalation(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range alerts {
		if t, ok := e.lastFired[a.RuleID]; !ok || a.FiredAt.After(t) {
			e.lastFired[a.RuleID] = a.FiredAt
		}
	}
	return nil
}

func (e *Engine) handleAnalytics(ctx context.Context, env fabric.Envelope) error {
	var trig alert.Trigger
	if err := json.Unmarshal(env.Payload, &trig); err != nil {
		e.log.WithError(err).Warn("alert-engine: dropping malformed analytics envelope")
		return nil
	}
	return e.fire(ctx, trig)
}

func (e *Engine) handleDirect(ctx context.Context, env fabric.Envelope) error {
	var trig alert.Trigger
	if err := json.Unmarshal(env.Payload, &trig); err != nil {
		e.log.WithError(err).Warn("alert-engine: dropping malformed direct alert envelope")
		return nil
	}
	return e.fire(ctx, trig)
}

// fire implements the "fire" transition of the §4.E state machine:
// suppression check, persist as pending→active, then notify.
func (e *Engine) fire(ctx context.Context, trig alert.Trigger) error {
	now := e.clock()

	e.mu.RLock()
	r, known := e.rules[trig.RuleID]
	last, hasLast := e.lastFired[trig.RuleID]
	e.mu.RUnlock()

	if known && r.SuppressionMinutes > 0 && hasLast {
		window := time.Duration(r.SuppressionMinutes) * time.Minute
		if now.Sub(last) < window {
			e.log.WithField("rule", trig.RuleID).Info("alert-engine: suppressing duplicate alert within suppression window")
			return nil
		}
	}

	a := alert.Alert{
		ID:      uuid.NewString(),
		RuleID:  trig.RuleID,
		Level:   trig.Level,
		Title:   trig.Title,
		Message: trig.Message,
		Data:    trig.Data,
		State:   alert.StateActive,
		FiredAt: now,
	}
	if err := e.store.SaveAlert(ctx, a); err != nil {
		return fmt.Errorf("alert-engine: persist fired alert: %w", err)
	}
	if e.m != nil {
		e.m.RecordAlertFired(a.RuleID, string(a.Level))
	}

	e.mu.Lock()
	e.lastFired[trig.RuleID] = now
	e.mu.Unlock()

	e.notifyAll(ctx, a, r.Channels)
	return nil
}

// notifyAll sends to every configured channel, restricting to ruleChannels
// when non-empty. Send failures are logged per channel and never block
// delivery to the remaining channels, per §4.E.
func (e *Engine) notifyAll(ctx context.Context, a alert.Alert, ruleChannels []string) {
	allowed := make(map[string]bool, len(ruleChannels))
	for _, c := range ruleChannels {
		allowed[c] = true
	}

	for _, ch := range e.channels {
		if len(allowed) > 0 && !allowed[ch.Name()] {
			continue
		}
		if !ch.IsAvailable() {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, e.notifyTimeout)
		start := e.clock()
		err := core.Retry(sendCtx, notifyRetryPolicy, func() error { return ch.Send(sendCtx, a) })
		cancel()
		status := "sent"
		if err != nil {
			status = "failed"
			e.log.WithField("channel", ch.Name()).WithField("alert_id", a.ID).
				WithError(err).Warn("alert-engine: notification send failed")
		}
		if e.m != nil {
			e.m.RecordNotification(ch.Name(), status, e.clock().Sub(start))
		}
	}
}

// Acknowledge implements the admin ack path of §4.E.
func (e *Engine) Acknowledge(ctx context.Context, id, actor string) (alert.Alert, error) {
	a, err := e.store.GetAlert(ctx, id)
	if err != nil {
		return alert.Alert{}, err
	}
	updated, ok := transitionAcknowledge(a, actor, e.clock())
	if !ok {
		return a, fmt.Errorf("alert-engine: alert %s is not in an acknowledgeable state", id)
	}
	if err := e.store.UpdateAlert(ctx, updated); err != nil {
		return alert.Alert{}, err
	}
	return updated, nil
}

// Resolve implements the admin resolve path of §4.E.
func (e *Engine) Resolve(ctx context.Context, id, actor string) (alert.Alert, error) {
	a, err := e.store.GetAlert(ctx, id)
	if err != nil {
		return alert.Alert{}, err
	}
	updated, ok := transitionResolve(a, actor, e.clock())
	if !ok {
		return a, fmt.Errorf("alert-engine: alert %s is already resolved", id)
	}
	if err := e.store.UpdateAlert(ctx, updated); err != nil {
		return alert.Alert{}, err
	}
	e.mu.Lock()
	if last, ok := e.lastFired[updated.RuleID]; ok && last.Equal(updated.FiredAt) {
		delete(e.lastFired, updated.RuleID)
	}
	e.mu.Unlock()
	return updated, nil
}

// runLifecycleWorker wakes at lifecycleInterval (<1 minute) to scan active,
// unacknowledged alerts for escalation eligibility, per §4.E.
func (e *Engine) runLifecycleWorker(ctx context.Context) {
	ticker := time.NewTicker(lifecycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepEscalations(ctx)
		}
	}
}

func (e *Engine) sweepEscalations(ctx context.Context) {
	alerts, err := e.store.ListForEscalation(ctx)
	if err != nil {
		e.log.WithError(err).Warn("alert-engine: failed to list alerts for escalation sweep")
		return
	}
	now := e.clock()
	for _, a := range alerts {
		e.mu.RLock()
		r, known := e.rules[a.RuleID]
		e.mu.RUnlock()
		if !known || r.EscalationMinutes <= 0 {
			continue
		}
		window := time.Duration(r.EscalationMinutes) * time.Minute
		if !eligibleForEscalation(a, window, now) {
			continue
		}
		updatedOriginal, clone := escalate(a, uuid.NewString(), now)
		if err := e.store.UpdateAlert(ctx, updatedOriginal); err != nil {
			e.log.WithField("alert_id", a.ID).WithError(err).Warn("alert-engine: failed to persist escalation on original")
			continue
		}
		if err := e.store.SaveAlert(ctx, clone); err != nil {
			e.log.WithField("alert_id", a.ID).WithError(err).Warn("alert-engine: failed to persist escalation clone")
			continue
		}
		if e.m != nil {
			e.m.RecordAlertFired(clone.RuleID, string(clone.Level))
		}
		e.notifyAll(ctx, clone, r.Channels)
	}
}

// Channels exposes the wired notification channels (read-only access for
// health/diagnostic surfaces).
func (e *Engine) Channels() []Channel { return e.channels }
