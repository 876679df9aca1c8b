// Package app wires the ingestion edge, stream processor, alert engine,
// storage service, analytics service, and HTTP API into a single lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/streampulse/streampulse/infrastructure/metrics"
	"github.com/streampulse/streampulse/internal/app/alertengine"
	"github.com/streampulse/streampulse/internal/app/analytics"
	core "github.com/streampulse/streampulse/internal/app/core/service"
	"github.com/streampulse/streampulse/internal/app/domain/rule"
	"github.com/streampulse/streampulse/internal/app/httpapi"
	"github.com/streampulse/streampulse/internal/app/ingestion"
	"github.com/streampulse/streampulse/internal/app/processor"
	"github.com/streampulse/streampulse/internal/app/storage"
	"github.com/streampulse/streampulse/internal/app/storageservice"
	"github.com/streampulse/streampulse/internal/app/system"
	"github.com/streampulse/streampulse/internal/platform/analyticscache"
	"github.com/streampulse/streampulse/internal/platform/fabric"
	"github.com/streampulse/streampulse/pkg/config"
	"github.com/streampulse/streampulse/pkg/logger"
)

// Application ties the pipeline's services together behind a single
// lifecycle manager.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Ingestion      *ingestion.Edge
	Processor      *processor.Processor
	AlertEngine    *alertengine.Engine
	StorageService *storageservice.Service
	Analytics      *analytics.Service
	HTTP           *httpapi.Service

	descriptors []core.Descriptor
}

// Option customises application construction.
type Option func(*options)

type options struct {
	rules           []rule.Rule
	channels        []alertengine.Channel
	cache           analyticscache.Cache
	queueSize       int
	sweepInterval   time.Duration
	eventsPerSecond float64
}

// WithRules sets the detection rules wired into the processor and alert
// engine. The processor always keeps its built-in rules; these are added to
// them, replacing a built-in of the same name. The alert engine gets only
// these rules.
func WithRules(rules []rule.Rule) Option {
	return func(o *options) { o.rules = rules }
}

// WithChannels overrides the notification channels wired into the alert
// engine. Without this option New builds channels from cfg.Notification.
func WithChannels(channels []alertengine.Channel) Option {
	return func(o *options) { o.channels = channels }
}

// WithCache overrides the analytics query cache. Without this option New
// builds a local in-process cache.
func WithCache(cache analyticscache.Cache) Option {
	return func(o *options) { o.cache = cache }
}

// WithIngestionRate overrides the ingestion edge's admission rate (events
// per second). Without this option the edge uses ingestion.DefaultEventsPerSecond.
func WithIngestionRate(eventsPerSecond float64) Option {
	return func(o *options) { o.eventsPerSecond = eventsPerSecond }
}

// New builds a fully wired application: the fabric broker's topology is
// declared, every domain service is constructed, rules are registered, and
// the HTTP API is bound to addr.
func New(cfg *config.Config, store storage.Store, addr string, log *logger.Logger, opts ...Option) (*Application, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: config is required")
	}
	if store == nil {
		return nil, fmt.Errorf("app: store is required")
	}
	if log == nil {
		log = logger.NewDefault("app")
	}

	o := &options{
		rules:         processor.BuiltinRules(),
		queueSize:     cfg.Runtime.IngestionBatchMax * 10,
		sweepInterval: cfg.Runtime.RetentionSweepInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.cache == nil {
		o.cache = analyticscache.NewLocal(time.Duration(cfg.Cache.DefaultTTL) * time.Second)
	}
	if o.channels == nil {
		o.channels = channelsFromConfig(cfg.Notification)
	}

	met := metrics.Init("streampulse")

	broker := fabric.New(log)
	if err := fabric.DeclareTopology(broker); err != nil {
		return nil, fmt.Errorf("declare fabric topology: %w", err)
	}

	edge := ingestion.New(broker, met, log, o.queueSize, o.eventsPerSecond)

	proc, err := processor.New(broker, met, log)
	if err != nil {
		return nil, fmt.Errorf("build processor: %w", err)
	}

	// o.rules is registered on both the processor (condition evaluation
	// against the event stream) and the alert engine (suppression,
	// escalation, and channel routing keyed by rule name): a direct alert
	// trigger fired by the processor under a rule's name must find that
	// same rule's metadata on the engine side, regardless of the rule's
	// Action.
	engine := alertengine.New(broker, store, met, log, o.channels, cfg.Runtime.NotificationTimeout)
	for _, r := range o.rules {
		if err := engine.RegisterRule(r); err != nil {
			return nil, fmt.Errorf("register alert rule %q: %w", r.Name, err)
		}
		if err := proc.RegisterRule(r); err != nil {
			return nil, fmt.Errorf("register processor rule %q: %w", r.Name, err)
		}
	}

	storageSvc := storageservice.New(broker, store, met, log, o.sweepInterval)
	analyticsSvc := analytics.New(store, o.cache, time.Duration(cfg.Cache.DefaultTTL)*time.Second)

	manager := system.NewManager()
	for _, svc := range []system.Service{edge, proc, engine, storageSvc} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	sec := httpapi.Security{
		SecretKey:    cfg.Security.AdminSecretKey,
		AdminUser:    cfg.Security.AdminUsername,
		PasswordHash: cfg.Security.AdminPasswordHash,
		TokenTTL:     cfg.Security.AdminTokenTTL,
	}
	httpSvc := httpapi.NewService(addr, edge, proc, engine, analyticsSvc, store, storageSvc, sec, cfg.CORS.Origins, met, log)
	if err := manager.Register(httpSvc); err != nil {
		return nil, fmt.Errorf("register http: %w", err)
	}

	return &Application{
		manager:        manager,
		log:            log,
		Ingestion:      edge,
		Processor:      proc,
		AlertEngine:    engine,
		StorageService: storageSvc,
		Analytics:      analyticsSvc,
		HTTP:           httpSvc,
		descriptors:    manager.Descriptors(),
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins every registered service in registration order.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops every registered service in reverse order.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Descriptors returns advertised service descriptors for introspection.
func (a *Application) Descriptors() []core.Descriptor {
	out := make([]core.Descriptor, len(a.descriptors))
	copy(out, a.descriptors)
	return out
}

func channelsFromConfig(cfg config.NotificationConfig) []alertengine.Channel {
	var channels []alertengine.Channel
	email := alertengine.NewEmailChannel(cfg)
	if email.IsAvailable() {
		channels = append(channels, email)
	}
	if cfg.SlackWebhook != "" {
		channels = append(channels, alertengine.NewSlackChannel(cfg.SlackWebhook))
	}
	if cfg.WebhookURL != "" {
		channels = append(channels, alertengine.NewWebhookChannel(cfg.WebhookURL))
	}
	return channels
}
