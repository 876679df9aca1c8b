// Package storageservice implements the storage service of §4.F: consume
// events onto the durable store, enforce retention, and export backups.
package storageservice

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/streampulse/streampulse/infrastructure/errors"
	"github.com/streampulse/streampulse/infrastructure/metrics"
	core "github.com/streampulse/streampulse/internal/app/core/service"
	"github.com/streampulse/streampulse/internal/app/domain/event"
	"github.com/streampulse/streampulse/internal/app/storage"
	"github.com/streampulse/streampulse/internal/platform/fabric"
	"github.com/streampulse/streampulse/pkg/logger"
)

// Service consumes events.* via storage.events and commits each event to the
// store; it also runs the hourly retention sweep described in §4.F.
type Service struct {
	broker *fabric.Broker
	store  storage.Store
	m      *metrics.Metrics
	log    *logger.Logger
	clock  func() time.Time

	sweepInterval time.Duration
	cron          *cron.Cron
}

// New builds a storage service. sweepInterval is normally an hour (§4.F);
// it is a parameter so tests can drive a tighter cadence.
func New(broker *fabric.Broker, store storage.Store, m *metrics.Metrics, log *logger.Logger, sweepInterval time.Duration) *Service {
	if log == nil {
		log = logger.NewDefault("storage-service")
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Hour
	}
	return &Service{
		broker:        broker,
		store:         store,
		m:             m,
		log:           log,
		clock:         time.Now,
		sweepInterval: sweepInterval,
		cron:          cron.New(),
	}
}

// Name implements system.Service.
func (s *Service) Name() string { return "storage-service" }

// Start subscribes to storage.events and schedules the retention sweep.
func (s *Service) Start(ctx context.Context) error {
	if err := s.broker.Consume(ctx, fabric.QueueStorageEvents, 5, s.handleEvent); err != nil {
		return err
	}

	spec := "@hourly"
	if s.sweepInterval != time.Hour {
		spec = "@every " + s.sweepInterval.String()
	}
	if _, err := s.cron.AddFunc(spec, func() { s.RunRetentionSweep(ctx) }); err != nil {
		return errors.ConfigInvalid("invalid retention sweep schedule: " + err.Error())
	}
	s.cron.Start()
	return nil
}

// Stop halts the retention scheduler; the broker's Close drains the consumer.
func (s *Service) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	return nil
}

// handleEvent commits one event to the store. Insertion is idempotent by id
// per §4.F: a duplicate is accepted silently (coerced to a no-op per §7's
// data-integrity rule for events).
func (s *Service) handleEvent(ctx context.Context, env fabric.Envelope) error {
	var ev event.Event
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		s.log.WithError(err).Warn("storage-service: dropping malformed event envelope")
		return nil
	}
	if err := s.store.SaveEvent(ctx, ev); err != nil {
		if se := errors.GetServiceError(err); se != nil && se.Code == errors.ErrCodeAlreadyExists {
			return nil
		}
		s.log.WithField("event_id", ev.ID).WithError(err).Warn("storage-service: failed to persist event, will retry")
		return err
	}
	return nil
}

// RunRetentionSweep deletes rows older than the configured retention per
// §4.F, logging the count deleted. Each event type present is swept with its
// own cutoff, now minus RetentionFor(type), through DeleteEventsByTypeBefore,
// so a per-type retention shorter than the default also removes events
// younger than the default age.
func (s *Service) RunRetentionSweep(ctx context.Context) {
	complete := core.StartObservation(ctx, core.ObservationHooks{
		OnComplete: func(_ context.Context, _ map[string]string, err error, duration time.Duration) {
			if s.m == nil {
				return
			}
			if err != nil {
				s.m.RecordError("storage-service", "transient", "retention_sweep")
				return
			}
			s.log.WithField("duration", duration).Debug("storage-service: retention sweep timing")
		},
	}, map[string]string{"sweep": "retention"})

	policy, err := s.store.GetRetentionPolicy(ctx)
	if err != nil {
		s.log.WithError(err).Warn("storage-service: failed to load retention policy")
		complete(err)
		return
	}
	types, err := s.store.EventTypesPresent(ctx)
	if err != nil {
		s.log.WithError(err).Warn("storage-service: failed to list event types for retention sweep")
		complete(err)
		return
	}

	now := s.clock()
	total := 0
	for _, t := range types {
		cutoff := now.Add(-policy.RetentionFor(t))
		deleted, err := s.store.DeleteEventsByTypeBefore(ctx, t, cutoff)
		if err != nil {
			s.log.WithField("type", t).WithError(err).Warn("storage-service: retention sweep failed for type")
			continue
		}
		total += deleted
		if deleted > 0 {
			s.log.WithField("type", t).WithField("deleted", deleted).WithField("cutoff", cutoff).
				Info("storage-service: retention sweep removed rows for type")
		}
	}
	s.log.WithField("total_deleted", total).Info("storage-service: retention sweep complete")
	complete(nil)
}

// Backup exports the events table to w as newline-delimited JSON, one event
// object per line; it does not write a single JSON array. The export is
// synchronous; callers needing non-blocking export should run
// this from a background goroutine.
func (s *Service) Backup(ctx context.Context, w io.Writer) error {
	return s.store.StreamAllEvents(ctx, w)
}
