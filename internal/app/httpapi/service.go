// Package httpapi exposes the REST and WebSocket surface of §6 over the
// ingestion edge, stream processor, alert engine, and analytics services.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/streampulse/streampulse/infrastructure/metrics"
	"github.com/streampulse/streampulse/internal/app/alertengine"
	"github.com/streampulse/streampulse/internal/app/analytics"
	"github.com/streampulse/streampulse/internal/app/ingestion"
	"github.com/streampulse/streampulse/internal/app/processor"
	"github.com/streampulse/streampulse/internal/app/storage"
	"github.com/streampulse/streampulse/pkg/logger"
)

// Service exposes the HTTP API and fits into the system manager lifecycle.
type Service struct {
	addr   string
	server *http.Server
	log    *logger.Logger
}

// Security configures the admin authentication surface: the bearer secret
// used to sign/verify tokens, and the bootstrap login credentials exchanged
// for one. An empty SecretKey disables the acknowledge/resolve endpoints and
// the login endpoint entirely (fail closed).
type Security struct {
	SecretKey    string
	AdminUser    string
	PasswordHash string
	TokenTTL     time.Duration
}

// NewService wires the router and middleware chain. backup may be nil, in
// which case the backup endpoint responds 503.
func NewService(addr string, edge *ingestion.Edge, proc *processor.Processor, engine *alertengine.Engine, an *analytics.Service, store storage.EventStore, backup backupStore, sec Security, corsOrigins []string, met *metrics.Metrics, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("http")
	}
	if met == nil {
		met = metrics.Global()
	}

	var issuer *tokenIssuer
	if sec.SecretKey != "" {
		issuer = newTokenIssuer(sec.SecretKey)
	}
	creds := adminCredentials{Username: sec.AdminUser, PasswordHash: sec.PasswordHash, TokenTTL: sec.TokenTTL}

	h := NewHandler(edge, proc, engine, an, store, backup, creds, issuer, log)
	handler := wrapWithAuth(h, issuer, log)
	handler = wrapWithCORS(handler, corsOrigins)
	handler = met.InstrumentHandler("http", handler)

	return &Service{addr: addr, log: log, server: &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}}
}

// Name implements system.Service.
func (s *Service) Name() string { return "http" }

func (s *Service) Start(ctx context.Context) error {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("httpapi: server error")
		}
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// wrapWithCORS allows cross-origin requests from the configured dashboard
// origins and short-circuits preflight requests.
func wrapWithCORS(next http.Handler, origins []string) http.Handler {
	allowed := "*"
	if len(origins) > 0 {
		allowed = origins[0]
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed := allowed
		if origin := r.Header.Get("Origin"); origin != "" {
			for _, o := range origins {
				if o == origin {
					allowed = origin
					break
				}
			}
		}
		w.Header().Set("Access-Control-Allow-Origin", allowed)
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
