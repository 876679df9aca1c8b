// Command streampulse runs the event analytics pipeline: ingestion edge,
// stream processor, alert engine, storage service, analytics service, and
// HTTP/WebSocket API, wired behind a single lifecycle manager.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	app "github.com/streampulse/streampulse/internal/app"
	"github.com/streampulse/streampulse/internal/app/storage"
	"github.com/streampulse/streampulse/internal/app/storage/postgres"
	"github.com/streampulse/streampulse/internal/platform/analyticscache"
	"github.com/streampulse/streampulse/internal/platform/database"
	"github.com/streampulse/streampulse/internal/platform/migrations"
	"github.com/streampulse/streampulse/pkg/config"
	"github.com/streampulse/streampulse/pkg/logger"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to config or :8080)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config/env; in-memory storage when empty)")
	configPath := flag.String("config", "", "path to a YAML or JSON configuration file")
	runMigrations := flag.Bool("migrate", true, "run embedded database migrations on startup (ignored for in-memory storage)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log0 := logger.New(logger.LoggingConfig(cfg.Logging))

	rootCtx := context.Background()
	dsnVal := resolveDSN(*dsn, cfg)

	var store storage.Store
	var db *sql.DB
	if dsnVal != "" {
		db, err = database.Open(rootCtx, dsnVal)
		if err != nil {
			log0.WithError(err).Fatal("connect to postgres")
		}
		configurePool(db, cfg)
		if *runMigrations {
			if err := migrations.Apply(db); err != nil {
				log0.WithError(err).Fatal("apply migrations")
			}
		}
		store = postgres.New(db)
	} else {
		log0.Warn("no DSN configured; using in-memory storage (not durable across restarts)")
		store = storage.NewMemory()
	}
	if db != nil {
		defer db.Close()
	}

	var cache analyticscache.Cache
	if cfg.Cache.RedisURL != "" {
		cache, err = analyticscache.New(cfg.Cache.RedisURL, time.Duration(cfg.Cache.DefaultTTL)*time.Second, log0)
		if err != nil {
			log0.WithError(err).Fatal("connect to redis cache")
		}
	} else {
		cache = analyticscache.NewLocal(time.Duration(cfg.Cache.DefaultTTL) * time.Second)
	}

	listenAddr := determineAddr(*addr, cfg)

	application, err := app.New(cfg, store, listenAddr, log0, app.WithCache(cache))
	if err != nil {
		log0.WithError(err).Fatal("initialise application")
	}

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		log0.WithError(err).Fatal("start application")
	}
	log0.WithField("addr", listenAddr).Info("streampulse listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := application.Stop(shutdownCtx); err != nil {
		log0.WithError(err).Fatal("shutdown")
	}
}

func loadConfig(path string) (*config.Config, error) {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		return config.LoadFile(trimmed)
	}
	return config.Load()
}

func determineAddr(flagAddr string, cfg *config.Config) string {
	addr := strings.TrimSpace(flagAddr)
	if addr != "" {
		return addr
	}
	if cfg != nil {
		host := strings.TrimSpace(cfg.Server.Host)
		port := cfg.Server.Port
		if port != 0 {
			if host == "" {
				host = "0.0.0.0"
			}
			return fmt.Sprintf("%s:%d", host, port)
		}
	}
	return ":8080"
}

func configurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
	}
}

func resolveDSN(flagDSN string, cfg *config.Config) string {
	if trimmed := strings.TrimSpace(flagDSN); trimmed != "" {
		return trimmed
	}
	if envDSN := strings.TrimSpace(os.Getenv("DATABASE_URL")); envDSN != "" {
		return envDSN
	}
	if cfg == nil {
		return ""
	}
	if cfg.Database.DSN != "" {
		return strings.TrimSpace(cfg.Database.DSN)
	}
	if cfg.Database.Host != "" && cfg.Database.Name != "" {
		return cfg.Database.ConnectionString()
	}
	return ""
}
