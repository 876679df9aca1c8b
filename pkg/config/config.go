package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls persistence.
type DatabaseConfig struct {
	Driver          string `json:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" env:"DATABASE_PORT"`
	User            string `json:"user" env:"DATABASE_USER"`
	Password        string `json:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// SecurityConfig controls admin-token signing and the operator login used to
// obtain one.
type SecurityConfig struct {
	AdminSecretKey    string        `json:"admin_secret_key" env:"ADMIN_SECRET_KEY"`
	AdminUsername     string        `json:"admin_username" env:"ADMIN_USERNAME"`
	AdminPasswordHash string        `json:"admin_password_hash" env:"ADMIN_PASSWORD_HASH"`
	AdminTokenTTL     time.Duration `json:"admin_token_ttl" env:"ADMIN_TOKEN_TTL"`
}

// BrokerConfig controls the message broker used for event/alert topics.
type BrokerConfig struct {
	URL string `json:"url" env:"BROKER_URL"`
}

// CacheConfig controls the analytics query cache.
type CacheConfig struct {
	RedisURL   string `json:"redis_url" env:"CACHE_REDIS_URL"`
	DefaultTTL int    `json:"default_ttl_seconds" env:"CACHE_DEFAULT_TTL_SECONDS"`
}

// CORSConfig controls allowed origins for the HTTP API.
type CORSConfig struct {
	Origins []string `json:"origins" env:"CORS_ORIGINS"`
}

// RuntimeConfig controls pipeline-wide tunables: retention sweeping, alert
// suppression/escalation defaults, and outbound notification timeouts.
type RuntimeConfig struct {
	RetentionSweepInterval   time.Duration `json:"retention_sweep_interval" env:"RETENTION_SWEEP_INTERVAL"`
	DefaultSuppressionWindow time.Duration `json:"default_suppression_window" env:"DEFAULT_SUPPRESSION_WINDOW"`
	DefaultEscalationWindow  time.Duration `json:"default_escalation_window" env:"DEFAULT_ESCALATION_WINDOW"`
	NotificationTimeout      time.Duration `json:"notification_timeout" env:"NOTIFICATION_TIMEOUT"`
	IngestionBatchMax        int           `json:"ingestion_batch_max" env:"INGESTION_BATCH_MAX"`
}

// NotificationConfig holds per-channel delivery settings.
type NotificationConfig struct {
	SMTPHost     string `json:"smtp_host" env:"NOTIFY_SMTP_HOST"`
	SMTPPort     int    `json:"smtp_port" env:"NOTIFY_SMTP_PORT"`
	SMTPUser     string `json:"smtp_user" env:"NOTIFY_SMTP_USER"`
	SMTPPassword string `json:"smtp_password" env:"NOTIFY_SMTP_PASSWORD"`
	SMTPFrom     string `json:"smtp_from" env:"NOTIFY_SMTP_FROM"`
	SlackWebhook string `json:"slack_webhook" env:"NOTIFY_SLACK_WEBHOOK"`
	WebhookURL   string `json:"webhook_url" env:"NOTIFY_WEBHOOK_URL"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig        `json:"server"`
	Database     DatabaseConfig      `json:"database"`
	Logging      LoggingConfig       `json:"logging"`
	Runtime      RuntimeConfig       `json:"runtime"`
	Security     SecurityConfig      `json:"security"`
	Broker       BrokerConfig        `json:"broker"`
	Cache        CacheConfig         `json:"cache"`
	CORS         CORSConfig          `json:"cors"`
	Notification NotificationConfig  `json:"notification"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "streampulse",
		},
		Runtime: RuntimeConfig{
			RetentionSweepInterval:   time.Hour,
			DefaultSuppressionWindow: 15 * time.Minute,
			DefaultEscalationWindow:  30 * time.Minute,
			NotificationTimeout:      10 * time.Second,
			IngestionBatchMax:        100,
		},
		Security:     SecurityConfig{AdminUsername: "admin", AdminTokenTTL: 12 * time.Hour},
		Broker:       BrokerConfig{URL: "nats://127.0.0.1:4222"},
		Cache:        CacheConfig{DefaultTTL: 60},
		CORS:         CORSConfig{Origins: []string{"*"}},
		Notification: NotificationConfig{},
	}
}

// ConnectionString builds a PostgreSQL connection string using host parameters.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)
	cfg.normalize()

	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig is a helper used by tests to load JSON config snippets.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	cfg.normalize()
	return cfg, nil
}

// applyDatabaseURLOverride mirrors cmd/streampulse: DATABASE_URL overrides
// any file-based DSN to reduce setup friction.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	if c.Runtime.RetentionSweepInterval <= 0 {
		c.Runtime.RetentionSweepInterval = time.Hour
	}
	if c.Runtime.NotificationTimeout <= 0 {
		c.Runtime.NotificationTimeout = 10 * time.Second
	}
	if c.Runtime.IngestionBatchMax <= 0 {
		c.Runtime.IngestionBatchMax = 100
	}
	if c.Cache.DefaultTTL <= 0 {
		c.Cache.DefaultTTL = 60
	}
	if len(c.CORS.Origins) == 0 {
		c.CORS.Origins = []string{"*"}
	}
}
