package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full process configuration, built once in main and handed to
// the infrastructure context.
type Config struct {
	Server   Server
	Postgres PostgresConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Router   RouterConfig
	Scanner  ScannerConfig
	Webhook  WebhookConfig
	Audit    AuditConfig
}

// Server captures ops HTTP server configuration.
type Server struct {
	Addr          string
	OpsJWTKey     string
	OpsJWTIssuer  string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
	ShutdownGrace time.Duration
	LogLevel      string
}

// PostgresConfig selects the postgres-backed stores when DSN is set.
type PostgresConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	TxTimeout    time.Duration
}

// RedisConfig enables the redis subscription cache when URL is set.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig selects the kafka broker when Brokers is non-empty; otherwise
// the in-process broker is used.
type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	ClientID      string
}

// RouterConfig governs the consumer failure policy.
type RouterConfig struct {
	MaxRetries      int
	Prefetch       int
	RestartDelay   time.Duration
	HandlerTimeout time.Duration
}

// ScannerConfig governs the expiry scanner and its reconciliation job.
type ScannerConfig struct {
	Interval        time.Duration
	ConsentWindow   time.Duration
	RetentionWindow time.Duration
	ReconcileSpec   string
	ReconcileGrace  time.Duration
}

// WebhookConfig governs classification and outbound delivery.
type WebhookConfig struct {
	RequestTimeout  time.Duration
	DeliveryTimeout time.Duration
	CacheTTL        time.Duration
	MaxRetries      int
	RateLimitPerSec float64
	BreakerFailures uint32
	BreakerOpenFor  time.Duration
}

// AuditConfig holds the chain signing key.
type AuditConfig struct {
	SigningKeyPEM string
	SigningKeyID  string
}

// FromEnv builds a Config from environment variables so main stays lean.
// A .env file in the working directory is loaded first when present.
func FromEnv() Config {
	_ = godotenv.Load()

	return Config{
		Server: Server{
			Addr:          getString("CONSENTLINE_ADDR", ":8080"),
			OpsJWTKey:     getString("OPS_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
			OpsJWTIssuer:  getString("OPS_JWT_ISSUER", "consentline"),
			ReadTimeout:   getDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:  getDuration("HTTP_WRITE_TIMEOUT", 35*time.Second),
			IdleTimeout:   getDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
			ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),
			LogLevel:      getString("LOG_LEVEL", "info"),
		},
		Postgres: PostgresConfig{
			DSN:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: getInt("DB_MAX_OPEN_CONNS", 20),
			MaxIdleConns: getInt("DB_MAX_IDLE_CONNS", 5),
			TxTimeout:    getDuration("DB_TX_TIMEOUT", 5*time.Second),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     getInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getDuration("REDIS_DIAL_TIMEOUT", 2*time.Second),
			ReadTimeout:  getDuration("REDIS_READ_TIMEOUT", time.Second),
			WriteTimeout: getDuration("REDIS_WRITE_TIMEOUT", time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:       getList("KAFKA_BROKERS"),
			ConsumerGroup: getString("KAFKA_CONSUMER_GROUP", "consentline"),
			ClientID:      getString("KAFKA_CLIENT_ID", "consentline"),
		},
		Router: RouterConfig{
			MaxRetries:      getInt("MAX_RETRIES", 5),
			Prefetch:       getInt("PREFETCH_COUNT", 10),
			RestartDelay:   getDuration("CONSUMER_RESTART_DELAY", 5*time.Second),
			HandlerTimeout: getDuration("HANDLER_TIMEOUT", 30*time.Second),
		},
		Scanner: ScannerConfig{
			Interval:        getDuration("SCAN_INTERVAL", 180*time.Second),
			ConsentWindow:   getDuration("CONSENT_EXPIRY_WINDOW", 31*24*time.Hour),
			RetentionWindow: getDuration("RETENTION_EXPIRY_WINDOW", 2*24*time.Hour),
			ReconcileSpec:   getString("RECONCILE_SCHEDULE", "@every 15m"),
			ReconcileGrace:  getDuration("RECONCILE_GRACE", 10*time.Minute),
		},
		Webhook: WebhookConfig{
			RequestTimeout:  getDuration("WEBHOOK_REQUEST_TIMEOUT", 10*time.Second),
			DeliveryTimeout: getDuration("WEBHOOK_DELIVERY_TIMEOUT", 10*time.Minute),
			CacheTTL:        getDuration("WEBHOOK_CACHE_TTL", 30*time.Second),
			MaxRetries:      getInt("WEBHOOK_MAX_RETRIES", 5),
			RateLimitPerSec: getFloat("WEBHOOK_RATE_LIMIT", 0),
			BreakerFailures: uint32(getInt("WEBHOOK_BREAKER_FAILURES", 5)),
			BreakerOpenFor:  getDuration("WEBHOOK_BREAKER_OPEN_FOR", 30*time.Second),
		},
		Audit: AuditConfig{
			SigningKeyPEM: os.Getenv("AUDIT_SIGNING_KEY_PEM"),
			SigningKeyID:  getString("AUDIT_SIGNING_KEY_ID", "cm-key-2025-01"),
		},
	}
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func getList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
