// Package infra builds the process-wide infrastructure from configuration:
// stores, cache, broker, audit chain and metrics. Backends are chosen by
// what is configured; anything left unset falls back to its in-process
// implementation.
package infra

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"consentline/internal/broker"
	"consentline/internal/broker/kafka"
	"consentline/internal/broker/memory"
	consentservice "consentline/internal/consent/service"
	consentstore "consentline/internal/consent/store"
	"consentline/internal/expiry"
	"consentline/internal/platform/config"
	"consentline/internal/platform/metrics"
	"consentline/internal/platform/postgres"
	"consentline/internal/platform/redis"
	webhookstore "consentline/internal/webhook/store"
	audit "consentline/pkg/platform/audit"
	auditmemory "consentline/pkg/platform/audit/store/memory"
	auditpostgres "consentline/pkg/platform/audit/store/postgres"
	"consentline/pkg/platform/tx"
)

// ConsentStore is everything the artifact service and the expiry scanner
// need from one backend.
type ConsentStore interface {
	consentservice.Store
	expiry.Store
	expiry.OverdueStore
}

// Context holds the shared infrastructure. Close releases it in reverse
// order of construction.
type Context struct {
	Config   config.Config
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	DB    *sql.DB
	Redis *redis.Client

	Broker   broker.Broker
	Consent  ConsentStore
	Catalog  consentservice.PurposeCatalog
	Tx       tx.Runner
	Webhooks webhookstore.Store
	Audit    *audit.Chain

	closers []func() error
}

// New builds the infrastructure context. On failure everything opened so
// far is closed before returning.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *Context, err error) {
	c := &Context{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	c.Registry = prometheus.NewRegistry()
	c.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c.Metrics = metrics.New(c.Registry)

	if err = c.openPostgres(ctx); err != nil {
		return nil, err
	}
	if err = c.openRedis(ctx); err != nil {
		return nil, err
	}
	if err = c.openBroker(ctx); err != nil {
		return nil, err
	}
	if err = c.buildAudit(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Context) openPostgres(ctx context.Context) error {
	db, err := postgres.Open(ctx, c.Config.Postgres)
	if err != nil {
		return err
	}
	if db == nil {
		c.Logger.Warn("DATABASE_URL not set, using in-memory stores")
		c.Consent = consentstore.NewInMemory()
		c.Catalog = consentstore.NewInMemoryCatalog()
		// No rollback here: a version can outlive its failed audit append
		// until the event's redelivery restores the entry.
		c.Tx = tx.NewShardedRunner(c.Config.Postgres.TxTimeout)
		c.Webhooks = webhookstore.NewInMemory()
		return nil
	}
	c.closers = append(c.closers, db.Close)
	if err := postgres.Migrate(ctx, db); err != nil {
		return err
	}
	c.DB = db
	c.Consent = consentstore.NewPostgres(db)
	c.Catalog = consentstore.NewPostgresCatalog(db)
	c.Tx = tx.NewPostgresRunner(db, c.Config.Postgres.TxTimeout)
	c.Webhooks = webhookstore.NewPostgres(db)
	c.Logger.Info("postgres connected")
	return nil
}

// openRedis puts a read-through cache in front of the subscription store:
// redis when configured, an in-process cache otherwise.
func (c *Context) openRedis(ctx context.Context) error {
	client, err := redis.New(ctx, c.Config.Redis)
	if err != nil {
		return err
	}
	if client == nil {
		c.Webhooks = webhookstore.NewCached(c.Webhooks, webhookstore.NewLocalCache(c.Config.Webhook.CacheTTL), c.Logger)
		return nil
	}
	c.closers = append(c.closers, client.Close)
	c.Redis = client
	c.Webhooks = webhookstore.NewCached(c.Webhooks, webhookstore.NewRedisCache(client.Client, c.Config.Webhook.CacheTTL), c.Logger)
	c.Logger.Info("redis connected")
	return nil
}

func (c *Context) openBroker(ctx context.Context) error {
	if len(c.Config.Kafka.Brokers) == 0 {
		c.Logger.Warn("KAFKA_BROKERS not set, using in-process broker")
		c.Broker = memory.New()
	} else {
		b, err := kafka.New(c.Config.Kafka, c.Logger)
		if err != nil {
			return err
		}
		c.Broker = b
	}
	c.closers = append(c.closers, c.Broker.Close)
	if err := c.Broker.Declare(ctx, broker.Topology(broker.DefaultRetryDelays())...); err != nil {
		return fmt.Errorf("declare topology: %w", err)
	}
	return nil
}

func (c *Context) buildAudit() error {
	var (
		signer *audit.Signer
		err    error
	)
	if c.Config.Audit.SigningKeyPEM != "" {
		signer, err = audit.NewSigner([]byte(c.Config.Audit.SigningKeyPEM), c.Config.Audit.SigningKeyID)
	} else {
		c.Logger.Warn("AUDIT_SIGNING_KEY_PEM not set, generating an ephemeral signing key")
		signer, err = audit.GenerateSigner(c.Config.Audit.SigningKeyID)
	}
	if err != nil {
		return fmt.Errorf("audit signer: %w", err)
	}

	var store audit.Store = auditmemory.NewInMemoryStore()
	if c.DB != nil {
		store = auditpostgres.New(c.DB)
	}
	c.Audit, err = audit.New(store, signer,
		audit.WithLogger(c.Logger),
		audit.WithMetrics(c.Metrics),
	)
	return err
}

// Health reports whether the configured backends are reachable.
func (c *Context) Health(ctx context.Context) error {
	if c.DB != nil {
		if err := c.DB.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func (c *Context) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
