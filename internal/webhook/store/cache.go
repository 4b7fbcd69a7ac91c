package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"consentline/internal/webhook/models"
)

const activeKeyPrefix = "webhooks:active:"

// SubscriptionCache holds the active subscription list per fiduciary.
type SubscriptionCache interface {
	Get(ctx context.Context, dfID string) ([]*models.Subscription, bool, error)
	Set(ctx context.Context, dfID string, subs []*models.Subscription) error
	Invalidate(ctx context.Context, dfID string) error
}

// RedisCache shares the cache between instances.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, dfID string) ([]*models.Subscription, bool, error) {
	raw, err := c.client.Get(ctx, activeKeyPrefix+dfID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var subs []*models.Subscription
	if err := json.Unmarshal(raw, &subs); err != nil {
		return nil, false, fmt.Errorf("decode cached webhooks: %w", err)
	}
	return subs, true, nil
}

func (c *RedisCache) Set(ctx context.Context, dfID string, subs []*models.Subscription) error {
	raw, err := json.Marshal(subs)
	if err != nil {
		return fmt.Errorf("encode webhooks: %w", err)
	}
	return c.client.Set(ctx, activeKeyPrefix+dfID, raw, c.ttl).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context, dfID string) error {
	return c.client.Del(ctx, activeKeyPrefix+dfID).Err()
}

// LocalCache is the in-process fallback when redis is not configured.
type LocalCache struct {
	c *gocache.Cache
}

func NewLocalCache(ttl time.Duration) *LocalCache {
	return &LocalCache{c: gocache.New(ttl, time.Minute)}
}

func (c *LocalCache) Get(_ context.Context, dfID string) ([]*models.Subscription, bool, error) {
	v, ok := c.c.Get(activeKeyPrefix + dfID)
	if !ok {
		return nil, false, nil
	}
	subs, _ := v.([]*models.Subscription)
	out := make([]*models.Subscription, len(subs))
	for i, s := range subs {
		out[i] = cloneSubscription(s)
	}
	return out, true, nil
}

func (c *LocalCache) Set(_ context.Context, dfID string, subs []*models.Subscription) error {
	stored := make([]*models.Subscription, len(subs))
	for i, s := range subs {
		stored[i] = cloneSubscription(s)
	}
	c.c.SetDefault(activeKeyPrefix+dfID, stored)
	return nil
}

func (c *LocalCache) Invalidate(_ context.Context, dfID string) error {
	c.c.Delete(activeKeyPrefix + dfID)
	return nil
}

// Store is the full persistence surface shared by the memory and postgres
// backends.
type Store interface {
	Create(ctx context.Context, sub *models.Subscription) error
	Get(ctx context.Context, id string) (*models.Subscription, error)
	ListByFiduciary(ctx context.Context, dfID string) ([]*models.Subscription, error)
	ListActive(ctx context.Context, dfID string) ([]*models.Subscription, error)
	RecordDelivery(ctx context.Context, id string, delivered bool, at time.Time) error
	CreateEvent(ctx context.Context, e *models.Event) error
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	CompleteDelivery(ctx context.Context, o models.Outcome) (bool, error)
	EventsFor(ctx context.Context, webhookID string) ([]*models.Event, error)
}

// CachedStore reads active subscriptions through a cache. The cache is never
// the system of record: a cache failure falls back to the store.
type CachedStore struct {
	Store
	cache  SubscriptionCache
	logger *slog.Logger
}

func NewCached(s Store, cache SubscriptionCache, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{Store: s, cache: cache, logger: logger}
}

func (s *CachedStore) ListActive(ctx context.Context, dfID string) ([]*models.Subscription, error) {
	subs, ok, err := s.cache.Get(ctx, dfID)
	if err != nil {
		s.logger.WarnContext(ctx, "webhook cache read failed", "df_id", dfID, "error", err)
	}
	if ok {
		return subs, nil
	}
	subs, err = s.Store.ListActive(ctx, dfID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, dfID, subs); err != nil {
		s.logger.WarnContext(ctx, "webhook cache write failed", "df_id", dfID, "error", err)
	}
	return subs, nil
}

func (s *CachedStore) Create(ctx context.Context, sub *models.Subscription) error {
	if err := s.Store.Create(ctx, sub); err != nil {
		return err
	}
	if err := s.cache.Invalidate(ctx, sub.DFID); err != nil {
		s.logger.WarnContext(ctx, "webhook cache invalidation failed", "df_id", sub.DFID, "error", err)
	}
	return nil
}

var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*CachedStore)(nil)
)
