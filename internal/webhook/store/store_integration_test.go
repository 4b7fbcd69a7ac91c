//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"consentline/internal/platform/logger"
	"consentline/internal/webhook/models"
	"consentline/internal/webhook/store"
	"consentline/pkg/platform/sentinel"
	"consentline/pkg/testutil/containers"
)

type StoreIntegrationSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	redis    *containers.RedisContainer
	store    *store.PostgresStore
	now      time.Time
}

func TestStoreIntegrationSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(StoreIntegrationSuite))
}

func (s *StoreIntegrationSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.redis = mgr.GetRedis(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
}

func (s *StoreIntegrationSuite) SetupTest() {
	ctx := context.Background()
	s.Require().NoError(s.postgres.Truncate(ctx))
	s.Require().NoError(s.redis.FlushAll(ctx))
	s.now = time.Now().UTC().Truncate(time.Microsecond)
}

func (s *StoreIntegrationSuite) TestPostgresRoundTrip() {
	ctx := context.Background()
	sub := subscription("7f0c2a3e-1111-4b7a-9c1d-000000000001", "df-1", "https://a.example", s.now)
	sub.Auth = models.Auth{Type: models.AuthHeader, Key: models.DefaultSignatureHeader, Secret: "s3cret"}
	s.Require().NoError(s.store.Create(ctx, sub))

	dup := subscription("7f0c2a3e-1111-4b7a-9c1d-000000000002", "df-1", "https://a.example", s.now)
	s.ErrorIs(s.store.Create(ctx, dup), sentinel.ErrAlreadyUsed)

	got, err := s.store.Get(ctx, sub.ID)
	s.Require().NoError(err)
	s.Equal("s3cret", got.Auth.Secret)
	s.Equal(sub.Events, got.Events)

	s.Require().NoError(s.store.RecordDelivery(ctx, sub.ID, false, s.now))
	got, err = s.store.Get(ctx, sub.ID)
	s.Require().NoError(err)
	s.EqualValues(1, got.Metrics.Failed)
	s.Equal(models.StatusActive, got.Status)
}

func (s *StoreIntegrationSuite) TestCompleteDeliveryCountsOnce() {
	ctx := context.Background()
	sub := subscription("7f0c2a3e-3333-4b7a-9c1d-000000000001", "df-3", "https://c.example", s.now)
	s.Require().NoError(s.store.Create(ctx, sub))
	s.Require().NoError(s.store.CreateEvent(ctx, &models.Event{
		ID: "7f0c2a3e-3333-4b7a-9c1d-0000000000e1", WebhookID: sub.ID, DFID: "df-3",
		EventType: "consent.granted", Status: models.DeliveryPending, CreatedAt: s.now, UpdatedAt: s.now,
	}))
	sent := models.Outcome{EventID: "7f0c2a3e-3333-4b7a-9c1d-0000000000e1", WebhookID: sub.ID, Status: models.DeliverySent, Attempts: 1, At: s.now, Count: true}

	applied, err := s.store.CompleteDelivery(ctx, sent)
	s.Require().NoError(err)
	s.True(applied)
	applied, err = s.store.CompleteDelivery(ctx, sent)
	s.Require().NoError(err)
	s.False(applied)

	got, err := s.store.Get(ctx, sub.ID)
	s.Require().NoError(err)
	s.EqualValues(1, got.Metrics.Delivered)
	ev, err := s.store.GetEvent(ctx, sent.EventID)
	s.Require().NoError(err)
	s.Equal(models.DeliverySent, ev.Status)

	_, err = s.store.CompleteDelivery(ctx, models.Outcome{EventID: "7f0c2a3e-3333-4b7a-9c1d-0000000000ff", Status: models.DeliverySent})
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *StoreIntegrationSuite) TestRedisCacheInFrontOfPostgres() {
	ctx := context.Background()
	cache := store.NewRedisCache(s.redis.Client.Client, time.Minute)
	cached := store.NewCached(s.store, cache, logger.Discard())

	s.Require().NoError(cached.Create(ctx, subscription("7f0c2a3e-2222-4b7a-9c1d-000000000001", "df-2", "https://a.example", s.now)))
	subs, err := cached.ListActive(ctx, "df-2")
	s.Require().NoError(err)
	s.Require().Len(subs, 1)

	hit, ok, err := cache.Get(ctx, "df-2")
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(subs[0].ID, hit[0].ID)
	keys, err := s.redis.Keys(ctx, "webhooks:active:*")
	s.Require().NoError(err)
	s.Equal([]string{"webhooks:active:df-2"}, keys)

	s.Require().NoError(cached.Create(ctx, subscription("7f0c2a3e-2222-4b7a-9c1d-000000000002", "df-2", "https://b.example", s.now.Add(time.Second))))
	_, ok, err = cache.Get(ctx, "df-2")
	s.Require().NoError(err)
	s.False(ok, "create must invalidate the cached list")

	subs, err = cached.ListActive(ctx, "df-2")
	s.Require().NoError(err)
	s.Len(subs, 2)
}
