package store_test

//go:generate mockgen -source=cache.go -destination=mocks/mocks.go -package=mocks SubscriptionCache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"consentline/internal/platform/logger"
	"consentline/internal/webhook/models"
	"consentline/internal/webhook/store"
	"consentline/internal/webhook/store/mocks"
)

func TestCachedStoreReadsThroughLocalCache(t *testing.T) {
	ctx := context.Background()
	backing := store.NewInMemory()
	cached := store.NewCached(backing, store.NewLocalCache(time.Minute), logger.Discard())

	require.NoError(t, cached.Create(ctx, subscription("w1", "df-1", "https://a.example", epoch)))
	subs, err := cached.ListActive(ctx, "df-1")
	require.NoError(t, err)
	require.Len(t, subs, 1)

	// Writing behind the cache's back is not visible until invalidation.
	require.NoError(t, backing.Create(ctx, subscription("w2", "df-1", "https://b.example", epoch.Add(time.Second))))
	subs, err = cached.ListActive(ctx, "df-1")
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	require.NoError(t, cached.Create(ctx, subscription("w3", "df-1", "https://c.example", epoch.Add(2*time.Second))))
	subs, err = cached.ListActive(ctx, "df-1")
	require.NoError(t, err)
	assert.Len(t, subs, 3)
}

func TestLocalCacheReturnsCopies(t *testing.T) {
	ctx := context.Background()
	c := store.NewLocalCache(time.Minute)
	require.NoError(t, c.Set(ctx, "df-1", []*models.Subscription{subscription("w1", "df-1", "https://a.example", epoch)}))

	first, ok, err := c.Get(ctx, "df-1")
	require.NoError(t, err)
	require.True(t, ok)
	first[0].URL = "https://mutated.example"

	second, _, err := c.Get(ctx, "df-1")
	require.NoError(t, err)
	assert.Equal(t, "https://a.example", second[0].URL)
}

func TestCachedStoreFallsBackWhenCacheFails(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	cache := mocks.NewMockSubscriptionCache(ctrl)
	backing := store.NewInMemory()
	require.NoError(t, backing.Create(ctx, subscription("w1", "df-1", "https://a.example", epoch)))
	cached := store.NewCached(backing, cache, logger.Discard())

	down := errors.New("redis: connection refused")
	cache.EXPECT().Get(gomock.Any(), "df-1").Return(nil, false, down)
	cache.EXPECT().Set(gomock.Any(), "df-1", gomock.Len(1)).Return(down)

	subs, err := cached.ListActive(ctx, "df-1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "w1", subs[0].ID)

	cache.EXPECT().Invalidate(gomock.Any(), "df-1").Return(down)
	assert.NoError(t, cached.Create(ctx, subscription("w2", "df-1", "https://b.example", epoch)))
}
