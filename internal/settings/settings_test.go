package settings

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/rental-billing/internal/rounding"
)

type countingStore struct {
	values map[int64]Settings
	calls  int
}

func (s *countingStore) Load(_ context.Context, companyID int64) (Settings, error) {
	s.calls++
	if v, ok := s.values[companyID]; ok {
		return v, nil
	}
	return Defaults(companyID), nil
}

func newCache(t *testing.T, store Store) (*Cache, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(store, client, time.Minute, nil), client
}

func TestCacheServesFromRedis(t *testing.T) {
	stored := Defaults(7)
	stored.TimeZone = "America/Edmonton"
	stored.DefaultTaxRate = decimal.RequireFromString("0.05")
	store := &countingStore{values: map[int64]Settings{7: stored}}
	cache, _ := newCache(t, store)
	ctx := context.Background()

	first, err := cache.Get(ctx, 7)
	require.NoError(t, err)
	second, err := cache.Get(ctx, 7)
	require.NoError(t, err)

	require.Equal(t, 1, store.calls)
	require.Equal(t, "America/Edmonton", second.TimeZone)
	require.True(t, first.DefaultTaxRate.Equal(second.DefaultTaxRate))
}

func TestCacheBumpForcesReload(t *testing.T) {
	store := &countingStore{values: map[int64]Settings{}}
	cache, _ := newCache(t, store)
	ctx := context.Background()

	_, err := cache.Get(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, cache.Bump(ctx))
	_, err = cache.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, store.calls)
}

func TestCacheWithoutRedis(t *testing.T) {
	store := &countingStore{}
	cache := NewCache(store, nil, time.Minute, nil)
	s, err := cache.Get(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, int64(3), s.CompanyID)
	require.Equal(t, 1, store.calls)
}

func TestValidate(t *testing.T) {
	s := Defaults(1)
	require.NoError(t, s.Validate())

	s.Currency = "us"
	require.ErrorIs(t, s.Validate(), ErrInvalidSettings)

	s = Defaults(1)
	s.DefaultTaxRate = decimal.NewFromInt(2)
	require.ErrorIs(t, s.Validate(), ErrInvalidSettings)

	s = Defaults(0)
	require.Error(t, s.Validate())
}

func TestNormalizeAndLocation(t *testing.T) {
	s := Settings{CompanyID: 1, RoundingMode: "prorate", RoundingGranularity: "weird", TimeZone: "Mars/Olympus"}.Normalize()
	require.Equal(t, rounding.ModeNone, s.RoundingMode)
	require.Equal(t, rounding.GranularityUnit, s.RoundingGranularity)
	require.Equal(t, InvoiceDateGeneration, s.InvoiceDateMode)
	require.Equal(t, "USD", s.Currency)
	require.Equal(t, time.UTC, s.Location())
}

func TestStaticProvider(t *testing.T) {
	p := Static{5: {CompanyID: 5, RoundingMode: "floor"}}
	s, err := p.Get(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, rounding.ModeFloor, s.RoundingMode)
	d, err := p.Get(context.Background(), 9)
	require.NoError(t, err)
	require.Equal(t, 30, d.PaymentTerms())
}
