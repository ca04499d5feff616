package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/rental-billing/internal/shared"
)

const (
	cacheVersionKey = "billing:settings:version"
	bumpChannel     = "billing.settings.bump"
)

// Store is the persistent settings source.
type Store interface {
	Load(ctx context.Context, companyID int64) (Settings, error)
}

// Provider returns the effective settings for a company.
type Provider interface {
	Get(ctx context.Context, companyID int64) (Settings, error)
}

// Cache wraps a Store with a versioned Redis cache. A nil client disables caching.
type Cache struct {
	store  Store
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCache instantiates the cache helper.
func NewCache(store Store, client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{store: store, client: client, ttl: ttl, logger: logger}
}

// Version returns the current cache version, initialising when missing.
func (c *Cache) Version(ctx context.Context) (int64, error) {
	if c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.Set(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	if ver <= 0 {
		ver = 1
		if err := c.client.Set(ctx, cacheVersionKey, ver, 0).Err(); err != nil {
			return 0, err
		}
	}
	return ver, nil
}

// Get loads settings through the cache. Redis failures degrade to a direct load.
func (c *Cache) Get(ctx context.Context, companyID int64) (Settings, error) {
	if c.client == nil {
		return c.load(ctx, companyID)
	}
	ver, err := c.Version(ctx)
	if err != nil {
		c.logger.Warn("settings cache version", slog.Any("error", err))
		return c.load(ctx, companyID)
	}
	var out Settings
	if err := c.fetchJSON(ctx, shared.SettingsCacheKey(int(ver), companyID), &out, func(ctx context.Context) (any, error) {
		return c.load(ctx, companyID)
	}); err != nil {
		return Settings{}, err
	}
	return out, nil
}

func (c *Cache) load(ctx context.Context, companyID int64) (Settings, error) {
	s, err := c.store.Load(ctx, companyID)
	if err != nil {
		return Settings{}, err
	}
	return s.Normalize(), nil
}

func (c *Cache) fetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error {
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		if err := json.Unmarshal(payload, dest); err == nil {
			return nil
		}
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("settings cache read", slog.String("key", key), slog.Any("error", err))
	}
	value, err := loader(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("settings: encode cache: %w", err)
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("settings cache write", slog.String("key", key), slog.Any("error", err))
	}
	return json.Unmarshal(raw, dest)
}

// Bump invalidates every cached entry and notifies peers.
func (c *Cache) Bump(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, cacheVersionKey).Result()
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, bumpChannel, strconv.FormatInt(ver, 10)).Err()
}

// Service saves settings and invalidates the cache.
type Service struct {
	repo  *Repository
	cache *Cache
}

// NewService wires the repository and cache.
func NewService(repo *Repository, cache *Cache) *Service {
	return &Service{repo: repo, cache: cache}
}

// Get implements Provider.
func (s *Service) Get(ctx context.Context, companyID int64) (Settings, error) {
	return s.cache.Get(ctx, companyID)
}

// Update validates, stores and bumps the cache version.
func (s *Service) Update(ctx context.Context, next Settings) error {
	if err := s.repo.Save(ctx, next); err != nil {
		return err
	}
	return s.cache.Bump(ctx)
}

// Static is a fixed Provider for tools and tests.
type Static map[int64]Settings

// Get implements Provider.
func (s Static) Get(_ context.Context, companyID int64) (Settings, error) {
	if v, ok := s[companyID]; ok {
		return v.Normalize(), nil
	}
	return Defaults(companyID), nil
}
