package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Backend loads and stores the settings document
type Backend interface {
	Load(ctx context.Context) (*Settings, error)
	Save(ctx context.Context, s *Settings) error
}

// Store keeps the settings document in the clinic_settings row
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Postgres settings store
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Load reads the settings document; a missing row yields empty settings
func (s *Store) Load(ctx context.Context) (*Settings, error) {
	var (
		raw       []byte
		updatedAt time.Time
	)
	err := s.pool.QueryRow(ctx, `SELECT data, updated_at FROM clinic_settings WHERE id = 1`).Scan(&raw, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &Settings{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	var out Settings
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode settings: %w", err)
		}
	}
	out.UpdatedAt = updatedAt
	return &out, nil
}

// Save replaces the settings document
func (s *Store) Save(ctx context.Context, doc *Settings) error {
	doc.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO clinic_settings (id, data, updated_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		raw, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// KV is the subset of Redis commands the cache uses
type KV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// CacheKey is the Redis key holding the cached settings document.
const CacheKey = "clinic:settings"

// Cache is a read-through Redis cache in front of a Backend. Redis failures
// fall back to the backend so settings stay readable without Redis.
type Cache struct {
	backend Backend
	kv      KV
	ttl     time.Duration
	logger  *zap.Logger
}

// NewCache wraps backend; a nil kv disables caching
func NewCache(backend Backend, kv KV, ttl time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{backend: backend, kv: kv, ttl: ttl, logger: logger}
}

// Get returns the settings, from Redis when cached
func (c *Cache) Get(ctx context.Context) (*Settings, error) {
	if c.kv == nil {
		return c.backend.Load(ctx)
	}

	raw, err := c.kv.Get(ctx, CacheKey).Bytes()
	switch {
	case err == nil:
		var s Settings
		if err := json.Unmarshal(raw, &s); err == nil {
			return &s, nil
		}
		c.logger.Warn("discarding undecodable cached settings")
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("settings cache read failed", zap.Error(err))
	}

	s, err := c.backend.Load(ctx)
	if err != nil {
		return nil, err
	}
	if encoded, err := json.Marshal(s); err == nil {
		if err := c.kv.Set(ctx, CacheKey, encoded, c.ttl).Err(); err != nil {
			c.logger.Warn("settings cache write failed", zap.Error(err))
		}
	}
	return s, nil
}

// Save stores the settings and drops the cached copy
func (c *Cache) Save(ctx context.Context, s *Settings) error {
	if err := c.backend.Save(ctx, s); err != nil {
		return err
	}
	if c.kv != nil {
		if err := c.kv.Del(ctx, CacheKey).Err(); err != nil {
			c.logger.Warn("settings cache invalidation failed", zap.Error(err))
		}
	}
	return nil
}
