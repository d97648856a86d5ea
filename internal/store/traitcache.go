package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yuexia/opinio/config"
	"github.com/yuexia/opinio/internal/chat"
)

// TraitCache is a read-through Redis cache in front of the trait
// profile table. Profiles are read on every turn but rewritten only at
// finalization, so they cache well. A nil client degrades to DB-only.
type TraitCache struct {
	inner  chat.TraitStore
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewRedisClient connects the trait cache client, pinging to fail fast.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// NewTraitCache wraps a TraitStore. client may be nil.
func NewTraitCache(inner chat.TraitStore, client *redis.Client, ttl time.Duration, logger *log.Logger) *TraitCache {
	if logger == nil {
		logger = log.New(log.Writer(), "[TRAITCACHE] ", log.LstdFlags)
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &TraitCache{inner: inner, client: client, ttl: ttl, logger: logger}
}

func traitKey(userID string) string { return "opinio:traits:" + userID }

// GetTraitProfile serves from cache when possible. Cache failures are
// logged and fall through to the database.
func (c *TraitCache) GetTraitProfile(ctx context.Context, userID string) (chat.TraitProfile, bool, error) {
	if c.client != nil {
		raw, err := c.client.Get(ctx, traitKey(userID)).Bytes()
		if err == nil {
			var p chat.TraitProfile
			if jsonErr := json.Unmarshal(raw, &p); jsonErr == nil {
				return p, p.UserID != "", nil
			}
		} else if err != redis.Nil {
			c.logger.Printf("cache read failed user=%s: %v", userID, err)
		}
	}

	p, ok, err := c.inner.GetTraitProfile(ctx, userID)
	if err != nil {
		return chat.TraitProfile{}, false, err
	}
	if c.client != nil {
		// Misses are cached too (as a zero profile) so new users do
		// not hit the table on every turn.
		if raw, jsonErr := json.Marshal(p); jsonErr == nil {
			if err := c.client.Set(ctx, traitKey(userID), raw, c.ttl).Err(); err != nil {
				c.logger.Printf("cache write failed user=%s: %v", userID, err)
			}
		}
	}
	return p, ok, nil
}

// UpsertTraitProfile writes through to the database and invalidates
// the cached entry.
func (c *TraitCache) UpsertTraitProfile(ctx context.Context, userID, summary, fullReport string) error {
	if err := c.inner.UpsertTraitProfile(ctx, userID, summary, fullReport); err != nil {
		return err
	}
	if c.client != nil {
		if err := c.client.Del(ctx, traitKey(userID)).Err(); err != nil {
			c.logger.Printf("cache invalidate failed user=%s: %v", userID, err)
		}
	}
	return nil
}

var _ chat.TraitStore = (*TraitCache)(nil)
