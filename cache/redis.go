// Package cache provides the Redis read-through mirror of the durable token
// store. It is strictly a lookup accelerator: the durable store stays
// authoritative and every failure here degrades to a cache miss upstream.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rotauth/rotauth/token"
)

// ErrRedisUnavailable is an exported constant or variable used by the cache layer.
var ErrRedisUnavailable = errors.New("redis unavailable")

// ErrCorruptMirror is returned when a cached blob no longer decodes. The
// caller treats it like any other cache failure and falls through to the
// durable store.
var ErrCorruptMirror = errors.New("corrupt cache mirror")

// RedisCache implements token.CacheSider on a Redis client. Token and
// session mirrors are JSON blobs; a per-session set tracks the mirrored
// lineage so DropSession can evict it in one round-trip.
type RedisCache struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedisCache creates a [RedisCache] namespaced under prefix.
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "ra"
	}
	return &RedisCache{
		redis:  client,
		prefix: prefix,
	}
}

func (c *RedisCache) tokenKey(id string) string {
	return c.prefix + ":t:" + id
}

func (c *RedisCache) sessionKey(sessionID string) string {
	return c.prefix + ":s:" + sessionID
}

func (c *RedisCache) lineageKey(sessionID string) string {
	return c.prefix + ":l:" + sessionID
}

type tokenMirror struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	SecretHash   []byte     `json:"secret_hash"`
	SessionID    string     `json:"session_id"`
	IssuedAt     time.Time  `json:"issued_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	Consumed     bool       `json:"consumed"`
	ConsumedAt   *time.Time `json:"consumed_at,omitempty"`
	SupersededBy string     `json:"superseded_by,omitempty"`
}

// PutToken implements token.CacheSider. The mirror and the lineage index
// land in one transaction so DropSession never misses a mirrored record.
func (c *RedisCache) PutToken(ctx context.Context, rec token.RefreshTokenRecord, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(tokenMirror{
		ID:           rec.ID,
		UserID:       rec.UserID,
		SecretHash:   rec.SecretHash[:],
		SessionID:    rec.SessionID,
		IssuedAt:     rec.IssuedAt,
		ExpiresAt:    rec.ExpiresAt,
		Consumed:     rec.Consumed,
		ConsumedAt:   rec.ConsumedAt,
		SupersededBy: rec.SupersededBy,
	})
	if err != nil {
		return err
	}

	_, err = c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.tokenKey(rec.ID), data, ttl)
		pipe.SAdd(ctx, c.lineageKey(rec.SessionID), rec.ID)
		pipe.Expire(ctx, c.lineageKey(rec.SessionID), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// GetToken implements token.CacheSider.
func (c *RedisCache) GetToken(ctx context.Context, id string) (*token.RefreshTokenRecord, bool, error) {
	data, err := c.redis.Get(ctx, c.tokenKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	var m tokenMirror
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false, ErrCorruptMirror
	}

	rec := token.RefreshTokenRecord{
		ID:           m.ID,
		UserID:       m.UserID,
		SessionID:    m.SessionID,
		IssuedAt:     m.IssuedAt,
		ExpiresAt:    m.ExpiresAt,
		Consumed:     m.Consumed,
		ConsumedAt:   m.ConsumedAt,
		SupersededBy: m.SupersededBy,
	}
	copy(rec.SecretHash[:], m.SecretHash)
	return &rec, true, nil
}

// PutSession implements token.CacheSider.
func (c *RedisCache) PutSession(ctx context.Context, entry token.SessionEntry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	if err := c.redis.Set(ctx, c.sessionKey(entry.SessionID), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// GetSession implements token.CacheSider.
func (c *RedisCache) GetSession(ctx context.Context, sessionID string) (*token.SessionEntry, bool, error) {
	data, err := c.redis.Get(ctx, c.sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	var entry token.SessionEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, ErrCorruptMirror
	}
	return &entry, true, nil
}

// DropSession implements token.CacheSider. It evicts the session mirror and
// every mirrored token of the lineage.
func (c *RedisCache) DropSession(ctx context.Context, sessionID string) error {
	lineageKey := c.lineageKey(sessionID)

	tokenIDs, err := c.redis.SMembers(ctx, lineageKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	keys := make([]string, 0, len(tokenIDs)+2)
	for _, id := range tokenIDs {
		keys = append(keys, c.tokenKey(id))
	}
	keys = append(keys, c.sessionKey(sessionID), lineageKey)

	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (c *RedisCache) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := c.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}
