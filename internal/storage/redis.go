package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/allaunyc/college-selection-bot/internal/dialogue"
	domerrors "github.com/allaunyc/college-selection-bot/internal/errors"
	"github.com/allaunyc/college-selection-bot/internal/metrics"
	"github.com/allaunyc/college-selection-bot/internal/timeouts"
)

const redisKeyPrefix = "session:"

// RedisConfig configures the Redis session store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL expires idle sessions; zero keeps them forever.
	TTL time.Duration
}

// RedisStore keeps each session as a JSON document under session:<identity>.
type RedisStore struct {
	client  *redis.Client
	ttl     time.Duration
	metrics *metrics.Metrics
}

// NewRedisStore connects to Redis and verifies the connection. m may be nil.
func NewRedisStore(ctx context.Context, cfg RedisConfig, m *metrics.Metrics) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeouts.RedisDial)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return &RedisStore{client: client, ttl: cfg.TTL, metrics: m}, nil
}

// Load returns the session of identity.
func (r *RedisStore) Load(ctx context.Context, identity string) (s *dialogue.Session, err error) {
	defer func(start time.Time) { observe(r.metrics, BackendRedis, "load", start, err) }(time.Now())

	data, err := r.client.Get(ctx, redisKeyPrefix+identity).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	s = &dialogue.Session{}
	if err = json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return s, nil
}

// Save stores the session and refreshes its expiry.
func (r *RedisStore) Save(ctx context.Context, s *dialogue.Session) (err error) {
	defer func(start time.Time) { observe(r.metrics, BackendRedis, "save", start, err) }(time.Now())

	if err = s.Validate(); err != nil {
		return fmt.Errorf("%w: %w", domerrors.ErrInvalidInput, err)
	}
	s.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err = r.client.Set(ctx, redisKeyPrefix+s.Identity, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Delete removes the session of identity.
func (r *RedisStore) Delete(ctx context.Context, identity string) (err error) {
	defer func(start time.Time) { observe(r.metrics, BackendRedis, "delete", start, err) }(time.Now())

	if err = r.client.Del(ctx, redisKeyPrefix+identity).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
