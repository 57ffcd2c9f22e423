package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kk-code-lab/spillway/internal/logging"
	"github.com/kk-code-lab/spillway/internal/storage/manifest"
)

const keyPrefix = "spillway:manifest:"

// Redis stores CBOR-encoded manifests with a TTL.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	codec  manifest.Codec
	log    *slog.Logger
}

var _ Cache = (*Redis)(nil)

// NewRedis connects lazily to addr.
func NewRedis(addr string, ttl time.Duration, log *slog.Logger) *Redis {
	return NewRedisClient(redis.NewClient(&redis.Options{Addr: addr}), ttl, log)
}

// NewRedisClient wraps an existing client.
func NewRedisClient(client *redis.Client, ttl time.Duration, log *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{
		client: client,
		ttl:    ttl,
		codec:  &manifest.CBORCodec{},
		log:    logging.OrDiscard(log),
	}
}

// Ping checks the server is reachable.
func (c *Redis) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Redis) Get(ctx context.Context, objectID string) (*manifest.Manifest, bool, error) {
	data, err := c.client.Get(ctx, redisKey(objectID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get %s: %w", objectID, err)
	}
	m, err := c.codec.Decode(bytes.NewReader(data))
	if err != nil {
		c.log.Warn("dropping undecodable cache entry", "object_id", objectID, "err", err)
		_ = c.client.Del(ctx, redisKey(objectID)).Err()
		return nil, false, nil
	}
	return m, true, nil
}

func (c *Redis) Set(ctx context.Context, m *manifest.Manifest) error {
	var buf bytes.Buffer
	if err := c.codec.Encode(&buf, m); err != nil {
		return err
	}
	if err := c.client.Set(ctx, redisKey(m.ObjectID), buf.Bytes(), c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", m.ObjectID, err)
	}
	c.log.Debug("cache set", "object_id", m.ObjectID, "bytes", buf.Len())
	return nil
}

func (c *Redis) Delete(ctx context.Context, objectID string) error {
	if err := c.client.Del(ctx, redisKey(objectID)).Err(); err != nil {
		return fmt.Errorf("cache: delete %s: %w", objectID, err)
	}
	return nil
}

func (c *Redis) Close() error {
	return c.client.Close()
}

func redisKey(objectID string) string {
	return keyPrefix + objectID
}
