// Package cache keeps recently used manifests close to the reader so range
// requests do not hit the catalog on every call.
package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/kk-code-lab/spillway/internal/logging"
	"github.com/kk-code-lab/spillway/internal/storage/manifest"
)

const (
	// DefaultSize is the entry bound of the in-memory cache.
	DefaultSize = 256
	// DefaultTTL is how long an entry stays valid.
	DefaultTTL = 10 * time.Minute
)

// Cache stores manifests by object id. Implementations return copies, so callers
// may keep or modify what they get.
type Cache interface {
	Get(ctx context.Context, objectID string) (*manifest.Manifest, bool, error)
	Set(ctx context.Context, m *manifest.Manifest) error
	Delete(ctx context.Context, objectID string) error
	Close() error
}

// Config selects and sizes the cache backend.
type Config struct {
	RedisAddr string
	TTL       time.Duration
	Size      int
}

// New returns a Redis-backed cache when RedisAddr is set and reachable, and an
// in-memory LRU otherwise.
func New(ctx context.Context, cfg Config, log *slog.Logger) Cache {
	log = logging.OrDiscard(log)
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.RedisAddr != "" {
		r := NewRedis(cfg.RedisAddr, cfg.TTL, log)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		err := r.Ping(pingCtx)
		if err == nil {
			log.Info("manifest cache", "backend", "redis", "addr", cfg.RedisAddr, "ttl", cfg.TTL)
			return r
		}
		log.Warn("redis unavailable, falling back to memory cache", "addr", cfg.RedisAddr, "err", err)
		_ = r.Close()
	}
	log.Info("manifest cache", "backend", "memory", "size", cfg.Size, "ttl", cfg.TTL)
	return NewMemory(cfg.Size, cfg.TTL)
}
