package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/kk-code-lab/spillway/internal/cache"
	"github.com/kk-code-lab/spillway/internal/config"
	"github.com/kk-code-lab/spillway/internal/logging"
	"github.com/kk-code-lab/spillway/internal/meta"
	"github.com/kk-code-lab/spillway/internal/storage/blob/fsblob"
	"github.com/kk-code-lab/spillway/internal/storage/engine"
	"github.com/kk-code-lab/spillway/internal/storage/upload"
)

// newFlagSet returns a flag set for args[0] carrying every config setting.
func (c *cli) newFlagSet(name, usage string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(c.stderr)
	fs.Usage = func() {
		fmt.Fprintf(c.stderr, "usage: spillway %s\n\nflags:\n", usage)
		fs.PrintDefaults()
	}
	config.RegisterFlags(fs)
	return fs
}

// parse parses args (without the command name) and resolves the configuration.
func (c *cli) parse(fs *pflag.FlagSet, args []string) (*config.Config, *slog.Logger, error) {
	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, nil, err
		}
		return nil, nil, usageError(err.Error())
	}
	cfg, err := config.Load(fs)
	if err != nil {
		return nil, nil, usageError(err.Error())
	}
	return cfg, logging.New(c.stderr, cfg.LogLevel, cfg.LogFormat), nil
}

// env holds the opened storage stack.
type env struct {
	cfg     *config.Config
	log     *slog.Logger
	blobs   *fsblob.Store
	catalog *meta.Store
	cache   cache.Cache
	engine  *engine.Engine
}

func openEnv(ctx context.Context, cfg *config.Config, log *slog.Logger, progress upload.ProgressFunc) (*env, error) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		return nil, usageError("data dir required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}
	blobs, err := fsblob.Open(fsblob.Options{Root: cfg.DataDir, MaxPayload: cfg.MaxPayload})
	if err != nil {
		return nil, err
	}
	catalog, err := meta.Open(cfg.MetaPath())
	if err != nil {
		return nil, fmt.Errorf("meta open: %w", err)
	}
	mc := cache.New(ctx, cache.Config{RedisAddr: cfg.RedisAddr, TTL: cfg.CacheTTL, Size: cfg.CacheSize}, log)
	eng, err := engine.New(engine.Options{
		Transport: blobs,
		Catalog:   catalog,
		Cache:     mc,
		Logger:    log,
		Upload: upload.Options{
			MaxChunkSize:   cfg.MaxChunkSize,
			BufferSize:     int(cfg.BufferSize),
			SpoolThreshold: cfg.SpoolThreshold,
			SpoolDir:       cfg.SpoolDir,
			Progress:       progress,
		},
	})
	if err != nil {
		_ = mc.Close()
		_ = catalog.Close()
		return nil, err
	}
	return &env{cfg: cfg, log: log, blobs: blobs, catalog: catalog, cache: mc, engine: eng}, nil
}

func (e *env) Close() error {
	return errors.Join(e.cache.Close(), e.catalog.Close())
}
