// Package config loads spillway settings from defaults, an optional YAML file,
// SPILLWAY_* environment variables and command-line flags, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. SPILLWAY_HTTP_ADDR.
const EnvPrefix = "SPILLWAY"

// Config is the resolved configuration.
type Config struct {
	DataDir        string
	MaxChunkSize   int64
	BufferSize     int64
	SpoolThreshold int64
	SpoolDir       string
	MaxPayload     int64
	HTTPAddr       string
	RedisAddr      string
	CacheTTL       time.Duration
	CacheSize      int
	LogLevel       string
	LogFormat      string
	GCMinAge       time.Duration
	// File is the config file that was read, if any.
	File string
}

type setting struct {
	key   string
	flag  string
	def   string
	usage string
}

var settings = []setting{
	{"data_dir", "data-dir", "./data", "data directory (catalog and payloads)"},
	{"max_chunk_size", "max-chunk-size", "2000MiB", "largest chunk stored as one payload"},
	{"buffer_size", "buffer-size", "1MiB", "sub-buffer for reads within a chunk"},
	{"spool_threshold", "spool-threshold", "8MiB", "chunks above this size are spooled to disk"},
	{"spool_dir", "spool-dir", "", "directory for chunk spool files (default: system temp)"},
	{"transport.max_payload", "max-payload", "0", "transport payload cap; 0 disables the check"},
	{"http.addr", "addr", ":8080", "HTTP listen address"},
	{"cache.redis_addr", "redis-addr", "", "redis address for the manifest cache"},
	{"cache.ttl", "cache-ttl", "10m", "manifest cache entry lifetime"},
	{"cache.size", "cache-size", "256", "in-memory manifest cache entries"},
	{"log.level", "log-level", "info", "log level (debug, info, warn, error)"},
	{"log.format", "log-format", "text", "log format (text, json)"},
	{"gc.min_age", "gc-min-age", "24h", "minimum payload age for garbage collection"},
}

// RegisterFlags adds every setting, plus --config, to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to spillway.yaml")
	for _, s := range settings {
		if fs.Lookup(s.flag) == nil {
			fs.String(s.flag, s.def, s.usage)
		}
	}
}

// Load resolves the configuration. fs may be nil; flags registered on it with
// RegisterFlags override file and environment values when set explicitly.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for _, s := range settings {
		v.SetDefault(s.key, s.def)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := ""
	if fs != nil {
		if f := fs.Lookup("config"); f != nil {
			explicit = f.Value.String()
		}
		for _, s := range settings {
			if f := fs.Lookup(s.flag); f != nil {
				if err := v.BindPFlag(s.key, f); err != nil {
					return nil, err
				}
			}
		}
	}
	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		v.SetConfigName("spillway")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	cfg := &Config{
		DataDir:   v.GetString("data_dir"),
		SpoolDir:  v.GetString("spool_dir"),
		HTTPAddr:  v.GetString("http.addr"),
		RedisAddr: v.GetString("cache.redis_addr"),
		LogLevel:  v.GetString("log.level"),
		LogFormat: v.GetString("log.format"),
		File:      v.ConfigFileUsed(),
	}
	var err error
	sizes := []struct {
		key string
		dst *int64
	}{
		{"max_chunk_size", &cfg.MaxChunkSize},
		{"buffer_size", &cfg.BufferSize},
		{"spool_threshold", &cfg.SpoolThreshold},
		{"transport.max_payload", &cfg.MaxPayload},
	}
	for _, sz := range sizes {
		if *sz.dst, err = ParseSize(v.GetString(sz.key)); err != nil {
			return nil, fmt.Errorf("config: %s: %w", sz.key, err)
		}
	}
	if cfg.CacheTTL, err = time.ParseDuration(v.GetString("cache.ttl")); err != nil {
		return nil, fmt.Errorf("config: cache.ttl: %w", err)
	}
	if cfg.GCMinAge, err = time.ParseDuration(v.GetString("gc.min_age")); err != nil {
		return nil, fmt.Errorf("config: gc.min_age: %w", err)
	}
	cfg.CacheSize = v.GetInt("cache.size")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-setting constraints.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config: data_dir required")
	}
	if c.MaxChunkSize <= 0 {
		return errors.New("config: max_chunk_size must be positive")
	}
	if c.MaxPayload > 0 && c.MaxChunkSize > c.MaxPayload {
		return fmt.Errorf("config: max_chunk_size %s exceeds transport.max_payload %s",
			humanize.IBytes(uint64(c.MaxChunkSize)), humanize.IBytes(uint64(c.MaxPayload)))
	}
	if c.BufferSize <= 0 || c.BufferSize > math.MaxInt32 {
		return fmt.Errorf("config: buffer_size %d out of range", c.BufferSize)
	}
	if c.SpoolThreshold < 0 {
		return errors.New("config: spool_threshold must not be negative")
	}
	if c.CacheSize < 0 {
		return errors.New("config: cache.size must not be negative")
	}
	if c.GCMinAge < 0 {
		return errors.New("config: gc.min_age must not be negative")
	}
	return nil
}

// MetaPath is the catalog database location.
func (c *Config) MetaPath() string {
	return filepath.Join(c.DataDir, "meta.db")
}

// ParseSize accepts plain byte counts and human forms such as 2GB or 1MiB.
func ParseSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("size %q too large", s)
	}
	return int64(n), nil
}

// FormatSize renders n in IEC units.
func FormatSize(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}
