package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort             = 8080
	defaultCacheDir         = "data/cache"
	defaultDataDir          = "data"
	defaultFileCacheBytes   = 64 << 20
	defaultWorkers          = 5
	defaultMaxRetries       = 3
	defaultHTTPTimeout      = 20 * time.Second
	defaultMaxDownloadBytes = 16 << 20
	defaultProbeTimeout     = 2 * time.Second
	defaultPrefetchInterval = time.Minute
	defaultMaxPrefetchJobs  = 3
	defaultMaxPrefetchURLs  = 20

	// EnvPrefix namespaces the environment overrides, e.g. ASYNCLOAD_PORT.
	EnvPrefix = "ASYNCLOAD_"
)

// Config describes runtime configuration for the service.
type Config struct {
	Port     int    `yaml:"port"`
	CacheDir string `yaml:"cache_dir"`
	// FileCacheBytes caps the on-disk image cache.
	FileCacheBytes int64 `yaml:"file_cache_bytes"`
	// MemoryCacheBytes caps the in-memory cache; 0 derives it from the
	// runtime memory limit.
	MemoryCacheBytes int64         `yaml:"memory_cache_bytes"`
	Workers          int           `yaml:"workers"`
	MaxRetries       int           `yaml:"max_retries"`
	RetrySleep       bool          `yaml:"retry_sleep"`
	HTTPTimeout      time.Duration `yaml:"http_timeout"`
	MaxDownloadBytes int64         `yaml:"max_download_bytes"`
	// ProbeAddr is dialed to tell "offline" from "remote failed"; empty
	// disables the probe.
	ProbeAddr    string        `yaml:"probe_addr"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	// DataDir holds prefetch job records.
	DataDir          string        `yaml:"data_dir"`
	PrefetchInterval time.Duration `yaml:"prefetch_interval"`
	MaxPrefetchJobs  int           `yaml:"max_prefetch_jobs"`
	MaxPrefetchURLs  int           `yaml:"max_prefetch_urls"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Port:             defaultPort,
		CacheDir:         defaultCacheDir,
		FileCacheBytes:   defaultFileCacheBytes,
		Workers:          defaultWorkers,
		MaxRetries:       defaultMaxRetries,
		RetrySleep:       true,
		HTTPTimeout:      defaultHTTPTimeout,
		MaxDownloadBytes: defaultMaxDownloadBytes,
		ProbeTimeout:     defaultProbeTimeout,
		DataDir:          defaultDataDir,
		PrefetchInterval: defaultPrefetchInterval,
		MaxPrefetchJobs:  defaultMaxPrefetchJobs,
		MaxPrefetchURLs:  defaultMaxPrefetchURLs,
	}
}

// Load reads YAML config from the provided path. If the file does not exist
// or is empty, defaults are returned with no error.
func Load(path string) (Config, error) {
	cfg, err := read(path)
	if err != nil {
		return cfg, err
	}
	return finish(cfg)
}

// LoadWithEnv is Load with ASYNCLOAD_* environment variables applied on top
// of the file values.
func LoadWithEnv(ctx context.Context, path string) (Config, error) {
	return loadWithLookuper(ctx, path, envconfig.OsLookuper())
}

func loadWithLookuper(ctx context.Context, path string, lookuper envconfig.Lookuper) (Config, error) {
	cfg, err := read(path)
	if err != nil {
		return cfg, err
	}
	if err := applyEnv(ctx, &cfg, envconfig.PrefixLookuper(EnvPrefix, lookuper)); err != nil {
		return cfg, err
	}
	return finish(cfg)
}

func read(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(fileData, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

// finish normalizes zero values and validates the rest.
func finish(cfg Config) (Config, error) {
	// basic normalization
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	cfg.CacheDir = strings.TrimSpace(cfg.CacheDir)
	if cfg.CacheDir == "" {
		cfg.CacheDir = defaultCacheDir
	}
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	if cfg.MaxDownloadBytes <= 0 {
		cfg.MaxDownloadBytes = defaultMaxDownloadBytes
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.PrefetchInterval <= 0 {
		cfg.PrefetchInterval = defaultPrefetchInterval
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return cfg, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	// values < 1 are not allowed
	if cfg.Workers < 1 {
		return cfg, fmt.Errorf("invalid workers: %d (must be >= 1)", cfg.Workers)
	}
	if cfg.MaxRetries < 1 {
		return cfg, fmt.Errorf("invalid max_retries: %d (must be >= 1)", cfg.MaxRetries)
	}
	if cfg.FileCacheBytes <= 0 {
		return cfg, fmt.Errorf("invalid file_cache_bytes: %d (must be > 0)", cfg.FileCacheBytes)
	}
	if cfg.MaxPrefetchJobs < 1 {
		return cfg, fmt.Errorf("invalid max_prefetch_jobs: %d (must be >= 1)", cfg.MaxPrefetchJobs)
	}
	if cfg.MaxPrefetchURLs < 1 {
		return cfg, fmt.Errorf("invalid max_prefetch_urls: %d (must be >= 1)", cfg.MaxPrefetchURLs)
	}
	if cfg.MemoryCacheBytes < 0 {
		return cfg, fmt.Errorf("invalid memory_cache_bytes: %d", cfg.MemoryCacheBytes)
	}
	return cfg, nil
}

// envOverrides mirrors Config with pointers so unset variables leave the
// file values alone.
type envOverrides struct {
	Port             *int           `env:"PORT, noinit"`
	CacheDir         *string        `env:"CACHE_DIR, noinit"`
	FileCacheBytes   *int64         `env:"FILE_CACHE_BYTES, noinit"`
	MemoryCacheBytes *int64         `env:"MEMORY_CACHE_BYTES, noinit"`
	Workers          *int           `env:"WORKERS, noinit"`
	MaxRetries       *int           `env:"MAX_RETRIES, noinit"`
	RetrySleep       *bool          `env:"RETRY_SLEEP, noinit"`
	HTTPTimeout      *time.Duration `env:"HTTP_TIMEOUT, noinit"`
	MaxDownloadBytes *int64         `env:"MAX_DOWNLOAD_BYTES, noinit"`
	ProbeAddr        *string        `env:"PROBE_ADDR, noinit"`
	ProbeTimeout     *time.Duration `env:"PROBE_TIMEOUT, noinit"`
	DataDir          *string        `env:"DATA_DIR, noinit"`
	PrefetchInterval *time.Duration `env:"PREFETCH_INTERVAL, noinit"`
	MaxPrefetchJobs  *int           `env:"MAX_PREFETCH_JOBS, noinit"`
	MaxPrefetchURLs  *int           `env:"MAX_PREFETCH_URLS, noinit"`
}

func applyEnv(ctx context.Context, cfg *Config, lookuper envconfig.Lookuper) error {
	var in envOverrides
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &in, Lookuper: lookuper}); err != nil {
		return fmt.Errorf("read env: %w", err)
	}
	set(&cfg.Port, in.Port)
	set(&cfg.CacheDir, in.CacheDir)
	set(&cfg.FileCacheBytes, in.FileCacheBytes)
	set(&cfg.MemoryCacheBytes, in.MemoryCacheBytes)
	set(&cfg.Workers, in.Workers)
	set(&cfg.MaxRetries, in.MaxRetries)
	set(&cfg.RetrySleep, in.RetrySleep)
	set(&cfg.HTTPTimeout, in.HTTPTimeout)
	set(&cfg.MaxDownloadBytes, in.MaxDownloadBytes)
	set(&cfg.ProbeAddr, in.ProbeAddr)
	set(&cfg.ProbeTimeout, in.ProbeTimeout)
	set(&cfg.DataDir, in.DataDir)
	set(&cfg.PrefetchInterval, in.PrefetchInterval)
	set(&cfg.MaxPrefetchJobs, in.MaxPrefetchJobs)
	set(&cfg.MaxPrefetchURLs, in.MaxPrefetchURLs)
	return nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
