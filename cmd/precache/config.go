package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/always-cache/precache"
	"github.com/always-cache/precache/cache"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const envPrefix = "PRECACHE_"

type Config struct {
	Listen       string        `yaml:"listen" env:"LISTEN"`
	Origin       string        `yaml:"origin" env:"ORIGIN"`
	Upstream     string        `yaml:"upstream" env:"UPSTREAM"`
	UpstreamHost string        `yaml:"upstreamHost" env:"UPSTREAM_HOST"`
	Version      string        `yaml:"version" env:"VERSION"`
	Prefix       string        `yaml:"prefix" env:"PREFIX"`
	Manifest     []string      `yaml:"manifest" env:"MANIFEST"`
	Fallback     string        `yaml:"fallback" env:"FALLBACK"`
	SkipWaiting  bool          `yaml:"skipWaiting" env:"SKIP_WAITING"`
	VaryHeaders  []string      `yaml:"varyHeaders" env:"VARY_HEADERS"`
	FetchTimeout time.Duration `yaml:"fetchTimeout" env:"FETCH_TIMEOUT"`
	Store        StoreConfig   `yaml:"store" envPrefix:"STORE_"`
	Log          LogConfig     `yaml:"log" envPrefix:"LOG_"`
}

type StoreConfig struct {
	// One of sqlite, memory or valkey.
	Provider string `yaml:"provider" env:"PROVIDER"`
	// SQLite database file. Use "memory" for an in-memory database.
	Path   string             `yaml:"path" env:"PATH"`
	Valkey cache.ValkeyConfig `yaml:"valkey" envPrefix:"VALKEY_"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
	// Rotated log file written in addition to stdout.
	File string `yaml:"file" env:"FILE"`
}

func defaultConfig() Config {
	return Config{
		Listen:       ":8080",
		Prefix:       precache.DefaultPrefix,
		FetchTimeout: 30 * time.Second,
		Store: StoreConfig{
			Provider: "sqlite",
			Path:     "cache.db",
		},
		Log: LogConfig{
			Level: "debug",
		},
	}
}

// loadConfig reads the config file, if any, on top of the defaults
// and applies PRECACHE_* environment variables on top of that.
// The upstream defaults to the origin.
func loadConfig(filename string) (Config, error) {
	config := defaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("config: parse %s: %w", filename, err)
		}
	}
	if err := env.ParseWithOptions(&config, env.Options{Prefix: envPrefix}); err != nil {
		return config, fmt.Errorf("config: environment: %w", err)
	}
	if config.Upstream == "" {
		config.Upstream = config.Origin
	}
	return config, nil
}

// Validate reports every problem with the config.
func (c Config) Validate() error {
	var errs []error
	if _, err := absoluteURL(c.Origin); err != nil {
		errs = append(errs, fmt.Errorf("origin: %w", err))
	}
	if _, err := absoluteURL(c.Upstream); err != nil {
		errs = append(errs, fmt.Errorf("upstream: %w", err))
	}
	if c.Version == "" {
		errs = append(errs, errors.New("version is required"))
	}
	for _, path := range c.Manifest {
		if !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") {
			errs = append(errs, fmt.Errorf("manifest: not an absolute path: %q", path))
		}
	}
	if c.Fallback != "" && !slices.Contains(c.Manifest, c.Fallback) {
		errs = append(errs, fmt.Errorf("fallback %s is not in the manifest", c.Fallback))
	}
	switch c.Store.Provider {
	case "sqlite", "memory":
	case "valkey":
		if c.Store.Valkey.Address == "" {
			errs = append(errs, errors.New("store: valkey address is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("store: unknown provider %q", c.Store.Provider))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	if c.FetchTimeout < 0 {
		errs = append(errs, errors.New("fetchTimeout must not be negative"))
	}
	return errors.Join(errs...)
}

// openProvider creates the configured cache provider.
func (c StoreConfig) openProvider() (cache.Provider, error) {
	switch c.Provider {
	case "memory":
		return cache.NewMemCache(), nil
	case "valkey":
		return cache.NewValkeyCache(c.Valkey)
	default:
		path := c.Path
		if path == "memory" {
			path = ""
		}
		return cache.NewSQLiteCache(path)
	}
}

// workerConfig returns the worker config for a validated config.
func (c Config) workerConfig() precache.Config {
	origin, _ := absoluteURL(c.Origin)
	upstream, _ := absoluteURL(c.Upstream)
	return precache.Config{
		Origin:       *origin,
		Upstream:     *upstream,
		UpstreamHost: c.UpstreamHost,
		Version:      c.Version,
		Prefix:       c.Prefix,
		Manifest:     c.Manifest,
		Fallback:     c.Fallback,
		SkipWaiting:  c.SkipWaiting,
		VaryHeaders:  c.VaryHeaders,
		FetchTimeout: c.FetchTimeout,
	}
}

func absoluteURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("not an absolute URL: %q", raw)
	}
	return u, nil
}
