// Package config loads leapfrog's configuration.
//
// Sources are layered, later ones winning:
//  1. built-in defaults
//  2. an optional YAML file (CONFIG_PATH, else ./config.yaml)
//  3. LEAPFROG_ environment variables, "__" separating sections
//     (LEAPFROG_DATABASE__PATH -> database.path)
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/bryan-buckman/leapfrog/internal/logging"
	"github.com/bryan-buckman/leapfrog/internal/validation"
)

const (
	// ConfigPathEnvVar names an explicit config file.
	ConfigPathEnvVar = "CONFIG_PATH"

	envPrefix = "LEAPFROG_"
)

// DefaultConfigPaths are searched when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{"config.yaml", "config.yml"}

// Config is the full application configuration.
type Config struct {
	Database  DatabaseConfig  `koanf:"database"`
	Server    ServerConfig    `koanf:"server"`
	Logging   logging.Config  `koanf:"logging"`
	Normalize NormalizeConfig `koanf:"normalize"`
	Poll      PollConfig      `koanf:"poll"`
	Embed     EmbedConfig     `koanf:"embed"`
	Twitter   TwitterConfig   `koanf:"twitter"`
	TypePad   TypePadConfig   `koanf:"typepad"`
	Flickr    FlickrConfig    `koanf:"flickr"`
	Mlkshk    MlkshkConfig    `koanf:"mlkshk"`
	Feed      FeedConfig      `koanf:"feed"`
}

// DatabaseConfig selects and locates the store.
type DatabaseConfig struct {
	// Type is sqlite or postgres.
	Type string `koanf:"type" validate:"required,oneof=sqlite postgres"`
	Path string `koanf:"path" validate:"required_if=Type sqlite"`
	DSN  string `koanf:"dsn" validate:"required_if=Type postgres"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Addr         string        `koanf:"addr" validate:"required"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// NormalizeConfig tunes object normalization.
type NormalizeConfig struct {
	// MaxDepth bounds how many ancestors are walked for one post.
	MaxDepth int `koanf:"max_depth" validate:"min=1,max=10000"`
}

// PollConfig configures the poll manager and the shared HTTP client.
type PollConfig struct {
	Enabled bool `koanf:"enabled"`
	// Workers is used only with the postgres backend.
	Workers int `koanf:"workers" validate:"min=1,max=64"`
	// Interval is a fallback; the settings table wins when set.
	Interval time.Duration `koanf:"interval"`

	HTTPTimeout        time.Duration `koanf:"http_timeout"`
	RequestsPerSecond  float64       `koanf:"requests_per_second" validate:"gt=0"`
	MaxConcurrentHost  int           `koanf:"max_concurrent_host" validate:"min=1"`
	BreakerMaxFailures uint32        `koanf:"breaker_max_failures" validate:"min=1"`
	BreakerTimeout     time.Duration `koanf:"breaker_timeout"`
	UserAgent          string        `koanf:"user_agent"`
}

// EmbedConfig configures link resolution.
type EmbedConfig struct {
	Enabled bool `koanf:"enabled"`
	// MaxBodyBytes caps how much of a page is read for oEmbed discovery.
	MaxBodyBytes int64 `koanf:"max_body_bytes" validate:"min=1024"`
}

// TwitterConfig holds the Twitter API endpoints and consumer credentials.
type TwitterConfig struct {
	Enabled        bool   `koanf:"enabled"`
	APIBase        string `koanf:"api_base" validate:"omitempty,url"`
	TwitpicAPIBase string `koanf:"twitpic_api_base" validate:"omitempty,url"`
	ConsumerKey    string `koanf:"consumer_key" validate:"required_if=Enabled true"`
	ConsumerSecret string `koanf:"consumer_secret" validate:"required_if=Enabled true"`
}

// TypePadConfig holds the TypePad API endpoint and group filter.
type TypePadConfig struct {
	Enabled bool   `koanf:"enabled"`
	APIBase string `koanf:"api_base" validate:"omitempty,url"`
	// BlacklistedGroups are group ids whose notes are never imported.
	BlacklistedGroups []string `koanf:"blacklisted_groups"`
}

// FlickrConfig holds the Flickr API endpoint and key.
type FlickrConfig struct {
	Enabled   bool   `koanf:"enabled"`
	APIBase   string `koanf:"api_base" validate:"omitempty,url"`
	APIKey    string `koanf:"api_key" validate:"required_if=Enabled true"`
	APISecret string `koanf:"api_secret" validate:"required_if=Enabled true"`
}

// MlkshkConfig holds the mlkshk API endpoint.
type MlkshkConfig struct {
	Enabled bool   `koanf:"enabled"`
	APIBase string `koanf:"api_base" validate:"omitempty,url"`
}

// FeedConfig toggles RSS/Atom feed polling.
type FeedConfig struct {
	Enabled bool `koanf:"enabled"`
}

func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Type: "sqlite",
			Path: "leapfrog.db",
		},
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
		Normalize: NormalizeConfig{MaxDepth: 64},
		Poll: PollConfig{
			Enabled:            true,
			Workers:            4,
			Interval:           30 * time.Minute,
			HTTPTimeout:        30 * time.Second,
			RequestsPerSecond:  1,
			MaxConcurrentHost:  2,
			BreakerMaxFailures: 5,
			BreakerTimeout:     time.Minute,
			UserAgent:          "leapfrog/1.0",
		},
		Embed: EmbedConfig{
			Enabled:      true,
			MaxBodyBytes: 512 << 10,
		},
		Twitter: TwitterConfig{
			APIBase:        "https://api.twitter.com/1.1",
			TwitpicAPIBase: "http://api.twitpic.com/2",
		},
		TypePad: TypePadConfig{
			APIBase:           "https://api.typepad.com",
			BlacklistedGroups: []string{"6p0120a5e990ac970c", "6a013487865036970c0134878650f2970c"},
		},
		Flickr: FlickrConfig{APIBase: "https://api.flickr.com/services/rest/"},
		Mlkshk: MlkshkConfig{APIBase: "https://mlkshk.com"},
		Feed:   FeedConfig{Enabled: true},
	}
}

// Load reads defaults, the config file and the environment.
func Load() (*Config, error) {
	return load(findConfigFile())
}

// LoadFile is Load with an explicit file; an empty path skips the file layer.
func LoadFile(path string) (*Config, error) {
	return load(path)
}

func load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	// Slices arrive from the environment as comma separated strings.
	if raw, ok := k.Get("typepad.blacklisted_groups").(string); ok {
		if err := k.Set("typepad.blacklisted_groups", splitList(raw)); err != nil {
			return nil, fmt.Errorf("parse typepad.blacklisted_groups: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field rules.
func (c *Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// envTransform maps LEAPFROG_POLL__HTTP_TIMEOUT to poll.http_timeout.
func envTransform(key string) string {
	key = strings.TrimPrefix(key, envPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
