// Package config loads the instance configuration from YAML, overlays the
// environment and validates the result.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"collabtext/internal/auth"
	"collabtext/internal/conflict"
	"collabtext/internal/distribution"
	"collabtext/internal/op"
)

// Environment variables read by Load.
const (
	EnvConfigFile  = "COLLAB_CONFIG_FILE"
	EnvRedisAddr   = "REDIS_ADDR"
	EnvDatabaseURL = "DATABASE_URL"
)

// Backends.
const (
	BackendMemory   = "memory"
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Config struct {
	InstanceID string          `yaml:"instance_id"`
	ListenAddr string          `yaml:"listen_addr" validate:"required"`
	LogLevel   string          `yaml:"log_level" validate:"oneof=debug info warn error"`
	Log        LogConfig       `yaml:"log"`
	Broker     BrokerConfig    `yaml:"broker"`
	Sessions   SessionsConfig  `yaml:"sessions"`
	Conflicts  ConflictsConfig `yaml:"conflicts"`
	Snapshots  SnapshotsConfig `yaml:"snapshots"`
	Auth       AuthConfig      `yaml:"auth"`
	Discovery  DiscoveryConfig `yaml:"discovery"`
}

// LogConfig selects the operation log backend.
type LogConfig struct {
	Backend     string `yaml:"backend" validate:"oneof=memory bolt postgres"`
	BoltPath    string `yaml:"bolt_path" validate:"required_if=Backend bolt"`
	DatabaseURL string `yaml:"database_url" validate:"required_if=Backend postgres"`
	// HistoryLimit is how many recent operations a replica keeps for
	// transforming late submissions without reading the log.
	HistoryLimit int `yaml:"history_limit" validate:"gte=0"`
}

type BrokerConfig struct {
	Backend       string        `yaml:"backend" validate:"oneof=memory redis"`
	RedisAddr     string        `yaml:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db" validate:"gte=0"`
	Prefix        string        `yaml:"prefix"`
	ReadBlock     time.Duration `yaml:"read_block" validate:"gte=0"`

	PublishRetryInitial    time.Duration `yaml:"publish_retry_initial" validate:"gte=0"`
	PublishRetryMax        time.Duration `yaml:"publish_retry_max" validate:"gte=0"`
	PublishRetryMaxElapsed time.Duration `yaml:"publish_retry_max_elapsed" validate:"gte=0"`
}

// Retry returns the publish retry settings.
func (b BrokerConfig) Retry() distribution.RetryConfig {
	return distribution.RetryConfig{
		InitialInterval: b.PublishRetryInitial,
		MaxInterval:     b.PublishRetryMax,
		MaxElapsed:      b.PublishRetryMaxElapsed,
	}
}

type SessionsConfig struct {
	Backend        string        `yaml:"backend" validate:"oneof=memory redis"`
	RedisAddr      string        `yaml:"redis_addr" validate:"required_if=Backend redis"`
	Prefix         string        `yaml:"prefix"`
	Expiry         time.Duration `yaml:"expiry" validate:"gt=0"`
	SweepInterval  time.Duration `yaml:"sweep_interval" validate:"gte=0"`
	HeartbeatEvery time.Duration `yaml:"heartbeat_every" validate:"gte=0"`
}

type ConflictsConfig struct {
	Strategy        string         `yaml:"strategy" validate:"oneof=last-writer-wins priority content-merge defer"`
	DefaultStrategy string         `yaml:"default_strategy" validate:"oneof=last-writer-wins priority content-merge"`
	DeferTimeout    time.Duration  `yaml:"defer_timeout" validate:"gt=0"`
	RolePriority    map[string]int `yaml:"role_priority"`
}

// Policy converts the section into a resolver policy.
func (c ConflictsConfig) Policy() conflict.Policy {
	return conflict.Policy{
		Strategy: op.Strategy(c.Strategy),
		Default:  op.Strategy(c.DefaultStrategy),
		Ranks:    c.RolePriority,
	}
}

type SnapshotsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
	Every    int    `yaml:"every" validate:"gte=0"`
}

// AuthConfig lists the tokens the static verifier accepts.
type AuthConfig struct {
	Grants []auth.Grant `yaml:"grants" validate:"dive"`
}

// DiscoveryConfig advertises the instance over mDNS and logs peers found on
// the local network.
type DiscoveryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Service string `yaml:"service" validate:"required_if=Enabled true"`
	Domain  string `yaml:"domain" validate:"required_if=Enabled true"`
	Port    int    `yaml:"port" validate:"gte=0,lte=65535"`
	// Browse is how long each peer scan runs.
	Browse time.Duration `yaml:"browse" validate:"gte=0"`
}

// Default returns a single-node, in-memory configuration.
func Default() Config {
	return Config{
		ListenAddr: ":8081",
		LogLevel:   "info",
		Log:        LogConfig{Backend: BackendMemory, BoltPath: "collabtext.db"},
		Broker: BrokerConfig{
			Backend:                BackendMemory,
			Prefix:                 "collab",
			ReadBlock:              time.Second,
			PublishRetryInitial:    50 * time.Millisecond,
			PublishRetryMax:        time.Second,
			PublishRetryMaxElapsed: 2 * time.Second,
		},
		Sessions: SessionsConfig{
			Backend: BackendMemory,
			Prefix:  "collab",
			Expiry:  30 * time.Second,
		},
		Conflicts: ConflictsConfig{
			Strategy:        string(op.StrategyLastWriterWins),
			DefaultStrategy: string(op.StrategyLastWriterWins),
			DeferTimeout:    time.Minute,
		},
		Snapshots: SnapshotsConfig{Path: "snapshots", Every: 100},
		Discovery: DiscoveryConfig{
			Service: "_collabtext._tcp",
			Domain:  "local.",
			Browse:  15 * time.Second,
		},
	}
}

// Load reads path (or $COLLAB_CONFIG_FILE when path is empty) onto the
// defaults, applies environment overrides and validates. With neither set
// the defaults are used.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decode(bytes.NewReader(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overlays the variables the deployment sets. A Redis address
// switches both the broker and the session store to Redis; a database URL
// switches the log to Postgres.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if addr, ok := lookup(EnvRedisAddr); ok && addr != "" {
		c.Broker.Backend, c.Broker.RedisAddr = BackendRedis, addr
		c.Sessions.Backend, c.Sessions.RedisAddr = BackendRedis, addr
	}
	if url, ok := lookup(EnvDatabaseURL); ok && url != "" {
		c.Log.Backend, c.Log.DatabaseURL = BackendPostgres, url
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every section.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Level maps LogLevel to a slog level.
func (c Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}
