// Package config loads the server configuration. Values are layered:
// built-in defaults, then the YAML file, then H1_* variables from a .env
// file and the environment, then command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. H1_SERVER_WORKERS.
const EnvPrefix = "H1"

// Config holds all application configuration.
type Config struct {
	Listen     string `yaml:"listen"`
	Admin      string `yaml:"admin"`
	ServerName string `yaml:"server_name"`
	Env        string `yaml:"env"`
	LogLevel   string `yaml:"log_level"`
	LogFile    string `yaml:"log_file"`

	Server      ServerConfig      `yaml:"server"`
	Limits      LimitsConfig      `yaml:"limits"`
	Cache       CacheConfig       `yaml:"cache"`
	Compression CompressionConfig `yaml:"compression"`
	Auth        AuthConfig        `yaml:"auth"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Static      StaticConfig      `yaml:"static"`
	GC          GCConfig          `yaml:"gc"`
}

// ServerConfig tunes the connection engine.
type ServerConfig struct {
	ReadTimeout     Duration  `yaml:"read_timeout"`
	WriteTimeout    Duration  `yaml:"write_timeout"`
	IdleTimeout     Duration  `yaml:"idle_timeout"`
	ShutdownTimeout Duration  `yaml:"shutdown_timeout"`
	Workers         int       `yaml:"workers"`
	QueueSize       int       `yaml:"queue_size"`
	ReadBuffer      SizeBytes `yaml:"read_buffer"`
	// ConnRate limits new connections per second per client address.
	ConnRate  float64 `yaml:"conn_rate"`
	ConnBurst int     `yaml:"conn_burst"`
}

// LimitsConfig bounds what a single request may make the parser allocate.
type LimitsConfig struct {
	MaxTarget  SizeBytes `yaml:"max_target"`
	MaxHeader  SizeBytes `yaml:"max_header"`
	MaxHeaders int       `yaml:"max_headers"`
	MaxBody    SizeBytes `yaml:"max_body"`
	MaxParts   int       `yaml:"max_parts"`
}

type CacheConfig struct {
	Enabled    bool      `yaml:"enabled"`
	MaxBytes   SizeBytes `yaml:"max_bytes"`
	Shards     int       `yaml:"shards"`
	DefaultTTL Duration  `yaml:"default_ttl"`
	MaxAge     Duration  `yaml:"max_age"`
	// SQLite is the warm-start database; empty keeps the cache in memory.
	SQLite    string `yaml:"sqlite"`
	SweepCron string `yaml:"sweep_cron"`
}

type CompressionConfig struct {
	Enabled    bool      `yaml:"enabled"`
	MinSize    SizeBytes `yaml:"min_size"`
	Algorithms []string  `yaml:"algorithms"`
	SkipTypes  []string  `yaml:"skip_types"`
	Level      int       `yaml:"level"`
}

type AuthConfig struct {
	Policies []PolicyConfig `yaml:"policies"`
	// Users maps a name to "sha256:<hex>" or a bcrypt hash.
	Users map[string]string `yaml:"users"`
	// Tokens maps "sha256:<hex>" of a bearer token to its principal.
	Tokens map[string]string `yaml:"tokens"`
}

type PolicyConfig struct {
	Prefix     string   `yaml:"prefix"`
	Scheme     string   `yaml:"scheme"`
	Realm      string   `yaml:"realm"`
	Principals []string `yaml:"principals"`
}

// RateLimitConfig is the request rate across all clients. Zero disables it.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type StaticConfig struct {
	Dir    string `yaml:"dir"`
	Prefix string `yaml:"prefix"`
}

type GCConfig struct {
	Percent     int       `yaml:"percent"`
	MemoryLimit SizeBytes `yaml:"memory_limit"`
}

// Default returns the configuration used when nothing else is given.
func Default() *Config {
	return &Config{
		Listen:   ":8080",
		Admin:    "127.0.0.1:9090",
		Env:      "development",
		LogLevel: "info",
		Server: ServerConfig{
			ReadTimeout:     Duration(10 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			IdleTimeout:     Duration(60 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
			Workers:         512,
			QueueSize:       4,
			ReadBuffer:      16 << 10,
		},
		Limits: LimitsConfig{
			MaxTarget:  8 << 10,
			MaxHeader:  32 << 10,
			MaxHeaders: 100,
			MaxBody:    8 << 20,
			MaxParts:   128,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxBytes:   64 << 20,
			Shards:     16,
			DefaultTTL: Duration(time.Minute),
			MaxAge:     Duration(24 * time.Hour),
			SweepCron:  "* * * * *",
		},
		Compression: CompressionConfig{
			Enabled:    true,
			MinSize:    1024,
			Algorithms: []string{"br", "gzip", "deflate"},
		},
		Static: StaticConfig{Prefix: "/static"},
		GC:     GCConfig{Percent: 200},
	}
}

// Load builds the configuration from args (without the program name). The
// file named by -config and the dotenv file named by -env-file are read
// before the remaining flags are applied on top.
func Load(args []string) (*Config, error) {
	var configPath, envFile string
	if err := newFlagSet(Default(), &configPath, &envFile).Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()
	if configPath != "" {
		if err := cfg.LoadFile(configPath); err != nil {
			return nil, err
		}
	}

	m := NewManager()
	if err := m.LoadDotEnv(envFile, EnvPrefix); err != nil {
		return nil, err
	}
	m.LoadFromEnv(EnvPrefix)
	if err := m.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	if err := newFlagSet(cfg, &configPath, &envFile).Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newFlagSet(cfg *Config, configPath, envFile *string) *flag.FlagSet {
	fs := flag.NewFlagSet("h1server", flag.ContinueOnError)
	fs.StringVar(configPath, "config", os.Getenv(EnvPrefix+"_CONFIG"), "YAML configuration file")
	fs.StringVar(envFile, "env-file", ".env", "dotenv file with "+EnvPrefix+"_* overrides")

	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP listen address")
	fs.StringVar(&cfg.Admin, "admin", cfg.Admin, "admin listen address (empty disables)")
	fs.StringVar(&cfg.Env, "env", cfg.Env, "Environment (development/production)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "trace, debug, info, warn or error")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "also write JSON logs to this file")
	fs.StringVar(&cfg.Static.Dir, "static", cfg.Static.Dir, "directory served under the static prefix")

	fs.Var(&cfg.Server.ReadTimeout, "read-timeout", "request read timeout")
	fs.Var(&cfg.Server.WriteTimeout, "write-timeout", "response write timeout")
	fs.Var(&cfg.Server.IdleTimeout, "idle-timeout", "keep-alive idle timeout")
	fs.IntVar(&cfg.Server.Workers, "workers", cfg.Server.Workers, "maximum concurrent connections")
	fs.Var(&cfg.Limits.MaxBody, "max-body", "largest accepted request body")

	fs.BoolVar(&cfg.Cache.Enabled, "cache", cfg.Cache.Enabled, "enable the response cache")
	fs.Var(&cfg.Cache.MaxBytes, "cache-size", "response cache budget")
	fs.StringVar(&cfg.Cache.SQLite, "cache-db", cfg.Cache.SQLite, "SQLite file for the warm cache")
	fs.BoolVar(&cfg.Compression.Enabled, "compress", cfg.Compression.Enabled, "enable response compression")
	return fs
}

// LoadFile merges a YAML file into c. Keys missing from the file keep their
// current values.
func (c *Config) LoadFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}
	return nil
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) { return yaml.Marshal(c) }

var (
	knownSchemes    = []string{"", "none", "public", "basic", "bearer", "any"}
	knownAlgorithms = []string{"gzip", "x-gzip", "deflate", "br", "brotli", "identity"}
	knownLevels     = []string{"trace", "debug", "info", "warn", "error"}
)

func oneOf(v string, set []string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, s := range set {
		if v == s {
			return true
		}
	}
	return false
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Listen == "" {
		fail("listen address is required")
	}
	if !oneOf(c.LogLevel, knownLevels) {
		fail("log_level %q is not one of %v", c.LogLevel, knownLevels)
	}

	s := c.Server
	if s.ReadTimeout <= 0 || s.WriteTimeout <= 0 || s.IdleTimeout <= 0 {
		fail("server timeouts must be positive")
	}
	if s.Workers < 1 {
		fail("server.workers must be at least 1")
	}
	if s.QueueSize < 0 || s.ConnRate < 0 || s.ConnBurst < 0 {
		fail("server.queue_size, conn_rate and conn_burst must not be negative")
	}
	if s.ReadBuffer < 512 {
		fail("server.read_buffer must be at least 512 bytes")
	}

	l := c.Limits
	if l.MaxTarget <= 0 || l.MaxHeader <= 0 || l.MaxHeaders <= 0 || l.MaxBody <= 0 || l.MaxParts <= 0 {
		fail("limits must be positive")
	}
	if l.MaxTarget > l.MaxHeader {
		fail("limits.max_target (%s) exceeds limits.max_header (%s)", l.MaxTarget, l.MaxHeader)
	}

	if c.Cache.Enabled {
		if c.Cache.MaxBytes <= 0 {
			fail("cache.max_bytes must be positive")
		}
		if c.Cache.Shards < 1 {
			fail("cache.shards must be at least 1")
		}
		if c.Cache.SweepCron != "" && !gronx.IsValid(c.Cache.SweepCron) {
			fail("cache.sweep_cron %q is not a valid cron expression", c.Cache.SweepCron)
		}
	}

	for _, a := range c.Compression.Algorithms {
		if !oneOf(a, knownAlgorithms) {
			fail("compression algorithm %q is not supported", a)
		}
	}
	if c.Compression.Level < -2 || c.Compression.Level > 11 {
		fail("compression.level %d is out of range", c.Compression.Level)
	}

	for i, p := range c.Auth.Policies {
		if !strings.HasPrefix(p.Prefix, "/") {
			fail("auth.policies[%d]: prefix %q must start with /", i, p.Prefix)
		}
		if !oneOf(p.Scheme, knownSchemes) {
			fail("auth.policies[%d]: unknown scheme %q", i, p.Scheme)
		}
	}

	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		fail("rate_limit values must not be negative")
	}
	if c.Static.Dir != "" && !strings.HasPrefix(c.Static.Prefix, "/") {
		fail("static.prefix %q must start with /", c.Static.Prefix)
	}

	return errors.Join(errs...)
}
