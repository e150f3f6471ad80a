// Package config loads the relay configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/luciancaetano/wsrelay"
)

// Defaults used when a field is absent from the file.
const (
	DefaultMessagesPerSec = 100
	DefaultBurst          = 200
	DefaultLogLevel       = "info"
)

// Config is the on-disk configuration of a relay process.
type Config struct {
	Addr             string        `yaml:"addr"`
	MaxClients       int           `yaml:"max_clients"`
	ReadBufferSize   int           `yaml:"read_buffer_size"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	ReusePort        bool          `yaml:"reuse_port"`
	RawRelay         bool          `yaml:"raw_relay"`
	RateLimit        RateLimit     `yaml:"rate_limit"`
	Log              Log           `yaml:"log"`
}

// RateLimit configures the per-client token bucket.
type RateLimit struct {
	Enabled           bool    `yaml:"enabled"`
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

// Log configures the zap logger.
type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Addr:             wsrelay.DefaultAddr,
		MaxClients:       wsrelay.DefaultMaxClients,
		ReadBufferSize:   wsrelay.DefaultReadBufferSize,
		HandshakeTimeout: wsrelay.DefaultHandshakeTimeout,
		WriteTimeout:     wsrelay.DefaultWriteTimeout,
		RateLimit: RateLimit{
			Enabled:           true,
			MessagesPerSecond: DefaultMessagesPerSec,
			Burst:             DefaultBurst,
		},
		Log: Log{
			Level: DefaultLogLevel,
		},
	}
}

// Load reads path and overlays it on Default. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML data the same way Load does.
func Parse(data []byte) (*Config, error) {
	return decode(bytes.NewReader(data))
}

func decode(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return errors.New("addr must not be empty")
	case c.MaxClients <= 0:
		return fmt.Errorf("max_clients must be positive, got %d", c.MaxClients)
	case c.ReadBufferSize < 126:
		return fmt.Errorf("read_buffer_size must be at least 126, got %d", c.ReadBufferSize)
	case c.HandshakeTimeout < 0:
		return fmt.Errorf("handshake_timeout must not be negative, got %s", c.HandshakeTimeout)
	case c.IdleTimeout < 0:
		return fmt.Errorf("idle_timeout must not be negative, got %s", c.IdleTimeout)
	case c.WriteTimeout < 0:
		return fmt.Errorf("write_timeout must not be negative, got %s", c.WriteTimeout)
	case c.RateLimit.Enabled && c.RateLimit.MessagesPerSecond <= 0:
		return fmt.Errorf("rate_limit.messages_per_second must be positive, got %v", c.RateLimit.MessagesPerSecond)
	case c.RateLimit.Enabled && c.RateLimit.Burst <= 0:
		return fmt.Errorf("rate_limit.burst must be positive, got %d", c.RateLimit.Burst)
	}
	return nil
}
