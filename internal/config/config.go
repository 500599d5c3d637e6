// Package config loads the global ~/.chatlink/config.toml and resolves the
// session encryption key. Timing knobs all have working defaults; the
// encryption key deliberately has none and must come from the environment
// or the config file.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// EncryptionKeyEnv is the environment variable holding the session
// encryption key. It takes precedence over the config file.
const EncryptionKeyEnv = "CHATLINK_ENCRYPTION_KEY"

// ErrNoEncryptionKey is returned when neither the environment nor the
// config file provides an encryption key.
var ErrNoEncryptionKey = errors.New("no encryption key: set " + EncryptionKeyEnv + " or encryption_key in config.toml")

// Config represents the global ~/.chatlink/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	// ServerURL is the websocket endpoint of the messaging server.
	ServerURL string `toml:"server_url"`
	// APIBaseURL is the base URL of the REST collaborator service.
	APIBaseURL string `toml:"api_base_url"`
	// ProbeURL is polled by the connectivity monitor. Defaults to APIBaseURL.
	ProbeURL string `toml:"probe_url"`

	// EncryptionKey is the session message key. EncryptionKeyEnv wins when
	// both are set. There is no built-in default.
	EncryptionKey string `toml:"encryption_key"`

	Heartbeat Heartbeat `toml:"heartbeat"`
	Reconnect Reconnect `toml:"reconnect"`
}

// Heartbeat holds liveness-probe timing.
type Heartbeat struct {
	IntervalSeconds int `toml:"interval_seconds"`
	TimeoutSeconds  int `toml:"timeout_seconds"`
}

// Reconnect holds reconnection backoff timing.
type Reconnect struct {
	DelaySeconds     int `toml:"delay_seconds"`
	LongDelaySeconds int `toml:"long_delay_seconds"`
	QuickRetries     int `toml:"quick_retries"`
}

// Load reads config from the given path and applies defaults. Returns an
// error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Default returns a config with only the timing defaults filled in.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Heartbeat.IntervalSeconds == 0 {
		c.Heartbeat.IntervalSeconds = 30
	}
	if c.Heartbeat.TimeoutSeconds == 0 {
		c.Heartbeat.TimeoutSeconds = 60
	}
	if c.Reconnect.DelaySeconds == 0 {
		c.Reconnect.DelaySeconds = 3
	}
	if c.Reconnect.LongDelaySeconds == 0 {
		c.Reconnect.LongDelaySeconds = 30
	}
	if c.Reconnect.QuickRetries == 0 {
		c.Reconnect.QuickRetries = 5
	}
	if c.ProbeURL == "" {
		c.ProbeURL = c.APIBaseURL
	}
}

// ResolveEncryptionKey returns the session encryption key, preferring the
// environment over the config file. A missing key is an error, never a
// silent fallback.
func (c *Config) ResolveEncryptionKey() (string, error) {
	if key := os.Getenv(EncryptionKeyEnv); key != "" {
		return key, nil
	}
	if c.EncryptionKey != "" {
		return c.EncryptionKey, nil
	}
	return "", ErrNoEncryptionKey
}

// HeartbeatInterval returns the liveness probe period.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalSeconds) * time.Second
}

// HeartbeatTimeout returns how long a missing ack is tolerated before the
// connection is treated as dead.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Heartbeat.TimeoutSeconds) * time.Second
}

// ReconnectDelay returns the short delay used for the first quick retries.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Reconnect.DelaySeconds) * time.Second
}

// LongReconnectDelay returns the escalated delay used after the quick
// retries are exhausted.
func (c *Config) LongReconnectDelay() time.Duration {
	return time.Duration(c.Reconnect.LongDelaySeconds) * time.Second
}
