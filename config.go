package fieldsync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines engine configuration.
type Config struct {
	// DeviceID identifies this device in sync payloads and metrics.
	DeviceID string `yaml:"device_id"`

	// Local holds on-device store settings.
	Local LocalStoreConfig `yaml:"local"`

	// Remote holds remote store client settings.
	Remote RemoteConfig `yaml:"remote"`

	// Sync holds autosave and queue drain settings.
	Sync SyncConfig `yaml:"sync"`

	// Retry configures backoff for remote store calls.
	Retry RetryConfig `yaml:"retry"`

	// Connectivity configures the reachability probe.
	Connectivity ConnectivityConfig `yaml:"connectivity"`

	// Uploads configures the pending attachment uploader.
	// If nil or Enabled is false, pending images stay queued locally.
	Uploads *UploadConfig `yaml:"uploads"`

	// Watcher configures the remote session event stream subscription.
	// If nil, collaborator updates arrive only through explicit loads.
	Watcher *WatcherConfig `yaml:"watcher"`

	// Encryption configures encryption at rest for local payloads.
	// If nil or Enabled is false, payloads are stored unencrypted.
	Encryption *EncryptionConfig `yaml:"encryption"`
}

// LocalStoreConfig groups on-device store settings.
type LocalStoreConfig struct {
	// Path is the SQLite database file path.
	// Default: fieldsync.db
	Path string `yaml:"path"`

	// BusyTimeout is the SQLite lock timeout in milliseconds.
	// Default: 5000
	BusyTimeout int `yaml:"busy_timeout"`

	// Compress enables snappy compression of stored payload blobs.
	// Default: true
	Compress bool `yaml:"compress"`
}

// RemoteConfig groups remote store client settings.
type RemoteConfig struct {
	// Endpoint is the base URL of the remote store service.
	Endpoint string `yaml:"endpoint"`

	// APIKey authenticates requests. Prefer environment configuration
	// over committing keys to config files.
	APIKey string `yaml:"api_key"`

	// Timeout bounds each HTTP request.
	// Default: 30s
	Timeout time.Duration `yaml:"timeout"`

	// BreakerFailures is the consecutive failure count that opens the
	// circuit breaker. Default: 5
	BreakerFailures int `yaml:"breaker_failures"`

	// BreakerReset is how long the breaker stays open before probing.
	// Default: 60s
	BreakerReset time.Duration `yaml:"breaker_reset"`
}

// SyncConfig groups autosave and reconciliation settings.
type SyncConfig struct {
	// AutosaveInterval is how often open sessions are flushed to the
	// local store. Default: 60s
	AutosaveInterval time.Duration `yaml:"autosave_interval"`

	// DrainInterval is how often the intent queue is drained against
	// the remote while online. Default: 30s
	DrainInterval time.Duration `yaml:"drain_interval"`

	// CacheTTL bounds the age of cached session reads.
	// Default: 5m
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// ConnectivityConfig groups reachability probe settings.
type ConnectivityConfig struct {
	// ProbeAddress is the host:port dialed to test reachability.
	// Defaults to the remote endpoint host.
	ProbeAddress string `yaml:"probe_address"`

	// ProbeInterval is how often reachability is tested.
	// Default: 15s
	ProbeInterval time.Duration `yaml:"probe_interval"`

	// ProbeTimeout bounds each probe dial.
	// Default: 3s
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// UploadConfig configures the pending attachment uploader.
type UploadConfig struct {
	// Enabled turns on background upload of pending image blobs.
	Enabled bool `yaml:"enabled"`

	// Bucket is the destination bucket for attachments.
	Bucket string `yaml:"bucket"`

	// Region is the bucket region.
	Region string `yaml:"region"`

	// Endpoint overrides the service endpoint for S3-compatible stores
	// (MinIO etc.).
	Endpoint string `yaml:"endpoint"`

	// Prefix is prepended to every object key.
	Prefix string `yaml:"prefix"`

	// AccessKeyID and SecretAccessKey authenticate uploads. Prefer IAM
	// roles or environment variables over setting these directly.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	// UsePathStyle enables path-style addressing.
	UsePathStyle bool `yaml:"use_path_style"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DeviceID: "device-1",
		Local: LocalStoreConfig{
			Path:        "fieldsync.db",
			BusyTimeout: 5000,
			Compress:    true,
		},
		Remote: RemoteConfig{
			Timeout:         30 * time.Second,
			BreakerFailures: 5,
			BreakerReset:    60 * time.Second,
		},
		Sync: SyncConfig{
			AutosaveInterval: 60 * time.Second,
			DrainInterval:    30 * time.Second,
			CacheTTL:         5 * time.Minute,
		},
		Retry: DefaultRetryConfig(),
		Connectivity: ConnectivityConfig{
			ProbeInterval: 15 * time.Second,
			ProbeTimeout:  3 * time.Second,
		},
	}
}

// LoadConfig reads a YAML configuration file, overlaying it on the
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills zero values left by a partial config file.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.DeviceID == "" {
		c.DeviceID = def.DeviceID
	}
	if c.Local.Path == "" {
		c.Local.Path = def.Local.Path
	}
	if c.Local.BusyTimeout <= 0 {
		c.Local.BusyTimeout = def.Local.BusyTimeout
	}
	if c.Remote.Timeout <= 0 {
		c.Remote.Timeout = def.Remote.Timeout
	}
	if c.Remote.BreakerFailures <= 0 {
		c.Remote.BreakerFailures = def.Remote.BreakerFailures
	}
	if c.Remote.BreakerReset <= 0 {
		c.Remote.BreakerReset = def.Remote.BreakerReset
	}
	if c.Sync.AutosaveInterval <= 0 {
		c.Sync.AutosaveInterval = def.Sync.AutosaveInterval
	}
	if c.Sync.DrainInterval <= 0 {
		c.Sync.DrainInterval = def.Sync.DrainInterval
	}
	if c.Sync.CacheTTL <= 0 {
		c.Sync.CacheTTL = def.Sync.CacheTTL
	}
	if c.Connectivity.ProbeInterval <= 0 {
		c.Connectivity.ProbeInterval = def.Connectivity.ProbeInterval
	}
	if c.Connectivity.ProbeTimeout <= 0 {
		c.Connectivity.ProbeTimeout = def.Connectivity.ProbeTimeout
	}
}
