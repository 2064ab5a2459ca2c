package fieldsync

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Local.Path != "fieldsync.db" {
		t.Errorf("unexpected default path: %s", cfg.Local.Path)
	}
	if cfg.Sync.AutosaveInterval != 60*time.Second {
		t.Errorf("unexpected autosave interval: %v", cfg.Sync.AutosaveInterval)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("unexpected retry attempts: %d", cfg.Retry.MaxAttempts)
	}
	if !cfg.Local.Compress {
		t.Error("compression should default on")
	}
}

func TestLoadConfigOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
device_id: tablet-7
local:
  path: /data/field.db
remote:
  endpoint: https://api.example.com
  timeout: 10s
sync:
  autosave_interval: 30s
retry:
  max_attempts: 5
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DeviceID != "tablet-7" {
		t.Errorf("expected tablet-7, got %s", cfg.DeviceID)
	}
	if cfg.Local.Path != "/data/field.db" {
		t.Errorf("expected overridden path, got %s", cfg.Local.Path)
	}
	if cfg.Remote.Timeout != 10*time.Second {
		t.Errorf("expected 10s timeout, got %v", cfg.Remote.Timeout)
	}
	if cfg.Sync.AutosaveInterval != 30*time.Second {
		t.Errorf("expected 30s autosave, got %v", cfg.Sync.AutosaveInterval)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("expected 5 attempts, got %d", cfg.Retry.MaxAttempts)
	}

	// Untouched fields keep their defaults.
	if cfg.Local.BusyTimeout != 5000 {
		t.Errorf("expected default busy timeout, got %d", cfg.Local.BusyTimeout)
	}
	if cfg.Sync.DrainInterval != 30*time.Second {
		t.Errorf("expected default drain interval, got %v", cfg.Sync.DrainInterval)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected an error for a missing config file")
	}
}
