package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), DefaultFilename)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Image.MaxWidth != DefaultMaxWidth || cfg.Image.MaxHeight != DefaultMaxHeight {
		t.Errorf("image bounds: got %dx%d", cfg.Image.MaxWidth, cfg.Image.MaxHeight)
	}
	if cfg.Cache.Limit != DefaultCacheLimit || cfg.Cache.SameDayCycle != DefaultSameDayCycle {
		t.Errorf("cache: got %+v", cfg.Cache)
	}
	if !cfg.Cache.SameDayMode || !cfg.Overlay.Date || !cfg.Overlay.Filename {
		t.Errorf("flags: got cache %+v overlay %+v", cfg.Cache, cfg.Overlay)
	}
	if cfg.Server.Port != DefaultPort {
		t.Errorf("port: got %d", cfg.Server.Port)
	}
}

func TestLoad_PartialOverride(t *testing.T) {
	cfg := loadFromString(t, `
image:
  max_width: 1024
cache:
  limit: 10
  same_day_mode: false
overlay:
  text: "Living room"
unknown_section:
  foo: bar
`)
	if cfg.Image.MaxWidth != 1024 {
		t.Errorf("max_width: got %d", cfg.Image.MaxWidth)
	}
	if cfg.Image.MaxHeight != DefaultMaxHeight {
		t.Errorf("max_height: got %d, want default", cfg.Image.MaxHeight)
	}
	if cfg.Cache.Limit != 10 || cfg.Cache.SameDayMode {
		t.Errorf("cache: got %+v", cfg.Cache)
	}
	if cfg.Cache.SameDayCycle != DefaultSameDayCycle {
		t.Errorf("same_day_cycle: got %d, want default", cfg.Cache.SameDayCycle)
	}
	if cfg.Overlay.Text != "Living room" || !cfg.Overlay.Date {
		t.Errorf("overlay: got %+v", cfg.Overlay)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"zero width", "image:\n  max_width: 0\n", "max_width"},
		{"quality too high", "image:\n  quality: 101\n", "quality"},
		{"negative limit", "cache:\n  limit: -1\n", "limit"},
		{"negative cycle", "cache:\n  same_day_cycle: -5\n", "same_day_cycle"},
		{"bad port", "server:\n  port: 70000\n", "port"},
		{"bad yaml", "image: [unclosed\n", "parse yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestWatch_Reloads(t *testing.T) {
	path := writeConfig(t, "image:\n  max_width: 800\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Config) { got <- c })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	// Invalid content must not reach onChange.
	if err := os.WriteFile(path, []byte("image:\n  quality: 0\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("image:\n  max_width: 640\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-got:
			if cfg.Image.Quality == 0 {
				t.Fatal("invalid config was delivered")
			}
			if cfg.Image.MaxWidth == 640 {
				cancel()
				if err := <-done; err != nil {
					t.Errorf("Watch returned %v", err)
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
}
