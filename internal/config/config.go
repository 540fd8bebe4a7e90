// Package config loads photomatic's YAML configuration.
//
// A missing file is not an error: every setting has a default, and a file
// only needs to name the values it changes. Unknown keys are ignored.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultMaxWidth     = 2080
	DefaultMaxHeight    = 768
	DefaultQuality      = 50
	DefaultCacheLimit   = 2000
	DefaultSameDayCycle = 100
	DefaultPort         = 5000
	DefaultFilename     = "config.yaml"
)

// Config is the top-level configuration.
type Config struct {
	Image   ImageConfig   `yaml:"image"`
	Cache   CacheConfig   `yaml:"cache"`
	Overlay OverlayConfig `yaml:"overlay"`
	Server  ServerConfig  `yaml:"server"`
}

// ImageConfig bounds the derived images.
type ImageConfig struct {
	// MaxWidth and MaxHeight bound the output; images are never upscaled.
	MaxWidth  int `yaml:"max_width"`
	MaxHeight int `yaml:"max_height"`

	// Quality is the JPEG quality, 1 to 100.
	Quality int `yaml:"quality"`
}

// CacheConfig controls the derived image cache and same-day selection.
type CacheConfig struct {
	// Limit is the number of derived images kept before eviction starts.
	// 0 disables eviction.
	Limit int `yaml:"limit"`

	// SameDayMode walks photos taken on today's date before falling back
	// to random picks.
	SameDayMode bool `yaml:"same_day_mode"`

	// SameDayCycle restarts the same-day walk after this many photos.
	// 0 never restarts.
	SameDayCycle int `yaml:"same_day_cycle"`
}

// OverlayConfig selects the captions drawn on derived images.
type OverlayConfig struct {
	Date     bool   `yaml:"date"`
	Filename bool   `yaml:"filename"`
	Text     string `yaml:"text"`
}

// ServerConfig holds the HTTP server and directory settings. Command-line
// flags override these.
type ServerConfig struct {
	Port        int    `yaml:"port"`
	PhotosDir   string `yaml:"photos_dir"`
	InstanceDir string `yaml:"instance_dir"`
}

// Load reads and parses the YAML config file at path. A missing file yields
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config pre-populated with default values.
func Default() *Config {
	return &Config{
		Image: ImageConfig{
			MaxWidth:  DefaultMaxWidth,
			MaxHeight: DefaultMaxHeight,
			Quality:   DefaultQuality,
		},
		Cache: CacheConfig{
			Limit:        DefaultCacheLimit,
			SameDayMode:  true,
			SameDayCycle: DefaultSameDayCycle,
		},
		Overlay: OverlayConfig{
			Date:     true,
			Filename: true,
		},
		Server: ServerConfig{
			Port:        DefaultPort,
			InstanceDir: "instance",
		},
	}
}

// validate checks structural constraints.
func validate(cfg *Config) error {
	if cfg.Image.MaxWidth <= 0 {
		return fmt.Errorf("image.max_width must be positive")
	}
	if cfg.Image.MaxHeight <= 0 {
		return fmt.Errorf("image.max_height must be positive")
	}
	if cfg.Image.Quality < 1 || cfg.Image.Quality > 100 {
		return fmt.Errorf("image.quality must be between 1 and 100")
	}
	if cfg.Cache.Limit < 0 {
		return fmt.Errorf("cache.limit must not be negative")
	}
	if cfg.Cache.SameDayCycle < 0 {
		return fmt.Errorf("cache.same_day_cycle must not be negative")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", cfg.Server.Port)
	}
	return nil
}
