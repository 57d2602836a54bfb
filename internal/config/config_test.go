package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Addr != ":8000" {
		t.Errorf("Expected addr :8000, got %s", cfg.Server.Addr)
	}
	if cfg.Detection.ConfidenceThreshold != 0.30 {
		t.Errorf("Expected confidence threshold 0.30, got %f", cfg.Detection.ConfidenceThreshold)
	}
	if cfg.Model.InputSize != 640 {
		t.Errorf("Expected input size 640, got %d", cfg.Model.InputSize)
	}
	if cfg.Crop.Quality != 95 {
		t.Errorf("Expected crop quality 95, got %d", cfg.Crop.Quality)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("Expected read timeout 30s, got %v", cfg.Server.ReadTimeout)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "*" {
		t.Errorf("Expected allowed origins [*], got %v", cfg.Server.AllowedOrigins)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
model:
  backend: remote
  remote_url: http://localhost:5000/predict
detection:
  confidence_threshold: 0.45
crop:
  format: webp
  quality: 80
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Model.Backend != "remote" {
		t.Errorf("Expected backend remote, got %s", cfg.Model.Backend)
	}
	if cfg.Detection.ConfidenceThreshold != 0.45 {
		t.Errorf("Expected threshold 0.45, got %f", cfg.Detection.ConfidenceThreshold)
	}
	if cfg.Crop.Format != "webp" || cfg.Crop.Quality != 80 {
		t.Errorf("Expected webp/80, got %s/%d", cfg.Crop.Format, cfg.Crop.Quality)
	}
	// Untouched keys keep their defaults.
	if cfg.Server.Addr != ":8000" {
		t.Errorf("Expected default addr, got %s", cfg.Server.Addr)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("OBJCROP_DETECTION_CONFIDENCE_THRESHOLD", "0.6")
	t.Setenv("OBJCROP_SERVER_ADDR", ":9090")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Detection.ConfidenceThreshold != 0.6 {
		t.Errorf("Expected threshold 0.6, got %f", cfg.Detection.ConfidenceThreshold)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("Expected addr :9090, got %s", cfg.Server.Addr)
	}
}

func TestUnmarshalRejectsBadValues(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("server.read_timeout", "soon")

	if cfg, err := unmarshal(v); err == nil {
		t.Errorf("Expected error for unparsable duration, got %+v", cfg)
	}

	t.Setenv("OBJCROP_SERVER_READ_TIMEOUT", "soon")
	if _, err := Load(""); err == nil {
		t.Error("Expected Load to report the unparsable override")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"threshold above one", func(c *Config) { c.Detection.ConfidenceThreshold = 1.5 }, true},
		{"negative threshold", func(c *Config) { c.Detection.ConfidenceThreshold = -0.1 }, true},
		{"zero threshold", func(c *Config) { c.Detection.ConfidenceThreshold = 0 }, false},
		{"unknown backend", func(c *Config) { c.Model.Backend = "tflite" }, true},
		{"remote without url", func(c *Config) { c.Model.Backend = "remote" }, true},
		{"odd input size", func(c *Config) { c.Model.InputSize = 600 }, true},
		{"png crops", func(c *Config) { c.Crop.Format = "png" }, true},
		{"quality zero", func(c *Config) { c.Crop.Quality = 0 }, true},
		{"no workers", func(c *Config) { c.Crop.Workers = 0 }, true},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("Expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}
