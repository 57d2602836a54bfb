package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. OBJCROP_MODEL_PATH.
const EnvPrefix = "OBJCROP"

// Config holds the application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Model     ModelConfig     `mapstructure:"model"`
	Detection DetectionConfig `mapstructure:"detection"`
	Crop      CropConfig      `mapstructure:"crop"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig holds the HTTP transport settings.
type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	MaxUploadMB    int64         `mapstructure:"max_upload_mb"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// ModelConfig selects and tunes the detector backend.
type ModelConfig struct {
	Backend       string        `mapstructure:"backend"`
	Path          string        `mapstructure:"path"`
	SharedLibrary string        `mapstructure:"shared_library"`
	Labels        string        `mapstructure:"labels"`
	InputSize     int           `mapstructure:"input_size"`
	MinScore      float32       `mapstructure:"min_score"`
	IoUThreshold  float32       `mapstructure:"iou_threshold"`
	Sessions      int           `mapstructure:"sessions"`
	RemoteURL     string        `mapstructure:"remote_url"`
	RemoteTimeout time.Duration `mapstructure:"remote_timeout"`
	RemoteRetries int           `mapstructure:"remote_retries"`
}

// DetectionConfig holds the post-processing settings.
type DetectionConfig struct {
	ConfidenceThreshold float32 `mapstructure:"confidence_threshold"`
}

// CropConfig holds the crop encoding settings.
type CropConfig struct {
	Format  string `mapstructure:"format"`
	Quality int    `mapstructure:"quality"`
	Workers int    `mapstructure:"workers"`
}

// LogConfig holds the logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// setDefaults registers every key so environment overrides are picked up on Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.max_upload_mb", 32)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)

	v.SetDefault("model.backend", "onnx")
	v.SetDefault("model.path", "yolov8s.onnx")
	v.SetDefault("model.shared_library", "")
	v.SetDefault("model.labels", "")
	v.SetDefault("model.input_size", 640)
	v.SetDefault("model.min_score", 0.25)
	v.SetDefault("model.iou_threshold", 0.7)
	v.SetDefault("model.sessions", 0)
	v.SetDefault("model.remote_url", "")
	v.SetDefault("model.remote_timeout", 30*time.Second)
	v.SetDefault("model.remote_retries", 2)

	v.SetDefault("detection.confidence_threshold", 0.30)

	v.SetDefault("crop.format", "jpeg")
	v.SetDefault("crop.quality", 95)
	v.SetDefault("crop.workers", 4)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "app.log")
}

// Default returns a configuration with default values. It panics if the
// registered defaults do not decode.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := unmarshal(v)
	if err != nil {
		panic(err)
	}
	return cfg
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Load reads the configuration from path, or from config.yaml in the working
// directory or ./configs when path is empty. A missing default file is not an
// error. Environment variables override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}
	if c.Server.MaxUploadMB < 1 {
		return fmt.Errorf("server.max_upload_mb must be positive")
	}

	switch c.Model.Backend {
	case "onnx":
		if c.Model.Path == "" {
			return fmt.Errorf("model.path cannot be empty for the onnx backend")
		}
	case "remote":
		if c.Model.RemoteURL == "" {
			return fmt.Errorf("model.remote_url cannot be empty for the remote backend")
		}
	default:
		return fmt.Errorf("model.backend must be onnx or remote, got %q", c.Model.Backend)
	}
	if c.Model.InputSize < 32 || c.Model.InputSize%32 != 0 {
		return fmt.Errorf("model.input_size must be a positive multiple of 32")
	}
	if c.Model.MinScore < 0 || c.Model.MinScore > 1 {
		return fmt.Errorf("model.min_score must be between 0 and 1")
	}
	if c.Model.IoUThreshold <= 0 || c.Model.IoUThreshold > 1 {
		return fmt.Errorf("model.iou_threshold must be in (0, 1]")
	}
	if c.Model.Sessions < 0 {
		return fmt.Errorf("model.sessions cannot be negative")
	}
	if c.Model.RemoteRetries < 0 {
		return fmt.Errorf("model.remote_retries cannot be negative")
	}

	if c.Detection.ConfidenceThreshold < 0 || c.Detection.ConfidenceThreshold > 1 {
		return fmt.Errorf("detection.confidence_threshold must be between 0 and 1")
	}

	switch c.Crop.Format {
	case "jpeg", "jpg", "webp":
	default:
		return fmt.Errorf("crop.format must be jpeg or webp, got %q", c.Crop.Format)
	}
	if c.Crop.Quality < 1 || c.Crop.Quality > 100 {
		return fmt.Errorf("crop.quality must be between 1 and 100")
	}
	if c.Crop.Workers < 1 {
		return fmt.Errorf("crop.workers must be positive")
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}
