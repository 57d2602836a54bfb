package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"object_cropper/internal/config"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	log := New(config.LogConfig{Level: "debug", Format: "json", File: path})

	if log.GetLevel() != logrus.DebugLevel {
		t.Errorf("Expected debug level, got %s", log.GetLevel())
	}
	if _, ok := log.Formatter.(*logrus.JSONFormatter); !ok {
		t.Errorf("Expected JSON formatter, got %T", log.Formatter)
	}

	log.WithField("detections", 2).Info("request done")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), `"detections":2`) {
		t.Errorf("Expected structured field in log file, got %q", string(data))
	}
}

func TestNewUnknownLevel(t *testing.T) {
	log := New(config.LogConfig{Level: "chatty", Format: "text"})
	if log.GetLevel() != logrus.InfoLevel {
		t.Errorf("Expected info fallback, got %s", log.GetLevel())
	}
	if _, ok := log.Formatter.(*logrus.TextFormatter); !ok {
		t.Errorf("Expected text formatter, got %T", log.Formatter)
	}
}
