package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"object_cropper/internal/config"
)

// New initializes a Logrus logger that outputs to both stdout and the configured
// log file. When the file cannot be opened it keeps logging to stdout only.
func New(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		log.Warnf("Unknown log level %q, using info", cfg.Level)
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	log.SetOutput(os.Stdout)
	if cfg.File == "" {
		return log
	}
	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		log.Warnf("Failed to log to file %s, using stdout only", cfg.File)
	} else {
		log.SetOutput(io.MultiWriter(os.Stdout, file))
	}
	return log
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
