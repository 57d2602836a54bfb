package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"object_cropper/internal/config"
	"object_cropper/internal/detector"
	"object_cropper/internal/imgproc"
	"object_cropper/internal/logging"
	"object_cropper/internal/pipeline"
	"object_cropper/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (default: config.yaml in . or ./configs)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(cfg.Log)
	logger.Info("Logger initialized")

	// Initialize model on startup.
	det, err := detector.Initialize(cfg.Model, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize detector: %v", err)
	}
	defer det.Close()

	enc, err := imgproc.NewEncoder(cfg.Crop.Format, cfg.Crop.Quality)
	if err != nil {
		logger.Fatalf("Failed to create crop encoder: %v", err)
	}

	p := pipeline.New(det, enc, pipeline.Options{
		ConfidenceThreshold: cfg.Detection.ConfidenceThreshold,
		EncodeWorkers:       cfg.Crop.Workers,
	}, logger)

	srv := server.New(p, cfg.Server, cfg.Model.Backend, len(det.Vocabulary()), logger).HTTPServer()

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Server starting on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Infof("Received %s, shutting down", sig)
	case err := <-errCh:
		logger.Errorf("Server failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Graceful shutdown failed: %v", err)
	}
	logger.Info("Server stopped")
}
