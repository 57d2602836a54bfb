// Package server exposes the detection pipeline over HTTP and WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"object_cropper/internal/config"
	"object_cropper/internal/detector"
	"object_cropper/internal/imgproc"
	"object_cropper/internal/pipeline"
	"object_cropper/internal/system"
)

// Server routes requests to a pipeline.
type Server struct {
	pipeline  *pipeline.Pipeline
	cfg       config.ServerConfig
	backend   string
	labels    int
	log       logrus.FieldLogger
	upgrader  websocket.Upgrader
	maxUpload int64
}

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status            string  `json:"status"`
	Backend           string  `json:"backend"`
	Labels            int     `json:"labels"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`
}

// New creates a server. backend and labels are reported by /health.
func New(p *pipeline.Pipeline, cfg config.ServerConfig, backend string, labels int, log logrus.FieldLogger) *Server {
	maxUpload := cfg.MaxUploadMB << 20
	if maxUpload <= 0 {
		maxUpload = 32 << 20
	}
	s := &Server{
		pipeline:  p,
		cfg:       cfg,
		backend:   backend,
		labels:    labels,
		log:       log,
		maxUpload: maxUpload,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		CheckOrigin:       s.checkOrigin,
		EnableCompression: true,
	}
	return s
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/detect", s.handleDetection)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleStream)
	return s.cors(mux)
}

// HTTPServer returns an http.Server listening on the configured address.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
}

func (s *Server) handleDetection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondError(w, http.StatusRequestEntityTooLarge, "Upload exceeds the size limit")
			return
		}
		s.respondError(w, http.StatusBadRequest, "Failed to parse form")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "Missing file field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "Failed to read file")
		return
	}

	start := time.Now()
	result, err := s.pipeline.Run(r.Context(), data)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.log.Errorf("Detection failed: %v", err)
		} else {
			s.log.Debugf("Rejected upload: %v", err)
		}
		s.respondError(w, status, err.Error())
		return
	}

	s.log.WithFields(logrus.Fields{
		"detections": len(result.Detections),
		"elapsed":    time.Since(start),
	}).Info("Detection completed")
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	used, err := system.MemoryUsedPercent()
	if err != nil {
		s.log.Warnf("Failed to read memory usage: %v", err)
	}
	s.respondJSON(w, http.StatusOK, healthResponse{
		Status:            "ok",
		Backend:           s.backend,
		Labels:            s.labels,
		MemoryUsedPercent: used,
	})
}

// handleStream answers every binary frame with a detection result, or an
// error object for that frame, until the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.maxUpload)

	log := s.log.WithField("remote", r.RemoteAddr)
	log.Info("Stream opened")
	frames := 0
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warnf("Stream closed: %v", err)
			}
			break
		}
		frames++

		var reply interface{}
		if kind != websocket.BinaryMessage {
			reply = errorResponse{Error: "expected a binary image frame"}
		} else if result, err := s.runFrame(r.Context(), data); err != nil {
			reply = errorResponse{Error: err.Error()}
		} else {
			reply = result
		}
		if err := conn.WriteJSON(reply); err != nil {
			log.Warnf("Failed to write frame result: %v", err)
			break
		}
	}
	log.WithField("frames", frames).Info("Stream finished")
}

func (s *Server) runFrame(ctx context.Context, data []byte) (*pipeline.Result, error) {
	result, err := s.pipeline.Run(ctx, data)
	if err != nil && statusFor(err) >= http.StatusInternalServerError {
		s.log.Errorf("Frame detection failed: %v", err)
	}
	return result, err
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowedOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "*")
			w.Header().Set("Access-Control-Allow-Headers", "*")
			if origin != "*" {
				w.Header().Add("Vary", "Origin")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowedOrigin returns the Access-Control-Allow-Origin value for origin, or
// "" when it is not allowed.
func (s *Server) allowedOrigin(origin string) string {
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" {
			return "*"
		}
		if origin != "" && o == origin {
			return origin
		}
	}
	return ""
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.allowedOrigin(origin) != ""
}

// statusFor maps a pipeline error to an HTTP status.
func statusFor(err error) int {
	var infErr *detector.InferenceError
	switch {
	case errors.Is(err, imgproc.ErrDecode):
		return http.StatusBadRequest
	case errors.As(err, &infErr) && infErr.Backend == "remote":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorf("Failed to encode JSON response: %v", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, errorResponse{Error: msg})
}
