// Package api exposes an ImageCache over HTTP
package api

import (
	"bytes"
	"context"
	"encoding/json"
	stderr "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/objectfs/imagecache/internal/cache"
	"github.com/objectfs/imagecache/pkg/errors"
	"github.com/objectfs/imagecache/pkg/health"
	"github.com/objectfs/imagecache/pkg/utils"
)

// Server provides HTTP endpoints for cache access and monitoring
type Server struct {
	httpServer    *http.Server
	cache         *cache.ImageCache
	healthTracker *health.Tracker
	metrics       http.Handler
	config        ServerConfig
	logger        *slog.Logger
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "localhost:8080")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// MaxBodyBytes bounds the size of an uploaded image
	MaxBodyBytes int64 `yaml:"max_body_bytes" json:"max_body_bytes"`

	// EnableCORS enables Cross-Origin Resource Sharing
	EnableCORS bool `yaml:"enable_cors" json:"enable_cors"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "localhost:8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		MaxBodyBytes: 32 << 20,
		EnableCORS:   false,
	}
}

// NewServer creates a new API server. healthTracker and metricsHandler may
// be nil; /metrics is only routed when a handler is given.
func NewServer(config ServerConfig, c *cache.ImageCache, healthTracker *health.Tracker,
	metricsHandler http.Handler, logger *slog.Logger) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultServerConfig().MaxBodyBytes
	}
	if logger == nil {
		logger = utils.DiscardLogger()
	}

	s := &Server{
		cache:         c,
		healthTracker: healthTracker,
		metrics:       metricsHandler,
		config:        config,
		logger:        logger.With("component", "api"),
	}

	s.httpServer = &http.Server{
		Addr:              config.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       config.ReadTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}

	return s
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Image endpoints
	mux.HandleFunc("GET /images/{key...}", s.handleGetImage)
	mux.HandleFunc("PUT /images/{key...}", s.handlePutImage)
	mux.HandleFunc("DELETE /images/{key...}", s.handleDeleteImage)
	mux.HandleFunc("DELETE /images", s.handleClear)

	// Health endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/live", s.handleLiveness)
	mux.HandleFunc("GET /health/ready", s.handleReadiness)

	mux.HandleFunc("GET /stats", s.handleStats)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	handler := s.loggingMiddleware(mux)
	if s.config.EnableCORS {
		handler = s.corsMiddleware(handler)
	}
	return handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting API server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// StartBackground starts the server in a background goroutine
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", "error", err)
		}
	}()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Image endpoint handlers

func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	format := cache.FormatPNG
	if f := r.URL.Query().Get("format"); f != "" {
		parsed, err := cache.ParseFormat(f)
		if err != nil {
			s.respondCacheError(w, err)
			return
		}
		format = parsed
	}
	quality, err := qualityParam(r)
	if err != nil {
		s.respondCacheError(w, err)
		return
	}

	img, ok := s.cache.GetContext(r.Context(), key)
	if !ok {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("image not cached: %s", key))
		return
	}

	var buf bytes.Buffer
	if err := cache.Encode(&buf, img, format, quality); err != nil {
		s.respondCacheError(w, err)
		return
	}

	w.Header().Set("Content-Type", format.MimeType())
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		s.logger.Debug("failed to write image response", "key", key, "error", err)
	}
}

func (s *Server) handlePutImage(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	quality, err := qualityParam(r)
	if err != nil {
		s.respondCacheError(w, err)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderr.As(err, &tooLarge) {
			s.respondError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("image exceeds %s", utils.FormatBytes(s.config.MaxBodyBytes)))
			return
		}
		s.respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	img, decoded, err := cache.Decode(data)
	if err != nil {
		s.respondCacheError(w, err)
		return
	}

	mimeType := r.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = "image/" + decoded
	}

	if err := s.cache.PutWithMimeType(key, img, mimeType, quality); err != nil {
		s.respondCacheError(w, err)
		return
	}

	s.respondJSON(w, http.StatusCreated, map[string]interface{}{
		"key":    key,
		"width":  img.Bounds().Dx(),
		"height": img.Bounds().Dy(),
		"cost":   cache.ImageCost(img),
	})
}

func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.Remove(r.PathValue("key")); err != nil {
		s.respondCacheError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.Clear(); err != nil {
		s.respondCacheError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health endpoint handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":     "healthy",
		"cache":      s.cache.State().String(),
		"timestamp":  time.Now(),
		"components": map[string]health.ComponentHealth{},
	}

	statusCode := http.StatusOK
	if s.healthTracker != nil {
		overallHealth := s.healthTracker.GetOverallHealth()
		response["status"] = overallHealth.String()
		response["components"] = s.healthTracker.GetAllComponents()

		// The memory tier keeps serving when the disk tier is down.
		if overallHealth == health.StateDegraded || overallHealth == health.StateUnavailable {
			statusCode = http.StatusPartialContent
		}
	}

	s.respondJSON(w, statusCode, response)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	state := s.cache.State()
	ready := state != cache.StateInitializing

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}

	s.respondJSON(w, statusCode, map[string]interface{}{
		"ready":     ready,
		"state":     state.String(),
		"timestamp": time.Now(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.cache.Stats())
}

// Middleware

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Helper methods

func qualityParam(r *http.Request) (int, error) {
	q := r.URL.Query().Get("quality")
	if q == "" {
		return cache.DefaultQuality, nil
	}
	quality, err := strconv.Atoi(q)
	if err != nil || quality < 0 || quality > 100 {
		return 0, errors.Newf(errors.ErrCodeInvalidArgument, "quality must be an integer in [0, 100], got %q", q)
	}
	return quality, nil
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("error encoding JSON response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}

// respondCacheError maps a CacheError to its HTTP status and code.
func (s *Server) respondCacheError(w http.ResponseWriter, err error) {
	var cacheErr *errors.CacheError
	if !stderr.As(err, &cacheErr) {
		cacheErr = errors.NewError(errors.ErrCodeInternalError, "unexpected error").
			WithComponent("api").
			WithCause(err).
			WithStack()
		s.logger.Error("unexpected request error", "error", err, "stack", cacheErr.Stack)
		err = cacheErr
	}

	status := cacheErr.HTTPStatus
	if status == 0 {
		status = errors.GetDefaultHTTPStatus(cacheErr.Code)
	}
	if status >= http.StatusInternalServerError && cacheErr.Stack == "" {
		s.logger.Warn("request failed", "error", err)
	}

	s.respondJSON(w, status, map[string]interface{}{
		"error":     err.Error(),
		"code":      cacheErr.Code,
		"timestamp": time.Now(),
	})
}
