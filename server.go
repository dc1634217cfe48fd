// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package seqlabel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// DefaultShutdownTimeout is the maximum time to wait for graceful shutdown
const DefaultShutdownTimeout = 30 * time.Second

// Server serves predictions for the checkpoints of one models directory
type Server struct {
	logger *zap.Logger

	registry     *ModelRegistry
	requestQueue *RequestQueue
	cache        *PredictionCache
}

// NewServer builds the model registry, request queue and prediction cache
// described by config
func NewServer(config Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.withDefaults()

	requestTimeout, err := parseDuration("request_timeout", config.RequestTimeout, 0)
	if err != nil {
		return nil, err
	}
	cacheTTL, err := parseDuration("cache_ttl", config.CacheTTL, DefaultCacheTTL)
	if err != nil {
		return nil, err
	}

	registry, err := NewModelRegistry(config, logger.Named("registry"))
	if err != nil {
		return nil, fmt.Errorf("creating model registry: %w", err)
	}

	s := &Server{
		logger:   logger,
		registry: registry,
		requestQueue: NewRequestQueue(RequestQueueConfig{
			MaxConcurrentRequests: config.MaxConcurrentRequests,
			MaxQueueSize:          config.MaxQueueSize,
			RequestTimeout:        requestTimeout,
		}, logger.Named("queue")),
	}
	if cacheTTL > 0 {
		s.cache = NewPredictionCache(cacheTTL, logger.Named("cache"))
	}
	return s, nil
}

// Registry returns the server's model registry
func (s *Server) Registry() *ModelRegistry {
	return s.registry
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	rootMux := http.NewServeMux()

	// Health endpoints (outside /api prefix for k8s compatibility)
	rootMux.HandleFunc("GET /healthz", s.handleHealthz)
	rootMux.HandleFunc("GET /readyz", s.handleReadyz)
	rootMux.Handle("/api/", newAPIHandler(s))

	return corsMiddleware(rootMux)
}

// Close stops the cache and unloads every model
func (s *Server) Close() error {
	s.cache.Close()
	return s.registry.Close()
}

// corsMiddleware adds permissive CORS headers for the API
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With, Accept, Origin")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RunAsServer runs the prediction server until ctx is done.
// If readyC is non-nil, it will be closed when the server is ready to accept requests.
func RunAsServer(ctx context.Context, zl *zap.Logger, config Config, readyC chan struct{}) {
	zl = zl.Named("seqlabel")
	config = config.withDefaults()
	zl.Info("Starting seqlabel server", zap.Any("config", config))

	u, err := url.Parse(config.ApiUrl)
	if err != nil {
		zl.Fatal("Invalid API URL", zap.String("url", config.ApiUrl), zap.Error(err))
	}

	s, err := NewServer(config, zl)
	if err != nil {
		zl.Fatal("Failed to create server", zap.Error(err))
	}
	defer func() {
		if err := s.Close(); err != nil {
			zl.Warn("Error closing server", zap.Error(err))
		}
	}()

	if err := s.registry.Preload(ctx, config.Preload); err != nil {
		zl.Warn("Preloading failed", zap.Error(err))
	}

	srv := &http.Server{
		Addr:        u.Host,
		Handler:     s.Handler(),
		ReadTimeout: 540 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		zl.Info("Seqlabel api server starting", zap.String("address", config.ApiUrl))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	if readyC != nil {
		close(readyC)
	}

	select {
	case err := <-serverErr:
		if err != nil {
			zl.Fatal("HTTP server error", zap.Error(err))
		}
	case <-ctx.Done():
		zl.Info("Shutdown signal received, starting graceful shutdown...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer shutdownCancel()

	srv.SetKeepAlivesEnabled(false)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("Graceful shutdown failed, forcing close",
			zap.Error(err),
			zap.Duration("timeout", DefaultShutdownTimeout))
		_ = srv.Close()
	} else {
		zl.Info("Graceful shutdown completed successfully")
	}

	zl.Info("HTTP server stopped")
}
