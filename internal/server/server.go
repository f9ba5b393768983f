// Package server wires configuration, the export pipeline and the HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/snapthumb/snapthumb/internal/cache"
	"github.com/snapthumb/snapthumb/internal/config"
	"github.com/snapthumb/snapthumb/internal/events"
	"github.com/snapthumb/snapthumb/internal/exporter"
	"github.com/snapthumb/snapthumb/internal/handler"
	"github.com/snapthumb/snapthumb/internal/middleware"
	"github.com/snapthumb/snapthumb/pkg/codec"
	"github.com/snapthumb/snapthumb/pkg/compress"
)

// Server owns every long-lived component of the API.
type Server struct {
	cfg     *config.Config
	log     logrus.FieldLogger
	router  *mux.Router
	store   cache.Store
	hub     *events.Hub
	pool    *exporter.WorkerPool
	limiter *middleware.RateLimiter
	http    *http.Server
}

// NewCompressor builds the compressor described by cfg.
func NewCompressor(cfg *config.Config, store cache.Store, log logrus.FieldLogger) *compress.Compressor {
	var codecOpts []codec.Option
	if !cfg.Compression.WebPEnabled {
		codecOpts = append(codecOpts, codec.WithoutWebP())
	}

	opts := []compress.Option{
		compress.WithCodec(codec.New(codecOpts...)),
		compress.WithLogger(log),
	}
	if store != nil {
		opts = append(opts, compress.WithCache(store))
	}
	if !cfg.Compression.AllowResize {
		opts = append(opts, compress.WithoutResize())
	}
	return compress.New(opts...)
}

// New builds the server. Call Close to release the cache and the worker pool.
func New(cfg *config.Config, log logrus.FieldLogger) (*Server, error) {
	defaults, err := cfg.Options()
	if err != nil {
		return nil, err
	}

	store, err := cache.Open(cfg.Cache, log)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	hub := events.NewHub(log)
	exp := exporter.New(NewCompressor(cfg, store, log),
		exporter.WithLogger(log),
		exporter.WithPublisher(hub),
		exporter.WithMaxFileSize(cfg.MaxUploadBytes()),
	)
	pool := exporter.NewWorkerPool(exp, cfg.Server.WorkerCount, cfg.Server.QueueSize, log)
	pool.Start()

	s := &Server{
		cfg:     cfg,
		log:     log,
		router:  mux.NewRouter(),
		store:   store,
		hub:     hub,
		pool:    pool,
		limiter: middleware.NewRateLimiter(cfg.Server.RateLimitPerSec, cfg.Server.RateLimitBurst),
	}
	s.setupRoutes(handler.New(pool, defaults, cfg.MaxUploadBytes(), log))
	return s, nil
}

func (s *Server) setupRoutes(h *handler.Handler) {
	s.router.Use(middleware.Security, middleware.RequestID)

	// API routes: security -> rate limit -> concurrency -> recovery -> logger
	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(
		middleware.RateLimit(s.limiter, s.log),
		middleware.ConcurrencyLimit(s.cfg.Server.MaxConcurrent, s.log),
		middleware.Recovery(s.log),
		middleware.Logger(s.log),
	)
	api.HandleFunc("/compress", h.Compress).Methods(http.MethodPost)
	api.HandleFunc("/analyze", h.Analyze).Methods(http.MethodPost)

	// Operational routes skip the limits
	ops := s.router.NewRoute().Subrouter()
	ops.Use(middleware.Recovery(s.log), middleware.Logger(s.log))
	ops.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	ops.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	ops.Handle("/ws", s.hub)
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the event hub.
func (s *Server) Hub() *events.Hub {
	return s.hub
}

// Start listens on the configured port and blocks until Shutdown.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.log.WithFields(logrus.Fields{
		"addr":           s.http.Addr,
		"max_upload_mb":  s.cfg.Server.MaxUploadMB,
		"max_concurrent": s.cfg.Server.MaxConcurrent,
		"rate_limit":     s.cfg.Server.RateLimitPerSec,
		"workers":        s.cfg.Server.WorkerCount,
		"cache":          s.cfg.Cache.Driver,
	}).Info("Starting snapthumb API")

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, drains in-flight ones and releases resources.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	s.Close()
	return err
}

// Close releases the worker pool, the event hub and the cache.
func (s *Server) Close() {
	s.hub.Close()
	s.pool.Stop()
	s.limiter.Stop()
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.WithError(err).Warn("Failed to close cache")
		}
	}
}
