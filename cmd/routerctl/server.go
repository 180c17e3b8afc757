package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/nim-llm-router/router-controller/classifier"
	"github.com/nim-llm-router/router-controller/config"
	"github.com/nim-llm-router/router-controller/internal/metrics"
	"github.com/nim-llm-router/router-controller/internal/server"
	"github.com/nim-llm-router/router-controller/internal/telemetry"
	"github.com/nim-llm-router/router-controller/pipeline"
	"github.com/nim-llm-router/router-controller/router"
	"github.com/nim-llm-router/router-controller/stream"
	"github.com/nim-llm-router/router-controller/upstream"
)

// Server owns the HTTP listener and the wired request pipeline.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers

	metrics *metrics.Collector
	manager *server.Manager

	probeCancel context.CancelFunc
}

// NewServer wires the classifier client, policy resolver, upstream client,
// and stream rewriter into a pipeline and builds an (unstarted) Server.
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{cfg: cfg, logger: logger, otel: otelProviders}
}

// Start builds the pipeline and the HTTP handler chain, and starts listening.
func (s *Server) Start() error {
	s.metrics = metrics.NewCollector("", s.logger)

	classifierClient := classifier.New(s.cfg.Server.ClassifierTimeout, s.logger)
	resolver := router.New(classifierClient, s.metrics, s.logger)
	upstreamClient := upstream.New(s.cfg.Server.UpstreamRatePerSec, s.cfg.Server.UpstreamBurst, s.logger)
	rewriter := stream.New(s.metrics, s.logger)
	p := pipeline.New(s.cfg, resolver, upstreamClient, rewriter, s.metrics, s.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", p.Handle)
	mux.HandleFunc("/completions", p.Handle)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		RequestLogger(s.logger),
		OTelTracing(),
		CORS(s.cfg.Server.CORSAllowedOrigins),
	)

	serverConfig := server.Config{
		Addr:            s.cfg.Server.Addr,
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     s.cfg.Server.IdleTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.manager = server.NewManager(handler, serverConfig, s.logger)

	if err := s.manager.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	s.logger.Info("HTTP server started", zap.String("addr", s.cfg.Server.Addr))

	probeCtx, cancel := context.WithCancel(context.Background())
	s.probeCancel = cancel
	go runHealthProbeLoop(probeCtx, s.cfg, s.logger, s.cfg.Server.HealthProbeInterval)

	return nil
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.cfg.Redacted()); err != nil {
		s.logger.Error("failed to encode /config response", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"OK"}`))
}

// WaitForShutdown blocks until a termination signal arrives, then shuts
// everything down gracefully.
func (s *Server) WaitForShutdown() {
	if s.manager != nil {
		s.manager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown tears down the HTTP server and flushes telemetry.
func (s *Server) Shutdown() {
	s.logger.Info("shutting down")

	if s.probeCancel != nil {
		s.probeCancel()
	}

	ctx := context.Background()
	if s.manager != nil {
		if err := s.manager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}
	s.logger.Info("shutdown complete")
}
