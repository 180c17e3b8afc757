package main

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"go.uber.org/zap"

	"github.com/nim-llm-router/router-controller/config"
)

// classifierProbeClient is a short-timeout client dedicated to reachability
// probing; it must never share a budget with the real per-request classifier
// calls made by the pipeline.
var classifierProbeClient = &http.Client{Timeout: 3 * time.Second}

// probeClassifiers checks every configured policy's classifier URL concurrently,
// bounded so a large policy list can't open unbounded sockets at once. A
// probe failure is logged, never returned as an error: reachability checks are
// purely advisory and must never affect startup or shutdown.
func probeClassifiers(ctx context.Context, cfg *config.Config, logger *zap.Logger) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, policy := range cfg.Policies {
		policy := policy
		if policy.URL == "" {
			continue
		}
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, policy.URL, nil)
			if err != nil {
				logger.Warn("classifier probe request build failed",
					zap.String("policy", policy.Name), zap.Error(err))
				return nil
			}
			resp, err := classifierProbeClient.Do(req)
			if err != nil {
				logger.Warn("classifier endpoint unreachable",
					zap.String("policy", policy.Name), zap.String("url", policy.URL), zap.Error(err))
				return nil
			}
			resp.Body.Close()
			if resp.StatusCode >= 500 {
				logger.Warn("classifier endpoint unhealthy",
					zap.String("policy", policy.Name), zap.Int("status", resp.StatusCode))
			}
			return nil
		})
	}

	_ = g.Wait()
}

// runHealthProbeLoop periodically probes every policy's classifier endpoint
// until ctx is canceled. It runs as a background goroutine alongside the HTTP
// listener and is stopped by Server.Shutdown canceling ctx.
func runHealthProbeLoop(ctx context.Context, cfg *config.Config, logger *zap.Logger, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeClassifiers(ctx, cfg, logger)
		}
	}
}
