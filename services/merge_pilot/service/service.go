// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package service exposes the evaluation pipeline over HTTP.
//
// # Description
//
// The service fronts one engine with a small REST surface: submit a change
// for evaluation, then read the resulting run and its audit events. The
// engine behind the handlers can be swapped at runtime, which is how
// configuration hot reload works without dropping in-flight requests.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/config"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/telemetry"
)

// Service is the merge-pilot HTTP server.
type Service struct {
	cfg      config.ServiceConfig
	router   *gin.Engine
	handlers *Handlers
}

// New creates the service around the given handlers.
//
// Description:
//
//	Creates the Gin engine, applies middleware, and registers all routes.
//	The /metrics endpoint is registered only when the Prometheus exporter
//	was initialized before this call. When cfg.AuthTokenEnv names a set
//	environment variable, the /v1 routes require its value as a bearer
//	token.
//
// Inputs:
//
//	cfg - HTTP listener settings.
//	handlers - The handlers instance.
//
// Outputs:
//
//	*Service - Ready to Run.
func New(cfg config.ServiceConfig, handlers *Handlers) *Service {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(otelgin.Middleware("merge-pilot"))

	// Probe and scrape endpoints stay outside the authenticated group.
	router.GET("/health", handlers.HandleHealth)
	if mh := telemetry.MetricsHandler(); mh != nil {
		router.GET("/metrics", gin.WrapH(mh))
	}

	v1 := router.Group("/v1")
	if cfg.AuthTokenEnv != "" {
		token := os.Getenv(cfg.AuthTokenEnv)
		if token == "" {
			slog.Warn("auth token variable is unset, API is unauthenticated",
				"env", cfg.AuthTokenEnv)
		}
		v1.Use(BearerAuth(token))
	}
	RegisterRoutes(v1, handlers, RateLimit(cfg.RequestsPerSecond, cfg.Burst))

	return &Service{
		cfg:      cfg,
		router:   router,
		handlers: handlers,
	}
}

// Handlers returns the handlers so the caller can swap engines on reload.
func (s *Service) Handlers() *Handlers {
	return s.handlers
}

// Router returns the underlying Gin engine for testing.
func (s *Service) Router() *gin.Engine {
	return s.router
}

// Run serves until ctx is cancelled, then drains in-flight requests.
//
// Description:
//
//	Blocks on the listener. When ctx is cancelled the server stops
//	accepting connections and waits up to the configured shutdown grace
//	for in-flight requests to finish.
//
// Outputs:
//
//	error - Listener or shutdown failure. A clean drain returns nil.
func (s *Service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	slog.Info("merge-pilot service listening", "addr", s.cfg.Addr)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("service: listen on %s: %w", s.cfg.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	slog.Info("merge-pilot service draining", "grace", grace)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("service: shutdown: %w", err)
	}
	return nil
}
