// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/config"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/engine"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/service"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/telemetry"
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP evaluation service",
	Long: `Start the mergepilot HTTP service.

The service accepts change evaluations on POST /v1/evaluations, exposes the
audit trail under GET /v1/runs, and serves health and metrics endpoints.

While running, the configuration file is watched. Edits to tunables such as
weights, thresholds, and gate limits take effect on save without dropping
in-flight requests: new evaluations use the reloaded settings, running ones
finish under the settings they started with. Rate-limit accounting and the
audit store span reloads. A rejected reload keeps the previous settings.

Stop with SIGINT or SIGTERM; the service drains open requests, waits for
background merges, and abandons open monitor windows before exiting.`,
	Run: runServe,
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runServe(cmd *cobra.Command, args []string) {
	os.Exit(serve())
}

func serve() int {
	defer closeLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("configuration rejected", "error", err)
		return 1
	}

	shutdownTelemetry, err := telemetry.Init(ctx, telemetryConfig(cfg))
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Error("telemetry shutdown", "error", err)
		}
	}()

	st, err := buildStack(cfg)
	if err != nil {
		slog.Error("stack assembly failed", "error", err)
		return 1
	}

	handlers := service.NewHandlers(st.engine, st.store)
	svc := service.New(cfg.Service, handlers)

	// Engines retired by a reload stay alive until shutdown: runs that
	// started on them may still be merging or monitoring.
	var (
		engineMu sync.Mutex
		retired  []*engine.Engine
	)

	swapEngine := func(next *config.Config) {
		eng, err := buildEngine(next, st.store, st.guards, st.host)
		if err != nil {
			slog.Error("config reload rejected, keeping running engine", "error", err)
			return
		}
		engineMu.Lock()
		retired = append(retired, st.engine)
		st.engine = eng
		engineMu.Unlock()
		handlers.SwapEvaluator(eng)
		slog.Info("engine rebuilt from reloaded configuration",
			"profile", displayProfile(next.Profile),
			"execution_enabled", next.Execution.Enabled)
	}

	if _, statErr := os.Stat(configPath); statErr == nil {
		watcher, err := config.Watch(configPath, swapEngine)
		if err != nil {
			slog.Error("config watcher failed", "error", err)
			st.close()
			return 1
		}
		defer watcher.Stop()
	}

	runErr := svc.Run(ctx)

	// HTTP is drained; finish background work before releasing storage.
	engineMu.Lock()
	toClose := append(retired, st.engine)
	engineMu.Unlock()
	for _, eng := range toClose {
		if err := eng.Close(); err != nil {
			slog.Error("engine shutdown", "error", err)
		}
	}
	if err := st.store.Close(); err != nil {
		slog.Error("audit store shutdown", "error", err)
	}

	if runErr != nil {
		slog.Error("service stopped", "error", runErr)
		return 1
	}
	slog.Info("service stopped")
	return 0
}
