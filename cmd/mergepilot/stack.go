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
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/analyzers"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/audit"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/config"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/confidence"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/decision"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/engine"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/execution"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/gates"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/monitor"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/pool"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/provider"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/safeguard"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/service"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/telemetry"
)

// =============================================================================
// STACK ASSEMBLY
// =============================================================================

// stack bundles the long-lived pieces of one mergepilot process. The engine
// can be rebuilt on config reload; the store, safeguards, and host survive
// across rebuilds so audit history, rate-limit accounting, and recorded
// merges span the whole process lifetime.
type stack struct {
	engine *engine.Engine
	store  audit.Store
	guards *safeguard.Safeguards
	host   provider.Host
}

// buildStack wires the full evaluation pipeline from configuration.
func buildStack(cfg *config.Config) (*stack, error) {
	store, err := newStore(cfg)
	if err != nil {
		return nil, err
	}

	guards := safeguard.New(cfg.Safeguards)
	host := newHost(cfg)

	eng, err := buildEngine(cfg, store, guards, host)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &stack{engine: eng, store: store, guards: guards, host: host}, nil
}

// close shuts the stack down in dependency order: the engine first, which
// waits for in-flight executions and abandons open monitor windows, then
// the store.
func (s *stack) close() {
	if err := s.engine.Close(); err != nil {
		slog.Error("engine shutdown", "error", err)
	}
	if err := s.store.Close(); err != nil {
		slog.Error("audit store shutdown", "error", err)
	}
}

// buildEngine constructs an engine from cfg on top of shared collaborators.
// Config reload calls this again with the same store, guards, and host but
// fresh tunables.
func buildEngine(cfg *config.Config, store audit.Store, guards *safeguard.Safeguards, host provider.Host) (*engine.Engine, error) {
	set := analyzers.DefaultSet(newAssistClient(cfg))
	if cfg.Analyzers.ReviewModel != "" {
		for _, a := range set {
			if cq, ok := a.(*analyzers.CodeQuality); ok {
				cq.Model = cfg.Analyzers.ReviewModel
			}
		}
	}

	runPool, err := pool.New(cfg.Pool, set)
	if err != nil {
		return nil, fmt.Errorf("build analyzer pool: %w", err)
	}

	agg, err := confidence.New(confidence.Config{
		Weights:         cfg.Weights,
		WeightedPenalty: cfg.WeightedPenalty,
	})
	if err != nil {
		return nil, fmt.Errorf("build aggregator: %w", err)
	}

	decider, err := decision.New(cfg.Thresholds, decision.DefaultTopFindings)
	if err != nil {
		return nil, fmt.Errorf("build decision engine: %w", err)
	}

	var mon *monitor.Monitor
	if cfg.Execution.Monitoring {
		health, err := newHealth(cfg)
		if err != nil {
			return nil, err
		}
		mon = monitor.New(cfg.Monitor, health, host, store)
	}

	return engine.New(
		engine.Config{ExecutionEnabled: cfg.Execution.Enabled},
		engine.Deps{
			Pool:       runPool,
			Aggregator: agg,
			Gates:      gates.New(cfg.Gates.Gates()),
			Decider:    decider,
			Guards:     guards,
			Store:      store,
			Executor:   execution.New(host, store, guards),
			Monitor:    mon,
		},
	)
}

// newStore opens the audit store. Without a storage path runs are kept in
// process memory, which is fine for development and one-shot evaluation but
// loses history on exit.
func newStore(cfg *config.Config) (audit.Store, error) {
	if cfg.Storage.Path == "" && !cfg.Storage.InMemory {
		slog.Warn("storage.path not set, audit history will not survive restarts")
		return audit.NewMemoryStore(), nil
	}
	store, err := audit.NewBadgerStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	return store, nil
}

// newHost returns the hosting-system boundary. Real forge adapters plug in
// here; the built-in host lands merges in process, which suits local runs
// and pipelines where mergepilot's verdict drives a separate merge step.
func newHost(cfg *config.Config) provider.Host {
	if cfg.HostCredentials().Configured() {
		slog.Info("host token configured but no forge adapter is registered, using built-in host",
			"token_env", cfg.Provider.HostTokenEnv)
	}
	return provider.NewStaticHost()
}

// newHealth returns the post-merge health signal named by the configuration.
func newHealth(cfg *config.Config) (provider.HealthSignal, error) {
	switch cfg.Provider.HealthSignal {
	case "influx":
		health, err := provider.NewInfluxHealth(cfg.Provider.Influx, cfg.InfluxCredentials())
		if err != nil {
			return nil, fmt.Errorf("build influx health signal: %w", err)
		}
		return health, nil
	default:
		return &provider.StaticHealth{}, nil
	}
}

// newAssistClient builds the completion client for the code quality
// analyzer, or nil when assist is disabled or unkeyed. Analyzers degrade to
// their heuristics without it.
func newAssistClient(cfg *config.Config) analyzers.ChatCompleter {
	if !cfg.Analyzers.AssistEnabled {
		return nil
	}
	key := cfg.OpenAIKey()
	if key == "" {
		slog.Warn("analyzer assist enabled but the key variable is empty, continuing without completions",
			"key_env", cfg.Analyzers.OpenAIKeyEnv)
		return nil
	}
	if cfg.Analyzers.OpenAIBaseURL != "" {
		clientCfg := openai.DefaultConfig(key)
		clientCfg.BaseURL = cfg.Analyzers.OpenAIBaseURL
		return openai.NewClientWithConfig(clientCfg)
	}
	return openai.NewClient(key)
}

// telemetryConfig maps the service configuration onto the telemetry
// bootstrap. Environment stays env-driven so one config file serves every
// deployment tier.
func telemetryConfig(cfg *config.Config) telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceName = cfg.Telemetry.ServiceName
	tc.ServiceVersion = service.ServiceVersion
	tc.TraceExporter = cfg.Telemetry.TraceExporter
	tc.MetricExporter = cfg.Telemetry.MetricExporter
	tc.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	tc.SampleRatio = cfg.Telemetry.SampleRatio
	return tc
}
