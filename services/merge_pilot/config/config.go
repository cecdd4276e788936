// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads, validates, and watches the merge-pilot YAML
// configuration.
//
// # Description
//
// A configuration file starts from one of four named profiles (strict,
// moderate, permissive, info_only) and overrides individual fields. The
// loader expands ${ENV} references, layers the file over the profile base,
// and rejects the result unless every invariant the runtime packages
// enforce at construction time already holds. A rejected file never
// replaces a running configuration.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/analyzers"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/confidence"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/decision"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/gates"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/monitor"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/pool"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/provider"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/safeguard"
	badgerstore "github.com/AleutianAI/MergePilot/services/merge_pilot/storage/badger"
)

// ============================================================================
// Profiles
// ============================================================================

// Profile names select a pre-tuned base configuration. A file's own fields
// override whatever the profile sets.
const (
	// ProfileStrict raises every decision threshold, requires 80% test
	// coverage, and allows three merges per window. For repositories where
	// a bad merge is expensive.
	ProfileStrict = "strict"

	// ProfileModerate is the shipped default.
	ProfileModerate = "moderate"

	// ProfilePermissive lowers thresholds and loosens the rate limit for
	// fast-moving repositories that tolerate the occasional rollback.
	ProfilePermissive = "permissive"

	// ProfileInfoOnly evaluates and records verdicts but never merges.
	ProfileInfoOnly = "info_only"
)

// ErrUnknownProfile reports a profile name outside the supported set.
var ErrUnknownProfile = errors.New("config: unknown profile")

// ============================================================================
// Types
// ============================================================================

// Config is the full runtime configuration.
//
// Sections reuse the owning package's config struct wherever that package
// exposes one, so a value accepted here is by construction a value the
// package constructor accepts.
type Config struct {
	// Profile names the base this configuration was layered over.
	Profile string `yaml:"profile" validate:"omitempty,oneof=strict moderate permissive info_only"`

	Service   ServiceConfig   `yaml:"service"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Analyzers AnalyzersConfig `yaml:"analyzers"`

	// Weights maps analyzer name to its share of the aggregate confidence.
	// Must cover the analyzer set and sum to 1.0.
	Weights map[string]float64 `yaml:"weights"`

	// WeightedPenalty scales finding penalties by the source analyzer's
	// weight instead of applying them uniformly.
	WeightedPenalty bool `yaml:"weighted_penalty"`

	Thresholds decision.Thresholds `yaml:"thresholds"`
	Gates      GatesConfig         `yaml:"gates"`
	Pool       pool.Config         `yaml:"pool"`
	Safeguards safeguard.Config    `yaml:"safeguards"`
	Execution  ExecutionConfig     `yaml:"execution"`
	Monitor    monitor.Config      `yaml:"monitor"`
	Storage    badgerstore.Config  `yaml:"storage"`
	Provider   ProviderConfig      `yaml:"provider"`
}

// ServiceConfig controls the HTTP evaluation service.
type ServiceConfig struct {
	// Addr is the listen address, host optional.
	Addr string `yaml:"addr" validate:"required"`

	// RequestsPerSecond caps inbound evaluation requests. Zero disables
	// the limiter.
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`

	// Burst is the limiter bucket size.
	Burst int `yaml:"burst" validate:"gte=0"`

	// AuthTokenEnv names the environment variable holding the API bearer
	// token. Empty leaves the API unauthenticated.
	AuthTokenEnv string `yaml:"auth_token_env"`

	// ShutdownGrace bounds how long in-flight requests may drain on stop.
	ShutdownGrace time.Duration `yaml:"shutdown_grace" validate:"gte=0"`
}

// TelemetryConfig controls tracing and metrics export.
type TelemetryConfig struct {
	// ServiceName tags every span and metric.
	ServiceName string `yaml:"service_name" validate:"required"`

	// TraceExporter selects the trace exporter: "otlp", "stdout", or
	// "none". Off, instrumentation still runs against no-op providers.
	TraceExporter string `yaml:"trace_exporter" validate:"omitempty,oneof=otlp stdout none"`

	// MetricExporter selects the metric exporter: "prometheus", "stdout",
	// or "none".
	MetricExporter string `yaml:"metric_exporter" validate:"omitempty,oneof=prometheus stdout none"`

	// OTLPEndpoint is the gRPC collector address for the otlp exporter.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// SampleRatio is the head sampling fraction for traces.
	SampleRatio float64 `yaml:"sample_ratio" validate:"gte=0,lte=1"`
}

// AnalyzersConfig controls the built-in analyzer set.
type AnalyzersConfig struct {
	// AssistEnabled turns on the code-quality model review pass. Requires
	// a key in the environment variable named by OpenAIKeyEnv.
	AssistEnabled bool `yaml:"assist_enabled"`

	// ReviewModel names the completion model for the assist.
	ReviewModel string `yaml:"review_model"`

	// OpenAIBaseURL points the assist at an OpenAI-compatible endpoint.
	// Empty uses the upstream default.
	OpenAIBaseURL string `yaml:"openai_base_url" validate:"omitempty,url"`

	// OpenAIKeyEnv names the environment variable holding the API key.
	OpenAIKeyEnv string `yaml:"openai_key_env"`
}

// GatesConfig mirrors the gate evaluator's settings in YAML form.
type GatesConfig struct {
	// MinCoveragePct is the coverage floor for the insufficient-coverage
	// gate. Zero disables the gate.
	MinCoveragePct float64 `yaml:"min_coverage_pct" validate:"gte=0,lte=100"`

	// BreakingChangeMinConfidence is the confidence floor under which a
	// breaking-change finding blocks the merge. Zero selects the default.
	BreakingChangeMinConfidence float64 `yaml:"breaking_change_min_confidence" validate:"gte=0,lte=1"`
}

// Gates converts to the evaluator's config type.
func (g GatesConfig) Gates() gates.Config {
	return gates.Config{
		MinCoveragePct:              g.MinCoveragePct,
		BreakingChangeMinConfidence: g.BreakingChangeMinConfidence,
	}
}

// ExecutionConfig controls what happens after an AUTO_MERGE verdict.
type ExecutionConfig struct {
	// Enabled permits the engine to merge. When false every AUTO_MERGE
	// verdict is recorded and handed to a human instead.
	Enabled bool `yaml:"enabled"`

	// Monitoring watches merged changes and reverts on regression. Off,
	// merged runs seal immediately.
	Monitoring bool `yaml:"monitoring"`
}

// ProviderConfig selects the hosting provider and health signal backends.
type ProviderConfig struct {
	// HostTokenEnv names the environment variable holding the hosting
	// provider token. The value is read once into a guarded enclave and
	// never stored in this struct.
	HostTokenEnv string `yaml:"host_token_env"`

	// HealthSignal selects the monitor's sample source: "static" replays
	// a fixed healthy series (development), "influx" queries InfluxDB.
	HealthSignal string `yaml:"health_signal" validate:"omitempty,oneof=static influx"`

	// Influx configures the InfluxDB health signal. Ignored unless
	// HealthSignal is "influx".
	Influx provider.InfluxConfig `yaml:"influx"`

	// InfluxTokenEnv names the environment variable holding the InfluxDB
	// token.
	InfluxTokenEnv string `yaml:"influx_token_env"`
}

// ============================================================================
// Defaults and profiles
// ============================================================================

// DefaultConfig returns the moderate profile: production thresholds, five
// merges per hour, coverage gate at 75%, execution and monitoring on.
//
// Storage.Path is intentionally empty. The serve command treats an empty
// path as "keep the audit log in process memory", which suits development;
// production deployments must set a path.
func DefaultConfig() Config {
	return Config{
		Profile: ProfileModerate,
		Service: ServiceConfig{
			Addr:              ":8080",
			RequestsPerSecond: 20,
			Burst:             40,
			ShutdownGrace:     10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "merge-pilot",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
			SampleRatio:    1.0,
		},
		Analyzers: AnalyzersConfig{
			ReviewModel:  analyzers.DefaultReviewModel,
			OpenAIKeyEnv: "OPENAI_API_KEY",
		},
		Weights:    analyzers.DefaultWeights(),
		Thresholds: decision.DefaultThresholds(),
		Gates: GatesConfig{
			MinCoveragePct:              75,
			BreakingChangeMinConfidence: gates.DefaultBreakingChangeMinConfidence,
		},
		Pool: pool.Config{
			AnalyzerTimeout: pool.DefaultAnalyzerTimeout,
			PoolTimeout:     pool.DefaultPoolTimeout,
		},
		Safeguards: safeguard.Config{
			MaxConcurrentRuns:  safeguard.DefaultMaxConcurrentRuns,
			MaxMergesPerWindow: safeguard.DefaultMaxMergesPerWindow,
			Window:             safeguard.DefaultMergeWindow,
			EvaluationTimeout:  safeguard.DefaultEvaluationTimeout,
		},
		Execution: ExecutionConfig{
			Enabled:    true,
			Monitoring: true,
		},
		Monitor: monitor.Config{
			Window:          monitor.DefaultWindow,
			PollInterval:    monitor.DefaultPollInterval,
			MaxErrorRate:    monitor.DefaultMaxErrorRate,
			MaxLatencyDelta: monitor.DefaultMaxLatencyDelta,
		},
		Storage: badgerstore.DefaultConfig(),
		Provider: ProviderConfig{
			HostTokenEnv:   "MERGE_PILOT_HOST_TOKEN",
			HealthSignal:   "static",
			InfluxTokenEnv: "INFLUX_TOKEN",
		},
	}
}

// ForProfile returns the named profile's base configuration. An empty name
// selects moderate.
func ForProfile(name string) (Config, error) {
	cfg := DefaultConfig()
	switch name {
	case "", ProfileModerate:

	case ProfileStrict:
		cfg.Profile = ProfileStrict
		cfg.Thresholds = decision.Thresholds{
			AutoMerge:      0.95,
			ApproveReview:  0.90,
			RequestChanges: 0.80,
		}
		cfg.Safeguards.MaxMergesPerWindow = 3
		cfg.Gates.MinCoveragePct = 80

	case ProfilePermissive:
		cfg.Profile = ProfilePermissive
		cfg.Thresholds = decision.Thresholds{
			AutoMerge:      0.85,
			ApproveReview:  0.75,
			RequestChanges: 0.65,
		}
		cfg.Safeguards.MaxMergesPerWindow = 10
		cfg.Gates.MinCoveragePct = 50

	case ProfileInfoOnly:
		cfg.Profile = ProfileInfoOnly
		cfg.Execution.Enabled = false
		cfg.Execution.Monitoring = false

	default:
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	return cfg, nil
}

// ============================================================================
// Validation
// ============================================================================

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate rejects a configuration the runtime constructors would reject,
// so a bad file fails at load time instead of at first use.
//
// Outputs:
//   - error: nil when the configuration is usable.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// The aggregator owns the weight invariants. Constructing one proves
	// the table is usable without duplicating the epsilon check here.
	if _, err := confidence.New(confidence.Config{
		Weights:         c.Weights,
		WeightedPenalty: c.WeightedPenalty,
	}); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if err := c.Thresholds.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if c.Provider.HealthSignal == "influx" {
		if c.Provider.Influx.URL == "" {
			return errors.New("config: provider.influx.url required when health_signal is influx")
		}
	}

	return nil
}
