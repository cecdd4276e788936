// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package monitor supervises a freshly merged change for a bounded window
// and reverts it when production health regresses.
//
// # Description
//
// After a merge lands, the monitor polls an external health signal on a
// fixed interval until either the window closes or a sample breaches the
// configured error-rate or latency thresholds. A breach triggers exactly one
// revert through the hosting provider; the run is then sealed rolled_back,
// or rollback_failed when the revert itself fails. Rollback failures are
// terminal and never retried autonomously, a human gets the escalation.
// A window that closes without a breach seals the run as stable.
//
// Missing health data is not a regression. The signal reporting "no
// observations yet" keeps the window open rather than triggering a revert.
//
// # Thread Safety
//
// Each Watch call owns its record exclusively. The monitor itself holds no
// mutable state and may supervise many runs concurrently.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/audit"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/datatypes"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/provider"
)

const (
	// DefaultWindow is how long a merged change stays under watch.
	DefaultWindow = 6 * time.Hour

	// DefaultPollInterval is the spacing between health samples.
	DefaultPollInterval = 30 * time.Second

	// DefaultMaxErrorRate trips a rollback at a 1 percent error rate.
	DefaultMaxErrorRate = 0.01

	// DefaultMaxLatencyDelta trips a rollback when latency regresses 15
	// percent against the pre-merge baseline.
	DefaultMaxLatencyDelta = 0.15
)

// ErrNotMerged is returned when Watch is handed a run without a merged ref.
var ErrNotMerged = errors.New("monitor: run has no merged ref to watch")

var (
	tracer = otel.Tracer("mergepilot.monitor")
	meter  = otel.Meter("mergepilot.monitor")
)

// ============================================================================
// Metrics
// ============================================================================

var (
	metricsOnce    sync.Once
	rollbacksTotal metric.Int64Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		var err error
		rollbacksTotal, err = meter.Int64Counter(
			"mergepilot.rollbacks.total",
			metric.WithDescription("Post-merge rollbacks by result"),
		)
		if err != nil {
			slog.Warn("monitor metric unavailable", "error", err)
		}
	})
}

func countRollback(ctx context.Context, result string) {
	if rollbacksTotal != nil {
		rollbacksTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("result", result),
		))
	}
}

// ============================================================================
// Config
// ============================================================================

// Config holds the monitoring window tunables.
type Config struct {
	// Window bounds the watch after a merge.
	Window time.Duration `yaml:"window"`

	// PollInterval is the health sampling cadence.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxErrorRate is the breach threshold for the error-rate signal,
	// as a fraction of requests.
	MaxErrorRate float64 `yaml:"max_error_rate" validate:"gte=0,lte=1"`

	// MaxLatencyDelta is the breach threshold for latency regression
	// against the pre-merge baseline. 0.15 means 15 percent slower.
	MaxLatencyDelta float64 `yaml:"max_latency_delta" validate:"gte=0"`
}

// EnsureDefaults fills unset fields with the production defaults.
func (c *Config) EnsureDefaults() {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxErrorRate <= 0 {
		c.MaxErrorRate = DefaultMaxErrorRate
	}
	if c.MaxLatencyDelta <= 0 {
		c.MaxLatencyDelta = DefaultMaxLatencyDelta
	}
}

// ============================================================================
// Monitor
// ============================================================================

// Monitor watches merged changes and rolls back regressions.
type Monitor struct {
	cfg    Config
	health provider.HealthSignal
	host   provider.Host
	store  audit.Store
}

// New returns a Monitor. Zero config fields take the defaults.
func New(cfg Config, health provider.HealthSignal, host provider.Host, store audit.Store) *Monitor {
	cfg.EnsureDefaults()
	return &Monitor{cfg: cfg, health: health, host: host, store: store}
}

// Watch blocks until the run's monitoring window resolves and seals the
// record with the terminal outcome.
//
// Description: the watch samples health every PollInterval from the merge
// timestamp forward. The first breaching sample triggers the rollback; the
// loop exits immediately after, so the revert runs at most once per watch.
// Context cancellation abandons the window and seals the run as cancelled,
// because a record left open would falsely claim supervision continues.
//
// Inputs:
//   - ctx: bounds the watch. Cancellation abandons the window.
//   - record: a merged run. Mutated in place and sealed before return.
//
// Outputs:
//   - error: infrastructure failures (audit writes) or ErrNotMerged.
//     Health and revert failures are recorded on the run, not returned.
func (m *Monitor) Watch(ctx context.Context, record *datatypes.RunRecord) error {
	initMetrics()

	ctx, span := tracer.Start(ctx, "monitor.watch")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", record.ID),
		attribute.String("change.id", record.Context.ID),
	)

	if record.MergedRef == "" || record.MergedAt == nil {
		span.SetStatus(codes.Error, "not merged")
		return ErrNotMerged
	}

	since := *record.MergedAt
	windowEnd := since.Add(m.cfg.Window)

	record.Status = datatypes.StatusMonitoring
	if err := m.persist(ctx, record, "monitor_started",
		fmt.Sprintf("window %s, poll every %s", m.cfg.Window, m.cfg.PollInterval)); err != nil {
		return err
	}

	timer := time.NewTimer(time.Until(windowEnd))
	defer timer.Stop()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return m.sealAbandoned(record)

		case <-timer.C:
			record.Seal(datatypes.OutcomeStable)
			slog.Info("monitoring window closed clean",
				"run_id", record.ID,
				"change_id", record.Context.ID,
				"merged_ref", record.MergedRef)
			return m.persist(ctx, record, "window_closed",
				"no regression inside the monitoring window")

		case <-ticker.C:
			sample, err := m.health.Sample(ctx, record.Context.Repo, since)
			if err != nil {
				if errors.Is(err, provider.ErrNoHealthData) {
					slog.Debug("no health data yet",
						"run_id", record.ID, "repo", record.Context.Repo)
					continue
				}
				slog.Warn("health sample failed",
					"run_id", record.ID,
					"repo", record.Context.Repo,
					"error", err)
				continue
			}
			if breach, detail := m.breached(sample); breach {
				span.SetStatus(codes.Error, "regression detected")
				return m.rollback(ctx, record, detail)
			}
		}
	}
}

// breached reports whether a sample crosses either threshold.
func (m *Monitor) breached(sample provider.HealthSample) (bool, string) {
	switch {
	case sample.ErrorRate > m.cfg.MaxErrorRate:
		return true, fmt.Sprintf("error rate %.4f above threshold %.4f",
			sample.ErrorRate, m.cfg.MaxErrorRate)
	case sample.LatencyDelta > m.cfg.MaxLatencyDelta:
		return true, fmt.Sprintf("latency regression %.2f%% above threshold %.2f%%",
			sample.LatencyDelta*100, m.cfg.MaxLatencyDelta*100)
	default:
		return false, ""
	}
}

// rollback reverts the merged ref and seals the run with the result.
func (m *Monitor) rollback(ctx context.Context, record *datatypes.RunRecord, detail string) error {
	if err := m.store.AppendEvent(ctx, record.ID, audit.Event{
		Stage:  "regression_detected",
		Detail: detail,
	}); err != nil {
		return fmt.Errorf("monitor: append event for run %s: %w", record.ID, err)
	}
	slog.Warn("regression detected, reverting",
		"run_id", record.ID,
		"change_id", record.Context.ID,
		"merged_ref", record.MergedRef,
		"detail", detail)

	revertRef, err := m.host.Revert(ctx, record.Context, record.MergedRef)
	if err != nil {
		record.Reasons = append(record.Reasons,
			fmt.Sprintf("rollback_failed: %v", err))
		record.Seal(datatypes.OutcomeRollbackFailed)
		countRollback(ctx, string(datatypes.OutcomeRollbackFailed))
		slog.Error("rollback failed, escalate to a human",
			"run_id", record.ID,
			"change_id", record.Context.ID,
			"merged_ref", record.MergedRef,
			"error", err)
		return m.persist(ctx, record, string(datatypes.OutcomeRollbackFailed), err.Error())
	}

	record.RevertRef = revertRef
	record.Reasons = append(record.Reasons, "rolled_back: "+detail)
	record.Seal(datatypes.OutcomeRolledBack)
	countRollback(ctx, string(datatypes.OutcomeRolledBack))
	slog.Info("change rolled back",
		"run_id", record.ID,
		"change_id", record.Context.ID,
		"merged_ref", record.MergedRef,
		"revert_ref", revertRef)
	return m.persist(ctx, record, string(datatypes.OutcomeRolledBack), revertRef)
}

// sealAbandoned closes the record when the process gives up the watch. The
// audit writes use a fresh context, the watch context is already dead.
func (m *Monitor) sealAbandoned(record *datatypes.RunRecord) error {
	record.Reasons = append(record.Reasons,
		"monitoring window abandoned before close")
	record.Seal(datatypes.OutcomeCancelled)
	slog.Warn("monitoring abandoned",
		"run_id", record.ID,
		"change_id", record.Context.ID,
		"merged_ref", record.MergedRef)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.persist(ctx, record, "monitor_abandoned",
		"process shut down inside the monitoring window")
}

// persist writes the record and appends one stage event.
func (m *Monitor) persist(ctx context.Context, record *datatypes.RunRecord, stage, detail string) error {
	if err := m.store.UpdateRun(ctx, record); err != nil {
		return fmt.Errorf("monitor: update run %s: %w", record.ID, err)
	}
	if err := m.store.AppendEvent(ctx, record.ID, audit.Event{Stage: stage, Detail: detail}); err != nil {
		return fmt.Errorf("monitor: append event for run %s: %w", record.ID, err)
	}
	return nil
}
