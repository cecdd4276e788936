// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine orchestrates one evaluation run end to end.
//
// # Description
//
// Evaluate is synchronous through the decision: it fans the change out to
// the analyzer pool, aggregates confidence, applies the risk gates, and maps
// the result to a decision, writing the audit record at every stage. Only
// AUTO_MERGE continues past that point, and it continues asynchronously:
// execution and post-merge monitoring run on an engine-owned goroutine so
// the caller gets its decision without waiting out a six hour watch window.
//
// Every terminal state is a sealed audit record with its reasoning attached.
// Cancellation before a decision seals the run as cancelled; the global
// evaluation deadline synthesizes REQUEST_CHANGES with the partial analyzer
// results preserved.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent evaluations are capped by the
// safeguard layer's run slots; each run's record has exactly one writer at
// any moment.
package engine

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
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/audit"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/confidence"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/datatypes"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/decision"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/execution"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/gates"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/monitor"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/pool"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/safeguard"
)

var (
	// ErrClosed is returned by Evaluate after Close.
	ErrClosed = errors.New("engine: closed")

	// ErrNilDependency is returned by New when a required collaborator
	// is missing.
	ErrNilDependency = errors.New("engine: nil dependency")
)

var (
	tracer = otel.Tracer("mergepilot.engine")
	meter  = otel.Meter("mergepilot.engine")
)

// ============================================================================
// Metrics
// ============================================================================

var (
	metricsOnce    sync.Once
	runsTotal      metric.Int64Counter
	confidenceHist metric.Float64Histogram
	gateTrips      metric.Int64Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		var initErrors []error
		var err error

		runsTotal, err = meter.Int64Counter(
			"mergepilot.runs.total",
			metric.WithDescription("Evaluation runs by decision"),
		)
		if err != nil {
			initErrors = append(initErrors, fmt.Errorf("runs counter: %w", err))
		}

		confidenceHist, err = meter.Float64Histogram(
			"mergepilot.confidence",
			metric.WithDescription("Aggregate confidence per run"),
			metric.WithUnit("1"),
		)
		if err != nil {
			initErrors = append(initErrors, fmt.Errorf("confidence histogram: %w", err))
		}

		gateTrips, err = meter.Int64Counter(
			"mergepilot.gate.trips",
			metric.WithDescription("Risk gate trips by gate"),
		)
		if err != nil {
			initErrors = append(initErrors, fmt.Errorf("gate trip counter: %w", err))
		}

		for _, e := range initErrors {
			slog.Warn("engine metric unavailable", "error", e)
		}
	})
}

// ============================================================================
// Engine
// ============================================================================

// Config holds the engine-level switches.
type Config struct {
	// ExecutionEnabled gates the merge stage. When false the engine is
	// evaluate-only: AUTO_MERGE decisions are recorded but sealed as
	// review_requested with the downgrade reason attached.
	ExecutionEnabled bool `yaml:"execution_enabled"`
}

// Deps carries the engine's constructed collaborators.
type Deps struct {
	Pool       *pool.Pool
	Aggregator *confidence.Aggregator
	Gates      *gates.Evaluator
	Decider    *decision.Engine
	Guards     *safeguard.Safeguards
	Store      audit.Store

	// Executor is required when execution is enabled.
	Executor *execution.Executor

	// Monitor is optional. Without one, merged runs seal immediately as
	// merged instead of entering a watch window.
	Monitor *monitor.Monitor
}

// Engine runs the evaluation pipeline.
type Engine struct {
	cfg     Config
	pool    *pool.Pool
	agg     *confidence.Aggregator
	gates   *gates.Evaluator
	decider *decision.Engine
	guards  *safeguard.Safeguards
	store   audit.Store
	exec    *execution.Executor
	monitor *monitor.Monitor

	// bg outlives individual requests and is cancelled by Close, which
	// abandons any open monitoring windows.
	bg       context.Context
	bgCancel context.CancelFunc

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// New validates the dependency set and returns a ready engine.
//
// Description: a weight map that does not cover every registered analyzer
// is a startup error. New probes the aggregator with a synthetic result per
// analyzer so a bad weight table refuses to accept runs instead of failing
// mid-pipeline.
func New(cfg Config, deps Deps) (*Engine, error) {
	switch {
	case deps.Pool == nil:
		return nil, fmt.Errorf("%w: pool", ErrNilDependency)
	case deps.Aggregator == nil:
		return nil, fmt.Errorf("%w: aggregator", ErrNilDependency)
	case deps.Gates == nil:
		return nil, fmt.Errorf("%w: gates", ErrNilDependency)
	case deps.Decider == nil:
		return nil, fmt.Errorf("%w: decider", ErrNilDependency)
	case deps.Guards == nil:
		return nil, fmt.Errorf("%w: safeguards", ErrNilDependency)
	case deps.Store == nil:
		return nil, fmt.Errorf("%w: audit store", ErrNilDependency)
	case cfg.ExecutionEnabled && deps.Executor == nil:
		return nil, fmt.Errorf("%w: executor (execution is enabled)", ErrNilDependency)
	}

	probe := make([]datatypes.AnalyzerResult, 0, len(deps.Pool.Analyzers()))
	for _, name := range deps.Pool.Analyzers() {
		probe = append(probe, datatypes.AnalyzerResult{
			Analyzer: name,
			Score:    1,
			Status:   datatypes.AnalyzerCompleted,
		})
	}
	if _, err := deps.Aggregator.Aggregate(probe); err != nil {
		return nil, fmt.Errorf("engine: weight table does not cover the analyzer set: %w", err)
	}

	bg, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		pool:     deps.Pool,
		agg:      deps.Aggregator,
		gates:    deps.Gates,
		decider:  deps.Decider,
		guards:   deps.Guards,
		store:    deps.Store,
		exec:     deps.Executor,
		monitor:  deps.Monitor,
		bg:       bg,
		bgCancel: cancel,
	}, nil
}

// Evaluate runs the full pipeline for one change and returns its run record
// once a decision is reached.
//
// Description: the returned record always carries the decision, confidence
// breakdown, gate outcome, and complete analyzer result set. For non-merge
// decisions it is already sealed. For AUTO_MERGE it is still open; execution
// and monitoring continue in the background and seal it later.
//
// Inputs:
//   - ctx: caller cancellation. Cancelling before a decision seals the run
//     as cancelled.
//   - change: the change under evaluation. Defaults are filled in place.
//
// Outputs:
//   - *RunRecord: the run as of the decision. On cancellation the sealed
//     record is returned alongside the context error.
//   - error: validation failures, slot acquisition, audit store failures,
//     or the caller's context error.
func (e *Engine) Evaluate(ctx context.Context, change *datatypes.ChangeContext) (*datatypes.RunRecord, error) {
	initMetrics()

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	change.EnsureDefaults()
	if err := change.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "engine.evaluate",
		trace.WithAttributes(
			attribute.String("change.id", change.ID),
			attribute.String("change.repo", change.Repo),
		),
	)
	defer span.End()

	if err := e.guards.AcquireRunSlot(ctx); err != nil {
		span.SetStatus(codes.Error, "no run slot")
		return nil, fmt.Errorf("engine: acquire run slot: %w", err)
	}
	defer e.guards.ReleaseRunSlot()

	record := datatypes.NewRunRecord(change)
	span.SetAttributes(attribute.String("run.id", record.ID))
	if err := e.store.CreateRun(ctx, record); err != nil {
		return nil, fmt.Errorf("engine: create run: %w", err)
	}
	e.appendEvent(ctx, record.ID, "run_created",
		fmt.Sprintf("%s %s into %s", change.Repo, change.SourceRef, change.TargetRef))

	ectx, cancel := e.guards.WithEvaluationDeadline(ctx)
	defer cancel()

	record.Results = e.pool.Run(ectx, change)

	switch {
	case errors.Is(ectx.Err(), context.Canceled):
		return e.sealCancelled(record, ectx.Err(),
			"evaluation cancelled before a decision", "caller abandoned the evaluation")
	case errors.Is(ectx.Err(), context.DeadlineExceeded):
		return e.sealEvaluationTimeout(record)
	}

	conf, err := e.agg.Aggregate(record.Results)
	if err != nil {
		// Unreachable with a weight table validated at startup. Decide
		// conservatively rather than leave the record open.
		slog.Error("confidence aggregation failed",
			"run_id", record.ID, "error", err)
		return e.sealInternal(ctx, record, err)
	}
	record.Confidence = conf

	gateOutcome, gateReason := e.gates.Evaluate(change, record.Results, conf.Value)
	verdict := e.decider.Decide(conf, gateOutcome, gateReason, record.Results)

	now := time.Now().UTC()
	record.GateOutcome = verdict.GateOutcome
	record.Decision = verdict.Decision
	record.Reasons = verdict.Reasons
	record.DecidedAt = &now

	e.recordDecisionMetrics(ctx, verdict)
	span.SetAttributes(
		attribute.String("run.decision", string(verdict.Decision)),
		attribute.Float64("run.confidence", verdict.Confidence),
	)
	slog.Info("decision reached",
		"run_id", record.ID,
		"change_id", change.ID,
		"repo", change.Repo,
		"decision", verdict.Decision,
		"confidence", fmt.Sprintf("%.4f", verdict.Confidence),
		"gate_outcome", verdict.GateOutcome)

	if err := e.persist(ctx, record, "decided",
		fmt.Sprintf("%s at confidence %.4f", verdict.Decision, verdict.Confidence)); err != nil {
		return nil, err
	}

	if verdict.Decision != datatypes.DecisionAutoMerge {
		record.Seal(datatypes.OutcomeForDecision(verdict.Decision))
		if err := e.persist(ctx, record, "sealed", string(record.Outcome)); err != nil {
			return nil, err
		}
		return record, nil
	}

	if !e.cfg.ExecutionEnabled {
		// Evaluate-only mode keeps the AUTO_MERGE verdict visible but
		// hands the merge to a human.
		record.Reasons = append(record.Reasons, datatypes.ReasonExecutionDisabled)
		record.Seal(datatypes.OutcomeReviewRequested)
		if err := e.persist(ctx, record, datatypes.ReasonExecutionDisabled,
			"execution disabled; merge left to reviewers"); err != nil {
			return nil, err
		}
		return record, nil
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return e.sealCancelled(record, ErrClosed,
			"engine closed before execution started", "shutdown before the merge was attempted")
	}
	e.wg.Add(1)
	e.mu.Unlock()
	go e.finish(record.ID)

	return record, nil
}

// finish owns the asynchronous tail of an AUTO_MERGE run: execution, then
// monitoring. It works on its own copy of the record loaded from the store
// so the snapshot returned to the evaluation caller is never shared between
// goroutines.
func (e *Engine) finish(runID string) {
	defer e.wg.Done()

	record, err := e.store.GetRun(e.bg, runID)
	if err != nil {
		slog.Error("run disappeared before execution", "run_id", runID, "error", err)
		return
	}

	merged, err := e.exec.Execute(e.bg, record)
	if err != nil {
		slog.Error("execution stage failed", "run_id", runID, "error", err)
		return
	}
	if !merged {
		return
	}

	if e.monitor == nil {
		record.Seal(datatypes.OutcomeMerged)
		if err := e.persist(e.bg, record, "sealed", string(record.Outcome)); err != nil {
			slog.Error("seal after merge failed", "run_id", runID, "error", err)
		}
		return
	}

	if err := e.monitor.Watch(e.bg, record); err != nil {
		slog.Error("monitoring stage failed", "run_id", runID, "error", err)
	}
}

// Close stops accepting evaluations, abandons open monitoring windows, and
// waits for the background goroutines to seal their records.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.bgCancel()
	e.wg.Wait()
	return nil
}

// ============================================================================
// Terminal paths
// ============================================================================

// sealCancelled closes a run that will never execute: the caller abandoned
// it, or the engine shut down underneath it. The audit write uses a fresh
// context, the caller's is already dead.
func (e *Engine) sealCancelled(record *datatypes.RunRecord, cause error, reason, detail string) (*datatypes.RunRecord, error) {
	record.Reasons = append(record.Reasons, reason)
	record.Seal(datatypes.OutcomeCancelled)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.persist(ctx, record, "cancelled", detail); err != nil {
		return record, err
	}
	slog.Info("evaluation cancelled",
		"run_id", record.ID, "change_id", record.Context.ID, "reason", reason)
	return record, fmt.Errorf("engine: evaluation cancelled: %w", cause)
}

// sealEvaluationTimeout converts a blown pipeline deadline into the
// conservative decision, keeping whatever analyzer results arrived.
func (e *Engine) sealEvaluationTimeout(record *datatypes.RunRecord) (*datatypes.RunRecord, error) {
	now := time.Now().UTC()
	record.Decision = datatypes.DecisionRequestChanges
	record.Reasons = append(record.Reasons, datatypes.ReasonEvaluationTimeout)
	record.DecidedAt = &now
	record.Seal(datatypes.OutcomeEvaluationTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.persist(ctx, record, datatypes.ReasonEvaluationTimeout,
		"pipeline deadline exceeded; synthesized REQUEST_CHANGES"); err != nil {
		return record, err
	}
	slog.Warn("evaluation deadline exceeded",
		"run_id", record.ID,
		"change_id", record.Context.ID,
		"results_collected", len(record.Results))
	return record, nil
}

// sealInternal records an unexpected pipeline fault as REQUEST_CHANGES.
func (e *Engine) sealInternal(ctx context.Context, record *datatypes.RunRecord, cause error) (*datatypes.RunRecord, error) {
	now := time.Now().UTC()
	record.Decision = datatypes.DecisionRequestChanges
	record.Reasons = append(record.Reasons, fmt.Sprintf("internal: %v", cause))
	record.DecidedAt = &now
	record.Seal(datatypes.OutcomeChangesRequested)
	if err := e.persist(ctx, record, "internal_error", cause.Error()); err != nil {
		return record, err
	}
	return record, nil
}

// ============================================================================
// Helpers
// ============================================================================

func (e *Engine) recordDecisionMetrics(ctx context.Context, verdict *decision.Verdict) {
	if runsTotal != nil {
		runsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("decision", string(verdict.Decision)),
		))
	}
	if confidenceHist != nil {
		confidenceHist.Record(ctx, verdict.Confidence)
	}
	if gateTrips != nil && verdict.GateOutcome != datatypes.GateClear {
		gateTrips.Add(ctx, 1, metric.WithAttributes(
			attribute.String("gate", string(verdict.GateOutcome)),
		))
	}
}

// persist writes the record and appends one stage event.
func (e *Engine) persist(ctx context.Context, record *datatypes.RunRecord, stage, detail string) error {
	if err := e.store.UpdateRun(ctx, record); err != nil {
		return fmt.Errorf("engine: update run %s: %w", record.ID, err)
	}
	if err := e.store.AppendEvent(ctx, record.ID, audit.Event{Stage: stage, Detail: detail}); err != nil {
		return fmt.Errorf("engine: append event for run %s: %w", record.ID, err)
	}
	return nil
}

// appendEvent writes one event, logging rather than failing on error. Used
// where the record write itself already succeeded.
func (e *Engine) appendEvent(ctx context.Context, runID, stage, detail string) {
	if err := e.store.AppendEvent(ctx, runID, audit.Event{Stage: stage, Detail: detail}); err != nil {
		slog.Warn("audit event not written",
			"run_id", runID, "stage", stage, "error", err)
	}
}
