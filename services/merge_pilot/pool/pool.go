// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pool fans a change context out to every registered analyzer
// concurrently and collects one terminal result per analyzer.
//
// # Description
//
// Each analyzer runs in its own goroutine under its own timeout, inside an
// overall pool deadline. An analyzer that errors, times out, or returns
// nothing is replaced by a conservative zero-score result carrying a
// synthetic critical finding, so a hung or broken perspective always drags
// confidence down instead of silently vanishing from the weighted sum.
// Results come back in registration order regardless of completion order,
// which keeps downstream aggregation and audit records deterministic.
//
// # Limitations
//
// An analyzer that ignores its context cannot be forcibly stopped; the
// pool abandons it at the deadline and its goroutine is left to finish in
// the background. All built-in analyzers honor cancellation.
package pool

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
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/analyzers"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/datatypes"
)

const (
	// DefaultAnalyzerTimeout bounds one analyzer's run.
	DefaultAnalyzerTimeout = 30 * time.Second

	// DefaultPoolTimeout bounds the whole fan-out.
	DefaultPoolTimeout = 60 * time.Second
)

// ErrNoAnalyzers is returned when a pool is constructed empty.
var ErrNoAnalyzers = errors.New("pool: no analyzers registered")

var (
	tracer = otel.Tracer("mergepilot.pool")
	meter  = otel.Meter("mergepilot.pool")
)

// ============================================================================
// Metrics
// ============================================================================

var (
	metricsOnce      sync.Once
	analyzerDuration metric.Float64Histogram
	analyzerFailures metric.Int64Counter
)

// initMetrics creates the pool instruments once. Failures degrade to
// missing metrics rather than failing analysis.
func initMetrics() {
	metricsOnce.Do(func() {
		var initErrors []error
		var err error

		analyzerDuration, err = meter.Float64Histogram(
			"mergepilot.analyzer.duration",
			metric.WithDescription("Wall time of one analyzer run"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, fmt.Errorf("analyzer duration histogram: %w", err))
		}

		analyzerFailures, err = meter.Int64Counter(
			"mergepilot.analyzer.failures",
			metric.WithDescription("Analyzer runs that timed out or errored"),
		)
		if err != nil {
			initErrors = append(initErrors, fmt.Errorf("analyzer failure counter: %w", err))
		}

		for _, e := range initErrors {
			slog.Warn("pool metric unavailable", "error", e)
		}
	})
}

// ============================================================================
// Pool
// ============================================================================

// Config holds the pool timeouts and the fan-out cap.
type Config struct {
	AnalyzerTimeout time.Duration `yaml:"analyzer_timeout"`
	PoolTimeout     time.Duration `yaml:"pool_timeout"`

	// MaxParallel caps how many analyzers run at once. Non-positive or
	// larger than the set means all run together.
	MaxParallel int `yaml:"max_parallel"`
}

// Pool runs a fixed analyzer set. Immutable after construction.
type Pool struct {
	set             []analyzers.Analyzer
	analyzerTimeout time.Duration
	poolTimeout     time.Duration
	maxParallel     int64
}

// New builds a pool over the given analyzers.
//
// Inputs:
//
//	cfg - Timeouts; non-positive values take the defaults.
//	set - Analyzers to fan out over. Must be non-empty.
//
// Outputs:
//
//	*Pool - Ready to run.
//	error - ErrNoAnalyzers when set is empty.
func New(cfg Config, set []analyzers.Analyzer) (*Pool, error) {
	if len(set) == 0 {
		return nil, ErrNoAnalyzers
	}
	if cfg.AnalyzerTimeout <= 0 {
		cfg.AnalyzerTimeout = DefaultAnalyzerTimeout
	}
	if cfg.PoolTimeout <= 0 {
		cfg.PoolTimeout = DefaultPoolTimeout
	}
	if cfg.MaxParallel <= 0 || cfg.MaxParallel > len(set) {
		cfg.MaxParallel = len(set)
	}
	return &Pool{
		set:             set,
		analyzerTimeout: cfg.AnalyzerTimeout,
		poolTimeout:     cfg.PoolTimeout,
		maxParallel:     int64(cfg.MaxParallel),
	}, nil
}

// Analyzers returns the names of the registered analyzers in run order.
func (p *Pool) Analyzers() []string {
	names := make([]string, len(p.set))
	for i, a := range p.set {
		names[i] = a.Name()
	}
	return names
}

// Run executes every analyzer concurrently and returns one terminal result
// per analyzer, in registration order.
//
// Description:
//
//	Every slot in the returned slice is filled: completed results carry the
//	analyzer's own score and findings; timed out or errored slots carry a
//	zero score and a synthetic critical finding tagged analysis_incomplete.
//	The synthetic finding deliberately does not use the security category,
//	so an unavailable analyzer lowers confidence without tripping the
//	critical-security gate.
//
// Inputs:
//
//	ctx - Run-scoped context. Its cancellation or the pool timeout,
//	      whichever is earlier, stops the fan-out.
//	change - Validated change context shared read-only by all analyzers.
func (p *Pool) Run(ctx context.Context, change *datatypes.ChangeContext) []datatypes.AnalyzerResult {
	initMetrics()

	runCtx, cancel := context.WithTimeout(ctx, p.poolTimeout)
	defer cancel()

	runCtx, span := tracer.Start(runCtx, "pool.run",
		trace.WithAttributes(
			attribute.String("change.id", change.ID),
			attribute.Int("pool.analyzers", len(p.set)),
		),
	)
	defer span.End()

	results := make([]datatypes.AnalyzerResult, len(p.set))
	sem := semaphore.NewWeighted(p.maxParallel)
	var wg sync.WaitGroup
	for i, a := range p.set {
		wg.Add(1)
		go func(slot int, a analyzers.Analyzer) {
			defer wg.Done()
			if err := sem.Acquire(runCtx, 1); err != nil {
				// Deadline fired while queued; the slot still gets a
				// terminal result.
				results[slot] = p.normalize(a.Name(), analyzerReturn{err: err}, runCtx, 0)
				return
			}
			defer sem.Release(1)
			results[slot] = p.runOne(runCtx, a, change)
		}(i, a)
	}
	wg.Wait()

	for _, r := range results {
		if r.Status != datatypes.AnalyzerCompleted {
			span.SetStatus(codes.Error, "one or more analyzers incomplete")
			break
		}
	}
	return results
}

type analyzerReturn struct {
	result *datatypes.AnalyzerResult
	err    error
}

// runOne executes a single analyzer under its timeout and normalizes every
// failure mode into a terminal AnalyzerResult.
func (p *Pool) runOne(ctx context.Context, a analyzers.Analyzer, change *datatypes.ChangeContext) datatypes.AnalyzerResult {
	name := a.Name()
	actx, cancel := context.WithTimeout(ctx, p.analyzerTimeout)
	defer cancel()

	actx, span := tracer.Start(actx, "pool.analyze",
		trace.WithAttributes(attribute.String("analyzer.name", name)),
	)
	defer span.End()

	start := time.Now()
	done := make(chan analyzerReturn, 1)
	go func() {
		res, err := a.Analyze(actx, change)
		done <- analyzerReturn{result: res, err: err}
	}()

	var out analyzerReturn
	select {
	case out = <-done:
	case <-actx.Done():
		out = analyzerReturn{err: actx.Err()}
	}
	elapsed := time.Since(start)

	result := p.normalize(name, out, actx, elapsed)
	if result.Status != datatypes.AnalyzerCompleted {
		span.SetStatus(codes.Error, string(result.Status))
		if analyzerFailures != nil {
			analyzerFailures.Add(ctx, 1, metric.WithAttributes(
				attribute.String("analyzer.name", name),
				attribute.String("status", string(result.Status)),
			))
		}
		slog.Warn("analyzer did not complete",
			"analyzer", name,
			"status", result.Status,
			"duration", elapsed,
			"error", result.Error,
		)
	}
	if analyzerDuration != nil {
		analyzerDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
			attribute.String("analyzer.name", name),
			attribute.String("status", string(result.Status)),
		))
	}
	return result
}

// normalize converts an analyzer return into a terminal result, filling the
// zero-score synthetic form for anything short of clean completion.
func (p *Pool) normalize(name string, out analyzerReturn, actx context.Context, elapsed time.Duration) datatypes.AnalyzerResult {
	if out.err == nil && out.result != nil {
		result := *out.result
		result.Analyzer = name
		result.Status = datatypes.AnalyzerCompleted
		result.Duration = elapsed
		return result
	}

	status := datatypes.AnalyzerErrored
	if errors.Is(out.err, context.DeadlineExceeded) || errors.Is(actx.Err(), context.DeadlineExceeded) {
		status = datatypes.AnalyzerTimedOut
	}
	errText := "analyzer returned no result"
	if out.err != nil {
		errText = out.err.Error()
	}
	return datatypes.AnalyzerResult{
		Analyzer: name,
		Score:    0,
		Findings: []datatypes.Finding{{
			Severity: datatypes.SeverityCritical,
			Category: datatypes.CategoryAnalysisIncomplete,
			Message:  "analysis_incomplete: " + name,
		}},
		Status:   status,
		Duration: elapsed,
		Error:    errText,
	}
}
