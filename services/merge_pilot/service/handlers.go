// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/audit"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/datatypes"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/engine"
)

// Evaluator is the slice of the engine the HTTP layer needs. Keeping it
// narrow lets a configuration reload swap in a freshly built engine while
// requests are in flight.
type Evaluator interface {
	Evaluate(ctx context.Context, change *datatypes.ChangeContext) (*datatypes.RunRecord, error)
}

// Handlers contains the HTTP handlers for merge-pilot.
//
// Thread Safety: safe for concurrent use. SwapEvaluator may race with
// in-flight requests; each request pins the evaluator it started with.
type Handlers struct {
	mu    sync.RWMutex
	eval  Evaluator
	store audit.Store
}

// NewHandlers creates handlers backed by the given engine and audit store.
func NewHandlers(eval Evaluator, store audit.Store) *Handlers {
	return &Handlers{eval: eval, store: store}
}

// SwapEvaluator replaces the engine serving new evaluations. Runs already
// in flight finish on the engine they started with.
func (h *Handlers) SwapEvaluator(eval Evaluator) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.eval = eval
}

func (h *Handlers) evaluator() Evaluator {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.eval
}

// HandleEvaluate handles POST /v1/evaluations.
//
// Description:
//
//	Runs the full evaluation pipeline on the submitted change context and
//	returns the run record. When the verdict is AUTO_MERGE and execution
//	is enabled, the merge and post-merge monitoring continue in the
//	background after the response; poll GET /v1/runs/:id for the terminal
//	outcome.
//
// Request Body:
//
//	datatypes.ChangeContext
//
// Response:
//
//	200 OK: datatypes.RunRecord
//	400 Bad Request: Malformed body or invalid change context
//	503 Service Unavailable: Service is shutting down
//	500 Internal Server Error: Evaluation error
func (h *Handlers) HandleEvaluate(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleEvaluate")

	var change datatypes.ChangeContext
	if err := c.ShouldBindJSON(&change); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	logger.Info("Evaluating change",
		"repo", change.Repo,
		"source_ref", change.SourceRef,
		"target_ref", change.TargetRef)

	record, err := h.evaluator().Evaluate(c.Request.Context(), &change)
	if err != nil {
		statusCode := http.StatusInternalServerError
		errCode := "EVALUATION_FAILED"

		if errors.Is(err, datatypes.ErrInvalidContext) {
			statusCode = http.StatusBadRequest
			errCode = "INVALID_CHANGE"
		} else if errors.Is(err, engine.ErrClosed) {
			statusCode = http.StatusServiceUnavailable
			errCode = "SHUTTING_DOWN"
		} else if errors.Is(err, context.Canceled) {
			statusCode = http.StatusServiceUnavailable
			errCode = "EVALUATION_CANCELLED"
		}

		logger.Error("Evaluation failed", "error", err)
		c.JSON(statusCode, ErrorResponse{
			Error: err.Error(),
			Code:  errCode,
		})
		return
	}

	logger.Info("Evaluation complete",
		"run_id", record.ID,
		"decision", record.Decision,
		"gate_outcome", record.GateOutcome)

	c.JSON(http.StatusOK, record)
}

// HandleGetRun handles GET /v1/runs/:id.
//
// Response:
//
//	200 OK: datatypes.RunRecord
//	404 Not Found: No run with that ID
func (h *Handlers) HandleGetRun(c *gin.Context) {
	requestID := getOrCreateRequestID(c)

	record, err := h.store.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, audit.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: err.Error(),
				Code:  "RUN_NOT_FOUND",
			})
			return
		}
		slog.Error("Run lookup failed", "request_id", requestID, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "LOOKUP_FAILED",
		})
		return
	}

	c.JSON(http.StatusOK, record)
}

// HandleListRuns handles GET /v1/runs.
//
// Query Parameters:
//
//	repo: Filter to one repository (optional)
//	decision: Filter to one decision (optional)
//	outcome: Filter to one terminal outcome (optional)
//	limit: Maximum number of results (optional, default 50)
//
// Response:
//
//	200 OK: RunsResponse, newest first
//	400 Bad Request: Non-numeric limit
func (h *Handlers) HandleListRuns(c *gin.Context) {
	requestID := getOrCreateRequestID(c)

	filter := audit.Filter{
		Repo:     c.Query("repo"),
		Decision: datatypes.Decision(c.Query("decision")),
		Outcome:  datatypes.RunOutcome(c.Query("outcome")),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "limit must be an integer",
				Code:  "INVALID_LIMIT",
			})
			return
		}
		filter.Limit = limit
	}

	runs, err := h.store.ListRuns(c.Request.Context(), filter)
	if err != nil {
		slog.Error("Run listing failed", "request_id", requestID, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "LIST_FAILED",
		})
		return
	}

	c.JSON(http.StatusOK, RunsResponse{Runs: runs, Count: len(runs)})
}

// HandleListEvents handles GET /v1/runs/:id/events.
//
// Response:
//
//	200 OK: EventsResponse in append order
//	404 Not Found: No run with that ID
func (h *Handlers) HandleListEvents(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	runID := c.Param("id")

	// Resolve the run first so unknown IDs 404 instead of returning an
	// empty event list.
	if _, err := h.store.GetRun(c.Request.Context(), runID); err != nil {
		if errors.Is(err, audit.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: err.Error(),
				Code:  "RUN_NOT_FOUND",
			})
			return
		}
		slog.Error("Run lookup failed", "request_id", requestID, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "LOOKUP_FAILED",
		})
		return
	}

	events, err := h.store.ListEvents(c.Request.Context(), runID)
	if err != nil {
		slog.Error("Event listing failed", "request_id", requestID, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "LIST_FAILED",
		})
		return
	}

	c.JSON(http.StatusOK, EventsResponse{RunID: runID, Events: events})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: ServiceVersion,
	})
}

// getOrCreateRequestID gets or creates a request ID.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
