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
	"github.com/AleutianAI/MergePilot/services/merge_pilot/audit"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/datatypes"
)

// ServiceVersion is the merge-pilot service version.
const ServiceVersion = "0.1.0"

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code (optional).
	Code string `json:"code,omitempty"`

	// Details provides additional error context (optional).
	Details string `json:"details,omitempty"`
}

// HealthResponse reports service liveness.
type HealthResponse struct {
	// Status is "ok" when the service is serving.
	Status string `json:"status"`

	// Version is the service version.
	Version string `json:"version"`
}

// RunsResponse is the payload for run listings.
type RunsResponse struct {
	// Runs holds the matching records, newest first.
	Runs []*datatypes.RunRecord `json:"runs"`

	// Count is len(Runs), for clients that stream-parse.
	Count int `json:"count"`
}

// EventsResponse is the payload for a run's audit event listing.
type EventsResponse struct {
	// RunID is the run the events belong to.
	RunID string `json:"run_id"`

	// Events holds the run's lifecycle events in append order.
	Events []audit.Event `json:"events"`
}
