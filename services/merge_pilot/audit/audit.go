// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit persists run records and their transition events.
//
// # Description
//
// The audit trail is the system of record for every evaluation: what the
// analyzers reported, how confidence was computed, which gate fired, what
// was decided, and what happened after the merge. Records are written at
// run start and updated as the run advances; each transition additionally
// appends an immutable event, so the full history survives even though the
// record itself converges to its sealed form. The store also arbitrates
// execution claims, the check-and-set that makes duplicate merge
// submissions impossible.
//
// Two implementations exist: the BadgerDB store for deployments and an
// in-memory store for tests and ephemeral runs.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/datatypes"
)

var (
	// ErrRunExists is returned when creating a run whose ID is taken.
	ErrRunExists = errors.New("audit: run already exists")

	// ErrRunNotFound is returned for unknown run IDs.
	ErrRunNotFound = errors.New("audit: run not found")

	// ErrRunSealed is returned when updating a sealed run.
	ErrRunSealed = errors.New("audit: run is sealed")
)

// Event is one immutable transition in a run's history.
type Event struct {
	At     time.Time `json:"at"`
	Stage  string    `json:"stage"`
	Detail string    `json:"detail,omitempty"`
}

// Filter narrows ListRuns.
type Filter struct {
	// Repo restricts to one repository. Empty matches all.
	Repo string

	// Decision restricts to one decision. Empty matches all.
	Decision datatypes.Decision

	// Outcome restricts to one terminal outcome. Empty matches all.
	Outcome datatypes.RunOutcome

	// Limit caps the result count. Non-positive means DefaultListLimit.
	Limit int
}

// DefaultListLimit caps unbounded listings.
const DefaultListLimit = 50

// Store is the audit trail contract.
//
// Thread Safety: implementations are safe for concurrent use.
type Store interface {
	// CreateRun persists a new record. Fails with ErrRunExists when the
	// run ID is already present.
	CreateRun(ctx context.Context, record *datatypes.RunRecord) error

	// UpdateRun overwrites an existing record. Fails with ErrRunNotFound
	// for unknown IDs and ErrRunSealed when the stored record is sealed.
	UpdateRun(ctx context.Context, record *datatypes.RunRecord) error

	// GetRun returns the record for id.
	GetRun(ctx context.Context, id string) (*datatypes.RunRecord, error)

	// ListRuns returns records newest first.
	ListRuns(ctx context.Context, filter Filter) ([]*datatypes.RunRecord, error)

	// AppendEvent adds one transition event to a run's history.
	AppendEvent(ctx context.Context, runID string, event Event) error

	// ListEvents returns a run's events oldest first.
	ListEvents(ctx context.Context, runID string) ([]Event, error)

	// ClaimExecution atomically claims the right to execute a change.
	// Exactly one run per change ID ever receives true; every later or
	// concurrent claim for the same change ID receives false along with
	// the winning run's ID.
	ClaimExecution(ctx context.Context, changeID, runID string) (won bool, winner string, err error)

	// Close releases the store.
	Close() error
}
