// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/datatypes"
)

// MemoryStore is a Store for tests and ephemeral runs. Records round-trip
// through JSON so tests exercise the same encoding as the durable store.
type MemoryStore struct {
	mu     sync.Mutex
	runs   map[string][]byte
	order  []string // run IDs in creation order
	events map[string][]Event
	claims map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string][]byte),
		events: make(map[string][]Event),
		claims: make(map[string]string),
	}
}

func (s *MemoryStore) CreateRun(ctx context.Context, record *datatypes.RunRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", record.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[record.ID]; ok {
		return fmt.Errorf("%w: %s", ErrRunExists, record.ID)
	}
	s.runs[record.ID] = payload
	s.order = append(s.order, record.ID)
	return nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, record *datatypes.RunRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", record.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.runs[record.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, record.ID)
	}
	var current datatypes.RunRecord
	if err := json.Unmarshal(stored, &current); err != nil {
		return fmt.Errorf("decode run %s: %w", record.ID, err)
	}
	if current.Sealed() {
		return fmt.Errorf("%w: %s", ErrRunSealed, record.ID)
	}
	s.runs[record.ID] = payload
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*datatypes.RunRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	var record datatypes.RunRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", id, err)
	}
	return &record, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter Filter) ([]*datatypes.RunRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var records []*datatypes.RunRecord
	for i := len(s.order) - 1; i >= 0 && len(records) < limit; i-- {
		var record datatypes.RunRecord
		if err := json.Unmarshal(s.runs[s.order[i]], &record); err != nil {
			return nil, fmt.Errorf("decode run %s: %w", s.order[i], err)
		}
		if filter.Repo != "" && (record.Context == nil || record.Context.Repo != filter.Repo) {
			continue
		}
		if filter.Decision != "" && record.Decision != filter.Decision {
			continue
		}
		if filter.Outcome != "" && record.Outcome != filter.Outcome {
			continue
		}
		records = append(records, &record)
	}
	// Creation order approximates time order; make it exact.
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, runID string, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[runID] = append(s.events[runID], event)
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, runID string) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events[runID]))
	copy(out, s.events[runID])
	return out, nil
}

func (s *MemoryStore) ClaimExecution(ctx context.Context, changeID, runID string) (bool, string, error) {
	if err := ctx.Err(); err != nil {
		return false, "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if winner, ok := s.claims[changeID]; ok {
		return winner == runID, winner, nil
	}
	s.claims[changeID] = runID
	return true, runID, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
