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
	"errors"
	"fmt"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/datatypes"
	"github.com/AleutianAI/MergePilot/services/merge_pilot/storage/badger"
)

// Key layout. The time index makes newest-first listing a reverse scan;
// claim keys exist once per change and never change hands. Timestamps are
// zero-padded nanos so byte order matches time order.
//
//	run:<run id>                     -> RunRecord JSON
//	run_ts:<nano>:<run id>           -> run id
//	event:<run id>:<nano>:<suffix>   -> Event JSON
//	claim:<change id>                -> winning run id
const (
	runPrefix   = "run:"
	indexPrefix = "run_ts:"
	eventPrefix = "event:"
	claimPrefix = "claim:"
)

// BadgerStore is the durable audit trail.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens the audit database.
func NewBadgerStore(cfg badger.Config) (*BadgerStore, error) {
	db, err := badger.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("audit store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func runKey(id string) []byte { return []byte(runPrefix + id) }

func indexKey(record *datatypes.RunRecord) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", indexPrefix, record.CreatedAt.UTC().UnixNano(), record.ID))
}

func claimKey(changeID string) []byte { return []byte(claimPrefix + changeID) }

func eventKey(runID string, at time.Time) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", eventPrefix, runID, at.UnixNano(), uuid.NewString()[:8]))
}

func (s *BadgerStore) CreateRun(ctx context.Context, record *datatypes.RunRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", record.ID, err)
	}
	return s.db.Update(ctx, func(txn *dgbadger.Txn) error {
		_, err := txn.Get(runKey(record.ID))
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s", ErrRunExists, record.ID)
		case !errors.Is(err, dgbadger.ErrKeyNotFound):
			return err
		}
		if err := txn.Set(runKey(record.ID), payload); err != nil {
			return err
		}
		return txn.Set(indexKey(record), []byte(record.ID))
	})
}

func (s *BadgerStore) UpdateRun(ctx context.Context, record *datatypes.RunRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", record.ID, err)
	}
	return s.db.Update(ctx, func(txn *dgbadger.Txn) error {
		stored, err := getRun(txn, record.ID)
		if err != nil {
			return err
		}
		if stored.Sealed() {
			return fmt.Errorf("%w: %s", ErrRunSealed, record.ID)
		}
		return txn.Set(runKey(record.ID), payload)
	})
}

func (s *BadgerStore) GetRun(ctx context.Context, id string) (*datatypes.RunRecord, error) {
	var record *datatypes.RunRecord
	err := s.db.View(ctx, func(txn *dgbadger.Txn) error {
		var err error
		record, err = getRun(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func getRun(txn *dgbadger.Txn, id string) (*datatypes.RunRecord, error) {
	item, err := txn.Get(runKey(id))
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var record datatypes.RunRecord
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &record)
	}); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", id, err)
	}
	return &record, nil
}

// ListRuns walks the time index in reverse so the newest records come
// first, loading and filtering records until the limit fills.
func (s *BadgerStore) ListRuns(ctx context.Context, filter Filter) ([]*datatypes.RunRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var records []*datatypes.RunRecord
	err := s.db.View(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(indexPrefix)
		// Seek past the last possible index key, then walk backwards.
		for it.Seek(append(prefix, 0xFF)); it.ValidForPrefix(prefix); it.Next() {
			var id string
			if err := it.Item().Value(func(val []byte) error {
				id = string(val)
				return nil
			}); err != nil {
				return err
			}
			record, err := getRun(txn, id)
			if err != nil {
				return err
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
			records = append(records, record)
			if len(records) == limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *BadgerStore) AppendEvent(ctx context.Context, runID string, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event for %s: %w", runID, err)
	}
	return s.db.Update(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(eventKey(runID, event.At), payload)
	})
}

func (s *BadgerStore) ListEvents(ctx context.Context, runID string) ([]Event, error) {
	var events []Event
	err := s.db.View(ctx, func(txn *dgbadger.Txn) error {
		it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(eventPrefix + runID + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var event Event
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &event)
			}); err != nil {
				return err
			}
			events = append(events, event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// ClaimExecution performs the check-and-set under a serializable badger
// transaction. A commit conflict means another run claimed concurrently,
// which is reported as a lost claim, not an error.
func (s *BadgerStore) ClaimExecution(ctx context.Context, changeID, runID string) (bool, string, error) {
	winner := ""
	err := s.db.Update(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(claimKey(changeID))
		switch {
		case err == nil:
			return item.Value(func(val []byte) error {
				winner = string(val)
				return nil
			})
		case !errors.Is(err, dgbadger.ErrKeyNotFound):
			return err
		}
		return txn.Set(claimKey(changeID), []byte(runID))
	})
	if errors.Is(err, dgbadger.ErrConflict) {
		// Lost the race; read the winner outside the conflicted txn.
		if rerr := s.db.View(ctx, func(txn *dgbadger.Txn) error {
			item, err := txn.Get(claimKey(changeID))
			if err != nil {
				return err
			}
			return item.Value(func(val []byte) error {
				winner = string(val)
				return nil
			})
		}); rerr != nil {
			return false, "", rerr
		}
		return false, winner, nil
	}
	if err != nil {
		return false, "", err
	}
	if winner != "" && winner != runID {
		return false, winner, nil
	}
	return true, runID, nil
}

// Close releases the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

var _ Store = (*BadgerStore)(nil)
