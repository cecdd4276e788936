// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/datatypes"
)

// ContextSource produces the change under evaluation. The CLI reads changes
// from files; tests inject fixtures.
type ContextSource interface {
	// Fetch returns the change to evaluate. The returned context has had
	// EnsureDefaults applied but is not otherwise validated.
	Fetch(ctx context.Context) (*datatypes.ChangeContext, error)
}

// FileContext reads a change description from a JSON or YAML file. The
// format is chosen by extension: .yaml and .yml decode as YAML, everything
// else as JSON.
type FileContext struct {
	Path string
}

func NewFileContext(path string) *FileContext {
	return &FileContext{Path: path}
}

func (f *FileContext) Fetch(ctx context.Context) (*datatypes.ChangeContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("provider: read change file: %w", err)
	}
	change := &datatypes.ChangeContext{}
	switch strings.ToLower(filepath.Ext(f.Path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, change); err != nil {
			return nil, fmt.Errorf("provider: decode change file %s: %w", f.Path, err)
		}
	default:
		if err := json.Unmarshal(raw, change); err != nil {
			return nil, fmt.Errorf("provider: decode change file %s: %w", f.Path, err)
		}
	}
	change.EnsureDefaults()
	return change, nil
}

// StaticContext returns a fixed change. Fixture for tests and examples.
type StaticContext struct {
	Change *datatypes.ChangeContext
	Err    error
}

func (s *StaticContext) Fetch(ctx context.Context) (*datatypes.ChangeContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Err != nil {
		return nil, s.Err
	}
	change := s.Change
	if change == nil {
		change = &datatypes.ChangeContext{}
	}
	change.EnsureDefaults()
	return change, nil
}

var _ ContextSource = (*FileContext)(nil)
var _ ContextSource = (*StaticContext)(nil)
