// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/MergePilot/services/merge_pilot/provider"
)

// Load reads a YAML configuration file.
//
// Description:
//
//	The file is expanded with os.ExpandEnv, then unmarshalled twice: once
//	to learn which profile it declares, and again over that profile's base
//	so the file's explicit fields win and everything else keeps the
//	profile value. The result must pass Validate.
//
// Inputs:
//   - path: configuration file path.
//
// Outputs:
//   - *Config: the layered, validated configuration.
//   - error: unreadable file, bad YAML, unknown profile, or a value the
//     runtime would reject.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse([]byte(os.ExpandEnv(string(raw))))
}

// Parse layers YAML bytes over their declared profile and validates the
// result. Exposed for tests and for callers that fetch configuration from
// somewhere other than a file.
func Parse(data []byte) (*Config, error) {
	// First pass: which profile is the base, and does the file carry its
	// own weight table.
	var head struct {
		Profile string             `yaml:"profile"`
		Weights map[string]float64 `yaml:"weights"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	cfg, err := ForProfile(head.Profile)
	if err != nil {
		return nil, err
	}

	// A file-supplied weight table replaces the default wholesale. Without
	// this reset the second unmarshal would merge the two maps and the sum
	// check would fail with a confusing total.
	if head.Weights != nil {
		cfg.Weights = nil
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// HostCredentials reads the hosting provider token named by the
// configuration into a guarded enclave. An unset or empty variable yields
// unconfigured credentials, which the static host accepts and real hosts
// reject at first use.
func (c *Config) HostCredentials() *provider.Credentials {
	return envCredentials(c.Provider.HostTokenEnv)
}

// InfluxCredentials reads the InfluxDB token named by the configuration.
func (c *Config) InfluxCredentials() *provider.Credentials {
	return envCredentials(c.Provider.InfluxTokenEnv)
}

// OpenAIKey returns the completion assist key, or "" when unset.
func (c *Config) OpenAIKey() string {
	if c.Analyzers.OpenAIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Analyzers.OpenAIKeyEnv)
}

func envCredentials(env string) *provider.Credentials {
	if env == "" {
		return provider.NewCredentials(nil)
	}
	return provider.NewCredentials([]byte(os.Getenv(env)))
}
