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
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// InfluxConfig locates the health measurement.
//
// The deployment pipeline is expected to write a "service_health" point per
// scrape with float fields "error_rate" and "latency_delta", tagged by repo.
type InfluxConfig struct {
	URL         string `yaml:"url"          validate:"omitempty,url"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
}

// EnsureDefaults fills the measurement name.
func (c *InfluxConfig) EnsureDefaults() {
	if c.Measurement == "" {
		c.Measurement = "service_health"
	}
}

// InfluxHealth reads post-merge health from InfluxDB.
type InfluxHealth struct {
	client      influxdb2.Client
	query       api.QueryAPI
	bucket      string
	measurement string
}

// NewInfluxHealth connects using a token from the sealed credentials.
//
// Inputs:
//
//	cfg - Bucket location. EnsureDefaults is applied.
//	creds - Provider token. Must be configured.
//
// Outputs:
//
//	*InfluxHealth - Ready to sample.
//	error - ErrNoCredential when no token was supplied.
func NewInfluxHealth(cfg InfluxConfig, creds *Credentials) (*InfluxHealth, error) {
	cfg.EnsureDefaults()
	var client influxdb2.Client
	err := creds.WithToken(func(token string) error {
		client = influxdb2.NewClient(cfg.URL, token)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &InfluxHealth{
		client:      client,
		query:       client.QueryAPI(cfg.Org),
		bucket:      cfg.Bucket,
		measurement: cfg.Measurement,
	}, nil
}

// Sample returns the latest error rate and latency delta at or after since.
func (h *InfluxHealth) Sample(ctx context.Context, repo string, since time.Time) (HealthSample, error) {
	flux := fmt.Sprintf(`
from(bucket: %q)
  |> range(start: %s)
  |> filter(fn: (r) => r._measurement == %q and r.repo == %q)
  |> filter(fn: (r) => r._field == "error_rate" or r._field == "latency_delta")
  |> last()`,
		h.bucket, since.UTC().Format(time.RFC3339), h.measurement, repo)

	result, err := h.query.Query(ctx, flux)
	if err != nil {
		return HealthSample{}, fmt.Errorf("health query: %w", err)
	}
	defer result.Close()

	sample := HealthSample{}
	seen := false
	for result.Next() {
		record := result.Record()
		value, ok := record.Value().(float64)
		if !ok {
			continue
		}
		seen = true
		if record.Time().After(sample.SampledAt) {
			sample.SampledAt = record.Time()
		}
		switch record.Field() {
		case "error_rate":
			sample.ErrorRate = value
		case "latency_delta":
			sample.LatencyDelta = value
		}
	}
	if err := result.Err(); err != nil {
		return HealthSample{}, fmt.Errorf("health query: %w", err)
	}
	if !seen {
		return HealthSample{}, ErrNoHealthData
	}
	return sample, nil
}

// Close releases the underlying HTTP client.
func (h *InfluxHealth) Close() {
	h.client.Close()
}

var _ HealthSignal = (*InfluxHealth)(nil)
