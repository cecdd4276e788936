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
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RequestLogger creates a Gin middleware that logs each request through
// slog after the handler completes.
//
// # Description
//
// Scrape and probe endpoints (/health, /metrics) are skipped; they fire
// every few seconds and would drown real traffic in the log.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/health" || path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		slog.Info("request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", c.Writer.Header().Get("X-Request-ID"),
		)
	}
}

// RateLimit creates a Gin middleware that caps request throughput with a
// token bucket.
//
// # Description
//
// Requests beyond the bucket are rejected immediately with 429 rather than
// queued; the evaluation pipeline already queues on its own run slots, and
// stacking an HTTP-level queue in front of that hides overload from
// callers.
//
// # Inputs
//
//   - rps: Sustained requests per second. Zero or negative disables the
//     limiter.
//   - burst: Bucket size. Values below 1 are raised to 1.
//
// # Thread Safety
//
// Thread-safe. One shared bucket serves all requests.
func RateLimit(rps float64, burst int) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error: "evaluation request rate exceeded",
				Code:  "RATE_LIMITED",
			})
			return
		}
		c.Next()
	}
}

// BearerAuth creates a Gin middleware that requires a static bearer token.
//
// # Description
//
// Compares the Authorization header token against the configured value in
// constant time. An empty configured token disables the check entirely,
// which is the local single-operator default.
//
// # Inputs
//
//   - token: The expected bearer token. Empty disables authentication.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func BearerAuth(token string) gin.HandlerFunc {
	if token == "" {
		return func(c *gin.Context) { c.Next() }
	}
	want := []byte(token)

	return func(c *gin.Context) {
		got := []byte(extractBearerToken(c))
		if subtle.ConstantTimeCompare(want, got) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error: "missing or invalid bearer token",
				Code:  "UNAUTHORIZED",
			})
			return
		}
		c.Next()
	}
}

// extractBearerToken pulls the token out of the Authorization header.
// Returns the empty string when the header is absent or carries a scheme
// other than Bearer. The scheme match is case-insensitive per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
