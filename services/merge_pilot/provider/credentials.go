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
	"errors"

	"github.com/awnumar/memguard"
)

// ErrNoCredential is returned when a credential was never supplied.
var ErrNoCredential = errors.New("provider: credential not configured")

// Credentials holds one provider token in an encrypted enclave so it never
// sits in plain heap memory between uses. The plaintext source buffer is
// wiped during construction.
type Credentials struct {
	token *memguard.Enclave
}

// NewCredentials seals the token. An empty token yields a Credentials that
// reports ErrNoCredential on use, which lets callers defer the check to the
// first operation that actually needs auth.
func NewCredentials(token []byte) *Credentials {
	if len(token) == 0 {
		return &Credentials{}
	}
	return &Credentials{token: memguard.NewEnclave(token)}
}

// WithToken opens the enclave, hands the plaintext to fn, and destroys the
// working copy before returning. fn must not retain the string.
func (c *Credentials) WithToken(fn func(token string) error) error {
	if c == nil || c.token == nil {
		return ErrNoCredential
	}
	buf, err := c.token.Open()
	if err != nil {
		return err
	}
	defer buf.Destroy()
	return fn(buf.String())
}

// Configured reports whether a token was supplied.
func (c *Credentials) Configured() bool {
	return c != nil && c.token != nil
}
