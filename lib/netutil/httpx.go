// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides bounded HTTP response helpers for the
// orchestrator client and the API gateway.
//
// ReadResponse, DecodeResponse, and ErrorBody bound all response body
// reads at MaxResponseSize to prevent unbounded memory allocation from
// a misbehaving or malicious endpoint. They are for JSON API responses,
// not for streaming transfers, which should be read incrementally with
// io.Copy.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxResponseSize is the bound on JSON API response body reads: 32 MB.
// The orchestrator's largest legitimate responses (full container
// listings on a busy host) are a few megabytes; the limit exists
// solely so a pathological response cannot exhaust system memory.
const MaxResponseSize int64 = 32 << 20

// ReadResponse reads a JSON API response body up to MaxResponseSize
// bytes. Use instead of io.ReadAll when reading HTTP response bodies.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a JSON API response body (up to MaxResponseSize
// bytes) and JSON-decodes it into v. Replaces the common io.ReadAll +
// json.Unmarshal pattern.
func DecodeResponse(body io.Reader, v any) error {
	data, err := ReadResponse(body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody reads an HTTP error response body and returns it as a
// string for diagnostic error messages. Read errors are silently
// ignored — a partial or empty body is still useful in an error
// message.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	return string(data)
}
