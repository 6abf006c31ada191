// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"strings"
	"testing"
)

func TestDecodeResponse(t *testing.T) {
	var decoded struct {
		ID string `json:"Id"`
	}
	if err := DecodeResponse(strings.NewReader(`{"Id":"abc123"}`), &decoded); err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if decoded.ID != "abc123" {
		t.Errorf("ID = %q, want %q", decoded.ID, "abc123")
	}
}

func TestDecodeResponseMalformed(t *testing.T) {
	var decoded map[string]any
	if err := DecodeResponse(strings.NewReader(`{"Id":`), &decoded); err == nil {
		t.Fatal("DecodeResponse on truncated JSON succeeded")
	}
}

func TestErrorBodyNeverFails(t *testing.T) {
	if got := ErrorBody(strings.NewReader("secret not found")); got != "secret not found" {
		t.Errorf("ErrorBody = %q", got)
	}
	if got := ErrorBody(strings.NewReader("")); got != "" {
		t.Errorf("ErrorBody on empty reader = %q", got)
	}
}
