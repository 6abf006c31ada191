// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{Validationf("bad port %q", "99999/tcp"), KindValidation},
		{Policyf("transport not encrypted"), KindPolicy},
		{NotFoundf("challenge %d", 42), KindNotFound},
		{Conflictf("duplicate secret name"), KindConflict},
		{Transportf("endpoint unreachable"), KindTransport},
		{Exhaustedf("port allocation gave up"), KindExhausted},
		{errors.New("plain"), KindUnknown},
		{nil, KindUnknown},
	}

	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("KindOf(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := Conflictf("instance already exists")
	wrapped := fmt.Errorf("provisioning challenge 7: %w", inner)
	doubly := fmt.Errorf("request failed: %w", wrapped)

	if !IsKind(doubly, KindConflict) {
		t.Errorf("KindOf(%v) = %v, want conflict", doubly, KindOf(doubly))
	}
}

func TestTransportPreservesCause(t *testing.T) {
	err := Transport(context.DeadlineExceeded, "orchestrator call timed out")

	if !IsKind(err, KindTransport) {
		t.Errorf("KindOf = %v, want transport", KindOf(err))
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("wrapped cause lost")
	}
}

func TestErrorMessage(t *testing.T) {
	err := NotFoundf("secret %q", "db_pass")
	if got, want := err.Error(), `secret "db_pass"`; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	wrapped := Transport(errors.New("connection refused"), "contacting orchestrator")
	if got, want := wrapped.Error(), "contacting orchestrator: connection refused"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
