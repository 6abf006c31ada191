// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

// Package fault defines the error taxonomy shared by the store,
// lifecycle, vault, orchestrator, and api packages.
//
// Every error that crosses a component boundary carries a Kind so the
// API gateway can map it to an HTTP status without string matching:
// validation and policy failures are rejected at the boundary,
// not-found and conflict outcomes are first-class results callers
// branch on, transport failures degrade to "unavailable", and port
// exhaustion is reported explicitly instead of looping.
//
// Internal plumbing still wraps with fmt.Errorf and %w; KindOf walks
// the wrap chain, so a fault keeps its kind no matter how many layers
// annotate it on the way up.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for boundary handling.
type Kind int

const (
	// KindUnknown is the zero Kind: an error that carries no
	// classification. The gateway treats it as an internal error.
	KindUnknown Kind = iota

	// KindValidation marks malformed input: port specs, secret
	// names, image references.
	KindValidation

	// KindPolicy marks operations refused by policy, such as secret
	// creation without both transport legs encrypted.
	KindPolicy

	// KindNotFound marks references to challenges, instances, or
	// secrets that do not exist.
	KindNotFound

	// KindConflict marks state conflicts: revert before eligibility,
	// duplicate secret names, secrets still referenced, duplicate
	// instance keys.
	KindConflict

	// KindTransport marks orchestrator transport failures:
	// unreachable endpoint, timeout, unparsable response.
	KindTransport

	// KindExhausted marks resource allocation giving up, such as the
	// port allocator exceeding its attempt cap.
	KindExhausted
)

// String returns the kind's name for logs and error messages.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPolicy:
		return "policy"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransport:
		return "transport"
	case KindExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Error is a kind-tagged error. Construct via the kind-specific
// helpers (Validationf, NotFoundf, ...) rather than directly.
type Error struct {
	kind    Kind
	message string
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return e.message + ": " + e.wrapped.Error()
	}
	return e.message
}

// Unwrap exposes the cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error { return e.wrapped }

// Kind returns the error's classification.
func (e *Error) Kind() Kind { return e.kind }

// KindOf returns the Kind of the first fault.Error in err's wrap
// chain, or KindUnknown if there is none.
func KindOf(err error) Kind {
	var fault *Error
	if errors.As(err, &fault) {
		return fault.kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Validationf returns a KindValidation error.
func Validationf(format string, args ...any) error {
	return newf(KindValidation, format, args...)
}

// Policyf returns a KindPolicy error.
func Policyf(format string, args ...any) error {
	return newf(KindPolicy, format, args...)
}

// NotFoundf returns a KindNotFound error.
func NotFoundf(format string, args ...any) error {
	return newf(KindNotFound, format, args...)
}

// Conflictf returns a KindConflict error.
func Conflictf(format string, args ...any) error {
	return newf(KindConflict, format, args...)
}

// Transportf returns a KindTransport error.
func Transportf(format string, args ...any) error {
	return newf(KindTransport, format, args...)
}

// Exhaustedf returns a KindExhausted error.
func Exhaustedf(format string, args ...any) error {
	return newf(KindExhausted, format, args...)
}

// Transport wraps an underlying transport error (connection refused,
// context deadline exceeded, JSON decode failure) with a message,
// preserving the cause for errors.Is checks like
// errors.Is(err, context.DeadlineExceeded).
func Transport(err error, message string) error {
	return &Error{kind: KindTransport, message: message, wrapped: err}
}

func newf(kind Kind, format string, args ...any) error {
	return &Error{kind: kind, message: fmt.Sprintf(format, args...)}
}
