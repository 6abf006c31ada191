// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides the standard entrypoint error handler for
// Garrison binaries.
package process

import (
	"fmt"
	"os"
)

// Fatal writes "error: err" to stderr and exits. Errors implementing
// ExitCode() int choose their own exit code; everything else exits 1.
// Use it in main() for errors from run() where the structured logger
// may not be initialized yet.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	if coder, ok := err.(interface{ ExitCode() int }); ok {
		os.Exit(coder.ExitCode())
	}
	os.Exit(1)
}
