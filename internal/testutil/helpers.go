// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package testutil holds small test-skip helpers shared across package
// test files.
package testutil

import (
	"os"
	"testing"
)

// RequireRoot skips the test unless running as root, the precondition
// internal/prefilter's tests need to actually load an eBPF collection
// into the kernel.
func RequireRoot(t *testing.T) {
	t.Helper()
	if os.Getuid() != 0 {
		t.Skip("skipping test: requires root to load an eBPF collection")
	}
}
