// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package testutil

import (
	"os"
	"testing"
)

// RequireVM skips the test if the FASTPATH_VM_TEST environment variable is not set.
// This ensures that tests requiring real kernel capabilities (nftables, nfqueue,
// network namespaces) are only run in the proper environment.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv("FASTPATH_VM_TEST") == "" {
		t.Skip("Skipping test: requires FASTPATH_VM_TEST environment")
	}
}

// RequireRoot skips the test unless it runs as uid 0.
func RequireRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("Skipping test: requires root")
	}
}
