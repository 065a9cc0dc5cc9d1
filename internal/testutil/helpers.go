// Package testutil holds small test helpers shared across packages that
// touch real kernel state (netlink links, nft tables) in integration tests.
package testutil

import (
	"os"
	"testing"
)

// RequireVM skips the test unless the HOTSPOTD_VM_TEST environment variable
// is set, so tests exercising real netlink/nft state only run where those
// capabilities are actually available.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv("HOTSPOTD_VM_TEST") == "" {
		t.Skip("skipping test: requires HOTSPOTD_VM_TEST environment")
	}
}
