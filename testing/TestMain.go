package testing

import (
	"os"
	stdtesting "testing"

	_ "github.com/odyssey-erp/fulfillment/internal/testing/guard"
)

// TestMain pins test mode even when the caller exported it as disabled.
func TestMain(m *stdtesting.M) {
	_ = os.Setenv("FULFILLMENT_TEST_MODE", "1")
	os.Exit(m.Run())
}
