package app

import (
	"os"
	"strconv"
	"sync"
)

// TestModeEnv disables runtime side effects such as listening and dialing.
const TestModeEnv = "FULFILLMENT_TEST_MODE"

var testMode = sync.OnceValue(func() bool {
	enabled, _ := strconv.ParseBool(os.Getenv(TestModeEnv))
	return enabled
})

// InTestMode reports whether binaries should exit before opening backends.
// The environment is read once per process.
func InTestMode() bool {
	return testMode()
}
