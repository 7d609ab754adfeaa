// Package guard forces test mode when imported, so binaries linked into
// tests never dial Postgres or Redis.
package guard

import "os"

var defaults = [][2]string{
	{"FULFILLMENT_TEST_MODE", "1"},
	{"STORE_DRIVER", "memory"},
	{"LOCK_BACKEND", "local"},
}

func init() {
	for _, kv := range defaults {
		if _, ok := os.LookupEnv(kv[0]); !ok {
			_ = os.Setenv(kv[0], kv[1])
		}
	}
}
