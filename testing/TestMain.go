// Package testing forces test mode for suites that boot landledger binaries in-process.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("LANDLEDGER_TEST_MODE", "1")
		if os.Getenv("DELEGATION_SECRET") == "" && os.Getenv("DELEGATION_PUBLIC_KEY") == "" {
			_ = os.Setenv("DELEGATION_SECRET", "landledger-test-secret")
		}
		if os.Getenv("REDIS_ADDR") == "" {
			_ = os.Setenv("REDIS_ADDR", "127.0.0.1:0")
		}
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
