// Package guard switches a test binary into test mode on import. Packages whose tests
// call app.LoadConfig import it for side effects.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("LANDLEDGER_TEST_MODE") == "" {
			_ = os.Setenv("LANDLEDGER_TEST_MODE", "1")
		}
	})
}
