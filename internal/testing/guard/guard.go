// Package guard flags the process as a test run. Test packages blank-import it
// so runtime side effects (worker startup, migrations) stay off.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("BILLING_TEST_MODE") == "" {
			_ = os.Setenv("BILLING_TEST_MODE", "1")
		}
	})
}
