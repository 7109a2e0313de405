package surveillance

import (
	"time"
)

// Now returns the current time, used throughout for consistency and to keep
// a single seam for tests that need to fake the clock.
func Now() time.Time {
	return time.Now()
}
