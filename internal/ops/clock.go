package ops

import "time"

// now is replaced in tests.
var now = func() time.Time {
	return time.Now().UTC()
}
