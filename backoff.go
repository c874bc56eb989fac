// Copyright 2016-present the fetchd authors. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE for details.

package fetchd

import "time"

// BackoffFunc is a callback that returns the delay before the next
// reconnect attempt, given the number of consecutive failures so far.
// It is configurable via the SetBackoffFunc option on the Gateway.
type BackoffFunc func(failures int) time.Duration

// linearBackoff is the default backoff function of the Gateway. The
// delay grows by a fixed increment on every consecutive connection
// failure and has no upper bound; a successful reconnect resets the
// failure count to zero.
func linearBackoff(increment time.Duration) BackoffFunc {
	return func(failures int) time.Duration {
		return time.Duration(failures) * increment
	}
}
