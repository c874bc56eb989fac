// Copyright 2016-present the fetchd authors. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE for details.

package fetchd

// Stats returns statistics about the task store.
type Stats struct {
	Standby int `json:"standby"` // number of tasks waiting for admission
	Hold    int `json:"hold"`    // number of tasks admitted but not yet running
	Running int `json:"running"` // number of tasks currently being executed
	Done    int `json:"done"`    // number of finished tasks (successful or failed)
}
