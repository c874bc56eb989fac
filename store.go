// Copyright 2016-present the fetchd authors. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE for details.

package fetchd

import "errors"

var (
	// ErrNotFound must be returned from Store implementations when a
	// certain task could not be found in the specific data store.
	ErrNotFound = errors.New("fetchd: task not found")
)

// DefaultPendingLimit caps the number of tasks returned by ListPending
// when the caller passes no limit of its own.
const DefaultPendingLimit = 50

// Store implements persistent storage of tasks.
//
// Every mutating call must be internally atomic and, after the change
// commits, emit TopicTasksUpdated on the event bus the store was
// constructed with.
type Store interface {
	// Start is called once when the service starts up.
	// This is a good time for cleanup. E.g. a persistent store might
	// move tasks from a crashed previous run back into Standby.
	Start() error

	// Add stores a new task. The task must carry a JobID and a FetchURI.
	Add(task *Task) error

	// Count returns the number of tasks in the store.
	Count() (int, error)

	// ListPending returns non-Done tasks ordered by (created asc, id asc),
	// capped at limit (DefaultPendingLimit if limit <= 0).
	ListPending(limit int) ([]*Task, error)

	// Lookup returns the task with the given job identifier.
	// If no such task exists, ErrNotFound is returned.
	Lookup(jobID string) (*Task, error)

	// SetHold transitions a task to Hold.
	SetHold(jobID string) error

	// SetRunning transitions a task to Running.
	SetRunning(jobID string) error

	// SetStandby returns a task to Standby after a recoverable failure,
	// recording the retry result type and diagnostic message.
	SetStandby(jobID, resultType, resultMessage string) error

	// SetFinished transitions a task to Done with the given result type
	// and diagnostic message.
	SetFinished(jobID, resultType, resultMessage string) error

	// SetResultURL records the saved file name for a job.
	SetResultURL(jobID, resultURL string) error

	// FindFetched returns the most recent task with the given fetch URI
	// that is Done, successful and has a result URL, or ErrNotFound.
	// It is the dedup lookup used to short-circuit duplicate fetches.
	FindFetched(fetchURI string) (*Task, error)

	// ResetAll moves every non-Done task back to Standby and returns
	// the number of affected tasks. It is used at startup and shutdown
	// for crash recovery.
	ResetAll() (int, error)

	// Stats returns the number of tasks per status.
	Stats() (*Stats, error)
}
