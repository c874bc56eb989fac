// Copyright 2016-present the fetchd authors. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE for details.

package fetchd

const (
	// Standby tasks wait to be admitted for execution.
	Standby string = "standby"
	// Hold is the state of tasks admitted into the execution queue
	// but not yet picked up by a slot.
	Hold string = "hold"
	// Running is the state for currently executing tasks.
	Running string = "running"
	// Done is the terminal state, qualified by ResultType.
	Done string = "done"
)

const (
	// ResultPending is the zero result of a task that has not finished.
	ResultPending string = ""
	// ResultSuccess marks tasks whose fetch completed and whose result
	// file was saved and published.
	ResultSuccess string = "success"
	// ResultFailed marks tasks that failed fatally or exhausted their
	// retry budget.
	ResultFailed string = "failed"
	// ResultRetry marks tasks returned to Standby after a recoverable
	// failure; they are eligible for re-admission.
	ResultRetry string = "retry"
)

// Task is a single file-fetch job tracked through the
// Standby/Hold/Running/Done state machine.
type Task struct {
	JobID         string `json:"job_id"`         // opaque unique identifier, assigned at creation
	FetchURI      string `json:"fetch_uri"`      // source location to retrieve
	Status        string `json:"status"`         // current state
	ResultType    string `json:"result_type"`    // "", success, failed or retry
	ResultMessage string `json:"result_message"` // diagnostic, set on terminal or retry transitions
	ResultURL     string `json:"result_url"`     // local file name of the saved content
	Settings      []byte `json:"settings"`       // opaque caller-supplied blob, carried through to the published result
	Created       int64  `json:"created"`        // time when the task was created (in Unix seconds)
	Updated       int64  `json:"updated"`        // time when the task was last updated (in Unix seconds)
}

// Fetched reports whether the task represents a completed, successful
// fetch whose saved file can be reused by duplicate requests for the
// same URI.
func (t *Task) Fetched() bool {
	return t.Status == Done && t.ResultType == ResultSuccess && t.ResultURL != ""
}
