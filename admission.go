// Copyright 2016-present the fetchd authors. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE for details.

package fetchd

import (
	"context"
	"sync"
	"time"
)

// AdmissionQueue rates the flow of Standby tasks into execution. A
// fixed timer promotes at most one Standby task per tick into a small
// bounded FIFO feeding the worker slots, so admission is throttled to
// one task per poll interval regardless of FIFO capacity.
//
// The queue keeps a read-through cache of pending tasks, invalidated
// by TopicTasksUpdated, so a poll tick does not hit the store unless
// it actually promotes.
type AdmissionQueue struct {
	st           Store
	logger       Logger
	pollInterval time.Duration

	queue chan *Task

	mu         sync.Mutex
	candidates []*Task
	started    bool
	stop       chan struct{}

	testTaskAdmitted func() // testing hook
}

// AdmissionOption is the signature of an options provider.
type AdmissionOption func(*AdmissionQueue)

// SetAdmissionLogger specifies the logger used by the queue.
func SetAdmissionLogger(logger Logger) AdmissionOption {
	return func(q *AdmissionQueue) {
		q.logger = logger
	}
}

// SetPollInterval overrides the default 1s admission tick.
func SetPollInterval(d time.Duration) AdmissionOption {
	return func(q *AdmissionQueue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

// NewAdmissionQueue creates an AdmissionQueue over st with the given
// FIFO capacity (pollSize; 5 if <= 0). It subscribes to bus for
// store-change notifications. Call Start to begin polling.
func NewAdmissionQueue(st Store, bus EventBus, pollSize int, options ...AdmissionOption) *AdmissionQueue {
	if pollSize <= 0 {
		pollSize = 5
	}
	q := &AdmissionQueue{
		st:               st,
		logger:           stdLogger{},
		pollInterval:     1 * time.Second,
		queue:            make(chan *Task, pollSize),
		testTaskAdmitted: nop,
	}
	for _, opt := range options {
		opt(q)
	}
	if bus != nil {
		bus.Subscribe(TopicTasksUpdated, func(interface{}) {
			q.refresh()
		})
	}
	return q
}

// Start refreshes the candidate cache and begins the poll ticker.
func (q *AdmissionQueue) Start() {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.stop = make(chan struct{})
	q.mu.Unlock()

	q.refresh()

	go func() {
		t := time.NewTicker(q.pollInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				q.Poll()
			case <-q.stop:
				return
			}
		}
	}()
}

// Stop halts the poll ticker. Admitted tasks already in the FIFO stay
// there; ResetAllTasks returns them to Standby on shutdown.
func (q *AdmissionQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started {
		return
	}
	q.started = false
	close(q.stop)
}

// refresh reloads the candidate cache from the store.
func (q *AdmissionQueue) refresh() {
	candidates, err := q.st.ListPending(DefaultPendingLimit)
	if err != nil {
		q.logger.Printf("fetchd: admission: refreshing tasks: %v", err)
		return
	}
	q.mu.Lock()
	q.candidates = candidates
	q.mu.Unlock()
}

// Poll promotes at most one Standby candidate to Hold and enqueues it.
// It is a no-op while the FIFO still holds an undelivered task: the
// slots have not caught up, so promoting further would only move the
// backlog out of the store ahead of demand.
func (q *AdmissionQueue) Poll() {
	if len(q.queue) > 0 {
		return
	}
	c, err := q.st.Count()
	if err != nil {
		q.logger.Printf("fetchd: admission: counting tasks: %v", err)
		return
	}
	if c == 0 {
		return
	}

	q.mu.Lock()
	candidates := q.candidates
	q.mu.Unlock()

	for _, task := range candidates {
		if task.Status != Standby {
			continue
		}
		if err := q.st.SetHold(task.JobID); err != nil {
			q.logger.Printf("fetchd: admission: holding task %s: %v", task.JobID, err)
			return
		}
		task.Status = Hold
		q.logger.Printf("fetchd: admission: task %s queued", task.JobID)
		q.testTaskAdmitted() // testing hook
		select {
		case q.queue <- task:
		default:
			// FIFO full; the task stays in Hold and is returned to
			// Standby by ResetAllTasks on shutdown or restart.
		}
		return
	}
}

// Next returns the next admitted task, suspending the caller until one
// is available or ctx is done. Concurrent callers are served
// first-ready-first-served.
func (q *AdmissionQueue) Next(ctx context.Context) (*Task, error) {
	select {
	case task := <-q.queue:
		return task, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// -- Forwarding calls to the store --
//
// Store failures on this path are logged and swallowed: they must not
// crash the admission or execution paths.

// CheckAlreadyFetched returns a prior successful fetch of uri, or nil.
func (q *AdmissionQueue) CheckAlreadyFetched(uri string) *Task {
	task, err := q.st.FindFetched(uri)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		q.logger.Printf("fetchd: admission: dedup lookup for %s: %v", uri, err)
		return nil
	}
	return task
}

// SetTaskRunning marks a task as running.
func (q *AdmissionQueue) SetTaskRunning(jobID string) {
	if err := q.st.SetRunning(jobID); err != nil {
		q.logger.Printf("fetchd: admission: set running %s: %v", jobID, err)
	}
}

// SetTaskSucceeded marks a task as finished successfully.
func (q *AdmissionQueue) SetTaskSucceeded(jobID, resultMessage string) {
	if err := q.st.SetFinished(jobID, ResultSuccess, resultMessage); err != nil {
		q.logger.Printf("fetchd: admission: set succeeded %s: %v", jobID, err)
	}
}

// SetTaskFailed marks a task as finished with a failure.
func (q *AdmissionQueue) SetTaskFailed(jobID, resultMessage string) {
	if err := q.st.SetFinished(jobID, ResultFailed, resultMessage); err != nil {
		q.logger.Printf("fetchd: admission: set failed %s: %v", jobID, err)
	}
}

// SetTaskRetry returns a task to Standby for re-admission.
func (q *AdmissionQueue) SetTaskRetry(jobID, resultMessage string) {
	if err := q.st.SetStandby(jobID, ResultRetry, resultMessage); err != nil {
		q.logger.Printf("fetchd: admission: set retry %s: %v", jobID, err)
	}
}

// SetTaskResultURL records the saved file name for a job.
func (q *AdmissionQueue) SetTaskResultURL(jobID, resultURL string) {
	if err := q.st.SetResultURL(jobID, resultURL); err != nil {
		q.logger.Printf("fetchd: admission: set result url %s: %v", jobID, err)
	}
}

// ResetAllTasks moves every non-terminal task back to Standby and
// returns the number of affected tasks.
func (q *AdmissionQueue) ResetAllTasks() int {
	n, err := q.st.ResetAll()
	if err != nil {
		q.logger.Printf("fetchd: admission: resetting tasks: %v", err)
		return 0
	}
	return n
}
