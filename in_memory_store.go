// Copyright 2016-present the fetchd authors. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE for details.

package fetchd

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a simple in-memory store implementation.
// It implements the Store interface. State does not survive a process
// restart, so ResetAll has no crash-recovery value here; use one of
// the persistent stores for real deployments.
type InMemoryStore struct {
	bus EventBus

	mu    sync.Mutex
	seq   int64
	tasks map[string]*Task
	order map[string]int64 // insertion sequence, stands in for the auto-increment id
}

// NewInMemoryStore creates a new InMemoryStore. A nil bus disables
// change notification.
func NewInMemoryStore(bus EventBus) *InMemoryStore {
	return &InMemoryStore{
		bus:   bus,
		tasks: make(map[string]*Task),
		order: make(map[string]int64),
	}
}

// Start the store.
func (st *InMemoryStore) Start() error {
	return nil
}

func (st *InMemoryStore) notify() {
	if st.bus != nil {
		st.bus.Publish(TopicTasksUpdated, nil)
	}
}

// Add stores a new task.
func (st *InMemoryStore) Add(task *Task) error {
	if task.JobID == "" {
		return errors.New("fetchd: task has no job_id")
	}
	if task.FetchURI == "" {
		return errors.New("fetchd: task has no fetch_uri")
	}
	st.mu.Lock()
	if _, found := st.tasks[task.JobID]; found {
		st.mu.Unlock()
		return errors.New("fetchd: duplicate job_id")
	}
	st.seq++
	cp := *task
	st.tasks[task.JobID] = &cp
	st.order[task.JobID] = st.seq
	st.mu.Unlock()
	st.notify()
	return nil
}

// Count returns the number of stored tasks.
func (st *InMemoryStore) Count() (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.tasks), nil
}

// ListPending returns non-Done tasks ordered by (created asc, id asc).
func (st *InMemoryStore) ListPending(limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	st.mu.Lock()
	var pending []*Task
	order := make(map[string]int64)
	for _, task := range st.tasks {
		if task.Status != Done {
			cp := *task
			pending = append(pending, &cp)
			order[task.JobID] = st.order[task.JobID]
		}
	}
	st.mu.Unlock()
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].Created != pending[j].Created {
			return pending[i].Created < pending[j].Created
		}
		return order[pending[i].JobID] < order[pending[j].JobID]
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// Lookup returns the task with the specified identifier (or ErrNotFound).
func (st *InMemoryStore) Lookup(jobID string) (*Task, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	task, found := st.tasks[jobID]
	if !found {
		return nil, ErrNotFound
	}
	cp := *task
	return &cp, nil
}

func (st *InMemoryStore) update(jobID string, fn func(*Task)) error {
	st.mu.Lock()
	task, found := st.tasks[jobID]
	if !found {
		st.mu.Unlock()
		return ErrNotFound
	}
	fn(task)
	task.Updated = time.Now().Unix()
	st.mu.Unlock()
	st.notify()
	return nil
}

// SetHold transitions a task to Hold.
func (st *InMemoryStore) SetHold(jobID string) error {
	return st.update(jobID, func(t *Task) {
		t.Status = Hold
	})
}

// SetRunning transitions a task to Running.
func (st *InMemoryStore) SetRunning(jobID string) error {
	return st.update(jobID, func(t *Task) {
		t.Status = Running
	})
}

// SetStandby returns a task to Standby after a recoverable failure.
func (st *InMemoryStore) SetStandby(jobID, resultType, resultMessage string) error {
	return st.update(jobID, func(t *Task) {
		t.Status = Standby
		t.ResultType = resultType
		t.ResultMessage = resultMessage
	})
}

// SetFinished transitions a task to Done.
func (st *InMemoryStore) SetFinished(jobID, resultType, resultMessage string) error {
	return st.update(jobID, func(t *Task) {
		t.Status = Done
		t.ResultType = resultType
		t.ResultMessage = resultMessage
	})
}

// SetResultURL records the saved file name for a job.
func (st *InMemoryStore) SetResultURL(jobID, resultURL string) error {
	return st.update(jobID, func(t *Task) {
		t.ResultURL = resultURL
	})
}

// FindFetched returns the most recent successful fetch of the URI.
func (st *InMemoryStore) FindFetched(fetchURI string) (*Task, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var found *Task
	for _, task := range st.tasks {
		if task.FetchURI != fetchURI || !task.Fetched() {
			continue
		}
		if found == nil || st.order[task.JobID] > st.order[found.JobID] {
			found = task
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

// ResetAll moves every non-Done task back to Standby.
func (st *InMemoryStore) ResetAll() (int, error) {
	st.mu.Lock()
	var n int
	now := time.Now().Unix()
	for _, task := range st.tasks {
		if task.Status == Done {
			continue
		}
		if task.Status != Standby {
			task.Status = Standby
			task.Updated = now
		}
		n++
	}
	st.mu.Unlock()
	if n > 0 {
		st.notify()
	}
	return n, nil
}

// Stats returns the number of tasks per status.
func (st *InMemoryStore) Stats() (*Stats, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	stats := &Stats{}
	for _, task := range st.tasks {
		switch task.Status {
		case Standby:
			stats.Standby++
		case Hold:
			stats.Hold++
		case Running:
			stats.Running++
		case Done:
			stats.Done++
		}
	}
	return stats, nil
}
