// Copyright 2016-present the fetchd authors. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE for details.

package fetchd

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Scheduler is the single entry point for new tasks. The request
// surface and the Gateway both submit through it, so every task is
// validated, stamped and stored the same way regardless of origin.
type Scheduler struct {
	st     Store
	bus    EventBus
	logger Logger
}

// NewScheduler creates a Scheduler writing to st and notifying bus.
func NewScheduler(st Store, bus EventBus, logger Logger) *Scheduler {
	if logger == nil {
		logger = stdLogger{}
	}
	return &Scheduler{st: st, bus: bus, logger: logger}
}

// NewJobID returns a fresh job identifier.
func NewJobID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Schedule validates and stores a new task. A missing JobID is
// assigned; a missing FetchURI is an error. On success the task is in
// Standby and TopicRequestReceived has fired.
func (s *Scheduler) Schedule(task *Task) error {
	if task.FetchURI == "" {
		return errors.New("fetchd: task has no fetch_uri")
	}
	if task.JobID == "" {
		task.JobID = NewJobID()
	}
	now := time.Now().Unix()
	task.Status = Standby
	task.ResultType = ResultPending
	task.Created = now
	task.Updated = now
	if err := s.st.Add(task); err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(TopicRequestReceived, task.JobID)
	}
	return nil
}
