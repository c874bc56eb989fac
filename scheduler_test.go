// Copyright 2016-present the fetchd authors. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE for details.

package fetchd

import (
	"strings"
	"testing"
)

func TestSchedulerSchedule(t *testing.T) {
	bus := NewEventBus(nil)
	st := NewInMemoryStore(bus)
	s := NewScheduler(st, bus, nil)

	var received []string
	bus.Subscribe(TopicRequestReceived, func(data interface{}) {
		received = append(received, data.(string))
	})

	task := &Task{FetchURI: "http://x/a.png"}
	if err := s.Schedule(task); err != nil {
		t.Fatalf("Schedule failed with %v", err)
	}
	if task.JobID == "" {
		t.Fatal("expected an assigned JobID")
	}
	if have, want := task.Status, Standby; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if task.Created == 0 || task.Updated != task.Created {
		t.Fatalf("timestamps not stamped: created=%d updated=%d", task.Created, task.Updated)
	}

	stored, err := st.Lookup(task.JobID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if have, want := stored.FetchURI, "http://x/a.png"; have != want {
		t.Fatalf("FetchURI = %q, want %q", have, want)
	}
	if have, want := received, []string{task.JobID}; len(have) != 1 || have[0] != want[0] {
		t.Fatalf("request_received events = %v, want %v", have, want)
	}
}

func TestSchedulerScheduleNoFetchURI(t *testing.T) {
	bus := NewEventBus(nil)
	st := NewInMemoryStore(bus)
	s := NewScheduler(st, bus, nil)

	if err := s.Schedule(&Task{}); err == nil {
		t.Fatal("expected an error")
	}
}

func TestSchedulerKeepsJobID(t *testing.T) {
	bus := NewEventBus(nil)
	st := NewInMemoryStore(bus)
	s := NewScheduler(st, bus, nil)

	task := &Task{JobID: "j1", FetchURI: "http://x/a.png"}
	if err := s.Schedule(task); err != nil {
		t.Fatalf("Schedule failed with %v", err)
	}
	if have, want := task.JobID, "j1"; have != want {
		t.Fatalf("JobID = %q, want %q", have, want)
	}
}

func TestNewJobID(t *testing.T) {
	id := NewJobID()
	if have, want := len(id), 32; have != want {
		t.Fatalf("len(id) = %d, want %d", have, want)
	}
	if strings.Contains(id, "-") {
		t.Fatalf("id %q contains dashes", id)
	}
	if other := NewJobID(); other == id {
		t.Fatalf("ids are not unique: %q", id)
	}
}
