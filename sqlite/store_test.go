package sqlite

import (
	"testing"

	"github.com/fetchd/fetchd"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(":memory:", nil)
	if err != nil {
		t.Fatalf("NewStore failed with %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func addTask(t *testing.T, st *Store, jobID, uri string, created int64) {
	t.Helper()
	err := st.Add(&fetchd.Task{
		JobID:    jobID,
		FetchURI: uri,
		Status:   fetchd.Standby,
		Created:  created,
		Updated:  created,
	})
	if err != nil {
		t.Fatalf("Add failed with %v", err)
	}
}

func TestStoreRoundtrip(t *testing.T) {
	st := newTestStore(t)
	err := st.Add(&fetchd.Task{
		JobID:    "j1",
		FetchURI: "http://x/a.png",
		Status:   fetchd.Standby,
		Settings: []byte(`{"callback_uri":"http://cb"}`),
		Created:  1,
		Updated:  1,
	})
	if err != nil {
		t.Fatalf("Add failed with %v", err)
	}

	task, err := st.Lookup("j1")
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if have, want := task.FetchURI, "http://x/a.png"; have != want {
		t.Fatalf("FetchURI = %q, want %q", have, want)
	}
	if have, want := string(task.Settings), `{"callback_uri":"http://cb"}`; have != want {
		t.Fatalf("Settings = %q, want %q", have, want)
	}

	if _, err := st.Lookup("nope"); err != fetchd.ErrNotFound {
		t.Fatalf("expected ErrNotFound, have %v", err)
	}

	count, err := st.Count()
	if err != nil {
		t.Fatalf("Count failed with %v", err)
	}
	if have, want := count, 1; have != want {
		t.Fatalf("Count = %d, want %d", have, want)
	}
}

func TestStoreTransitions(t *testing.T) {
	st := newTestStore(t)
	addTask(t, st, "j1", "http://x/a.png", 1)

	if err := st.SetHold("j1"); err != nil {
		t.Fatalf("SetHold failed with %v", err)
	}
	if err := st.SetRunning("j1"); err != nil {
		t.Fatalf("SetRunning failed with %v", err)
	}
	if err := st.SetStandby("j1", fetchd.ResultRetry, "Request timeout"); err != nil {
		t.Fatalf("SetStandby failed with %v", err)
	}
	task, err := st.Lookup("j1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := task.Status, fetchd.Standby; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if have, want := task.ResultType, fetchd.ResultRetry; have != want {
		t.Fatalf("ResultType = %q, want %q", have, want)
	}
	if have, want := task.ResultMessage, "Request timeout"; have != want {
		t.Fatalf("ResultMessage = %q, want %q", have, want)
	}

	if err := st.SetResultURL("j1", "j1.png"); err != nil {
		t.Fatalf("SetResultURL failed with %v", err)
	}
	if err := st.SetFinished("j1", fetchd.ResultSuccess, "task finished successfully"); err != nil {
		t.Fatalf("SetFinished failed with %v", err)
	}
	task, _ = st.Lookup("j1")
	if have, want := task.Status, fetchd.Done; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if have, want := task.ResultURL, "j1.png"; have != want {
		t.Fatalf("ResultURL = %q, want %q", have, want)
	}

	if err := st.SetRunning("nope"); err != fetchd.ErrNotFound {
		t.Fatalf("expected ErrNotFound, have %v", err)
	}
}

func TestStoreListPendingOrder(t *testing.T) {
	st := newTestStore(t)
	addTask(t, st, "j3", "http://x/c.png", 3)
	addTask(t, st, "j1", "http://x/a.png", 1)
	addTask(t, st, "j2", "http://x/b.png", 1) // same created as j1, inserted later
	addTask(t, st, "j4", "http://x/d.png", 4)
	if err := st.SetFinished("j4", fetchd.ResultFailed, "boom"); err != nil {
		t.Fatal(err)
	}

	pending, err := st.ListPending(0)
	if err != nil {
		t.Fatalf("ListPending failed with %v", err)
	}
	if have, want := len(pending), 3; have != want {
		t.Fatalf("len(pending) = %d, want %d", have, want)
	}
	for i, want := range []string{"j1", "j2", "j3"} {
		if have := pending[i].JobID; have != want {
			t.Fatalf("pending[%d] = %q, want %q", i, have, want)
		}
	}
}

func TestStoreFindFetched(t *testing.T) {
	st := newTestStore(t)
	addTask(t, st, "j1", "http://x/a.png", 1)
	addTask(t, st, "j2", "http://x/a.png", 2)

	if _, err := st.FindFetched("http://x/a.png"); err != fetchd.ErrNotFound {
		t.Fatalf("expected ErrNotFound, have %v", err)
	}

	if err := st.SetResultURL("j1", "j1.png"); err != nil {
		t.Fatal(err)
	}
	if err := st.SetFinished("j1", fetchd.ResultSuccess, "ok"); err != nil {
		t.Fatal(err)
	}
	if err := st.SetResultURL("j2", "j2.png"); err != nil {
		t.Fatal(err)
	}
	if err := st.SetFinished("j2", fetchd.ResultSuccess, "ok"); err != nil {
		t.Fatal(err)
	}

	task, err := st.FindFetched("http://x/a.png")
	if err != nil {
		t.Fatalf("FindFetched failed with %v", err)
	}
	// Most recent successful fetch wins.
	if have, want := task.JobID, "j2"; have != want {
		t.Fatalf("JobID = %q, want %q", have, want)
	}
}

func TestStoreResetAll(t *testing.T) {
	st := newTestStore(t)
	addTask(t, st, "j1", "http://x/a.png", 1)
	addTask(t, st, "j2", "http://x/b.png", 2)
	addTask(t, st, "j3", "http://x/c.png", 3)
	if err := st.SetHold("j1"); err != nil {
		t.Fatal(err)
	}
	if err := st.SetRunning("j2"); err != nil {
		t.Fatal(err)
	}
	if err := st.SetFinished("j3", fetchd.ResultSuccess, "ok"); err != nil {
		t.Fatal(err)
	}

	n, err := st.ResetAll()
	if err != nil {
		t.Fatalf("ResetAll failed with %v", err)
	}
	if have, want := n, 2; have != want {
		t.Fatalf("ResetAll = %d, want %d", have, want)
	}
	task, _ := st.Lookup("j3")
	if have, want := task.Status, fetchd.Done; have != want {
		t.Fatalf("task j3: Status = %q, want %q", have, want)
	}
	stats, err := st.Stats()
	if err != nil {
		t.Fatalf("Stats failed with %v", err)
	}
	if have, want := *stats, (fetchd.Stats{Standby: 2, Done: 1}); have != want {
		t.Fatalf("stats = %+v, want %+v", have, want)
	}
}

func TestStoreNotifies(t *testing.T) {
	bus := fetchd.NewEventBus(nil)
	var updates int
	bus.Subscribe(fetchd.TopicTasksUpdated, func(interface{}) { updates++ })

	st, err := NewStore(":memory:", bus)
	if err != nil {
		t.Fatalf("NewStore failed with %v", err)
	}
	defer st.Close()

	addTask(t, st, "j1", "http://x/a.png", 1)
	if err := st.SetHold("j1"); err != nil {
		t.Fatal(err)
	}
	if have, want := updates, 2; have != want {
		t.Fatalf("updates = %d, want %d", have, want)
	}
}
