// Copyright 2016-present the fetchd authors. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE for details.

package fetchd

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

var pngContent = append([]byte("\x89PNG\r\n\x1a\n"), []byte("fake image data")...)

// fakeFetcher returns a canned response for every URI.
type fakeFetcher struct {
	content []byte
	err     error
}

func (f fakeFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.content, nil
}

// fakePublisher records published messages.
type fakePublisher struct {
	mu       sync.Mutex
	messages []Message
}

func (p *fakePublisher) Publish(m Message) {
	p.mu.Lock()
	p.messages = append(p.messages, m)
	p.mu.Unlock()
}

func (p *fakePublisher) published() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message{}, p.messages...)
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		MaxProc:     1,
		StoragePath: t.TempDir(),
		PublicURL:   "http://files.local",
	}
}

// newTestLauncher wires a launcher over a fast-ticking admission
// queue. Set testing hooks on the returned launcher before calling
// start.
func newTestLauncher(t *testing.T, st Store, bus EventBus, fetcher Fetcher, pub Publisher, cfg Config) (*Launcher, func()) {
	t.Helper()
	q := NewAdmissionQueue(st, bus, cfg.PollSize,
		SetAdmissionLogger(discardLogger{}),
		SetPollInterval(5*time.Millisecond))
	l := NewLauncher(q, fetcher, pub, cfg, SetLauncherLogger(discardLogger{}))
	start := func() {
		if err := l.Start(); err != nil {
			t.Fatalf("Start failed with %v", err)
		}
		q.Start()
		t.Cleanup(func() {
			q.Stop()
			l.Stop()
			select {
			case <-l.Done():
			case <-time.After(2 * time.Second):
				t.Fatal("launcher did not stop")
			}
		})
	}
	return l, start
}

func TestLauncherSuccess(t *testing.T) {
	bus := NewEventBus(nil)
	st := NewInMemoryStore(bus)
	addTask(t, st, "j1", "http://x/a.png", 1)

	pub := &fakePublisher{}
	cfg := testConfig(t)
	l, start := newTestLauncher(t, st, bus, fakeFetcher{content: pngContent}, pub, cfg)
	succeeded := make(chan struct{}, 1)
	l.testTaskSucceeded = func() { succeeded <- struct{}{} }
	start()

	select {
	case <-succeeded:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not succeed")
	}

	task, err := st.Lookup("j1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := task.Status, Done; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if have, want := task.ResultType, ResultSuccess; have != want {
		t.Fatalf("ResultType = %q, want %q", have, want)
	}
	if have, want := task.ResultURL, "j1.png"; have != want {
		t.Fatalf("ResultURL = %q, want %q", have, want)
	}
	if _, err := os.Stat(filepath.Join(cfg.StoragePath, "j1.png")); err != nil {
		t.Fatalf("saved file missing: %v", err)
	}

	messages := pub.published()
	if have, want := len(messages), 1; have != want {
		t.Fatalf("published %d messages, want %d", have, want)
	}
	payload, ok := messages[0][messageKey].(map[string]interface{})
	if !ok {
		t.Fatalf("message has no payload: %v", messages[0])
	}
	if have, want := payload["file_uri"], "http://files.local/files/j1.png"; have != want {
		t.Fatalf("file_uri = %q, want %q", have, want)
	}
}

func TestLauncherRetryExhaustion(t *testing.T) {
	bus := NewEventBus(nil)
	st := NewInMemoryStore(bus)
	addTask(t, st, "j1", "http://x/a.png", 1)

	cfg := testConfig(t)
	cfg.MaxRetry = 2
	l, start := newTestLauncher(t, st, bus, fakeFetcher{err: ErrTimeout}, &fakePublisher{}, cfg)
	retried := make(chan struct{}, 8)
	failed := make(chan struct{}, 1)
	l.testTaskRetry = func() { retried <- struct{}{} }
	l.testTaskFailed = func() { failed <- struct{}{} }
	start()

	// Two recoverable attempts, then the budget is spent and the third
	// attempt fails terminally.
	for i := 0; i < 2; i++ {
		select {
		case <-retried:
		case <-time.After(2 * time.Second):
			t.Fatalf("attempt %d was not retried", i+1)
		}
	}
	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not fail after exhausting retries")
	}

	task, err := st.Lookup("j1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := task.Status, Done; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if have, want := task.ResultType, ResultFailed; have != want {
		t.Fatalf("ResultType = %q, want %q", have, want)
	}
	if have, want := task.ResultMessage, "Max retry has been reached! job id: j1!"; have != want {
		t.Fatalf("ResultMessage = %q, want %q", have, want)
	}
}

func TestLauncherDedup(t *testing.T) {
	bus := NewEventBus(nil)
	st := NewInMemoryStore(bus)
	addTask(t, st, "j1", "http://x/a.png", 1)
	if err := st.SetResultURL("j1", "j1.png"); err != nil {
		t.Fatal(err)
	}
	if err := st.SetFinished("j1", ResultSuccess, "ok"); err != nil {
		t.Fatal(err)
	}
	addTask(t, st, "j2", "http://x/a.png", 2)

	pub := &fakePublisher{}
	cfg := testConfig(t)
	// The fetcher must not be hit; an error here would fail the task.
	l, start := newTestLauncher(t, st, bus, fakeFetcher{err: ErrNoResponse}, pub, cfg)
	deduped := make(chan struct{}, 1)
	l.testTaskDeduped = func() { deduped <- struct{}{} }
	start()

	select {
	case <-deduped:
	case <-time.After(2 * time.Second):
		t.Fatal("task was not deduplicated")
	}

	task, err := st.Lookup("j2")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := task.Status, Done; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if have, want := task.ResultType, ResultSuccess; have != want {
		t.Fatalf("ResultType = %q, want %q", have, want)
	}
	if have, want := task.ResultURL, "j1.png"; have != want {
		t.Fatalf("ResultURL = %q, want %q", have, want)
	}
	if have, want := len(pub.published()), 1; have != want {
		t.Fatalf("published %d messages, want %d", have, want)
	}
}

func TestLauncherEmptyResponse(t *testing.T) {
	bus := NewEventBus(nil)
	st := NewInMemoryStore(bus)
	addTask(t, st, "j1", "http://x/a.png", 1)

	cfg := testConfig(t)
	l, start := newTestLauncher(t, st, bus, fakeFetcher{content: []byte{}}, &fakePublisher{}, cfg)
	failed := make(chan struct{}, 1)
	l.testTaskFailed = func() { failed <- struct{}{} }
	start()

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not fail")
	}

	task, err := st.Lookup("j1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := task.ResultType, ResultFailed; have != want {
		t.Fatalf("ResultType = %q, want %q", have, want)
	}
	if have, want := task.ResultMessage, "Response has no content! job id: j1!"; have != want {
		t.Fatalf("ResultMessage = %q, want %q", have, want)
	}
}

func TestLauncherInvalidContent(t *testing.T) {
	bus := NewEventBus(nil)
	st := NewInMemoryStore(bus)
	addTask(t, st, "j1", "http://x/a.png", 1)

	cfg := testConfig(t)
	l, start := newTestLauncher(t, st, bus, fakeFetcher{content: []byte("not an image")}, &fakePublisher{}, cfg)
	retried := make(chan struct{}, 8)
	l.testTaskRetry = func() { retried <- struct{}{} }
	start()

	select {
	case <-retried:
	case <-time.After(2 * time.Second):
		t.Fatal("task was not retried")
	}
}

func TestLauncherStopResetsTasks(t *testing.T) {
	bus := NewEventBus(nil)
	st := NewInMemoryStore(bus)
	addTask(t, st, "j1", "http://x/a.png", 1)
	if err := st.SetHold("j1"); err != nil {
		t.Fatal(err)
	}

	q := NewAdmissionQueue(st, bus, 5, SetAdmissionLogger(discardLogger{}))
	cfg := testConfig(t)
	l := NewLauncher(q, fakeFetcher{content: pngContent}, &fakePublisher{}, cfg, SetLauncherLogger(discardLogger{}))
	if err := l.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}

	var stopped bool
	l.RegisterStopper(func() { stopped = true })
	l.Stop()

	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("launcher did not stop")
	}
	if !stopped {
		t.Fatal("registered stopper was not called")
	}
	task, err := st.Lookup("j1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := task.Status, Standby; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}
}
