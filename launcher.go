// Copyright 2016-present the fetchd authors. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE for details.

package fetchd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

func nop() {}

// drainPollInterval is the repeat interval of the shutdown check that
// waits for the last busy slot to finish.
const drainPollInterval = 10 * time.Millisecond

// Publisher hands result messages to the broker gateway.
type Publisher interface {
	Publish(Message)
}

// Launcher states. Stop moves Running to Draining; the drain check
// moves Draining to Stopped once no slot is busy; Kill forces Stopped
// immediately.
const (
	stateRunning = iota
	stateDraining
	stateStopped
)

// Launcher owns the worker slots executing admitted tasks. Each slot
// repeatedly pulls the next task from the AdmissionQueue, runs the
// fetch/validate/save/publish pipeline, classifies failures and
// reports the outcome back through the queue. The Launcher also owns
// graceful and forced shutdown.
type Launcher struct {
	queue   *AdmissionQueue
	fetcher Fetcher
	gateway Publisher
	logger  Logger

	maxProc     int
	maxRetry    int
	storagePath string
	serveURI    string

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        int
	slots        []*slot
	finished     []string // job ids of completed cycles, bookkeeping
	retryCounter map[string]int
	stoppers     []func() // dependent services, stopped on shutdown
	slotsWg      sync.WaitGroup

	stopOnce sync.Once
	done     chan struct{}

	testTaskStarted   func() // testing hook
	testTaskSucceeded func() // testing hook
	testTaskFailed    func() // testing hook
	testTaskRetry     func() // testing hook
	testTaskDeduped   func() // testing hook
}

// slot is one unit of concurrency: it holds at most one in-flight
// task reference and its cancellation handle.
type slot struct {
	mu     sync.Mutex
	jobID  string
	cancel context.CancelFunc
	busy   bool
}

func (s *slot) acquire(jobID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.jobID = jobID
	s.cancel = cancel
	s.busy = true
	s.mu.Unlock()
}

func (s *slot) release() {
	s.mu.Lock()
	s.jobID = ""
	s.cancel = nil
	s.busy = false
	s.mu.Unlock()
}

func (s *slot) isBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// LauncherOption is the signature of an options provider.
type LauncherOption func(*Launcher)

// SetLauncherLogger specifies the logger used by the launcher.
func SetLauncherLogger(logger Logger) LauncherOption {
	return func(l *Launcher) {
		l.logger = logger
	}
}

// NewLauncher creates a Launcher. The slot count comes from
// cfg.MaxProc; if zero, it is derived from the available CPUs times
// cfg.MaxProcPerCPU.
func NewLauncher(queue *AdmissionQueue, fetcher Fetcher, gateway Publisher, cfg Config, options ...LauncherOption) *Launcher {
	cfg.applyDefaults()
	maxProc := cfg.MaxProc
	if maxProc <= 0 {
		maxProc = runtime.NumCPU() * cfg.MaxProcPerCPU
	}
	l := &Launcher{
		queue:             queue,
		fetcher:           fetcher,
		gateway:           gateway,
		logger:            stdLogger{},
		maxProc:           maxProc,
		maxRetry:          cfg.MaxRetry,
		storagePath:       cfg.StoragePath,
		serveURI:          cfg.ServeURI(),
		retryCounter:      make(map[string]int),
		done:              make(chan struct{}),
		testTaskStarted:   nop,
		testTaskSucceeded: nop,
		testTaskFailed:    nop,
		testTaskRetry:     nop,
		testTaskDeduped:   nop,
	}
	for _, opt := range options {
		opt(l)
	}
	return l
}

// RegisterStopper adds a dependent service to be stopped when the
// launcher drains, e.g. the admission ticker or the gateway.
func (l *Launcher) RegisterStopper(stop func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stoppers = append(l.stoppers, stop)
}

// Start verifies the storage directory and launches the slots. A
// storage directory that cannot be created is a fatal error and must
// stop the whole process.
func (l *Launcher) Start() error {
	if err := os.MkdirAll(l.storagePath, 0755); err != nil {
		return fmt.Errorf("fetchd: cannot create storage directory %s: %w", l.storagePath, err)
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())

	l.mu.Lock()
	l.state = stateRunning
	l.slots = make([]*slot, l.maxProc)
	for i := 0; i < l.maxProc; i++ {
		l.slots[i] = &slot{}
	}
	l.mu.Unlock()

	for i := 0; i < l.maxProc; i++ {
		l.slotsWg.Add(1)
		go l.runSlot(l.slots[i])
	}
	l.logger.Printf("fetchd: launcher started: max_proc=%d", l.maxProc)
	return nil
}

// runSlot is the main goroutine of one slot. A slot that completes a
// cycle immediately requests the next task, so it self-refills until
// shutdown.
func (l *Launcher) runSlot(s *slot) {
	defer l.slotsWg.Done()
	for {
		task, err := l.queue.Next(l.ctx)
		if err != nil {
			return // shutting down
		}
		l.runTask(s, task)
	}
}

// runTask executes a single pipeline cycle on a slot.
func (l *Launcher) runTask(s *slot, task *Task) {
	ctx, cancel := context.WithCancel(l.ctx)
	defer cancel()
	s.acquire(task.JobID, cancel)
	defer func() {
		s.release()
		l.mu.Lock()
		l.finished = append(l.finished, task.JobID)
		l.mu.Unlock()
	}()

	l.logger.Printf("fetchd: running task %s: %s", task.JobID, task.FetchURI)
	l.queue.SetTaskRunning(task.JobID)
	l.testTaskStarted() // testing hook

	// Dedup: reuse the result of a prior successful fetch of the
	// same URI instead of hitting the network again.
	if prior := l.queue.CheckAlreadyFetched(task.FetchURI); prior != nil {
		l.logger.Printf("fetchd: task result already exists: %s", task.JobID)
		l.queue.SetTaskResultURL(task.JobID, prior.ResultURL)
		l.publishResult(prior.ResultURL, task)
		l.succeed(task.JobID)
		l.testTaskDeduped() // testing hook
		return
	}

	content, err := l.fetcher.Fetch(ctx, task.FetchURI)
	if err != nil {
		l.resolveFailure(task.JobID, err)
		return
	}
	fileName, err := l.saveContent(task.JobID, content)
	if err != nil {
		l.resolveFailure(task.JobID, err)
		return
	}
	l.publishResult(fileName, task)
	l.succeed(task.JobID)
}

// saveContent validates the fetched body, sniffs its file extension
// and persists it under the storage path as <job_id><ext>.
func (l *Launcher) saveContent(jobID string, content []byte) (string, error) {
	if len(content) == 0 {
		return "", ErrEmptyResponse
	}
	ext := sniffExtension(content)
	if !validExtension(ext) {
		return "", ErrInvalidContent
	}
	fileName := jobID + ext
	savePath := filepath.Join(l.storagePath, fileName)
	l.logger.Printf("fetchd: save file: %s", fileName)
	if err := ioutil.WriteFile(savePath, content, 0644); err != nil {
		return "", fmt.Errorf("fetchd: writing %s: %v", savePath, err)
	}
	l.queue.SetTaskResultURL(jobID, fileName)
	return fileName, nil
}

// publishResult builds the result message and hands it to the gateway.
// The caller's original settings blob is carried through unchanged.
func (l *Launcher) publishResult(fileName string, task *Task) {
	var settings interface{}
	if len(task.Settings) > 0 {
		if err := json.Unmarshal(task.Settings, &settings); err != nil {
			l.logger.Printf("fetchd: task %s has undecodable settings: %v", task.JobID, err)
		}
	}
	payload := map[string]interface{}{
		"settings":  settings,
		"timestamp": time.Now().Unix(),
		"file_uri":  l.serveURI + fileName,
	}
	l.gateway.Publish(NewMessage(payload, ""))
}

// succeed marks the task done and clears its retry budget.
func (l *Launcher) succeed(jobID string) {
	l.queue.SetTaskSucceeded(jobID, "task finished successfully")
	l.mu.Lock()
	delete(l.retryCounter, jobID)
	l.mu.Unlock()
	l.testTaskSucceeded() // testing hook
}

// fail marks the task terminally failed and clears its retry budget.
func (l *Launcher) fail(jobID, message string) {
	l.logger.Printf("fetchd: %s", message)
	l.queue.SetTaskFailed(jobID, message)
	l.mu.Lock()
	delete(l.retryCounter, jobID)
	l.mu.Unlock()
	l.testTaskFailed() // testing hook
}

// retry returns the task to Standby unless its retry budget is
// exhausted, in which case the failure becomes fatal.
func (l *Launcher) retry(jobID, message string) {
	l.mu.Lock()
	n := l.retryCounter[jobID]
	if n >= l.maxRetry {
		l.mu.Unlock()
		l.fail(jobID, fmt.Sprintf("Max retry has been reached! job id: %s!", jobID))
		return
	}
	l.retryCounter[jobID] = n + 1
	l.mu.Unlock()
	l.logger.Printf("fetchd: %s", message)
	l.queue.SetTaskRetry(jobID, message)
	l.testTaskRetry() // testing hook
}

// resolveFailure applies the failure classification table to whatever
// error reached the slot's handler.
func (l *Launcher) resolveFailure(jobID string, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		if l.currentState() != stateRunning {
			// Cancelled by shutdown. The task was already returned to
			// Standby by ResetAllTasks; leave it alone so it is
			// re-admitted on next start.
			return
		}
		l.fail(jobID, fmt.Sprintf("Fetch has been cancelled! job id: %s!", jobID))
	case errors.Is(err, ErrResponseTooLarge):
		l.fail(jobID, fmt.Sprintf("Response max size exceeded! job id: %s!", jobID))
	case errors.Is(err, ErrInvalidContent):
		l.retry(jobID, fmt.Sprintf("Invalid content type, retry! job id: %s!", jobID))
	case errors.Is(err, ErrNoResponse):
		l.fail(jobID, fmt.Sprintf("No response from the server! job id: %s!", jobID))
	case errors.Is(err, ErrTransport):
		l.fail(jobID, fmt.Sprintf("Connection to server failed! job id: %s!", jobID))
	case errors.Is(err, ErrEmptyResponse):
		l.fail(jobID, fmt.Sprintf("Response has no content! job id: %s!", jobID))
	case errors.Is(err, ErrTimeout):
		l.retry(jobID, fmt.Sprintf("Request timeout, retry! job id: %s!", jobID))
	case errors.Is(err, ErrConnectionRefused):
		l.retry(jobID, fmt.Sprintf("Connection refused, retry! job id: %s!", jobID))
	default:
		l.fail(jobID, fmt.Sprintf("No proper failure found for job id %s: %v", jobID, err))
	}
}

func (l *Launcher) currentState() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Launcher) busySlots() int {
	l.mu.Lock()
	slots := l.slots
	l.mu.Unlock()
	n := 0
	for _, s := range slots {
		if s.isBusy() {
			n++
		}
	}
	return n
}

// Stop initiates a graceful shutdown: all non-terminal tasks are
// returned to Standby, dependent services are stopped, every in-flight
// pipeline is cancelled, and the launcher waits until no slot is busy.
// Stopping an already draining or stopped launcher is a no-op.
func (l *Launcher) Stop() {
	l.mu.Lock()
	if l.state != stateRunning {
		l.mu.Unlock()
		return
	}
	l.state = stateDraining
	stoppers := l.stoppers
	l.mu.Unlock()

	l.logger.Printf("fetchd: shutting down gracefully")
	n := l.queue.ResetAllTasks()
	l.logger.Printf("fetchd: %d tasks returned to standby", n)
	for _, stop := range stoppers {
		stop()
	}
	if l.cancel != nil {
		l.cancel()
	}
	go l.drain()
}

// drain repeats a zero-delay check until no slots remain occupied.
func (l *Launcher) drain() {
	t := time.NewTicker(drainPollInterval)
	defer t.Stop()
	for range t.C {
		if l.busySlots() == 0 {
			break
		}
	}
	l.slotsWg.Wait()
	l.finish()
}

// Kill forces an immediate, unclean shutdown. Used when a second
// termination signal arrives while draining.
func (l *Launcher) Kill() {
	l.logger.Printf("fetchd: forcing unclean shutdown")
	if l.cancel != nil {
		l.cancel()
	}
	l.finish()
}

func (l *Launcher) finish() {
	l.mu.Lock()
	l.state = stateStopped
	l.mu.Unlock()
	l.stopOnce.Do(func() {
		close(l.done)
	})
}

// Done is closed once the launcher has fully stopped.
func (l *Launcher) Done() <-chan struct{} {
	return l.done
}
