package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"tgtasker/internal/ipc"
	"tgtasker/internal/store"
	"tgtasker/pkg/logx"
)

// fakeRunner is a controllable task execution collaborator.
type fakeRunner struct {
	mu         sync.Mutex
	running    int
	maxRunning int
	started    chan string // receives task names as runs begin

	block    chan struct{} // when non-nil, Run blocks until closed or ctx done
	runErr   error
	identity int64
	idErr    error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{identity: 7, started: make(chan string, 16)}
}

func (f *fakeRunner) ResolveIdentity(ctx context.Context) (int64, error) {
	if f.idErr != nil {
		return 0, f.idErr
	}
	return f.identity, nil
}

func (f *fakeRunner) Run(ctx context.Context, taskName, mode string, limit int) error {
	f.mu.Lock()
	f.running++
	if f.running > f.maxRunning {
		f.maxRunning = f.running
	}
	block := f.block
	f.mu.Unlock()

	select {
	case f.started <- taskName:
	default:
	}

	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()

	if block != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-block:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.runErr
}

// eventSink collects decoded worker events from the output stream.
type eventSink struct {
	mu     sync.Mutex
	events []ipc.Event
	ch     chan ipc.Event
}

func newEventSink() *eventSink { return &eventSink{ch: make(chan ipc.Event, 64)} }

func (s *eventSink) Write(p []byte) (int, error) {
	for _, line := range splitLines(p) {
		if ev, ok := ipc.DecodeEvent(line); ok {
			s.mu.Lock()
			s.events = append(s.events, ev)
			s.mu.Unlock()
			s.ch <- ev
		}
	}
	return len(p), nil
}

func splitLines(p []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range p {
		if b == '\n' {
			if i > start {
				out = append(out, p[start:i])
			}
			start = i + 1
		}
	}
	if start < len(p) {
		out = append(out, p[start:])
	}
	return out
}

func (s *eventSink) wait(t *testing.T, kind string) ipc.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-s.ch:
			switch e := ev.(type) {
			case ipc.Ready:
				if kind == ipc.EvReady {
					return e
				}
			case ipc.RunStarted:
				if kind == ipc.EvRunStarted {
					return e
				}
			case ipc.RunFinished:
				if kind == ipc.EvRunFinished {
					return e
				}
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func (s *eventSink) all() []ipc.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ipc.Event(nil), s.events...)
}

type harness struct {
	w      *Worker
	runner *fakeRunner
	sink   *eventSink
	in     *io.PipeWriter
	done   chan error
	exited bool
	tasks  *store.TasksStore
}

func startHarness(t *testing.T, runner *fakeRunner) *harness {
	t.Helper()
	dir := t.TempDir()
	pr, pw := io.Pipe()
	sink := newEventSink()

	w, err := New(Options{
		AccountName: "alice",
		Workdir:     dir + "/workdir",
		SessionsDir: dir + "/sessions",
		RunsDir:     dir + "/runs",
		DialogLimit: 50,
		Runner:      runner,
		Input:       pr,
		Output:      sink,
		Log:         logx.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{w: w, runner: runner, sink: sink, in: pw, done: make(chan error, 1), tasks: w.tasks}
	go func() { h.done <- w.Run(context.Background()) }()
	h.sink.wait(t, ipc.EvReady)
	t.Cleanup(func() {
		_ = pw.Close()
		h.waitExit(t)
	})
	return h
}

// waitExit blocks until the worker loop returns. Safe to call more than once.
func (h *harness) waitExit(t *testing.T) error {
	t.Helper()
	if h.exited {
		return nil
	}
	select {
	case err := <-h.done:
		h.exited = true
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
		return nil
	}
}

func (h *harness) send(t *testing.T, cmd ipc.Command) {
	t.Helper()
	b, _ := json.Marshal(cmd)
	if _, err := h.in.Write(append(b, '\n')); err != nil {
		t.Fatal(err)
	}
}

func TestManualRunLifecycle(t *testing.T) {
	runner := newFakeRunner()
	h := startHarness(t, runner)

	h.send(t, ipc.Command{Cmd: ipc.CmdRunOnce, RunID: "r1", TaskName: "morning", NumOfDialogs: 10})

	started := h.sink.wait(t, ipc.EvRunStarted).(ipc.RunStarted)
	if started.RunID != "r1" || started.Mode != ipc.ModeManual || started.AccountName != "alice" {
		t.Fatalf("unexpected run_started: %+v", started)
	}
	fin := h.sink.wait(t, ipc.EvRunFinished).(ipc.RunFinished)
	if fin.RunID != "r1" || fin.Status != ipc.StatusSuccess || fin.ExitCode == nil || *fin.ExitCode != 0 {
		t.Fatalf("unexpected run_finished: %+v", fin)
	}
}

func TestRunFaultCapturesTruncatedError(t *testing.T) {
	runner := newFakeRunner()
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	runner.runErr = errors.New(string(long))
	h := startHarness(t, runner)

	h.send(t, ipc.Command{Cmd: ipc.CmdRunOnce, RunID: "r1", TaskName: "morning"})

	fin := h.sink.wait(t, ipc.EvRunFinished).(ipc.RunFinished)
	if fin.Status != ipc.StatusFailed || fin.ExitCode == nil || *fin.ExitCode != 1 {
		t.Fatalf("unexpected run_finished: %+v", fin)
	}
	if fin.ErrorMessage == nil || len(*fin.ErrorMessage) != store.ErrMessageLimit {
		t.Fatalf("error message not truncated to %d: %+v", store.ErrMessageLimit, fin.ErrorMessage)
	}
}

func TestStopRunningRunResolvesStopped(t *testing.T) {
	runner := newFakeRunner()
	runner.block = make(chan struct{})
	h := startHarness(t, runner)

	h.send(t, ipc.Command{Cmd: ipc.CmdRunOnce, RunID: "r1", TaskName: "morning"})
	h.sink.wait(t, ipc.EvRunStarted)

	h.send(t, ipc.Command{Cmd: ipc.CmdStopRun, RunID: "r1"})
	fin := h.sink.wait(t, ipc.EvRunFinished).(ipc.RunFinished)
	if fin.Status != ipc.StatusStopped || fin.ExitCode == nil || *fin.ExitCode != ipc.ExitStopped {
		t.Fatalf("unexpected run_finished: %+v", fin)
	}
	if fin.ErrorMessage != nil {
		t.Fatalf("cooperative stop is not an error: %+v", fin)
	}
}

func TestStopQueuedRunNeverStarts(t *testing.T) {
	runner := newFakeRunner()
	runner.block = make(chan struct{})
	h := startHarness(t, runner)

	// r1 occupies the loop; r2 sits in the queue.
	h.send(t, ipc.Command{Cmd: ipc.CmdRunOnce, RunID: "r1", TaskName: "morning"})
	h.sink.wait(t, ipc.EvRunStarted)
	h.send(t, ipc.Command{Cmd: ipc.CmdRunOnce, RunID: "r2", TaskName: "morning"})
	h.send(t, ipc.Command{Cmd: ipc.CmdStopRun, RunID: "r2"})

	close(runner.block)
	fin := h.sink.wait(t, ipc.EvRunFinished).(ipc.RunFinished)
	if fin.RunID != "r1" {
		t.Fatalf("unexpected finish: %+v", fin)
	}

	// Give the loop a moment; r2 must never surface.
	time.Sleep(300 * time.Millisecond)
	for _, ev := range h.sink.all() {
		if st, ok := ev.(ipc.RunStarted); ok && st.RunID == "r2" {
			t.Fatal("stopped queued run must never start")
		}
	}
}

func TestRunsAreSerial(t *testing.T) {
	runner := newFakeRunner()
	runner.block = make(chan struct{})
	h := startHarness(t, runner)

	for _, id := range []string{"r1", "r2", "r3"} {
		h.send(t, ipc.Command{Cmd: ipc.CmdRunOnce, RunID: id, TaskName: "morning"})
	}
	h.sink.wait(t, ipc.EvRunStarted)
	close(runner.block)

	for i := 0; i < 3; i++ {
		h.sink.wait(t, ipc.EvRunFinished)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if runner.maxRunning != 1 {
		t.Fatalf("max concurrent runs = %d, want 1", runner.maxRunning)
	}
}

func TestScheduledRunFires(t *testing.T) {
	runner := newFakeRunner()
	h := startHarness(t, runner)

	if _, err := h.tasks.Ensure("everyminute", "alice", true); err != nil {
		t.Fatal(err)
	}
	cfg, _ := h.tasks.ReadConfig("everyminute")
	cfg.SignAt = "* * * * *"
	if err := h.tasks.WriteConfig("everyminute", cfg); err != nil {
		t.Fatal(err)
	}
	h.send(t, ipc.Command{Cmd: ipc.CmdReload})

	started := h.sink.wait(t, ipc.EvRunStarted).(ipc.RunStarted)
	if started.Mode != ipc.ModeScheduled || started.TaskName != "everyminute" {
		t.Fatalf("unexpected scheduled start: %+v", started)
	}
	h.sink.wait(t, ipc.EvRunFinished)
}

func TestShutdownCommandExitsLoop(t *testing.T) {
	runner := newFakeRunner()
	runner.block = make(chan struct{})
	h := startHarness(t, runner)

	h.send(t, ipc.Command{Cmd: ipc.CmdRunOnce, RunID: "r1", TaskName: "morning"})
	h.sink.wait(t, ipc.EvRunStarted)

	h.send(t, ipc.Command{Cmd: ipc.CmdShutdown})
	fin := h.sink.wait(t, ipc.EvRunFinished).(ipc.RunFinished)
	if fin.Status != ipc.StatusStopped {
		t.Fatalf("in-flight run should stop on shutdown: %+v", fin)
	}
	if err := h.waitExit(t); err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestCommandStreamEOFShutsDown(t *testing.T) {
	h := startHarness(t, newFakeRunner())
	_ = h.in.Close()
	if err := h.waitExit(t); err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestFingerprintContinuityAcrossReloads(t *testing.T) {
	dir := t.TempDir()
	runner := newFakeRunner()
	w, err := New(Options{
		AccountName: "alice",
		Workdir:     dir + "/workdir",
		SessionsDir: dir + "/sessions",
		RunsDir:     dir + "/runs",
		Runner:      runner,
		Input:       nopReader{},
		Output:      io.Discard,
		Log:         logx.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := w.tasks.Ensure("morning", "alice", true); err != nil {
		t.Fatal(err)
	}
	cfg, _ := w.tasks.ReadConfig("morning")
	cfg.SignAt = "06:00"
	cfg.RandomSeconds = 300
	if err := w.tasks.WriteConfig("morning", cfg); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	w.reloadTasks(now)
	first := w.byName["morning"]
	if first == nil || !first.configOK {
		t.Fatalf("task not loaded: %+v", first)
	}
	// Simulate the loop having computed a fire time with jitter.
	fireAt := now.Add(42 * time.Minute)
	first.nextAt = fireAt

	w.reloadTasks(now.Add(time.Second))
	second := w.byName["morning"]
	if !second.nextAt.Equal(fireAt) {
		t.Fatalf("unchanged fingerprint must preserve nextAt: got %v, want %v", second.nextAt, fireAt)
	}

	// Any config change resets the fire time to "now".
	cfg.RandomSeconds = 60
	if err := w.tasks.WriteConfig("morning", cfg); err != nil {
		t.Fatal(err)
	}
	later := now.Add(2 * time.Second)
	w.reloadTasks(later)
	third := w.byName["morning"]
	if third.nextAt.Equal(fireAt) {
		t.Fatal("changed fingerprint must reset nextAt")
	}
	if !third.nextAt.Equal(later) {
		t.Fatalf("nextAt = %v, want reload time %v", third.nextAt, later)
	}
}

func TestInvalidConfigKeptButNeverFires(t *testing.T) {
	dir := t.TempDir()
	runner := newFakeRunner()
	w, err := New(Options{
		AccountName: "alice",
		Workdir:     dir + "/workdir",
		SessionsDir: dir + "/sessions",
		RunsDir:     dir + "/runs",
		Runner:      runner,
		Input:       nopReader{},
		Output:      io.Discard,
		Log:         logx.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := w.tasks.Ensure("broken", "alice", true); err != nil {
		t.Fatal(err)
	}
	cfg, _ := w.tasks.ReadConfig("broken")
	cfg.SignAt = "not a schedule"
	if err := w.tasks.WriteConfig("broken", cfg); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	w.takeReload() // drain the initial flag; only revalidation may set it below
	w.reloadTasks(now)
	st := w.byName["broken"]
	if st == nil || st.configOK {
		t.Fatalf("broken task must be kept invalid: %+v", st)
	}
	if got := st.nextAt.Sub(now); got != invalidRetryInterval {
		t.Fatalf("invalid retry interval = %v", got)
	}
	if w.soonestValid(now) != nil {
		t.Fatal("invalid task must not be schedulable")
	}
	// Once the retry interval elapses, the loop asks for a reload.
	if w.soonestValid(now.Add(invalidRetryInterval + time.Second)); !w.takeReload() {
		t.Fatal("due invalid task must trigger revalidation")
	}
}

type nopReader struct{}

func (nopReader) Read(p []byte) (int, error) {
	select {} // block forever; tests never read commands through this
}
