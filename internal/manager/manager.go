// Package manager is the orchestrator's process supervisor. It owns one
// worker process per account, feeds commands down worker stdin, consumes the
// event stream from worker stdout, and keeps the runs store consistent even
// when a worker dies mid-run.
package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"tgtasker/internal/config"
	"tgtasker/internal/ipc"
	"tgtasker/internal/runtime/supervisor"
	"tgtasker/internal/store"
	"tgtasker/pkg/logx"
)

var (
	ErrWorkerUnavailable = errors.New("worker is not running")
	ErrTaskNotFound      = errors.New("task does not exist")
	ErrAccountMismatch   = errors.New("task is bound to a different account")
	ErrNotLoggedIn       = errors.New("account is not logged in")
)

// BackupNotifier is poked whenever persistent state changes in a way worth
// backing up. Implementations must not block.
type BackupNotifier interface {
	SchedulePush(reason string)
}

type Options struct {
	Settings config.Settings
	Tasks    *store.TasksStore
	Runs     *store.RunsStore

	// WorkerBin is the worker executable. Defaults to tgtasker-worker next to
	// the current binary.
	WorkerBin   string
	DialogLimit int

	Backup BackupNotifier // optional
	Log    logx.Logger
}

// workerHandle is one live worker process. The ipc.Writer serializes command
// writes so concurrent senders cannot interleave partial lines on the pipe.
type workerHandle struct {
	account string
	cmd     *exec.Cmd
	pid     int
	stdin   io.Closer
	out     *ipc.Writer

	done     chan struct{} // closed by the exit watcher
	exitCode int           // valid after done is closed
}

type Manager struct {
	opts Options
	log  logx.Logger

	mu      sync.Mutex
	workers map[string]*workerHandle

	currentRunByAccount  map[string]string
	currentTaskByAccount map[string]string
	accountByRunID       map[string]string

	// stderrLimit throttles relayed worker stderr so a crash-looping worker
	// cannot flood the orchestrator log.
	stderrLimit *rate.Limiter

	// sup owns the per-worker drain and watch goroutines.
	sup *supervisor.Supervisor
}

func New(opts Options) (*Manager, error) {
	if opts.Tasks == nil || opts.Runs == nil {
		return nil, errors.New("manager requires tasks and runs stores")
	}
	if opts.DialogLimit <= 0 {
		opts.DialogLimit = 50
	}
	if opts.WorkerBin == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate worker binary: %w", err)
		}
		opts.WorkerBin = filepath.Join(filepath.Dir(exe), "tgtasker-worker")
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	return &Manager{
		opts:                 opts,
		log:                  opts.Log,
		workers:              map[string]*workerHandle{},
		currentRunByAccount:  map[string]string{},
		currentTaskByAccount: map[string]string{},
		accountByRunID:       map[string]string{},
		stderrLimit:          rate.NewLimiter(rate.Limit(20), 40),
		sup:                  supervisor.New(context.Background(), opts.Log),
	}, nil
}

// LogPath is where a run's worker-side log file lives.
func (m *Manager) LogPath(runID string) string {
	return filepath.Join(m.opts.Settings.RunsDir, runID, "run.log")
}

// IsLoggedIn reports whether the account has a provisioned session.
func (m *Manager) IsLoggedIn(accountName string) bool {
	for _, name := range []string{
		accountName + ".token",
		accountName + ".session",
	} {
		if _, err := os.Stat(filepath.Join(m.opts.Settings.SessionsDir, name)); err == nil {
			return true
		}
	}
	return false
}

// RunningRunID returns the run currently executing on the account, if any.
func (m *Manager) RunningRunID(accountName string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.currentRunByAccount[accountName]
	return id, ok
}

// RunningTaskName returns the task currently executing on the account, if any.
func (m *Manager) RunningTaskName(accountName string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.currentTaskByAccount[accountName]
	return name, ok
}

// HasActiveRuns reports whether any account is executing a run right now.
func (m *Manager) HasActiveRuns() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.currentRunByAccount) > 0
}

// EnsureWorker spawns the account's worker process unless a live one exists.
func (m *Manager) EnsureWorker(ctx context.Context, accountName string) error {
	accountName, err := store.ValidateName(accountName, "account")
	if err != nil {
		return err
	}

	m.mu.Lock()
	h := m.workers[accountName]
	m.mu.Unlock()
	if h != nil && h.alive() {
		return nil
	}
	return m.startWorker(ctx, accountName)
}

func (m *Manager) startWorker(ctx context.Context, accountName string) error {
	cmd := exec.Command(m.opts.WorkerBin,
		"--account", accountName,
		"--workdir", m.opts.Settings.Workdir,
		"--sessions-dir", m.opts.Settings.SessionsDir,
		"--runs-dir", m.opts.Settings.RunsDir,
		"--dialog-limit", strconv.Itoa(m.opts.DialogLimit),
	)
	cmd.Env = append(os.Environ(), "TGTASKER_DATA_DIR="+m.opts.Settings.DataDir)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker for %s: %w", accountName, err)
	}

	h := &workerHandle{
		account: accountName,
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		stdin:   stdin,
		out:     ipc.NewWriter(stdin),
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	m.workers[accountName] = h
	m.mu.Unlock()

	m.log.Info("worker started",
		logx.String("account", accountName), logx.Int("pid", h.pid))

	// The drain goroutines end on their own when the worker's pipes close;
	// the supervisor context is only a safety net. Wait must not run until
	// both pipes hit EOF: os/exec closes the pipes on Wait and buffered data
	// is lost, so an early Wait can drop the final run_finished event and
	// make reconciliation misrecord a finished run.
	eventsDone := make(chan struct{})
	stderrDone := make(chan struct{})
	m.sup.Go0("worker-events:"+accountName, func(context.Context) {
		defer close(eventsDone)
		m.readEvents(accountName, stdout)
	})
	m.sup.Go0("worker-stderr:"+accountName, func(context.Context) {
		defer close(stderrDone)
		m.relayStderr(accountName, stderr)
	})
	m.sup.Go0("worker-watch:"+accountName, func(context.Context) {
		<-eventsDone
		<-stderrDone
		m.watchWorker(h)
	})
	return nil
}

func (h *workerHandle) alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// send writes one command line to the account's worker.
func (m *Manager) send(accountName string, v any) error {
	m.mu.Lock()
	h := m.workers[accountName]
	m.mu.Unlock()
	if h == nil || !h.alive() {
		return ErrWorkerUnavailable
	}
	return h.out.Send(v)
}

// ReloadAccount asks a running worker to re-read its task set. A stopped
// worker needs no reload; it reads fresh state on its next start.
func (m *Manager) ReloadAccount(accountName string) error {
	accountName, err := store.ValidateName(accountName, "account")
	if err != nil {
		return err
	}
	if err := m.send(accountName, ipc.Command{Cmd: ipc.CmdReload}); err != nil {
		if errors.Is(err, ErrWorkerUnavailable) {
			return nil
		}
		return err
	}
	return nil
}

// ShutdownAccount asks the account's worker to exit after its current run.
func (m *Manager) ShutdownAccount(accountName string) error {
	accountName, err := store.ValidateName(accountName, "account")
	if err != nil {
		return err
	}
	if err := m.send(accountName, ipc.Command{Cmd: ipc.CmdShutdown}); err != nil {
		if errors.Is(err, ErrWorkerUnavailable) {
			return nil
		}
		return err
	}
	return nil
}

// Shutdown stops all workers: a cooperative shutdown command first, then
// SIGTERM, then SIGKILL for anything still alive when the context expires.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	handles := make([]*workerHandle, 0, len(m.workers))
	for _, h := range m.workers {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		if err := m.send(h.account, ipc.Command{Cmd: ipc.CmdShutdown}); err != nil && !errors.Is(err, ErrWorkerUnavailable) {
			m.log.Warn("shutdown command failed", logx.String("account", h.account), logx.Err(err))
		}
	}

	grace := time.NewTimer(5 * time.Second)
	defer grace.Stop()
	for _, h := range handles {
		select {
		case <-h.done:
			continue
		case <-ctx.Done():
		case <-grace.C:
		}
		break
	}

	for _, h := range handles {
		if !h.alive() {
			continue
		}
		m.log.Warn("worker did not exit, sending SIGTERM",
			logx.String("account", h.account), logx.Int("pid", h.pid))
		_ = h.cmd.Process.Signal(syscall.SIGTERM)
	}

	killAt := time.NewTimer(3 * time.Second)
	defer killAt.Stop()
	for _, h := range handles {
		select {
		case <-h.done:
			continue
		case <-killAt.C:
		}
		break
	}
	for _, h := range handles {
		if h.alive() {
			m.log.Error("killing unresponsive worker",
				logx.String("account", h.account), logx.Int("pid", h.pid))
			_ = h.cmd.Process.Kill()
		}
	}

	m.sup.Wait()
}
