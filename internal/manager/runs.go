package manager

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/google/uuid"

	"tgtasker/internal/ipc"
	"tgtasker/internal/store"
	"tgtasker/pkg/logx"
)

// StartRun schedules a manual run of the task on its bound account and
// returns the run ID. The run record is created queued before the command is
// dispatched, so a crash between the two leaves a visible queued record
// rather than a silent loss.
func (m *Manager) StartRun(ctx context.Context, taskName, accountName string, numOfDialogs int) (string, error) {
	taskName, err := store.ValidateName(taskName, "task")
	if err != nil {
		return "", err
	}
	accountName, err = store.ValidateName(accountName, "account")
	if err != nil {
		return "", err
	}

	task, ok := m.opts.Tasks.Get(taskName)
	if !ok {
		return "", ErrTaskNotFound
	}
	if task.AccountName != accountName {
		return "", ErrAccountMismatch
	}
	if !m.IsLoggedIn(accountName) {
		return "", ErrNotLoggedIn
	}

	if err := m.EnsureWorker(ctx, accountName); err != nil {
		return "", err
	}

	if numOfDialogs <= 0 {
		numOfDialogs = m.opts.DialogLimit
	}
	runID := uuid.NewString()
	if err := m.opts.Runs.Create(ctx, store.RunRecord{
		RunID:       runID,
		TaskName:    taskName,
		AccountName: accountName,
		Mode:        ipc.ModeManual,
		Status:      store.RunQueued,
		CreatedAt:   store.NowISO(),
	}); err != nil {
		return "", fmt.Errorf("create run record: %w", err)
	}

	m.mu.Lock()
	m.accountByRunID[runID] = accountName
	m.mu.Unlock()

	if err := m.send(accountName, ipc.Command{
		Cmd:          ipc.CmdRunOnce,
		RunID:        runID,
		TaskName:     taskName,
		NumOfDialogs: numOfDialogs,
	}); err != nil {
		return "", err
	}
	m.notifyBackup("run_start")
	return runID, nil
}

// StopRun requests cancellation of a queued or running run. The record is
// optimistically marked stopping; the terminal status arrives with the
// worker's run_finished event. Returns false when the run's worker is gone.
func (m *Manager) StopRun(runID string) (bool, error) {
	if runID == "" {
		return false, nil
	}

	m.mu.Lock()
	accountName := m.accountByRunID[runID]
	m.mu.Unlock()
	if accountName == "" {
		run, err := m.opts.Runs.Get(context.Background(), runID)
		if err != nil {
			return false, nil
		}
		accountName = run.AccountName
	}

	m.mu.Lock()
	h := m.workers[accountName]
	m.mu.Unlock()
	if h == nil || !h.alive() {
		return false, nil
	}

	if err := m.opts.Runs.Update(context.Background(), runID, store.RunUpdate{Status: strPtr(store.RunStopping)}); err != nil {
		return false, err
	}
	if err := m.send(accountName, ipc.Command{Cmd: ipc.CmdStopRun, RunID: runID}); err != nil {
		return false, err
	}
	m.notifyBackup("run_stop")
	return true, nil
}

func (m *Manager) notifyBackup(reason string) {
	if m.opts.Backup != nil {
		m.opts.Backup.SchedulePush(reason)
	}
}

// readEvents consumes the worker's stdout event stream until EOF.
func (m *Manager) readEvents(accountName string, r io.Reader) {
	sc := ipc.NewScanner(r)
	for sc.Scan() {
		ev, ok := ipc.DecodeEvent(sc.Bytes())
		if !ok {
			continue
		}
		m.handleEvent(accountName, ev)
	}
}

func (m *Manager) handleEvent(accountName string, ev ipc.Event) {
	switch e := ev.(type) {
	case ipc.Ready:
		m.log.Info("worker ready",
			logx.String("account", accountName), logx.Int("pid", e.PID))

	case ipc.RunStarted:
		if e.RunID == "" || e.TaskName == "" {
			return
		}
		// Manual runs already have a queued record; scheduled runs are first
		// seen here and get theirs created from the event.
		if _, err := m.opts.Runs.Get(context.Background(), e.RunID); err == nil {
			_ = m.opts.Runs.Update(context.Background(), e.RunID, store.RunUpdate{
				Status:    strPtr(store.RunRunning),
				StartedAt: orNow(e.StartedAt),
				PID:       &e.PID,
			})
		} else {
			_ = m.opts.Runs.Create(context.Background(), store.RunRecord{
				RunID:       e.RunID,
				TaskName:    e.TaskName,
				AccountName: accountName,
				Mode:        e.Mode,
				Status:      store.RunRunning,
				CreatedAt:   valueOrNow(e.CreatedAt),
				StartedAt:   e.StartedAt,
				PID:         e.PID,
			})
		}
		m.mu.Lock()
		m.currentRunByAccount[accountName] = e.RunID
		m.currentTaskByAccount[accountName] = e.TaskName
		m.accountByRunID[e.RunID] = accountName
		m.mu.Unlock()

	case ipc.RunFinished:
		if e.RunID == "" {
			return
		}
		status := e.Status
		if !store.IsTerminalStatus(status) {
			status = store.RunFailed
		}
		_ = m.opts.Runs.Update(context.Background(), e.RunID, store.RunUpdate{
			Status:       &status,
			FinishedAt:   orNow(e.FinishedAt),
			ExitCode:     e.ExitCode,
			ErrorMessage: e.ErrorMessage,
		})
		m.mu.Lock()
		if m.currentRunByAccount[accountName] == e.RunID {
			delete(m.currentRunByAccount, accountName)
			delete(m.currentTaskByAccount, accountName)
		}
		delete(m.accountByRunID, e.RunID)
		m.mu.Unlock()
		m.notifyBackup("run_finish")
	}
}

// relayStderr forwards worker log output into the orchestrator log, rate
// limited so a crash-looping worker cannot drown everything else out.
func (m *Manager) relayStderr(accountName string, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), ipc.MaxLineBytes)
	var suppressed int
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if !m.stderrLimit.Allow() {
			suppressed++
			continue
		}
		if suppressed > 0 {
			m.log.Warn("worker stderr lines suppressed",
				logx.String("account", accountName), logx.Int("count", suppressed))
			suppressed = 0
		}
		m.log.Info("worker: "+line, logx.String("account", accountName))
	}
}

// watchWorker waits for the process to exit and reconciles state. The caller
// only invokes it after the stdout/stderr drains finish, so every event the
// worker managed to write has been applied before reconciliation. A worker
// that dies mid-run can never emit its run_finished event, so the supervisor
// resolves the record itself: a clean or interrupted exit (0 or 130) settles
// as stopped, anything else as failed.
func (m *Manager) watchWorker(h *workerHandle) {
	exitCode := 0
	if err := h.cmd.Wait(); err != nil {
		exitCode = 1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
	}
	m.reapWorker(h, exitCode)
}

func (m *Manager) reapWorker(h *workerHandle, exitCode int) {
	h.exitCode = exitCode
	close(h.done)

	m.mu.Lock()
	if m.workers[h.account] == h {
		delete(m.workers, h.account)
	}
	runID := m.currentRunByAccount[h.account]
	delete(m.currentRunByAccount, h.account)
	delete(m.currentTaskByAccount, h.account)
	if runID != "" {
		delete(m.accountByRunID, runID)
	}
	m.mu.Unlock()

	m.log.Info("worker exited",
		logx.String("account", h.account), logx.Int("pid", h.pid), logx.Int("exit_code", exitCode))

	if runID == "" {
		return
	}
	status := store.RunFailed
	if exitCode == ipc.ExitSuccess || exitCode == ipc.ExitStopped {
		status = store.RunStopped
	}
	msg := "worker exited"
	_ = m.opts.Runs.Update(context.Background(), runID, store.RunUpdate{
		Status:       &status,
		FinishedAt:   strPtr(store.NowISO()),
		ExitCode:     &exitCode,
		ErrorMessage: &msg,
	})
	m.notifyBackup("run_finish")
}

func strPtr(s string) *string { return &s }

// orNow returns a pointer to ts, or to the current time when ts is empty.
func orNow(ts string) *string {
	if ts == "" {
		return strPtr(store.NowISO())
	}
	return &ts
}

func valueOrNow(ts string) string {
	if ts == "" {
		return store.NowISO()
	}
	return ts
}
