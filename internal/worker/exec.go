package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"tgtasker/internal/ipc"
	"tgtasker/internal/store"
	"tgtasker/pkg/logx"
)

// execute runs one command to completion. Lifecycle events are emitted
// unconditionally, including for cancelled and faulted runs: the orchestrator
// reconciles its run registry from these two events alone.
func (w *Worker) execute(ctx context.Context, cmd runCommand) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.mu.Lock()
	if w.shutdown {
		w.mu.Unlock()
		return
	}
	w.curRunID = cmd.runID
	w.cancelRun = cancel
	w.mu.Unlock()

	runDir := filepath.Join(w.opts.RunsDir, cmd.runID)
	if err := os.MkdirAll(runDir, 0o755); err == nil && w.opts.LogSvc != nil {
		w.opts.LogSvc.AttachFile(filepath.Join(runDir, "run.log"))
	}

	pid := os.Getpid()
	startedAt := store.NowISO()
	_ = w.out.Send(ipc.RunStarted{
		Event:       ipc.EvRunStarted,
		RunID:       cmd.runID,
		TaskName:    cmd.taskName,
		AccountName: w.opts.AccountName,
		Mode:        cmd.mode,
		CreatedAt:   startedAt,
		StartedAt:   startedAt,
		PID:         pid,
	})
	w.log.Info("run started",
		logx.String("run_id", cmd.runID), logx.String("task", cmd.taskName), logx.String("mode", cmd.mode))

	err := w.opts.Runner.Run(runCtx, cmd.taskName, cmd.mode, cmd.numOfDialogs)

	w.mu.Lock()
	w.curRunID = ""
	w.cancelRun = nil
	w.mu.Unlock()

	status := ipc.StatusSuccess
	exitCode := ipc.ExitSuccess
	var errMsg *string
	switch {
	case err == nil:
		// success
	case errors.Is(err, context.Canceled) || runCtx.Err() != nil:
		status = ipc.StatusStopped
		exitCode = ipc.ExitStopped
	default:
		status = ipc.StatusFailed
		exitCode = ipc.ExitFailed
		msg := store.Truncate(err.Error(), store.ErrMessageLimit)
		errMsg = &msg
	}

	_ = w.out.Send(ipc.RunFinished{
		Event:        ipc.EvRunFinished,
		RunID:        cmd.runID,
		Status:       status,
		FinishedAt:   store.NowISO(),
		ExitCode:     &exitCode,
		ErrorMessage: errMsg,
		PID:          pid,
	})
	if err != nil && status == ipc.StatusFailed {
		w.log.Warn("run failed", logx.String("run_id", cmd.runID), logx.Err(err))
	} else {
		w.log.Info("run finished", logx.String("run_id", cmd.runID), logx.String("status", status))
	}

	if w.opts.LogSvc != nil {
		w.opts.LogSvc.AttachFile("")
	}
}
