package worker

import (
	"context"

	"tgtasker/internal/ipc"
	"tgtasker/pkg/logx"
)

// commandLoop drains the inbound command stream. EOF means the orchestrator
// is gone (pipe closed), which must shut the worker down rather than leave an
// orphan process running schedules nobody tracks.
func (w *Worker) commandLoop(ctx context.Context) {
	sc := ipc.NewScanner(w.opts.Input)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		cmd, ok := ipc.DecodeCommand(sc.Bytes())
		if !ok {
			continue
		}
		w.onCommand(cmd)
		if cmd.Cmd == ipc.CmdShutdown {
			return
		}
	}
	w.log.Info("command stream closed, shutting down")
	w.beginShutdown()
}

func (w *Worker) onCommand(cmd ipc.Command) {
	switch cmd.Cmd {
	case ipc.CmdReload:
		w.mu.Lock()
		w.reload = true
		w.mu.Unlock()
		w.requestWake()

	case ipc.CmdShutdown:
		w.beginShutdown()

	case ipc.CmdStopRun:
		if cmd.RunID == "" {
			return
		}
		w.mu.Lock()
		if w.curRunID == cmd.RunID {
			if w.cancelRun != nil {
				w.cancelRun()
			}
		} else {
			// A queued run is removed outright; it never started, so no
			// events are owed for it.
			kept := w.runQueue[:0]
			for _, r := range w.runQueue {
				if r.runID != cmd.RunID {
					kept = append(kept, r)
				}
			}
			w.runQueue = kept
		}
		w.mu.Unlock()
		w.requestWake()

	case ipc.CmdRunOnce:
		if cmd.RunID == "" || cmd.TaskName == "" {
			return
		}
		limit := cmd.NumOfDialogs
		if limit <= 0 {
			limit = w.opts.DialogLimit
		}
		w.mu.Lock()
		w.runQueue = append(w.runQueue, runCommand{
			runID:        cmd.RunID,
			taskName:     cmd.TaskName,
			mode:         ipc.ModeManual,
			numOfDialogs: limit,
		})
		w.mu.Unlock()
		w.log.Debug("run queued", logx.String("run_id", cmd.RunID), logx.String("task", cmd.TaskName))
		w.requestWake()
	}
}

func (w *Worker) beginShutdown() {
	w.mu.Lock()
	w.shutdown = true
	cancel := w.cancelRun
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.requestWake()
}
