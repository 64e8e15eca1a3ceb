package worker

import "context"

// Runner is the task execution collaborator. Implementations perform the
// actual per-task action; the worker only schedules and supervises them.
//
// Run must honor ctx cancellation: a cooperative stop cancels the context and
// the run resolves as stopped, not failed.
type Runner interface {
	// ResolveIdentity returns the numeric identity of the account, e.g. the
	// bot user id. It may fail transiently (network, missing login); the
	// scheduling loop re-polls instead of failing the task.
	ResolveIdentity(ctx context.Context) (int64, error)

	// Run executes one task. mode is ipc.ModeScheduled or ipc.ModeManual;
	// limit is the execution parameter handed down from the orchestrator.
	Run(ctx context.Context, taskName, mode string, limit int) error
}
