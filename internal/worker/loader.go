package worker

import (
	"time"

	"tgtasker/internal/schedule"
	"tgtasker/pkg/logx"
)

// reloadTasks builds a fresh generation of scheduled tasks from the store.
//
// Continuity rule: a task whose fingerprint (updated_at | cron | jitter)
// matches the previous generation keeps its computed nextAt, so jitter that
// was already drawn is not re-rolled. Any fingerprint change resets nextAt to
// now for immediate evaluation.
//
// A task whose config fails validation stays in the set, marked invalid, with
// a short retry interval. Dropping it would make a broken schedule invisible.
func (w *Worker) reloadTasks(now time.Time) {
	var generation = map[string]*scheduledTask{}

	for _, rec := range w.tasks.List() {
		if !rec.Enabled || rec.AccountName != w.opts.AccountName {
			continue
		}

		st := w.buildTask(rec.TaskName, rec.UpdatedAt, now)
		generation[rec.TaskName] = st
	}

	w.mu.Lock()
	prevCount := len(w.byName)
	w.byName = generation
	w.mu.Unlock()

	w.log.Info("task set reloaded", logx.Int("tasks", len(generation)), logx.Int("previous", prevCount))
}

func (w *Worker) buildTask(taskName, updatedAt string, now time.Time) *scheduledTask {
	cfg, err := w.tasks.ReadConfig(taskName)
	var cronExpr string
	if err == nil {
		cronExpr, err = schedule.Normalize(cfg.SignAt)
	}
	if err != nil {
		w.log.Warn("task config invalid", logx.String("task", taskName), logx.Err(err))
		return &scheduledTask{
			taskName:    taskName,
			fingerprint: schedule.InvalidFingerprint(updatedAt),
			nextAt:      now.Add(invalidRetryInterval),
			configOK:    false,
		}
	}

	jitter := cfg.RandomSeconds
	if jitter < 0 {
		jitter = 0
	}
	fp := schedule.Fingerprint(updatedAt, cronExpr, jitter)

	nextAt := now
	w.mu.Lock()
	if prev, ok := w.byName[taskName]; ok && prev.configOK && prev.fingerprint == fp {
		nextAt = prev.nextAt
	}
	w.mu.Unlock()

	return &scheduledTask{
		taskName:      taskName,
		cronExpr:      cronExpr,
		randomSeconds: jitter,
		fingerprint:   fp,
		nextAt:        nextAt,
		configOK:      true,
	}
}
