// Package worker implements the per-account scheduling loop that runs inside
// each worker process.
//
// The loop is single-threaded and cooperative: commands arriving on stdin,
// reload triggers, and timer expiry all funnel into one wake signal, and at
// most one run executes at a time. Everything that mutates loop state from
// another goroutine (the stdin reader, the task-dir watcher) takes the one
// mutex and then pokes the wake channel.
package worker

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"tgtasker/internal/ipc"
	"tgtasker/internal/schedule"
	"tgtasker/internal/store"
	"tgtasker/pkg/logx"
)

const (
	// maxWaitSlice bounds a single sleep so external wake-ups stay responsive
	// even if a wake signal is lost.
	maxWaitSlice = 60 * time.Second
	// idleWait is used when there is nothing schedulable at all.
	idleWait = 10 * time.Second
	// invalidRetryInterval is how often a task with a broken config is
	// re-validated.
	invalidRetryInterval = 60 * time.Second
	// identityRetryDelay defers a task when the account identity cannot be
	// resolved right now.
	identityRetryDelay = 30 * time.Second
)

// Options wires a Worker. All paths arrive on the worker's command line.
type Options struct {
	AccountName string
	Workdir     string
	SessionsDir string
	RunsDir     string
	DialogLimit int

	Runner Runner
	Input  io.Reader // command stream (stdin)
	Output io.Writer // event stream (stdout)

	Log    logx.Logger
	LogSvc *logx.Service // optional; attaches per-run log files
}

// runCommand is one pending run, either scheduled internally or received as a
// run_once command. Consumed exactly once.
type runCommand struct {
	runID        string
	taskName     string
	mode         string
	numOfDialogs int
}

// scheduledTask is the loop's view of one enabled task. Rebuilt wholesale on
// every reload; nextAt survives the rebuild iff the fingerprint is unchanged.
type scheduledTask struct {
	taskName      string
	cronExpr      string
	randomSeconds int
	fingerprint   string
	nextAt        time.Time
	configOK      bool
}

type Worker struct {
	opts     Options
	log      logx.Logger
	tasks    *store.TasksStore
	checkins *store.CheckinStore
	out      *ipc.Writer

	mu        sync.Mutex
	byName    map[string]*scheduledTask
	runQueue  []runCommand
	reload    bool
	shutdown  bool
	identity  *int64
	curRunID  string
	cancelRun context.CancelFunc

	wake chan struct{}
}

func New(opts Options) (*Worker, error) {
	if opts.DialogLimit <= 0 {
		opts.DialogLimit = 50
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	tasks, err := store.NewTasksStore(opts.Workdir)
	if err != nil {
		return nil, err
	}
	return &Worker{
		opts:     opts,
		log:      opts.Log.With(logx.String("account", opts.AccountName)),
		tasks:    tasks,
		checkins: store.NewCheckinStore(opts.Workdir),
		out:      ipc.NewWriter(opts.Output),
		byName:   map[string]*scheduledTask{},
		reload:   true,
		wake:     make(chan struct{}, 1),
	}, nil
}

// Run drives the loop until shutdown. It owns all scheduling decisions; the
// stdin reader and the task-dir watcher only set flags and wake it.
func (w *Worker) Run(ctx context.Context) error {
	for _, dir := range []string{w.opts.Workdir, w.opts.SessionsDir, w.opts.RunsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	if err := w.out.Send(ipc.NewReady(w.opts.AccountName, os.Getpid())); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var bg sync.WaitGroup
	bg.Add(1)
	go func() {
		defer bg.Done()
		w.commandLoop(ctx)
	}()
	bg.Add(1)
	go func() {
		defer bg.Done()
		w.watchTasksDir(ctx)
	}()

	w.log.Info("worker ready", logx.Int("pid", os.Getpid()))

	for {
		if ctx.Err() != nil || w.isShutdown() {
			break
		}

		if w.takeReload() {
			w.reloadTasks(time.Now())
		}

		if cmd, ok := w.popRun(); ok {
			w.execute(ctx, cmd)
			continue
		}

		now := time.Now()
		next := w.soonestValid(now)
		if next == nil {
			w.sleepOrWake(ctx, idleWait)
			continue
		}

		if wait := next.nextAt.Sub(now); wait > 0 {
			if wait > maxWaitSlice {
				wait = maxWaitSlice
			}
			w.sleepOrWake(ctx, wait)
			continue
		}

		identity, err := w.resolveIdentity(ctx)
		if err != nil {
			w.log.Warn("identity resolution failed, deferring task",
				logx.String("task", next.taskName), logx.Err(err))
			next.nextAt = now.Add(identityRetryDelay)
			w.sleepOrWake(ctx, 5*time.Second)
			continue
		}

		last := w.checkins.LastFor(next.taskName, identity, store.DateKey(now))
		if schedule.ShouldFireNow(next.cronExpr, last, now) {
			w.execute(ctx, runCommand{
				runID:        uuid.NewString(),
				taskName:     next.taskName,
				mode:         ipc.ModeScheduled,
				numOfDialogs: w.opts.DialogLimit,
			})
		} else {
			w.log.Debug("task already satisfied for the period", logx.String("task", next.taskName))
		}

		// Whether the run fired or was skipped, move to the next period.
		next.nextAt = schedule.NextFire(next.cronExpr, now, next.randomSeconds)
	}

	cancel()
	bg.Wait()
	w.log.Info("worker loop exited")
	return nil
}

// soonestValid picks the schedulable task with the earliest nextAt. Invalid
// tasks whose retry interval elapsed flag a reload instead of firing.
func (w *Worker) soonestValid(now time.Time) *scheduledTask {
	w.mu.Lock()
	defer w.mu.Unlock()

	var next *scheduledTask
	for _, t := range w.byName {
		if !t.configOK {
			if !t.nextAt.After(now) {
				w.reload = true
				t.nextAt = now.Add(invalidRetryInterval)
			}
			continue
		}
		if next == nil || t.nextAt.Before(next.nextAt) {
			next = t
		}
	}
	return next
}

func (w *Worker) resolveIdentity(ctx context.Context) (int64, error) {
	w.mu.Lock()
	cached := w.identity
	w.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}
	id, err := w.opts.Runner.ResolveIdentity(ctx)
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	w.identity = &id
	w.mu.Unlock()
	return id, nil
}

func (w *Worker) popRun() (runCommand, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.runQueue) == 0 {
		return runCommand{}, false
	}
	cmd := w.runQueue[0]
	w.runQueue = w.runQueue[1:]
	return cmd, true
}

func (w *Worker) takeReload() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.reload
	w.reload = false
	return r
}

func (w *Worker) isShutdown() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.shutdown
}

func (w *Worker) requestWake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// sleepOrWake blocks for at most d, returning early on a wake signal or
// context cancellation.
func (w *Worker) sleepOrWake(ctx context.Context, d time.Duration) {
	if d < 200*time.Millisecond {
		d = 200 * time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-w.wake:
	case <-timer.C:
	}
}
