// tgtasker-worker runs the scheduling loop for a single account. It is
// spawned and owned by tgtaskerd: commands arrive on stdin, lifecycle events
// leave on stdout, and logs go to stderr so the event stream stays clean.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tgtasker/internal/signer"
	"tgtasker/internal/store"
	"tgtasker/internal/worker"
	"tgtasker/pkg/logx"
)

func main() {
	var (
		account     string
		workdir     string
		sessionsDir string
		runsDir     string
		dialogLimit int
	)
	flag.StringVar(&account, "account", "", "account name (required)")
	flag.StringVar(&workdir, "workdir", "", "task config directory (required)")
	flag.StringVar(&sessionsDir, "sessions-dir", "", "session credential directory (required)")
	flag.StringVar(&runsDir, "runs-dir", "", "per-run output directory (required)")
	flag.IntVar(&dialogLimit, "dialog-limit", 50, "default execution limit per run")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, account, workdir, sessionsDir, runsDir, dialogLimit); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if ctx.Err() != nil {
		// Interrupted rather than shut down cooperatively.
		os.Exit(130)
	}
}

func run(ctx context.Context, account, workdir, sessionsDir, runsDir string, dialogLimit int) error {
	if account == "" || workdir == "" || sessionsDir == "" || runsDir == "" {
		return fmt.Errorf("missing required flags, see --help")
	}
	if _, err := store.ValidateName(account, "account"); err != nil {
		return err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   os.Getenv("TGTASKER_LOG_LEVEL"),
		Console: true,
	}, os.Stderr)
	defer logSvc.Close()
	log = log.With(logx.String("svc", "worker"))

	tasks, err := store.NewTasksStore(workdir)
	if err != nil {
		return err
	}
	runner := signer.New(signer.Options{
		AccountName: account,
		SessionsDir: sessionsDir,
		Tasks:       tasks,
		Checkins:    store.NewCheckinStore(workdir),
		Log:         log.With(logx.String("svc", "signer")),
	})

	w, err := worker.New(worker.Options{
		AccountName: account,
		Workdir:     workdir,
		SessionsDir: sessionsDir,
		RunsDir:     runsDir,
		DialogLimit: dialogLimit,
		Runner:      runner,
		Input:       os.Stdin,
		Output:      os.Stdout,
		Log:         log,
		LogSvc:      logSvc,
	})
	if err != nil {
		return err
	}
	return w.Run(ctx)
}
