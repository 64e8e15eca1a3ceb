// tgtaskerd supervises one worker process per account, keeps the run
// registry, and replicates state to the configured WebDAV backup target.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"tgtasker/internal/backup"
	"tgtasker/internal/config"
	"tgtasker/internal/manager"
	"tgtasker/internal/runtime/supervisor"
	"tgtasker/internal/store"
	"tgtasker/pkg/logx"
)

// rescanInterval is how often the daemon looks for accounts that gained
// enabled tasks and need a worker spawned.
const rescanInterval = time.Minute

// Terminal runs older than runRetention are pruned from the registry.
const (
	runRetention  = 30 * 24 * time.Hour
	pruneInterval = 6 * time.Hour
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	settings, err := config.NewSettings(cfg.DataDir, cfgPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(settings.DataDir, 0o755); err != nil {
		return err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}, os.Stdout)
	defer logSvc.Close()
	log = log.With(logx.String("svc", "tgtaskerd"))

	// Restore from the backup target before anything opens the local state.
	var backups *backup.Scheduler
	if cfg.Backup.Enabled() {
		backups, err = backup.New(settings, *cfg.Backup, nil, log.With(logx.String("svc", "backup")))
		if err != nil {
			return err
		}
		if _, err := backups.PullIfExists(ctx); err != nil {
			log.Warn("startup restore failed, continuing with local state", logx.Err(err))
		}
	}

	tasks, err := store.NewTasksStore(settings.Workdir)
	if err != nil {
		return err
	}
	accounts := store.NewAccountsStore(settings.AccountsPath())
	runs, err := store.OpenRunsStore(settings.RunsDBPath)
	if err != nil {
		return err
	}
	defer runs.Close()

	var notifier manager.BackupNotifier
	if backups != nil {
		backups.SetRuns(runs)
		notifier = backups
	}
	mgr, err := manager.New(manager.Options{
		Settings:    settings,
		Tasks:       tasks,
		Runs:        runs,
		DialogLimit: cfg.DialogLimit,
		Backup:      notifier,
		Log:         log.With(logx.String("svc", "manager")),
	})
	if err != nil {
		return err
	}

	sup := supervisor.New(ctx, log)
	if backups != nil {
		sup.GoRestart("backup-loop", func(ctx context.Context) error {
			backups.Run(ctx)
			return ctx.Err()
		})
	}

	spawnWorkers(ctx, mgr, tasks, accounts, log)
	sup.Go0("worker-rescan", func(ctx context.Context) {
		ticker := time.NewTicker(rescanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				spawnWorkers(ctx, mgr, tasks, accounts, log)
				for _, st := range mgr.Stats() {
					log.Debug("worker stats",
						logx.String("account", st.AccountName),
						logx.Int("pid", st.PID),
						logx.Float64("cpu_pct", st.CPUPercent),
						logx.Int64("rss_bytes", int64(st.RSSBytes)))
				}
			}
		}
	})
	sup.Go0("run-prune", func(ctx context.Context) {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := runs.PruneBefore(ctx, time.Now().Add(-runRetention))
				if err != nil {
					log.Warn("run prune failed", logx.Err(err))
				} else if n > 0 {
					log.Info("pruned old runs", logx.Int64("count", n))
				}
			}
		}
	})

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("orchestrator started", logx.String("data_dir", settings.DataDir))

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	mgr.Shutdown(stopCtx)
	if err := sup.Stop(stopCtx); err != nil {
		log.Warn("background loops did not stop cleanly", logx.Err(err))
	}
	return nil
}

// spawnWorkers makes sure every account with an enabled task and a
// provisioned session has a live worker. Accounts named by tasks are also
// registered in the account store so operators see them listed.
func spawnWorkers(ctx context.Context, mgr *manager.Manager, tasks *store.TasksStore, accounts *store.AccountsStore, log logx.Logger) {
	seen := map[string]bool{}
	for _, task := range tasks.List() {
		if !task.Enabled || task.AccountName == "" || seen[task.AccountName] {
			continue
		}
		seen[task.AccountName] = true

		if _, err := accounts.Ensure(task.AccountName); err != nil {
			log.Warn("account registration failed", logx.String("account", task.AccountName), logx.Err(err))
		}
		if !mgr.IsLoggedIn(task.AccountName) {
			log.Warn("account has enabled tasks but no session, worker not started",
				logx.String("account", task.AccountName))
			continue
		}
		if err := mgr.EnsureWorker(ctx, task.AccountName); err != nil {
			log.Error("worker start failed", logx.String("account", task.AccountName), logx.Err(err))
		}
	}
}
