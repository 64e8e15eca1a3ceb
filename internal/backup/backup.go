// Package backup replicates the persistent state to a WebDAV server. Pushes
// are debounced: state changes mark the scheduler dirty, and a background
// loop uploads at most once per interval, retrying until a push succeeds.
package backup

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tgtasker/internal/config"
	"tgtasker/internal/store"
	"tgtasker/pkg/logx"
)

// Status is the persisted backup state surfaced to operators.
type Status struct {
	Enabled    bool    `json:"enabled"`
	RemoteURL  string  `json:"remote_url,omitempty"`
	LastPullAt *string `json:"last_pull_at"`
	LastPushAt *string `json:"last_push_at"`
	LastError  *string `json:"last_error"`
}

// pushRetryDelay spaces retries after a failed push so a dead remote is not
// hammered.
const pushRetryDelay = 5 * time.Second

type Scheduler struct {
	settings   config.Settings
	cfg        config.BackupConfig
	client     *webdavClient
	cph        *Cipher
	runs       *store.RunsStore
	log        logx.Logger
	statusPath string

	// xferMu serializes push against pull; both rewrite shared state.
	xferMu sync.Mutex

	mu    sync.Mutex
	dirty bool
	wake  chan struct{}
}

func New(settings config.Settings, cfg config.BackupConfig, runs *store.RunsStore, log logx.Logger) (*Scheduler, error) {
	client, err := newWebdavClient(cfg.URL, cfg.RemotePath, cfg.Username, cfg.Password)
	if err != nil {
		return nil, err
	}
	var cph *Cipher
	if cfg.EncryptionKey != "" {
		if cph, err = NewCipher(cfg.EncryptionKey); err != nil {
			return nil, err
		}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		settings:   settings,
		cfg:        cfg,
		client:     client,
		cph:        cph,
		runs:       runs,
		log:        log,
		statusPath: settings.BackupStatusPath(),
		wake:       make(chan struct{}, 1),
	}, nil
}

// RemoteURL is the full archive location on the WebDAV server.
func (s *Scheduler) RemoteURL() string { return s.client.url() }

// SetRuns attaches the run registry so pushes can checkpoint its WAL first.
// The registry opens after the startup pull, hence the late binding.
func (s *Scheduler) SetRuns(runs *store.RunsStore) {
	s.xferMu.Lock()
	s.runs = runs
	s.xferMu.Unlock()
}

// SchedulePush marks the state dirty and nudges the loop. Never blocks, so
// it is safe to call from event handlers.
func (s *Scheduler) SchedulePush(reason string) {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.log.Debug("backup push scheduled", logx.String("reason", reason))
}

// Run drives the debounced push loop until the context is cancelled. A failed
// push keeps the dirty flag, so the next tick retries.
func (s *Scheduler) Run(ctx context.Context) {
	interval := s.cfg.Interval()
	for {
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}

		s.mu.Lock()
		dirty := s.dirty
		s.mu.Unlock()
		if !dirty {
			continue
		}

		if err := s.Push(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("backup push failed, will retry", logx.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(pushRetryDelay):
			}
			continue
		}
		s.mu.Lock()
		s.dirty = false
		s.mu.Unlock()
	}
}

// Push snapshots the state and uploads it.
func (s *Scheduler) Push(ctx context.Context) error {
	s.xferMu.Lock()
	defer s.xferMu.Unlock()

	err := s.push(ctx)
	if err != nil {
		s.writeStatus(func(st *Status) { st.LastError = errString(err) })
		return err
	}
	s.writeStatus(func(st *Status) {
		now := store.NowISO()
		st.LastPushAt = &now
		st.LastError = nil
	})
	return nil
}

func (s *Scheduler) push(ctx context.Context) error {
	if s.runs != nil {
		if err := s.runs.Checkpoint(ctx); err != nil {
			s.log.Warn("runs db checkpoint failed before backup", logx.Err(err))
		}
	}
	content, err := snapshot(s.settings)
	if err != nil {
		return err
	}
	if s.cph != nil {
		if content, err = s.cph.Encrypt(content); err != nil {
			return err
		}
	}
	if err := s.client.upload(ctx, content); err != nil {
		return err
	}
	s.log.Info("backup pushed", logx.Int("bytes", len(content)))
	return nil
}

// PullIfExists restores state from the remote archive if one exists. Meant
// for startup, before stores are opened and workers spawned; restoring under
// a live system would yank state out from under running workers.
func (s *Scheduler) PullIfExists(ctx context.Context) (bool, error) {
	s.xferMu.Lock()
	defer s.xferMu.Unlock()

	restored, err := s.pull(ctx)
	if err != nil {
		s.writeStatus(func(st *Status) { st.LastError = errString(err) })
		return false, err
	}
	if restored {
		s.writeStatus(func(st *Status) {
			now := store.NowISO()
			st.LastPullAt = &now
			st.LastError = nil
		})
		s.mu.Lock()
		s.dirty = false
		s.mu.Unlock()
	} else {
		s.writeStatus(func(st *Status) { st.LastError = nil })
	}
	return restored, nil
}

func (s *Scheduler) pull(ctx context.Context) (bool, error) {
	content, ok, err := s.client.download(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		s.log.Info("no remote backup found, starting fresh")
		return false, nil
	}
	if s.cph != nil {
		if content, err = s.cph.Decrypt(content); err != nil {
			return false, err
		}
	}
	if err := restore(content, s.settings); err != nil {
		return false, err
	}
	s.log.Info("backup restored", logx.String("remote", s.client.remoteFile))
	return true, nil
}

// Status reads the persisted backup status, synthesizing an empty one when
// nothing has been written yet.
func (s *Scheduler) Status() Status {
	st := Status{Enabled: true, RemoteURL: s.client.url()}
	raw, err := os.ReadFile(s.statusPath)
	if err != nil {
		return st
	}
	_ = json.Unmarshal(raw, &st)
	if st.RemoteURL == "" {
		st.RemoteURL = s.client.url()
	}
	return st
}

// writeStatus applies mutate to the persisted status, keeping fields the
// mutation does not touch.
func (s *Scheduler) writeStatus(mutate func(*Status)) {
	st := s.Status()
	mutate(&st)
	if err := os.MkdirAll(filepath.Dir(s.statusPath), 0o755); err != nil {
		return
	}
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return
	}
	tmp := s.statusPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, s.statusPath)
}

func errString(err error) *string {
	msg := store.Truncate(err.Error(), store.ErrMessageLimit)
	return &msg
}
