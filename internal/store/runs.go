package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Run statuses. queued -> running -> success | failed | stopped, with
// stopping set orchestrator-side while a cooperative stop is in flight.
const (
	RunQueued   = "queued"
	RunRunning  = "running"
	RunStopping = "stopping"
	RunSuccess  = "success"
	RunFailed   = "failed"
	RunStopped  = "stopped"
)

// IsTerminalStatus reports whether status is final.
func IsTerminalStatus(status string) bool {
	switch status {
	case RunSuccess, RunFailed, RunStopped:
		return true
	}
	return false
}

var ErrRunNotFound = errors.New("run not found")

// RunRecord mirrors one row of the run registry. Timestamp fields hold the
// RFC 3339 strings that also travel on the wire; empty means unset.
type RunRecord struct {
	RunID        string `json:"run_id"`
	TaskName     string `json:"task_name"`
	AccountName  string `json:"account_name"`
	Mode         string `json:"mode"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
	StartedAt    string `json:"started_at,omitempty"`
	FinishedAt   string `json:"finished_at,omitempty"`
	PID          int    `json:"pid,omitempty"`
	ExitCode     *int   `json:"exit_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// RunUpdate is a partial update; nil fields are left untouched.
type RunUpdate struct {
	Status       *string
	StartedAt    *string
	FinishedAt   *string
	PID          *int
	ExitCode     *int
	ErrorMessage *string
}

// RunsStore is the SQLite-backed run registry. A single connection serializes
// all writes, which is exactly the per-key write discipline the record needs.
type RunsStore struct {
	db *sql.DB
}

func OpenRunsStore(path string) (*RunsStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA busy_timeout = 5000")
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &RunsStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *RunsStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *RunsStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Checkpoint flushes the WAL into the main database file so a file-level
// backup of the db path captures everything.
func (s *RunsStore) Checkpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func (s *RunsStore) Create(ctx context.Context, r RunRecord) error {
	if r.CreatedAt == "" {
		r.CreatedAt = NowISO()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, task_name, account_name, mode, status, created_at, started_at, finished_at, pid, exit_code, error_message)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		r.RunID, r.TaskName, r.AccountName, r.Mode, r.Status, r.CreatedAt,
		nullStr(r.StartedAt), nullStr(r.FinishedAt), nullInt(r.PID), nullIntPtr(r.ExitCode), nullStr(Truncate(r.ErrorMessage, ErrMessageLimit)),
	)
	return err
}

func (s *RunsStore) Get(ctx context.Context, runID string) (RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, task_name, account_name, mode, status, created_at, started_at, finished_at, pid, exit_code, error_message
		 FROM runs WHERE run_id = ?`, runID)
	return scanRun(row)
}

// Update applies the non-nil fields of u to runID. Updating an unknown run is
// a no-op, mirroring the upsert-tolerant behavior of event handling.
func (s *RunsStore) Update(ctx context.Context, runID string, u RunUpdate) error {
	set := make([]string, 0, 6)
	args := make([]any, 0, 7)
	if u.Status != nil {
		set = append(set, "status = ?")
		args = append(args, *u.Status)
	}
	if u.StartedAt != nil {
		set = append(set, "started_at = ?")
		args = append(args, *u.StartedAt)
	}
	if u.FinishedAt != nil {
		set = append(set, "finished_at = ?")
		args = append(args, *u.FinishedAt)
	}
	if u.PID != nil {
		set = append(set, "pid = ?")
		args = append(args, *u.PID)
	}
	if u.ExitCode != nil {
		set = append(set, "exit_code = ?")
		args = append(args, *u.ExitCode)
	}
	if u.ErrorMessage != nil {
		set = append(set, "error_message = ?")
		args = append(args, Truncate(*u.ErrorMessage, ErrMessageLimit))
	}
	if len(set) == 0 {
		return nil
	}
	args = append(args, runID)
	q := "UPDATE runs SET " + strings.Join(set, ", ") + " WHERE run_id = ?"
	_, err := s.db.ExecContext(ctx, q, args...)
	return err
}

// List returns runs newest-first, optionally filtered by account. limit <= 0
// means no limit.
func (s *RunsStore) List(ctx context.Context, accountName string, limit int) ([]RunRecord, error) {
	q := `SELECT run_id, task_name, account_name, mode, status, created_at, started_at, finished_at, pid, exit_code, error_message FROM runs`
	args := []any{}
	if accountName != "" {
		q += " WHERE account_name = ?"
		args = append(args, accountName)
	}
	q += " ORDER BY created_at DESC, run_id DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneBefore deletes terminal runs created before cutoff.
func (s *RunsStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE created_at < ? AND status IN (?,?,?)`,
		cutoff.UTC().Format(isoFormat), RunSuccess, RunFailed, RunStopped)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var r RunRecord
	var started, finished, errMsg sql.NullString
	var pid, exitCode sql.NullInt64
	err := row.Scan(&r.RunID, &r.TaskName, &r.AccountName, &r.Mode, &r.Status, &r.CreatedAt,
		&started, &finished, &pid, &exitCode, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, ErrRunNotFound
	}
	if err != nil {
		return RunRecord{}, err
	}
	r.StartedAt = started.String
	r.FinishedAt = finished.String
	r.ErrorMessage = errMsg.String
	if pid.Valid {
		r.PID = int(pid.Int64)
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		r.ExitCode = &v
	}
	return r, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

