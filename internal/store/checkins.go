package store

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// CheckinStore holds the per-task, per-identity record of completed check-ins,
// keyed by local date. The scheduling loop reads it to decide idempotency and
// the runner writes it after a successful check-in, so the format is a plain
// JSON object: {"2026-03-14": "<rfc3339>"}.
type CheckinStore struct {
	workdir string
}

func NewCheckinStore(workdir string) *CheckinStore {
	return &CheckinStore{workdir: workdir}
}

func (s *CheckinStore) path(taskName string, identity int64) string {
	return filepath.Join(s.workdir, "records", taskName, strconv.FormatInt(identity, 10), "checkins.json")
}

// DateKey is the local-date key a check-in is recorded under.
func DateKey(t time.Time) string { return t.Format("2006-01-02") }

// LastFor returns the recorded check-in time for the given local date, or the
// zero time when nothing (or nothing parsable) is recorded.
func (s *CheckinStore) LastFor(taskName string, identity int64, date string) time.Time {
	var rec map[string]string
	if err := readJSONFile(s.path(taskName, identity), &rec); err != nil {
		return time.Time{}
	}
	raw, ok := rec[date]
	if !ok || raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Record stores t under its local date key.
func (s *CheckinStore) Record(taskName string, identity int64, t time.Time) error {
	path := s.path(taskName, identity)
	rec := map[string]string{}
	if err := readJSONFile(path, &rec); err != nil && !os.IsNotExist(err) {
		rec = map[string]string{}
	}
	rec[DateKey(t)] = t.Format(isoFormat)
	return writeJSONFile(path, rec)
}
