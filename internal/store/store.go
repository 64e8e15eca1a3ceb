// Package store holds the persisted records shared by the orchestrator and
// its account workers: the account registry, the per-task config directories,
// the run registry, and per-task check-in records.
//
// Accounts and tasks live as JSON files under the data dir so worker
// processes can read them directly. The run registry is SQLite: it is only
// ever written by the orchestrator process and benefits from keyed updates.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// isoFormat is RFC 3339 with a fixed-width fraction. RFC3339Nano trims
// trailing zeros, which breaks the lexicographic ordering the run registry
// relies on for created_at comparisons.
const isoFormat = "2006-01-02T15:04:05.000000Z07:00"

// NowISO returns the current UTC time in the RFC 3339 form used by every
// persisted timestamp and by the IPC wire format. The string is fixed width
// so string comparison matches time order.
func NowISO() string {
	return time.Now().UTC().Format(isoFormat)
}

// readJSONFile decodes path into v. A missing file leaves v untouched and
// returns os.ErrNotExist.
func readJSONFile(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// writeJSONFile writes v to path atomically (tmp file + rename).
func writeJSONFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Truncate caps s at n bytes; persisted error messages are bounded.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}

// ErrMessageLimit bounds stored error messages.
const ErrMessageLimit = 500
