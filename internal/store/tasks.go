package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// TaskRecord is the stored metadata for one task. The schedule itself lives
// in the task's config file; enabled/account binding lives here.
type TaskRecord struct {
	TaskName    string `json:"task_name"`
	AccountName string `json:"account_name"`
	Type        string `json:"type"`
	Enabled     bool   `json:"enabled"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// TaskConfig is the editable per-task configuration consumed by workers.
type TaskConfig struct {
	Version       int          `json:"_version"`
	Chats         []ChatTarget `json:"chats"`
	SignAt        string       `json:"sign_at"`
	RandomSeconds int          `json:"random_seconds"`
}

// ChatTarget is one chat the check-in message is sent to.
type ChatTarget struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text,omitempty"`
}

const taskConfigVersion = 3

// TasksStore keeps one directory per task under <workdir>/tasks, holding
// task.meta.json and config.json. Directory layout is shared with worker
// processes, so meta and config are separate files: a worker reload must see
// a consistent config even while the meta is being touched.
type TasksStore struct {
	dir string
}

func NewTasksStore(workdir string) (*TasksStore, error) {
	dir := filepath.Join(workdir, "tasks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &TasksStore{dir: dir}, nil
}

// Dir returns the tasks root; the worker watches it for reloads.
func (s *TasksStore) Dir() string { return s.dir }

func (s *TasksStore) taskDir(taskName string) string   { return filepath.Join(s.dir, taskName) }
func (s *TasksStore) metaPath(taskName string) string  { return filepath.Join(s.taskDir(taskName), "task.meta.json") }
func (s *TasksStore) configPath(taskName string) string { return filepath.Join(s.taskDir(taskName), "config.json") }

func (s *TasksStore) List() []TaskRecord {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var out []TaskRecord
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rec, ok := s.read(e.Name())
		if ok {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskName < out[j].TaskName })
	return out
}

func (s *TasksStore) Get(taskName string) (TaskRecord, bool) {
	taskName, err := ValidateName(taskName, "task")
	if err != nil {
		return TaskRecord{}, false
	}
	if _, err := os.Stat(s.taskDir(taskName)); err != nil {
		return TaskRecord{}, false
	}
	return s.read(taskName)
}

func (s *TasksStore) read(taskName string) (TaskRecord, bool) {
	// No account default: a directory without readable meta stays unbound,
	// and callers skip unbound tasks instead of spawning a worker for a
	// made-up account.
	rec := TaskRecord{
		TaskName: taskName,
		Type:     "signer",
	}
	_ = readJSONFile(s.metaPath(taskName), &rec)
	rec.TaskName = taskName // the directory name wins
	if rec.CreatedAt == "" {
		rec.CreatedAt = NowISO()
	}
	if rec.UpdatedAt == "" {
		rec.UpdatedAt = rec.CreatedAt
	}
	return rec, true
}

// Ensure creates the task directory with default meta/config when missing and
// (re)binds it to accountName.
func (s *TasksStore) Ensure(taskName, accountName string, enabled bool) (TaskRecord, error) {
	taskName, err := ValidateName(taskName, "task")
	if err != nil {
		return TaskRecord{}, err
	}
	accountName, err = ValidateName(accountName, "account")
	if err != nil {
		return TaskRecord{}, err
	}

	rec, _ := s.read(taskName)
	rec.AccountName = accountName
	rec.Enabled = enabled
	rec.UpdatedAt = NowISO()
	if err := writeJSONFile(s.metaPath(taskName), rec); err != nil {
		return TaskRecord{}, err
	}

	if _, err := os.Stat(s.configPath(taskName)); os.IsNotExist(err) {
		def := TaskConfig{Version: taskConfigVersion, Chats: []ChatTarget{}, SignAt: "0 6 * * *"}
		if err := writeJSONFile(s.configPath(taskName), def); err != nil {
			return TaskRecord{}, err
		}
	}
	return rec, nil
}

// SetEnabled flips the enabled flag and bumps updated_at, which changes the
// schedule fingerprint seen by workers.
func (s *TasksStore) SetEnabled(taskName string, enabled bool) error {
	rec, ok := s.Get(taskName)
	if !ok {
		return fmt.Errorf("task %q not found", taskName)
	}
	rec.Enabled = enabled
	rec.UpdatedAt = NowISO()
	return writeJSONFile(s.metaPath(taskName), rec)
}

// ReadConfig parses the task's config file.
func (s *TasksStore) ReadConfig(taskName string) (TaskConfig, error) {
	taskName, err := ValidateName(taskName, "task")
	if err != nil {
		return TaskConfig{}, err
	}
	b, err := os.ReadFile(s.configPath(taskName))
	if err != nil {
		return TaskConfig{}, err
	}
	var cfg TaskConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return TaskConfig{}, fmt.Errorf("task %s config: %w", taskName, err)
	}
	return cfg, nil
}

// WriteConfig replaces the task's config file and bumps updated_at so the
// fingerprint changes and workers re-evaluate the schedule immediately.
func (s *TasksStore) WriteConfig(taskName string, cfg TaskConfig) error {
	taskName, err := ValidateName(taskName, "task")
	if err != nil {
		return err
	}
	if cfg.Version == 0 {
		cfg.Version = taskConfigVersion
	}
	if err := writeJSONFile(s.configPath(taskName), cfg); err != nil {
		return err
	}
	return s.TouchUpdatedAt(taskName)
}

func (s *TasksStore) TouchUpdatedAt(taskName string) error {
	rec, ok := s.Get(taskName)
	if !ok {
		return fmt.Errorf("task %q not found", taskName)
	}
	rec.UpdatedAt = NowISO()
	return writeJSONFile(s.metaPath(taskName), rec)
}
