package config

import (
	"path/filepath"
	"time"
)

// Config is the orchestrator configuration, loaded from a YAML or JSON file
// with TGTASKER_* environment overrides applied on top.
type Config struct {
	// DataDir is the root for all persisted state. Empty means "./.tgtasker".
	DataDir string `json:"data_dir"`

	Logging LoggingConfig `json:"logging"`

	// DialogLimit is the default execution limit handed to workers.
	DialogLimit int `json:"dialog_limit"`

	Backup *BackupConfig `json:"backup,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// BackupConfig configures the WebDAV backup target.
type BackupConfig struct {
	URL        string `json:"url"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	RemotePath string `json:"remote_path"`
	// IntervalSeconds between scheduler evaluations; floored at 30.
	IntervalSeconds int `json:"interval_seconds"`
	// EncryptionKey is a passphrase; when set, archives are encrypted with a
	// key derived from it.
	EncryptionKey string `json:"encryption_key,omitempty"`
}

func (b *BackupConfig) Interval() time.Duration {
	if b == nil {
		return 0
	}
	secs := b.IntervalSeconds
	if secs <= 0 {
		secs = 300
	}
	if secs < 30 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

// Enabled reports whether enough of the backup target is configured to use it.
func (b *BackupConfig) Enabled() bool {
	return b != nil && b.URL != "" && b.RemotePath != ""
}

// Settings is the derived on-disk layout shared by the orchestrator and every
// worker process. Workers receive these paths on their command line, so the
// layout must stay stable.
type Settings struct {
	DataDir     string
	Workdir     string // task configs + check-in records
	SessionsDir string // per-account credentials
	RunsDir     string // per-run output (run.log)
	RunsDBPath  string // run registry (sqlite)
	ConfigPath  string
}

func NewSettings(dataDir, configPath string) (Settings, error) {
	if dataDir == "" {
		dataDir = "./.tgtasker"
	}
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		DataDir:     abs,
		Workdir:     filepath.Join(abs, "workdir"),
		SessionsDir: filepath.Join(abs, "sessions"),
		RunsDir:     filepath.Join(abs, "runs"),
		RunsDBPath:  filepath.Join(abs, "runs.db"),
		ConfigPath:  configPath,
	}, nil
}

// AccountsPath is the account registry file under the data dir.
func (s Settings) AccountsPath() string { return filepath.Join(s.DataDir, "accounts.json") }

// BackupStatusPath is where the backup scheduler persists its status record.
func (s Settings) BackupStatusPath() string { return filepath.Join(s.DataDir, "backup.status.json") }

func defaults() Config {
	return Config{
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
		DialogLimit: 50,
	}
}
