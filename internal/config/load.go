package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Load reads the config file at path (YAML or JSON, by extension), decodes it
// strictly, and applies environment overrides. A missing file is not an error:
// defaults + environment are enough to run.
func Load(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		j, format, cerr := coerceToJSONBytes(path, data)
		if cerr != nil {
			return Config{}, fmt.Errorf("config %s (%s): %w", path, format, cerr)
		}
		dec := json.NewDecoder(bytes.NewReader(j))
		dec.DisallowUnknownFields()
		if derr := dec.Decode(&cfg); derr != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, derr)
		}
	case os.IsNotExist(err):
		// fall through to env-only config
	default:
		return Config{}, err
	}

	applyEnv(&cfg)
	return cfg, nil
}

// coerceToJSONBytes converts YAML config to JSON bytes so we can re-use the
// strict JSON decoder (DisallowUnknownFields) for both formats.
//
// Returns (jsonBytes, format, err) where format is "json" or "yaml".
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, "json", nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}

	v = normalizeYAML(v)

	j, err := json.Marshal(v)
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, "yaml", nil
}

// normalizeYAML ensures all map keys are strings so the result can be JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}

func applyEnv(cfg *Config) {
	if v := env("TGTASKER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := env("TGTASKER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := env("TGTASKER_DIALOG_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DialogLimit = n
		}
	}

	url := env("TGTASKER_BACKUP_WEBDAV_URL")
	user := env("TGTASKER_BACKUP_WEBDAV_USERNAME")
	pass := env("TGTASKER_BACKUP_WEBDAV_PASSWORD")
	remote := env("TGTASKER_BACKUP_REMOTE_PATH")
	if url != "" || user != "" || pass != "" || remote != "" {
		if cfg.Backup == nil {
			cfg.Backup = &BackupConfig{}
		}
		if url != "" {
			cfg.Backup.URL = url
		}
		if user != "" {
			cfg.Backup.Username = user
		}
		if pass != "" {
			cfg.Backup.Password = pass
		}
		if remote != "" {
			cfg.Backup.RemotePath = remote
		}
	}
	if cfg.Backup != nil {
		if v := env("TGTASKER_BACKUP_INTERVAL_SECONDS"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				cfg.Backup.IntervalSeconds = n
			}
		}
		if v := env("TGTASKER_BACKUP_ENCRYPTION_KEY"); v != "" {
			cfg.Backup.EncryptionKey = v
		}
	}
}

func env(name string) string {
	return strings.TrimSpace(os.Getenv(name))
}
