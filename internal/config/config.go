package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir  string `json:"data_dir" yaml:"data_dir"`
	LogLevel string `json:"log_level" yaml:"log_level"`
	Backend  struct {
		BaseURL        string `json:"base_url" yaml:"base_url"`
		Timeout        string `json:"timeout" yaml:"timeout"`
		MaxConcurrent  int    `json:"max_concurrent" yaml:"max_concurrent"`
		SendAuthHeader bool   `json:"send_auth_header" yaml:"send_auth_header"`
	} `json:"backend" yaml:"backend"`
	Status struct {
		PollSchedule  string `json:"poll_schedule" yaml:"poll_schedule"`
		RetryAttempts int    `json:"retry_attempts" yaml:"retry_attempts"`
	} `json:"status" yaml:"status"`
	Session struct {
		PollInterval string `json:"poll_interval" yaml:"poll_interval"`
	} `json:"session" yaml:"session"`
	Metrics struct {
		Listen string `json:"listen" yaml:"listen"`
	} `json:"metrics" yaml:"metrics"`
	Devserver struct {
		Listen       string `json:"listen" yaml:"listen"`
		SeedUser     string `json:"seed_user" yaml:"seed_user"`
		SeedPassword string `json:"seed_password" yaml:"seed_password"`
	} `json:"devserver" yaml:"devserver"`
}

func defaults() *Config {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".connhub"),
		LogLevel: "info",
	}
	cfg.Backend.BaseURL = "http://localhost:8000"
	cfg.Backend.Timeout = "30s"
	cfg.Backend.MaxConcurrent = 4
	cfg.Status.PollSchedule = "@every 30s"
	cfg.Status.RetryAttempts = 3
	cfg.Session.PollInterval = "1s"
	cfg.Devserver.Listen = "127.0.0.1:8000"
	return cfg
}

// isYAML reports whether path should be read and written as YAML.
func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func Load(path string) (*Config, error) {
	cfg := defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if isYAML(path) {
			err = yaml.Unmarshal(data, cfg)
		} else {
			err = json.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if v := os.Getenv("CONNHUB_BASE_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("CONNHUB_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CONNHUB_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

// BackendTimeout parses backend.timeout. An empty or invalid value means
// no client-side timeout.
func (c *Config) BackendTimeout() time.Duration {
	d, err := time.ParseDuration(c.Backend.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// SessionPollInterval parses session.poll_interval, defaulting to 1s.
func (c *Config) SessionPollInterval() time.Duration {
	d, err := time.ParseDuration(c.Session.PollInterval)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg into a nested map keyed by its JSON field names.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns every config value under its dot-separated key,
// with secrets masked when mask is set.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// readRaw loads the file at path as a generic map. YAML numbers are
// normalized through JSON so both formats report float64.
func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := make(map[string]any)
	if isYAML(path) {
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		normalized, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		m = make(map[string]any)
		if err := json.Unmarshal(normalized, &m); err != nil {
			return nil, err
		}
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return m, nil
}

// GetValue returns the value stored under a dot-separated key. The file is
// created with defaults if it does not exist yet.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	m, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(m)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key %q", key)
	}
	return v, nil
}

// SetValue stores raw under a dot-separated key. raw is decoded as JSON
// when possible so numbers and booleans keep their type; anything else is
// stored as a string. The file must already exist.
func SetValue(path, key, raw string) error {
	m, err := readRaw(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}

	flat := Flatten(m)
	flat[key] = value
	m = Unflatten(flat)

	var data []byte
	if isYAML(path) {
		data, err = yaml.Marshal(m)
	} else {
		data, err = json.MarshalIndent(m, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}
