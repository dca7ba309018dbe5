package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	MaxConcurrent int    `json:"max_concurrent"`
	Endpoint      struct {
		URL                string            `json:"url"`
		Transport          string            `json:"transport"`
		APIKey             string            `json:"api_key"`
		IdleTimeoutSeconds int               `json:"idle_timeout_seconds"`
		Headers            map[string]string `json:"headers,omitempty"`
	} `json:"endpoint"`
	Retry struct {
		MaxAttempts    int `json:"max_attempts"`
		InitialDelayMS int `json:"initial_delay_ms"`
		MaxDelayMS     int `json:"max_delay_ms"`
	} `json:"retry"`
	Telegram struct {
		Token          string  `json:"token"`
		EditIntervalMS int     `json:"edit_interval_ms"`
		AllowedChats   []int64 `json:"allowed_chats,omitempty"`
	} `json:"telegram"`
	HTTP struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen"`
	} `json:"http"`
}

// DefaultPath is ~/.askstream/config.json.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".askstream", "config.json")
}

func defaults() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".askstream"),
		LogLevel:      "info",
		MaxConcurrent: 2,
	}
	cfg.Endpoint.URL = "http://localhost:8080/api/answer/stream"
	cfg.Endpoint.Transport = "sse"
	cfg.Endpoint.IdleTimeoutSeconds = 60
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.InitialDelayMS = 1000
	cfg.Retry.MaxDelayMS = 30000
	cfg.Telegram.EditIntervalMS = 1000
	cfg.HTTP.Listen = "127.0.0.1:8484"
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if endpoint := os.Getenv("ASKSTREAM_ENDPOINT"); endpoint != "" {
		cfg.Endpoint.URL = endpoint
	}
	if apiKey := os.Getenv("ASKSTREAM_API_KEY"); apiKey != "" {
		cfg.Endpoint.APIKey = apiKey
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}

	return cfg, nil
}

// Validate reports settings the engine cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Endpoint.URL) == "" {
		return fmt.Errorf("endpoint.url is not set")
	}
	switch c.Endpoint.Transport {
	case "sse", "ws":
	default:
		return fmt.Errorf("endpoint.transport must be sse or ws, got %q", c.Endpoint.Transport)
	}
	if c.Endpoint.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("endpoint.idle_timeout_seconds must not be negative")
	}
	return nil
}

// IdleTimeout is the stream idle timeout; zero disables it.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Endpoint.IdleTimeoutSeconds) * time.Second
}

// EditInterval is the minimum gap between Telegram message edits.
func (c *Config) EditInterval() time.Duration {
	if c.Telegram.EditIntervalMS <= 0 {
		return time.Second
	}
	return time.Duration(c.Telegram.EditIntervalMS) * time.Millisecond
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, append(data, '\n'))
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg into the generic nested map its JSON form decodes to.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns cfg as dotted keys, with secrets masked when mask is set.
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

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return m, nil
}

// GetValue returns the value stored under a dotted key in the config file.
// The file is created with defaults if missing.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(raw)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under a dotted key. Values that parse as JSON
// (numbers, booleans, arrays) are stored typed, anything else as a string.
func SetValue(path, key, value string) error {
	if !KnownKey(key) {
		return fmt.Errorf("unknown config key: %s", key)
	}
	raw, err := readRaw(path)
	if err != nil {
		return err
	}
	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}

	flat := Flatten(raw)
	flat[key] = parsed
	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, append(data, '\n'))
}
