package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func tempConfigPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "config.json")
}

func writeTestConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
}

func TestLoad_WritesDefaults(t *testing.T) {
	t.Setenv("ASKSTREAM_ENDPOINT", "")
	t.Setenv("ASKSTREAM_API_KEY", "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	path := tempConfigPath(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("defaults not written: %v", err)
	}
	if cfg.Endpoint.Transport != "sse" {
		t.Errorf("expected default transport sse, got %s", cfg.Endpoint.Transport)
	}
	if cfg.IdleTimeout() != 60*time.Second {
		t.Errorf("expected 60s idle timeout, got %v", cfg.IdleTimeout())
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("expected 3 retry attempts, got %d", cfg.Retry.MaxAttempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := tempConfigPath(t)
	cfg := defaults()
	cfg.Endpoint.URL = "http://file/stream"
	writeTestConfig(t, path, cfg)

	t.Setenv("ASKSTREAM_ENDPOINT", "http://env/stream")
	t.Setenv("ASKSTREAM_API_KEY", "env-key")
	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Endpoint.URL != "http://env/stream" {
		t.Errorf("expected env endpoint, got %s", loaded.Endpoint.URL)
	}
	if loaded.Endpoint.APIKey != "env-key" {
		t.Errorf("expected env api key, got %s", loaded.Endpoint.APIKey)
	}
	if loaded.Telegram.Token != "env-token" {
		t.Errorf("expected env telegram token, got %s", loaded.Telegram.Token)
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := tempConfigPath(t)
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid config file")
	}
}

func TestSave_ReloadRoundTrip(t *testing.T) {
	t.Setenv("ASKSTREAM_ENDPOINT", "")
	t.Setenv("ASKSTREAM_API_KEY", "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	path := tempConfigPath(t)

	original := defaults()
	original.DataDir = "/tmp/test-data"
	original.LogLevel = "debug"
	original.MaxConcurrent = 4
	original.Endpoint.URL = "wss://answers.example/ws"
	original.Endpoint.Transport = "ws"
	original.Endpoint.APIKey = "sk-test-round-trip"
	original.Endpoint.Headers = map[string]string{"X-Team": "search"}
	original.Telegram.Token = "bot-token-456"
	original.Telegram.AllowedChats = []int64{42}
	original.HTTP.Enabled = true

	if err := Save(path, original); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.DataDir != original.DataDir {
		t.Errorf("DataDir: expected %q, got %q", original.DataDir, loaded.DataDir)
	}
	if loaded.Endpoint.Transport != "ws" || loaded.Endpoint.URL != original.Endpoint.URL {
		t.Errorf("endpoint not preserved: %+v", loaded.Endpoint)
	}
	if loaded.Endpoint.Headers["X-Team"] != "search" {
		t.Errorf("headers not preserved: %v", loaded.Endpoint.Headers)
	}
	if len(loaded.Telegram.AllowedChats) != 1 || loaded.Telegram.AllowedChats[0] != 42 {
		t.Errorf("allowed chats not preserved: %v", loaded.Telegram.AllowedChats)
	}
	if !loaded.HTTP.Enabled {
		t.Error("http.enabled not preserved")
	}
}

func TestSave_AtomicWrite(t *testing.T) {
	path := tempConfigPath(t)

	if err := Save(path, &Config{LogLevel: "info"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file should not exist after successful save")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read saved config: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Errorf("saved file is not valid JSON: %v", err)
	}
}

func TestSave_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subdir", "config.json")

	if err := Save(path, &Config{LogLevel: "warn"}); err != nil {
		t.Fatalf("Save should create parent directory, got: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file should exist: %v", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := defaults()
	cfg.Endpoint.Transport = "grpc"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown transport")
	}

	cfg = defaults()
	cfg.Endpoint.URL = " "
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing endpoint")
	}

	cfg = defaults()
	cfg.Endpoint.IdleTimeoutSeconds = -1
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for negative idle timeout")
	}

	cfg = defaults()
	cfg.Endpoint.IdleTimeoutSeconds = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("zero idle timeout disables it and is valid: %v", err)
	}
}

func TestEditInterval(t *testing.T) {
	cfg := defaults()
	cfg.Telegram.EditIntervalMS = 250
	if cfg.EditInterval() != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %v", cfg.EditInterval())
	}
	cfg.Telegram.EditIntervalMS = 0
	if cfg.EditInterval() != time.Second {
		t.Errorf("expected 1s fallback, got %v", cfg.EditInterval())
	}
}

func TestToMap(t *testing.T) {
	cfg := &Config{DataDir: "/tmp/test", LogLevel: "debug"}
	cfg.Endpoint.Transport = "sse"
	cfg.Retry.MaxAttempts = 5

	m, err := ToMap(cfg)
	if err != nil {
		t.Fatalf("ToMap failed: %v", err)
	}
	if m["data_dir"] != "/tmp/test" {
		t.Errorf("expected data_dir=/tmp/test, got %v", m["data_dir"])
	}
	endpoint, ok := m["endpoint"].(map[string]any)
	if !ok {
		t.Fatalf("expected endpoint to be map, got %T", m["endpoint"])
	}
	if endpoint["transport"] != "sse" {
		t.Errorf("expected endpoint.transport=sse, got %v", endpoint["transport"])
	}
	retry := m["retry"].(map[string]any)
	// JSON numbers are float64
	if retry["max_attempts"] != float64(5) {
		t.Errorf("expected retry.max_attempts=5, got %v", retry["max_attempts"])
	}
}

func TestListValues(t *testing.T) {
	cfg := &Config{LogLevel: "info"}
	cfg.Endpoint.APIKey = "sk-secret-key-1234"
	cfg.Telegram.Token = "bot-token-abcd"

	flat, err := ListValues(cfg, false)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}
	if flat["endpoint.api_key"] != "sk-secret-key-1234" {
		t.Errorf("expected unmasked endpoint.api_key, got %v", flat["endpoint.api_key"])
	}

	flat, err = ListValues(cfg, true)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}
	if flat["endpoint.api_key"] != "***1234" {
		t.Errorf("expected masked endpoint.api_key=***1234, got %v", flat["endpoint.api_key"])
	}
	if flat["telegram.token"] != "***abcd" {
		t.Errorf("expected masked telegram.token=***abcd, got %v", flat["telegram.token"])
	}
	if flat["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", flat["log_level"])
	}
}

func TestGetValue(t *testing.T) {
	path := tempConfigPath(t)
	cfg := &Config{LogLevel: "debug", MaxConcurrent: 8}
	cfg.Endpoint.Transport = "ws"
	writeTestConfig(t, path, cfg)

	v, err := GetValue(path, "endpoint.transport")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "ws" {
		t.Errorf("expected endpoint.transport=ws, got %v", v)
	}

	v, err = GetValue(path, "max_concurrent")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != float64(8) {
		t.Errorf("expected max_concurrent=8, got %v (%T)", v, v)
	}

	_, err = GetValue(path, "nonexistent.key")
	if err == nil || err.Error() != "unknown config key: nonexistent.key" {
		t.Errorf("expected unknown key error, got %v", err)
	}
}

func TestGetValue_NewFileGetsDefaults(t *testing.T) {
	path := tempConfigPath(t)

	v, err := GetValue(path, "log_level")
	if err != nil {
		t.Fatalf("GetValue on new config failed: %v", err)
	}
	if v != "info" {
		t.Errorf("expected default log_level=info, got %v", v)
	}
}

func TestSetValue(t *testing.T) {
	path := tempConfigPath(t)
	cfg := &Config{LogLevel: "info", MaxConcurrent: 2}
	cfg.Endpoint.Transport = "sse"
	writeTestConfig(t, path, cfg)

	tests := []struct {
		key, value string
		want       any
	}{
		{"log_level", "debug", "debug"},
		{"max_concurrent", "16", float64(16)},
		{"http.enabled", "true", true},
		{"endpoint.transport", "ws", "ws"},
		{"endpoint.headers.X-Team", "search", "search"},
	}
	for _, tt := range tests {
		if err := SetValue(path, tt.key, tt.value); err != nil {
			t.Fatalf("SetValue(%s) failed: %v", tt.key, err)
		}
		v, err := GetValue(path, tt.key)
		if err != nil {
			t.Fatalf("GetValue(%s) failed: %v", tt.key, err)
		}
		if v != tt.want {
			t.Errorf("%s: expected %v (%T), got %v (%T)", tt.key, tt.want, tt.want, v, v)
		}
	}

	// Other values survive the rewrites.
	v, err := GetValue(path, "max_concurrent")
	if err != nil {
		t.Fatal(err)
	}
	if v != float64(16) {
		t.Errorf("expected max_concurrent preserved, got %v", v)
	}
}

func TestSetValue_UnknownKey(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, &Config{LogLevel: "info"})

	for _, key := range []string{"custom.setting", "endpoint.url.host", "endpoint.headers.", "endpoint.headers.a.b"} {
		if err := SetValue(path, key, "x"); err == nil {
			t.Errorf("SetValue(%s): expected unknown key error", key)
		}
	}
	if err := SetValue(path, "telegram.allowed_chats", "[1,2]"); err != nil {
		t.Fatalf("SetValue(telegram.allowed_chats) failed: %v", err)
	}
}

func TestSetValue_NonexistentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist", "config.json")
	if err := SetValue(path, "log_level", "debug"); err == nil {
		t.Fatal("expected error for nonexistent file, got nil")
	}
}
