package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.Endpoint != "https://huggingface.co" {
		t.Errorf("expected default endpoint https://huggingface.co, got %q", cfg.Endpoint)
	}
	if cfg.Revision != "main" {
		t.Errorf("expected default revision main, got %q", cfg.Revision)
	}
	if !reflect.DeepEqual(cfg.Patterns, []string{"*.safetensors", "*.json"}) {
		t.Errorf("unexpected default patterns %v", cfg.Patterns)
	}
	if cfg.Retry.Attempts != 5 {
		t.Errorf("expected default retry attempts 5, got %d", cfg.Retry.Attempts)
	}
	if cfg.Retry.Backoff != time.Second {
		t.Errorf("expected default retry backoff 1s, got %v", cfg.Retry.Backoff)
	}
	if cfg.Retry.MaxBackoff != 5*time.Minute {
		t.Errorf("expected default retry max backoff 5m, got %v", cfg.Retry.MaxBackoff)
	}
	if cfg.BufferSize != 1024*1024 {
		t.Errorf("expected default buffer size 1MiB, got %d", cfg.BufferSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	yamlContent := `
endpoint: https://hub.example.com
revision: v1.0
download_dir: /data/models
patterns: ["*.bin", "tokenizer*"]
state_url: mem://
buffer_size: 4MiB
progress: true
log_level: debug
retry:
  attempts: 10
  backoff: 2s
  max_backoff: 60s
http:
  timeout: 1m
  user_agent: test-agent
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.Endpoint != "https://hub.example.com" {
		t.Errorf("expected endpoint https://hub.example.com, got %q", cfg.Endpoint)
	}
	if cfg.Revision != "v1.0" {
		t.Errorf("expected revision v1.0, got %q", cfg.Revision)
	}
	if cfg.DownloadDir != "/data/models" {
		t.Errorf("expected download dir /data/models, got %q", cfg.DownloadDir)
	}
	if !reflect.DeepEqual(cfg.Patterns, []string{"*.bin", "tokenizer*"}) {
		t.Errorf("unexpected patterns %v", cfg.Patterns)
	}
	if cfg.StateURL != "mem://" {
		t.Errorf("expected state url mem://, got %q", cfg.StateURL)
	}
	if cfg.BufferSize != 4*1024*1024 {
		t.Errorf("expected buffer size 4MiB, got %d", cfg.BufferSize)
	}
	if !cfg.Progress {
		t.Error("expected progress true")
	}
	if level, _ := cfg.Level(); level != slog.LevelDebug {
		t.Errorf("expected debug level, got %v", level)
	}
	if cfg.Retry.Attempts != 10 {
		t.Errorf("expected retry attempts 10, got %d", cfg.Retry.Attempts)
	}
	if cfg.Retry.Backoff != 2*time.Second {
		t.Errorf("expected retry backoff 2s, got %v", cfg.Retry.Backoff)
	}
	if cfg.Retry.MaxBackoff != 60*time.Second {
		t.Errorf("expected retry max backoff 60s, got %v", cfg.Retry.MaxBackoff)
	}
	if cfg.HTTP.Timeout != time.Minute {
		t.Errorf("expected http timeout 1m, got %v", cfg.HTTP.Timeout)
	}
	if cfg.HTTP.UserAgent != "test-agent" {
		t.Errorf("expected user agent test-agent, got %q", cfg.HTTP.UserAgent)
	}
	if cfg.HTTP.MaxIdleConnsPerHost != 16 {
		t.Errorf("expected untouched max idle conns 16, got %d", cfg.HTTP.MaxIdleConnsPerHost)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HUBPULL_ENDPOINT", "http://localhost:8080")
	t.Setenv("HUBPULL_TOKEN", "hf_env")
	t.Setenv("HUBPULL_PATTERNS", "*.gguf, ,config.json")
	t.Setenv("HUBPULL_BUFFER_SIZE", "64KiB")
	t.Setenv("HUBPULL_PROGRESS", "1")
	t.Setenv("HUBPULL_RETRY_ATTEMPTS", "3")
	t.Setenv("HUBPULL_RETRY_BACKOFF", "500ms")
	t.Setenv("HUBPULL_HTTP_TIMEOUT", "5s")

	cfg := Default()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}

	if cfg.Endpoint != "http://localhost:8080" {
		t.Errorf("expected endpoint from env, got %q", cfg.Endpoint)
	}
	if cfg.Token != "hf_env" {
		t.Errorf("expected token hf_env, got %q", cfg.Token)
	}
	if !reflect.DeepEqual(cfg.Patterns, []string{"*.gguf", "config.json"}) {
		t.Errorf("unexpected patterns %v", cfg.Patterns)
	}
	if cfg.BufferSize != 64*1024 {
		t.Errorf("expected buffer size 64KiB, got %d", cfg.BufferSize)
	}
	if !cfg.Progress {
		t.Error("expected progress true")
	}
	if cfg.Retry.Attempts != 3 {
		t.Errorf("expected retry attempts 3, got %d", cfg.Retry.Attempts)
	}
	if cfg.Retry.Backoff != 500*time.Millisecond {
		t.Errorf("expected retry backoff 500ms, got %v", cfg.Retry.Backoff)
	}
	if cfg.HTTP.Timeout != 5*time.Second {
		t.Errorf("expected http timeout 5s, got %v", cfg.HTTP.Timeout)
	}
}

func TestLoadFromEnvTokenFallback(t *testing.T) {
	t.Setenv("HUBPULL_TOKEN", "")
	t.Setenv("HF_TOKEN", "hf_fallback")

	cfg := Default()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Token != "hf_fallback" {
		t.Errorf("expected token from HF_TOKEN, got %q", cfg.Token)
	}
}

func TestLoadFromEnvInvalid(t *testing.T) {
	t.Setenv("HUBPULL_RETRY_ATTEMPTS", "many")

	cfg := Default()
	if err := cfg.LoadFromEnv(); err == nil {
		t.Error("expected error for invalid HUBPULL_RETRY_ATTEMPTS")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "bad endpoint scheme",
			modify:  func(c *Config) { c.Endpoint = "ftp://hub" },
			wantErr: true,
		},
		{
			name:    "empty endpoint",
			modify:  func(c *Config) { c.Endpoint = "" },
			wantErr: true,
		},
		{
			name:    "empty download dir",
			modify:  func(c *Config) { c.DownloadDir = "" },
			wantErr: true,
		},
		{
			name:    "zero buffer size",
			modify:  func(c *Config) { c.BufferSize = 0 },
			wantErr: true,
		},
		{
			name:    "negative attempts",
			modify:  func(c *Config) { c.Retry.Attempts = -1 },
			wantErr: true,
		},
		{
			name:    "zero attempts",
			modify:  func(c *Config) { c.Retry.Attempts = 0 },
			wantErr: false,
		},
		{
			name:    "max backoff below backoff",
			modify:  func(c *Config) { c.Retry.MaxBackoff = time.Millisecond },
			wantErr: true,
		},
		{
			name:    "unknown log level",
			modify:  func(c *Config) { c.LogLevel = "loud" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMerge(t *testing.T) {
	base := Default()
	override := Config{
		Revision: "dev",
		Token:    "hf_flag",
		Retry: RetryConfig{
			Attempts: 2,
		},
	}

	result := base.Merge(override)

	if result.Revision != "dev" {
		t.Errorf("expected revision dev, got %q", result.Revision)
	}
	if result.Token != "hf_flag" {
		t.Errorf("expected token hf_flag, got %q", result.Token)
	}
	if result.Retry.Attempts != 2 {
		t.Errorf("expected retry attempts 2, got %d", result.Retry.Attempts)
	}
	// Non-overridden values should remain
	if result.Endpoint != base.Endpoint {
		t.Errorf("expected endpoint %q, got %q", base.Endpoint, result.Endpoint)
	}
	if result.Retry.Backoff != base.Retry.Backoff {
		t.Errorf("expected retry backoff %v, got %v", base.Retry.Backoff, result.Retry.Backoff)
	}
}

func TestConvertedOptions(t *testing.T) {
	cfg := Default()
	cfg.Retry = RetryConfig{Attempts: 7, Backoff: 3 * time.Second, MaxBackoff: time.Minute}

	p := cfg.RetryPolicy()
	if p.MaxAttempts != 7 || p.Base != 3*time.Second || p.Max != time.Minute {
		t.Errorf("unexpected retry policy %+v", p)
	}

	h := cfg.HTTPOptions()
	if h.Timeout != cfg.HTTP.Timeout || h.UserAgent != cfg.HTTP.UserAgent {
		t.Errorf("unexpected http options %+v", h)
	}
}

func TestLoadYAMLFileNotFound(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadYAMLInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("invalid: yaml: content:"), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	_, err := LoadFromFile(configPath)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoadYAMLInvalidDuration(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("retry:\n  backoff: soon\n"), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	if _, err := LoadFromFile(configPath); err == nil {
		t.Error("expected error for invalid duration")
	}
}
