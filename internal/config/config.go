package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	hubhttp "github.com/ligustah/hubpull/internal/http"
	"github.com/ligustah/hubpull/internal/hub"
	"github.com/ligustah/hubpull/internal/retry"
)

// Config defines configuration for the hubpull CLI.
type Config struct {
	Endpoint    string      `yaml:"endpoint"`
	Token       string      `yaml:"token"`
	Revision    string      `yaml:"revision"`
	DownloadDir string      `yaml:"download_dir"`
	Patterns    []string    `yaml:"patterns"`
	StateURL    string      `yaml:"state_url"`
	BufferSize  int64       `yaml:"buffer_size"`
	Progress    bool        `yaml:"progress"`
	LogLevel    string      `yaml:"log_level"`
	Retry       RetryConfig `yaml:"retry"`
	HTTP        HTTPConfig  `yaml:"http"`
}

// RetryConfig defines retry behavior.
type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// HTTPConfig tunes the HTTP client.
type HTTPConfig struct {
	Timeout             time.Duration `yaml:"timeout"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	UserAgent           string        `yaml:"user_agent"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	httpOpts := hubhttp.DefaultOptions()
	policy := retry.DefaultPolicy()
	return Config{
		Endpoint:    "https://huggingface.co",
		Revision:    hub.DefaultRevision,
		DownloadDir: "models",
		Patterns:    append([]string(nil), hub.DefaultPatterns...),
		BufferSize:  1024 * 1024, // 1MiB
		LogLevel:    "warn",
		Retry: RetryConfig{
			Attempts:   policy.MaxAttempts,
			Backoff:    policy.Base,
			MaxBackoff: policy.Max,
		},
		HTTP: HTTPConfig{
			Timeout:             httpOpts.Timeout,
			MaxIdleConnsPerHost: httpOpts.MaxIdleConnsPerHost,
			UserAgent:           httpOpts.UserAgent,
		},
	}
}

// yamlConfig is used for YAML unmarshaling with string sizes and durations.
type yamlConfig struct {
	Endpoint    string          `yaml:"endpoint"`
	Token       string          `yaml:"token"`
	Revision    string          `yaml:"revision"`
	DownloadDir string          `yaml:"download_dir"`
	Patterns    []string        `yaml:"patterns"`
	StateURL    string          `yaml:"state_url"`
	BufferSize  string          `yaml:"buffer_size"`
	Progress    bool            `yaml:"progress"`
	LogLevel    string          `yaml:"log_level"`
	Retry       yamlRetryConfig `yaml:"retry"`
	HTTP        yamlHTTPConfig  `yaml:"http"`
}

type yamlRetryConfig struct {
	Attempts   int    `yaml:"attempts"`
	Backoff    string `yaml:"backoff"`
	MaxBackoff string `yaml:"max_backoff"`
}

type yamlHTTPConfig struct {
	Timeout             string `yaml:"timeout"`
	MaxIdleConnsPerHost int    `yaml:"max_idle_conns_per_host"`
	UserAgent           string `yaml:"user_agent"`
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()

	if yc.Endpoint != "" {
		cfg.Endpoint = yc.Endpoint
	}
	if yc.Token != "" {
		cfg.Token = yc.Token
	}
	if yc.Revision != "" {
		cfg.Revision = yc.Revision
	}
	if yc.DownloadDir != "" {
		cfg.DownloadDir = yc.DownloadDir
	}
	if len(yc.Patterns) > 0 {
		cfg.Patterns = yc.Patterns
	}
	if yc.StateURL != "" {
		cfg.StateURL = yc.StateURL
	}
	if yc.BufferSize != "" {
		size, err := parseBytes(yc.BufferSize)
		if err != nil {
			return Config{}, fmt.Errorf("parse buffer_size: %w", err)
		}
		cfg.BufferSize = size
	}
	cfg.Progress = yc.Progress
	if yc.LogLevel != "" {
		cfg.LogLevel = yc.LogLevel
	}
	if yc.Retry.Attempts != 0 {
		cfg.Retry.Attempts = yc.Retry.Attempts
	}
	if yc.Retry.Backoff != "" {
		d, err := time.ParseDuration(yc.Retry.Backoff)
		if err != nil {
			return Config{}, fmt.Errorf("parse retry.backoff: %w", err)
		}
		cfg.Retry.Backoff = d
	}
	if yc.Retry.MaxBackoff != "" {
		d, err := time.ParseDuration(yc.Retry.MaxBackoff)
		if err != nil {
			return Config{}, fmt.Errorf("parse retry.max_backoff: %w", err)
		}
		cfg.Retry.MaxBackoff = d
	}
	if yc.HTTP.Timeout != "" {
		d, err := time.ParseDuration(yc.HTTP.Timeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse http.timeout: %w", err)
		}
		cfg.HTTP.Timeout = d
	}
	if yc.HTTP.MaxIdleConnsPerHost != 0 {
		cfg.HTTP.MaxIdleConnsPerHost = yc.HTTP.MaxIdleConnsPerHost
	}
	if yc.HTTP.UserAgent != "" {
		cfg.HTTP.UserAgent = yc.HTTP.UserAgent
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the HUBPULL_ prefix. HF_TOKEN is honored when
// HUBPULL_TOKEN is unset.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("HUBPULL_ENDPOINT"); v != "" {
		c.Endpoint = v
	}
	if v := os.Getenv("HUBPULL_TOKEN"); v != "" {
		c.Token = v
	} else if v := os.Getenv("HF_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("HUBPULL_REVISION"); v != "" {
		c.Revision = v
	}
	if v := os.Getenv("HUBPULL_DOWNLOAD_DIR"); v != "" {
		c.DownloadDir = v
	}
	if v := os.Getenv("HUBPULL_PATTERNS"); v != "" {
		c.Patterns = SplitPatterns(v)
	}
	if v := os.Getenv("HUBPULL_STATE_URL"); v != "" {
		c.StateURL = v
	}
	if v := os.Getenv("HUBPULL_BUFFER_SIZE"); v != "" {
		size, err := parseBytes(v)
		if err != nil {
			return fmt.Errorf("parse HUBPULL_BUFFER_SIZE: %w", err)
		}
		c.BufferSize = size
	}
	if v := os.Getenv("HUBPULL_PROGRESS"); v != "" {
		c.Progress = v == "true" || v == "1"
	}
	if v := os.Getenv("HUBPULL_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("HUBPULL_RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse HUBPULL_RETRY_ATTEMPTS: %w", err)
		}
		c.Retry.Attempts = n
	}
	if v := os.Getenv("HUBPULL_RETRY_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse HUBPULL_RETRY_BACKOFF: %w", err)
		}
		c.Retry.Backoff = d
	}
	if v := os.Getenv("HUBPULL_RETRY_MAX_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse HUBPULL_RETRY_MAX_BACKOFF: %w", err)
		}
		c.Retry.MaxBackoff = d
	}
	if v := os.Getenv("HUBPULL_HTTP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse HUBPULL_HTTP_TIMEOUT: %w", err)
		}
		c.HTTP.Timeout = d
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: endpoint must be an http(s) URL, got %q", c.Endpoint)
	}
	if c.DownloadDir == "" {
		return errors.New("config: download_dir is required")
	}
	if c.BufferSize <= 0 {
		return errors.New("config: buffer_size must be positive")
	}
	if c.Retry.Attempts < 0 {
		return errors.New("config: retry.attempts must not be negative")
	}
	if c.Retry.Backoff <= 0 {
		return errors.New("config: retry.backoff must be positive")
	}
	if c.Retry.MaxBackoff < c.Retry.Backoff {
		return errors.New("config: retry.max_backoff must not be below retry.backoff")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	if override.Endpoint != "" {
		c.Endpoint = override.Endpoint
	}
	if override.Token != "" {
		c.Token = override.Token
	}
	if override.Revision != "" {
		c.Revision = override.Revision
	}
	if override.DownloadDir != "" {
		c.DownloadDir = override.DownloadDir
	}
	if len(override.Patterns) > 0 {
		c.Patterns = override.Patterns
	}
	if override.StateURL != "" {
		c.StateURL = override.StateURL
	}
	if override.BufferSize != 0 {
		c.BufferSize = override.BufferSize
	}
	if override.Progress {
		c.Progress = override.Progress
	}
	if override.LogLevel != "" {
		c.LogLevel = override.LogLevel
	}
	if override.Retry.Attempts != 0 {
		c.Retry.Attempts = override.Retry.Attempts
	}
	if override.Retry.Backoff != 0 {
		c.Retry.Backoff = override.Retry.Backoff
	}
	if override.Retry.MaxBackoff != 0 {
		c.Retry.MaxBackoff = override.Retry.MaxBackoff
	}
	if override.HTTP.Timeout != 0 {
		c.HTTP.Timeout = override.HTTP.Timeout
	}
	if override.HTTP.MaxIdleConnsPerHost != 0 {
		c.HTTP.MaxIdleConnsPerHost = override.HTTP.MaxIdleConnsPerHost
	}
	if override.HTTP.UserAgent != "" {
		c.HTTP.UserAgent = override.HTTP.UserAgent
	}
	return c
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: invalid log_level %q", c.LogLevel)
	}
	return level, nil
}

// RetryPolicy returns the backoff policy described by Retry.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.Attempts,
		Base:        c.Retry.Backoff,
		Max:         c.Retry.MaxBackoff,
	}
}

// HTTPOptions returns the HTTP client options described by HTTP.
func (c *Config) HTTPOptions() hubhttp.Options {
	return hubhttp.Options{
		MaxIdleConnsPerHost: c.HTTP.MaxIdleConnsPerHost,
		Timeout:             c.HTTP.Timeout,
		UserAgent:           c.HTTP.UserAgent,
	}
}

// SplitPatterns splits a comma separated pattern list, dropping blanks.
func SplitPatterns(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBytes(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("size %q too large", s)
	}
	return int64(n), nil
}
