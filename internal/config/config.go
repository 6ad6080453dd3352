package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keanucz/m3ufetch/internal/auth"
	"github.com/keanucz/m3ufetch/internal/downloader"
)

// Config is the user-facing configuration. Values come from Default, then an
// optional YAML file, then M3UFETCH_* environment variables. Command-line
// flags are applied last by the CLI.
type Config struct {
	OutputDir        string        `yaml:"output_dir"`
	Concurrency      int           `yaml:"concurrency"`
	Retries          int           `yaml:"retries"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	RateLimit        string        `yaml:"rate_limit"` // e.g. "2M", empty for unlimited
	UserAgent        string        `yaml:"user_agent"`
	Proxy            string        `yaml:"proxy"`
	AuthEndpoint     string        `yaml:"auth_endpoint"`
	MetricsAddr      string        `yaml:"metrics_addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	def := downloader.DefaultConfig()
	return Config{
		OutputDir:        ".",
		Concurrency:      def.MaxConcurrent,
		Retries:          def.MaxAttempts,
		RetryDelay:       def.RetryDelay,
		ProgressInterval: def.ProgressInterval,
		ConnectTimeout:   def.ConnectTimeout,
		ReadTimeout:      def.ReadTimeout,
		UserAgent:        def.UserAgent,
		AuthEndpoint:     auth.DefaultEndpoint,
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	c.OutputDir = getEnv("M3UFETCH_OUTPUT_DIR", c.OutputDir)
	c.Concurrency = int(getEnvInt64("M3UFETCH_CONCURRENCY", int64(c.Concurrency)))
	c.Retries = int(getEnvInt64("M3UFETCH_RETRIES", int64(c.Retries)))
	c.RateLimit = getEnv("M3UFETCH_RATE_LIMIT", c.RateLimit)
	c.UserAgent = getEnv("M3UFETCH_USER_AGENT", c.UserAgent)
	c.Proxy = getEnv("M3UFETCH_PROXY", c.Proxy)
	c.MetricsAddr = getEnv("M3UFETCH_METRICS_ADDR", c.MetricsAddr)
}

// Validate rejects settings the downloader cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	if c.Retries < 1 {
		errs = append(errs, fmt.Errorf("retries must be at least 1, got %d", c.Retries))
	}
	if c.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("retry_delay must not be negative"))
	}
	if c.ReadTimeout < 0 || c.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("timeouts must not be negative"))
	}
	if _, err := ParseRate(c.RateLimit); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Manager converts the configuration into download manager settings.
func (c Config) Manager(logger downloader.Logger) downloader.Config {
	rate, _ := ParseRate(c.RateLimit)
	return downloader.Config{
		MaxConcurrent:    c.Concurrency,
		MaxAttempts:      c.Retries,
		RetryDelay:       c.RetryDelay,
		ProgressInterval: c.ProgressInterval,
		ConnectTimeout:   c.ConnectTimeout,
		ReadTimeout:      c.ReadTimeout,
		RateLimit:        rate,
		UserAgent:        c.UserAgent,
		ProxyURL:         c.Proxy,
		AuthEndpoint:     c.AuthEndpoint,
		Log:              logger,
	}
}

// ParseRate parses a bytes-per-second value with an optional K, M or G
// suffix (powers of 1024). Empty and "0" mean unlimited.
func ParseRate(raw string) (int64, error) {
	s := strings.TrimSpace(strings.ToUpper(raw))
	s = strings.TrimSuffix(strings.TrimSuffix(s, "/S"), "B")
	if s == "" {
		return 0, nil
	}

	mult := int64(1)
	switch s[len(s)-1] {
	case 'K':
		mult = 1 << 10
	case 'M':
		mult = 1 << 20
	case 'G':
		mult = 1 << 30
	}
	if mult > 1 {
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseFloat(s, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid rate limit %q", raw)
	}
	return int64(n * float64(mult)), nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
