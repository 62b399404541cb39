package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/taskclaw/internal/otel"
)

// LLMConfig selects the model provider backing the oracle.
type LLMConfig struct {
	// Provider is one of "google", "anthropic", "openai", "openai_compatible", "openrouter".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`

	// CompatibleProvider names the openai_compatible backend; it becomes the
	// model name prefix.
	CompatibleProvider string `yaml:"compatible_provider"`

	// Fallbacks are tried in order when the primary provider fails or its
	// circuit breaker is open.
	Fallbacks []FallbackConfig `yaml:"fallbacks"`

	FailoverThreshold       int `yaml:"failover_threshold"`
	FailoverCooldownSeconds int `yaml:"failover_cooldown_seconds"`
}

type FallbackConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
}

// EngineConfig bounds a single turn. All fields are hot-reloadable.
type EngineConfig struct {
	MaxToolCalls         int `yaml:"max_tool_calls"`
	OracleTimeoutSeconds int `yaml:"oracle_timeout_seconds"`
	TurnTimeoutSeconds   int `yaml:"turn_timeout_seconds"`
	OracleRetryBackoffMS int `yaml:"oracle_retry_backoff_ms"`
}

// HistoryConfig bounds the history view handed to the oracle. Hot-reloadable.
type HistoryConfig struct {
	MaxMessages int `yaml:"max_messages"`
	MaxBytes    int `yaml:"max_bytes"`
}

// APIKeyEntry maps a bearer key to the user it authenticates.
type APIKeyEntry struct {
	Key         string `yaml:"key"`
	UserID      string `yaml:"user_id"`
	Description string `yaml:"description"`
}

type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"api_keys"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

type MaintenanceConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

type TelegramConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr        string `yaml:"bind_addr"`
	DBPath          string `yaml:"db_path"`
	LogLevel        string `yaml:"log_level"`
	MaxRequestBytes int64  `yaml:"max_request_bytes"`

	LLM         LLMConfig         `yaml:"llm"`
	Engine      EngineConfig      `yaml:"engine"`
	History     HistoryConfig     `yaml:"history"`
	Auth        AuthConfig        `yaml:"auth"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	CORS        CORSConfig        `yaml:"cors"`
	Telemetry   otel.Config       `yaml:"telemetry"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Telegram    TelegramConfig    `yaml:"telegram"`

	// SystemPrompt is read from <home>/SYSTEM.md when present.
	SystemPrompt string `yaml:"-"`
}

func (e EngineConfig) OracleTimeout() time.Duration {
	return time.Duration(e.OracleTimeoutSeconds) * time.Second
}

func (e EngineConfig) TurnTimeout() time.Duration {
	return time.Duration(e.TurnTimeoutSeconds) * time.Second
}

func (e EngineConfig) OracleRetryBackoff() time.Duration {
	return time.Duration(e.OracleRetryBackoffMS) * time.Millisecond
}

// Fingerprint returns a stable hash of the settings that affect turn
// behaviour. Used to log when a reload actually changed something.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "tools=%d|oto=%d|tto=%d|backoff=%d|hist=%d/%d|provider=%s|model=%s",
		c.Engine.MaxToolCalls, c.Engine.OracleTimeoutSeconds, c.Engine.TurnTimeoutSeconds,
		c.Engine.OracleRetryBackoffMS, c.History.MaxMessages, c.History.MaxBytes,
		c.LLM.Provider, c.LLM.Model)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:        "127.0.0.1:18790",
		LogLevel:        "info",
		MaxRequestBytes: 1 << 20,
		LLM: LLMConfig{
			Provider:                "google",
			FailoverThreshold:       5,
			FailoverCooldownSeconds: 300,
		},
		Engine: EngineConfig{
			MaxToolCalls:         6,
			OracleTimeoutSeconds: 30,
			TurnTimeoutSeconds:   90,
			OracleRetryBackoffMS: 500,
		},
		History: HistoryConfig{
			MaxMessages: 20,
			MaxBytes:    64 * 1024,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			BurstSize:         10,
		},
		Maintenance: MaintenanceConfig{
			Enabled:  true,
			Schedule: "0 4 * * *",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("TASKCLAW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskclaw")
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads <home>/config.yaml over the defaults, then applies environment
// overrides and clamps out-of-range values.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskclaw home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	loadTextFiles(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	d := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = d.BindAddr
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "taskclaw.db")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = d.MaxRequestBytes
	}

	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.Provider == "" || cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = DefaultModel(cfg.LLM.Provider)
	}
	for i := range cfg.LLM.Fallbacks {
		fb := &cfg.LLM.Fallbacks[i]
		fb.Provider = strings.ToLower(strings.TrimSpace(fb.Provider))
		if fb.Model == "" {
			fb.Model = DefaultModel(fb.Provider)
		}
	}
	if cfg.LLM.FailoverThreshold <= 0 {
		cfg.LLM.FailoverThreshold = d.LLM.FailoverThreshold
	}
	if cfg.LLM.FailoverCooldownSeconds <= 0 {
		cfg.LLM.FailoverCooldownSeconds = d.LLM.FailoverCooldownSeconds
	}

	// Single-digit cap on tool calls per turn.
	if cfg.Engine.MaxToolCalls <= 0 {
		cfg.Engine.MaxToolCalls = d.Engine.MaxToolCalls
	}
	if cfg.Engine.MaxToolCalls > 9 {
		cfg.Engine.MaxToolCalls = 9
	}
	if cfg.Engine.OracleTimeoutSeconds <= 0 {
		cfg.Engine.OracleTimeoutSeconds = d.Engine.OracleTimeoutSeconds
	}
	if cfg.Engine.TurnTimeoutSeconds <= 0 {
		cfg.Engine.TurnTimeoutSeconds = d.Engine.TurnTimeoutSeconds
	}
	if cfg.Engine.TurnTimeoutSeconds < cfg.Engine.OracleTimeoutSeconds {
		cfg.Engine.TurnTimeoutSeconds = cfg.Engine.OracleTimeoutSeconds
	}
	if cfg.Engine.OracleRetryBackoffMS < 0 {
		cfg.Engine.OracleRetryBackoffMS = d.Engine.OracleRetryBackoffMS
	}

	if cfg.History.MaxMessages <= 0 {
		cfg.History.MaxMessages = d.History.MaxMessages
	}
	if cfg.History.MaxBytes < 0 {
		cfg.History.MaxBytes = 0
	}

	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = d.RateLimit.RequestsPerMinute
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = d.RateLimit.BurstSize
	}
	if strings.TrimSpace(cfg.Maintenance.Schedule) == "" {
		cfg.Maintenance.Schedule = d.Maintenance.Schedule
	}
}

func validate(cfg Config) error {
	seen := map[string]bool{}
	for i, k := range cfg.Auth.Keys {
		if strings.TrimSpace(k.Key) == "" {
			return fmt.Errorf("auth.api_keys[%d]: key is empty", i)
		}
		if strings.TrimSpace(k.UserID) == "" {
			return fmt.Errorf("auth.api_keys[%d]: user_id is empty", i)
		}
		if seen[k.Key] {
			return fmt.Errorf("auth.api_keys[%d]: duplicate key", i)
		}
		seen[k.Key] = true
	}
	if cfg.Auth.Enabled && len(cfg.Auth.Keys) == 0 {
		return fmt.Errorf("auth.enabled requires at least one api key")
	}
	return nil
}

// DefaultModel returns the model used when none is configured.
func DefaultModel(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai":
		return "gpt-4o-mini"
	case "openrouter":
		return "openrouter/auto"
	default:
		return "gemini-2.5-flash"
	}
}

// ProviderAPIKey returns the configured key for provider, falling back to the
// provider's conventional environment variable.
func ProviderAPIKey(provider, configured string) string {
	if strings.TrimSpace(configured) != "" {
		return configured
	}
	envMap := map[string]string{
		"google":     "GEMINI_API_KEY",
		"anthropic":  "ANTHROPIC_API_KEY",
		"openai":     "OPENAI_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		return os.Getenv(envVar)
	}
	return ""
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKCLAW_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TASKCLAW_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("TASKCLAW_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKCLAW_MAX_TOOL_CALLS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Engine.MaxToolCalls = v
		}
	}
	if raw := os.Getenv("TASKCLAW_HISTORY_MAX_MESSAGES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.History.MaxMessages = v
		}
	}
	if raw := os.Getenv("LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("TELEGRAM_BOT_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
}

func loadTextFiles(cfg *Config) {
	if b, err := os.ReadFile(filepath.Join(cfg.HomeDir, "SYSTEM.md")); err == nil {
		cfg.SystemPrompt = strings.TrimSpace(string(b))
	}
}
