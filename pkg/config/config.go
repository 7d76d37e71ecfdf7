package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
)

const (
	DefaultProvider      = "gemini"
	DefaultModel         = "gemini-2.5-flash"
	DefaultMaxImageBytes = 20 * 1024 * 1024
	DefaultKeepAlive     = "*/10 * * * *"

	defaultRequestTimeoutSeconds = 60
	defaultGatewayHost           = "0.0.0.0"
	defaultGatewayPort           = 18790
	defaultProbeIntervalSeconds  = 60
)

// Config is the root runtime configuration: an optional config.json layered
// under environment variables.
type Config struct {
	AI        AIConfig        `json:"ai"`
	Providers ProvidersConfig `json:"providers"`
	Channels  ChannelsConfig  `json:"channels"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Gateway   GatewayConfig   `json:"gateway"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty" env:"LENSLATE_LOG_FORMAT"`
	Level     string `json:"level,omitempty" env:"LENSLATE_LOG_LEVEL"`
	AddSource bool   `json:"add_source,omitempty" env:"LENSLATE_LOG_ADD_SOURCE"`
}

// AIConfig selects the generative backend and bounds each call.
type AIConfig struct {
	Provider              string  `json:"provider" env:"LENSLATE_AI_PROVIDER"`
	Model                 string  `json:"model" env:"LENSLATE_AI_MODEL"`
	RequestTimeoutSeconds int     `json:"request_timeout_seconds" env:"LENSLATE_AI_TIMEOUT_SECONDS"`
	MaxTokens             int     `json:"max_tokens" env:"LENSLATE_AI_MAX_TOKENS"`
	Temperature           float64 `json:"temperature" env:"LENSLATE_AI_TEMPERATURE"`
}

// ProvidersConfig stores per-provider connection settings.
type ProvidersConfig struct {
	Gemini GeminiProviderConfig `json:"gemini"`
	OpenAI OpenAIProviderConfig `json:"openai"`
}

// GeminiProviderConfig configures the Google Gemini backend.
type GeminiProviderConfig struct {
	APIKey string `json:"api_key" env:"GEMINI_API_KEY"`
}

// OpenAIProviderConfig configures the OpenAI backend.
type OpenAIProviderConfig struct {
	APIKey       string `json:"api_key" env:"OPENAI_API_KEY"`
	BaseURL      string `json:"base_url" env:"OPENAI_BASE_URL"`
	Organization string `json:"organization"`
	Project      string `json:"project"`
}

// ChannelsConfig stores transport adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

// TelegramConfig configures Telegram channel integration.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled" env:"LENSLATE_TELEGRAM_ENABLED"`
	Token     string   `json:"token" env:"TELEGRAM_BOT_TOKEN"`
	Proxy     string   `json:"proxy" env:"LENSLATE_TELEGRAM_PROXY"`
	AllowFrom []string `json:"allow_from" env:"TELEGRAM_ALLOW_FROM"`
}

// DiscordConfig configures Discord channel integration.
type DiscordConfig struct {
	Enabled   bool     `json:"enabled" env:"LENSLATE_DISCORD_ENABLED"`
	Token     string   `json:"token" env:"DISCORD_BOT_TOKEN"`
	AllowFrom []string `json:"allow_from" env:"DISCORD_ALLOW_FROM"`
}

// DispatchConfig tunes the action dispatcher.
type DispatchConfig struct {
	// SingleFlight rejects a second selection for a conversation while one is running.
	SingleFlight  bool  `json:"single_flight" env:"LENSLATE_SINGLE_FLIGHT"`
	MaxImageBytes int64 `json:"max_image_bytes" env:"LENSLATE_MAX_IMAGE_BYTES"`
}

// GatewayConfig configures the status server and keep-alive pinger.
type GatewayConfig struct {
	Host                 string          `json:"host" env:"LENSLATE_HOST"`
	Port                 int             `json:"port" env:"PORT"`
	PublicURL            string          `json:"public_url" env:"LENSLATE_PUBLIC_URL"`
	ProbeIntervalSeconds int             `json:"probe_interval_seconds" env:"LENSLATE_PROBE_INTERVAL_SECONDS"`
	KeepAlive            KeepAliveConfig `json:"keepalive"`
}

// KeepAliveConfig schedules self-pings against PublicURL.
type KeepAliveConfig struct {
	Schedule string `json:"schedule" env:"LENSLATE_KEEPALIVE_SCHEDULE"`
}

// Default returns the configuration used before any file or environment is applied.
func Default() *Config {
	cfg := &Config{}
	cfg.Channels.Telegram.Enabled = true
	cfg.applyDefaults()
	return cfg
}

// LoadConfig resolves config.json when present, unmarshals it over the defaults,
// and applies environment overrides.
func LoadConfig() (*Config, error) {
	cfg := Default()

	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := json.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills zero values left after file and environment loading.
func (c *Config) applyDefaults() {
	c.AI.Provider = strings.ToLower(strings.TrimSpace(c.AI.Provider))
	if c.AI.Provider == "" {
		c.AI.Provider = DefaultProvider
	}
	c.AI.Model = strings.TrimSpace(c.AI.Model)
	if c.AI.Model == "" && c.AI.Provider == DefaultProvider {
		c.AI.Model = DefaultModel
	}
	if c.AI.RequestTimeoutSeconds <= 0 {
		c.AI.RequestTimeoutSeconds = defaultRequestTimeoutSeconds
	}

	if c.Dispatch.MaxImageBytes <= 0 {
		c.Dispatch.MaxImageBytes = DefaultMaxImageBytes
	}

	if strings.TrimSpace(c.Gateway.Host) == "" {
		c.Gateway.Host = defaultGatewayHost
	}
	if c.Gateway.Port <= 0 {
		c.Gateway.Port = defaultGatewayPort
	}
	if c.Gateway.ProbeIntervalSeconds <= 0 {
		c.Gateway.ProbeIntervalSeconds = defaultProbeIntervalSeconds
	}
	c.Gateway.PublicURL = strings.TrimRight(strings.TrimSpace(c.Gateway.PublicURL), "/")
	if strings.TrimSpace(c.Gateway.KeepAlive.Schedule) == "" {
		c.Gateway.KeepAlive.Schedule = DefaultKeepAlive
	}

	c.Channels.Telegram.AllowFrom = compact(c.Channels.Telegram.AllowFrom)
	c.Channels.Discord.AllowFrom = compact(c.Channels.Discord.AllowFrom)
}

// compact trims values and drops empty entries.
func compact(values []string) []string {
	if len(values) == 0 {
		return nil
	}

	clean := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			clean = append(clean, trimmed)
		}
	}
	if len(clean) == 0 {
		return nil
	}

	return clean
}

// findConfigPath resolves the active config file location.
//
// Precedence is LENSLATE_CONFIG first, then cwd-local fallback paths. A missing
// file is not an error: every setting can come from the environment.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv("LENSLATE_CONFIG")); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("LENSLATE_CONFIG does not point to a file: %s", value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, nil
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %s: %w", candidate, err)
		}
	}

	return "", nil
}
