package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
)

// Config is the root configuration for sendimg.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Images   ImagesConfig   `json:"images"`
	LLM      LLMConfig      `json:"llm"`
	Channels ChannelsConfig `json:"channels"`
	Store    StoreConfig    `json:"store"`
	Browser  BrowserConfig  `json:"browser"`
	Admin    AdminConfig    `json:"admin"`
}

type GeneralConfig struct {
	Workspace             string `json:"workspace"`
	LogLevel              string `json:"logLevel"`
	LogFile               string `json:"logFile,omitempty"` // optional log file path
	MaxConcurrentMessages int    `json:"maxConcurrentMessages"`
}

// ImagesConfig configures keyword resolution and the delivery pipeline.
type ImagesConfig struct {
	BasePath     string `json:"basePath"`
	Prefix       string `json:"prefix"`       // messages starting with this are keyword lookups
	KeywordTable string `json:"keywordTable"` // .json, .yaml or .yml
	StripHeight  int    `json:"stripHeight"`
	// TransportLimitFallback is used when a channel cannot report its limit.
	TransportLimitFallback int64  `json:"transportLimitFallback"`
	StrictSinglePass       bool   `json:"strictSinglePass,omitempty"`
	Compression            string `json:"compression,omitempty"` // "default" | "none" | "fast" | "best"
}

// LLMConfig configures the /ask relay to an OpenAI-compatible endpoint.
type LLMConfig struct {
	Enabled            bool    `json:"enabled"`
	APIBase            string  `json:"apiBase"`
	APIKey             string  `json:"apiKey,omitempty"`
	Model              string  `json:"model"`
	Temperature        float64 `json:"temperature"`
	MaxTokens          int     `json:"maxTokens"`
	TimeoutSeconds     int     `json:"timeoutSeconds"`
	MaxRetries         int     `json:"maxRetries"`
	PromptDir          string  `json:"promptDir"`    // role.json, thinking.json, format.txt, default.txt
	KnowledgeDir       string  `json:"knowledgeDir"` // <code>.json per product
	MinQuestionLength  int     `json:"minQuestionLength"`
	RateLimitPerMinute int     `json:"rateLimitPerMinute"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
	Slack    SlackConfig    `json:"slack,omitempty"`
	Webhook  WebhookConfig  `json:"webhook,omitempty"`
	CLI      CLIConfig      `json:"cli"`
}

type TelegramConfig struct {
	Enabled         bool           `json:"enabled"`
	Token           string         `json:"token"`
	AllowFrom       FlexStringList `json:"allowFrom"`
	ParseMode       string         `json:"parseMode"`
	MaxPayloadBytes int64          `json:"maxPayloadBytes"` // 0 = unknown
}

type DiscordConfig struct {
	Enabled         bool   `json:"enabled"`
	Token           string `json:"token"`
	GuildID         string `json:"guildId,omitempty"` // optional: restrict to specific guild
	MaxPayloadBytes int64  `json:"maxPayloadBytes"`
}

type SlackConfig struct {
	Enabled         bool   `json:"enabled"`
	BotToken        string `json:"botToken"`
	AppToken        string `json:"appToken"` // required for Socket Mode
	MaxPayloadBytes int64  `json:"maxPayloadBytes"`
}

// WebhookConfig configures the outbound HTTP callback channel. Inbound
// messages arrive on the admin server at Path.
type WebhookConfig struct {
	Enabled         bool   `json:"enabled"`
	Path            string `json:"path"`
	CallbackURL     string `json:"callbackUrl"`
	Secret          string `json:"secret,omitempty"` // HMAC-SHA256 signing key
	MaxPayloadBytes int64  `json:"maxPayloadBytes"`
}

type CLIConfig struct {
	Enabled         bool   `json:"enabled"`
	OutputDir       string `json:"outputDir"` // where delivered units are written
	MaxPayloadBytes int64  `json:"maxPayloadBytes"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// StoreConfig configures the sqlite delivery log.
type StoreConfig struct {
	Enabled       bool   `json:"enabled"`
	DBPath        string `json:"dbPath"`
	RetentionDays int    `json:"retentionDays"`
}

// BrowserConfig configures headless capture of keyword targets that are URLs.
type BrowserConfig struct {
	Enabled        bool   `json:"enabled"`
	CacheDir       string `json:"cacheDir"`
	ViewportWidth  int    `json:"viewportWidth"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	CacheTTLMin    int    `json:"cacheTtlMinutes"`
}

// AdminConfig configures the health/metrics HTTP server.
type AdminConfig struct {
	Enabled        bool           `json:"enabled"`
	Host           string         `json:"host"`
	Port           int            `json:"port"`
	APIKey         string         `json:"apiKey,omitempty"`
	AllowedOrigins FlexStringList `json:"allowedOrigins,omitempty"` // CORS; empty = same-origin only
}

// DefaultConfigDir returns the default config directory (~/.sendimg).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sendimg"
	}
	return filepath.Join(home, ".sendimg")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a JSON config file. Comments and trailing commas are allowed.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	data = jsonc.ToJSON(data)
	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.Workspace = ExpandPath(cfg.General.Workspace)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Images.BasePath = ExpandPath(cfg.Images.BasePath)
	cfg.Images.KeywordTable = ExpandPath(cfg.Images.KeywordTable)
	cfg.LLM.PromptDir = ExpandPath(cfg.LLM.PromptDir)
	cfg.LLM.KnowledgeDir = ExpandPath(cfg.LLM.KnowledgeDir)
	cfg.Channels.CLI.OutputDir = ExpandPath(cfg.Channels.CLI.OutputDir)
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.Browser.CacheDir = ExpandPath(cfg.Browser.CacheDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.MaxConcurrentMessages < 1 || cfg.General.MaxConcurrentMessages > 100 {
		errs = append(errs, "general.maxConcurrentMessages must be between 1 and 100")
	}

	if cfg.Images.Prefix == "" {
		errs = append(errs, "images.prefix must not be empty")
	}
	if cfg.Images.StripHeight < 1 {
		errs = append(errs, "images.stripHeight must be >= 1")
	}
	if cfg.Images.TransportLimitFallback < 1 {
		errs = append(errs, "images.transportLimitFallback must be >= 1")
	}
	switch cfg.Images.Compression {
	case "", "default", "none", "fast", "best":
	default:
		errs = append(errs, "images.compression must be one of: default, none, fast, best")
	}

	if cfg.LLM.Enabled {
		if cfg.LLM.APIBase == "" {
			errs = append(errs, "llm.apiBase is required when llm is enabled")
		}
		if cfg.LLM.Model == "" {
			errs = append(errs, "llm.model is required when llm is enabled")
		}
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, "llm.temperature must be between 0 and 2")
	}
	if cfg.LLM.TimeoutSeconds < 1 {
		errs = append(errs, "llm.timeoutSeconds must be >= 1")
	}

	for name, limit := range map[string]int64{
		"telegram": cfg.Channels.Telegram.MaxPayloadBytes,
		"discord":  cfg.Channels.Discord.MaxPayloadBytes,
		"slack":    cfg.Channels.Slack.MaxPayloadBytes,
		"webhook":  cfg.Channels.Webhook.MaxPayloadBytes,
		"cli":      cfg.Channels.CLI.MaxPayloadBytes,
	} {
		if limit < 0 {
			errs = append(errs, fmt.Sprintf("channels.%s.maxPayloadBytes must be >= 0", name))
		}
	}
	if cfg.Channels.Webhook.Enabled && cfg.Channels.Webhook.CallbackURL == "" {
		errs = append(errs, "channels.webhook.callbackUrl is required when the webhook channel is enabled")
	}

	if cfg.Store.RetentionDays < 1 {
		errs = append(errs, "store.retentionDays must be >= 1")
	}
	if cfg.Admin.Port < 0 || cfg.Admin.Port > 65535 {
		errs = append(errs, "admin.port must be between 0 and 65535")
	}

	if len(errs) > 0 {
		// Map iteration above is unordered.
		slices.Sort(errs)
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
