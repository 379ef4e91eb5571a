package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	DefaultModelCode           = "o4-mini"
	DefaultTickMs              = 500
	DefaultIntervalSeconds     = 60
	DefaultHashThreshold       = 10
	DefaultRelevanceThreshold  = 30
	DefaultCooldownSeconds     = 300
	DefaultInactivityMinutes   = 30
	DefaultJudgeTimeoutSeconds = 15
	DefaultHost                = "0.0.0.0"
	DefaultPort                = 8000
	DefaultCheckPeriodSeconds  = 360
	DefaultBusBufSize          = 16
	DefaultScreenpipeURL       = "http://localhost:3030"
	DefaultMemoryUserID        = "default"
)

type Config struct {
	Task     TaskConfig     `json:"task"`
	Judge    JudgeConfig    `json:"judge"`
	Trigger  TriggerConfig  `json:"trigger"`
	Decision DecisionConfig `json:"decision"`
	Channels ChannelsConfig `json:"channels"`
	Capture  CaptureConfig  `json:"capture"`
	Memory   MemoryConfig   `json:"memory"`
	Server   ServerConfig   `json:"server"`
	Debug    bool           `json:"debug"`
}

type TaskConfig struct {
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`
	Instruction string   `json:"instruction,omitempty"`
}

type JudgeConfig struct {
	Model          string                `json:"model"`
	APIKey         string                `json:"apiKey"`
	BaseURL        string                `json:"baseUrl,omitempty"`
	TimeoutSeconds int                   `json:"timeoutSeconds,omitempty"`
	Models         map[string]ModelEntry `json:"models,omitempty"`
}

// ModelEntry extends the built-in model table from the config file.
type ModelEntry struct {
	ExternalID string  `json:"externalId"`
	PriceIn    float64 `json:"priceIn"`
	PriceOut   float64 `json:"priceOut"`
}

type TriggerConfig struct {
	IntervalSeconds     int  `json:"interval"`
	HashThreshold       int  `json:"threshold"`
	TickMs              int  `json:"tickMs,omitempty"`
	ForceOnWindowChange bool `json:"forceOnWindowChange"`
}

type DecisionConfig struct {
	RelevanceThreshold int `json:"relevanceThreshold"`
	CooldownSeconds    int `json:"cooldownSeconds"`
	InactivityMinutes  int `json:"inactivityMinutes"`
}

type ChannelsConfig struct {
	Desktop  DesktopConfig  `json:"desktop"`
	Telegram TelegramConfig `json:"telegram"`
	Voice    VoiceConfig    `json:"voice"`
}

type DesktopConfig struct {
	Enabled bool `json:"enabled"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	ChatID    string   `json:"chatId"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type VoiceConfig struct {
	Enabled        bool   `json:"enabled"`
	Endpoint       string `json:"endpoint"`
	AuthToken      string `json:"authToken"`
	PhoneNumberID  string `json:"phoneNumberId"`
	CustomerNumber string `json:"customerNumber"`
	Provider       string `json:"provider,omitempty"`
	Model          string `json:"model,omitempty"`
	VoiceName      string `json:"voiceName,omitempty"`
}

type CaptureConfig struct {
	ScreenpipeURL string `json:"screenpipeUrl"`
}

type MemoryConfig struct {
	Enabled bool   `json:"enabled"`
	BaseURL string `json:"baseUrl,omitempty"`
	UserID  string `json:"userId,omitempty"`
}

type ServerConfig struct {
	Host               string `json:"host"`
	Port               int    `json:"port"`
	Schedule           string `json:"schedule"`
	CheckPeriodSeconds int    `json:"checkPeriodSeconds"`
}

// Flags carries command-line values. Nil fields were not set on the command
// line. Flags sit below the config file in precedence: a key present in both
// takes its value from the file.
type Flags struct {
	Keywords  *string // comma separated
	Interval  *int
	Threshold *int
	Model     *string
	Debug     *bool
}

func DefaultConfig() *Config {
	return &Config{
		Judge: JudgeConfig{
			Model:          DefaultModelCode,
			TimeoutSeconds: DefaultJudgeTimeoutSeconds,
		},
		Trigger: TriggerConfig{
			IntervalSeconds:     DefaultIntervalSeconds,
			HashThreshold:       DefaultHashThreshold,
			TickMs:              DefaultTickMs,
			ForceOnWindowChange: true,
		},
		Decision: DecisionConfig{
			RelevanceThreshold: DefaultRelevanceThreshold,
			CooldownSeconds:    DefaultCooldownSeconds,
			InactivityMinutes:  DefaultInactivityMinutes,
		},
		Channels: ChannelsConfig{
			Desktop: DesktopConfig{Enabled: true},
		},
		Capture: CaptureConfig{
			ScreenpipeURL: DefaultScreenpipeURL,
		},
		Memory: MemoryConfig{
			UserID: DefaultMemoryUserID,
		},
		Server: ServerConfig{
			Host:               DefaultHost,
			Port:               DefaultPort,
			CheckPeriodSeconds: DefaultCheckPeriodSeconds,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".driftwatch")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func DataDir() string {
	return filepath.Join(ConfigDir(), "data")
}

// Load resolves configuration in layers: built-in defaults, then command-line
// flags, then the config file, then environment variables. The result is
// treated as immutable after startup.
func Load(flags Flags) (*Config, error) {
	cfg := DefaultConfig()
	applyFlags(cfg, flags)

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if cfg.Judge.Model == "" {
		cfg.Judge.Model = DefaultModelCode
	}
	if cfg.Judge.TimeoutSeconds <= 0 {
		cfg.Judge.TimeoutSeconds = DefaultJudgeTimeoutSeconds
	}
	if cfg.Trigger.TickMs <= 0 {
		cfg.Trigger.TickMs = DefaultTickMs
	}
	if cfg.Trigger.IntervalSeconds < 0 {
		cfg.Trigger.IntervalSeconds = 0
	}
	if cfg.Decision.CooldownSeconds < 0 {
		cfg.Decision.CooldownSeconds = 0
	}
	if cfg.Server.CheckPeriodSeconds <= 0 {
		cfg.Server.CheckPeriodSeconds = DefaultCheckPeriodSeconds
	}
	if cfg.Memory.UserID == "" {
		cfg.Memory.UserID = DefaultMemoryUserID
	}

	return cfg, nil
}

func applyFlags(cfg *Config, flags Flags) {
	if flags.Keywords != nil {
		cfg.Task.Keywords = SplitKeywords(*flags.Keywords)
	}
	if flags.Interval != nil {
		cfg.Trigger.IntervalSeconds = *flags.Interval
	}
	if flags.Threshold != nil {
		cfg.Trigger.HashThreshold = *flags.Threshold
	}
	if flags.Model != nil {
		cfg.Judge.Model = *flags.Model
	}
	if flags.Debug != nil {
		cfg.Debug = *flags.Debug
	}
}

func applyEnv(cfg *Config) {
	if key := os.Getenv("DRIFTWATCH_API_KEY"); key != "" {
		cfg.Judge.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Judge.APIKey == "" {
		cfg.Judge.APIKey = key
	}
	if url := os.Getenv("DRIFTWATCH_BASE_URL"); url != "" {
		cfg.Judge.BaseURL = url
	}
	if model := os.Getenv("DRIFTWATCH_MODEL"); model != "" {
		cfg.Judge.Model = model
	}
	if token := os.Getenv("DRIFTWATCH_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if token := os.Getenv("VAPI_AUTH_TOKEN"); token != "" {
		cfg.Channels.Voice.AuthToken = token
	}
	if id := os.Getenv("VAPI_PHONE_NUMBER_ID"); id != "" {
		cfg.Channels.Voice.PhoneNumberID = id
	}
	if ep := os.Getenv("VAPI_ENDPOINT"); ep != "" {
		cfg.Channels.Voice.Endpoint = ep
	}
	if num := os.Getenv("DRIFTWATCH_PHONE_NUMBER"); num != "" {
		cfg.Channels.Voice.CustomerNumber = num
	}
	if url := os.Getenv("DRIFTWATCH_SCREENPIPE_URL"); url != "" {
		cfg.Capture.ScreenpipeURL = url
	}
	if url := os.Getenv("DRIFTWATCH_MEMORY_URL"); url != "" {
		cfg.Memory.BaseURL = url
		cfg.Memory.Enabled = true
	}
	if debug := os.Getenv("DRIFTWATCH_DEBUG"); debug != "" {
		if parsed, err := strconv.ParseBool(debug); err == nil {
			cfg.Debug = parsed
		}
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}

// SplitKeywords parses a comma-separated keyword list, dropping empties.
func SplitKeywords(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
