package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
)

// Config is the root configuration for relaybot.
type Config struct {
	General  GeneralConfig   `json:"general"`
	Channel  ChannelConfig   `json:"channel"`
	Accounts []AccountConfig `json:"accounts"`
	Polling  PollingConfig   `json:"polling"`
	Store    StoreConfig     `json:"store"`
	Journal  JournalConfig   `json:"journal"`
	Metrics  MetricsConfig   `json:"metrics"`
}

type GeneralConfig struct {
	DataDir  string `json:"dataDir"`
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional; logs are also written to stderr
}

// ChannelConfig selects the operator channel. Only the section named by
// Kind is used.
type ChannelConfig struct {
	Kind     string         `json:"kind"` // "telegram" | "discord" | "slack"
	MediaDir string         `json:"mediaDir"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	Slack    SlackConfig    `json:"slack"`
}

type TelegramConfig struct {
	Token     string         `json:"token"`
	ChatID    int64          `json:"chatId"`
	AllowFrom FlexStringList `json:"allowFrom,omitempty"` // numeric user ids; empty allows anyone in the chat
	ParseMode string         `json:"parseMode,omitempty"`
}

type DiscordConfig struct {
	Token     string `json:"token"`
	ChannelID string `json:"channelId"`
}

// SlackConfig uses Socket Mode, so both a bot token (xoxb-) and an
// app-level token (xapp-) are needed.
type SlackConfig struct {
	BotToken  string `json:"botToken"`
	AppToken  string `json:"appToken"`
	ChannelID string `json:"channelId"`
}

// AccountConfig is one WhatsApp account on the source leg.
type AccountConfig struct {
	ID            string `json:"id"`
	ProfileDir    string `json:"profileDir,omitempty"` // default: <dataDir>/profiles/<id>
	Headless      bool   `json:"headless"`
	SelectorsFile string `json:"selectorsFile,omitempty"`
}

type PollingConfig struct {
	BaseDelaySeconds   float64 `json:"baseDelaySeconds"`
	MaxDelaySeconds    float64 `json:"maxDelaySeconds"`
	ActiveDelaySeconds float64 `json:"activeDelaySeconds"`
	ScanRetrySeconds   float64 `json:"scanRetrySeconds"`
	ErrorPauseSeconds  float64 `json:"errorPauseSeconds"`
	QueueSize          int     `json:"queueSize"`
}

type StoreConfig struct {
	Path                   string `json:"path"`
	BackupDir              string `json:"backupDir"`
	BackupRetention        int    `json:"backupRetention"`
	BackupIntervalSeconds  int    `json:"backupIntervalSeconds"`
	PersistIntervalSeconds int    `json:"persistIntervalSeconds"`
	MaxEntries             int    `json:"maxEntries"` // 0 = unbounded
}

type JournalConfig struct {
	Enabled       bool   `json:"enabled"`
	DBPath        string `json:"dbPath"`
	RetentionDays int    `json:"retentionDays"` // 0 keeps everything
}

// MetricsConfig configures the optional Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
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

// Account returns the account with the given id.
func (c *Config) Account(id string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return AccountConfig{}, false
}

// AccountIDs returns the configured account ids in order.
func (c *Config) AccountIDs() []string {
	ids := make([]string, len(c.Accounts))
	for i, a := range c.Accounts {
		ids[i] = a.ID
	}
	return ids
}

// ProfileDir returns the Chrome profile directory of an account.
func (c *Config) ProfileDir(a AccountConfig) string {
	if a.ProfileDir != "" {
		return a.ProfileDir
	}
	return filepath.Join(c.General.DataDir, "profiles", a.ID)
}

// DefaultConfigDir returns the default config directory (~/.relaybot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relaybot"
	}
	return filepath.Join(home, ".relaybot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a config file. Comments and trailing commas are allowed, and
// ${VAR} / ${VAR:-default} are substituted from the environment.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	data = jsonc.ToJSON(data)
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	cfg.expandPaths()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func (c *Config) expandPaths() {
	c.General.DataDir = ExpandPath(c.General.DataDir)
	c.General.LogFile = ExpandPath(c.General.LogFile)
	c.Channel.MediaDir = ExpandPath(c.Channel.MediaDir)
	c.Store.Path = ExpandPath(c.Store.Path)
	c.Store.BackupDir = ExpandPath(c.Store.BackupDir)
	c.Journal.DBPath = ExpandPath(c.Journal.DBPath)
	for i := range c.Accounts {
		c.Accounts[i].ProfileDir = ExpandPath(c.Accounts[i].ProfileDir)
		c.Accounts[i].SelectorsFile = ExpandPath(c.Accounts[i].SelectorsFile)
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty. An unset
// variable without a default is left as is.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if val, ok := os.LookupEnv(groups[1]); ok && val != "" {
			return val
		}
		if hasDefault {
			return groups[2]
		}
		return match
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// Tokens live in this file.
	return os.WriteFile(path, data, 0o600)
}

var accountIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	switch cfg.Channel.Kind {
	case "telegram":
		if cfg.Channel.Telegram.Token == "" {
			errs = append(errs, "channel.telegram.token is required")
		}
		if cfg.Channel.Telegram.ChatID == 0 {
			errs = append(errs, "channel.telegram.chatId is required")
		}
	case "discord":
		if cfg.Channel.Discord.Token == "" {
			errs = append(errs, "channel.discord.token is required")
		}
		if cfg.Channel.Discord.ChannelID == "" {
			errs = append(errs, "channel.discord.channelId is required")
		}
	case "slack":
		if cfg.Channel.Slack.BotToken == "" || cfg.Channel.Slack.AppToken == "" {
			errs = append(errs, "channel.slack.botToken and channel.slack.appToken are required")
		}
		if cfg.Channel.Slack.ChannelID == "" {
			errs = append(errs, "channel.slack.channelId is required")
		}
	default:
		errs = append(errs, "channel.kind must be one of: telegram, discord, slack")
	}

	if len(cfg.Accounts) == 0 {
		errs = append(errs, "at least one account is required")
	}
	seen := make(map[string]bool)
	for i, a := range cfg.Accounts {
		if !accountIDPattern.MatchString(a.ID) {
			errs = append(errs, fmt.Sprintf("accounts[%d].id %q must be letters, digits, '.', '_' or '-'", i, a.ID))
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Sprintf("accounts[%d].id %q is duplicated", i, a.ID))
		}
		seen[a.ID] = true
	}

	p := cfg.Polling
	if p.BaseDelaySeconds <= 0 {
		errs = append(errs, "polling.baseDelaySeconds must be > 0")
	}
	if p.MaxDelaySeconds < p.BaseDelaySeconds {
		errs = append(errs, "polling.maxDelaySeconds must be >= polling.baseDelaySeconds")
	}
	if p.ActiveDelaySeconds <= 0 {
		errs = append(errs, "polling.activeDelaySeconds must be > 0")
	}
	if p.ScanRetrySeconds <= 0 || p.ErrorPauseSeconds <= 0 {
		errs = append(errs, "polling.scanRetrySeconds and polling.errorPauseSeconds must be > 0")
	}
	if p.QueueSize < 1 {
		errs = append(errs, "polling.queueSize must be >= 1")
	}

	if cfg.Store.Path == "" {
		errs = append(errs, "store.path is required")
	}
	if cfg.Store.BackupRetention < 1 {
		errs = append(errs, "store.backupRetention must be >= 1")
	}
	if cfg.Store.PersistIntervalSeconds < 1 {
		errs = append(errs, "store.persistIntervalSeconds must be >= 1")
	}
	if cfg.Store.MaxEntries < 0 {
		errs = append(errs, "store.maxEntries must be >= 0")
	}

	if cfg.Journal.Enabled && cfg.Journal.DBPath == "" {
		errs = append(errs, "journal.dbPath is required when the journal is enabled")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		errs = append(errs, "metrics.addr is required when metrics are enabled")
	}

	if len(errs) > 0 {
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
