package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tcriess/lightspeed-session/globals"
)

const (
	defaultAddr              = "localhost:8000"
	defaultLogLevel          = "INFO"
	defaultPersistenceType   = "buntdb"
	defaultPersistenceDSN    = "lightspeed-session.db"
	defaultHistorySize       = 50
	defaultExpiryCronSpec    = "@every 15s"
	defaultAIModel           = "gpt-4o-mini"
	defaultAITimeout         = 30 * time.Second
	defaultAIMaxTokens       = 300
	defaultVoiceTokenTTL     = time.Hour
	defaultVoiceChannel      = "session-"
	defaultIdentityCacheSize = 10000
	defaultMetricsInterval   = time.Minute

	PersistenceTypeSQLite   = "sqlite"
	PersistenceTypePostgres = "postgres"
	PersistenceTypeBuntDB   = "buntdb"
)

var defaultBannedTerms = []string{
	"idiot", "stupid", "moron", "dumbass", "loser", "shut up", "hate you", "bastard", "jerk", "imbecile",
}

// DefaultBannedTerms returns a copy of the built-in banned term list.
func DefaultBannedTerms() []string {
	return append([]string(nil), defaultBannedTerms...)
}

// Config is the global configuration object which is filled via the configuration file, environment variables
// (prefixed LSSESSION_) and command-line flags.
type Config struct {
	Addr              string            `mapstructure:"addr"`
	LogLevel          string            `mapstructure:"log_level"`
	LogFile           LogFileConfig     `mapstructure:"log_file"`
	LockPath          string            `mapstructure:"lock_path"`
	OIDCConfigs       []OIDCConfig      `mapstructure:"oidc"`
	PersistenceConfig PersistenceConfig `mapstructure:"persistence"`
	ModerationConfig  ModerationConfig  `mapstructure:"moderation"`
	VoiceConfig       VoiceConfig       `mapstructure:"voice"`
	AIConfig          AIConfig          `mapstructure:"ai"`
	ExpiryConfig      ExpiryConfig      `mapstructure:"expiry"`
	HistoryConfig     HistoryConfig     `mapstructure:"history"`
	TelemetryConfig   TelemetryConfig   `mapstructure:"telemetry"`
}

// LogFileConfig enables a rotating log file instead of stderr output.
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// An OIDCConfig object configures an OpenID Connect provider that is used to authenticate connections. Clients
// provide an ID token and the name of the provider, the user id is then taken from the verified token's UserClaim.
type OIDCConfig struct {
	Name        string `mapstructure:"name"`
	ClientId    string `mapstructure:"client_id"`
	ProviderUrl string `mapstructure:"provider_url"` // f.e. "https://accounts.google.com"
	UserClaim   string `mapstructure:"user_claim"`   // "sub" if empty
}

// PersistenceConfig selects the session store backend. Type is one of sqlite, postgres (both via gorm) or buntdb.
type PersistenceConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

// ModerationConfig configures the abusive content filter. BannedTerms are matched case-insensitively on word
// boundaries, Rules are boolean expressions evaluated against the message (see filter.Env).
type ModerationConfig struct {
	BannedTerms []string `mapstructure:"banned_terms"`
	Rules       []string `mapstructure:"rules"`
}

// VoiceConfig configures the voice relay credentials. Without a secret, voice is disabled.
type VoiceConfig struct {
	AppId             string        `mapstructure:"app_id"`
	Secret            string        `mapstructure:"secret"`
	ChannelPrefix     string        `mapstructure:"channel_prefix"`
	TokenTTL          time.Duration `mapstructure:"token_ttl"`
	IdentityCacheSize int           `mapstructure:"identity_cache_size"`
}

// AIConfig configures the OpenAI-compatible completion service used in AI practice sessions. Without an api key,
// completions are unavailable and AI practice sessions simply get no AI messages.
type AIConfig struct {
	APIKey    string        `mapstructure:"api_key"`
	BaseURL   string        `mapstructure:"base_url"`
	Model     string        `mapstructure:"model"`
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxTokens int           `mapstructure:"max_tokens"`
}

// ExpiryConfig configures the cron spec of the sweep which ends sessions whose time is up.
type ExpiryConfig struct {
	CronSpec string `mapstructure:"cron_spec"`
}

// HistoryConfig configures how many persisted chat messages are sent to a connection after joining.
type HistoryConfig struct {
	HistorySize int `mapstructure:"history_size"`
}

// TelemetryConfig enables periodic metrics export to a (rotated) file.
type TelemetryConfig struct {
	MetricsFile string        `mapstructure:"metrics_file"`
	Interval    time.Duration `mapstructure:"interval"`
}

func (c *Config) VoiceEnabled() bool {
	return c.VoiceConfig.Secret != ""
}

// Validate checks the values which cannot be defaulted sensibly.
func (c *Config) Validate() error {
	switch c.PersistenceConfig.Type {
	case PersistenceTypeSQLite, PersistenceTypePostgres, PersistenceTypeBuntDB:
	default:
		return fmt.Errorf("invalid persistence type %q", c.PersistenceConfig.Type)
	}
	if c.PersistenceConfig.DSN == "" {
		return fmt.Errorf("persistence dsn must not be empty")
	}
	if c.AIConfig.Timeout <= 0 {
		return fmt.Errorf("ai timeout must be positive")
	}
	if c.VoiceConfig.TokenTTL <= 0 {
		return fmt.Errorf("voice token ttl must be positive")
	}
	if c.HistoryConfig.HistorySize < 0 {
		return fmt.Errorf("history size must not be negative")
	}
	if c.ExpiryConfig.CronSpec == "" {
		return fmt.Errorf("expiry cron spec must not be empty")
	}
	return nil
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.String("addr", "", "ws service address (including port)")
	flagSet.String("log-level", "", "log level (TRACE, DEBUG, INFO, WARN, ERROR)")
	flagSet.String("lock-path", "", "lock file guarding against a second gateway on the same store")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "-", "_"))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", defaultAddr)
	v.SetDefault("lock_path", "")
	v.SetDefault("log_file.path", "")
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("log_file.max_size_mb", 10)
	v.SetDefault("log_file.max_backups", 3)
	v.SetDefault("log_file.max_age_days", 28)
	v.SetDefault("persistence.type", defaultPersistenceType)
	v.SetDefault("persistence.dsn", defaultPersistenceDSN)
	v.SetDefault("moderation.banned_terms", DefaultBannedTerms())
	v.SetDefault("moderation.rules", []string{})
	v.SetDefault("voice.app_id", "")
	v.SetDefault("voice.secret", "")
	v.SetDefault("voice.channel_prefix", defaultVoiceChannel)
	v.SetDefault("voice.token_ttl", defaultVoiceTokenTTL)
	v.SetDefault("voice.identity_cache_size", defaultIdentityCacheSize)
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.base_url", "")
	v.SetDefault("ai.model", defaultAIModel)
	v.SetDefault("ai.timeout", defaultAITimeout)
	v.SetDefault("ai.max_tokens", defaultAIMaxTokens)
	v.SetDefault("expiry.cron_spec", defaultExpiryCronSpec)
	v.SetDefault("history.history_size", defaultHistorySize)
	v.SetDefault("telemetry.metrics_file", "")
	v.SetDefault("telemetry.interval", defaultMetricsInterval)
}

// ReadConfiguration reads and parses the configuration located at configPath, which can either point to a single TOML
// file or to a directory, in which case all *.toml files in this directory are concatenated. Flags in flagSet
// (may be nil) and LSSESSION_* environment variables override file values.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if flagSet != nil {
		flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
		err := v.BindPFlags(flagSet)
		if err != nil {
			globals.AppLogger.Error("could not bind flags (ignored)", "error", err)
		}
	}
	v.SetEnvPrefix("LSSESSION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configPath != "" {
		fi, err := os.Stat(configPath)
		if err != nil {
			return nil, err
		}
		contents := make([]byte, 0)
		files := []string{configPath}
		if fi.IsDir() {
			files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
			if err != nil {
				return nil, err
			}
		}
		for _, configFile := range files {
			fileContents, err := os.ReadFile(configFile)
			if err != nil {
				return nil, err
			}
			contents = append(contents, fileContents...)
			contents = append(contents, '\n')
		}
		v.SetConfigType("toml")
		err = v.ReadConfig(bytes.NewBuffer(contents))
		if err != nil {
			return nil, fmt.Errorf("could not read config: %w", err)
		}
	}
	cfg := Config{}
	err := v.Unmarshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("could not unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	globals.AppLogger.Debug("config", "addr", cfg.Addr, "persistence", cfg.PersistenceConfig.Type, "voice", cfg.VoiceEnabled())
	return &cfg, nil
}
