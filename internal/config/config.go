package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/nhle/mail-sentinel/internal/model"
)

// Account holds the per-mailbox configuration. Immutable for the process
// lifetime; loaded once at startup.
type Account struct {
	// Connector selects the backend variant ("imap" or "gmail").
	Connector string `mapstructure:"connector" yaml:"connector"`

	// Server and Port are the IMAP endpoint (imap connector only).
	Server string `mapstructure:"server" yaml:"server"`
	Port   int    `mapstructure:"port" yaml:"port"`

	// Username identifies the mailbox login (imap connector only).
	Username string `mapstructure:"username" yaml:"username"`

	// PasswordRef is the keyring key holding the IMAP password.
	PasswordRef string `mapstructure:"password_ref" yaml:"password_ref"`

	// CredentialsFile and TokenFile are the OAuth2 client secret and
	// cached token paths (gmail connector only).
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`
	TokenFile       string `mapstructure:"token_file" yaml:"token_file"`

	// ProcessOnlyUnread restricts candidate listing to unread messages.
	ProcessOnlyUnread bool `mapstructure:"process_only_unread" yaml:"process_only_unread"`

	// MaxLookbackHours caps the candidate window behind "now".
	MaxLookbackHours int `mapstructure:"max_lookback_hours" yaml:"max_lookback_hours"`

	// Folders are the watched folder names.
	Folders []string `mapstructure:"folders" yaml:"folders"`

	// JunkFolder is the destination for junk verdicts.
	JunkFolder string `mapstructure:"junk_folder" yaml:"junk_folder"`

	// Enabled controls whether this account is polled.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// ClassifierConfig holds settings for the classification oracle.
type ClassifierConfig struct {
	Provider   string `mapstructure:"provider" yaml:"provider"`
	Model      string `mapstructure:"model" yaml:"model"`
	APIKeyRef  string `mapstructure:"api_key_ref" yaml:"api_key_ref"`
	TimeoutSec int    `mapstructure:"timeout_sec" yaml:"timeout_sec"`

	// Rules is the operator-authored free-form classification criteria
	// injected into every classification prompt.
	Rules string `mapstructure:"rules" yaml:"rules"`
}

// TelegramConfig holds the push-message notifier settings.
type TelegramConfig struct {
	ChatID   string `mapstructure:"chat_id" yaml:"chat_id"`
	TokenRef string `mapstructure:"token_ref" yaml:"token_ref"`
}

// SMSConfig holds the Twilio SMS notifier settings.
type SMSConfig struct {
	AccountSID string `mapstructure:"account_sid" yaml:"account_sid"`
	TokenRef   string `mapstructure:"token_ref" yaml:"token_ref"`
	From       string `mapstructure:"from" yaml:"from"`
	To         string `mapstructure:"to" yaml:"to"`
}

// NotifierConfig selects and configures the notification transports.
type NotifierConfig struct {
	Telegram *TelegramConfig `mapstructure:"telegram" yaml:"telegram,omitempty"`
	SMS      *SMSConfig      `mapstructure:"sms" yaml:"sms,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	PollIntervalSec int                `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
	DatabasePath    string             `mapstructure:"database_path" yaml:"database_path"`
	Concurrency     int                `mapstructure:"concurrency" yaml:"concurrency"`
	Classifier      ClassifierConfig   `mapstructure:"classifier" yaml:"classifier"`
	Notifiers       NotifierConfig     `mapstructure:"notifiers" yaml:"notifiers"`
	Accounts        map[string]Account `mapstructure:"accounts" yaml:"accounts"`
}

// EnabledAccounts returns the accounts that should be polled.
func (c *Config) EnabledAccounts() map[string]Account {
	out := make(map[string]Account, len(c.Accounts))
	for name, acc := range c.Accounts {
		if acc.Enabled {
			out[name] = acc
		}
	}
	return out
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/sentinel/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "sentinel", "config.yaml")
}

// Load reads configuration from the given YAML file path using Viper and
// validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("poll_interval_sec", 30)
	v.SetDefault("database_path", "sentinel.db")
	v.SetDefault("concurrency", 4)
	v.SetDefault("classifier.provider", "anthropic")
	v.SetDefault("classifier.timeout_sec", 30)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	// Apply per-account defaults. Viper unmarshals missing bools as
	// false; use the raw values to distinguish explicit false from absent.
	for name, acc := range cfg.Accounts {
		if acc.MaxLookbackHours <= 0 {
			acc.MaxLookbackHours = 24
		}
		if len(acc.Folders) == 0 {
			acc.Folders = []string{"INBOX"}
		}
		if acc.JunkFolder == "" {
			acc.JunkFolder = "Junk"
		}
		if acc.Port == 0 {
			acc.Port = 993
		}
		if !acc.Enabled && !v.IsSet(fmt.Sprintf("accounts.%s.enabled", name)) {
			acc.Enabled = true
		}
		if !acc.ProcessOnlyUnread && !v.IsSet(fmt.Sprintf("accounts.%s.process_only_unread", name)) {
			acc.ProcessOnlyUnread = true
		}
		cfg.Accounts[name] = acc
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	return cfg, nil
}

// validate rejects configurations the process cannot run with.
func (c *Config) validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("no accounts configured")
	}

	for name, acc := range c.Accounts {
		switch model.ConnectorType(acc.Connector) {
		case model.ConnectorIMAP:
			if acc.Server == "" {
				return fmt.Errorf("account %q: server is required for imap", name)
			}
			if acc.Username == "" || acc.PasswordRef == "" {
				return fmt.Errorf("account %q: username and password_ref are required for imap", name)
			}
		case model.ConnectorGmail:
			if acc.CredentialsFile == "" || acc.TokenFile == "" {
				return fmt.Errorf("account %q: credentials_file and token_file are required for gmail", name)
			}
		default:
			return fmt.Errorf("account %q: unsupported connector %q", name, acc.Connector)
		}
	}

	if c.Classifier.APIKeyRef == "" {
		return fmt.Errorf("classifier.api_key_ref is required")
	}

	if c.Notifiers.Telegram == nil && c.Notifiers.SMS == nil {
		return fmt.Errorf("at least one notifier must be configured")
	}

	return nil
}
