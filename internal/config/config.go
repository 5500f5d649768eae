// Package config loads and validates the mailpilot configuration file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the on-disk configuration for mailpilot.
//
// Secrets (API keys, bot token) may be left empty in the file and supplied
// via MAILPILOT_OPENAI_API_KEY / MAILPILOT_TELEGRAM_TOKEN instead.
type Config struct {
	// CredentialsPath points at the Google OAuth credentials.json.
	// token.json is kept next to it.
	CredentialsPath string `json:"credentials_path"`

	// OperatorEmail is the address whose outgoing mail counts as
	// operator-authored when tagging thread messages.
	OperatorEmail string `json:"operator_email"`

	OpenAIAPIKey  string `json:"openai_api_key,omitempty"`
	OpenAIBaseURL string `json:"openai_base_url,omitempty"`
	Model         string `json:"model,omitempty"`
	EmbedModel    string `json:"embed_model,omitempty"`

	TelegramToken string `json:"telegram_token,omitempty"`
	// OperatorChatID is the Telegram chat that receives confirmations.
	// Inbound messages from any other user are ignored.
	OperatorChatID int64 `json:"operator_chat_id"`

	// DBPath is the SQLite ledger location. Defaults next to the config file.
	DBPath string `json:"db_path,omitempty"`
	// ProfilePath is the operator profile JSON. Defaults next to the config file.
	ProfilePath string `json:"profile_path,omitempty"`

	// DraftOnly creates Gmail drafts instead of sending confirmed replies.
	DraftOnly bool `json:"draft_only,omitempty"`

	// Tunables. Zero values fall back to the defaults applied by Load.
	SimilarityThreshold float64 `json:"similarity_threshold,omitempty"`
	EmbedTimeoutSec     int     `json:"embed_timeout_sec,omitempty"`
	TokenCeiling        int64   `json:"token_ceiling,omitempty"`
	TrimFraction        float64 `json:"trim_fraction,omitempty"`
	PollIntervalSec     int     `json:"poll_interval_sec,omitempty"`
	MaxResults          int64   `json:"max_results,omitempty"`

	// LogFormat is "text" or "json". LogLevel is "debug|info|warn|error".
	LogFormat string `json:"log_format,omitempty"`
	LogLevel  string `json:"log_level,omitempty"`
}

// Defaults applied by Load for unset tunables.
const (
	DefaultModel               = "gpt-4o-mini"
	DefaultEmbedModel          = "text-embedding-3-small"
	DefaultSimilarityThreshold = 0.85
	DefaultEmbedTimeout        = 5 * time.Second
	DefaultTokenCeiling        = 80000
	DefaultTrimFraction        = 0.10
	DefaultPollInterval        = 60 * time.Second
	DefaultMaxResults          = 100
)

// DefaultPath returns the conventional config location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".mailpilot", "config.json")
}

// Load reads, fills defaults for, and validates the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if v := os.Getenv("MAILPILOT_OPENAI_API_KEY"); v != "" {
		cfg.OpenAIAPIKey = v
	}
	if v := os.Getenv("MAILPILOT_TELEGRAM_TOKEN"); v != "" {
		cfg.TelegramToken = v
	}

	dir := filepath.Dir(path)
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(dir, "mailpilot.db")
	}
	if cfg.ProfilePath == "" {
		cfg.ProfilePath = filepath.Join(dir, "profile.json")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = DefaultEmbedModel
	}
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if cfg.EmbedTimeoutSec == 0 {
		cfg.EmbedTimeoutSec = int(DefaultEmbedTimeout / time.Second)
	}
	if cfg.TokenCeiling == 0 {
		cfg.TokenCeiling = DefaultTokenCeiling
	}
	if cfg.TrimFraction == 0 {
		cfg.TrimFraction = DefaultTrimFraction
	}
	if cfg.PollIntervalSec == 0 {
		cfg.PollIntervalSec = int(DefaultPollInterval / time.Second)
	}
	if cfg.MaxResults == 0 {
		cfg.MaxResults = DefaultMaxResults
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first missing or malformed required field.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.CredentialsPath) == "" {
		return errors.New("missing credentials_path")
	}
	if strings.TrimSpace(c.OperatorEmail) == "" {
		return errors.New("missing operator_email")
	}
	if strings.TrimSpace(c.OpenAIAPIKey) == "" {
		return errors.New("missing openai_api_key (or MAILPILOT_OPENAI_API_KEY)")
	}
	if strings.TrimSpace(c.TelegramToken) == "" {
		return errors.New("missing telegram_token (or MAILPILOT_TELEGRAM_TOKEN)")
	}
	if c.OperatorChatID == 0 {
		return errors.New("missing operator_chat_id")
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold %v out of range [0,1]", c.SimilarityThreshold)
	}
	if c.TrimFraction <= 0 || c.TrimFraction >= 1 {
		return fmt.Errorf("trim_fraction %v out of range (0,1)", c.TrimFraction)
	}
	return nil
}

// EmbedTimeout returns the per-candidate embedding timeout as a duration.
func (c *Config) EmbedTimeout() time.Duration {
	return time.Duration(c.EmbedTimeoutSec) * time.Second
}

// PollInterval returns the triage pass interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}
