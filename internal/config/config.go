// Package config loads, validates and persists the sigcourier configuration.
//
// The config is a single JSON file, resolved as ./sigcourier.json first and
// ~/.sigcourier/sigcourier.json second. Defaults are merged underneath the
// loaded file, so a minimal config only needs the Matrix credentials and the
// bridge control room.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"dario.cat/mergo"

	"github.com/roelfdiedericks/sigcourier/internal/paths"
)

// Config is the root configuration.
type Config struct {
	Matrix  MatrixConfig  `json:"matrix"`
	Signal  SignalConfig  `json:"signal"`
	Bridge  BridgeConfig  `json:"bridge"`
	Courier CourierConfig `json:"courier"`
	HTTP    HTTPConfig    `json:"http"`
	Health  HealthConfig  `json:"health"`
	Logging LoggingConfig `json:"logging"`
}

// MatrixConfig holds the primary transport credentials.
type MatrixConfig struct {
	HomeserverURL string `json:"homeserver_url"`
	UserID        string `json:"user_id"`
	AccessToken   string `json:"access_token"`
}

// SignalConfig holds the fallback transport (signal-cli REST API) settings.
// Account is the sender number registered with the gateway.
type SignalConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	BaseURL        string `json:"base_url"`
	Account        string `json:"account"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// BridgeConfig holds the control-room protocol settings.
// ControlRoomID and BotUserID identify the bridge management room and the
// bridge bot account; leaving either empty disables the primary path, so
// every delivery goes straight to the fallback.
type BridgeConfig struct {
	ControlRoomID      string `json:"control_room_id"`
	BotUserID          string `json:"bot_user_id"`
	SettleDelayMs      int    `json:"settle_delay_ms,omitempty"`
	PollAttempts       int    `json:"poll_attempts,omitempty"`
	PollIntervalMs     int    `json:"poll_interval_ms,omitempty"`
	ResolveRetries     int    `json:"resolve_retries,omitempty"`
	LocateRetryDelayMs int    `json:"locate_retry_delay_ms,omitempty"`
	HistoryLimit       int    `json:"history_limit,omitempty"`
}

// CourierConfig holds delivery policy and the admin surface.
type CourierConfig struct {
	DefaultCountryCode string   `json:"default_country_code,omitempty"`
	AdminRoomID        string   `json:"admin_room_id,omitempty"`
	Admins             []string `json:"admins,omitempty"`
	NotifyAdmin        *bool    `json:"notify_admin,omitempty"`
}

// HTTPConfig holds the local API server settings.
// TokenHash is an argon2id hash produced by `sigcourier token hash`.
type HTTPConfig struct {
	Enabled   bool   `json:"enabled"`
	Listen    string `json:"listen,omitempty"`
	TokenHash string `json:"token_hash,omitempty"`
}

// HealthConfig holds the transport probe schedule (cron syntax).
type HealthConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Schedule string `json:"schedule,omitempty"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level      string `json:"level,omitempty"`
	ShowCaller *bool  `json:"show_caller,omitempty"`
}

// DefaultConfig returns the defaults merged underneath every loaded file.
func DefaultConfig() *Config {
	return &Config{
		Signal: SignalConfig{
			TimeoutSeconds: 30,
		},
		Bridge: BridgeConfig{
			SettleDelayMs:      3000,
			PollAttempts:       5,
			PollIntervalMs:     2000,
			ResolveRetries:     2,
			LocateRetryDelayMs: 5000,
			HistoryLimit:       20,
		},
		HTTP: HTTPConfig{
			Listen: "127.0.0.1:8787",
		},
		Health: HealthConfig{
			Schedule: "@every 1m",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load resolves the active config path and loads it.
// A missing config file is an error here; `sigcourier setup` creates one.
func Load() (*Config, string, error) {
	path, err := paths.ConfigPath()
	if err != nil {
		return nil, "", err
	}
	if path == "" {
		return nil, "", fmt.Errorf("no config file found; run 'sigcourier setup' to create one")
	}
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// LoadFile loads a config file, merges defaults and validates.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// ApplyDefaults merges DefaultConfig underneath the receiver.
// Set fields win; zero fields take the default.
func (c *Config) ApplyDefaults() error {
	if err := mergo.Merge(c, *DefaultConfig()); err != nil {
		return fmt.Errorf("failed to apply config defaults: %w", err)
	}
	return nil
}

var (
	accountRe     = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)
	countryCodeRe = regexp.MustCompile(`^\+[1-9][0-9]{0,3}$`)
)

// Validate checks the fields a gateway cannot run without and the fields
// that would misbehave silently. Bridge settings are not required: an
// unconfigured bridge routes every delivery to the fallback.
func (c *Config) Validate() error {
	var problems []string

	if c.Matrix.HomeserverURL == "" {
		problems = append(problems, "matrix.homeserver_url is required")
	} else if u, err := url.Parse(c.Matrix.HomeserverURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		problems = append(problems, "matrix.homeserver_url must be an http(s) URL")
	}
	if c.Matrix.UserID == "" {
		problems = append(problems, "matrix.user_id is required")
	} else if !looksLikeUserID(c.Matrix.UserID) {
		problems = append(problems, "matrix.user_id must look like @user:server")
	}
	if c.Matrix.AccessToken == "" {
		problems = append(problems, "matrix.access_token is required")
	}

	if c.Bridge.BotUserID != "" && !looksLikeUserID(c.Bridge.BotUserID) {
		problems = append(problems, "bridge.bot_user_id must look like @bot:server")
	}
	if c.Bridge.SettleDelayMs < 0 || c.Bridge.PollIntervalMs < 0 || c.Bridge.LocateRetryDelayMs < 0 {
		problems = append(problems, "bridge delays must not be negative")
	}
	if c.Bridge.PollAttempts < 1 {
		problems = append(problems, "bridge.poll_attempts must be at least 1")
	}
	if c.Bridge.ResolveRetries < 0 {
		problems = append(problems, "bridge.resolve_retries must not be negative")
	}
	if c.Bridge.HistoryLimit < 1 {
		problems = append(problems, "bridge.history_limit must be at least 1")
	}

	if c.Signal.IsEnabled() {
		if c.Signal.BaseURL == "" {
			problems = append(problems, "signal.base_url is required while signal.enabled is true")
		} else if u, err := url.Parse(c.Signal.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			problems = append(problems, "signal.base_url must be an http(s) URL")
		}
		if c.Signal.Account == "" {
			problems = append(problems, "signal.account is required while signal.enabled is true")
		} else if !accountRe.MatchString(c.Signal.Account) {
			problems = append(problems, "signal.account must be E.164, like +27820000000")
		}
	}

	if cc := c.Courier.DefaultCountryCode; cc != "" && !countryCodeRe.MatchString(cc) {
		problems = append(problems, "courier.default_country_code must look like +27")
	}

	if c.HTTP.Enabled {
		if c.HTTP.Listen == "" {
			problems = append(problems, "http.listen is required while http.enabled is true")
		}
		if c.HTTP.TokenHash == "" {
			problems = append(problems, "http.token_hash is required while http.enabled is true; run 'sigcourier token hash'")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

func looksLikeUserID(id string) bool {
	return strings.HasPrefix(id, "@") && strings.Contains(id, ":")
}

// Save writes the config with backup rotation.
func (c *Config) Save(path string) error {
	return BackupAndWriteJSON(path, c, DefaultBackupCount)
}

// BridgeConfigured reports whether the primary path can be attempted at all.
func (c *Config) BridgeConfigured() bool {
	return c.Bridge.ControlRoomID != "" && c.Bridge.BotUserID != ""
}

// IsAdmin reports whether an MXID may drive the bot command surface.
func (c *CourierConfig) IsAdmin(userID string) bool {
	for _, a := range c.Admins {
		if strings.EqualFold(a, userID) {
			return true
		}
	}
	return false
}

// NotifyEnabled defaults to true when unset.
func (c *CourierConfig) NotifyEnabled() bool {
	return c.NotifyAdmin == nil || *c.NotifyAdmin
}

// IsEnabled defaults to true when unset.
func (s *SignalConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Timeout returns the REST client timeout.
func (s *SignalConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// IsEnabled defaults to true when unset.
func (h *HealthConfig) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// CallerEnabled defaults to true when unset.
func (l *LoggingConfig) CallerEnabled() bool {
	return l.ShowCaller == nil || *l.ShowCaller
}

// SettleDelay is the wait between sending a control command and the first poll.
func (b *BridgeConfig) SettleDelay() time.Duration {
	return time.Duration(b.SettleDelayMs) * time.Millisecond
}

// PollInterval is the base wait between reply polls; the resolver grows it linearly.
func (b *BridgeConfig) PollInterval() time.Duration {
	return time.Duration(b.PollIntervalMs) * time.Millisecond
}

// LocateRetryDelay is the wait before the locator's second enumeration.
func (b *BridgeConfig) LocateRetryDelay() time.Duration {
	return time.Duration(b.LocateRetryDelayMs) * time.Millisecond
}
