package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"meetbell/internal/fsutil"
)

const appName = "meetbell"

// Environment overrides, applied after the file is read.
const (
	EnvTelegramToken      = "MEETBELL_TELEGRAM_TOKEN"
	EnvGoogleClientID     = "GOOGLE_CLIENT_ID"
	EnvGoogleClientSecret = "GOOGLE_CLIENT_SECRET"
)

// Source types.
const (
	SourceICS    = "ics"
	SourceGoogle = "google"
	SourceCalDAV = "caldav"
)

// SourceConfig describes one calendar.
type SourceConfig struct {
	// ID is the local calendar id used in event ids, logs and the API.
	ID   string `yaml:"id" json:"id"`
	Type string `yaml:"type" json:"type"`
	// Name is a human-friendly label.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// URL is the ICS subscription or CalDAV collection endpoint.
	URL      string `yaml:"url,omitempty" json:"url,omitempty"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"-"`

	// CalendarID is the Google calendar id ("primary" when empty).
	CalendarID string `yaml:"calendar_id,omitempty" json:"calendar_id,omitempty"`
}

// QuietHoursConfig is a wall-clock range like 22:00 - 07:00.
type QuietHoursConfig struct {
	Start string `yaml:"start" json:"start"`
	End   string `yaml:"end" json:"end"`
}

// AlertsConfig holds the reminder settings.
type AlertsConfig struct {
	Stage1Minutes      int      `yaml:"stage1_minutes" json:"stage1_minutes"`
	Stage2Minutes      int      `yaml:"stage2_minutes" json:"stage2_minutes"`
	BlockedKeywords    []string `yaml:"blocked_keywords" json:"blocked_keywords"`
	ForceAlertKeywords []string `yaml:"force_alert_keywords" json:"force_alert_keywords"`
	EnabledCalendars   []string `yaml:"enabled_calendars" json:"enabled_calendars"`

	// CombineWindow pulls reminders due this soon into a delivery for an
	// overlapping meeting. Absent means 2m; 0 groups only reminders due at
	// the same moment. CombineConflicts=false delivers every meeting on its
	// own.
	CombineWindow    *time.Duration `yaml:"combine_window" json:"combine_window"`
	CombineConflicts *bool          `yaml:"combine_conflicts" json:"combine_conflicts"`
	CatchUpGrace     time.Duration  `yaml:"catch_up_grace" json:"catch_up_grace"`

	QuietHours *QuietHoursConfig `yaml:"quiet_hours,omitempty" json:"quiet_hours,omitempty"`
	// Terminal draws reminders on stdout of the daemon.
	Terminal bool `yaml:"terminal" json:"terminal"`
}

// PollingConfig holds the adaptive polling tiers.
type PollingConfig struct {
	Busy        time.Duration `yaml:"busy" json:"busy"`
	Normal      time.Duration `yaml:"normal" json:"normal"`
	Idle        time.Duration `yaml:"idle" json:"idle"`
	BusyHorizon time.Duration `yaml:"busy_horizon" json:"busy_horizon"`
	IdleHorizon time.Duration `yaml:"idle_horizon" json:"idle_horizon"`
}

// SyncConfig bounds the cached event window.
type SyncConfig struct {
	PastWindow  time.Duration `yaml:"past_window" json:"past_window"`
	AheadWindow time.Duration `yaml:"ahead_window" json:"ahead_window"`
	// FullResync is a cron-style schedule (e.g. "0 4 * * *") that drops all
	// continuation tokens.
	FullResync string `yaml:"full_resync" json:"full_resync"`
}

// GoogleConfig holds the OAuth client used by google sources.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	ClientSecret string `yaml:"client_secret,omitempty" json:"-"`
	// TokenFile defaults to <data_dir>/google-token.json.
	TokenFile string `yaml:"token_file,omitempty" json:"token_file,omitempty"`
}

// TelegramConfig enables the Telegram sink when Token and ChatID are set.
type TelegramConfig struct {
	Token  string `yaml:"token,omitempty" json:"-"`
	ChatID int64  `yaml:"chat_id,omitempty" json:"chat_id,omitempty"`
}

// Enabled reports whether the Telegram sink should be wired.
func (t TelegramConfig) Enabled() bool {
	return t.Token != "" && t.ChatID != 0
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used for display and quiet hours.
	Timezone string `yaml:"timezone" json:"timezone"`

	// DataDir holds events.json, alerts.json and sync-state.json.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	Sources  []SourceConfig `yaml:"sources" json:"sources"`
	Alerts   AlertsConfig   `yaml:"alerts" json:"alerts"`
	Polling  PollingConfig  `yaml:"polling" json:"polling"`
	Sync     SyncConfig     `yaml:"sync" json:"sync"`
	Google   GoogleConfig   `yaml:"google,omitempty" json:"google,omitempty"`
	Telegram TelegramConfig `yaml:"telegram,omitempty" json:"telegram,omitempty"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultPath is $XDG_CONFIG_HOME/meetbell/config.yaml.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, appName, "config.yaml")
}

// DefaultDataDir is $XDG_DATA_HOME/meetbell.
func DefaultDataDir() string {
	return filepath.Join(xdg.DataHome, appName)
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{
		Listen:   "127.0.0.1:8080",
		Timezone: "Local",
		LogLevel: "info",
		Sources:  []SourceConfig{},
		Alerts: AlertsConfig{
			Stage1Minutes: 10,
			Stage2Minutes: 2,
			Terminal:      true,
		},
	}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly. Stage minutes are left
// alone since 0 disables a stage.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Sources == nil {
		c.Sources = []SourceConfig{}
	}
	for i := range c.Sources {
		s := &c.Sources[i]
		s.Type = strings.ToLower(strings.TrimSpace(s.Type))
		if s.Type == "" {
			s.Type = SourceICS
		}
		if s.Type == SourceGoogle && s.CalendarID == "" {
			s.CalendarID = "primary"
		}
	}

	if c.Alerts.CombineWindow == nil {
		d := 2 * time.Minute
		c.Alerts.CombineWindow = &d
	}
	if c.Alerts.CombineConflicts == nil {
		on := true
		c.Alerts.CombineConflicts = &on
	}
	if c.Alerts.CatchUpGrace <= 0 {
		c.Alerts.CatchUpGrace = 5 * time.Minute
	}

	p := &c.Polling
	setDefault(&p.Busy, time.Minute)
	setDefault(&p.Normal, 5*time.Minute)
	setDefault(&p.Idle, 15*time.Minute)
	setDefault(&p.BusyHorizon, 15*time.Minute)
	setDefault(&p.IdleHorizon, 24*time.Hour)

	setDefault(&c.Sync.PastWindow, 24*time.Hour)
	setDefault(&c.Sync.AheadWindow, 14*24*time.Hour)
	if c.Sync.FullResync == "" {
		c.Sync.FullResync = "0 4 * * *"
	}

	if c.Google.TokenFile == "" {
		c.Google.TokenFile = filepath.Join(c.DataDir, "google-token.json")
	}
}

func setDefault(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// Validate reports the first problem that would stop the daemon.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Alerts.Stage1Minutes < 0 || c.Alerts.Stage2Minutes < 0 {
		return errors.New("alerts: stage minutes must not be negative")
	}
	if c.Alerts.Stage1Minutes > 0 && c.Alerts.Stage2Minutes >= c.Alerts.Stage1Minutes {
		return fmt.Errorf("alerts: stage2_minutes (%d) must be less than stage1_minutes (%d)",
			c.Alerts.Stage2Minutes, c.Alerts.Stage1Minutes)
	}
	if w := c.Alerts.CombineWindow; w != nil && *w < 0 {
		return fmt.Errorf("alerts.combine_window %s must not be negative", *w)
	}
	if q := c.Alerts.QuietHours; q != nil {
		if _, err := ParseClock(q.Start); err != nil {
			return fmt.Errorf("alerts.quiet_hours.start: %w", err)
		}
		if _, err := ParseClock(q.End); err != nil {
			return fmt.Errorf("alerts.quiet_hours.end: %w", err)
		}
	}
	if _, err := cron.ParseStandard(c.Sync.FullResync); err != nil {
		return fmt.Errorf("sync.full_resync %q: %w", c.Sync.FullResync, err)
	}

	seen := map[string]bool{}
	for i, s := range c.Sources {
		if s.ID == "" {
			return fmt.Errorf("sources[%d]: id is required", i)
		}
		if strings.ContainsAny(s.ID, "#@") {
			return fmt.Errorf("sources[%d]: id %q must not contain '#' or '@'", i, s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("sources[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true

		switch s.Type {
		case SourceICS, SourceCalDAV:
			if s.URL == "" {
				return fmt.Errorf("sources[%d] (%s): url is required", i, s.ID)
			}
		case SourceGoogle:
			if c.Google.ClientID == "" || c.Google.ClientSecret == "" {
				return fmt.Errorf("sources[%d] (%s): google client credentials are required", i, s.ID)
			}
		default:
			return fmt.Errorf("sources[%d] (%s): unknown type %q", i, s.ID, s.Type)
		}
	}
	return nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// ParseClock parses "HH:MM" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("clock %q: want HH:MM", s)
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 23 {
		return 0, fmt.Errorf("clock %q: bad hour", s)
	}
	mm, err := strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("clock %q: bad minute", s)
	}
	return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
}

// applyEnv overlays secrets from the environment. A .env file next to the
// working directory is loaded first; variables already set win.
func (c *Config) applyEnv() {
	_ = godotenv.Load()
	if v := os.Getenv(EnvTelegramToken); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv(EnvGoogleClientID); v != "" {
		c.Google.ClientID = v
	}
	if v := os.Getenv(EnvGoogleClientSecret); v != "" {
		c.Google.ClientSecret = v
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
//   - Environment overrides apply in both cases. Validation is left to the
//     caller so that read-only commands still work with an incomplete file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	cfg.applyEnv()

	return &cfg, nil
}

// Save writes the given configuration to the specified path atomically with
// owner-only permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0o600)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
