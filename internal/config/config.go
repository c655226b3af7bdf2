package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

// ICSConfig describes a single ICS subscription imported into the calendar,
// e.g. a booking agency's feed.
type ICSConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier stored on imported events.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
	// Kind is applied to imported events ("show", "travel", ...).
	Kind string `yaml:"kind,omitempty" json:"kind,omitempty"`
}

// SourceID returns ID, falling back to Name and then URL.
func (c ICSConfig) SourceID() string {
	switch {
	case c.ID != "":
		return c.ID
	case c.Name != "":
		return c.Name
	default:
		return c.URL
	}
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// LogConfig selects the log level and encoder.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" json:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format" json:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone used as canonical display zone (e.g. "Europe/Berlin").
	Timezone string `yaml:"timezone" json:"timezone"`

	// DataPath is the JSON file holding the event records.
	DataPath string `yaml:"data_path" json:"data_path"`

	// CacheDir holds the HTTP cache of ICS subscriptions.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// CalendarName is written as X-WR-CALNAME on exports.
	CalendarName string `yaml:"calendar_name" json:"calendar_name"`

	// MaxOccurrences caps every expansion, first occurrence included.
	MaxOccurrences int `yaml:"max_occurrences" json:"max_occurrences"`

	// HorizonYears bounds rules without an end date.
	HorizonYears int `yaml:"horizon_years" json:"horizon_years"`

	// HorizonDays is the default number of future days listed by the API
	// and the digest job.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	// RefreshCron is a cron-style schedule string (e.g. "*/30 * * * *")
	// used to re-import ICS subscriptions.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// DigestCron schedules the upcoming-occurrence digest. Empty disables it.
	DigestCron string `yaml:"digest" json:"digest"`

	// ICS is the list of subscribed ICS sources.
	ICS []ICSConfig `yaml:"ics" json:"ics"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	Log LogConfig `yaml:"log" json:"log"`
}

const (
	defaultListen         = "127.0.0.1:8080"
	defaultTimezone       = "UTC"
	defaultDataPath       = "./var/events.json"
	defaultCacheDir       = "./var/ics-cache"
	defaultCalendarName   = "Tour"
	defaultMaxOccurrences = 50
	defaultHorizonYears   = 2
	defaultHorizonDays    = 14
	defaultRefreshCron    = "*/30 * * * *"
	defaultDigestCron     = "0 8 * * *"
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:         defaultListen,
		Timezone:       defaultTimezone,
		DataPath:       defaultDataPath,
		CacheDir:       defaultCacheDir,
		CalendarName:   defaultCalendarName,
		MaxOccurrences: defaultMaxOccurrences,
		HorizonYears:   defaultHorizonYears,
		HorizonDays:    defaultHorizonDays,
		RefreshCron:    defaultRefreshCron,
		DigestCron:     defaultDigestCron,
		ICS:            []ICSConfig{},
		BasicAuth:      nil,
		Log:            LogConfig{Level: "info", Format: "json"},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.DataPath == "" {
		c.DataPath = defaultDataPath
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}
	if c.CalendarName == "" {
		c.CalendarName = defaultCalendarName
	}
	if c.MaxOccurrences <= 0 {
		c.MaxOccurrences = defaultMaxOccurrences
	}
	if c.HorizonYears <= 0 {
		c.HorizonYears = defaultHorizonYears
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = defaultHorizonDays
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	switch c.Log.Format {
	case "json", "console":
		// ok
	default:
		c.Log.Format = "json"
	}
}

// Validate reports settings that cannot be defaulted away.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	seen := make(map[string]bool, len(c.ICS))
	for i, src := range c.ICS {
		if src.URL == "" {
			return fmt.Errorf("ics[%d]: url is required", i)
		}
		id := src.SourceID()
		if seen[id] {
			return fmt.Errorf("ics[%d]: duplicate source id %q", i, id)
		}
		seen[id] = true
	}
	return nil
}

// Location resolves Timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults and validate
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
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tourcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
