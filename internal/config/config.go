package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"blocksync/internal/property"
	"blocksync/internal/reconcile"
	"blocksync/internal/sweep"
)

// NOTE: Load creates a default file on first run; Validate is what tells the
// operator which calendar ids and emails still need to be filled in.

var (
	ErrMissingCalendar = errors.New("config: calendar id is not set")
	ErrMissingEmail    = errors.New("config: account email is not set")
)

// ICSConfig describes a single ICS subscription source.
type ICSConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier used for de-dup and logging.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status server.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" json:"level"`
	// Format is "console" or "json".
	Format string `yaml:"format" json:"format"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db"`
}

// StoreConfig selects where sync cursors live between invocations.
type StoreConfig struct {
	// Kind is file, redis or memory.
	Kind string `yaml:"kind" json:"kind"`
	// Path is the JSON file for the file store.
	Path string `yaml:"path" json:"path"`
	// Namespace scopes stored properties to one user/context.
	Namespace string      `yaml:"namespace" json:"namespace"`
	Redis     RedisConfig `yaml:"redis" json:"redis"`
}

// GoogleConfig points at the credentials for the hosted calendar API.
type GoogleConfig struct {
	// CredentialsFile is a service-account key or an OAuth client secret.
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
	// TokenFile holds the OAuth user token; unused for service accounts.
	TokenFile string `yaml:"token_file" json:"token_file"`
}

// AvailabilityConfig tunes the free-window finder.
type AvailabilityConfig struct {
	// WorkStart/WorkEnd bound regular hours, "HH:MM".
	WorkStart string `yaml:"work_start" json:"work_start"`
	WorkEnd   string `yaml:"work_end" json:"work_end"`
	// ExtStart/ExtEnd bound extended hours, "HH:MM".
	ExtStart           string `yaml:"ext_start" json:"ext_start"`
	ExtEnd             string `yaml:"ext_end" json:"ext_end"`
	BufferMinutes      int    `yaml:"buffer_minutes" json:"buffer_minutes"`
	MinDurationMinutes int    `yaml:"min_duration_minutes" json:"min_duration_minutes"`
	Days               int    `yaml:"days" json:"days"`
	// Holidays are YYYY-MM-DD dates with no candidate windows.
	Holidays []string `yaml:"holidays" json:"holidays"`
	// ICS feeds add busy time on top of the blocker calendar.
	ICS []ICSConfig `yaml:"ics" json:"ics"`
	// CacheDir stores fetched ICS bodies and ETags.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`
}

// Config is the top-level application configuration.
type Config struct {
	SchedulerCalendar string `yaml:"scheduler_calendar" json:"scheduler_calendar"`
	HomeCalendar      string `yaml:"home_calendar" json:"home_calendar"`
	BlockerCalendar   string `yaml:"blocker_calendar" json:"blocker_calendar"`

	// HomeEmail is added as attendee to scheduler-calendar events.
	HomeEmail string `yaml:"home_email" json:"home_email"`
	// WorkEmail is the attendee of every block.
	WorkEmail string `yaml:"work_email" json:"work_email"`

	BlockSummary        string `yaml:"block_summary" json:"block_summary"`
	FullSyncDays        int    `yaml:"full_sync_days" json:"full_sync_days"`
	InstanceHorizonDays int    `yaml:"instance_horizon_days" json:"instance_horizon_days"`
	SweepLookbackDays   int    `yaml:"sweep_lookback_days" json:"sweep_lookback_days"`
	PageSize            int    `yaml:"page_size" json:"page_size"`

	// SyncCron and SweepCron are 5-field cron expressions used by "serve".
	SyncCron  string `yaml:"sync_cron" json:"sync_cron"`
	SweepCron string `yaml:"sweep_cron" json:"sweep_cron"`

	// Listen is the HTTP listen address of the status server.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone for full-sync midnights and free windows.
	Timezone string `yaml:"timezone" json:"timezone"`

	Log          LogConfig          `yaml:"log" json:"log"`
	Store        StoreConfig        `yaml:"store" json:"store"`
	Google       GoogleConfig       `yaml:"google" json:"google"`
	Availability AvailabilityConfig `yaml:"availability" json:"availability"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration. Calendar ids and
// emails are left empty.
func DefaultConfig() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.BlockSummary == "" {
		c.BlockSummary = reconcile.DefaultBlockSummary
	}
	if c.FullSyncDays <= 0 {
		c.FullSyncDays = 30
	}
	if c.InstanceHorizonDays <= 0 {
		c.InstanceHorizonDays = reconcile.DefaultInstanceHorizonDays
	}
	if c.SweepLookbackDays <= 0 {
		c.SweepLookbackDays = sweep.DefaultLookbackDays
	}
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.SyncCron == "" {
		c.SyncCron = "*/15 * * * *"
	}
	if c.SweepCron == "" {
		c.SweepCron = "30 3 * * *"
	}
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "America/New_York"
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		c.Log.Level = "info"
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		c.Log.Format = "console"
	}

	switch property.Kind(c.Store.Kind) {
	case property.KindFile, property.KindRedis, property.KindMemory:
	default:
		c.Store.Kind = string(property.KindFile)
	}
	if c.Store.Path == "" {
		c.Store.Path = "./data/properties.json"
	}
	if c.Store.Namespace == "" {
		c.Store.Namespace = "default"
	}
	if c.Store.Redis.Addr == "" {
		c.Store.Redis.Addr = "127.0.0.1:6379"
	}

	if c.Google.CredentialsFile == "" {
		c.Google.CredentialsFile = "./credentials.json"
	}
	if c.Google.TokenFile == "" {
		c.Google.TokenFile = "./token.json"
	}

	a := &c.Availability
	if a.WorkStart == "" {
		a.WorkStart = "10:00"
	}
	if a.WorkEnd == "" {
		a.WorkEnd = "17:00"
	}
	if a.ExtStart == "" {
		a.ExtStart = "07:00"
	}
	if a.ExtEnd == "" {
		a.ExtEnd = "20:00"
	}
	if a.BufferMinutes <= 0 {
		a.BufferMinutes = 30
	}
	if a.MinDurationMinutes <= 0 {
		a.MinDurationMinutes = 30
	}
	if a.Days <= 0 {
		a.Days = 30
	}
	if a.Holidays == nil {
		a.Holidays = []string{}
	}
	if a.ICS == nil {
		a.ICS = []ICSConfig{}
	}
	if a.CacheDir == "" {
		a.CacheDir = "./data/ics"
	}
}

// Validate reports settings a sync cannot run without, in file order.
func (c *Config) Validate() error {
	var errs []error
	required := []struct {
		name  string
		value string
		err   error
	}{
		{"scheduler_calendar", c.SchedulerCalendar, ErrMissingCalendar},
		{"home_calendar", c.HomeCalendar, ErrMissingCalendar},
		{"blocker_calendar", c.BlockerCalendar, ErrMissingCalendar},
		{"home_email", c.HomeEmail, ErrMissingEmail},
		{"work_email", c.WorkEmail, ErrMissingEmail},
	}
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, fmt.Errorf("%w: %s", r.err, r.name))
		}
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("config: timezone %q: %w", c.Timezone, err))
	}
	return errors.Join(errs...)
}

// Location resolves Timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Sync derives the reconciler settings.
func (c *Config) Sync(dryRun bool) reconcile.Settings {
	return reconcile.Settings{
		BlockerCalendarID:   c.BlockerCalendar,
		HomeEmail:           c.HomeEmail,
		WorkEmail:           c.WorkEmail,
		BlockSummary:        c.BlockSummary,
		InstanceHorizonDays: c.InstanceHorizonDays,
		DryRun:              dryRun,
	}
}

// Sweep derives the duplicate-sweep settings.
func (c *Config) Sweep(dryRun bool) sweep.Settings {
	return sweep.Settings{
		BlockerCalendarID: c.BlockerCalendar,
		LookbackDays:      c.SweepLookbackDays,
		PageSize:          c.PageSize,
		DryRun:            dryRun,
	}
}

// Sources lists the source calendars in reconciliation order: the scheduler
// calendar (with attendee injection) before the home calendar.
func (c *Config) Sources() []reconcile.Source {
	return []reconcile.Source{
		{CalendarID: c.SchedulerCalendar, Name: "scheduler", AddAttendee: true},
		{CalendarID: c.HomeCalendar, Name: "home"},
	}
}

// StoreOptions maps the store section onto property.Options.
func (c *Config) StoreOptions() property.Options {
	return property.Options{
		Kind:          property.Kind(c.Store.Kind),
		Path:          c.Store.Path,
		Namespace:     c.Store.Namespace,
		RedisAddr:     c.Store.Redis.Addr,
		RedisPassword: c.Store.Redis.Password,
		RedisDB:       c.Store.Redis.DB,
	}
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
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
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

	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory with 0700.
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

	tmp, err := os.CreateTemp(dir, ".blocksync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
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

// Save is a convenience method that delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
