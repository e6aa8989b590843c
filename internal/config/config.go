package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Plugin types.
const (
	TypeCalDAV = "caldav"
	TypeGoogle = "google"
	TypeWebcal = "webcal"
)

// PluginConfig describes one calendar account. Which fields apply depends
// on Type.
type PluginConfig struct {
	// ID identifies the plugin in the API, the logs and the storage keys.
	ID   string `yaml:"id" json:"id"`
	Type string `yaml:"type" json:"type"`
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// URL is the CalDAV endpoint or the ICS subscription.
	URL      string `yaml:"url,omitempty" json:"url,omitempty"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`

	// Google OAuth files. Relative paths are resolved against DataDir.
	CredentialsFile string `yaml:"credentials_file,omitempty" json:"credentials_file,omitempty"`
	TokenFile       string `yaml:"token_file,omitempty" json:"token_file,omitempty"`

	// Calendars restricts the account to these calendars (names for CalDAV,
	// ids for Google).
	Calendars []string `yaml:"calendars,omitempty" json:"calendars,omitempty"`
	// Colors maps a calendar name to a #rrggbb background. For webcal the
	// single calendar uses the "default" entry.
	Colors map[string]string `yaml:"colors,omitempty" json:"colors,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone used for the display window.
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *")
	// used for periodic refresh and replay.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// DaysInFuture and DaysInPast bound the display window around today.
	DaysInFuture int `yaml:"days_in_future" json:"days_in_future"`
	DaysInPast   int `yaml:"days_in_past" json:"days_in_past"`

	// Workers caps how many plugins refresh concurrently.
	Workers int `yaml:"workers" json:"workers"`

	// HTTPTimeout bounds each backend request, e.g. "30s".
	HTTPTimeout string `yaml:"http_timeout" json:"http_timeout"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// DataDir holds the state database and OAuth tokens.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	Plugins []PluginConfig `yaml:"plugins" json:"plugins"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen       = "127.0.0.1:8080"
	defaultRefreshCron  = "*/15 * * * *"
	defaultDaysInFuture = 30
	defaultDaysInPast   = 2
	defaultWorkers      = 4
	defaultHTTPTimeout  = "30s"
	defaultLogLevel     = "info"
	defaultDataDir      = "./data"
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:       defaultListen,
		Timezone:     "Local",
		RefreshCron:  defaultRefreshCron,
		DaysInFuture: defaultDaysInFuture,
		DaysInPast:   defaultDaysInPast,
		Workers:      defaultWorkers,
		HTTPTimeout:  defaultHTTPTimeout,
		LogLevel:     defaultLogLevel,
		DataDir:      defaultDataDir,
		Plugins:      []PluginConfig{},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.DaysInFuture <= 0 {
		c.DaysInFuture = defaultDaysInFuture
	}
	if c.DaysInPast < 0 {
		c.DaysInPast = defaultDaysInPast
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if _, err := time.ParseDuration(c.HTTPTimeout); err != nil {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	if c.Plugins == nil {
		c.Plugins = []PluginConfig{}
	}
	for i := range c.Plugins {
		p := &c.Plugins[i]
		if p.Type == TypeGoogle {
			if p.CredentialsFile == "" {
				p.CredentialsFile = "google-credentials.json"
			}
			if p.TokenFile == "" {
				p.TokenFile = "google-token-" + p.ID + ".json"
			}
		}
	}
}

// Validate reports configuration errors Normalize cannot repair.
func (c *Config) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	seen := make(map[string]bool, len(c.Plugins))
	for i, p := range c.Plugins {
		switch {
		case p.ID == "":
			errs = append(errs, fmt.Errorf("plugins[%d]: id is empty", i))
			continue
		case seen[p.ID]:
			errs = append(errs, fmt.Errorf("plugins[%d]: duplicate id %q", i, p.ID))
		}
		seen[p.ID] = true

		switch p.Type {
		case TypeCalDAV, TypeWebcal:
			if p.URL == "" {
				errs = append(errs, fmt.Errorf("plugin %s: url is required for %s", p.ID, p.Type))
			}
		case TypeGoogle:
		default:
			errs = append(errs, fmt.Errorf("plugin %s: unknown type %q", p.ID, p.Type))
		}
	}
	return errors.Join(errs...)
}

// Location resolves Timezone, falling back to the local zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Timeout parses HTTPTimeout.
func (c *Config) Timeout() time.Duration {
	d, err := time.ParseDuration(c.HTTPTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// DataPath resolves p against DataDir unless it is absolute.
func (c *Config) DataPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// Plugin returns the plugin with the given id.
func (c *Config) Plugin(id string) (PluginConfig, bool) {
	for _, p := range c.Plugins {
		if p.ID == id {
			return p, true
		}
	}
	return PluginConfig{}, false
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
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
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

	tmp, err := os.CreateTemp(dir, ".deskcal-config-*.tmp")
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

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
