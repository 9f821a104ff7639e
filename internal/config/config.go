// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads settings from flags, the environment, .env
// files and config.json, in that order of precedence.
package config

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	FileName = "config.json"

	// Environment variable naming the config directory.  It is read
	// before anything else, so it has no config file key.
	ConfigDirEnv = "FASTINTERCOM_CONFIG_DIR"

	SyncModeActivity = "activity"
	SyncModeNewOnly  = "new_only"
)

// Config holds every setting.  Durations are stored in the units users
// write them in; use the accessor methods for time.Duration values.
type Config struct {
	IntercomToken string `mapstructure:"intercom_token" json:"intercom_token,omitempty"`
	DatabasePath  string `mapstructure:"database_path" json:"database_path,omitempty"`
	ConfigDir     string `mapstructure:"-" json:"-"`

	LogLevel string `mapstructure:"log_level" json:"log_level"`
	LogFile  string `mapstructure:"log_file" json:"log_file,omitempty"`

	MaxSyncAgeMinutes             int    `mapstructure:"max_sync_age_minutes" json:"max_sync_age_minutes"`
	BackgroundSyncIntervalMinutes int    `mapstructure:"background_sync_interval_minutes" json:"background_sync_interval_minutes"`
	InitialSyncDays               int    `mapstructure:"initial_sync_days" json:"initial_sync_days"`
	SyncMode                      string `mapstructure:"sync_mode" json:"sync_mode"`
	MaxConcurrentFetches          int    `mapstructure:"max_concurrent_fetches" json:"max_concurrent_fetches"`

	DBPoolSize        int `mapstructure:"db_pool_size" json:"db_pool_size"`
	APITimeoutSeconds int `mapstructure:"api_timeout_seconds" json:"api_timeout_seconds"`

	HTTPAddr string `mapstructure:"http_addr" json:"http_addr"`
	APIKey   string `mapstructure:"api_key" json:"api_key,omitempty"`
	NATSURL  string `mapstructure:"nats_url" json:"nats_url,omitempty"`
}

type setting struct {
	key string
	env string
	def any
}

var settings = []setting{
	{"intercom_token", "INTERCOM_ACCESS_TOKEN", ""},
	{"database_path", "FASTINTERCOM_DB_PATH", ""},
	{"log_level", "FASTINTERCOM_LOG_LEVEL", "INFO"},
	{"log_file", "FASTINTERCOM_LOG_FILE", ""},
	{"max_sync_age_minutes", "FASTINTERCOM_MAX_SYNC_AGE_MINUTES", 5},
	{"background_sync_interval_minutes", "FASTINTERCOM_BACKGROUND_SYNC_INTERVAL", 10},
	{"initial_sync_days", "FASTINTERCOM_INITIAL_SYNC_DAYS", 30},
	{"sync_mode", "FASTINTERCOM_SYNC_MODE", SyncModeActivity},
	{"max_concurrent_fetches", "FASTINTERCOM_MAX_CONCURRENT", 5},
	{"db_pool_size", "FASTINTERCOM_DB_POOL_SIZE", 5},
	{"api_timeout_seconds", "FASTINTERCOM_API_TIMEOUT_SECONDS", 300},
	{"http_addr", "FASTINTERCOM_HTTP_ADDR", "127.0.0.1:8000"},
	{"api_key", "FASTINTERCOM_API_KEY", ""},
	{"nats_url", "FASTINTERCOM_NATS_URL", ""},
}

// DefaultConfigDir returns ~/.fastintercom.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "unable to find home directory")
	}
	return filepath.Join(home, ".fastintercom"), nil
}

type options struct {
	dir   string
	flags *pflag.FlagSet
}

type Option func(*options)

// WithConfigDir overrides FASTINTERCOM_CONFIG_DIR.
func WithConfigDir(dir string) Option {
	return func(o *options) { o.dir = dir }
}

// WithFlags lets changed flags override every other source.  A flag
// named "http-addr" sets http_addr.
func WithFlags(fs *pflag.FlagSet) Option {
	return func(o *options) { o.flags = fs }
}

// Load reads the configuration.  A missing config file is not an
// error.  Load does not validate the result.
func Load(opts ...Option) (*Config, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	loadDotEnv(".env")
	dir := o.dir
	if dir == "" {
		dir = os.Getenv(ConfigDirEnv)
	}
	if dir == "" {
		var err error
		if dir, err = DefaultConfigDir(); err != nil {
			return nil, err
		}
	}
	loadDotEnv(filepath.Join(dir, ".env"))

	v := viper.New()
	v.SetConfigFile(filepath.Join(dir, FileName))
	for _, s := range settings {
		v.SetDefault(s.key, s.def)
		if err := v.BindEnv(s.key, s.env); err != nil {
			return nil, errors.Wrapf(err, "binding %s", s.env)
		}
	}
	if o.flags != nil {
		o.flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if isSetting(key) {
				_ = v.BindPFlag(key, f)
			}
		})
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, errors.Wrapf(err, "reading %s", v.ConfigFileUsed())
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, errors.Wrap(err, "decoding configuration")
	}
	c.ConfigDir = dir
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(dir, "data.db")
	}
	if c.LogFile == "" {
		c.LogFile = filepath.Join(dir, "logs", "fast-intercom-mcp.log")
	}
	c.LogLevel = strings.ToUpper(c.LogLevel)
	c.SyncMode = strings.ToLower(c.SyncMode)
	return c, nil
}

// loadDotEnv sets unset environment variables from file, if it exists.
func loadDotEnv(file string) {
	_ = godotenv.Load(file)
}

func isSetting(key string) bool {
	for _, s := range settings {
		if s.key == key {
			return true
		}
	}
	return false
}

// Validate reports the first setting that is out of range.  The token
// is only checked when requireToken is set.
func (c *Config) Validate(requireToken bool) error {
	if requireToken && strings.TrimSpace(c.IntercomToken) == "" {
		return errors.New("an Intercom access token is required; set INTERCOM_ACCESS_TOKEN or run init")
	}
	switch c.LogLevel {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
	default:
		return errors.Errorf("invalid log level %q", c.LogLevel)
	}
	switch c.SyncMode {
	case SyncModeActivity, SyncModeNewOnly:
	default:
		return errors.Errorf("invalid sync mode %q, want %s or %s", c.SyncMode, SyncModeActivity, SyncModeNewOnly)
	}
	if c.DBPoolSize < 1 || c.DBPoolSize > 20 {
		return errors.Errorf("db_pool_size must be between 1 and 20, got %d", c.DBPoolSize)
	}
	if c.MaxSyncAgeMinutes < 0 {
		return errors.Errorf("max_sync_age_minutes must not be negative, got %d", c.MaxSyncAgeMinutes)
	}
	if c.BackgroundSyncIntervalMinutes < 1 {
		return errors.Errorf("background_sync_interval_minutes must be at least 1, got %d", c.BackgroundSyncIntervalMinutes)
	}
	if c.InitialSyncDays < 0 {
		return errors.Errorf("initial_sync_days must not be negative, got %d", c.InitialSyncDays)
	}
	if c.MaxConcurrentFetches < 1 || c.MaxConcurrentFetches > 50 {
		return errors.Errorf("max_concurrent_fetches must be between 1 and 50, got %d", c.MaxConcurrentFetches)
	}
	if c.APITimeoutSeconds < 1 {
		return errors.Errorf("api_timeout_seconds must be positive, got %d", c.APITimeoutSeconds)
	}
	return nil
}

func (c *Config) MaxSyncAge() time.Duration {
	return time.Duration(c.MaxSyncAgeMinutes) * time.Minute
}

func (c *Config) BackgroundSyncInterval() time.Duration {
	return time.Duration(c.BackgroundSyncIntervalMinutes) * time.Minute
}

func (c *Config) APITimeout() time.Duration {
	return time.Duration(c.APITimeoutSeconds) * time.Second
}

// Save writes c to config.json in its config directory, readable only
// by the owner since it may hold the access token.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.ConfigDir, 0o700); err != nil {
		return errors.Wrapf(err, "creating %s", c.ConfigDir)
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding configuration")
	}
	path := filepath.Join(c.ConfigDir, FileName)
	if err := os.WriteFile(path, append(b, '\n'), 0o600); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return nil
}
