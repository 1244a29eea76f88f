package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Google   GoogleConfig   `yaml:"google"`
	Line     LineConfig     `yaml:"line"`
	Storage  StorageConfig  `yaml:"storage"`
	Outbox   OutboxConfig   `yaml:"outbox"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Notify   NotifyConfig   `yaml:"notify"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type GoogleConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
}

type LineConfig struct {
	ChannelAccessToken string `yaml:"channel_access_token"`
	BaseURL            string `yaml:"base_url"`
}

type StorageConfig struct {
	Path            string `yaml:"path"`
	StateTTLSeconds int    `yaml:"state_ttl_seconds"`
}

type OutboxConfig struct {
	Enabled             bool    `yaml:"enabled"`
	Path                string  `yaml:"path"`
	MaxRetries          int     `yaml:"max_retries"`
	InitialBackoffSecs  int     `yaml:"initial_backoff_seconds"`
	MaxBackoffSecs      int     `yaml:"max_backoff_seconds"`
	BackoffFactor       float64 `yaml:"backoff_factor"`
	ProcessIntervalSecs int     `yaml:"process_interval_seconds"`
	BatchSize           int     `yaml:"batch_size"`
}

type ScheduleConfig struct {
	Cron     string `yaml:"cron"`
	Timezone string `yaml:"timezone"`
}

type NotifyConfig struct {
	MaxConcurrentUsers  int    `yaml:"max_concurrent_users"`
	DefaultCalendarID   string `yaml:"default_calendar_id"`
	DefaultCalendarName string `yaml:"default_calendar_name"`
	RequestTimeoutSecs  int    `yaml:"request_timeout_seconds"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Path   string `yaml:"path"`
}

// Environment variables that take precedence over the file.
const (
	EnvGoogleClientID     = "GOOGLE_CLIENT_ID"
	EnvGoogleClientSecret = "GOOGLE_CLIENT_SECRET"
	EnvGoogleRedirectURI  = "GOOGLE_REDIRECT_URI"
	EnvLineChannelToken   = "LINE_CHANNEL_ACCESS_TOKEN"
)

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

func Load(path string) (*Config, error) {
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	overrides := map[string]*string{
		EnvGoogleClientID:     &c.Google.ClientID,
		EnvGoogleClientSecret: &c.Google.ClientSecret,
		EnvGoogleRedirectURI:  &c.Google.RedirectURL,
		EnvLineChannelToken:   &c.Line.ChannelAccessToken,
	}
	for key, dst := range overrides {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
}

func (c *Config) applyDefaults() {
	home, _ := os.UserHomeDir()

	if c.Line.BaseURL == "" {
		c.Line.BaseURL = "https://api.line.me"
	}

	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(home, ".calnotify", "calnotify.db")
	} else {
		c.Storage.Path = expandPath(c.Storage.Path)
	}
	if c.Storage.StateTTLSeconds == 0 {
		c.Storage.StateTTLSeconds = 300
	}

	// Outbox defaults
	if c.Outbox.Enabled && c.Outbox.Path == "" {
		c.Outbox.Path = filepath.Join(home, ".calnotify", "outbox.db")
	} else if c.Outbox.Path != "" {
		c.Outbox.Path = expandPath(c.Outbox.Path)
	}
	if c.Outbox.MaxRetries == 0 {
		c.Outbox.MaxRetries = 5
	}
	if c.Outbox.InitialBackoffSecs == 0 {
		c.Outbox.InitialBackoffSecs = 30
	}
	if c.Outbox.MaxBackoffSecs == 0 {
		c.Outbox.MaxBackoffSecs = 3600 // 1 hour
	}
	if c.Outbox.BackoffFactor == 0 {
		c.Outbox.BackoffFactor = 2.0
	}
	if c.Outbox.ProcessIntervalSecs == 0 {
		c.Outbox.ProcessIntervalSecs = 60
	}
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = 20
	}

	if c.Schedule.Cron == "" {
		c.Schedule.Cron = "0 21 * * *"
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = "Asia/Tokyo"
	}

	if c.Notify.DefaultCalendarID == "" {
		c.Notify.DefaultCalendarID = "primary"
	}
	if c.Notify.DefaultCalendarName == "" {
		c.Notify.DefaultCalendarName = "メインカレンダー"
	}
	if c.Notify.RequestTimeoutSecs == 0 {
		c.Notify.RequestTimeoutSecs = 30
	}

	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8085"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Path != "" {
		c.Logging.Path = expandPath(c.Logging.Path)
	}
}

func (c *Config) Validate() error {
	if c.Google.ClientID == "" || c.Google.ClientSecret == "" {
		return errors.New("google client_id and client_secret are required")
	}
	if c.Line.ChannelAccessToken == "" {
		return errors.New("line channel_access_token is required")
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("invalid schedule timezone %q: %w", c.Schedule.Timezone, err)
	}
	if _, err := cron.ParseStandard(c.Schedule.Cron); err != nil {
		return fmt.Errorf("invalid schedule cron %q: %w", c.Schedule.Cron, err)
	}
	if c.Notify.MaxConcurrentUsers < 0 {
		return errors.New("notify max_concurrent_users must be >= 0")
	}
	if c.Outbox.BackoffFactor < 1 {
		return errors.New("outbox backoff_factor must be >= 1")
	}
	return nil
}

// Location returns the display timezone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Notify.RequestTimeoutSecs) * time.Second
}
