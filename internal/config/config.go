// Package config loads collector settings from an optional YAML file and
// COLLECTOR_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/metorial/telemetry-hub/internal/alerts"
	"github.com/metorial/telemetry-hub/internal/history"
	"github.com/metorial/telemetry-hub/internal/models"
	"github.com/metorial/telemetry-hub/internal/session"
	"github.com/spf13/viper"
)

const EnvPrefix = "COLLECTOR"

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	History HistoryConfig `mapstructure:"history"`
	Session SessionConfig `mapstructure:"session"`
	Alerts  AlertsConfig  `mapstructure:"alerts"`
	API     APIConfig     `mapstructure:"api"`
	Journal JournalConfig `mapstructure:"journal"`
	Consul  ConsulConfig  `mapstructure:"consul"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	GRPCAddr        string        `mapstructure:"grpc_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type AuthConfig struct {
	APIKeys []string `mapstructure:"api_keys"`
}

type HistoryConfig struct {
	MinInterval time.Duration `mapstructure:"min_interval"`
	Capacity    int           `mapstructure:"capacity"`
}

type SessionConfig struct {
	ProbeInterval      time.Duration `mapstructure:"probe_interval"`
	LivenessMultiplier int           `mapstructure:"liveness_multiplier"`
	SendBuffer         int           `mapstructure:"send_buffer"`
}

type AlertsConfig struct {
	Rules             []models.AlertRule `mapstructure:"rules"`
	AcknowledgedLimit int                `mapstructure:"acknowledged_limit"`
}

type APIConfig struct {
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

type JournalConfig struct {
	Path            string        `mapstructure:"path"`
	Buffer          int           `mapstructure:"buffer"`
	Retention       time.Duration `mapstructure:"retention"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

func (j JournalConfig) Enabled() bool { return j.Path != "" }

type ConsulConfig struct {
	Address       string `mapstructure:"address"`
	ServiceName   string `mapstructure:"service_name"`
	AdvertiseAddr string `mapstructure:"advertise_addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.grpc_addr", ":9090")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("auth.api_keys", []string{})
	v.SetDefault("history.min_interval", history.DefaultMinInterval)
	v.SetDefault("history.capacity", history.DefaultCapacity)
	v.SetDefault("session.probe_interval", session.DefaultProbeInterval)
	v.SetDefault("session.liveness_multiplier", session.DefaultLivenessMultiplier)
	v.SetDefault("session.send_buffer", session.DefaultSendBuffer)
	v.SetDefault("alerts.acknowledged_limit", 0)
	v.SetDefault("api.rate_limit", 50.0)
	v.SetDefault("api.rate_burst", 100)
	v.SetDefault("journal.path", "")
	v.SetDefault("journal.buffer", 1024)
	v.SetDefault("journal.retention", 7*24*time.Hour)
	v.SetDefault("journal.cleanup_interval", 5*time.Minute)
	v.SetDefault("consul.address", "")
	v.SetDefault("consul.service_name", "telemetry-collector")
	v.SetDefault("consul.advertise_addr", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads path when non-empty, then applies environment overrides such as
// COLLECTOR_SERVER_HTTP_ADDR or COLLECTOR_API_KEYS.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("auth.api_keys", EnvPrefix+"_API_KEYS", EnvPrefix+"_AUTH_API_KEYS"); err != nil {
		return nil, fmt.Errorf("bind api keys: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Auth.APIKeys = splitKeys(cfg.Auth.APIKeys)
	cfg.Alerts.Rules = alerts.MergeRules(alerts.DefaultRules(), cfg.Alerts.Rules)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitKeys accepts keys given as a list, as one comma separated string, or
// a mix of both.
func splitKeys(raw []string) []string {
	var keys []string
	for _, entry := range raw {
		for _, k := range strings.Split(entry, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
	}
	return keys
}

func (c *Config) Validate() error {
	var errs []error
	if len(c.Auth.APIKeys) == 0 {
		errs = append(errs, errors.New("auth.api_keys: at least one key is required"))
	}
	if c.Server.HTTPAddr == "" && c.Server.GRPCAddr == "" {
		errs = append(errs, errors.New("server: http_addr or grpc_addr is required"))
	}
	if c.History.Capacity <= 0 {
		errs = append(errs, errors.New("history.capacity must be positive"))
	}
	if c.History.MinInterval <= 0 {
		errs = append(errs, errors.New("history.min_interval must be positive"))
	}
	if c.Session.ProbeInterval <= 0 {
		errs = append(errs, errors.New("session.probe_interval must be positive"))
	}
	if c.Session.LivenessMultiplier < 1 {
		errs = append(errs, errors.New("session.liveness_multiplier must be at least 1"))
	}
	if c.Session.SendBuffer <= 0 {
		errs = append(errs, errors.New("session.send_buffer must be positive"))
	}
	if err := alerts.ValidateRules(c.Alerts.Rules); err != nil {
		errs = append(errs, fmt.Errorf("alerts.rules: %w", err))
	}
	if c.API.RateLimit < 0 || c.API.RateBurst < 0 {
		errs = append(errs, errors.New("api: rate_limit and rate_burst must not be negative"))
	}
	if c.Journal.Enabled() && (c.Journal.Retention <= 0 || c.Journal.CleanupInterval <= 0) {
		errs = append(errs, errors.New("journal: retention and cleanup_interval must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) SessionOptions() session.Options {
	return session.Options{
		APIKeys:            c.Auth.APIKeys,
		ProbeInterval:      c.Session.ProbeInterval,
		LivenessMultiplier: c.Session.LivenessMultiplier,
		SendBuffer:         c.Session.SendBuffer,
	}
}
