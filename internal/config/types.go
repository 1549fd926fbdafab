package config

import "time"

// Config represents the complete transactgw configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	State    StateConfig    `yaml:"state"`
	API      APIConfig      `yaml:"api,omitempty"`
	Remote   RemoteConfig   `yaml:"remote"`
	Poller   PollerConfig   `yaml:"poller,omitempty"`
	OTP      OTPConfig      `yaml:"otp,omitempty"`
	Download DownloadConfig `yaml:"download,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the single admin bearer token. Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// RemoteConfig defines the upstream gateway connection.
type RemoteConfig struct {
	BaseURL string   `yaml:"base_url"`
	Token   string   `yaml:"token"`
	Timeout Duration `yaml:"timeout,omitempty"`
}

// PollerConfig defines job status polling behavior.
type PollerConfig struct {
	Interval    Duration `yaml:"interval,omitempty"`
	MaxAttempts int      `yaml:"max_attempts,omitempty"`
}

// OTPConfig defines challenge defaults.
type OTPConfig struct {
	DefaultExpiry Duration `yaml:"default_expiry,omitempty"`
}

// DownloadConfig defines artifact storage settings.
type DownloadConfig struct {
	Dir     string   `yaml:"dir"`
	Timeout Duration `yaml:"timeout,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "transactgw",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Remote: RemoteConfig{
			Timeout: Duration(30 * time.Second),
		},
		Poller: PollerConfig{
			Interval:    Duration(5 * time.Second),
			MaxAttempts: 120,
		},
		OTP: OTPConfig{
			DefaultExpiry: Duration(5 * time.Minute),
		},
		Download: DownloadConfig{
			Dir:     "./data/artifacts",
			Timeout: Duration(2 * time.Minute),
		},
	}
}
