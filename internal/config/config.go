// Package config loads and persists the agentport host configuration.
package config

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
)

// ServerConfig controls the listening socket.
type ServerConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	MaxConnections int    `json:"max_connections"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// AuthConfig controls token authentication and rate limiting.
type AuthConfig struct {
	// Token is the static authentication token. Empty means a random
	// token is generated at startup and logged once.
	Token string `json:"token,omitempty"`
	// TokenEnv names an environment variable to read the token from;
	// it takes precedence over Token.
	TokenEnv string `json:"token_env,omitempty"`

	RateLimitEnabled  bool `json:"rate_limit_enabled"`
	RequestsPerSecond int  `json:"requests_per_second"`
}

// PairingConfig controls the device-pairing flow.
type PairingConfig struct {
	Enabled bool `json:"enabled"`
	// DatabasePath is the SQLite file holding paired-device records.
	DatabasePath string `json:"database_path"`
}

// PermissionsConfig is the policy layer for dispatched methods.
type PermissionsConfig struct {
	// AllowedCategories lists the method categories clients may call.
	AllowedCategories []string `json:"allowed_categories"`
	// RestrictedPaths are filesystem prefixes fs.* handlers must refuse.
	RestrictedPaths []string `json:"restricted_paths,omitempty"`
	// RestrictedCommands are commands command.* handlers must refuse.
	RestrictedCommands []string `json:"restricted_commands,omitempty"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string `json:"level"`
	Path  string `json:"path,omitempty"`
}

// Config is the root configuration.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Auth        AuthConfig        `json:"auth"`
	Pairing     PairingConfig     `json:"pairing"`
	Permissions PermissionsConfig `json:"permissions"`
	Log         LogConfig         `json:"log"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8937,
			MaxConnections: 16,
		},
		Auth: AuthConfig{
			TokenEnv:          "AGENTPORT_TOKEN",
			RateLimitEnabled:  true,
			RequestsPerSecond: 20,
		},
		Pairing: PairingConfig{
			Enabled:      true,
			DatabasePath: filepath.Join(defaultStateDir(), "devices.db"),
		},
		Permissions: PermissionsConfig{
			AllowedCategories: []string{"editor", "fs", "terminal", "command", "state", "search"},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from path, falling back to defaults for a
// missing file and for any field left empty.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	// Unmarshal into the default config so only provided fields override.
	if err := json.Unmarshal(data, config); err != nil {
		return nil, err
	}

	if config.Server.Host == "" {
		config.Server.Host = "127.0.0.1"
	}
	if config.Server.Port == 0 {
		config.Server.Port = 8937
	}
	if config.Server.MaxConnections == 0 {
		config.Server.MaxConnections = 16
	}
	if config.Auth.RequestsPerSecond == 0 {
		config.Auth.RequestsPerSecond = 20
	}
	if config.Pairing.DatabasePath == "" {
		config.Pairing.DatabasePath = filepath.Join(defaultStateDir(), "devices.db")
	}
	if config.Permissions.AllowedCategories == nil {
		config.Permissions.AllowedCategories = []string{"editor", "fs", "terminal", "command", "state", "search"}
	}
	if config.Log.Level == "" {
		config.Log.Level = "info"
	}

	return config, nil
}

// Save writes the configuration to path, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// StaticToken resolves the configured static token, preferring the
// environment variable over the config file value.
func (c *Config) StaticToken() string {
	if c.Auth.TokenEnv != "" {
		if v := os.Getenv(c.Auth.TokenEnv); v != "" {
			return v
		}
	}
	return c.Auth.Token
}

// CategoryAllowed reports whether a method category passed policy.
func (c *Config) CategoryAllowed(category string) bool {
	for _, allowed := range c.Permissions.AllowedCategories {
		if allowed == category {
			return true
		}
	}
	return false
}

// DefaultConfigPath returns the per-user config file location.
func DefaultConfigPath() string {
	return filepath.Join(defaultStateDir(), "config.json")
}

func defaultStateDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "agentport")
}
