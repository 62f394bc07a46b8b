// Package config provides configuration parsing and validation for Tourniquet.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/tourniquet/socks5"
)

// maxDatagramCeiling is the largest UDP payload the relay will carry.
const maxDatagramCeiling = 4096

// Config represents the complete proxy configuration.
type Config struct {
	SOCKS5    SOCKS5Config    `yaml:"socks5"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SOCKS5Config defines the TCP listener and protocol settings.
type SOCKS5Config struct {
	Address          string        `yaml:"address"`
	MaxConnections   int           `yaml:"max_connections"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// MaxDatagram caps relayed UDP payloads. Accepts humanized sizes
	// ("4 KiB", "2048B"); capped at 4096 bytes.
	MaxDatagram string `yaml:"max_datagram,omitempty"`

	Auth     AuthConfig     `yaml:"auth"`
	Commands CommandsConfig `yaml:"commands"`
}

// AuthConfig defines SOCKS5 authentication settings.
type AuthConfig struct {
	Enabled bool `yaml:"enabled"`
	// Required refuses clients that cannot do username/password. It is only
	// valid together with Enabled, and Enabled alone already refuses such
	// clients: there is no fallback to no-auth when Required is false.
	Required bool         `yaml:"required"`
	Users    []UserConfig `yaml:"users"`
}

// UserConfig defines a SOCKS5 user.
type UserConfig struct {
	Username string `yaml:"username"`
	// Password is the plaintext password (deprecated, use PasswordHash).
	Password string `yaml:"password,omitempty"`
	// PasswordHash is the bcrypt hash of the password (recommended).
	// Generate with: tourniquet hash-password
	PasswordHash string `yaml:"password_hash,omitempty"`
}

// CommandsConfig toggles the three SOCKS5 commands. A disabled command is
// answered with "command not supported".
type CommandsConfig struct {
	Connect   bool `yaml:"connect"`
	Bind      bool `yaml:"bind"`
	Associate bool `yaml:"associate"`
}

// WebSocketConfig defines the optional WebSocket listener.
type WebSocketConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
	// PlainText runs the listener without TLS, for reverse proxy setups.
	PlainText bool   `yaml:"plain_text"`
	CertFile  string `yaml:"cert_file,omitempty"`
	KeyFile   string `yaml:"key_file,omitempty"`
	// BasicAuth gates the upgrade behind the SOCKS5 user list.
	BasicAuth bool `yaml:"basic_auth"`
}

// MetricsConfig defines the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig defines log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns sensible defaults: tunnel all three commands on
// localhost without authentication.
func DefaultConfig() Config {
	return Config{
		SOCKS5: SOCKS5Config{
			Address:          "127.0.0.1:1080",
			MaxConnections:   1000,
			HandshakeTimeout: 30 * time.Second,
			Commands:         CommandsConfig{Connect: true, Bind: true, Associate: true},
		},
		WebSocket: WebSocketConfig{
			Address: "127.0.0.1:8443",
			Path:    "/socks5",
		},
		Metrics: MetricsConfig{
			Address: "127.0.0.1:9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and validates a config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.SOCKS5.Address == "" {
		return fmt.Errorf("socks5.address is required")
	}
	if _, _, err := net.SplitHostPort(c.SOCKS5.Address); err != nil {
		return fmt.Errorf("socks5.address: %w", err)
	}
	if c.SOCKS5.MaxConnections < 0 {
		return fmt.Errorf("socks5.max_connections must not be negative")
	}

	if c.SOCKS5.MaxDatagram != "" {
		size, err := c.MaxDatagramBytes()
		if err != nil {
			return err
		}
		if size == 0 {
			return fmt.Errorf("socks5.max_datagram must not be zero")
		}
	}

	if c.SOCKS5.Auth.Enabled && len(c.SOCKS5.Auth.Users) == 0 {
		return fmt.Errorf("socks5.auth.enabled requires at least one user")
	}
	for i, u := range c.SOCKS5.Auth.Users {
		if u.Username == "" {
			return fmt.Errorf("socks5.auth.users[%d]: username is required", i)
		}
		if u.Password == "" && u.PasswordHash == "" {
			return fmt.Errorf("socks5.auth.users[%d]: password or password_hash is required", i)
		}
	}
	if c.SOCKS5.Auth.Required && !c.SOCKS5.Auth.Enabled {
		return fmt.Errorf("socks5.auth.required needs socks5.auth.enabled")
	}

	if c.WebSocket.Enabled {
		if _, _, err := net.SplitHostPort(c.WebSocket.Address); err != nil {
			return fmt.Errorf("websocket.address: %w", err)
		}
		if !c.WebSocket.PlainText && (c.WebSocket.CertFile == "" || c.WebSocket.KeyFile == "") {
			return fmt.Errorf("websocket needs cert_file and key_file, or plain_text: true")
		}
	}

	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Address); err != nil {
			return fmt.Errorf("metrics.address: %w", err)
		}
	}

	return nil
}

// MaxDatagramBytes parses the humanized datagram cap, clamped to the
// protocol ceiling. Zero means "use the default".
func (c *Config) MaxDatagramBytes() (int, error) {
	if c.SOCKS5.MaxDatagram == "" {
		return 0, nil
	}
	size, err := humanize.ParseBytes(c.SOCKS5.MaxDatagram)
	if err != nil {
		return 0, fmt.Errorf("socks5.max_datagram: %w", err)
	}
	if size > maxDatagramCeiling {
		size = maxDatagramCeiling
	}
	return int(size), nil
}

// CredentialStore builds the credential store from the user list. Hashed
// passwords win when both forms are present; a store mixing both forms
// checks each user with its own form.
func (c *Config) CredentialStore() socks5.CredentialStore {
	hashed := make(socks5.HashedCredentials)
	static := make(socks5.StaticCredentials)
	for _, u := range c.SOCKS5.Auth.Users {
		if u.PasswordHash != "" {
			hashed[u.Username] = u.PasswordHash
		} else {
			static[u.Username] = u.Password
		}
	}

	switch {
	case len(hashed) > 0 && len(static) > 0:
		return mixedStore{hashed: hashed, static: static}
	case len(hashed) > 0:
		return hashed
	default:
		return static
	}
}

type mixedStore struct {
	hashed socks5.HashedCredentials
	static socks5.StaticCredentials
}

func (m mixedStore) Valid(username, password string) bool {
	if _, ok := m.hashed[username]; ok {
		return m.hashed.Valid(username, password)
	}
	return m.static.Valid(username, password)
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// WriteFile writes the config to disk with restrictive permissions; it may
// carry credentials.
func (c *Config) WriteFile(path string) error {
	data, err := c.Marshal()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
