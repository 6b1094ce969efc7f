package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server     ServerSection     `toml:"server"`
	Limits     LimitsSection     `toml:"limits"`
	Announcers AnnouncersSection `toml:"announcers"`
	Logging    LoggingSection    `toml:"logging"`
}

type ServerSection struct {
	Host         string `toml:"host"`
	TCPPort      int    `toml:"tcp_port"`
	SSHPort      int    `toml:"ssh_port"`
	HTTPPort     int    `toml:"http_port"`
	MetricsPort  int    `toml:"metrics_port"`
	SSHHostKey   string `toml:"ssh_host_key"`
	DatabasePath string `toml:"database_path"`
}

type LimitsSection struct {
	MaxLineLength       int `toml:"max_line_length"`
	WriteTimeoutSeconds int `toml:"write_timeout_seconds"`
	AuditQueueSize      int `toml:"audit_queue_size"`
}

type AnnouncersSection struct {
	MembersIntervalSeconds  int `toml:"members_interval_seconds"`
	RequestsIntervalSeconds int `toml:"requests_interval_seconds"`
}

type LoggingSection struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:      1024,
			SSHPort:      1025,
			HTTPPort:     8080,
			MetricsPort:  9090,
			SSHHostKey:   "~/.warroom/ssh_host_key",
			DatabasePath: "~/.warroom/warroom.db",
		},
		Limits: LimitsSection{
			MaxLineLength:       4096,
			WriteTimeoutSeconds: 10,
			AuditQueueSize:      1024,
		},
		Announcers: AnnouncersSection{
			MembersIntervalSeconds:  30,
			RequestsIntervalSeconds: 60,
		},
		Logging: LoggingSection{
			Level:  "info",
			Format: "console",
		},
	}
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path); err != nil {
			// Unwritable location: run on defaults
			logger.Warn().Err(err).Str("path", path).Msg("could not write default config")
		}
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: WARROOM_SECTION_KEY
// Example: WARROOM_SERVER_TCP_PORT=2024
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	envString("WARROOM_SERVER_HOST", &config.Server.Host)
	envInt("WARROOM_SERVER_TCP_PORT", &config.Server.TCPPort)
	envInt("WARROOM_SERVER_SSH_PORT", &config.Server.SSHPort)
	envInt("WARROOM_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt("WARROOM_SERVER_METRICS_PORT", &config.Server.MetricsPort)
	envString("WARROOM_SERVER_SSH_HOST_KEY", &config.Server.SSHHostKey)
	envString("WARROOM_SERVER_DATABASE_PATH", &config.Server.DatabasePath)

	envInt("WARROOM_LIMITS_MAX_LINE_LENGTH", &config.Limits.MaxLineLength)
	envInt("WARROOM_LIMITS_WRITE_TIMEOUT_SECONDS", &config.Limits.WriteTimeoutSeconds)
	envInt("WARROOM_LIMITS_AUDIT_QUEUE_SIZE", &config.Limits.AuditQueueSize)

	envInt("WARROOM_ANNOUNCERS_MEMBERS_INTERVAL_SECONDS", &config.Announcers.MembersIntervalSeconds)
	envInt("WARROOM_ANNOUNCERS_REQUESTS_INTERVAL_SECONDS", &config.Announcers.RequestsIntervalSeconds)

	envString("WARROOM_LOGGING_LEVEL", &config.Logging.Level)
	envString("WARROOM_LOGGING_FORMAT", &config.Logging.Format)

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# Warroom Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# WARROOM_SECTION_KEY (e.g., WARROOM_SERVER_TCP_PORT=2024)

[server]
# Interface to bind (empty = all interfaces)
# host = "127.0.0.1"

# Port for plain TCP line connections
tcp_port = 1024

# Port for SSH connections (-1 to disable)
ssh_port = 1025

# Port for the public HTTP server (/ws endpoint, -1 to disable)
http_port = 8080

# Port for the internal metrics server (/metrics, /health, -1 to disable)
metrics_port = 9090

# Path to SSH host key file (generated on first start)
ssh_host_key = "~/.warroom/ssh_host_key"

# Path to SQLite database file (":memory:" keeps accounts in memory)
database_path = "~/.warroom/warroom.db"

[limits]
# Longest accepted command line in bytes
max_line_length = 4096

# Seconds a write to one client may block before that client is dropped
write_timeout_seconds = 10

# Audit events buffered before new ones are dropped
audit_queue_size = 1024

[announcers]
# How often Generals are told the number of active members
members_interval_seconds = 30

# How often everyone is told the request counters (must be longer)
requests_interval_seconds = 60

[logging]
# debug, info, warn, error
level = "info"

# console or json
format = "console"
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Server.Host) != "" {
		cfg.Host = c.Server.Host
	}
	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	if c.Server.SSHPort != 0 {
		cfg.SSHPort = c.Server.SSHPort
	}
	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if c.Server.MetricsPort != 0 {
		cfg.MetricsPort = c.Server.MetricsPort
	}
	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}
	if c.Limits.MaxLineLength != 0 {
		cfg.MaxLineLength = c.Limits.MaxLineLength
	}
	if c.Limits.WriteTimeoutSeconds != 0 {
		cfg.WriteTimeout = time.Duration(c.Limits.WriteTimeoutSeconds) * time.Second
	}
	if c.Announcers.MembersIntervalSeconds != 0 {
		cfg.MembersInterval = time.Duration(c.Announcers.MembersIntervalSeconds) * time.Second
	}
	if c.Announcers.RequestsIntervalSeconds != 0 {
		cfg.RequestsInterval = time.Duration(c.Announcers.RequestsIntervalSeconds) * time.Second
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Server.DatabasePath)
}
