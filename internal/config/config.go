// Package config handles configuration loading, validation, and management for solprismd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Version is the current configuration schema version.
const Version = 1

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SOLPRISM_"

// Config holds the complete daemon configuration.
type Config struct {
	Version int `toml:"version" json:"version" yaml:"version"`

	// Program identifies the ledger program that owns every account.
	Program ProgramConfig `toml:"program" json:"program" yaml:"program"`

	// Storage configuration for the account store and journal.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Signing configuration for the CLI and SDK.
	Signing SigningConfig `toml:"signing" json:"signing" yaml:"signing"`

	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// API configuration for the HTTP read/submit surface.
	API APIConfig `toml:"api" json:"api" yaml:"api"`

	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`
}

// ProgramConfig holds the program identity.
type ProgramConfig struct {
	// ID is the base58 program id used for address derivation.
	ID string `toml:"id" json:"id" yaml:"id"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Type is "sqlite" or "memory".
	Type string `toml:"type" json:"type" yaml:"type"`

	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// EventBuffer is the per-subscriber event queue length.
	EventBuffer int `toml:"event_buffer" json:"event_buffer" yaml:"event_buffer"`
}

// SigningConfig holds key configuration.
type SigningConfig struct {
	// KeyPath is the authority private key (raw seed or OpenSSH).
	KeyPath string `toml:"key_path" json:"key_path" yaml:"key_path"`
}

// IPCConfig holds the unix socket configuration.
type IPCConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// MaxConnections caps concurrent clients.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// TimeoutSec is the per-request read/write deadline.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// APIConfig holds the HTTP server configuration.
type APIConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Listen  string `toml:"listen" json:"listen" yaml:"listen"`

	// SubmitRate is the sustained transactions per second allowed per client.
	SubmitRate float64 `toml:"submit_rate" json:"submit_rate" yaml:"submit_rate"`

	// SubmitBurst is the token bucket size for SubmitRate.
	SubmitBurst int `toml:"submit_burst" json:"submit_burst" yaml:"submit_burst"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is text or json.
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is stdout, stderr, file or both.
	Output string `toml:"output" json:"output" yaml:"output"`

	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int64  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// MetricsConfig holds metrics exposition configuration.
type MetricsConfig struct {
	// Enabled mounts /metrics on the API server.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()
	return &Config{
		Version: Version,
		Program: ProgramConfig{
			ID: DefaultProgramID,
		},
		Storage: StorageConfig{
			Type:        "sqlite",
			Path:        filepath.Join(dir, "ledger.db"),
			EventBuffer: 256,
		},
		Signing: SigningConfig{
			KeyPath: filepath.Join(dir, "signing_key"),
		},
		IPC: IPCConfig{
			Enabled:        true,
			SocketPath:     defaultSocketPath(dir),
			MaxConnections: 64,
			TimeoutSec:     30,
		},
		API: APIConfig{
			Enabled:     true,
			Listen:      "127.0.0.1:8787",
			SubmitRate:  20,
			SubmitBurst: 40,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "logs", "solprismd.log"),
			MaxSizeMB:  50,
			MaxBackups: 5,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads configuration from path. A missing file yields the defaults.
// The format follows the extension; unknown extensions are tried as TOML.
// Environment overrides are applied last.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// Clone returns a deep copy. Config holds no reference types.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

// ApplyEnvOverrides applies SOLPRISM_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("PROGRAM_ID", &c.Program.ID)
	str("STORAGE_TYPE", &c.Storage.Type)
	str("STORAGE_PATH", &c.Storage.Path)
	str("KEY_PATH", &c.Signing.KeyPath)
	boolean("IPC_ENABLED", &c.IPC.Enabled)
	str("SOCKET_PATH", &c.IPC.SocketPath)
	boolean("API_ENABLED", &c.API.Enabled)
	str("API_LISTEN", &c.API.Listen)
	integer("API_SUBMIT_BURST", &c.API.SubmitBurst)
	if v, ok := os.LookupEnv(EnvPrefix + "API_SUBMIT_RATE"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.API.SubmitRate = f
		}
	}
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("LOG_OUTPUT", &c.Logging.Output)
	str("LOG_FILE", &c.Logging.FilePath)
	boolean("METRICS_ENABLED", &c.Metrics.Enabled)
}

// EnsureDirectories creates the directories the configured paths live in.
func (c *Config) EnsureDirectories() error {
	var dirs []string
	if strings.EqualFold(c.Storage.Type, "sqlite") && c.Storage.Path != "" {
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}
	if c.IPC.Enabled && c.IPC.SocketPath != "" {
		dirs = append(dirs, filepath.Dir(c.IPC.SocketPath))
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}
