package config

import (
	"fmt"
	"net"
	"strings"

	"solprism/internal/pda"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for i := range e {
		msgs = append(msgs, e[i].Error())
	}
	return strings.Join(msgs, "; ")
}

// Has reports whether any error concerns field.
func (e ValidationErrors) Has(field string) bool {
	for _, v := range e {
		if v.Field == field {
			return true
		}
	}
	return false
}

// ValidateConfig checks every section and returns all problems found.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Version < 1 || c.Version > Version {
		add("version", "unsupported version %d (current: %d)", c.Version, Version)
	}

	if _, err := pda.ParsePubkey(c.Program.ID); err != nil {
		add("program.id", "not a base58 public key: %q", c.Program.ID)
	}

	switch strings.ToLower(c.Storage.Type) {
	case "sqlite":
		if c.Storage.Path == "" {
			add("storage.path", "required for sqlite storage")
		}
	case "memory":
	default:
		add("storage.type", "must be sqlite or memory, got %q", c.Storage.Type)
	}
	if c.Storage.EventBuffer < 1 {
		add("storage.event_buffer", "must be positive")
	}

	if c.IPC.Enabled {
		if c.IPC.SocketPath == "" {
			add("ipc.socket_path", "required when ipc is enabled")
		}
		if c.IPC.MaxConnections < 1 {
			add("ipc.max_connections", "must be positive")
		}
		if c.IPC.TimeoutSec < 1 {
			add("ipc.timeout_sec", "must be positive")
		}
	}

	if c.API.Enabled {
		if _, _, err := net.SplitHostPort(c.API.Listen); err != nil {
			add("api.listen", "invalid address %q", c.API.Listen)
		}
		if c.API.SubmitRate <= 0 {
			add("api.submit_rate", "must be positive")
		}
		if c.API.SubmitBurst < 1 {
			add("api.submit_burst", "must be at least 1")
		}
	}
	if !c.IPC.Enabled && !c.API.Enabled {
		add("api.enabled", "at least one of ipc or api must be enabled")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level", "unknown level %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		add("logging.format", "must be text or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Output {
	case "stdout", "stderr":
	case "file", "both":
		if c.Logging.FilePath == "" {
			add("logging.file_path", "required for file output")
		}
		if c.Logging.MaxSizeMB < 1 {
			add("logging.max_size_mb", "must be positive")
		}
		if c.Logging.MaxBackups < 0 {
			add("logging.max_backups", "must not be negative")
		}
	default:
		add("logging.output", "must be stdout, stderr, file or both, got %q", c.Logging.Output)
	}

	if c.Metrics.Enabled && !c.API.Enabled {
		add("metrics.enabled", "metrics are served by the api server, which is disabled")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
