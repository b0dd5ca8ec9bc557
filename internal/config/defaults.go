package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// DefaultProgramID is the program id used when none is configured.
const DefaultProgramID = "EXrW7f72Ymayz9yR2oWrNxNMV6PbMvCjPUL53kgdp6hE"

// DataDir returns the platform data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/solprism/
//   - Linux:   $XDG_DATA_HOME/solprism/ or ~/.local/share/solprism/
//   - Windows: %APPDATA%\solprism\
//
// SOLPRISM_HOME overrides all of them.
func DataDir() string {
	if v := os.Getenv(EnvPrefix + "HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "solprism")
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "solprism")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "solprism")
		}
		return filepath.Join(home, "AppData", "Roaming", "solprism")
	case "linux":
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "solprism")
		}
		return filepath.Join(home, ".local", "share", "solprism")
	default:
		return filepath.Join(home, ".solprism")
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	if found := FindConfigFile(); found != "" {
		return found
	}
	return filepath.Join(DataDir(), "config.toml")
}

// SupportedConfigFormats lists the recognised config file extensions.
func SupportedConfigFormats() []string {
	return []string{".toml", ".json", ".jsonc", ".yaml", ".yml"}
}

// FindConfigFile returns the first existing config.<ext> in the data
// directory, or "".
func FindConfigFile() string {
	dir := DataDir()
	for _, ext := range SupportedConfigFormats() {
		p := filepath.Join(dir, "config"+ext)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// defaultSocketPath prefers $XDG_RUNTIME_DIR so the socket does not
// outlive the session.
func defaultSocketPath(dataDir string) string {
	if runtime.GOOS == "linux" {
		if rt := os.Getenv("XDG_RUNTIME_DIR"); rt != "" {
			return filepath.Join(rt, "solprism", "solprismd.sock")
		}
	}
	if runtime.GOOS == "windows" {
		return filepath.Join(dataDir, "solprismd.sock")
	}
	// unix socket paths are limited to ~104 bytes on darwin
	p := filepath.Join(dataDir, "solprismd.sock")
	if len(p) > 100 {
		return filepath.Join(os.TempDir(), fmt.Sprintf("solprism-%d", os.Getuid()), "solprismd.sock")
	}
	return p
}
