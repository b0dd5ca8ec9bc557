package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

const reloadDebounce = 100 * time.Millisecond

// Loader handles configuration loading, watching, and hot-reloading.
type Loader struct {
	path     string
	config   *Config
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	onChange []func(old, new *Config)
	ctx      context.Context
	cancel   context.CancelFunc
	errChan  chan error
	done     chan struct{}
}

// NewLoader creates a new configuration loader.
func NewLoader(path string) *Loader {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		path:    path,
		errChan: make(chan error, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Path returns the watched file.
func (l *Loader) Path() string { return l.path }

// Load reads, overrides and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg, err := loadConfigFromFile(l.path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	l.mu.Lock()
	l.config = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// Watch starts watching the configuration file. Editors often replace the
// file, so the containing directory is watched and events are filtered
// by name.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	l.watcher = watcher
	l.done = make(chan struct{})
	go l.watchLoop()
	return nil
}

func (l *Loader) watchLoop() {
	defer close(l.done)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-l.ctx.Done():
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(l.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, l.reload)

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.reportError(err)
		}
	}
}

// Reload re-reads the file immediately. An invalid file leaves the
// current configuration in place.
func (l *Loader) Reload() error {
	newCfg, err := loadConfigFromFile(l.path)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	newCfg.ApplyEnvOverrides()
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("validate new config: %w", err)
	}

	l.mu.Lock()
	old := l.config
	l.config = newCfg
	callbacks := append([]func(old, new *Config){}, l.onChange...)
	l.mu.Unlock()

	for _, cb := range callbacks {
		cb(old, newCfg)
	}
	return nil
}

func (l *Loader) reload() {
	if l.ctx.Err() != nil {
		return
	}
	if err := l.Reload(); err != nil {
		l.reportError(err)
	}
}

func (l *Loader) reportError(err error) {
	select {
	case l.errChan <- err:
	default:
	}
}

// OnChange registers a callback invoked after every successful reload.
func (l *Loader) OnChange(cb func(old, new *Config)) {
	l.mu.Lock()
	l.onChange = append(l.onChange, cb)
	l.mu.Unlock()
}

// Errors returns a channel for receiving errors that occur during watching.
func (l *Loader) Errors() <-chan error {
	return l.errChan
}

// Close stops the watcher and releases resources.
func (l *Loader) Close() error {
	l.cancel()
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	<-l.done
	return err
}

// loadConfigFromFile reads and parses a config file based on its extension.
func loadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := decode(filepath.Ext(path), data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode parses data in the given format ("toml", "json", "jsonc", "yaml")
// on top of the defaults.
func Decode(format string, data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := decode("."+strings.TrimPrefix(format, "."), data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(ext string, data []byte, cfg *Config) error {
	switch strings.ToLower(ext) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
	case ".json", ".jsonc":
		if err := decodeJSON(jsonc.ToJSON(data), cfg); err != nil {
			return fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	default:
		return autoDetectAndParse(data, cfg)
	}
	return nil
}

func decodeJSON(data []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

// autoDetectAndParse tries JSON when the content looks like an object,
// then TOML, then YAML.
func autoDetectAndParse(data []byte, cfg *Config) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := decodeJSON(jsonc.ToJSON(trimmed), cfg); err == nil {
			return nil
		}
	}
	if _, err := toml.Decode(string(data), cfg); err == nil {
		return nil
	}
	fresh := DefaultConfig()
	if err := yaml.Unmarshal(data, fresh); err == nil {
		*cfg = *fresh
		return nil
	}
	return fmt.Errorf("decode config: unrecognised format")
}

// Save writes cfg as TOML.
func Save(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# solprismd configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encode TOML: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0600)
}
