// Package config loads and watches the Aegis YAML configuration. Values
// support ${VAR} and ${VAR:-default} substitution from the environment, and
// a small set of well-known environment variables override their config
// fields after parsing.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader owns the parsed configuration and its file watcher.
type Loader struct {
	mu       sync.RWMutex
	cfg      *Config
	filePath string

	watcher   *fsnotify.Watcher
	watchDone chan struct{}
	logger    *slog.Logger
}

// NewLoader creates a loader holding the default configuration.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		cfg:    DefaultConfig(),
		logger: logger.With("component", "config.Loader"),
	}
}

// Get returns the current configuration snapshot.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// FilePath returns the path of the last loaded file, or "" before Load.
func (l *Loader) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.filePath
}

// Load reads, substitutes, parses, and validates the given YAML file, then
// applies environment overrides on top.
func (l *Loader) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(substituteEnvVars(string(data))), cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}

	l.mu.Lock()
	l.cfg = cfg
	l.filePath = path
	l.mu.Unlock()

	l.logger.Info("configuration loaded", "path", path, "environment", cfg.Environment)
	return nil
}

// Reload re-reads the previously loaded file.
func (l *Loader) Reload() error {
	path := l.FilePath()
	if path == "" {
		return fmt.Errorf("no config file loaded")
	}
	return l.Load(path)
}

// Validate rejects configurations unsafe to run.
func (c *Config) Validate() error {
	switch c.Environment {
	case "development", "production":
	default:
		return fmt.Errorf("environment must be development or production, got %q", c.Environment)
	}
	if c.Environment == "production" && len(c.Security.SecretKey) < 32 {
		return fmt.Errorf("security.secret_key must be at least 32 characters in production")
	}
	if c.Security.AIThreshold < 0 || c.Security.AIThreshold > 1 {
		return fmt.Errorf("security.ai_threshold must be in [0, 1], got %v", c.Security.AIThreshold)
	}
	switch c.Security.ConflictStrategy {
	case "priority", "strict", "permissive", "consensus":
	default:
		return fmt.Errorf("unknown conflict strategy %q", c.Security.ConflictStrategy)
	}
	for name, spec := range c.Servers {
		if spec.Command == "" {
			return fmt.Errorf("mcpServers.%s: command is required", name)
		}
	}
	for i, p := range c.Policies {
		if p.Name == "" || p.Body == "" {
			return fmt.Errorf("policies[%d]: name and body are required", i)
		}
	}
	return nil
}

// envVarRE matches ${VAR} and ${VAR:-default}.
var envVarRE = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// substituteEnvVars expands ${VAR} placeholders in the raw YAML text.
// Undefined variables without a default become empty strings.
func substituteEnvVars(s string) string {
	return envVarRE.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarRE.FindStringSubmatch(match)
		if v, ok := os.LookupEnv(groups[1]); ok {
			return v
		}
		return groups[2]
	})
}

// applyEnvOverrides layers well-known environment variables over the parsed
// config. API keys deliberately live in the environment, not the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if cfg.LLM.APIKey == "" {
		switch cfg.LLM.Provider {
		case "anthropic":
			cfg.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		default:
			cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AEGIS_AI_THRESHOLD"); v != "" {
		if t, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Security.AIThreshold = t
		}
	}
}

// Watch starts an fsnotify watcher on the loaded config file. On write or
// create the file is reloaded and onReload invoked with the fresh config;
// a reload that fails validation keeps the previous config.
func (l *Loader) Watch(onReload func(*Config)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.filePath == "" {
		return fmt.Errorf("no config file loaded")
	}
	if l.watcher != nil {
		l.stopWatchLocked()
	}

	absPath, err := filepath.Abs(l.filePath)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory to catch editor rename-and-replace saves.
	if err := w.Add(filepath.Dir(absPath)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(absPath), err)
	}

	l.watcher = w
	l.watchDone = make(chan struct{})
	go l.watchLoop(w, absPath, onReload)

	l.logger.Info("watching config for changes", "path", absPath)
	return nil
}

func (l *Loader) watchLoop(w *fsnotify.Watcher, targetPath string, onReload func(*Config)) {
	defer close(l.watchDone)
	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			absEvent, _ := filepath.Abs(event.Name)
			if absEvent != targetPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := l.Reload(); err != nil {
					l.logger.Error("config reload failed, keeping previous", "error", err)
					continue
				}
				if onReload != nil {
					onReload(l.Get())
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error("config watcher error", "error", err)
		}
	}
}

// StopWatch stops the config watcher, if running.
func (l *Loader) StopWatch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopWatchLocked()
}

func (l *Loader) stopWatchLocked() {
	if l.watcher != nil {
		_ = l.watcher.Close()
		if l.watchDone != nil {
			<-l.watchDone
		}
		l.watcher = nil
		l.watchDone = nil
	}
}

// GenerateDefault writes a starter configuration file.
func GenerateDefault(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
