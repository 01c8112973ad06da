package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Service owns the live configuration. Reads return a snapshot pointer;
// updates rewrite the file atomically and notify watchers so the next turn
// sees the change.
type Service struct {
	mu   sync.RWMutex
	path string
	cfg  *Config

	watcher   *fsnotify.Watcher
	listeners []func(*Config)
}

// NewService loads the config at path and returns a service around it.
func NewService(path string) (*Service, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Service{path: path, cfg: cfg}, nil
}

// Get returns the current config. Callers must not mutate it.
func (s *Service) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// OnChange registers a callback invoked after every reload or update.
func (s *Service) OnChange(fn func(*Config)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Update applies patch to a deep copy of the config, persists it, and swaps
// it in. Secrets (env-only fields) survive because the overlay reapplies.
func (s *Service) Update(patch func(*Config)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := cloneConfig(s.cfg)
	if err != nil {
		return err
	}
	patch(next)

	if err := s.persist(next); err != nil {
		return err
	}
	next.applyEnvOverrides()
	s.cfg = next
	for _, fn := range s.listeners {
		go fn(next)
	}
	return nil
}

func cloneConfig(cfg *Config) (*Config, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: clone: %w", err)
	}
	next := &Config{}
	if err := json.Unmarshal(data, next); err != nil {
		return nil, fmt.Errorf("config: clone: %w", err)
	}
	return next, nil
}

// persist writes the config atomically (temp file, then rename). Written as
// plain JSON, which is valid JSON5.
func (s *Service) persist(cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// Watch reloads the config when the file changes on disk. Safe to call once;
// stops when Close is called.
func (s *Service) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watcher: %w", err)
	}
	// Watch the directory: editors replace files by rename, which drops
	// watches on the file itself.
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		w.Close()
		return fmt.Errorf("config: watch %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.watcher = w
	s.mu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != s.path {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				s.reload()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (s *Service) reload() {
	cfg, err := Load(s.path)
	if err != nil {
		slog.Warn("config reload failed, keeping previous", "path", s.path, "error", err)
		return
	}
	s.mu.Lock()
	s.cfg = cfg
	listeners := s.listeners
	s.mu.Unlock()

	slog.Info("config reloaded", "path", s.path)
	for _, fn := range listeners {
		go fn(cfg)
	}
}

// Close stops the watcher.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// Agent resolves the named agent's option tree with its preset expanded.
// Returns false for unknown or disabled agents.
func (s *Service) Agent(name string) (AgentConfig, bool) {
	cfg := s.Get()
	agent, ok := cfg.Agents[name]
	if !ok {
		// Built-in presets double as agents when not configured.
		if _, builtin := presets[name]; !builtin {
			return AgentConfig{}, false
		}
		agent = AgentConfig{Preset: name}
	}
	if agent.Disable {
		return AgentConfig{}, false
	}
	return ExpandPreset(agent), true
}

// RecordApproval persists an "always" permission response into the config
// file. Type-specific shape: edit/webfetch-like types collapse to "allow";
// bash and network store per-pattern maps.
func (s *Service) RecordApproval(permType string, keys []string) error {
	return s.Update(func(cfg *Config) {
		switch permType {
		case "edit":
			cfg.Permission.Edit = ActionAllow
		case "webfetch":
			cfg.Permission.Webfetch = ActionAllow
		case "websearch":
			cfg.Permission.Websearch = ActionAllow
		case "external_directory":
			cfg.Permission.ExternalDirectory = ActionAllow
		case "bash":
			if cfg.Permission.Bash == nil {
				cfg.Permission.Bash = BashPermission{}
			}
			for _, k := range keys {
				cfg.Permission.Bash[k] = ActionAllow
			}
		case "network":
			if cfg.Permission.Network == nil {
				cfg.Permission.Network = BashPermission{}
			}
			for _, k := range keys {
				cfg.Permission.Network[k] = ActionAllow
			}
		}
	})
}
