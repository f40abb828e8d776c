// Package config handles clanker-spanker's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ANonABento/clanker-spanker/paths"
)

// Defaults applied when the config file omits monitor settings.
const (
	DefaultMaxIterations   = 10
	DefaultIntervalMinutes = 15
	DefaultAPIAddr         = "127.0.0.1:7890"
	DefaultSinkCapacity    = 500
)

// Config holds the application configuration.
type Config struct {
	// Repos lists local clone paths used to resolve a working directory
	// for a monitored repository.
	Repos []string `yaml:"repos"`

	// MaxIterations is the default iteration budget for new monitors.
	MaxIterations int `yaml:"max_iterations,omitempty"`

	// IntervalMinutes is the default sleep between iterations for new monitors.
	IntervalMinutes int `yaml:"interval_minutes,omitempty"`

	// LoopCommand overrides the control-loop program the supervisor spawns.
	// Empty means "clanker-loop" resolved from PATH or the daemon's own directory.
	LoopCommand string `yaml:"loop_command,omitempty"`

	// APIAddr is the listen address for the HTTP command surface.
	APIAddr string `yaml:"api_addr,omitempty"`

	// SinkCapacity bounds the per-monitor output ring buffer.
	SinkCapacity int `yaml:"sink_capacity,omitempty"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug,omitempty"`

	mu       sync.RWMutex
	filePath string
}

// Load reads the config from disk, or creates a new one if it doesn't exist.
func Load() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the config from an explicit path (for testing).
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{
		Repos:    []string{},
		filePath: path,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.applyDefaults()
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults fills in zero-valued settings. Called during single-threaded
// initialization only.
func (c *Config) applyDefaults() {
	if c.Repos == nil {
		c.Repos = []string{}
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.IntervalMinutes == 0 {
		c.IntervalMinutes = DefaultIntervalMinutes
	}
	if c.APIAddr == "" {
		c.APIAddr = DefaultAPIAddr
	}
	if c.SinkCapacity == 0 {
		c.SinkCapacity = DefaultSinkCapacity
	}
}

// Validate checks that the config is internally consistent.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be positive, got %d", c.MaxIterations)
	}
	if c.IntervalMinutes < 1 {
		return fmt.Errorf("interval_minutes must be positive, got %d", c.IntervalMinutes)
	}
	if c.SinkCapacity < 1 {
		return fmt.Errorf("sink_capacity must be positive, got %d", c.SinkCapacity)
	}
	seen := make(map[string]bool)
	for _, repo := range c.Repos {
		if repo == "" {
			return fmt.Errorf("empty repo path in config")
		}
		if seen[repo] {
			return fmt.Errorf("duplicate repo path: %s", repo)
		}
		seen[repo] = true
	}
	return nil
}

// Save writes the config to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}

	return os.WriteFile(c.filePath, data, 0644)
}

// GetRepos returns a copy of the configured repo clone paths.
func (c *Config) GetRepos() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	repos := make([]string, len(c.Repos))
	copy(repos, c.Repos)
	return repos
}

// AddRepo appends a repo clone path if not already present.
// Returns true if the path was added.
func (c *Config) AddRepo(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.Repos {
		if r == path {
			return false
		}
	}
	c.Repos = append(c.Repos, path)
	return true
}
