// Package config loads coordinator configuration from defaults, an
// optional YAML config file, and FOREMAN_* environment variables, in
// increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Coordinator   CoordinatorConfig   `mapstructure:"coordinator"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Collaborators CollaboratorsConfig `mapstructure:"collaborators"`
}

// DatabaseConfig locates the coordination database.
type DatabaseConfig struct {
	// Path is the SQLite file holding events, locks, chunks, tasks, and
	// progress. All coordinating processes must share it.
	Path string `mapstructure:"path"`
}

// CoordinatorConfig tunes the scheduling loop.
type CoordinatorConfig struct {
	// PollInterval is how often the coordinator recomputes chunk
	// availability and merge eligibility.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// WorkerConcurrency caps how many chunks are worked on at once.
	WorkerConcurrency int `mapstructure:"worker_concurrency"`
}

// RetryConfig tunes collaborator-call retries.
type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

// CollaboratorsConfig binds the opaque collaborator operations to
// external commands (JSON request on stdin, JSON response on stdout).
type CollaboratorsConfig struct {
	DecomposeCommand []string `mapstructure:"decompose_command"`
	GenerateCommand  []string `mapstructure:"generate_command"`
	OpenCommand      []string `mapstructure:"open_command"`
	CompleteCommand  []string `mapstructure:"complete_command"`
	WorkDir          string   `mapstructure:"work_dir"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: filepath.Join(dataDir(), "coordination.db"),
		},
		Coordinator: CoordinatorConfig{
			PollInterval:      5 * time.Second,
			WorkerConcurrency: 4,
		},
		Retry: RetryConfig{
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			MaxElapsedTime:  2 * time.Minute,
		},
	}
}

// Load reads configuration from the given file (optional, "" skips it),
// environment variables prefixed FOREMAN_, and defaults.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FOREMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDefault loads configuration from the conventional file location:
// $XDG_CONFIG_HOME/foreman/config.yaml (or ~/.config/foreman/config.yaml).
func LoadDefault() (*Config, error) {
	return Load(filepath.Join(configDir(), "config.yaml"))
}

// Validate rejects configurations the coordinator cannot run with.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.Coordinator.PollInterval <= 0 {
		return fmt.Errorf("coordinator.poll_interval must be positive")
	}
	if c.Coordinator.WorkerConcurrency <= 0 {
		return fmt.Errorf("coordinator.worker_concurrency must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("coordinator.poll_interval", d.Coordinator.PollInterval)
	v.SetDefault("coordinator.worker_concurrency", d.Coordinator.WorkerConcurrency)
	v.SetDefault("retry.initial_interval", d.Retry.InitialInterval)
	v.SetDefault("retry.max_interval", d.Retry.MaxInterval)
	v.SetDefault("retry.max_elapsed_time", d.Retry.MaxElapsedTime)
	// Empty defaults so AutomaticEnv can bind FOREMAN_COLLABORATORS_*;
	// viper only consults the environment for keys it knows about.
	v.SetDefault("collaborators.decompose_command", []string{})
	v.SetDefault("collaborators.generate_command", []string{})
	v.SetDefault("collaborators.open_command", []string{})
	v.SetDefault("collaborators.complete_command", []string{})
	v.SetDefault("collaborators.work_dir", "")
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "foreman")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".foreman"
	}
	return filepath.Join(home, ".config", "foreman")
}

func dataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".foreman"
	}
	return filepath.Join(home, ".foreman")
}
