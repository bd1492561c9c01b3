// Package config loads the engine's YAML configuration, mirroring the
// namespaced keys of spec §6 (git.*, main_app.*, reviewboard.*, web_hooks.*).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Git holds source-control and working-copy configuration.
type Git struct {
	MainRepository          string   `yaml:"main_repository"`
	LocalRepoPath            string   `yaml:"local_repo_path"`
	LocalMirror              string   `yaml:"local_mirror"`
	UseLocalMirror           bool     `yaml:"use_local_mirror"`
	Scheme                   string   `yaml:"scheme"`
	Servername               string   `yaml:"servername"`
	Port                     string   `yaml:"port"`
	Auth                     string   `yaml:"auth"`
	DevRepositoriesDir       string   `yaml:"dev_repositories_dir"`
	ConflictThreads          int      `yaml:"conflict-threads"`
	ExcludeFromVerification  []string `yaml:"exclude_from_verification"`
}

// MainApp holds settings about the front-end application this engine serves.
type MainApp struct {
	Debug      bool   `yaml:"debug"`
	Servername string `yaml:"servername"`
	Port       string `yaml:"port"`
}

// ReviewBoard holds the review-tool link-out configuration.
type ReviewBoard struct {
	Servername string `yaml:"servername"`
}

// WebHooks holds outbound webhook delivery configuration.
type WebHooks struct {
	PostURL string `yaml:"post_url"`
}

// Database holds the Postgres connection string for the store gateway.
type Database struct {
	DSN string `yaml:"dsn"`
}

// Config is the root configuration document.
type Config struct {
	Git         Git         `yaml:"git"`
	MainApp     MainApp     `yaml:"main_app"`
	ReviewBoard ReviewBoard `yaml:"reviewboard"`
	WebHooks    WebHooks    `yaml:"web_hooks"`
	Database    Database    `yaml:"database"`
}

// Load reads and parses the engine configuration from path, applying
// defaults afterward.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches standard locations for a config file and loads the
// first one found.
func LoadDefault() (*Config, error) {
	candidates := []string{"pushmanager.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".pushmanager", "config.yaml"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return nil, fmt.Errorf("no pushmanager config found (searched: %v)", candidates)
}

func applyDefaults(cfg *Config) {
	if cfg.Git.ConflictThreads == 0 {
		cfg.Git.ConflictThreads = 4
	}
	if cfg.Git.Scheme == "" {
		cfg.Git.Scheme = "https"
	}
}
