// Package config loads promptkeep configuration from a JSON file with
// environment overrides applied on top.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/promptkeep/promptkeep/pkg/database"
	"github.com/promptkeep/promptkeep/pkg/hosting"
	"github.com/promptkeep/promptkeep/pkg/repos"
)

// Config represents the promptkeep configuration.
type Config struct {
	Storage  StorageConfig      `json:"storage"`
	Database database.Config    `json:"database"`
	Git      GitConfig          `json:"git"`
	Hosting  HostingConfig      `json:"hosting"`
	Retry    RetryConfig        `json:"retry"`
	Repos    []repos.RepoConfig `json:"repos"`
}

// StorageConfig decides where working copies live.
type StorageConfig struct {
	BasePath    string `json:"base_path" env:"PROMPTKEEP_BASE_PATH"`
	Multitenant bool   `json:"multitenant" env:"PROMPTKEEP_MULTITENANT"`
}

// GitConfig contains git settings.
type GitConfig struct {
	AuthorName     string `json:"author_name" env:"PROMPTKEEP_GIT_AUTHOR_NAME"`
	AuthorEmail    string `json:"author_email" env:"PROMPTKEEP_GIT_AUTHOR_EMAIL"`
	Remote         string `json:"remote"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// HostingConfig contains hosting provider settings.
type HostingConfig struct {
	BitbucketUsername string `json:"bitbucket_username" env:"PROMPTKEEP_BITBUCKET_USERNAME"`
	TimeoutSeconds    int    `json:"timeout_seconds"`
	MaxPages          int    `json:"max_pages"`
}

// RetryConfig tunes clone retry behavior. A zero cooldown retries failed
// clones on every request.
type RetryConfig struct {
	CloneCooldownSeconds int `json:"clone_cooldown_seconds" env:"PROMPTKEEP_CLONE_COOLDOWN_SECONDS"`
}

// Load loads configuration from a file, then applies environment overrides.
func Load(ctx context.Context, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	// Set defaults
	config.setDefaults()

	// Validate
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// LoadDefault attempts to load .promptkeep.json from current directory or home.
func LoadDefault(ctx context.Context) (*Config, error) {
	if path := findDefaultPath(); path != "" {
		return Load(ctx, path)
	}
	return nil, fmt.Errorf("no .promptkeep.json found in current directory or home")
}

// LoadOrDefault behaves like LoadDefault but falls back to the built-in
// defaults when no config file exists. A present but invalid file is still
// an error.
func LoadOrDefault(ctx context.Context) (*Config, error) {
	if path := findDefaultPath(); path != "" {
		return Load(ctx, path)
	}
	return Default(ctx)
}

// Default returns the built-in configuration with environment overrides
// applied.
func Default(ctx context.Context) (*Config, error) {
	var config Config
	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	config.setDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func findDefaultPath() string {
	// Try current directory
	if _, err := os.Stat(".promptkeep.json"); err == nil {
		return ".promptkeep.json"
	}

	// Try home directory
	home, err := os.UserHomeDir()
	if err == nil {
		homePath := filepath.Join(home, ".promptkeep.json")
		if _, err := os.Stat(homePath); err == nil {
			return homePath
		}
	}
	return ""
}

// setDefaults sets default values for configuration.
func (c *Config) setDefaults() {
	// Storage defaults
	if c.Storage.BasePath == "" {
		c.Storage.BasePath = repos.DefaultBasePath
	}

	// Database defaults. A connection URL alone selects postgres, so only
	// fall back to the sqlite default when neither is set.
	if c.Database.Driver == "" && c.Database.URL == "" {
		c.Database = *database.DefaultConfig()
	}

	// Git defaults
	if c.Git.Remote == "" {
		c.Git.Remote = "origin"
	}
	if c.Git.TimeoutSeconds == 0 {
		c.Git.TimeoutSeconds = 300
	}

	// Hosting defaults
	if c.Hosting.TimeoutSeconds == 0 {
		c.Hosting.TimeoutSeconds = 30
	}
	if c.Hosting.MaxPages == 0 {
		c.Hosting.MaxPages = 100
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "postgresql", "sqlite", "sqlite3", "":
	default:
		return fmt.Errorf("invalid database driver: %s (must be 'postgres' or 'sqlite')", c.Database.Driver)
	}

	if c.Retry.CloneCooldownSeconds < 0 {
		return fmt.Errorf("clone_cooldown_seconds must not be negative: %d", c.Retry.CloneCooldownSeconds)
	}

	for i, repo := range c.Repos {
		if repo.RepoName == "" {
			return fmt.Errorf("repos[%d]: repo_name is required", i)
		}
		if repo.RepoURL == "" {
			return fmt.Errorf("repos[%d] (%s): repo_url is required", i, repo.RepoName)
		}
	}

	return nil
}

// Paths returns the working copy layout this configuration describes.
func (c *Config) Paths() repos.Paths {
	return repos.Paths{
		Base:        c.Storage.BasePath,
		Multitenant: c.Storage.Multitenant,
	}
}

// HostingOptions returns base options for hosting clients. Tokens are
// supplied per call, never from configuration.
func (c *Config) HostingOptions() hosting.Options {
	return hosting.Options{
		Username: c.Hosting.BitbucketUsername,
		Timeout:  time.Duration(c.Hosting.TimeoutSeconds) * time.Second,
		MaxPages: c.Hosting.MaxPages,
	}
}

// GitTimeout returns the per-operation git timeout.
func (c *Config) GitTimeout() time.Duration {
	return time.Duration(c.Git.TimeoutSeconds) * time.Second
}

// CloneCooldown returns how long a failed clone is left alone before the
// next request may retry it.
func (c *Config) CloneCooldown() time.Duration {
	return time.Duration(c.Retry.CloneCooldownSeconds) * time.Second
}
