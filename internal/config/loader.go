package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	ragerrors "github.com/forumrag/forumrag/internal/errors"
)

// GetUserConfigPath returns the path to the user/global configuration file.
// It follows XDG Base Directory conventions:
//   - $XDG_CONFIG_HOME/forumrag/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/forumrag/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "forumrag", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback - should rarely happen
		return filepath.Join(os.TempDir(), ".config", "forumrag", "config.yaml")
	}
	return filepath.Join(home, ".config", "forumrag", "config.yaml")
}

// GetUserConfigDir returns the directory containing the user configuration.
func GetUserConfigDir() string {
	return filepath.Dir(GetUserConfigPath())
}

// UserConfigExists returns true if the user configuration file exists.
func UserConfigExists() bool {
	return fileExists(GetUserConfigPath())
}

// Load loads configuration from the specified directory.
// It applies configuration in order of increasing precedence:
//  1. Hardcoded defaults
//  2. User/global config (~/.config/forumrag/config.yaml)
//  3. Project config (forumrag.yaml in the directory)
//  4. Environment variables (FORUMRAG_*)
//
// Worker thread counts are clamped into their allowed ranges after all
// sources are applied, then the result is validated.
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	// Step 1: user/global config (if exists)
	userPath := GetUserConfigPath()
	if fileExists(userPath) {
		if err := cfg.loadYAML(userPath); err != nil {
			return nil, fmt.Errorf("failed to load user config: %w", err)
		}
	}

	// Step 2: project config (overrides user config)
	if err := cfg.loadFromDir(dir); err != nil {
		return nil, err
	}

	// Step 3: environment variable overrides (highest precedence)
	cfg.applyEnvOverrides()

	// Step 4: clamp and validate
	cfg.clampThreads()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFromDir attempts to load configuration from forumrag.yaml or forumrag.yml.
func (c *Config) loadFromDir(dir string) error {
	// Try .yaml first (takes precedence)
	yamlPath := filepath.Join(dir, "forumrag.yaml")
	if fileExists(yamlPath) {
		return c.loadYAML(yamlPath)
	}

	// Try .yml as fallback
	ymlPath := filepath.Join(dir, "forumrag.yml")
	if fileExists(ymlPath) {
		return c.loadYAML(ymlPath)
	}

	// No config file is fine - use defaults
	return nil
}

// loadYAML overlays configuration from a YAML file onto c.
// Keys present in the file overwrite; absent keys keep their current values,
// which makes partial config files compose with defaults (including explicit
// boolean false).
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return ragerrors.New(ragerrors.ErrCodeConfigNotFound,
			fmt.Sprintf("failed to read config file %s", path), err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return ragerrors.New(ragerrors.ErrCodeConfigInvalid,
			fmt.Sprintf("failed to parse config file %s", path), err)
	}

	return nil
}

// applyEnvOverrides applies FORUMRAG_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FORUMRAG_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("FORUMRAG_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("FORUMRAG_CORPUS_ROOT"); v != "" {
		c.Corpus.Root = v
	}

	// Embedding provider
	if v := os.Getenv("FORUMRAG_EMBED_API_KEY"); v != "" {
		c.Embedder.APIKey = v
	}
	if v := os.Getenv("FORUMRAG_EMBED_BASE_URL"); v != "" {
		c.Embedder.BaseURL = v
	}
	if v := os.Getenv("FORUMRAG_EMBED_MODEL"); v != "" {
		c.Embedder.Model = v
	}
	if v := os.Getenv("FORUMRAG_EMBED_DIMENSIONS"); v != "" {
		if d, err := strconv.Atoi(v); err == nil && d > 0 {
			c.Embedder.Dimensions = d
		}
	}

	// Vector index
	if v := os.Getenv("FORUMRAG_QDRANT_HOST"); v != "" {
		c.Qdrant.Host = v
	}
	if v := os.Getenv("FORUMRAG_QDRANT_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			c.Qdrant.Port = p
		}
	}
	if v := os.Getenv("FORUMRAG_QDRANT_API_KEY"); v != "" {
		c.Qdrant.APIKey = v
	}
	if v := os.Getenv("FORUMRAG_QDRANT_COLLECTION"); v != "" {
		c.Qdrant.Collection = v
	}
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// fileExists checks if a file exists and is not a directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
