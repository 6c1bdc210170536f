package remote

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config points at a remote store endpoint
type Config struct {
	URL       string `json:"url"`
	AuthToken string `json:"auth_token,omitempty"`
}

// NewConfig creates a config for the given base URL, stripping any trailing
// slash
func NewConfig(url string) *Config {
	return &Config{URL: strings.TrimRight(url, "/")}
}

// WithToken sets a bearer token on the config
func (c *Config) WithToken(token string) *Config {
	c.AuthToken = token
	return c
}

// DefaultConfigPath is ~/.config/karapace/remote.json
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %w", err)
	}
	return filepath.Join(home, ".config", "karapace", "remote.json"), nil
}

// LoadDefaultConfig reads the config from its default location
func LoadDefaultConfig() (*Config, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadConfig(path)
}

// LoadConfig reads a config file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read remote config: %w", err)
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("invalid remote config: %w", err)
	}
	return &c, nil
}

// Save writes the config, creating parent directories as needed
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize remote config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write remote config: %w", err)
	}
	return nil
}
