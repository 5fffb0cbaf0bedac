package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// ClientConfig holds the client-side settings read from the user's config
// file. Flags and environment variables take precedence over the file.
type ClientConfig struct {
	// Endpoint is the base URL of the tether server, e.g. http://localhost:8787
	Endpoint string `yaml:"endpoint"`
	// Token is an optional bearer token attached to every request.
	Token string `yaml:"token,omitempty"`
	// Scope selects the default launch profile for new sessions.
	Scope string `yaml:"scope,omitempty"`
	// CachePath overrides the location of the session-id cache database.
	CachePath string `yaml:"cache_path,omitempty"`
}

// ClientConfigPath returns the default config file location.
func ClientConfigPath() string {
	return filepath.Join(Runtime.StateDir, "config.yaml")
}

// LoadClientConfig reads the client config file. A missing file is not an
// error; defaults are returned.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := &ClientConfig{
		Endpoint: "http://localhost:8787",
		Scope:    "shell",
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read client config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse client config: %w", err)
	}

	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:8787"
	}
	if cfg.Scope == "" {
		cfg.Scope = "shell"
	}
	return cfg, nil
}

// SaveClientConfig writes the config file, creating the state directory if
// needed.
func SaveClientConfig(path string, cfg *ClientConfig) error {
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
