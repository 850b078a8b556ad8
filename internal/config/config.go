package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.messageai/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
}

// Profile represents the per-profile settings.toml.
type Profile struct {
	// UserID is the authenticated user's ID; the engine refuses to resolve
	// conversations that do not include it.
	UserID string `toml:"user_id"`
	// RemoteURL is the remote document store endpoint. Empty selects the
	// in-memory store (offline/development mode).
	RemoteURL string `toml:"remote_url"`
	// RemoteToken authenticates the WebSocket connection.
	RemoteToken string `toml:"remote_token"`
	// TypingTTLSeconds is the debounce window after which a typing
	// indicator with no refresh is treated as stale. Zero means 5 seconds.
	TypingTTLSeconds int `toml:"typing_ttl_seconds"`
}

// Load reads the global config from the given path.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the global config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	return writeTOML(path, cfg)
}

// LoadProfile reads per-profile settings from the given path.
func LoadProfile(path string) (*Profile, error) {
	var p Profile
	_, err := toml.DecodeFile(path, &p)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveProfile writes per-profile settings to the given path.
func SaveProfile(path string, p *Profile) error {
	return writeTOML(path, p)
}

func writeTOML(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
