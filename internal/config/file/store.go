// Package file provides a YAML-file-based config.Store implementation.
// Writes are atomic via temp-file-then-rename, matching the on-disk write
// pattern used throughout the chunk and metadata stores.
package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"justsyncit/internal/config"
)

// Store is a YAML-file-backed config.Store.
type Store struct {
	path string
}

var _ config.Store = (*Store)(nil)

// NewStore returns a Store persisting to the YAML file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the configuration file. Returns a nil config, nil error if the
// file does not exist yet.
func (s *Store) Load(_ context.Context) (*config.Config, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", s.path, err)
	}

	var cfg config.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", s.path, err)
	}
	return &cfg, nil
}

// Save atomically writes cfg to the configured path.
func (s *Store) Save(_ context.Context, cfg *config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename config file into place: %w", err)
	}
	return nil
}
