// Package config loads and validates loadshared configuration, following a
// loader/validator split: a Loader reads raw bytes, and any config type
// opting into Validator range-checks and defaults itself after loading.
package config

import (
	"context"
	"errors"
	"fmt"
)

var errInvalidConfigPtr = errors.New("config must be a non-nil pointer")

// Validator is implemented by any config struct that wants LoadAndValidate
// to range-check and default itself after loading.
type Validator interface {
	Validate() error
}

// Loader reads raw configuration bytes from some source into dst.
type Loader interface {
	Load(ctx context.Context, path string, dst interface{}) error
}

// Config composes a default file loader with an environment-variable
// overlay, the two sources this module needs.
type Config struct {
	fileLoader *FileLoader
	envLoader  *EnvLoader
}

// New constructs a Config ready to load from files, optionally overlaid with
// LOADSHARE_-prefixed environment variables.
func New() *Config {
	return &Config{
		fileLoader: &FileLoader{},
		envLoader:  &EnvLoader{Prefix: "LOADSHARE_"},
	}
}

// LoadAndValidate loads path into dst via the file loader, overlays any
// matching environment variables, then validates if dst implements Validator.
func (c *Config) LoadAndValidate(ctx context.Context, path string, dst interface{}) error {
	if err := c.fileLoader.Load(ctx, path, dst); err != nil {
		return fmt.Errorf("load config %q: %w", path, err)
	}

	if err := c.envLoader.Load(ctx, "", dst); err != nil {
		return fmt.Errorf("apply environment overlay: %w", err)
	}

	if v, ok := dst.(Validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("validate config: %w", err)
		}
	}

	return nil
}
