package keystore

import (
	"fmt"
	"runtime"
)

// NewBackend creates the backend named by cfg.Platform, falling back to the
// one registered for the current OS.
func NewBackend(cfg Config) (Backend, error) {
	platform := cfg.Platform
	if platform == "" {
		platform = runtime.GOOS
	}
	factory, err := GetBackendFactory(platform)
	if err != nil {
		return nil, fmt.Errorf("unsupported platform %s: %w", platform, err)
	}
	return factory(cfg)
}
