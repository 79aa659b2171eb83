package keystore

import (
	"fmt"
	"sort"
	"sync"
)

// Config selects and parameterises a backend.
type Config struct {
	// Platform names a registered backend. Empty means runtime.GOOS.
	Platform string
	// ServiceName groups this application's items in the OS key store.
	ServiceName string
	// FileDir and FilePassword configure the encrypted-file backend.
	FileDir      string
	FilePassword string
	// KeychainName selects a macOS keychain; empty uses the login keychain.
	KeychainName string
}

// DefaultServiceName is used when Config.ServiceName is empty.
const DefaultServiceName = "amks"

func (c Config) serviceName() string {
	if c.ServiceName == "" {
		return DefaultServiceName
	}
	return c.ServiceName
}

// BackendFactory creates a Backend from cfg.
//
// Factories are registered with RegisterBackend and are called when a
// backend for that platform is needed.
type BackendFactory func(cfg Config) (Backend, error)

var (
	registry   = make(map[string]BackendFactory)
	registryMu sync.RWMutex
)

// RegisterBackend registers a backend factory for a platform identifier.
//
// Platform files call this from init. The identifier is a runtime.GOOS value
// or a name for a platform-independent backend such as "file" or "memory".
func RegisterBackend(platform string, factory BackendFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[platform] = factory
}

// GetBackendFactory returns the factory registered for platform.
func GetBackendFactory(platform string) (BackendFactory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, ok := registry[platform]
	if !ok {
		return nil, fmt.Errorf("no keystore backend registered for platform: %s", platform)
	}
	return factory, nil
}

// ListRegisteredPlatforms returns the registered platform identifiers in
// sorted order.
func ListRegisteredPlatforms() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	platforms := make([]string, 0, len(registry))
	for platform := range registry {
		platforms = append(platforms, platform)
	}
	sort.Strings(platforms)
	return platforms
}
