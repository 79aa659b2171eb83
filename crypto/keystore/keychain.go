//go:build darwin
// +build darwin

package keystore

import (
	"os"

	"github.com/99designs/keyring"
)

func init() {
	RegisterBackend("darwin", NewKeychainBackend)
}

// NewKeychainBackend opens the macOS Keychain.
// AMKS_KEYCHAIN overrides cfg.KeychainName; empty means the login keychain,
// which is unlocked at login and avoids a second password prompt.
func NewKeychainBackend(cfg Config) (Backend, error) {
	keychainName := cfg.KeychainName
	if name, ok := os.LookupEnv("AMKS_KEYCHAIN"); ok {
		keychainName = name
	}

	return openKeyring(keyring.Config{
		AllowedBackends:          []keyring.BackendType{keyring.KeychainBackend},
		ServiceName:              cfg.serviceName(),
		KeychainName:             keychainName,
		KeychainTrustApplication: true,
	})
}
