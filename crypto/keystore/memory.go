package keystore

import "github.com/99designs/keyring"

func init() {
	RegisterBackend("memory", func(Config) (Backend, error) {
		return NewMemoryBackend(), nil
	})
}

// NewMemoryBackend returns a backend that keeps keys in process memory.
// Keys are lost on exit; it is meant for tests and throwaway stores.
func NewMemoryBackend() *KeyringBackend {
	return NewKeyringBackend(keyring.NewArrayKeyring(nil))
}
