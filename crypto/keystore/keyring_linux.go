//go:build linux
// +build linux

package keystore

import "github.com/99designs/keyring"

func init() {
	RegisterBackend("linux", NewLinuxBackend)
}

// NewLinuxBackend opens the first available Linux key store: the Secret
// Service (GNOME Keyring), KWallet, then the kernel key retention service.
func NewLinuxBackend(cfg Config) (Backend, error) {
	return openKeyring(keyring.Config{
		AllowedBackends: []keyring.BackendType{
			keyring.SecretServiceBackend,
			keyring.KWalletBackend,
			keyring.KeyCtlBackend,
		},
		ServiceName:             cfg.serviceName(),
		LibSecretCollectionName: cfg.serviceName(),
		KWalletAppID:            cfg.serviceName(),
		KWalletFolder:           cfg.serviceName(),
		KeyCtlScope:             "user",
	})
}
