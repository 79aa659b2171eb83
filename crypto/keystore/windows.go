//go:build windows
// +build windows

package keystore

import "github.com/99designs/keyring"

func init() {
	RegisterBackend("windows", NewWindowsBackend)
}

// NewWindowsBackend opens the Windows Credential Manager.
func NewWindowsBackend(cfg Config) (Backend, error) {
	return openKeyring(keyring.Config{
		AllowedBackends: []keyring.BackendType{keyring.WinCredBackend},
		ServiceName:     cfg.serviceName(),
		WinCredPrefix:   cfg.serviceName(),
	})
}
