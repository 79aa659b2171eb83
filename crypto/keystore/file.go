package keystore

import (
	"errors"

	"github.com/99designs/keyring"
)

func init() {
	RegisterBackend("file", NewFileBackend)
}

// NewFileBackend stores keys in JWE-encrypted files under cfg.FileDir, for
// hosts without an OS key store. The files are encrypted with
// cfg.FilePassword, or a password read from the terminal when it is empty.
func NewFileBackend(cfg Config) (Backend, error) {
	if cfg.FileDir == "" {
		return nil, errors.New("file keystore needs a directory")
	}
	var prompt keyring.PromptFunc = keyring.TerminalPrompt
	if cfg.FilePassword != "" {
		prompt = keyring.FixedStringPrompt(cfg.FilePassword)
	}
	return openKeyring(keyring.Config{
		AllowedBackends:  []keyring.BackendType{keyring.FileBackend},
		ServiceName:      cfg.serviceName(),
		FileDir:          cfg.FileDir,
		FilePasswordFunc: prompt,
	})
}
