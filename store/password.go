package store

import (
	"fmt"
	"io"

	"github.com/joncooperworks/amks/crypto/secure"
)

const (
	// PrefMasterPassword holds the encrypted container master password.
	PrefMasterPassword = "kspass"
	// PasswordLength is the length of a generated master password.
	PasswordLength = 30

	prefAliasPrefix = "ks_"
	passwordChars   = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789!@#$%^&*()-_=+[]{}<>?"
)

// PrefAlias returns the preference key holding the legacy per-alias password.
func PrefAlias(alias string) string {
	return prefAliasPrefix + alias
}

// GeneratePassword returns PasswordLength characters drawn uniformly from
// letters, digits and symbols. The caller owns the result.
func GeneratePassword(rand io.Reader) ([]byte, error) {
	// Largest multiple of len(passwordChars) that fits in a byte; values at
	// or above it are rejected to keep the draw unbiased.
	limit := 256 - 256%len(passwordChars)

	out := make([]byte, 0, PasswordLength)
	buf := make([]byte, PasswordLength)
	defer secure.Clear(buf)
	for len(out) < PasswordLength {
		if _, err := io.ReadFull(rand, buf); err != nil {
			secure.Clear(out)
			return nil, fmt.Errorf("generating password: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit || len(out) == PasswordLength {
				continue
			}
			out = append(out, passwordChars[int(b)%len(passwordChars)])
		}
	}
	return out, nil
}
