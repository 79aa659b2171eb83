// Package keystore abstracts the OS key store that protects the local
// master key. Raw symmetric key bits never leave a Backend: callers generate
// keys and ask the backend to seal, open or unwrap with them.
package keystore

import (
	"crypto/rsa"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"time"
)

// NonceSize is the AES-GCM nonce length used by Seal.
const NonceSize = 12

var (
	// ErrKeyNotFound is returned when no key exists under an alias.
	ErrKeyNotFound = errors.New("keystore: key not found")
	// ErrWrongKeyType is returned when an alias holds a different kind of key.
	ErrWrongKeyType = errors.New("keystore: alias holds a different key type")
	// ErrOpenFailed is returned when a ciphertext fails authentication.
	ErrOpenFailed = errors.New("keystore: message authentication failed")
)

// KeyPairSpec describes an RSA key pair generated inside the backend.
type KeyPairSpec struct {
	Bits         int
	Subject      pkix.Name
	SerialNumber *big.Int
	NotBefore    time.Time
	Validity     time.Duration
}

// Backend is an OS-managed key store.
type Backend interface {
	// Contains reports whether a key exists under alias.
	Contains(alias string) (bool, error)
	// GenerateKey creates an AES key of the given size under alias,
	// replacing any existing key.
	GenerateKey(alias string, bits int) error
	// Seal encrypts plaintext with the AES key under alias using AES-GCM.
	// The backend picks the nonce and returns it with the ciphertext.
	Seal(alias string, plaintext []byte) (nonce, ciphertext []byte, err error)
	// Open reverses Seal.
	Open(alias string, nonce, ciphertext []byte) ([]byte, error)
	// GenerateKeyPair creates an RSA key pair and self-signed certificate
	// under alias and returns the public key.
	GenerateKeyPair(alias string, spec KeyPairSpec) (*rsa.PublicKey, error)
	// Unwrap decrypts PKCS#1 v1.5 wrapped key material with the RSA private
	// key under alias. The caller owns the returned bytes.
	Unwrap(alias string, wrapped []byte) ([]byte, error)
	// Delete removes the key under alias. Deleting a missing alias is not an
	// error.
	Delete(alias string) error
	// Aliases lists every alias in the backend.
	Aliases() ([]string, error)
}
