// Package crypto holds the secret material kept by the key store: symmetric
// keys that own their bytes, and private keys paired with their certificates.
// It also generates and imports such material.
package crypto

import (
	gocrypto "crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/joncooperworks/amks/crypto/secure"
)

// Algorithm names recorded alongside stored material.
const (
	AlgorithmAES     = "AES"
	AlgorithmRSA     = "RSA"
	AlgorithmEC      = "EC"
	AlgorithmEd25519 = "Ed25519"
)

var (
	// ErrKeyMismatch is returned when a certificate does not belong to the
	// private key it is paired with.
	ErrKeyMismatch = errors.New("certificate public key does not match private key")
	// ErrUnsupportedKey is returned for key types the store cannot hold.
	ErrUnsupportedKey = errors.New("unsupported key type")
)

// SecretKey is a symmetric key. It owns its bytes and zeroes them on Destroy.
type SecretKey struct {
	algorithm string
	key       *secure.Key
}

// NewSecretKey wraps raw as a key of the given algorithm. The SecretKey takes
// ownership of raw; the caller must not use it afterwards.
func NewSecretKey(algorithm string, raw []byte) *SecretKey {
	return &SecretKey{algorithm: algorithm, key: secure.NewKey(raw)}
}

// GenerateSecretKey creates a random AES key of the given size in bits.
func GenerateSecretKey(rand io.Reader, bits int) (*SecretKey, error) {
	switch bits {
	case 128, 192, 256:
	default:
		return nil, fmt.Errorf("invalid AES key size %d: must be 128, 192 or 256", bits)
	}
	raw := make([]byte, bits/8)
	if _, err := io.ReadFull(rand, raw); err != nil {
		secure.Clear(raw)
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return NewSecretKey(AlgorithmAES, raw), nil
}

// Algorithm returns the key's algorithm name.
func (k *SecretKey) Algorithm() string { return k.algorithm }

// Encoded returns a copy of the key bytes, or nil once the key is destroyed.
// The caller owns the copy and should clear it with secure.Clear.
func (k *SecretKey) Encoded() []byte {
	b := k.key.Bytes()
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Len returns the key length in bytes.
func (k *SecretKey) Len() int { return k.key.Len() }

// Equal reports whether both keys hold the same algorithm and bytes.
func (k *SecretKey) Equal(other *SecretKey) bool {
	if k == nil || other == nil {
		return k == other
	}
	a, b := k.key.Bytes(), other.key.Bytes()
	if a == nil || b == nil {
		return false
	}
	return k.algorithm == other.algorithm && subtle.ConstantTimeCompare(a, b) == 1
}

// Destroy zeroes the key bytes.
func (k *SecretKey) Destroy() error { return k.key.Destroy() }

// Destroyed reports whether Destroy has been called.
func (k *SecretKey) Destroyed() bool { return k.key.Destroyed() }

// KeyPair is a private key together with the certificate for its public key.
type KeyPair struct {
	PrivateKey  gocrypto.Signer
	Certificate *x509.Certificate
}

// NewKeyPair pairs priv with cert after checking that they belong together.
func NewKeyPair(priv gocrypto.Signer, cert *x509.Certificate) (*KeyPair, error) {
	if priv == nil || cert == nil {
		return nil, errors.New("key pair needs both a private key and a certificate")
	}
	if _, err := keyAlgorithm(priv); err != nil {
		return nil, err
	}
	pub, ok := priv.Public().(interface{ Equal(gocrypto.PublicKey) bool })
	if !ok || !pub.Equal(cert.PublicKey) {
		return nil, ErrKeyMismatch
	}
	return &KeyPair{PrivateKey: priv, Certificate: cert}, nil
}

// Algorithm returns the private key's algorithm name.
func (p *KeyPair) Algorithm() string {
	alg, _ := keyAlgorithm(p.PrivateKey)
	return alg
}

// Destroy overwrites the private key's secret components. The certificate
// is public and is left alone.
func (p *KeyPair) Destroy() error {
	switch k := p.PrivateKey.(type) {
	case *rsa.PrivateKey:
		clearInt(k.D)
		for _, prime := range k.Primes {
			clearInt(prime)
		}
		clearInt(k.Precomputed.Dp)
		clearInt(k.Precomputed.Dq)
		clearInt(k.Precomputed.Qinv)
	case *ecdsa.PrivateKey:
		clearInt(k.D)
	case ed25519.PrivateKey:
		secure.Clear(k)
	case *ed25519.PrivateKey:
		secure.Clear(*k)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedKey, p.PrivateKey)
	}
	return nil
}

func clearInt(n *big.Int) {
	if n == nil {
		return
	}
	words := n.Bits()
	for i := range words {
		words[i] = 0
	}
	n.SetInt64(0)
}

func keyAlgorithm(priv gocrypto.Signer) (string, error) {
	switch priv.(type) {
	case *rsa.PrivateKey:
		return AlgorithmRSA, nil
	case *ecdsa.PrivateKey:
		return AlgorithmEC, nil
	case ed25519.PrivateKey, *ed25519.PrivateKey:
		return AlgorithmEd25519, nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedKey, priv)
	}
}
