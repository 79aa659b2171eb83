package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/99designs/keyring"

	amkscrypto "github.com/joncooperworks/amks/crypto"
	"github.com/joncooperworks/amks/crypto/secure"
)

const pemSecretKey = "AES SECRET KEY"

// KeyringBackend implements Backend on top of a 99designs keyring. Items are
// stored as PEM: an AES key is a single "AES SECRET KEY" block, a key pair is
// a PKCS#8 "PRIVATE KEY" block followed by its "CERTIFICATE".
type KeyringBackend struct {
	ring keyring.Keyring
	rand io.Reader
}

// NewKeyringBackend wraps an opened keyring.
func NewKeyringBackend(ring keyring.Keyring) *KeyringBackend {
	return &KeyringBackend{ring: ring, rand: rand.Reader}
}

func openKeyring(cfg keyring.Config) (*KeyringBackend, error) {
	ring, err := keyring.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return NewKeyringBackend(ring), nil
}

func (k *KeyringBackend) get(alias string) ([]byte, error) {
	item, err := k.ring.Get(alias)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, alias)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key from keyring: %w", err)
	}
	// Some keyrings hand out their stored slice; callers clear what they get.
	return append([]byte(nil), item.Data...), nil
}

func (k *KeyringBackend) set(alias, label string, data []byte) error {
	err := k.ring.Set(keyring.Item{
		Key:   alias,
		Data:  append([]byte(nil), data...),
		Label: label,
	})
	if err != nil {
		return fmt.Errorf("failed to store key in keyring: %w", err)
	}
	return nil
}

// Contains implements Backend.
func (k *KeyringBackend) Contains(alias string) (bool, error) {
	_, err := k.ring.Get(alias)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query keyring: %w", err)
	}
	return true, nil
}

// GenerateKey implements Backend.
func (k *KeyringBackend) GenerateKey(alias string, bits int) error {
	key, err := amkscrypto.GenerateSecretKey(k.rand, bits)
	if err != nil {
		return err
	}
	defer key.Destroy()

	raw := key.Encoded()
	defer secure.Clear(raw)
	data := pem.EncodeToMemory(&pem.Block{Type: pemSecretKey, Bytes: raw})
	defer secure.Clear(data)

	return k.set(alias, "amks AES key", data)
}

func (k *KeyringBackend) gcm(alias string) (cipher.AEAD, error) {
	data, err := k.get(alias)
	if err != nil {
		return nil, err
	}
	defer secure.Clear(data)

	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemSecretKey {
		return nil, fmt.Errorf("%w: %s is not an AES key", ErrWrongKeyType, alias)
	}
	defer secure.Clear(block.Bytes)

	c, err := aes.NewCipher(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(c)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Seal implements Backend.
func (k *KeyringBackend) Seal(alias string, plaintext []byte) ([]byte, []byte, error) {
	gcm, err := k.gcm(alias)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(k.rand, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, gcm.Seal(nil, nonce, plaintext, nil), nil
}

// Open implements Backend.
func (k *KeyringBackend) Open(alias string, nonce, ciphertext []byte) ([]byte, error) {
	gcm, err := k.gcm(alias)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: nonce is %d bytes", ErrOpenFailed, len(nonce))
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}

// GenerateKeyPair implements Backend.
func (k *KeyringBackend) GenerateKeyPair(alias string, spec KeyPairSpec) (*rsa.PublicKey, error) {
	pair, err := amkscrypto.GenerateRSAKeyPair(amkscrypto.KeyPairOptions{
		Bits:         spec.Bits,
		Subject:      spec.Subject,
		NotBefore:    spec.NotBefore,
		Validity:     spec.Validity,
		SerialNumber: spec.SerialNumber,
		Rand:         k.rand,
	})
	if err != nil {
		return nil, err
	}
	defer pair.Destroy()

	der, err := amkscrypto.MarshalPrivateKey(pair.PrivateKey)
	if err != nil {
		return nil, err
	}
	defer secure.Clear(der)

	data := pem.EncodeToMemory(&pem.Block{Type: amkscrypto.PEMPrivateKey, Bytes: der})
	data = append(data, amkscrypto.EncodeCertificatePEM(pair.Certificate)...)
	defer secure.Clear(data)

	if err := k.set(alias, "amks RSA key", data); err != nil {
		return nil, err
	}

	pub := pair.PrivateKey.Public().(*rsa.PublicKey)
	return &rsa.PublicKey{N: pub.N, E: pub.E}, nil
}

func (k *KeyringBackend) rsaKey(alias string) (*amkscrypto.KeyPair, error) {
	data, err := k.get(alias)
	if err != nil {
		return nil, err
	}
	defer secure.Clear(data)

	keyBlock, rest := pem.Decode(data)
	if keyBlock == nil || keyBlock.Type != amkscrypto.PEMPrivateKey {
		return nil, fmt.Errorf("%w: %s is not a key pair", ErrWrongKeyType, alias)
	}
	defer secure.Clear(keyBlock.Bytes)

	signer, err := amkscrypto.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, err
	}
	if _, ok := signer.(*rsa.PrivateKey); !ok {
		return nil, fmt.Errorf("%w: %s is not an RSA key", ErrWrongKeyType, alias)
	}

	pair := &amkscrypto.KeyPair{PrivateKey: signer}
	if certBlock, _ := pem.Decode(rest); certBlock != nil {
		cert, err := x509.ParseCertificate(certBlock.Bytes)
		if err != nil {
			pair.Destroy()
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		pair.Certificate = cert
	}
	return pair, nil
}

// Unwrap implements Backend.
func (k *KeyringBackend) Unwrap(alias string, wrapped []byte) ([]byte, error) {
	pair, err := k.rsaKey(alias)
	if err != nil {
		return nil, err
	}
	defer pair.Destroy()

	key, err := rsa.DecryptPKCS1v15(k.rand, pair.PrivateKey.(*rsa.PrivateKey), wrapped)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap key: %w", err)
	}
	return key, nil
}

// Delete implements Backend.
func (k *KeyringBackend) Delete(alias string) error {
	err := k.ring.Remove(alias)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("failed to remove key from keyring: %w", err)
	}
	return nil
}

// Aliases implements Backend.
func (k *KeyringBackend) Aliases() ([]string, error) {
	keys, err := k.ring.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys from keyring: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
