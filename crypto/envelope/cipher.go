// Package envelope encrypts short secrets, such as the key store master
// password, under a master key held by the OS key store.
//
// The master key takes one of two forms. On backends at or above
// HardwareLevel it is an AES-GCM key generated and used inside the backend.
// Below that level the backend holds an RSA key pair, and a local AES key
// wrapped with its public key is kept in the preference store; the local key
// is unwrapped for each operation and cleared afterwards. A master key keeps
// the form it was created with, so a store created on an older backend stays
// readable after the capability level is raised.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509/pkix"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/joncooperworks/amks/crypto/keystore"
	"github.com/joncooperworks/amks/crypto/secure"
	"github.com/joncooperworks/amks/prefs"
)

const (
	// HardwareLevel is the lowest capability level at which the backend can
	// generate and operate AES-GCM keys itself.
	HardwareLevel = 23
	// KeySize is the master AES key size in bits.
	KeySize = 128
	// WrapKeyBits is the RSA modulus size of the wrapping key pair.
	WrapKeyBits = 2048

	// AESAlias names the backend AES-GCM master key.
	AESAlias = "aes_local_protection"
	// RSAAlias names the backend RSA key pair that wraps the local AES key.
	RSAAlias = "rsa_wrap_local_protection"

	// PrefGeneration records the capability level at which the master key
	// was generated.
	PrefGeneration = "android_version_when_key_has_been_generated"
	// PrefWrappedKey holds the base64 RSA-wrapped local AES key.
	PrefWrappedKey = "aes_wrapped_local_protection"
)

var (
	// ErrInvalidIVLength is returned for blobs whose IV is not IVLength bytes.
	ErrInvalidIVLength = errors.New("envelope: invalid IV length")
	// ErrDecryptionFailed is returned when a blob fails authentication or
	// cannot be decrypted for any other cipher reason.
	ErrDecryptionFailed = errors.New("envelope: decryption failed")
	// ErrKeyUnavailable is returned when the master key is missing or cannot
	// be loaded from the backend.
	ErrKeyUnavailable = errors.New("envelope: master key unavailable")
)

// Kind is the form of the master key.
type Kind int

const (
	KindHardwareAES Kind = iota + 1
	KindWrappedAES
)

func (k Kind) String() string {
	switch k {
	case KindHardwareAES:
		return "HARDWARE_AES"
	case KindWrappedAES:
		return "WRAPPED_AES"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// MasterKey describes the resolved master key: its form and the capability
// level it was generated at.
type MasterKey struct {
	Kind       Kind
	Generation int
}

// Options configures a Cipher.
type Options struct {
	Backend keystore.Backend
	Prefs   prefs.Store
	// Level is the backend's capability level. Zero means HardwareLevel.
	Level  int
	Rand   io.Reader
	Logger *slog.Logger
}

// Cipher encrypts and decrypts blobs under the installation's master key.
// It is safe for concurrent use.
type Cipher struct {
	backend keystore.Backend
	prefs   prefs.Store
	level   int
	rand    io.Reader
	logger  *slog.Logger

	mu  sync.Mutex
	key *MasterKey
}

// NewCipher returns a Cipher. The master key is resolved, and created if
// absent, on first use.
func NewCipher(opts Options) (*Cipher, error) {
	if opts.Backend == nil {
		return nil, errors.New("envelope: backend is required")
	}
	if opts.Prefs == nil {
		return nil, errors.New("envelope: preference store is required")
	}
	c := &Cipher{
		backend: opts.Backend,
		prefs:   opts.Prefs,
		level:   opts.Level,
		rand:    opts.Rand,
		logger:  opts.Logger,
	}
	if c.level == 0 {
		c.level = HardwareLevel
	}
	if c.rand == nil {
		c.rand = rand.Reader
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// MasterKey reports the existing master key without creating one.
func (c *Cipher) MasterKey() (MasterKey, error) {
	return c.resolve(false)
}

func (c *Cipher) resolve(create bool) (MasterKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key != nil {
		return *c.key, nil
	}

	hasAES, err := c.backend.Contains(AESAlias)
	if err != nil {
		return MasterKey{}, fmt.Errorf("%w: %w", ErrKeyUnavailable, err)
	}
	if hasAES {
		return c.remember(MasterKey{Kind: KindHardwareAES, Generation: c.prefs.GetInt(PrefGeneration, c.level)}), nil
	}

	if _, ok := c.prefs.GetString(PrefWrappedKey); ok {
		hasRSA, err := c.backend.Contains(RSAAlias)
		if err != nil {
			return MasterKey{}, fmt.Errorf("%w: %w", ErrKeyUnavailable, err)
		}
		if hasRSA {
			return c.remember(MasterKey{Kind: KindWrappedAES, Generation: c.prefs.GetInt(PrefGeneration, c.level)}), nil
		}
		c.logger.Warn("wrapped master key has no wrapping key pair", "alias", RSAAlias)
	}

	if !create {
		return MasterKey{}, fmt.Errorf("%w: no master key has been generated", ErrKeyUnavailable)
	}
	if c.level >= HardwareLevel {
		return c.generateHardware()
	}
	return c.generateWrapped()
}

func (c *Cipher) remember(k MasterKey) MasterKey {
	c.key = &k
	return k
}

func (c *Cipher) generateHardware() (MasterKey, error) {
	if err := c.backend.GenerateKey(AESAlias, KeySize); err != nil {
		return MasterKey{}, fmt.Errorf("%w: generating AES key: %w", ErrKeyUnavailable, err)
	}
	if err := c.prefs.PutInt(PrefGeneration, c.level); err != nil {
		// The key is usable without the marker; a missing marker reads as
		// the current level.
		c.logger.Warn("failed to record master key generation level", "error", err)
	}
	c.logger.Info("generated master key", "kind", KindHardwareAES, "level", c.level)
	return c.remember(MasterKey{Kind: KindHardwareAES, Generation: c.level}), nil
}

func (c *Cipher) generateWrapped() (MasterKey, error) {
	pub, err := c.backend.GenerateKeyPair(RSAAlias, keystore.KeyPairSpec{
		Bits:         WrapKeyBits,
		Subject:      pkix.Name{CommonName: "App Manager"},
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		Validity:     10 * 365 * 24 * time.Hour,
	})
	if err != nil {
		return MasterKey{}, fmt.Errorf("%w: generating wrapping key pair: %w", ErrKeyUnavailable, err)
	}

	local := make([]byte, KeySize/8)
	defer secure.Clear(local)
	if _, err := io.ReadFull(c.rand, local); err != nil {
		c.dropWrappingKey()
		return MasterKey{}, fmt.Errorf("%w: generating local key: %w", ErrKeyUnavailable, err)
	}
	wrapped, err := rsa.EncryptPKCS1v15(c.rand, pub, local)
	if err != nil {
		c.dropWrappingKey()
		return MasterKey{}, fmt.Errorf("%w: wrapping local key: %w", ErrKeyUnavailable, err)
	}

	if err := c.prefs.PutString(PrefWrappedKey, base64.StdEncoding.EncodeToString(wrapped)); err != nil {
		c.dropWrappingKey()
		return MasterKey{}, fmt.Errorf("%w: storing wrapped key: %w", ErrKeyUnavailable, err)
	}
	if err := c.prefs.PutInt(PrefGeneration, c.level); err != nil {
		c.prefs.Remove(PrefWrappedKey)
		c.dropWrappingKey()
		return MasterKey{}, fmt.Errorf("%w: storing generation level: %w", ErrKeyUnavailable, err)
	}
	c.logger.Info("generated master key", "kind", KindWrappedAES, "level", c.level)
	return c.remember(MasterKey{Kind: KindWrappedAES, Generation: c.level}), nil
}

func (c *Cipher) dropWrappingKey() {
	if err := c.backend.Delete(RSAAlias); err != nil {
		c.logger.Warn("failed to remove wrapping key pair", "alias", RSAAlias, "error", err)
	}
}

// localKey unwraps the local AES key. The caller must destroy it.
func (c *Cipher) localKey() (*secure.Key, error) {
	encoded, ok := c.prefs.GetString(PrefWrappedKey)
	if !ok {
		return nil, fmt.Errorf("%w: wrapped key record is missing", ErrKeyUnavailable)
	}
	wrapped, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: wrapped key record is corrupt: %v", ErrKeyUnavailable, err)
	}
	raw, err := c.backend.Unwrap(RSAAlias, wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyUnavailable, err)
	}
	return secure.NewKey(raw), nil
}

func newGCM(key *secure.Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext under the master key, creating the key first if
// the installation has none.
func (c *Cipher) Encrypt(plaintext []byte) (Blob, error) {
	mk, err := c.resolve(true)
	if err != nil {
		return Blob{}, err
	}

	var iv, ciphertext []byte
	switch mk.Kind {
	case KindHardwareAES:
		iv, ciphertext, err = c.backend.Seal(AESAlias, plaintext)
		if err != nil {
			return Blob{}, fmt.Errorf("%w: %w", ErrKeyUnavailable, err)
		}
	case KindWrappedAES:
		key, err := c.localKey()
		if err != nil {
			return Blob{}, err
		}
		defer secure.Destroy(key, c.logger)

		gcm, err := newGCM(key)
		if err != nil {
			return Blob{}, fmt.Errorf("%w: %w", ErrKeyUnavailable, err)
		}
		iv = make([]byte, IVLength)
		if _, err := io.ReadFull(c.rand, iv); err != nil {
			return Blob{}, fmt.Errorf("failed to generate IV: %w", err)
		}
		ciphertext = gcm.Seal(nil, iv, plaintext, nil)
	default:
		return Blob{}, fmt.Errorf("%w: unknown master key kind %v", ErrKeyUnavailable, mk.Kind)
	}

	if len(iv) != IVLength {
		return Blob{}, fmt.Errorf("%w: cipher produced %d-byte IV", ErrInvalidIVLength, len(iv))
	}
	return Blob{IV: iv, Ciphertext: ciphertext}, nil
}

// Decrypt opens a blob produced by Encrypt. It never returns partial
// plaintext: any authentication or cipher failure is ErrDecryptionFailed.
func (c *Cipher) Decrypt(blob Blob) ([]byte, error) {
	if len(blob.IV) != IVLength {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidIVLength, len(blob.IV), IVLength)
	}
	mk, err := c.resolve(false)
	if err != nil {
		return nil, err
	}

	switch mk.Kind {
	case KindHardwareAES:
		plaintext, err := c.backend.Open(AESAlias, blob.IV, blob.Ciphertext)
		if errors.Is(err, keystore.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrKeyUnavailable, err)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
		return plaintext, nil
	case KindWrappedAES:
		key, err := c.localKey()
		if err != nil {
			return nil, err
		}
		defer secure.Destroy(key, c.logger)

		gcm, err := newGCM(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
		plaintext, err := gcm.Open(nil, blob.IV, blob.Ciphertext, nil)
		if err != nil {
			return nil, ErrDecryptionFailed
		}
		return plaintext, nil
	default:
		return nil, fmt.Errorf("%w: unknown master key kind %v", ErrKeyUnavailable, mk.Kind)
	}
}

// EncryptString encrypts plaintext and returns the encoded blob.
func (c *Cipher) EncryptString(plaintext []byte) (string, error) {
	blob, err := c.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return blob.Encode(), nil
}

// DecryptString decodes and decrypts an encoded blob. The caller owns the
// returned plaintext and should clear it.
func (c *Cipher) DecryptString(encoded string) ([]byte, error) {
	blob, err := ParseBlob(encoded)
	if err != nil {
		return nil, err
	}
	return c.Decrypt(blob)
}
