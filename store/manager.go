// Package store is the application key store: a file-backed container of
// named secret keys and key pairs, unlocked by one master password.
//
// The master password is generated on first run and only ever persisted in
// encrypted form, sealed by an envelope cipher under an OS-held master key.
// Entries written by older versions may instead carry their own per-alias
// password; those are read through the legacy path, which falls back to
// asking the user, and MigrateLegacyEntries moves them under the master
// password.
//
// A process should construct one Manager and share it. Construction is a pure
// load from disk, so building a second Manager over the same files is
// harmless, but mutations through different Managers are not coordinated.
package store

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	amkscrypto "github.com/joncooperworks/amks/crypto"
	"github.com/joncooperworks/amks/crypto/secure"
	"github.com/joncooperworks/amks/fileutil"
	"github.com/joncooperworks/amks/prefs"
)

// File names inside the data directory.
const (
	ContainerFile = "am_keystore.bks"
	PrefsFile     = "keystore.json"
)

// OverridePolicy says whether an add may replace an existing alias.
type OverridePolicy int

const (
	Reject OverridePolicy = iota
	Override
)

// PasswordCipher encrypts passwords for the preference store.
type PasswordCipher interface {
	EncryptString(plaintext []byte) (string, error)
	DecryptString(encoded string) ([]byte, error)
}

// Recoverer asks the user for a missing password.
type Recoverer interface {
	Await(ctx context.Context, alias string) ([]byte, error)
}

// Options configures a Manager.
type Options struct {
	// Path is the container file.
	Path   string
	Prefs  prefs.Store
	Cipher PasswordCipher
	// Recovery is used when a legacy per-alias password is missing. It may
	// be nil, in which case such reads fail with ErrNoStoredPassword.
	Recovery Recoverer
	// KDF applies to containers created by this Manager. Zero means
	// DefaultKDF; existing containers keep the parameters they were
	// written with.
	KDF KDFParams
	// ExportWorkFactor is the scrypt work factor for Export. Zero means the
	// age default.
	ExportWorkFactor int
	Rand             io.Reader
	Logger           *slog.Logger
}

func (o Options) withDefaults() (Options, error) {
	if o.Path == "" {
		return o, errors.New("store: container path is required")
	}
	if o.Prefs == nil {
		return o, errors.New("store: preference store is required")
	}
	if o.Cipher == nil {
		return o, errors.New("store: password cipher is required")
	}
	if o.KDF == (KDFParams{}) {
		o.KDF = DefaultKDF
	}
	if o.Rand == nil {
		o.Rand = rand.Reader
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o, nil
}

// Manager is the key store. It is safe for concurrent use.
type Manager struct {
	opts   Options
	logger *slog.Logger
	legacy *legacyStore

	mu       sync.Mutex
	password *secure.Key
	c        *container
}

// HasMasterPassword reports whether a master password has been recorded.
func HasMasterPassword(p prefs.Store) bool {
	return p.Contains(PrefMasterPassword)
}

// Provision records a fresh master password on first run. It reports
// whether a password was created; with one already stored it does nothing.
// A container file without a stored password cannot be provisioned over:
// recover its password with RecoverMasterPassword or remove the file.
func Provision(opts Options) (bool, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return false, err
	}
	if HasMasterPassword(opts.Prefs) {
		return false, nil
	}
	if _, err := os.Stat(opts.Path); err == nil {
		return false, fmt.Errorf("%w: %s exists but its master password is not recorded", ErrNoStoredPassword, opts.Path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("checking %s: %w", opts.Path, err)
	}

	password, err := GeneratePassword(opts.Rand)
	if err != nil {
		return false, err
	}
	defer secure.Clear(password)

	if err := recordMasterPassword(opts, password); err != nil {
		return false, err
	}
	opts.Logger.Info("provisioned master password", "path", opts.Path)
	return true, nil
}

// RecoverMasterPassword asks the user for the password of an existing
// container whose encrypted password record has been lost. The answer is
// checked against the container before it is recorded.
func RecoverMasterPassword(ctx context.Context, opts Options) error {
	opts, err := opts.withDefaults()
	if err != nil {
		return err
	}
	if HasMasterPassword(opts.Prefs) {
		return nil
	}
	if opts.Recovery == nil {
		return fmt.Errorf("%w: no recovery prompt configured", ErrNoStoredPassword)
	}
	data, err := os.ReadFile(opts.Path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", opts.Path, err)
	}

	password, err := opts.Recovery.Await(ctx, filepath.Base(opts.Path))
	if err != nil {
		return err
	}
	defer secure.Clear(password)

	c, err := decodeContainer(data, password, opts.Rand)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWrongPassword, err)
	}
	c.destroy()

	if err := recordMasterPassword(opts, password); err != nil {
		return err
	}
	opts.Logger.Info("recovered master password", "path", opts.Path)
	return nil
}

func recordMasterPassword(opts Options, password []byte) error {
	encrypted, err := opts.Cipher.EncryptString(password)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPasswordPersistFailed, err)
	}
	if err := opts.Prefs.PutString(PrefMasterPassword, encrypted); err != nil {
		return fmt.Errorf("%w: %w", ErrPasswordPersistFailed, err)
	}
	return nil
}

// Open loads the key store. It fails with ErrNoStoredPassword when no master
// password has been recorded, and with ErrKeyStoreUnavailable when the
// password cannot be decrypted or does not open the container file. A
// missing container file is an empty store; it is written on the first
// change.
func Open(opts Options) (*Manager, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	encrypted, ok := opts.Prefs.GetString(PrefMasterPassword)
	if !ok {
		return nil, ErrNoStoredPassword
	}
	password, err := opts.Cipher.DecryptString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypting master password: %w", ErrKeyStoreUnavailable, err)
	}

	m := &Manager{
		opts:     opts,
		logger:   opts.Logger.With("path", opts.Path),
		password: secure.NewKey(password),
	}
	m.legacy = &legacyStore{m: m}

	c, err := m.load()
	if err != nil {
		m.password.Destroy()
		return nil, err
	}
	m.c = c
	m.logger.Debug("opened key store", "entries", len(c.entries))
	return m, nil
}

func (m *Manager) load() (*container, error) {
	data, err := os.ReadFile(m.opts.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return newContainer(m.password.Bytes(), m.opts.KDF, m.opts.Rand)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrKeyStoreUnavailable, m.opts.Path, err)
	}
	return decodeContainer(data, m.password.Bytes(), m.opts.Rand)
}

// Path returns the container file path.
func (m *Manager) Path() string { return m.opts.Path }

// Close wipes the in-memory master password. The Manager is unusable
// afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c != nil {
		m.c.destroy()
		m.c = nil
	}
	return m.password.Destroy()
}

// Reload discards the in-memory container and reads it again from disk.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c == nil {
		return ErrClosed
	}
	c, err := m.load()
	if err != nil {
		return err
	}
	m.c.destroy()
	m.c = c
	return nil
}

func (m *Manager) persist() error {
	data, err := m.c.encode()
	if err != nil {
		return err
	}
	if err := fileutil.WriteAtomic(m.opts.Path, data, 0o600); err != nil {
		return fmt.Errorf("saving key store: %w", err)
	}
	return nil
}

func (m *Manager) exists(alias string) bool {
	_, ok := m.c.get(alias)
	return ok || m.opts.Prefs.Contains(PrefAlias(alias))
}

// insert adds e to the container and makes it durable. record stores the
// password protecting e; if it fails, or the container cannot be written,
// the container is restored to its prior state. m.mu must be held.
func (m *Manager) insert(e entry, record func() error) error {
	prior, existed := m.c.put(e)
	if err := record(); err != nil {
		m.c.restore(e.Alias, prior, existed)
		return fmt.Errorf("%w for %s: %w", ErrPasswordPersistFailed, e.Alias, err)
	}
	if err := m.persist(); err != nil {
		m.c.restore(e.Alias, prior, existed)
		return err
	}
	return nil
}

func (m *Manager) add(alias string, e entry, material []byte, policy OverridePolicy) error {
	if alias == "" {
		return errors.New("store: alias must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c == nil {
		return ErrClosed
	}
	if policy != Override && m.exists(alias) {
		return fmt.Errorf("%w: %s", ErrAliasExists, alias)
	}

	e.Alias = alias
	e.Scope = ScopeContainer
	sealed, err := m.c.seal(e, m.password.Bytes(), material)
	if err != nil {
		return err
	}
	if err := m.insert(sealed, func() error {
		return recordMasterPassword(m.opts, m.password.Bytes())
	}); err != nil {
		return err
	}

	// The entry now lives under the master password; a per-alias record
	// left by an older version no longer applies.
	if m.opts.Prefs.Contains(PrefAlias(alias)) {
		if err := m.opts.Prefs.Remove(PrefAlias(alias)); err != nil {
			m.logger.Warn("failed to remove stale alias password", "alias", alias, "error", err)
		}
	}
	m.logger.Info("added entry", "alias", alias, "kind", e.Kind, "algorithm", e.Algorithm)
	return nil
}

// AddSecretKey stores key under alias. With Reject, an alias that exists in
// the container or has a legacy password record fails with ErrAliasExists.
// The caller keeps ownership of key.
func (m *Manager) AddSecretKey(alias string, key *amkscrypto.SecretKey, policy OverridePolicy) error {
	raw := key.Encoded()
	if raw == nil {
		return fmt.Errorf("store: secret key for %s has been destroyed", alias)
	}
	defer secure.Clear(raw)
	return m.add(alias, entry{Kind: KindSecretKey, Algorithm: key.Algorithm()}, raw, policy)
}

// AddKeyPair stores pair under alias with the same collision rules as
// AddSecretKey.
func (m *Manager) AddKeyPair(alias string, pair *amkscrypto.KeyPair, policy OverridePolicy) error {
	if pair == nil || pair.Certificate == nil {
		return errors.New("store: key pair needs a certificate")
	}
	der, err := amkscrypto.MarshalPrivateKey(pair.PrivateKey)
	if err != nil {
		return err
	}
	defer secure.Clear(der)
	e := entry{Kind: KindKeyPair, Algorithm: pair.Algorithm(), Certificate: pair.Certificate.Raw}
	return m.add(alias, e, der, policy)
}

// lookup returns the entry for alias if it holds material of kind.
func (m *Manager) lookup(alias string, kind EntryKind) (entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c == nil {
		return entry{}, ErrClosed
	}
	e, ok := m.c.get(alias)
	if !ok || e.Kind != kind {
		return entry{}, fmt.Errorf("%w: %s", ErrNotFound, alias)
	}
	return e, nil
}

// material decrypts e with the master password.
func (m *Manager) material(e entry) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c == nil {
		return nil, ErrClosed
	}
	material, err := m.c.open(e, m.password.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyStoreUnavailable, err)
	}
	return material, nil
}

// GetSecretKey returns the secret key stored under alias. The caller owns
// the key and should Destroy it. Entries with their own password are read
// through the legacy store, which may block on the recovery prompt.
func (m *Manager) GetSecretKey(ctx context.Context, alias string) (*amkscrypto.SecretKey, error) {
	e, err := m.lookup(alias, KindSecretKey)
	if err != nil {
		return nil, err
	}
	if e.Scope == ScopeAlias {
		return m.legacy.GetSecretKey(ctx, alias)
	}
	material, err := m.material(e)
	if err != nil {
		return nil, err
	}
	return amkscrypto.NewSecretKey(e.Algorithm, material), nil
}

// GetKeyPair returns the key pair stored under alias. The caller owns the
// pair and should Destroy it.
func (m *Manager) GetKeyPair(ctx context.Context, alias string) (*amkscrypto.KeyPair, error) {
	e, err := m.lookup(alias, KindKeyPair)
	if err != nil {
		return nil, err
	}
	if e.Scope == ScopeAlias {
		return m.legacy.GetKeyPair(ctx, alias)
	}
	der, err := m.material(e)
	if err != nil {
		return nil, err
	}
	defer secure.Clear(der)
	return decodeKeyPair(e, der)
}

func decodeKeyPair(e entry, der []byte) (*amkscrypto.KeyPair, error) {
	priv, err := amkscrypto.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: entry %s: %w", ErrKeyStoreUnavailable, e.Alias, err)
	}
	cert, err := x509.ParseCertificate(e.Certificate)
	if err != nil {
		return nil, fmt.Errorf("%w: entry %s certificate: %w", ErrKeyStoreUnavailable, e.Alias, err)
	}
	return amkscrypto.NewKeyPair(priv, cert)
}

// Certificate returns the certificate of the key pair under alias. It needs
// no password.
func (m *Manager) Certificate(alias string) (*x509.Certificate, error) {
	e, err := m.lookup(alias, KindKeyPair)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(e.Certificate)
	if err != nil {
		return nil, fmt.Errorf("%w: entry %s certificate: %w", ErrKeyStoreUnavailable, alias, err)
	}
	return cert, nil
}

// RemoveItem deletes alias from the container and drops any legacy password
// record for it. Removing an unknown alias is not an error.
func (m *Manager) RemoveItem(alias string) error {
	if m.legacy.ContainsKey(alias) {
		return m.legacy.RemoveItem(alias)
	}
	return m.removeEntry(alias)
}

func (m *Manager) removeEntry(alias string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c == nil {
		return ErrClosed
	}

	if prior, existed := m.c.remove(alias); existed {
		if err := m.persist(); err != nil {
			m.c.restore(alias, prior, true)
			return err
		}
		m.logger.Info("removed entry", "alias", alias)
	}
	return nil
}

// ContainsKey reports whether the container holds alias.
func (m *Manager) ContainsKey(alias string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c == nil {
		return false
	}
	_, ok := m.c.get(alias)
	return ok
}

// Aliases lists the container's aliases in sorted order.
func (m *Manager) Aliases() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c == nil {
		return nil
	}
	return m.c.aliases()
}

// EntryInfo describes an entry without exposing its material.
type EntryInfo struct {
	Alias     string
	Kind      EntryKind
	Algorithm string
	Scope     Scope
	Created   time.Time
}

// Entries describes every entry in alias order.
func (m *Manager) Entries() []EntryInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c == nil {
		return nil
	}
	out := make([]EntryInfo, 0, len(m.c.entries))
	for _, alias := range m.c.aliases() {
		e := m.c.entries[alias]
		out = append(out, EntryInfo{
			Alias:     e.Alias,
			Kind:      e.Kind,
			Algorithm: e.Algorithm,
			Scope:     e.Scope,
			Created:   time.Unix(e.Created, 0),
		})
	}
	return out
}
