package store

import (
	"context"
	"errors"
	"fmt"

	amkscrypto "github.com/joncooperworks/amks/crypto"
	"github.com/joncooperworks/amks/crypto/secure"
)

// Store is the read and remove surface shared by the current key store and
// the deprecated per-alias variant.
type Store interface {
	GetSecretKey(ctx context.Context, alias string) (*amkscrypto.SecretKey, error)
	GetKeyPair(ctx context.Context, alias string) (*amkscrypto.KeyPair, error)
	ContainsKey(alias string) bool
	RemoveItem(alias string) error
}

var (
	_ Store = (*Manager)(nil)
	_ Store = (*legacyStore)(nil)
)

// legacyStore reads entries that carry their own password, recorded in
// encrypted form under PrefAlias(alias). The Manager routes reads and
// removals of such entries here; MigrateLegacyEntries moves them out.
type legacyStore struct {
	m *Manager
}

// storedPassword decrypts the recorded password for alias.
func (l *legacyStore) storedPassword(alias string) ([]byte, error) {
	encrypted, ok := l.m.opts.Prefs.GetString(PrefAlias(alias))
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoStoredPassword, alias)
	}
	password, err := l.m.opts.Cipher.DecryptString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypting password for %s: %w", ErrKeyStoreUnavailable, alias, err)
	}
	return password, nil
}

func (l *legacyStore) record(alias string, password []byte) error {
	encrypted, err := l.m.opts.Cipher.EncryptString(password)
	if err != nil {
		return err
	}
	return l.m.opts.Prefs.PutString(PrefAlias(alias), encrypted)
}

// openWith decrypts e with password under the manager lock.
func (l *legacyStore) openWith(e entry, password []byte) ([]byte, error) {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	if l.m.c == nil {
		return nil, ErrClosed
	}
	return l.m.c.open(e, password)
}

// openStored decrypts e with its recorded password and never prompts.
func (l *legacyStore) openStored(e entry) ([]byte, error) {
	password, err := l.storedPassword(e.Alias)
	if err != nil {
		return nil, err
	}
	defer secure.Clear(password)
	return l.openWith(e, password)
}

// open decrypts e with its recorded password. When none is recorded, the
// user is asked once; the answer is recorded and the lookup retried a
// single time. A cancelled or timed-out prompt ends the read with the
// recovery error.
func (l *legacyStore) open(ctx context.Context, e entry) ([]byte, error) {
	material, err := l.openStored(e)
	if !errors.Is(err, ErrNoStoredPassword) {
		return material, err
	}
	if l.m.opts.Recovery == nil {
		return nil, err
	}

	l.m.logger.Info("requesting missing password", "alias", e.Alias)
	supplied, err := l.m.opts.Recovery.Await(ctx, e.Alias)
	if err != nil {
		return nil, err
	}
	recordErr := l.record(e.Alias, supplied)
	secure.Clear(supplied)
	if recordErr != nil {
		return nil, fmt.Errorf("%w for %s: %w", ErrPasswordPersistFailed, e.Alias, recordErr)
	}

	material, err = l.openStored(e)
	if errors.Is(err, ErrWrongPassword) {
		// Do not keep a password that does not open the entry.
		if rmErr := l.m.opts.Prefs.Remove(PrefAlias(e.Alias)); rmErr != nil {
			l.m.logger.Warn("failed to remove rejected password", "alias", e.Alias, "error", rmErr)
		}
	}
	return material, err
}

func (l *legacyStore) lookup(alias string, kind EntryKind) (entry, error) {
	e, err := l.m.lookup(alias, kind)
	if err != nil {
		return entry{}, err
	}
	if e.Scope != ScopeAlias {
		return entry{}, fmt.Errorf("%w: %s has no per-alias password", ErrNotFound, alias)
	}
	return e, nil
}

func (l *legacyStore) GetSecretKey(ctx context.Context, alias string) (*amkscrypto.SecretKey, error) {
	e, err := l.lookup(alias, KindSecretKey)
	if err != nil {
		return nil, err
	}
	material, err := l.open(ctx, e)
	if err != nil {
		return nil, err
	}
	return amkscrypto.NewSecretKey(e.Algorithm, material), nil
}

func (l *legacyStore) GetKeyPair(ctx context.Context, alias string) (*amkscrypto.KeyPair, error) {
	e, err := l.lookup(alias, KindKeyPair)
	if err != nil {
		return nil, err
	}
	der, err := l.open(ctx, e)
	if err != nil {
		return nil, err
	}
	defer secure.Clear(der)
	return decodeKeyPair(e, der)
}

// ContainsKey reports whether alias has a per-alias password record.
func (l *legacyStore) ContainsKey(alias string) bool {
	return l.m.opts.Prefs.Contains(PrefAlias(alias))
}

// RemoveItem deletes the entry and then its password record, so a failed
// removal never leaves an entry that cannot be opened.
func (l *legacyStore) RemoveItem(alias string) error {
	if err := l.m.removeEntry(alias); err != nil {
		return err
	}
	if err := l.m.opts.Prefs.Remove(PrefAlias(alias)); err != nil {
		return fmt.Errorf("removing password record for %s: %w", alias, err)
	}
	return nil
}
