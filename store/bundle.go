package store

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"filippo.io/age"

	"github.com/joncooperworks/amks/crypto/secure"
	"github.com/joncooperworks/amks/fileutil"
)

const bundleVersion = 1

// bundle is the plaintext inside an exported archive.
type bundle struct {
	Version   int    `cbor:"1,keyasint"`
	Password  []byte `cbor:"2,keyasint"`
	Container []byte `cbor:"3,keyasint"`
}

// Export writes the container and its master password to w as an age
// archive encrypted with passphrase. Entries with per-alias passwords are
// included, but their passwords are not; run MigrateLegacyEntries first to
// carry them. The caller keeps ownership of passphrase.
func (m *Manager) Export(w io.Writer, passphrase []byte) error {
	if len(passphrase) == 0 {
		return errors.New("store: export passphrase must not be empty")
	}
	// age only takes strings, so this copy cannot be cleared.
	recipient, err := age.NewScryptRecipient(string(passphrase))
	if err != nil {
		return fmt.Errorf("creating export recipient: %w", err)
	}
	if m.opts.ExportWorkFactor > 0 {
		recipient.SetWorkFactor(m.opts.ExportWorkFactor)
	}

	m.mu.Lock()
	if m.c == nil {
		m.mu.Unlock()
		return ErrClosed
	}
	data, err := m.c.encode()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	b := bundle{Version: bundleVersion, Password: append([]byte(nil), m.password.Bytes()...), Container: data}
	entries := len(m.c.entries)
	m.mu.Unlock()
	defer secure.Clear(b.Password)

	plaintext, err := encMode.Marshal(b)
	if err != nil {
		return fmt.Errorf("encoding export: %w", err)
	}
	defer secure.Clear(plaintext)

	writer, err := age.Encrypt(w, recipient)
	if err != nil {
		return fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return fmt.Errorf("writing export: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalizing export: %w", err)
	}
	m.logger.Info("exported key store", "entries", entries)
	return nil
}

// Import replaces the key store with an archive written by Export. The
// archive is verified to open with its bundled password before anything
// on disk changes.
func (m *Manager) Import(r io.Reader, passphrase []byte) error {
	identity, err := age.NewScryptIdentity(string(passphrase))
	if err != nil {
		return fmt.Errorf("creating import identity: %w", err)
	}
	reader, err := age.Decrypt(r, identity)
	if err != nil {
		return fmt.Errorf("decrypting import: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("reading import: %w", err)
	}
	defer secure.Clear(plaintext)

	var b bundle
	if err := decMode.Unmarshal(plaintext, &b); err != nil {
		return fmt.Errorf("%w: decoding import: %v", ErrKeyStoreUnavailable, err)
	}
	password := secure.NewKey(b.Password)
	if b.Version != bundleVersion {
		password.Destroy()
		return fmt.Errorf("%w: unsupported export version %d", ErrKeyStoreUnavailable, b.Version)
	}

	c, err := decodeContainer(b.Container, password.Bytes(), m.opts.Rand)
	if err != nil {
		password.Destroy()
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c == nil {
		c.destroy()
		password.Destroy()
		return ErrClosed
	}

	previous, err := os.ReadFile(m.opts.Path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.destroy()
		password.Destroy()
		return fmt.Errorf("reading %s: %w", m.opts.Path, err)
	}
	hadPrevious := err == nil

	if err := fileutil.WriteAtomic(m.opts.Path, b.Container, 0o600); err != nil {
		c.destroy()
		password.Destroy()
		return fmt.Errorf("saving key store: %w", err)
	}
	if err := recordMasterPassword(m.opts, password.Bytes()); err != nil {
		// Put the old file back so it still matches the recorded password.
		var restoreErr error
		if hadPrevious {
			restoreErr = fileutil.WriteAtomic(m.opts.Path, previous, 0o600)
		} else {
			restoreErr = os.Remove(m.opts.Path)
		}
		if restoreErr != nil {
			m.logger.Error("failed to restore key store after import", "error", restoreErr)
		}
		c.destroy()
		password.Destroy()
		return err
	}

	m.c.destroy()
	m.password.Destroy()
	m.c = c
	m.password = password
	m.logger.Info("imported key store", "entries", len(c.entries))
	return nil
}
