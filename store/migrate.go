package store

import (
	"bytes"
	"context"

	"github.com/joncooperworks/amks/crypto/secure"
)

// MigrationAliases are the aliases older versions stored with per-alias
// passwords.
var MigrationAliases = []string{"backup_aes", "backup_rsa", "backup_ecc", "signing_key", "adb"}

// MigrateLegacyEntries moves entries of MigrationAliases that still have a
// per-alias password under the master password, and returns the aliases it
// moved. Failures are logged and skipped so the rest can proceed; running it
// again retries them and leaves already-migrated entries alone. It never
// prompts the user.
func (m *Manager) MigrateLegacyEntries(ctx context.Context) []string {
	var migrated []string
	for _, alias := range MigrationAliases {
		if err := ctx.Err(); err != nil {
			m.logger.Warn("migration interrupted", "error", err)
			break
		}
		moved, err := m.migrate(alias)
		if err != nil {
			m.logger.Warn("failed to migrate entry", "alias", alias, "error", err)
			continue
		}
		if moved {
			migrated = append(migrated, alias)
		}
	}
	if len(migrated) > 0 {
		m.logger.Info("migrated legacy entries", "aliases", migrated)
	}
	return migrated
}

func (m *Manager) migrate(alias string) (bool, error) {
	if !m.opts.Prefs.Contains(PrefAlias(alias)) {
		return false, nil
	}

	m.mu.Lock()
	if m.c == nil {
		m.mu.Unlock()
		return false, ErrClosed
	}
	e, ok := m.c.get(alias)
	m.mu.Unlock()

	if !ok || e.Scope == ScopeContainer {
		// Nothing left to move; only the record is stale.
		return false, m.opts.Prefs.Remove(PrefAlias(alias))
	}

	material, err := m.legacy.openStored(e)
	if err != nil {
		return false, err
	}
	defer secure.Clear(material)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c == nil {
		return false, ErrClosed
	}
	current, ok := m.c.get(alias)
	if !ok || current.Scope != ScopeAlias || !bytes.Equal(current.Salt, e.Salt) {
		// Changed underneath us; a later run will look again.
		return false, nil
	}

	e.Scope = ScopeContainer
	sealed, err := m.c.seal(e, m.password.Bytes(), material)
	if err != nil {
		return false, err
	}
	if err := m.insert(sealed, func() error {
		return recordMasterPassword(m.opts, m.password.Bytes())
	}); err != nil {
		return false, err
	}
	if err := m.opts.Prefs.Remove(PrefAlias(alias)); err != nil {
		m.logger.Warn("failed to remove migrated alias password", "alias", alias, "error", err)
	}
	return true, nil
}
