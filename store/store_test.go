package store

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	amkscrypto "github.com/joncooperworks/amks/crypto"
	"github.com/joncooperworks/amks/crypto/envelope"
	"github.com/joncooperworks/amks/crypto/keystore"
	"github.com/joncooperworks/amks/prefs"
	"github.com/joncooperworks/amks/recovery"
)

// Cheap Argon2id parameters so tests run quickly.
var testKDF = KDFParams{Time: 1, Memory: 64, Threads: 1}

var errDiskFull = errors.New("disk full")

// failingPrefs fails writes to the listed keys.
type failingPrefs struct {
	prefs.Store
	mu   sync.Mutex
	fail map[string]bool
}

func (f *failingPrefs) setFail(key string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail == nil {
		f.fail = map[string]bool{}
	}
	f.fail[key] = fail
}

func (f *failingPrefs) PutString(key, value string) error {
	f.mu.Lock()
	fail := f.fail[key]
	f.mu.Unlock()
	if fail {
		return errDiskFull
	}
	return f.Store.PutString(key, value)
}

// testEnv is one installation: a data directory, its preference file and
// an OS key store.
type testEnv struct {
	t       *testing.T
	dir     string
	backend *keystore.KeyringBackend
	level   int
	prefs   *failingPrefs
	cipher  *envelope.Cipher
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvAtLevel(t, envelope.HardwareLevel)
}

func newTestEnvAtLevel(t *testing.T, level int) *testEnv {
	t.Helper()
	e := &testEnv{t: t, dir: t.TempDir(), backend: keystore.NewMemoryBackend(), level: level}
	e.restart()
	return e
}

// restart simulates a new process: preferences are reloaded from disk and
// a fresh cipher is built over the same OS key store.
func (e *testEnv) restart() {
	e.t.Helper()
	p, err := prefs.Open(filepath.Join(e.dir, PrefsFile))
	if err != nil {
		e.t.Fatalf("prefs.Open() failed: %v", err)
	}
	e.prefs = &failingPrefs{Store: p}
	e.cipher, err = envelope.NewCipher(envelope.Options{
		Backend: e.backend,
		Prefs:   e.prefs,
		Level:   e.level,
		Logger:  discardLogger(),
	})
	if err != nil {
		e.t.Fatalf("envelope.NewCipher() failed: %v", err)
	}
}

func (e *testEnv) options() Options {
	return Options{
		Path:             filepath.Join(e.dir, ContainerFile),
		Prefs:            e.prefs,
		Cipher:           e.cipher,
		KDF:              testKDF,
		ExportWorkFactor: 10,
		Logger:           discardLogger(),
	}
}

func (e *testEnv) open() *Manager {
	e.t.Helper()
	if _, err := Provision(e.options()); err != nil {
		e.t.Fatalf("Provision() failed: %v", err)
	}
	m, err := Open(e.options())
	if err != nil {
		e.t.Fatalf("Open() failed: %v", err)
	}
	e.t.Cleanup(func() { m.Close() })
	return m
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newAESKey(t *testing.T) *amkscrypto.SecretKey {
	t.Helper()
	key, err := amkscrypto.GenerateSecretKey(rand.Reader, 256)
	if err != nil {
		t.Fatalf("GenerateSecretKey() failed: %v", err)
	}
	return key
}

func newECPair(t *testing.T) *amkscrypto.KeyPair {
	t.Helper()
	pair, err := amkscrypto.GenerateECDSAKeyPair(amkscrypto.KeyPairOptions{})
	if err != nil {
		t.Fatalf("GenerateECDSAKeyPair() failed: %v", err)
	}
	return pair
}

func respondWith(password string) *recovery.Coordinator {
	return recovery.NewCoordinator(recovery.PrompterFunc(func(ctx context.Context, req *recovery.Request) error {
		req.Respond([]byte(password))
		return nil
	}), recovery.WithLogger(discardLogger()))
}

func TestEndToEndReopen(t *testing.T) {
	levels := []struct {
		name  string
		level int
	}{
		{name: "hardware AES", level: envelope.HardwareLevel},
		{name: "wrapped AES", level: envelope.HardwareLevel - 1},
	}

	for _, lvl := range levels {
		t.Run(lvl.name, func(t *testing.T) {
			env := newTestEnvAtLevel(t, lvl.level)

			created, err := Provision(env.options())
			if err != nil {
				t.Fatalf("Provision() failed: %v", err)
			}
			if !created {
				t.Fatal("first Provision() should create a password")
			}

			m, err := Open(env.options())
			if err != nil {
				t.Fatalf("Open() failed: %v", err)
			}
			key := newAESKey(t)
			want := key.Encoded()
			if err := m.AddSecretKey("adb", key, Reject); err != nil {
				t.Fatalf("AddSecretKey() failed: %v", err)
			}
			if err := m.Close(); err != nil {
				t.Fatalf("Close() failed: %v", err)
			}

			info, err := os.Stat(filepath.Join(env.dir, ContainerFile))
			if err != nil {
				t.Fatalf("container file missing: %v", err)
			}
			if info.Mode().Perm() != 0o600 {
				t.Errorf("container mode = %v, want 0600", info.Mode().Perm())
			}

			env.restart()
			reopened, err := Open(env.options())
			if err != nil {
				t.Fatalf("Open() after restart failed: %v", err)
			}
			defer reopened.Close()

			got, err := reopened.GetSecretKey(context.Background(), "adb")
			if err != nil {
				t.Fatalf("GetSecretKey() failed: %v", err)
			}
			if !bytes.Equal(got.Encoded(), want) {
				t.Error("reopened key material differs")
			}
			if got.Algorithm() != amkscrypto.AlgorithmAES {
				t.Errorf("Algorithm() = %q", got.Algorithm())
			}
		})
	}
}

func TestAliasCollisionPolicy(t *testing.T) {
	env := newTestEnv(t)
	m := env.open()
	ctx := context.Background()

	k1, k2 := newAESKey(t), newAESKey(t)
	if err := m.AddSecretKey("backup_aes", k1, Reject); err != nil {
		t.Fatalf("first AddSecretKey() failed: %v", err)
	}
	if err := m.AddSecretKey("backup_aes", k2, Reject); !errors.Is(err, ErrAliasExists) {
		t.Fatalf("second AddSecretKey() error = %v, want ErrAliasExists", err)
	}
	got, err := m.GetSecretKey(ctx, "backup_aes")
	if err != nil {
		t.Fatalf("GetSecretKey() failed: %v", err)
	}
	if !got.Equal(k1) {
		t.Error("rejected add must leave the first key in place")
	}

	if err := m.AddSecretKey("backup_aes", k2, Override); err != nil {
		t.Fatalf("AddSecretKey(Override) failed: %v", err)
	}
	got, err = m.GetSecretKey(ctx, "backup_aes")
	if err != nil {
		t.Fatalf("GetSecretKey() failed: %v", err)
	}
	if !got.Equal(k2) {
		t.Error("override should replace the key")
	}

	t.Run("legacy record counts as existing", func(t *testing.T) {
		if err := env.prefs.PutString(PrefAlias("orphan"), "record"); err != nil {
			t.Fatalf("PutString() failed: %v", err)
		}
		if err := m.AddSecretKey("orphan", newAESKey(t), Reject); !errors.Is(err, ErrAliasExists) {
			t.Errorf("AddSecretKey() error = %v, want ErrAliasExists", err)
		}
		if err := m.AddSecretKey("orphan", newAESKey(t), Override); err != nil {
			t.Fatalf("AddSecretKey(Override) failed: %v", err)
		}
		if env.prefs.Contains(PrefAlias("orphan")) {
			t.Error("stale alias record should be removed once the entry moves under the master password")
		}
	})
}

func TestRollbackOnPasswordPersistFailure(t *testing.T) {
	env := newTestEnv(t)
	m := env.open()
	ctx := context.Background()

	existing := newECPair(t)
	if err := m.AddKeyPair("backup_ecc", existing, Reject); err != nil {
		t.Fatalf("AddKeyPair() failed: %v", err)
	}

	env.prefs.setFail(PrefMasterPassword, true)

	if err := m.AddKeyPair("signing_key", newECPair(t), Reject); !errors.Is(err, ErrPasswordPersistFailed) {
		t.Fatalf("AddKeyPair() error = %v, want ErrPasswordPersistFailed", err)
	}
	if m.ContainsKey("signing_key") {
		t.Error("failed add must not leave the alias in the container")
	}
	if _, err := m.GetKeyPair(ctx, "signing_key"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetKeyPair() error = %v, want ErrNotFound", err)
	}

	if err := m.AddKeyPair("backup_ecc", newECPair(t), Override); !errors.Is(err, ErrPasswordPersistFailed) {
		t.Fatalf("overriding AddKeyPair() error = %v, want ErrPasswordPersistFailed", err)
	}
	got, err := m.GetKeyPair(ctx, "backup_ecc")
	if err != nil {
		t.Fatalf("GetKeyPair() failed: %v", err)
	}
	if !got.Certificate.Equal(existing.Certificate) {
		t.Error("failed override must restore the previous entry")
	}

	env.prefs.setFail(PrefMasterPassword, false)
	env.restart()
	reopened, err := Open(env.options())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer reopened.Close()
	if reopened.ContainsKey("signing_key") {
		t.Error("rolled-back alias must not reach the container file")
	}
}

func TestRollbackOnContainerWriteFailure(t *testing.T) {
	env := newTestEnv(t)
	m := env.open()

	// A non-empty directory where the container file should be makes the
	// final rename fail.
	blocker := filepath.Join(m.Path(), "blocker")
	if err := os.MkdirAll(blocker, 0o700); err != nil {
		t.Fatalf("MkdirAll() failed: %v", err)
	}

	if err := m.AddSecretKey("adb", newAESKey(t), Reject); err == nil {
		t.Fatal("AddSecretKey() should fail when the container cannot be written")
	}
	if m.ContainsKey("adb") {
		t.Error("failed write must roll back the in-memory entry")
	}
}

func TestOpenErrors(t *testing.T) {
	t.Run("no stored password", func(t *testing.T) {
		env := newTestEnv(t)
		if _, err := Open(env.options()); !errors.Is(err, ErrNoStoredPassword) {
			t.Errorf("Open() error = %v, want ErrNoStoredPassword", err)
		}
	})

	t.Run("master key lost", func(t *testing.T) {
		env := newTestEnv(t)
		env.open()
		if err := env.backend.Delete(envelope.AESAlias); err != nil {
			t.Fatalf("Delete() failed: %v", err)
		}
		env.restart()
		if _, err := Open(env.options()); !errors.Is(err, ErrKeyStoreUnavailable) {
			t.Errorf("Open() error = %v, want ErrKeyStoreUnavailable", err)
		}
	})

	t.Run("corrupt file", func(t *testing.T) {
		env := newTestEnv(t)
		m := env.open()
		if err := m.AddSecretKey("adb", newAESKey(t), Reject); err != nil {
			t.Fatalf("AddSecretKey() failed: %v", err)
		}
		data, err := os.ReadFile(m.Path())
		if err != nil {
			t.Fatalf("ReadFile() failed: %v", err)
		}

		tests := []struct {
			name string
			data []byte
		}{
			{name: "empty", data: nil},
			{name: "bad magic", data: append([]byte("JKS!"), data[4:]...)},
			{name: "bad version", data: append(append([]byte("AMKS"), 9), data[5:]...)},
			{name: "truncated", data: data[:len(data)/2]},
			{name: "flipped bit", data: func() []byte {
				c := append([]byte(nil), data...)
				c[len(c)-40] ^= 0x01
				return c
			}()},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if err := os.WriteFile(m.Path(), tt.data, 0o600); err != nil {
					t.Fatalf("WriteFile() failed: %v", err)
				}
				if _, err := Open(env.options()); !errors.Is(err, ErrKeyStoreUnavailable) {
					t.Errorf("Open() error = %v, want ErrKeyStoreUnavailable", err)
				}
			})
		}
	})

	t.Run("missing options", func(t *testing.T) {
		if _, err := Open(Options{}); err == nil {
			t.Error("Open() without options should fail")
		}
	})
}

func TestProvision(t *testing.T) {
	env := newTestEnv(t)

	created, err := Provision(env.options())
	if err != nil || !created {
		t.Fatalf("Provision() = %v, %v; want true, nil", created, err)
	}
	if !HasMasterPassword(env.prefs) {
		t.Error("HasMasterPassword() should be true after Provision")
	}
	created, err = Provision(env.options())
	if err != nil || created {
		t.Errorf("second Provision() = %v, %v; want false, nil", created, err)
	}

	t.Run("existing container without password", func(t *testing.T) {
		env := newTestEnv(t)
		if err := os.WriteFile(filepath.Join(env.dir, ContainerFile), []byte("AMKS"), 0o600); err != nil {
			t.Fatalf("WriteFile() failed: %v", err)
		}
		if _, err := Provision(env.options()); !errors.Is(err, ErrNoStoredPassword) {
			t.Errorf("Provision() error = %v, want ErrNoStoredPassword", err)
		}
	})
}

func TestRecoverMasterPassword(t *testing.T) {
	env := newTestEnv(t)
	m := env.open()
	if err := m.AddSecretKey("adb", newAESKey(t), Reject); err != nil {
		t.Fatalf("AddSecretKey() failed: %v", err)
	}
	encrypted, _ := env.prefs.GetString(PrefMasterPassword)
	password, err := env.cipher.DecryptString(encrypted)
	if err != nil {
		t.Fatalf("DecryptString() failed: %v", err)
	}
	m.Close()

	if err := env.prefs.Remove(PrefMasterPassword); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if _, err := Open(env.options()); !errors.Is(err, ErrNoStoredPassword) {
		t.Fatalf("Open() error = %v, want ErrNoStoredPassword", err)
	}

	t.Run("wrong password", func(t *testing.T) {
		opts := env.options()
		opts.Recovery = respondWith("not the password")
		if err := RecoverMasterPassword(context.Background(), opts); !errors.Is(err, ErrWrongPassword) {
			t.Errorf("RecoverMasterPassword() error = %v, want ErrWrongPassword", err)
		}
		if HasMasterPassword(env.prefs) {
			t.Error("a wrong password must not be recorded")
		}
	})

	t.Run("no prompt configured", func(t *testing.T) {
		if err := RecoverMasterPassword(context.Background(), env.options()); !errors.Is(err, ErrNoStoredPassword) {
			t.Errorf("RecoverMasterPassword() error = %v, want ErrNoStoredPassword", err)
		}
	})

	t.Run("correct password", func(t *testing.T) {
		opts := env.options()
		opts.Recovery = respondWith(string(password))
		if err := RecoverMasterPassword(context.Background(), opts); err != nil {
			t.Fatalf("RecoverMasterPassword() failed: %v", err)
		}
		reopened, err := Open(env.options())
		if err != nil {
			t.Fatalf("Open() after recovery failed: %v", err)
		}
		defer reopened.Close()
		if !reopened.ContainsKey("adb") {
			t.Error("recovered store should still hold its entries")
		}
	})
}

func TestLegacyEntryRead(t *testing.T) {
	ctx := context.Background()
	raw := bytes.Repeat([]byte{0x42}, 16)

	setup := func(t *testing.T) (*testEnv, *Manager) {
		env := newTestEnv(t)
		m := env.open()
		e := entry{Kind: KindSecretKey, Algorithm: amkscrypto.AlgorithmAES}
		if err := addLegacyEntry(m, "signing_key", e, []byte("alias-password"), raw); err != nil {
			t.Fatalf("addLegacyEntry() failed: %v", err)
		}
		return env, m
	}

	t.Run("recorded password", func(t *testing.T) {
		_, m := setup(t)
		key, err := m.GetSecretKey(ctx, "signing_key")
		if err != nil {
			t.Fatalf("GetSecretKey() failed: %v", err)
		}
		if !bytes.Equal(key.Encoded(), raw) {
			t.Error("legacy key material differs")
		}
		if !m.legacy.ContainsKey("signing_key") {
			t.Error("legacy store should report the alias")
		}
	})

	t.Run("missing password without prompt", func(t *testing.T) {
		env, m := setup(t)
		env.prefs.Remove(PrefAlias("signing_key"))
		if _, err := m.GetSecretKey(ctx, "signing_key"); !errors.Is(err, ErrNoStoredPassword) {
			t.Errorf("GetSecretKey() error = %v, want ErrNoStoredPassword", err)
		}
	})

	t.Run("missing password recovered", func(t *testing.T) {
		env, m := setup(t)
		env.prefs.Remove(PrefAlias("signing_key"))
		m.opts.Recovery = respondWith("alias-password")

		key, err := m.GetSecretKey(ctx, "signing_key")
		if err != nil {
			t.Fatalf("GetSecretKey() failed: %v", err)
		}
		if !bytes.Equal(key.Encoded(), raw) {
			t.Error("recovered key material differs")
		}
		if !env.prefs.Contains(PrefAlias("signing_key")) {
			t.Error("supplied password should be recorded")
		}
	})

	t.Run("user cancels", func(t *testing.T) {
		env, m := setup(t)
		env.prefs.Remove(PrefAlias("signing_key"))
		m.opts.Recovery = recovery.NewCoordinator(recovery.PrompterFunc(func(ctx context.Context, req *recovery.Request) error {
			req.Cancel()
			return nil
		}), recovery.WithLogger(discardLogger()))

		if _, err := m.GetSecretKey(ctx, "signing_key"); !errors.Is(err, recovery.ErrCancelled) {
			t.Errorf("GetSecretKey() error = %v, want recovery.ErrCancelled", err)
		}
	})

	t.Run("wrong password supplied", func(t *testing.T) {
		env, m := setup(t)
		env.prefs.Remove(PrefAlias("signing_key"))
		m.opts.Recovery = respondWith("guess")

		if _, err := m.GetSecretKey(ctx, "signing_key"); !errors.Is(err, ErrWrongPassword) {
			t.Errorf("GetSecretKey() error = %v, want ErrWrongPassword", err)
		}
		if env.prefs.Contains(PrefAlias("signing_key")) {
			t.Error("a rejected password must not stay recorded")
		}
	})

	t.Run("wrong kind", func(t *testing.T) {
		_, m := setup(t)
		if _, err := m.GetKeyPair(ctx, "signing_key"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetKeyPair() error = %v, want ErrNotFound", err)
		}
	})
}

func TestMigrateLegacyEntries(t *testing.T) {
	env := newTestEnv(t)
	m := env.open()
	ctx := context.Background()

	aesRaw := bytes.Repeat([]byte{0x11}, 16)
	pair := newECPair(t)
	der, err := amkscrypto.MarshalPrivateKey(pair.PrivateKey)
	if err != nil {
		t.Fatalf("MarshalPrivateKey() failed: %v", err)
	}

	legacy := []struct {
		alias    string
		e        entry
		material []byte
	}{
		{alias: "backup_aes", e: entry{Kind: KindSecretKey, Algorithm: amkscrypto.AlgorithmAES}, material: aesRaw},
		{alias: "signing_key", e: entry{Kind: KindKeyPair, Algorithm: amkscrypto.AlgorithmEC, Certificate: pair.Certificate.Raw}, material: der},
		{alias: "not_well_known", e: entry{Kind: KindSecretKey, Algorithm: amkscrypto.AlgorithmAES}, material: aesRaw},
	}
	for _, l := range legacy {
		if err := addLegacyEntry(m, l.alias, l.e, []byte("pw-"+l.alias), append([]byte(nil), l.material...)); err != nil {
			t.Fatalf("addLegacyEntry() %s failed: %v", l.alias, err)
		}
	}

	adbKey := newAESKey(t)
	if err := m.AddSecretKey("adb", adbKey, Reject); err != nil {
		t.Fatalf("AddSecretKey() failed: %v", err)
	}
	// A record left behind for an entry that already moved.
	if err := env.prefs.PutString(PrefAlias("adb"), "stale"); err != nil {
		t.Fatalf("PutString() failed: %v", err)
	}

	snapshot := func() map[string]string {
		out := map[string]string{}
		for _, info := range m.Entries() {
			out[info.Alias] = info.Scope.String()
		}
		return out
	}
	check := func(t *testing.T) {
		t.Helper()
		key, err := m.GetSecretKey(ctx, "backup_aes")
		if err != nil {
			t.Fatalf("GetSecretKey(backup_aes) failed: %v", err)
		}
		if !bytes.Equal(key.Encoded(), aesRaw) {
			t.Error("backup_aes material changed")
		}
		got, err := m.GetKeyPair(ctx, "signing_key")
		if err != nil {
			t.Fatalf("GetKeyPair(signing_key) failed: %v", err)
		}
		if !got.Certificate.Equal(pair.Certificate) {
			t.Error("signing_key certificate changed")
		}
		adb, err := m.GetSecretKey(ctx, "adb")
		if err != nil {
			t.Fatalf("GetSecretKey(adb) failed: %v", err)
		}
		if !adb.Equal(adbKey) {
			t.Error("adb material changed")
		}
	}

	migrated := m.MigrateLegacyEntries(ctx)
	if strings.Join(migrated, ",") != "backup_aes,signing_key" {
		t.Errorf("first migration moved %v, want [backup_aes signing_key]", migrated)
	}
	for _, alias := range []string{"backup_aes", "signing_key", "adb"} {
		if env.prefs.Contains(PrefAlias(alias)) {
			t.Errorf("record for %s should be gone after migration", alias)
		}
	}
	if !env.prefs.Contains(PrefAlias("not_well_known")) {
		t.Error("aliases outside the migration set must be left alone")
	}
	check(t)
	afterFirst := snapshot()
	if afterFirst["backup_aes"] != "container" || afterFirst["not_well_known"] != "alias" {
		t.Errorf("unexpected scopes after migration: %v", afterFirst)
	}

	if again := m.MigrateLegacyEntries(ctx); len(again) != 0 {
		t.Errorf("second migration moved %v, want nothing", again)
	}
	check(t)
	afterSecond := snapshot()
	if len(afterFirst) != len(afterSecond) {
		t.Fatalf("alias set changed: %v vs %v", afterFirst, afterSecond)
	}
	for alias, scope := range afterFirst {
		if afterSecond[alias] != scope {
			t.Errorf("%s scope changed from %s to %s", alias, scope, afterSecond[alias])
		}
	}

	// Migrated entries no longer depend on the per-alias passwords.
	env.restart()
	reopened, err := Open(env.options())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.GetSecretKey(ctx, "backup_aes"); err != nil {
		t.Errorf("GetSecretKey() after reopen failed: %v", err)
	}
}

func TestMigrateSkipsUnreadableEntries(t *testing.T) {
	env := newTestEnv(t)
	m := env.open()

	e := entry{Kind: KindSecretKey, Algorithm: amkscrypto.AlgorithmAES}
	if err := addLegacyEntry(m, "backup_aes", e, []byte("pw"), bytes.Repeat([]byte{1}, 16)); err != nil {
		t.Fatalf("addLegacyEntry() failed: %v", err)
	}
	if err := addLegacyEntry(m, "adb", e, []byte("pw"), bytes.Repeat([]byte{2}, 16)); err != nil {
		t.Fatalf("addLegacyEntry() failed: %v", err)
	}
	if err := env.prefs.PutString(PrefAlias("backup_aes"), "garbage"); err != nil {
		t.Fatalf("PutString() failed: %v", err)
	}

	migrated := m.MigrateLegacyEntries(context.Background())
	if len(migrated) != 1 || migrated[0] != "adb" {
		t.Errorf("MigrateLegacyEntries() = %v, want [adb]", migrated)
	}
	for _, info := range m.Entries() {
		if info.Alias == "backup_aes" && info.Scope != ScopeAlias {
			t.Error("unreadable entry should stay under its own password")
		}
	}
}

func TestRemoveItem(t *testing.T) {
	env := newTestEnv(t)
	m := env.open()

	if err := m.AddSecretKey("adb", newAESKey(t), Reject); err != nil {
		t.Fatalf("AddSecretKey() failed: %v", err)
	}
	if err := env.prefs.PutString(PrefAlias("adb"), "stale"); err != nil {
		t.Fatalf("PutString() failed: %v", err)
	}

	if err := m.RemoveItem("adb"); err != nil {
		t.Fatalf("RemoveItem() failed: %v", err)
	}
	if m.ContainsKey("adb") {
		t.Error("alias should be gone")
	}
	if env.prefs.Contains(PrefAlias("adb")) {
		t.Error("legacy record should be gone")
	}
	if err := m.RemoveItem("adb"); err != nil {
		t.Errorf("removing a missing alias should not fail: %v", err)
	}

	env.restart()
	reopened, err := Open(env.options())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer reopened.Close()
	if reopened.ContainsKey("adb") {
		t.Error("removal should be persisted")
	}
}

func TestCertificateAndEntries(t *testing.T) {
	env := newTestEnv(t)
	m := env.open()

	pair := newECPair(t)
	if err := m.AddKeyPair("backup_ecc", pair, Reject); err != nil {
		t.Fatalf("AddKeyPair() failed: %v", err)
	}
	if err := m.AddSecretKey("adb", newAESKey(t), Reject); err != nil {
		t.Fatalf("AddSecretKey() failed: %v", err)
	}

	cert, err := m.Certificate("backup_ecc")
	if err != nil {
		t.Fatalf("Certificate() failed: %v", err)
	}
	if !cert.Equal(pair.Certificate) {
		t.Error("Certificate() returned a different certificate")
	}
	if _, err := m.Certificate("adb"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Certificate() on a secret key error = %v, want ErrNotFound", err)
	}

	if got := strings.Join(m.Aliases(), ","); got != "adb,backup_ecc" {
		t.Errorf("Aliases() = %s, want adb,backup_ecc", got)
	}
	entries := m.Entries()
	if len(entries) != 2 {
		t.Fatalf("Entries() returned %d entries, want 2", len(entries))
	}
	if entries[1].Kind != KindKeyPair || entries[1].Algorithm != amkscrypto.AlgorithmEC || entries[1].Scope != ScopeContainer {
		t.Errorf("unexpected entry info: %+v", entries[1])
	}
}

func TestExportImport(t *testing.T) {
	source := newTestEnv(t)
	m := source.open()
	key := newAESKey(t)
	if err := m.AddSecretKey("adb", key, Reject); err != nil {
		t.Fatalf("AddSecretKey() failed: %v", err)
	}

	var archive bytes.Buffer
	passphrase := []byte("correct horse")
	if err := m.Export(&archive, passphrase); err != nil {
		t.Fatalf("Export() failed: %v", err)
	}
	if string(passphrase) != "correct horse" {
		t.Error("Export() must not modify the caller's passphrase")
	}
	if err := m.Export(io.Discard, nil); err == nil {
		t.Error("Export() with an empty passphrase should fail")
	}

	target := newTestEnv(t)
	other := target.open()
	if err := other.AddSecretKey("local", newAESKey(t), Reject); err != nil {
		t.Fatalf("AddSecretKey() failed: %v", err)
	}

	if err := other.Import(bytes.NewReader(archive.Bytes()), []byte("wrong horse")); err == nil {
		t.Fatal("Import() with the wrong passphrase should fail")
	}
	if !other.ContainsKey("local") {
		t.Fatal("failed import must leave the store untouched")
	}

	if err := other.Import(bytes.NewReader(archive.Bytes()), []byte("correct horse")); err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	got, err := other.GetSecretKey(context.Background(), "adb")
	if err != nil {
		t.Fatalf("GetSecretKey() after import failed: %v", err)
	}
	if !got.Equal(key) {
		t.Error("imported key differs")
	}
	if other.ContainsKey("local") {
		t.Error("import replaces the whole store")
	}

	// The imported master password is recorded under the target's own
	// master key.
	target.restart()
	reopened, err := Open(target.options())
	if err != nil {
		t.Fatalf("Open() after import failed: %v", err)
	}
	defer reopened.Close()
	if !reopened.ContainsKey("adb") {
		t.Error("imported store should survive a restart")
	}
}

func TestReload(t *testing.T) {
	env := newTestEnv(t)
	first := env.open()
	second, err := Open(env.options())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer second.Close()

	if err := first.AddSecretKey("adb", newAESKey(t), Reject); err != nil {
		t.Fatalf("AddSecretKey() failed: %v", err)
	}
	if second.ContainsKey("adb") {
		t.Fatal("second manager should not see the change before Reload")
	}
	if err := second.Reload(); err != nil {
		t.Fatalf("Reload() failed: %v", err)
	}
	if !second.ContainsKey("adb") {
		t.Error("Reload() should pick up the change")
	}
}

func TestConcurrentAdds(t *testing.T) {
	env := newTestEnv(t)
	m := env.open()

	const n = 8
	keys := make([]*amkscrypto.SecretKey, n)
	for i := range keys {
		keys[i] = newAESKey(t)
	}
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			alias := "key-" + string(rune('a'+i))
			errs <- m.AddSecretKey(alias, keys[i], Reject)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent AddSecretKey() failed: %v", err)
		}
	}

	env.restart()
	reopened, err := Open(env.options())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer reopened.Close()
	if got := len(reopened.Aliases()); got != n {
		t.Errorf("reopened store has %d aliases, want %d", got, n)
	}
}

func TestClosedManager(t *testing.T) {
	env := newTestEnv(t)
	m := env.open()
	if err := m.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := m.AddSecretKey("adb", newAESKey(t), Reject); !errors.Is(err, ErrClosed) {
		t.Errorf("AddSecretKey() error = %v, want ErrClosed", err)
	}
	if _, err := m.GetSecretKey(context.Background(), "adb"); !errors.Is(err, ErrClosed) {
		t.Errorf("GetSecretKey() error = %v, want ErrClosed", err)
	}
}

func TestGeneratePassword(t *testing.T) {
	a, err := GeneratePassword(rand.Reader)
	if err != nil {
		t.Fatalf("GeneratePassword() failed: %v", err)
	}
	b, err := GeneratePassword(rand.Reader)
	if err != nil {
		t.Fatalf("GeneratePassword() failed: %v", err)
	}
	if len(a) != PasswordLength {
		t.Errorf("length = %d, want %d", len(a), PasswordLength)
	}
	for _, c := range a {
		if !strings.ContainsRune(passwordChars, rune(c)) {
			t.Errorf("unexpected character %q", c)
		}
	}
	if bytes.Equal(a, b) {
		t.Error("two generated passwords should differ")
	}

	if _, err := GeneratePassword(bytes.NewReader(nil)); err == nil {
		t.Error("GeneratePassword() should fail when the random source is exhausted")
	}
}
