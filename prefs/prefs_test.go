package prefs

import (
	"os"
	"path/filepath"
	"testing"
)

func stores(t *testing.T) map[string]func() Store {
	dir := t.TempDir()
	n := 0
	return map[string]func() Store{
		"memory": func() Store { return NewMemory() },
		"file": func() Store {
			n++
			f, err := Open(filepath.Join(dir, "prefs", string(rune('a'+n))+".json"))
			if err != nil {
				t.Fatalf("Open() failed: %v", err)
			}
			return f
		},
	}
}

func TestStoreOperations(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()

			if _, ok := s.GetString("kspass"); ok {
				t.Error("empty store should not contain kspass")
			}
			if got := s.GetInt("level", 23); got != 23 {
				t.Errorf("GetInt() default = %d, want 23", got)
			}

			if err := s.PutString("kspass", "blob"); err != nil {
				t.Fatalf("PutString() failed: %v", err)
			}
			if err := s.PutString("ks_adb", "legacy"); err != nil {
				t.Fatalf("PutString() failed: %v", err)
			}
			if err := s.PutInt("level", 18); err != nil {
				t.Fatalf("PutInt() failed: %v", err)
			}

			if v, ok := s.GetString("kspass"); !ok || v != "blob" {
				t.Errorf("GetString(kspass) = %q, %v", v, ok)
			}
			if got := s.GetInt("level", 23); got != 18 {
				t.Errorf("GetInt(level) = %d, want 18", got)
			}
			if !s.Contains("level") || !s.Contains("ks_adb") {
				t.Error("Contains() should report stored keys")
			}
			if keys := s.Keys("ks_"); len(keys) != 1 || keys[0] != "ks_adb" {
				t.Errorf("Keys(ks_) = %v, want [ks_adb]", keys)
			}

			if err := s.Remove("ks_adb"); err != nil {
				t.Fatalf("Remove() failed: %v", err)
			}
			if err := s.Remove("ks_adb"); err != nil {
				t.Errorf("removing a missing key should not fail: %v", err)
			}
			if s.Contains("ks_adb") {
				t.Error("key should be gone after Remove")
			}
		})
	}
}

func TestFilePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := f.PutString("kspass", "blob"); err != nil {
		t.Fatalf("PutString() failed: %v", err)
	}
	if err := f.PutInt("android_version_when_key_has_been_generated", 23); err != nil {
		t.Fatalf("PutInt() failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if v, _ := reopened.GetString("kspass"); v != "blob" {
		t.Errorf("reopened kspass = %q, want blob", v)
	}
	if got := reopened.GetInt("android_version_when_key_has_been_generated", 0); got != 23 {
		t.Errorf("reopened level = %d, want 23", got)
	}
}

func TestFileWriteFailureKeepsState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keystore.json")
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := f.PutString("kspass", "old"); err != nil {
		t.Fatalf("PutString() failed: %v", err)
	}

	// Point the store at a path whose parent is a regular file.
	f.path = filepath.Join(path, "nested.json")
	if err := f.PutString("kspass", "new"); err == nil {
		t.Fatal("PutString() should fail when the file cannot be written")
	}
	if v, _ := f.GetString("kspass"); v != "old" {
		t.Errorf("failed write changed in-memory state to %q", v)
	}
}

func TestOpenRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("writing file: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Error("Open() should fail on a corrupt file")
	}
}
