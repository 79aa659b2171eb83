// Package secure shortens the lifetime of secret material in memory.
//
// Go's garbage collector may copy or retain heap memory, so nothing here is a
// guarantee. Every buffer holding a password or key should still have exactly
// one owner that clears it on every exit path, usually with a defer right
// after the buffer is produced.
package secure

import (
	"errors"
	"log/slog"
	"runtime"
	"sync"
)

// ErrDestroyed is returned when key material is used after Destroy.
var ErrDestroyed = errors.New("secure: key material has been destroyed")

// Destroyable is implemented by key material that can wipe itself.
type Destroyable interface {
	Destroy() error
}

// Clear overwrites b with zeros. It is safe to call on nil or already
// cleared buffers.
func Clear(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// ClearAll clears every buffer in bufs.
func ClearAll(bufs ...[]byte) {
	for _, b := range bufs {
		Clear(b)
	}
}

// ClearRunes overwrites r with zeros.
func ClearRunes(r []rune) {
	for i := range r {
		r[i] = 0
	}
	runtime.KeepAlive(r)
}

// Destroy calls d.Destroy and logs a failure instead of returning it.
// A nil d is ignored.
func Destroy(d Destroyable, logger *slog.Logger) {
	if d == nil {
		return
	}
	if err := d.Destroy(); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("failed to destroy key material", "error", err)
	}
}

// Key owns a symmetric key's bytes. The bytes are locked into RAM where the
// platform allows it and zeroed by Destroy.
type Key struct {
	mu        sync.Mutex
	b         []byte
	locked    bool
	destroyed bool
}

// NewKey takes ownership of b. The caller must not retain b.
func NewKey(b []byte) *Key {
	k := &Key{b: b}
	if len(b) > 0 && lockMemory(b) == nil {
		k.locked = true
	}
	return k
}

// Bytes returns the key bytes, or nil after Destroy. The slice is borrowed:
// it stays valid only until Destroy.
func (k *Key) Bytes() []byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.destroyed {
		return nil
	}
	return k.b
}

// Len returns the key length in bytes.
func (k *Key) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.b)
}

// Destroyed reports whether Destroy has been called.
func (k *Key) Destroyed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.destroyed
}

// Destroy zeros and unlocks the key bytes. It is idempotent.
func (k *Key) Destroy() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.destroyed {
		return nil
	}
	k.destroyed = true
	Clear(k.b)
	var err error
	if k.locked {
		err = unlockMemory(k.b)
		k.locked = false
	}
	k.b = nil
	return err
}
