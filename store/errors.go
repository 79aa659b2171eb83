package store

import "errors"

var (
	// ErrKeyStoreUnavailable means the container cannot be opened: the file
	// is corrupt, or the master password does not match it.
	ErrKeyStoreUnavailable = errors.New("store: key store unavailable")
	// ErrNoStoredPassword means a required password has not been recorded.
	ErrNoStoredPassword = errors.New("store: no stored password")
	// ErrNotFound means the alias is absent or holds a different kind of
	// material.
	ErrNotFound = errors.New("store: alias not found")
	// ErrAliasExists is returned by adds that may not replace an entry.
	ErrAliasExists = errors.New("store: alias already exists")
	// ErrPasswordPersistFailed means the password protecting an entry could
	// not be recorded. The entry has been rolled back.
	ErrPasswordPersistFailed = errors.New("store: failed to persist password")
	// ErrWrongPassword means a password did not open the entry it was
	// supplied for.
	ErrWrongPassword = errors.New("store: wrong password")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store: manager is closed")
)
