//go:build !linux && !darwin
// +build !linux,!darwin

package secure

import "errors"

var errLockUnsupported = errors.New("secure: memory locking is not supported on this platform")

func lockMemory(b []byte) error   { return errLockUnsupported }
func unlockMemory(b []byte) error { return nil }
