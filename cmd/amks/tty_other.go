//go:build !linux && !darwin

package main

import (
	"context"
	"fmt"

	"golang.org/x/term"
)

// readSecret reads one line from the terminal with echo off. If ctx ends
// first the terminal state is restored; the blocked read is left behind.
func readSecret(ctx context.Context, fd int) ([]byte, error) {
	state, err := term.GetState(fd)
	if err != nil {
		return nil, fmt.Errorf("reading terminal state: %w", err)
	}

	type result struct {
		secret []byte
		err    error
	}
	done := make(chan result, 1)
	go func() {
		secret, err := term.ReadPassword(fd)
		done <- result{secret, err}
	}()

	select {
	case r := <-done:
		return r.secret, r.err
	case <-ctx.Done():
		_ = term.Restore(fd, state)
		return nil, ctx.Err()
	}
}
