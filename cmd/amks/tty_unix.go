//go:build linux || darwin

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/joncooperworks/amks/crypto/secure"
)

const pollInterval = 200 // milliseconds

// readSecret reads one line from the terminal with echo off. The terminal
// keeps line editing and signal keys, and its previous state is restored
// before returning, including when ctx ends the read.
func readSecret(ctx context.Context, fd int) ([]byte, error) {
	old, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return nil, fmt.Errorf("reading terminal state: %w", err)
	}
	noEcho := *old
	noEcho.Lflag &^= unix.ECHO
	noEcho.Lflag |= unix.ICANON | unix.ISIG
	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, &noEcho); err != nil {
		return nil, fmt.Errorf("disabling echo: %w", err)
	}
	defer unix.IoctlSetTermios(fd, ioctlSetTermios, old)

	buf := make([]byte, 256)
	defer secure.Clear(buf)
	secret := make([]byte, 0, len(buf))
	fail := func(err error) ([]byte, error) {
		secure.Clear(secret)
		return nil, err
	}

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		ready, err := unix.Poll(fds, pollInterval)
		if errors.Is(err, unix.EINTR) || (err == nil && ready == 0) {
			continue
		}
		if err != nil {
			return fail(fmt.Errorf("waiting for input: %w", err))
		}

		n, err := unix.Read(fd, buf)
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			continue
		}
		if err != nil {
			return fail(err)
		}
		if n == 0 {
			return fail(io.EOF)
		}
		if i := bytes.IndexByte(buf[:n], '\n'); i >= 0 {
			secret = append(secret, buf[:i]...)
			return bytes.TrimSuffix(secret, []byte("\r")), nil
		}
		secret = append(secret, buf[:n]...)
	}
}
