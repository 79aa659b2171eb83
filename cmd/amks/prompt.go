package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/joncooperworks/amks/crypto/secure"
	"github.com/joncooperworks/amks/recovery"
)

// terminalPrompter asks for a missing password on the controlling
// terminal. An empty answer cancels the request.
type terminalPrompter struct {
	in *os.File
	wg sync.WaitGroup
}

func newTerminalPrompter() *terminalPrompter {
	return &terminalPrompter{in: os.Stdin}
}

func (p *terminalPrompter) Prompt(ctx context.Context, req *recovery.Request) error {
	fd := int(p.in.Fd())
	if !term.IsTerminal(fd) {
		return errors.New("stdin is not a terminal")
	}
	fmt.Fprintf(os.Stderr, "%s The password for %s is missing. Enter it, or leave empty to cancel: ",
		color.YellowString("?"), color.CyanString(req.Alias))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		password, err := readSecret(ctx, fd)
		fmt.Fprintln(os.Stderr)
		if err != nil || len(password) == 0 {
			req.Cancel()
			return
		}
		req.Respond(password)
		secure.Clear(password)
	}()
	return nil
}

// Close waits for outstanding reads, which restore the terminal once their
// request is answered or abandoned.
func (p *terminalPrompter) Close() {
	p.wg.Wait()
}

// readPassphrase reads a passphrase from in. On a terminal it is read
// without echo and, if confirm is set, asked twice. Otherwise the first
// line is used. The caller clears the result.
func readPassphrase(ctx context.Context, in *os.File, prompt string, confirm bool) ([]byte, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(in).ReadBytes('\n')
		if err != nil && len(line) == 0 {
			return nil, fmt.Errorf("reading passphrase: %w", err)
		}
		trimmed := bytes.TrimRight(line, "\r\n")
		passphrase := append([]byte(nil), trimmed...)
		secure.Clear(line)
		return passphrase, nil
	}

	fmt.Fprint(os.Stderr, prompt+": ")
	first, err := readSecret(ctx, fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	if confirm {
		fmt.Fprint(os.Stderr, "Repeat "+strings.ToLower(prompt[:1])+prompt[1:]+": ")
		second, err := readSecret(ctx, fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			secure.Clear(first)
			return nil, fmt.Errorf("reading passphrase: %w", err)
		}
		defer secure.Clear(second)
		if !bytes.Equal(first, second) {
			secure.Clear(first)
			return nil, errors.New("passphrases do not match")
		}
	}
	return first, nil
}
