// Package recovery asks the user for a missing password and blocks the
// caller until the answer arrives, the user cancels, or a deadline passes.
//
// A Coordinator hands each Request to an injected Prompter (a terminal, a
// notification, a UI) and waits for it to be resolved. Observers can follow
// interactions through INTERACTION_BEGIN and INTERACTION_END events; END is
// always emitted, whatever the outcome.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joncooperworks/amks/crypto/secure"
)

// DefaultTimeout bounds how long Await waits for the user.
const DefaultTimeout = 100 * time.Second

var (
	// ErrCancelled is returned when the user declines to supply a password.
	ErrCancelled = errors.New("recovery: cancelled by user")
	// ErrTimeout is returned when no answer arrives before the deadline.
	ErrTimeout = errors.New("recovery: timed out waiting for user")
)

// Signal names an interaction boundary.
type Signal string

const (
	InteractionBegin Signal = "INTERACTION_BEGIN"
	InteractionEnd   Signal = "INTERACTION_END"
)

// Event is delivered to subscribers at the start and end of an interaction.
type Event struct {
	Signal    Signal
	RequestID uuid.UUID
	Alias     string
}

// Request is a single pending password prompt. Exactly one of Respond or
// Cancel takes effect; later calls are ignored.
type Request struct {
	ID      uuid.UUID
	Alias   string
	Created time.Time

	once     sync.Once
	done     chan struct{}
	mu       sync.Mutex
	password []byte
	finished bool
}

func newRequest(alias string) *Request {
	return &Request{
		ID:      uuid.New(),
		Alias:   alias,
		Created: time.Now(),
		done:    make(chan struct{}),
	}
}

// Respond supplies the password. The request takes ownership of password;
// if the request has already been resolved or abandoned it is cleared.
// A nil password counts as Cancel.
func (r *Request) Respond(password []byte) {
	accepted := false
	r.once.Do(func() {
		r.mu.Lock()
		if !r.finished {
			r.password = password
			accepted = true
		}
		r.finished = true
		r.mu.Unlock()
		close(r.done)
	})
	if !accepted {
		secure.Clear(password)
	}
}

// Cancel resolves the request without a password.
func (r *Request) Cancel() {
	r.once.Do(func() {
		r.mu.Lock()
		r.finished = true
		r.mu.Unlock()
		close(r.done)
	})
}

// Done is closed once the request is resolved.
func (r *Request) Done() <-chan struct{} { return r.done }

// take hands the password to the waiter, leaving nothing behind.
func (r *Request) take() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	pw := r.password
	r.password = nil
	return pw
}

// abandon marks the request finished after the waiter has given up, so a
// late Respond clears its password instead of keeping it.
func (r *Request) abandon() {
	r.mu.Lock()
	r.finished = true
	secure.Clear(r.password)
	r.password = nil
	r.mu.Unlock()
}

// Prompter shows a request to the user. It may return before the user
// answers; the request is resolved through Respond or Cancel. An error
// means the prompt could not be shown at all.
type Prompter interface {
	Prompt(ctx context.Context, req *Request) error
}

// PrompterFunc adapts a function to the Prompter interface.
type PrompterFunc func(ctx context.Context, req *Request) error

// Prompt implements Prompter.
func (f PrompterFunc) Prompt(ctx context.Context, req *Request) error {
	return f(ctx, req)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithWaitLogInterval sets how often Await logs that it is still waiting.
func WithWaitLogInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.waitLog = d }
}

// Coordinator runs password prompts. It is safe for concurrent use.
type Coordinator struct {
	prompter Prompter
	timeout  time.Duration
	waitLog  time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]func(Event)
}

// NewCoordinator returns a Coordinator that shows requests with p.
func NewCoordinator(p Prompter, opts ...Option) *Coordinator {
	c := &Coordinator{
		prompter: p,
		timeout:  DefaultTimeout,
		waitLog:  10 * time.Second,
		logger:   slog.Default(),
		subs:     make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers fn for interaction events and returns a function that
// removes it. fn runs on the waiting goroutine and must not block.
func (c *Coordinator) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Coordinator) emit(ev Event) {
	c.mu.Lock()
	subs := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// Await prompts for the password of alias and blocks until it is supplied.
// The caller owns the returned password and must clear it.
//
// Await returns ErrCancelled if the user declines, ErrTimeout when the
// coordinator's timeout passes, ctx.Err() if ctx ends first, or the
// Prompter's error if the prompt could not be shown.
func (c *Coordinator) Await(ctx context.Context, alias string) ([]byte, error) {
	if c.prompter == nil {
		return nil, errors.New("recovery: no prompter configured")
	}

	req := newRequest(alias)
	log := c.logger.With("request_id", req.ID.String(), "alias", alias)

	c.emit(Event{Signal: InteractionBegin, RequestID: req.ID, Alias: alias})
	defer c.emit(Event{Signal: InteractionEnd, RequestID: req.ID, Alias: alias})

	promptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	promptErr := make(chan error, 1)
	go func() {
		promptErr <- c.prompter.Prompt(promptCtx, req)
	}()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	ticker := time.NewTicker(c.waitLog)
	defer ticker.Stop()

	log.Debug("waiting for password")
	for {
		select {
		case <-req.Done():
			pw := req.take()
			if pw == nil {
				log.Info("password prompt cancelled")
				return nil, ErrCancelled
			}
			log.Debug("password supplied")
			return pw, nil
		case err := <-promptErr:
			promptErr = nil
			if err != nil {
				req.abandon()
				log.Warn("password prompt failed", "error", err)
				return nil, fmt.Errorf("recovery: prompt for %s: %w", alias, err)
			}
		case <-ticker.C:
			log.Info("waiting for user interaction", "elapsed", time.Since(req.Created).Round(time.Second))
		case <-timer.C:
			req.abandon()
			log.Warn("password prompt timed out", "timeout", c.timeout)
			return nil, ErrTimeout
		case <-ctx.Done():
			req.abandon()
			return nil, ctx.Err()
		}
	}
}
