// Package host models the isolation runtime a VMM component runs under: it
// initializes the component once and then delivers channel notifications to
// the handler the component returned.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// MaxChannels is the number of channels available to a component.
const MaxChannels = 63

var (
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrInvalidChannel = errors.New("invalid channel")
)

// Channel identifies a notification source.
type Channel uint32

// Never is the error type of operations that cannot fail. No type
// implements it, so nil is its only value.
type Never interface {
	error
	never()
}

// Handler is the dispatch entry point of a component.
type Handler interface {
	Notified(ch Channel) Never
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ch Channel)

func (f HandlerFunc) Notified(ch Channel) Never {
	f(ch)
	return nil
}

// InitFunc is the initialization entry point of a component. It runs once,
// before any notification, and either returns the handler or fails start-up.
type InitFunc func(rt *Runtime) (Handler, error)

// Runtime delivers notifications to a single component.
type Runtime struct {
	logger     *slog.Logger
	serialized bool

	startMu sync.Mutex
	started bool
	handler Handler

	// deliverMu serializes Notified calls when the runtime is serialized.
	deliverMu sync.Mutex

	delivered atomic.Uint64
	acks      [MaxChannels]atomic.Uint64
}

type Option func(*Runtime)

func WithLogger(logger *slog.Logger) Option {
	return func(rt *Runtime) {
		if logger != nil {
			rt.logger = logger
		}
	}
}

// Serialized makes the runtime deliver one notification at a time even when
// several sources are served concurrently.
func Serialized() Option {
	return func(rt *Runtime) { rt.serialized = true }
}

func New(opts ...Option) *Runtime {
	rt := &Runtime{logger: slog.Default()}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Start runs initFn and installs the returned handler. A failed init leaves
// the component stopped; it cannot be started again.
func (rt *Runtime) Start(initFn InitFunc) error {
	rt.startMu.Lock()
	defer rt.startMu.Unlock()

	if rt.started {
		return ErrAlreadyStarted
	}
	rt.started = true

	handler, err := initFn(rt)
	if err != nil {
		return fmt.Errorf("host: component init: %w", err)
	}
	if handler == nil {
		return errors.New("host: component init returned no handler")
	}
	rt.handler = handler
	rt.logger.Debug("component started")
	return nil
}

// Notify delivers a notification on ch and returns once the handler is done.
func (rt *Runtime) Notify(ch Channel) error {
	if ch >= MaxChannels {
		return fmt.Errorf("host: notify channel %d: %w", ch, ErrInvalidChannel)
	}

	rt.startMu.Lock()
	handler := rt.handler
	rt.startMu.Unlock()
	if handler == nil {
		return fmt.Errorf("host: notify channel %d: %w", ch, ErrNotStarted)
	}

	if rt.serialized {
		rt.deliverMu.Lock()
		defer rt.deliverMu.Unlock()
	}

	rt.delivered.Add(1)
	if err := handler.Notified(ch); err != nil {
		return err
	}
	return nil
}

// Serve delivers notifications from every source concurrently, one goroutine
// per source, until all sources are closed or ctx is done.
func (rt *Runtime) Serve(ctx context.Context, sources ...<-chan Channel) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		src := src
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case ch, ok := <-src:
					if !ok {
						return nil
					}
					if err := rt.Notify(ch); err != nil {
						return err
					}
				}
			}
		})
	}
	return g.Wait()
}

// AckIRQ re-arms the physical interrupt behind ch.
func (rt *Runtime) AckIRQ(ch Channel) {
	if ch >= MaxChannels {
		rt.logger.Warn("IRQ ack on invalid channel", "channel", ch)
		return
	}
	rt.acks[ch].Add(1)
}

// Acks returns how many times the IRQ behind ch was acknowledged.
func (rt *Runtime) Acks(ch Channel) uint64 {
	if ch >= MaxChannels {
		return 0
	}
	return rt.acks[ch].Load()
}

// Delivered returns the number of notifications handed to the handler.
func (rt *Runtime) Delivered() uint64 {
	return rt.delivered.Load()
}
