package actor

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// Runtime is the supervisor: it owns the set of spawned actors and a
// shutdown signal, and is the sole authority on when the process should
// exit.
type Runtime struct {
	grace time.Duration

	mu       sync.Mutex
	builders []*Builder

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	errOnce  sync.Once
	firstErr error
}

// NewRuntime creates a Runtime with the given shutdown grace period (0 uses
// DefaultGracePeriod).
func NewRuntime(grace time.Duration) *Runtime {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{grace: grace, ctx: ctx, cancel: cancel}
}

// Spawn registers a Builder for launch. Builders may be spawned before or
// after their peers are wired, but all wiring (Connect/Inbox calls) must
// happen before Run is called.
func (r *Runtime) Spawn(b *Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders = append(r.builders, b)
}

// Run starts every spawned actor, installs a signal handler, and blocks
// until shutdown — triggered by an OS signal, any actor returning a
// FatalError, or every actor returning cleanly. It returns the first fatal
// error observed, or nil.
func (r *Runtime) Run() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("actor runtime: shutdown signal received")
			r.cancel()
		case <-r.ctx.Done():
		}
	}()

	r.mu.Lock()
	builders := r.builders
	r.mu.Unlock()

	allDone := make(chan struct{})
	for _, b := range builders {
		if b.box.In == nil {
			// An actor with no inbox still participates in shutdown bookkeeping
			// but never receives messages (e.g. a pure source actor).
			b.box.In = make(chan Envelope)
		}
		r.wg.Add(1)
		go r.runOne(b)
	}
	go func() {
		r.wg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
		// every actor returned on its own
	case <-r.ctx.Done():
		r.awaitDrainOrAbandon(allDone)
	}

	return r.firstErr
}

func (r *Runtime) runOne(b *Builder) {
	defer r.wg.Done()
	err := b.Run(r.ctx, b.Name, b.box)
	if err == nil {
		log.Debug().Str("actor", b.Name).Msg("actor stopped cleanly")
		return
	}
	var fatal *FatalError
	if !asFatal(err, &fatal) {
		// Per-message handler errors are the actor's own responsibility to
		// log and continue past; an Actor func returning a non-fatal error
		// is treated as a fatal one by the runtime — actors that want to
		// survive a bad message must not propagate it.
		fatal = &FatalError{Actor: b.Name, Cause: err}
	}
	log.Error().Err(fatal).Msg("actor runtime: fatal error, shutting down")
	r.errOnce.Do(func() { r.firstErr = fatal })
	r.cancel()
}

func asFatal(err error, target **FatalError) bool {
	if fe, ok := err.(*FatalError); ok {
		*target = fe
		return true
	}
	return false
}

// awaitDrainOrAbandon waits up to the configured grace period for all
// actors to drain after shutdown has been signaled, then gives up — Go has
// no mechanism to force-kill a goroutine, so an actor stuck past the grace
// period is logged and abandoned; any detached background process it
// started is left for the OS to reap.
func (r *Runtime) awaitDrainOrAbandon(allDone <-chan struct{}) {
	select {
	case <-allDone:
	case <-time.After(r.grace):
		log.Warn().Dur("grace", r.grace).Msg("actor runtime: grace period elapsed, abandoning undrained actors")
	}
}

// Shutdown requests a cooperative shutdown, as if a fatal error or signal
// had occurred. Safe to call multiple times.
func (r *Runtime) Shutdown() { r.cancel() }

// Context returns the runtime's shared lifetime context, cancelled on
// shutdown. Actors that start their own background work (e.g. a timer)
// should derive from this context.
func (r *Runtime) Context() context.Context { return r.ctx }
