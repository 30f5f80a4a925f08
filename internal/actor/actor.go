// Package actor provides the gateway's message-passing scaffold: typed
// senders, a fan-in/fan-out combinator pair, a builder phase for static
// wiring, and a supervising Runtime that spawns, watches, and shuts actors
// down.
//
// The design mirrors the MessageBox/DynSender split used by the reference
// MQTT actor (a single Receiver owned by the actor, cloneable typed Senders
// handed out to peers) instead of giving actors a handle to each other's
// task: every actor holds only outbound Senders, never a peer's Box.
package actor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Envelope is a tagged message carried across an actor boundary. Tag
// identifies the logical source or destination (used by FanIn/FanOut);
// Payload is the type-erased message body.
type Envelope struct {
	Tag     string
	Payload any
}

// Sender is a cloneable, type-erased sink accepting Envelopes. Implementations
// must be safe for concurrent use by multiple goroutines.
type Sender interface {
	Send(ctx context.Context, env Envelope) error
	Close()
}

// chanSender adapts a buffered Go channel to the Sender interface.
type chanSender struct {
	ch     chan Envelope
	once   sync.Once
}

// NewChannel creates a bounded channel pair: a Sender peers can clone-send
// into (it is just the chan send side, safe for concurrent senders) and a
// Receiver the owning actor drains in its run loop.
func NewChannel(capacity int) (Sender, Receiver) {
	ch := make(chan Envelope, capacity)
	return &chanSender{ch: ch}, Receiver(ch)
}

func (s *chanSender) Send(ctx context.Context, env Envelope) error {
	select {
	case s.ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *chanSender) Close() {
	s.once.Do(func() { close(s.ch) })
}

// Receiver is the owned half of a channel; only the actor that created it
// (via NewChannel) should read from it.
type Receiver <-chan Envelope

// Adapt wraps a Sender so that messages sent through the returned Sender are
// transformed by fn before reaching the original destination. This is the
// actor runtime's conversion primitive between compatible message types.
func Adapt(dst Sender, fn func(any) any) Sender {
	return &adaptedSender{dst: dst, fn: fn}
}

type adaptedSender struct {
	dst Sender
	fn  func(any) any
}

func (a *adaptedSender) Send(ctx context.Context, env Envelope) error {
	return a.dst.Send(ctx, Envelope{Tag: env.Tag, Payload: a.fn(env.Payload)})
}

func (a *adaptedSender) Close() { a.dst.Close() }

// FanIn merges N input Receivers into a single tagged Envelope stream.
// Per-source FIFO order is preserved (one forwarding goroutine per source);
// order across sources is undefined.
func FanIn(ctx context.Context, sources map[string]Receiver) Receiver {
	out := make(chan Envelope, len(sources)*4)
	var wg sync.WaitGroup
	for tag, src := range sources {
		wg.Add(1)
		go func(tag string, src Receiver) {
			defer wg.Done()
			for {
				select {
				case msg, ok := <-src:
					if !ok {
						return
					}
					if msg.Tag == "" {
						msg.Tag = tag
					}
					select {
					case out <- msg:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}(tag, src)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// FanOut dispatches each Envelope it receives to the sink whose key matches
// the Envelope's Tag; Envelopes with an unmatched tag are logged and dropped.
func FanOut(ctx context.Context, in Receiver, sinks map[string]Sender) {
	go func() {
		for {
			select {
			case msg, ok := <-in:
				if !ok {
					for _, s := range sinks {
						s.Close()
					}
					return
				}
				sink, found := sinks[msg.Tag]
				if !found {
					log.Warn().Str("tag", msg.Tag).Msg("fan-out: no sink registered for tag")
					continue
				}
				if err := sink.Send(ctx, msg); err != nil {
					log.Warn().Err(err).Str("tag", msg.Tag).Msg("fan-out: send failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// FatalError marks an actor failure that must trigger runtime shutdown, as
// opposed to a per-message handler error which is logged and swallowed.
type FatalError struct {
	Actor string
	Cause error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("actor %q: fatal: %v", e.Actor, e.Cause)
}

func (e *FatalError) Unwrap() error { return e.Cause }

// Actor is the function every actor implements: given its name and message
// box, run until its input is drained (normal stop) or a fatal condition
// arises.
type Actor func(ctx context.Context, name string, box *Box) error

// Box bundles one Receiver with the named outbound Senders an actor was
// wired with at build time.
type Box struct {
	In  Receiver
	Out map[string]Sender
}

// Send is a convenience wrapper that looks up an outbound sink by name.
func (b *Box) Send(ctx context.Context, sink string, payload any) error {
	s, ok := b.Out[sink]
	if !ok {
		return fmt.Errorf("box: no outbound sink %q wired", sink)
	}
	return s.Send(ctx, Envelope{Tag: sink, Payload: payload})
}

// Builder collects an actor's inbound subscriptions and outbound peers
// before the runtime's Spawn consumes it. Each actor ships exactly one
// Builder; peers are wired during a build phase, actors run only after
// every Builder in the graph has finished registering its peers.
type Builder struct {
	Name     string
	Capacity int
	Run      Actor
	box      *Box
}

// NewBuilder creates a Builder for an actor named name, with an inbound
// channel of the given capacity (0 uses the runtime default).
func NewBuilder(name string, capacity int, run Actor) *Builder {
	return &Builder{Name: name, Capacity: capacity, Run: run, box: &Box{Out: map[string]Sender{}}}
}

// Connect wires an outbound sink under the given name. Call during the
// build phase, before Spawn.
func (b *Builder) Connect(sinkName string, sender Sender) {
	b.box.Out[sinkName] = sender
}

// Inbox returns a Sender peers can use to deliver messages to this actor,
// and records the Receiver half on the Builder's Box. capacity of 0 falls
// back to the Builder's own capacity, then DefaultCapacity.
func (b *Builder) Inbox(capacity int) Sender {
	sender, receiver := NewChannel(b.effectiveCapacity(capacity))
	b.box.In = receiver
	return sender
}

func (b *Builder) effectiveCapacity(capacity int) int {
	if capacity > 0 {
		return capacity
	}
	if b.Capacity > 0 {
		return b.Capacity
	}
	return DefaultCapacity
}

// DefaultCapacity is the channel capacity used when neither a Builder nor a
// call site overrides it.
const DefaultCapacity = 10

// DefaultGracePeriod is how long Runtime.Run waits, once shutdown has been
// signalled, for actors to drain before abandoning them.
const DefaultGracePeriod = 10 * time.Second
