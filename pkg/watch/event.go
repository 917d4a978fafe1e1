// Package watch implements the Watcher (a debounced, non-recursive
// filesystem monitor over ArtifactDir) and the Event Bus that carries its
// BuildEvents to whichever Backend is running. One goroutine owns the OS
// watch handle and feeds a bounded channel that downstream code drains at
// its own pace, with a full channel applying backpressure instead of
// dropping events.
package watch

import (
	"fmt"
	"sync"

	"github.com/picoCTF/cmgr-artifact-server/pkg/cmgrerrors"
)

// Kind identifies the variant of a BuildEvent.
type Kind uint8

const (
	// Create indicates a tarball appeared and its CacheEntry was extracted
	// for the first time.
	Create Kind = iota
	// Update indicates an existing tarball changed and its CacheEntry was
	// re-extracted.
	Update
	// Delete indicates a tarball was removed and its CacheEntry was
	// destroyed.
	Delete
)

// String renders a Kind for log lines.
func (k Kind) String() string {
	switch k {
	case Create:
		return "create"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// BuildEvent is the tagged union Create(BuildId) | Update(BuildId) |
// Delete(BuildId). It carries only the BuildId; consumers re-read the
// CacheEntry lazily rather than trusting any payload carried here.
type BuildEvent struct {
	Kind    Kind
	BuildID string
}

func (e BuildEvent) String() string {
	return fmt.Sprintf("%s(%s)", e.Kind, e.BuildID)
}

// BusCapacity is the fixed capacity of the Event Bus channel.
const BusCapacity = 32

// Bus is the single-producer, single-consumer bounded channel carrying
// BuildEvents from the Watcher to the selected Backend. It is FIFO and
// blocks the producer when full, which is the only backpressure mechanism
// in the system. Close is idempotent and is always called by the producer
// (the Watcher), never by the consumer, so that a closed Bus unambiguously
// means "the Watcher has stopped."
type Bus struct {
	events chan BuildEvent

	mu     sync.Mutex
	closed bool
}

// NewBus constructs an empty, open Bus.
func NewBus() *Bus {
	return &Bus{events: make(chan BuildEvent, BusCapacity)}
}

// Events returns the receive side of the bus, for Backends to range over.
func (b *Bus) Events() <-chan BuildEvent {
	return b.events
}

// Send delivers event to the bus, blocking if it is full. Sending after
// Close returns a ChannelError rather than panicking: a closed bus with a
// still-running producer is an invariant violation, but one the Watcher
// should report and terminate on rather than crash the process via an
// unrecovered panic.
func (b *Bus) Send(event BuildEvent) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return cmgrerrors.NewChannelError(fmt.Errorf("send on closed event bus: %s", event))
	}
	b.events <- event
	return nil
}

// Close closes the bus, signaling the consumer to exit its event loop once
// it drains any buffered events. Safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.events)
	}
}
