// Package bus provides the fan-out message bus that decouples message
// producers (agent turns, scheduled jobs) from the delivery workers.
// Every registered channel receives every message: the bus broadcasts,
// it does not load-balance.
package bus

import (
	"context"
	"fmt"
	"sync"
)

// Role identifies the author of an envelope payload.
const (
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Kind identifies the payload content type.
type Kind string

const (
	KindText   Kind = "text"
	KindTool   Kind = "tool"
	KindSystem Kind = "system"
)

// Payload is the role-tagged content carried by an Envelope.
type Payload struct {
	Role    string `json:"role"`
	Kind    Kind   `json:"kind"`
	Content string `json:"content"`
}

// Envelope is a message traveling through the bus, tagged with the user
// it belongs to. Produced once, consumed once per registered channel.
type Envelope struct {
	UserID  string  `json:"user_id"`
	Payload Payload `json:"payload"`
}

// Errors.
var (
	// ErrShutdown is returned by Get once the bus is shut down and the
	// channel's backlog is drained.
	ErrShutdown = fmt.Errorf("bus: shut down")

	// ErrAlreadyRegistered is returned by Register for a duplicate name.
	ErrAlreadyRegistered = fmt.Errorf("bus: channel already registered")

	// ErrUnknownChannel is returned by Get for an unregistered name.
	ErrUnknownChannel = fmt.Errorf("bus: unknown channel")
)

// queue is one channel's unbounded FIFO. Items are appended under the bus
// lock; waiters block on ready, which is closed/recreated to wake them.
type queue struct {
	items []Envelope
	ready chan struct{}
}

// Bus is a registry of named channels. Put broadcasts to all of them;
// each channel is owned by exactly one consumer (enforced by Register).
type Bus struct {
	mu       sync.Mutex
	queues   map[string]*queue
	shutdown bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{queues: make(map[string]*queue)}
}

// Register creates a named channel. It fails if the name is taken, so a
// channel has a single owning delivery worker.
func (b *Bus) Register(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; ok {
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, name)
	}
	if b.shutdown {
		return ErrShutdown
	}
	b.queues[name] = &queue{ready: make(chan struct{})}
	return nil
}

// Put broadcasts the envelope onto every currently registered channel.
// Accepting a message on a live channel commits the bus to delivering it:
// enqueued items survive Shutdown and are drained before closure is
// observed. Put after Shutdown is a no-op returning ErrShutdown.
func (b *Bus) Put(env Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shutdown {
		return ErrShutdown
	}
	for _, q := range b.queues {
		q.items = append(q.items, env)
		// Wake every blocked getter on this channel.
		close(q.ready)
		q.ready = make(chan struct{})
	}
	return nil
}

// Get blocks until an item is available on the named channel, the context
// is cancelled, or the bus is shut down with the channel drained.
func (b *Bus) Get(ctx context.Context, name string) (Envelope, error) {
	for {
		b.mu.Lock()
		q, ok := b.queues[name]
		if !ok {
			b.mu.Unlock()
			return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownChannel, name)
		}
		if len(q.items) > 0 {
			env := q.items[0]
			q.items = q.items[1:]
			b.mu.Unlock()
			return env, nil
		}
		if b.shutdown {
			b.mu.Unlock()
			return Envelope{}, ErrShutdown
		}
		ready := q.ready
		b.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		}
	}
}

// Shutdown closes the bus. Irreversible: blocked getters wake up, drain
// whatever was enqueued before the call, then observe ErrShutdown.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shutdown {
		return
	}
	b.shutdown = true
	for _, q := range b.queues {
		close(q.ready)
		q.ready = make(chan struct{})
	}
}

// Len returns the number of pending items on a channel (0 if unknown).
func (b *Bus) Len(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.items)
	}
	return 0
}
