// Package stage provides the bounded hand-off between pipeline stages.
package stage

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrClosed is returned by Recv once the producer closed the channel and it is drained.
var ErrClosed = errors.New("stage channel closed")

// Policy decides what a full channel does with a new item.
type Policy int

const (
	// DropNewest rejects the incoming item and keeps what is queued.
	DropNewest Policy = iota
	// DropOldest evicts the oldest queued item to make room for the incoming one.
	DropOldest
)

// String implements fmt.Stringer.
func (p Policy) String() string {
	switch p {
	case DropNewest:
		return "drop-newest"
	case DropOldest:
		return "drop-oldest"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy parses "drop-newest" or "drop-oldest".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "drop-newest":
		return DropNewest, nil
	case "drop-oldest":
		return DropOldest, nil
	}
	return 0, fmt.Errorf("unknown drop policy %q", s)
}

// Result is the outcome of TrySend.
type Result int

const (
	// Accepted means the item was queued.
	Accepted Result = iota
	// Rejected means the channel was full and the item was not queued.
	Rejected
)

// String implements fmt.Stringer.
func (r Result) String() string {
	if r == Accepted {
		return "accepted"
	}
	return "rejected"
}

// Channel is a fixed-capacity single-producer/single-consumer FIFO.
// Queuing an item transfers its ownership to the consumer. A full channel
// never blocks the producer: the policy picks a victim and the drop is counted.
type Channel[T any] struct {
	items  chan T
	policy Policy

	sent  atomic.Uint64
	drops atomic.Uint64
}

// New creates a channel holding at most capacity items.
func New[T any](capacity int, policy Policy) (*Channel[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("channel capacity must be positive, got %d", capacity)
	}
	if policy != DropNewest && policy != DropOldest {
		return nil, fmt.Errorf("invalid drop policy %v", policy)
	}
	return &Channel[T]{
		items:  make(chan T, capacity),
		policy: policy,
	}, nil
}

// TrySend queues item without blocking. When the channel is full, the victim
// chosen by the policy is returned with dropped=true so the caller can recycle it:
// with DropNewest that is item itself (Rejected), with DropOldest it is the
// evicted head and item is Accepted.
func (c *Channel[T]) TrySend(item T) (res Result, victim T, dropped bool) {
	select {
	case c.items <- item:
		c.sent.Add(1)
		return Accepted, victim, false
	default:
	}

	if c.policy == DropOldest {
		select {
		case victim = <-c.items:
			dropped = true
			c.drops.Add(1)
		default:
			// The consumer made room in the meantime.
		}
		// With a single producer the slot freed above is still free.
		select {
		case c.items <- item:
			c.sent.Add(1)
			return Accepted, victim, dropped
		default:
		}
	}

	c.drops.Add(1)
	return Rejected, item, true
}

// TryRecv takes the oldest item without blocking.
func (c *Channel[T]) TryRecv() (T, bool) {
	select {
	case item, ok := <-c.items:
		return item, ok
	default:
		var zero T
		return zero, false
	}
}

// Recv waits for the oldest item, for ctx to be done, or for the channel to close.
func (c *Channel[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	select {
	case item, ok := <-c.items:
		if !ok {
			return zero, ErrClosed
		}
		return item, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close is called by the producer when it will send no more items.
func (c *Channel[T]) Close() {
	close(c.items)
}

// Len returns the number of queued items.
func (c *Channel[T]) Len() int {
	return len(c.items)
}

// Cap returns the capacity.
func (c *Channel[T]) Cap() int {
	return cap(c.items)
}

// Policy returns the drop policy.
func (c *Channel[T]) Policy() Policy {
	return c.policy
}

// Sent returns the number of items accepted so far.
func (c *Channel[T]) Sent() uint64 {
	return c.sent.Load()
}

// Drops returns the number of items dropped so far.
func (c *Channel[T]) Drops() uint64 {
	return c.drops.Load()
}
