package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrChannelClosed is returned by Send and Receive once Close was called.
	ErrChannelClosed = errors.New("channel closed")
	// ErrChannelFull is returned when Send gave up waiting for buffer space.
	ErrChannelFull = errors.New("channel full")
	// ErrTimeout is returned when Receive observed no message within its timeout.
	ErrTimeout = errors.New("channel receive timeout")
)

// Channel is a bounded ordered point-to-point transport between the
// orchestrator and one stage worker.
//
// The underlying buffer is never closed, so a late Send after Close can
// never panic; closure is signalled through a separate done channel.
type Channel[T any] struct {
	buf       chan T
	closed    chan struct{}
	closeOnce sync.Once
}

// New returns a channel with the given capacity. Capacity below 1 is raised to 1.
func New[T any](capacity int) *Channel[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Channel[T]{
		buf:    make(chan T, capacity),
		closed: make(chan struct{}),
	}
}

// Send enqueues msg, blocking while the buffer is full until ctx is done.
// It never drops silently.
func (c *Channel[T]) Send(ctx context.Context, msg T) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case c.buf <- msg:
		return nil
	default:
	}
	select {
	case c.buf <- msg:
		return nil
	case <-c.closed:
		return ErrChannelClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrChannelFull, ctx.Err())
	}
}

// Receive returns the next message, waiting at most timeout. A timeout <= 0
// polls without waiting. Buffered messages are delivered before closure is
// reported.
func (c *Channel[T]) Receive(timeout time.Duration) (T, error) {
	var zero T
	select {
	case msg := <-c.buf:
		return msg, nil
	default:
	}
	if timeout <= 0 {
		if c.isClosed() {
			return zero, ErrChannelClosed
		}
		return zero, ErrTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-c.buf:
		return msg, nil
	case <-c.closed:
		return c.drainOrClosed()
	case <-timer.C:
		return zero, ErrTimeout
	}
}

// ReceiveContext waits for the next message until ctx is done or the channel closes.
func (c *Channel[T]) ReceiveContext(ctx context.Context) (T, error) {
	var zero T
	select {
	case msg := <-c.buf:
		return msg, nil
	case <-c.closed:
		return c.drainOrClosed()
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close marks the channel closed and wakes every blocked sender and receiver.
// Calling Close more than once is a no-op.
func (c *Channel[T]) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

// Len returns the number of buffered messages.
func (c *Channel[T]) Len() int {
	return len(c.buf)
}

// Cap returns the buffer capacity.
func (c *Channel[T]) Cap() int {
	return cap(c.buf)
}

// Done is closed once Close has been called.
func (c *Channel[T]) Done() <-chan struct{} {
	return c.closed
}

func (c *Channel[T]) drainOrClosed() (T, error) {
	var zero T
	select {
	case msg := <-c.buf:
		return msg, nil
	default:
		return zero, ErrChannelClosed
	}
}

func (c *Channel[T]) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
