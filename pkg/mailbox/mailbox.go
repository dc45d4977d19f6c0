package mailbox

import (
	"context"
	"errors"
	"sync"
	"time"
)

const DefaultCapacity = 100

var (
	ErrMailboxClosed = errors.New("mailbox: closed")
	ErrEmpty         = errors.New("mailbox: empty")
)

// Mailbox is a bounded FIFO queue owned by exactly one reader.
//
// Any number of goroutines MAY `Put` concurrently, but only the owner
// SHOULD `Get`. Messages from a single writer are delivered in the order
// they were put; there is no ordering across writers.
type Mailbox[T any] struct {
	addr    Address
	data    chan T
	lk      sync.Mutex
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

func New[T any](addr Address, capacity int) *Mailbox[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Mailbox[T]{
		addr:    addr,
		data:    make(chan T, capacity),
		closeCh: make(chan struct{}),
	}
}

func (m *Mailbox[T]) Address() Address {
	return m.addr
}

func (m *Mailbox[T]) Len() int {
	return len(m.data)
}

func (m *Mailbox[T]) Cap() int {
	return cap(m.data)
}

// Put enqueues msg, blocking while the mailbox is at capacity.
func (m *Mailbox[T]) Put(ctx context.Context, msg T) error {
	m.lk.Lock()
	if m.closed {
		m.lk.Unlock()
		return ErrMailboxClosed
	}
	m.wg.Add(1)
	defer m.wg.Done()
	m.lk.Unlock()

	select {
	case m.data <- msg:
		return nil
	default:
	}

	select {
	case m.data <- msg:
		return nil
	case <-m.closeCh:
		return ErrMailboxClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPut enqueues msg only if there is room left, it reports whether
// the message was accepted.
func (m *Mailbox[T]) TryPut(msg T) (bool, error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.closed {
		return false, ErrMailboxClosed
	}
	select {
	case m.data <- msg:
		return true, nil
	default:
		return false, nil
	}
}

// Get dequeues the oldest message, blocking until one is available.
// Messages enqueued before `Close` can still be drained.
func (m *Mailbox[T]) Get(ctx context.Context) (result T, err error) {
	select {
	case msg, ok := <-m.data:
		if !ok {
			return result, ErrMailboxClosed
		}
		return msg, nil
	case <-ctx.Done():
		return result, ctx.Err()
	}
}

// Receive exposes the queue to its owner, so it can wait on several
// mailboxes at once. The channel is closed once the mailbox is closed and
// drained.
func (m *Mailbox[T]) Receive() <-chan T {
	return m.data
}

// GetTimeout is like `Get` but gives up after timeout and returns
// `ErrEmpty`.
func (m *Mailbox[T]) GetTimeout(timeout time.Duration) (result T, err error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg, ok := <-m.data:
		if !ok {
			return result, ErrMailboxClosed
		}
		return msg, nil
	case <-timer.C:
		return result, ErrEmpty
	}
}

// Close rejects further writers and wakes up the blocked ones.
func (m *Mailbox[T]) Close() error {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.closeCh)
	m.wg.Wait()
	close(m.data)
	return nil
}
