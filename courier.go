package agora

import (
	"context"
	"sync"

	"github.com/raskyld/agora/pkg/mailbox"
	"github.com/raskyld/agora/pkg/protocol"
)

// DefaultCourierBacklog is how many parcels a router lets pile up before
// it stops reading client requests.
const DefaultCourierBacklog = 256

type parcel struct {
	to  []mailbox.Address
	msg protocol.ServerMessage
}

// courier sends messages on behalf of an actor, in submission order, so
// the actor loop never blocks on a full mailbox, including its own.
//
// submit never blocks. The actor is expected to stop taking new work
// while `backlog` is too high and wait on `room`.
type courier struct {
	lk      sync.Mutex
	queue   []parcel
	pending int
	wake    chan struct{}
	space   chan struct{}
}

func newCourier() *courier {
	return &courier{
		wake:  make(chan struct{}, 1),
		space: make(chan struct{}, 1),
	}
}

func (c *courier) submit(to []mailbox.Address, msg protocol.ServerMessage) {
	c.lk.Lock()
	c.queue = append(c.queue, parcel{to: to, msg: msg})
	c.pending++
	c.lk.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// backlog is the number of parcels submitted but not fully delivered.
func (c *courier) backlog() int {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.pending
}

// room is signaled every time a parcel has been delivered.
func (c *courier) room() <-chan struct{} {
	return c.space
}

// run delivers parcels with send until ctx is done. Parcels still queued
// then are dropped.
func (c *courier) run(ctx context.Context, send func(context.Context, mailbox.Address, protocol.ServerMessage)) {
	for {
		c.lk.Lock()
		batch := c.queue
		c.queue = nil
		c.lk.Unlock()

		for _, p := range batch {
			for _, to := range p.to {
				if ctx.Err() != nil {
					return
				}
				send(ctx, to, p.msg)
			}

			c.lk.Lock()
			c.pending--
			c.lk.Unlock()
			select {
			case c.space <- struct{}{}:
			default:
			}
		}

		select {
		case <-c.wake:
		case <-ctx.Done():
			return
		}
	}
}
