package agora

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/agora/pkg/mailbox"
	"github.com/raskyld/agora/pkg/protocol"
)

// Inbox is the mailbox of an actor.
type Inbox = mailbox.Mailbox[protocol.Envelope]

// PostOffice creates actor mailboxes and delivers `protocol.ServerMessage`
// to them, whether they live in this process or behind the `Transport`.
type PostOffice struct {
	config config
	logger *slog.Logger
	host   string
	dir    mailbox.Directory
	tr     *Transport

	lk       sync.RWMutex
	inboxes  map[string]*Inbox
	bound    map[string][]string
	shutdown bool
}

func NewPostOffice(opts ...Option) (*PostOffice, error) {
	po := &PostOffice{
		inboxes: make(map[string]*Inbox),
		bound:   make(map[string][]string),
	}

	for _, opt := range opts {
		err := opt(&po.config)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	// Logging implementations.
	if po.config.logHandler != nil {
		po.logger = slog.New(po.config.logHandler)
	} else {
		po.logger = slog.Default()
	}

	// Metrics implementations.
	if po.config.msink == nil {
		po.config.msink = metrics.Default()
		po.config.trCfg.MetricSink = po.config.msink
	}

	if po.config.capacity == 0 {
		po.config.capacity = mailbox.DefaultCapacity
	}

	po.dir = po.config.dir
	if po.dir == nil {
		po.dir = mailbox.NewMemoryDirectory()
	}

	if po.config.remote {
		tr, err := NewTransport(&po.config.trCfg, po.deliver)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		po.tr = tr
		po.host = tr.Addr()
	} else {
		po.host = po.config.hostname
		if po.host == "" {
			po.host = "local-" + uuid.NewString()
		}
	}

	po.logger = po.logger.With("host", po.host)
	return po, nil
}

// Host is the host part of addresses of mailboxes created here.
func (po *PostOffice) Host() string {
	return po.host
}

func (po *PostOffice) Directory() mailbox.Directory {
	return po.dir
}

func (po *PostOffice) Logger() *slog.Logger {
	return po.logger
}

// Create allocates a new mailbox. If name is not empty, the mailbox is
// bound to it in the directory, which fails with `ErrAddressing` when the
// name is taken.
func (po *PostOffice) Create(name string) (*Inbox, error) {
	addr := mailbox.Address{Host: po.host, ID: uuid.NewString()}
	inbox := mailbox.New[protocol.Envelope](addr, po.config.capacity)

	po.lk.Lock()
	defer po.lk.Unlock()
	if po.shutdown {
		return nil, ErrPostOfficeClose
	}

	if name != "" {
		if err := po.dir.Bind(name, addr); err != nil {
			return nil, err
		}
		po.bound[addr.ID] = append(po.bound[addr.ID], name)
	}
	po.inboxes[addr.ID] = inbox

	po.logger.Debug("mailbox created", LabelMailbox.L(addr.String()), LabelMailboxName.L(name))
	return inbox, nil
}

// Release unbinds the names of inbox and closes it.
func (po *PostOffice) Release(inbox *Inbox) error {
	addr := inbox.Address()

	po.lk.Lock()
	names := po.bound[addr.ID]
	delete(po.bound, addr.ID)
	delete(po.inboxes, addr.ID)
	po.lk.Unlock()

	var errs []error
	for _, name := range names {
		if err := po.dir.Unbind(name, addr); err != nil {
			errs = append(errs, fmt.Errorf("unbind %s: %w", name, err))
		}
	}
	errs = append(errs, inbox.Close())
	return errors.Join(errs...)
}

// Resolve returns a `Ref` to a mailbox given either its address or a name
// bound in the directory.
func (po *PostOffice) Resolve(ctx context.Context, nameOrAddress string) (Ref, error) {
	if mailbox.IsAddress(nameOrAddress) {
		addr, err := mailbox.ParseAddress(nameOrAddress)
		if err != nil {
			return Ref{}, fmt.Errorf("%w: %w", ErrUnresolvedAddress, err)
		}
		return Ref{po: po, addr: addr}, nil
	}

	addr, err := po.dir.Resolve(ctx, nameOrAddress)
	if err != nil {
		if errors.Is(err, ErrUnresolvedAddress) {
			return Ref{}, err
		}
		return Ref{}, fmt.Errorf("%w: %w", ErrUnresolvedAddress, err)
	}
	return Ref{po: po, addr: addr}, nil
}

// Ref returns a `Ref` to a known address.
func (po *PostOffice) Ref(addr mailbox.Address) Ref {
	return Ref{po: po, addr: addr}
}

// Send enqueues a copy of msg in the mailbox at `to`. It blocks while the
// destination is full.
func (po *PostOffice) Send(ctx context.Context, to mailbox.Address, msg protocol.ServerMessage) error {
	if to.Host == po.host {
		return po.putLocal(ctx, to.ID, msg.Clone())
	}
	if po.tr == nil {
		return fmt.Errorf("%w: %s", ErrNoTransport, to)
	}
	err := po.tr.Send(ctx, to.Host, to.ID, msg)
	if err != nil {
		po.config.msink.IncrCounterWithLabels(
			MetricMessageSentErrorCount,
			1.0,
			withLabels(po.config.metricLabels, LabelMessageType.M(msg.Type.String())),
		)
	}
	return err
}

func (po *PostOffice) Shutdown() error {
	po.lk.Lock()
	if po.shutdown {
		po.lk.Unlock()
		return nil
	}
	po.shutdown = true
	inboxes := make([]*Inbox, 0, len(po.inboxes))
	for _, inbox := range po.inboxes {
		inboxes = append(inboxes, inbox)
	}
	po.lk.Unlock()

	start := time.Now()
	var errs []error
	for _, inbox := range inboxes {
		errs = append(errs, po.Release(inbox))
	}
	if po.tr != nil {
		errs = append(errs, po.tr.Shutdown())
	}
	po.logger.Info("post office shut down", LabelDuration.L(time.Since(start)))
	return errors.Join(errs...)
}

// deliver is the `DeliverFunc` of our transport.
func (po *PostOffice) deliver(ctx context.Context, destination string, msg protocol.ServerMessage) error {
	return po.putLocal(ctx, destination, msg)
}

func (po *PostOffice) putLocal(ctx context.Context, id string, msg protocol.ServerMessage) error {
	po.lk.RLock()
	inbox, has := po.inboxes[id]
	po.lk.RUnlock()
	if !has {
		po.config.msink.IncrCounterWithLabels(
			MetricMessageDroppedCount,
			1.0,
			withLabels(po.config.metricLabels, LabelReason.M("unknown_mailbox")),
		)
		return fmt.Errorf("%w: %s", ErrUnknownMailbox, id)
	}

	mLabels := withLabels(po.config.metricLabels, LabelMessageType.M(msg.Type.String()))
	ok, err := inbox.TryPut(msg)
	if err != nil {
		return err
	}
	if !ok {
		po.config.msink.IncrCounterWithLabels(MetricMailboxBackpressure, 1.0, mLabels)
		if err := inbox.Put(ctx, msg); err != nil {
			return err
		}
	}
	po.config.msink.IncrCounterWithLabels(MetricMailboxPutCount, 1.0, mLabels)
	return nil
}

// Ref is a handle on a mailbox which may live in another process.
type Ref struct {
	po   *PostOffice
	addr mailbox.Address
}

func (r Ref) Address() mailbox.Address {
	return r.addr
}

// Put enqueues msg, see `PostOffice.Send`.
func (r Ref) Put(ctx context.Context, msg protocol.ServerMessage) error {
	return r.po.Send(ctx, r.addr, msg)
}
