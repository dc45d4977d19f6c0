package agora

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/agora/pkg/mailbox"
	"github.com/raskyld/agora/pkg/protocol"
)

// actor is the part shared by every actor: an inbox drained by a
// single goroutine.
type actor struct {
	kind   string
	po     *PostOffice
	inbox  *Inbox
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

func newActor(po *PostOffice, kind, name string) (actor, error) {
	inbox, err := po.Create(name)
	if err != nil {
		return actor{}, err
	}
	return actor{
		kind:  kind,
		po:    po,
		inbox: inbox,
		logger: po.logger.With(
			LabelActor.L(kind),
			LabelMailbox.L(inbox.Address().String()),
		),
		msink:  po.config.msink,
		labels: withLabels(po.config.metricLabels, LabelActor.M(kind)),
	}, nil
}

// Address of the actor inbox.
func (a *actor) Address() mailbox.Address {
	return a.inbox.Address()
}

// loop processes envelopes one at a time until ctx is done or the inbox
// is closed. The inbox is released when it returns.
func (a *actor) loop(ctx context.Context, handle func(context.Context, protocol.Envelope)) error {
	defer func() {
		if err := a.po.Release(a.inbox); err != nil {
			a.logger.Warn("failed to release inbox", LabelError.L(err))
		}
	}()

	a.logger.Info("actor started")
	for {
		env, err := a.inbox.Get(ctx)
		if err != nil {
			if errors.Is(err, mailbox.ErrMailboxClosed) || ctx.Err() != nil {
				a.logger.Info("actor stopped")
				return nil
			}
			return err
		}
		a.process(ctx, env, handle)
	}
}

func (a *actor) process(ctx context.Context, env protocol.Envelope, handle func(context.Context, protocol.Envelope)) {
	defer func() {
		if r := recover(); r != nil {
			a.drop("panic")
			a.logger.Error(
				"handler panicked, message discarded",
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	handle(ctx, env)
}

func (a *actor) send(ctx context.Context, to mailbox.Address, msg protocol.ServerMessage) {
	if err := a.po.Send(ctx, to, msg); err != nil {
		a.logger.Warn(
			"failed to send message",
			LabelMessageType.L(msg.Type.String()),
			LabelMailbox.L(to.String()),
			LabelError.L(err),
		)
	}
}

func (a *actor) drop(reason string) {
	a.msink.IncrCounterWithLabels(
		MetricMessageDroppedCount,
		1.0,
		withLabels(a.labels, LabelReason.M(reason)),
	)
}

func (a *actor) discardUnknown(env protocol.Envelope) {
	a.drop("unknown_type")
	switch msg := env.(type) {
	case protocol.ServerMessage:
		a.logger.Warn(
			"unknown server message discarded",
			LabelMessageType.L(msg.Type.String()),
			LabelMailbox.L(msg.Sender.String()),
		)
	case protocol.ClientRequest:
		a.logger.Warn(
			"unknown client message discarded",
			LabelMessageType.L(string(msg.Msg.MessageType)),
			LabelConnID.L(msg.Conn.ID()),
		)
	default:
		a.logger.Warn("unexpected envelope discarded")
	}
}
