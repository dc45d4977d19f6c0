package agora

import (
	"context"

	"github.com/raskyld/agora/pkg/mailbox"
	"github.com/raskyld/agora/pkg/protocol"
)

// UserRegistryName is the name the `UserRegistry` is bound to.
const UserRegistryName = "user_registry"

// UserRegistry is the authority on user names for the whole cluster.
// Names are granted first-come-first-served, in mailbox order.
type UserRegistry struct {
	actor
	users map[string]mailbox.Address
}

func NewUserRegistry(po *PostOffice) (*UserRegistry, error) {
	a, err := newActor(po, "user_registry", UserRegistryName)
	if err != nil {
		return nil, err
	}
	return &UserRegistry{
		actor: a,
		users: make(map[string]mailbox.Address),
	}, nil
}

// Run processes requests until ctx is done.
func (reg *UserRegistry) Run(ctx context.Context) error {
	return reg.loop(ctx, reg.handle)
}

func (reg *UserRegistry) handle(ctx context.Context, env protocol.Envelope) {
	msg, ok := env.(protocol.ServerMessage)
	if !ok {
		reg.discardUnknown(env)
		return
	}

	switch msg.Type {
	case protocol.RegisterNewUser:
		reg.register(ctx, msg)
	case protocol.RemoveUser:
		reg.remove(ctx, msg)
	default:
		reg.discardUnknown(env)
	}
}

func (reg *UserRegistry) register(ctx context.Context, msg protocol.ServerMessage) {
	req, ok := msg.Payload.(protocol.UserPayload)
	if !ok {
		reg.drop("malformed")
		reg.logger.Warn("register request without user", LabelMailbox.L(msg.Sender.String()))
		return
	}

	var reason string
	if req.UserName == "" {
		reason = "user name is empty"
	} else if _, taken := reg.users[req.UserName]; taken {
		reason = "user name already taken"
	} else {
		reg.users[req.UserName] = msg.Sender
	}

	success := reason == ""
	reg.logger.Debug(
		"register request processed",
		LabelUserName.L(req.UserName),
		LabelMailbox.L(msg.Sender.String()),
		LabelOutcome.L(success),
	)
	reg.msink.SetGaugeWithLabels(MetricRegisteredUsersSize, float32(len(reg.users)), reg.labels)
	reg.send(ctx, msg.Sender, protocol.NewUserResult(
		protocol.RegisterNewUserResult,
		reg.Address(),
		req.UserName,
		success,
		reason,
	))
}

func (reg *UserRegistry) remove(ctx context.Context, msg protocol.ServerMessage) {
	req, ok := msg.Payload.(protocol.UserPayload)
	if !ok {
		reg.drop("malformed")
		reg.logger.Warn("remove request without user", LabelMailbox.L(msg.Sender.String()))
		return
	}

	var reason string
	owner, has := reg.users[req.UserName]
	if !has {
		reason = "user is not logged in"
	} else if owner != msg.Sender {
		reason = "user is logged in elsewhere"
	} else {
		delete(reg.users, req.UserName)
	}

	success := reason == ""
	reg.logger.Debug(
		"remove request processed",
		LabelUserName.L(req.UserName),
		LabelMailbox.L(msg.Sender.String()),
		LabelOutcome.L(success),
	)
	reg.msink.SetGaugeWithLabels(MetricRegisteredUsersSize, float32(len(reg.users)), reg.labels)
	reg.send(ctx, msg.Sender, protocol.NewUserResult(
		protocol.RemoveUserResult,
		reg.Address(),
		req.UserName,
		success,
		reason,
	))
}
