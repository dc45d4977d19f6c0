package agora

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raskyld/agora/pkg/mailbox"
	"github.com/raskyld/agora/pkg/protocol"
	"golang.org/x/exp/slices"
)

// StartupTimeout bounds how long a `Router` waits for the registry and
// the load balancer to be resolvable.
const StartupTimeout = 10 * time.Second

type (
	clientHandler func(context.Context, protocol.ClientRequest)
	serverHandler func(context.Context, protocol.ServerMessage)
)

// Router is a chat node. It owns the connections of its clients and a
// replica of the cluster routing table, and drives the login, logout
// and message protocols.
//
// All its state is owned by the goroutine running `Start`.
//
// Client envelopes are queued apart from server messages: while the
// courier backlog is over `maxBacklog`, the router only reads the latter,
// and clients block on `Put`.
type Router struct {
	actor
	httpAddr   string
	courier    *courier
	requests   *Inbox
	maxBacklog int

	registry mailbox.Address
	balancer mailbox.Address

	// routes maps every known user to the router it is connected to.
	routes map[string]mailbox.Address
	// local maps users connected here to their connection.
	local map[string]protocol.Conn
	// pending logins and logouts, awaiting the registry answer.
	pending       map[string]protocol.Conn
	pendingLogout map[string]protocol.Conn
	// releasing holds names granted to clients which left before the
	// registry answered.
	releasing map[string]struct{}
	// sessions maps connection IDs to the user they are logged in as.
	sessions map[string]string
	routers  []mailbox.Address
	members  atomic.Int32

	clientHandlers map[protocol.ClientMessageType]clientHandler
	serverHandlers map[protocol.ServerMessageType]serverHandler
}

// NewRouter creates a router whose clients connect on httpAddr.
func NewRouter(po *PostOffice, httpAddr string) (*Router, error) {
	a, err := newActor(po, "router", "")
	if err != nil {
		return nil, err
	}

	r := &Router{
		actor:         a,
		httpAddr:      httpAddr,
		courier:       newCourier(),
		requests:      mailbox.New[protocol.Envelope](a.Address(), po.config.capacity),
		maxBacklog:    DefaultCourierBacklog,
		routes:        make(map[string]mailbox.Address),
		local:         make(map[string]protocol.Conn),
		pending:       make(map[string]protocol.Conn),
		pendingLogout: make(map[string]protocol.Conn),
		releasing:     make(map[string]struct{}),
		sessions:      make(map[string]string),
	}

	r.clientHandlers = map[protocol.ClientMessageType]clientHandler{
		protocol.Login:          r.login,
		protocol.Logout:         r.logout,
		protocol.PublicMessage:  r.publicMessage,
		protocol.PrivateMessage: r.privateMessage,
		protocol.ListAllUsers:   r.listAllUsers,
	}
	r.serverHandlers = map[protocol.ServerMessageType]serverHandler{
		protocol.RegisterNewUserResult: r.loginResult,
		protocol.RemoveUserResult:      r.logoutResult,
		protocol.NewUser:               r.newUser,
		protocol.UserRemoved:           r.userRemoved,
		protocol.ForwardPublicMessage:  r.forwardPublic,
		protocol.ForwardPrivateMessage: r.forwardPrivate,
		protocol.NewMessageRouter:      r.membership,
	}
	return r, nil
}

// Put hands an envelope from a client connection to the router. It
// blocks while the router is full or throttled.
func (r *Router) Put(ctx context.Context, env protocol.Envelope) error {
	if msg, ok := env.(protocol.ServerMessage); ok {
		return r.inbox.Put(ctx, msg)
	}
	return r.requests.Put(ctx, env)
}

// Members is the number of routers in the last membership received.
func (r *Router) Members() int {
	return int(r.members.Load())
}

// Start resolves the registry and the load balancer, registers to the
// latter, then processes messages until ctx is done.
//
// The router is unusable if it cannot be addressed, so failures before
// the loop starts are returned.
func (r *Router) Start(ctx context.Context) error {
	if err := r.register(ctx); err != nil {
		if rerr := r.po.Release(r.inbox); rerr != nil {
			r.logger.Warn("failed to release inbox", LabelError.L(rerr))
		}
		r.requests.Close()
		return fmt.Errorf("router: %w", err)
	}

	var wg sync.WaitGroup
	cctx, cancel := context.WithCancel(ctx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.courier.run(cctx, r.send)
	}()

	err := r.serve(ctx)
	cancel()
	wg.Wait()
	return err
}

// serve is the router loop. Server messages are always read, so the
// courier can deliver to ourselves while clients are held back.
func (r *Router) serve(ctx context.Context) error {
	defer func() {
		r.requests.Close()
		if err := r.po.Release(r.inbox); err != nil {
			r.logger.Warn("failed to release inbox", LabelError.L(err))
		}
	}()

	r.logger.Info("actor started")
	throttled := false
	for {
		var requests <-chan protocol.Envelope
		var room <-chan struct{}
		if r.courier.backlog() < r.maxBacklog {
			requests = r.requests.Receive()
			throttled = false
		} else {
			room = r.courier.room()
			if !throttled {
				throttled = true
				r.msink.IncrCounterWithLabels(MetricRouterThrottledCount, 1.0, r.labels)
				r.logger.Debug("courier backlog is full, clients are held back")
			}
		}

		select {
		case env, ok := <-r.inbox.Receive():
			if !ok {
				r.logger.Info("actor stopped")
				return nil
			}
			r.process(ctx, env, r.handle)
		case env, ok := <-requests:
			if !ok {
				r.logger.Info("actor stopped")
				return nil
			}
			r.process(ctx, env, r.handle)
		case <-room:
		case <-ctx.Done():
			r.logger.Info("actor stopped")
			return nil
		}
	}
}

func (r *Router) register(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, StartupTimeout)
	defer cancel()

	registry, err := r.po.Resolve(rctx, UserRegistryName)
	if err != nil {
		return err
	}
	balancer, err := r.po.Resolve(rctx, LoadBalancerName)
	if err != nil {
		return err
	}
	r.registry = registry.Address()
	r.balancer = balancer.Address()

	return balancer.Put(rctx, protocol.ServerMessage{
		Type:   protocol.RegisterChatServer,
		Sender: r.Address(),
		Payload: protocol.ChatServerPayload{
			HTTPAddr: r.httpAddr,
			Router:   r.Address(),
		},
	})
}

func (r *Router) handle(ctx context.Context, env protocol.Envelope) {
	switch msg := env.(type) {
	case protocol.ClientRequest:
		if h, ok := r.clientHandlers[msg.Msg.MessageType]; ok {
			h(ctx, msg)
			return
		}
	case protocol.ServerMessage:
		if h, ok := r.serverHandlers[msg.Type]; ok {
			h(ctx, msg)
			return
		}
	case protocol.ClientClosed:
		r.connectionLost(msg.Conn)
		return
	}
	r.discardUnknown(env)
}

// broadcast sends msg to every router, ourselves included.
func (r *Router) broadcast(msg protocol.ServerMessage) {
	targets := slices.Clone(r.routers)
	if !slices.Contains(targets, r.Address()) {
		targets = append(targets, r.Address())
	}
	r.courier.submit(targets, msg)
	r.msink.IncrCounterWithLabels(
		MetricBroadcastCount,
		float32(len(targets)),
		withLabels(r.labels, LabelMessageType.M(msg.Type.String())),
	)
}

func (r *Router) toRegistry(t protocol.ServerMessageType, userName string) {
	r.courier.submit(
		[]mailbox.Address{r.registry},
		protocol.NewUserRequest(t, r.Address(), userName),
	)
}

func (r *Router) reply(conn protocol.Conn, msg protocol.ClientMessage) {
	if err := conn.Send(msg); err != nil {
		r.logger.Warn(
			"failed to send to client",
			LabelConnID.L(conn.ID()),
			LabelMessageType.L(string(msg.MessageType)),
			LabelError.L(err),
		)
	}
}

func (r *Router) relayToLocal(msg protocol.ClientMessage) {
	for _, conn := range r.local {
		r.reply(conn, msg.Clone())
	}
}

func (r *Router) refuse(conn protocol.Conn, t protocol.ClientMessageType, userName, reason string) {
	r.reply(conn, protocol.ClientMessage{
		MessageType:    t,
		SenderUserName: userName,
		MessageText:    reason,
	})
}

func (r *Router) gauges() {
	r.msink.SetGaugeWithLabels(MetricRoutesSize, float32(len(r.routes)), r.labels)
	r.msink.SetGaugeWithLabels(MetricLocalUsersSize, float32(len(r.local)), r.labels)
}

func (r *Router) login(_ context.Context, req protocol.ClientRequest) {
	name := req.Msg.SenderUserName
	logger := r.logger.With(LabelUserName.L(name), LabelConnID.L(req.Conn.ID()))

	var reason string
	if name == "" {
		reason = "user name is empty"
	} else if current, has := r.sessions[req.Conn.ID()]; has {
		reason = "already logged in as " + current
	} else if _, has := r.pending[name]; has {
		reason = "login already in progress"
	} else {
		for _, conn := range r.pending {
			if conn.ID() == req.Conn.ID() {
				reason = "login already in progress"
				break
			}
		}
	}

	if reason != "" {
		logger.Debug("login refused locally", LabelReason.L(reason))
		r.refuse(req.Conn, protocol.LoginFailed, name, reason)
		return
	}

	r.pending[name] = req.Conn
	r.toRegistry(protocol.RegisterNewUser, name)
	logger.Debug("login pending")
}

func (r *Router) loginResult(_ context.Context, msg protocol.ServerMessage) {
	res, ok := msg.Payload.(protocol.UserResultPayload)
	if !ok {
		r.drop("malformed")
		return
	}
	logger := r.logger.With(LabelUserName.L(res.UserName))

	conn, has := r.pending[res.UserName]
	delete(r.pending, res.UserName)
	r.msink.IncrCounterWithLabels(
		MetricLoginCount,
		1.0,
		withLabels(r.labels, LabelOutcome.M(strconv.FormatBool(res.Success))),
	)

	if !has {
		if res.Success {
			// The client left while we were waiting. Nobody was told
			// about it, so the release is not announced either.
			logger.Info("releasing name of a vanished client")
			r.releasing[res.UserName] = struct{}{}
			r.toRegistry(protocol.RemoveUser, res.UserName)
		}
		return
	}

	if !res.Success {
		logger.Info("login failed", LabelReason.L(res.Reason))
		r.refuse(conn, protocol.LoginFailed, res.UserName, res.Reason)
		return
	}

	r.local[res.UserName] = conn
	r.sessions[conn.ID()] = res.UserName
	r.gauges()
	logger.Info("user logged in", LabelConnID.L(conn.ID()))
	r.broadcast(protocol.NewUserRequest(protocol.NewUser, r.Address(), res.UserName))
}

func (r *Router) logout(_ context.Context, req protocol.ClientRequest) {
	name := req.Msg.SenderUserName
	logger := r.logger.With(LabelUserName.L(name), LabelConnID.L(req.Conn.ID()))

	var reason string
	if current, has := r.sessions[req.Conn.ID()]; !has || current != name {
		reason = "not logged in as " + name
	} else if _, has := r.pendingLogout[name]; has {
		reason = "logout already in progress"
	}

	if reason != "" {
		logger.Debug("logout refused locally", LabelReason.L(reason))
		r.refuse(req.Conn, protocol.LogoutFailed, name, reason)
		return
	}

	r.pendingLogout[name] = req.Conn
	r.toRegistry(protocol.RemoveUser, name)
	logger.Debug("logout pending")
}

func (r *Router) logoutResult(_ context.Context, msg protocol.ServerMessage) {
	res, ok := msg.Payload.(protocol.UserResultPayload)
	if !ok {
		r.drop("malformed")
		return
	}
	logger := r.logger.With(LabelUserName.L(res.UserName))

	if _, silent := r.releasing[res.UserName]; silent {
		delete(r.releasing, res.UserName)
		logger.Debug("name of a vanished client released", LabelOutcome.L(res.Success))
		return
	}

	conn, has := r.pendingLogout[res.UserName]
	delete(r.pendingLogout, res.UserName)
	r.msink.IncrCounterWithLabels(
		MetricLogoutCount,
		1.0,
		withLabels(r.labels, LabelOutcome.M(strconv.FormatBool(res.Success))),
	)

	if !res.Success {
		logger.Info("logout failed", LabelReason.L(res.Reason))
		if has {
			r.refuse(conn, protocol.LogoutFailed, res.UserName, res.Reason)
		}
		return
	}

	if owner, ok := r.local[res.UserName]; ok {
		delete(r.sessions, owner.ID())
		delete(r.local, res.UserName)
	}
	r.gauges()
	logger.Info("user logged out")

	if has {
		r.reply(conn, protocol.ClientMessage{
			MessageType:    protocol.Logout,
			SenderUserName: res.UserName,
		})
	}
	r.broadcast(protocol.NewUserRequest(protocol.UserRemoved, r.Address(), res.UserName))
}

func (r *Router) connectionLost(conn protocol.Conn) {
	id := conn.ID()
	for name, pending := range r.pending {
		if pending.ID() == id {
			delete(r.pending, name)
		}
	}

	name, has := r.sessions[id]
	if !has {
		r.logger.Debug("anonymous client left", LabelConnID.L(id))
		return
	}
	delete(r.sessions, id)
	delete(r.local, name)
	r.gauges()
	r.logger.Info("client left, releasing its user", LabelConnID.L(id), LabelUserName.L(name))

	if _, inFlight := r.pendingLogout[name]; inFlight {
		delete(r.pendingLogout, name)
		return
	}
	r.toRegistry(protocol.RemoveUser, name)
}

func (r *Router) publicMessage(_ context.Context, req protocol.ClientRequest) {
	name, has := r.sessions[req.Conn.ID()]
	if !has {
		r.drop("no_session")
		r.logger.Debug("public message from anonymous client dropped", LabelConnID.L(req.Conn.ID()))
		return
	}

	msg := req.Msg.Clone()
	msg.SenderUserName = name
	r.broadcast(protocol.ServerMessage{
		Type:    protocol.ForwardPublicMessage,
		Sender:  r.Address(),
		Payload: protocol.ClientPayload{Msg: msg},
	})
}

func (r *Router) privateMessage(_ context.Context, req protocol.ClientRequest) {
	name, has := r.sessions[req.Conn.ID()]
	if !has {
		r.drop("no_session")
		r.logger.Debug("private message from anonymous client dropped", LabelConnID.L(req.Conn.ID()))
		return
	}

	msg := req.Msg.Clone()
	msg.SenderUserName = name

	if route, known := r.routes[msg.ReceiverUserName]; known {
		r.courier.submit([]mailbox.Address{route}, protocol.ServerMessage{
			Type:    protocol.ForwardPrivateMessage,
			Sender:  r.Address(),
			Payload: protocol.ClientPayload{Msg: msg},
		})
	} else {
		r.drop("unknown_receiver")
		r.logger.Info(
			"private message to unknown user dropped",
			LabelUserName.L(name),
			"receiver", msg.ReceiverUserName,
		)
	}

	// Echo, as an acknowledgement.
	r.reply(req.Conn, msg)
}

func (r *Router) listAllUsers(_ context.Context, req protocol.ClientRequest) {
	users := make([]string, 0, len(r.routes))
	for name := range r.routes {
		users = append(users, name)
	}
	sort.Strings(users)
	r.reply(req.Conn, protocol.ClientMessage{
		MessageType: protocol.ListAllUsers,
		AllUsers:    users,
	})
}

func (r *Router) newUser(_ context.Context, msg protocol.ServerMessage) {
	p, ok := msg.Payload.(protocol.UserPayload)
	if !ok {
		r.drop("malformed")
		return
	}
	r.routes[p.UserName] = msg.Sender
	r.gauges()
	r.relayToLocal(protocol.ClientMessage{
		MessageType:    protocol.Login,
		SenderUserName: p.UserName,
	})
}

func (r *Router) userRemoved(_ context.Context, msg protocol.ServerMessage) {
	p, ok := msg.Payload.(protocol.UserPayload)
	if !ok {
		r.drop("malformed")
		return
	}
	// The name may already be owned by another router.
	if r.routes[p.UserName] != msg.Sender {
		r.drop("stale_removal")
		r.logger.Debug(
			"stale user removal ignored",
			LabelUserName.L(p.UserName),
			LabelMailbox.L(msg.Sender.String()),
		)
		return
	}
	delete(r.routes, p.UserName)
	r.gauges()
	r.relayToLocal(protocol.ClientMessage{
		MessageType:    protocol.Logout,
		SenderUserName: p.UserName,
	})
}

func (r *Router) forwardPublic(_ context.Context, msg protocol.ServerMessage) {
	p, ok := msg.Payload.(protocol.ClientPayload)
	if !ok {
		r.drop("malformed")
		return
	}
	r.relayToLocal(p.Msg)
}

func (r *Router) forwardPrivate(_ context.Context, msg protocol.ServerMessage) {
	p, ok := msg.Payload.(protocol.ClientPayload)
	if !ok {
		r.drop("malformed")
		return
	}
	conn, has := r.local[p.Msg.ReceiverUserName]
	if !has {
		r.drop("routing_error")
		r.logger.Warn(
			"routing error: receiver is not connected here",
			"receiver", p.Msg.ReceiverUserName,
			LabelMailbox.L(msg.Sender.String()),
		)
		return
	}
	r.reply(conn, p.Msg)
}

func (r *Router) membership(_ context.Context, msg protocol.ServerMessage) {
	p, ok := msg.Payload.(protocol.RoutersPayload)
	if !ok {
		r.drop("malformed")
		return
	}
	r.routers = slices.Clone(p.Routers)
	r.members.Store(int32(len(r.routers)))
	r.msink.SetGaugeWithLabels(MetricMembershipSize, float32(len(r.routers)), r.labels)
	r.logger.Debug("membership updated", "routers", len(r.routers))
}
