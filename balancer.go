package agora

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/raskyld/agora/pkg/mailbox"
	"github.com/raskyld/agora/pkg/protocol"
	"golang.org/x/exp/slices"
)

// LoadBalancerName is the name the `LoadBalancer` is bound to.
const LoadBalancerName = "load_balancer"

type chatServer struct {
	httpAddr string
	router   mailbox.Address
}

// LoadBalancer tracks chat servers, hands them out round robin to new
// clients and keeps every router aware of the full membership.
//
// Servers never leave the list.
type LoadBalancer struct {
	actor

	// servers is also read by `NextServerAddress` from HTTP handlers.
	lk      sync.Mutex
	servers []chatServer
}

var _ http.Handler = (*LoadBalancer)(nil)

func NewLoadBalancer(po *PostOffice) (*LoadBalancer, error) {
	a, err := newActor(po, "load_balancer", LoadBalancerName)
	if err != nil {
		return nil, err
	}
	return &LoadBalancer{actor: a}, nil
}

// Run processes registrations until ctx is done.
func (lb *LoadBalancer) Run(ctx context.Context) error {
	return lb.loop(ctx, lb.handle)
}

// NextServerAddress returns the URL of the next chat server: the last
// one is moved in front and returned.
func (lb *LoadBalancer) NextServerAddress() (string, error) {
	lb.lk.Lock()
	defer lb.lk.Unlock()
	if len(lb.servers) == 0 {
		return "", ErrNoChatServer
	}
	last := lb.servers[len(lb.servers)-1]
	lb.servers = slices.Insert(lb.servers[:len(lb.servers)-1], 0, last)
	return serverURL(last.httpAddr), nil
}

// Servers returns the HTTP addresses of registered chat servers.
func (lb *LoadBalancer) Servers() []string {
	lb.lk.Lock()
	defer lb.lk.Unlock()
	addrs := make([]string, len(lb.servers))
	for i, srv := range lb.servers {
		addrs[i] = srv.httpAddr
	}
	return addrs
}

// ServeHTTP redirects the client to its chat server.
func (lb *LoadBalancer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, err := lb.NextServerAddress()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	lb.logger.Debug("client redirected", "target", target, "remote", r.RemoteAddr)
	http.Redirect(w, r, target, http.StatusFound)
}

func (lb *LoadBalancer) handle(ctx context.Context, env protocol.Envelope) {
	msg, ok := env.(protocol.ServerMessage)
	if !ok || msg.Type != protocol.RegisterChatServer {
		lb.discardUnknown(env)
		return
	}

	req, ok := msg.Payload.(protocol.ChatServerPayload)
	if !ok || req.Router.IsZero() {
		lb.drop("malformed")
		lb.logger.Warn("chat server registration without router", LabelMailbox.L(msg.Sender.String()))
		return
	}

	lb.lk.Lock()
	idx := slices.IndexFunc(lb.servers, func(srv chatServer) bool {
		return srv.router == req.Router
	})
	if idx >= 0 {
		lb.servers[idx].httpAddr = req.HTTPAddr
	} else {
		lb.servers = append(lb.servers, chatServer{httpAddr: req.HTTPAddr, router: req.Router})
	}
	routers := make([]mailbox.Address, len(lb.servers))
	for i, srv := range lb.servers {
		routers[i] = srv.router
	}
	lb.lk.Unlock()

	lb.logger.Info(
		"chat server registered",
		"http_addr", req.HTTPAddr,
		LabelMailbox.L(req.Router.String()),
		"replaced", idx >= 0,
	)
	lb.msink.SetGaugeWithLabels(MetricMembershipSize, float32(len(routers)), lb.labels)

	// Full state, to every router, the new one included.
	update := protocol.ServerMessage{
		Type:    protocol.NewMessageRouter,
		Sender:  lb.Address(),
		Payload: protocol.RoutersPayload{Routers: routers},
	}
	for _, router := range routers {
		lb.send(ctx, router, update)
	}
	lb.msink.IncrCounterWithLabels(MetricBroadcastCount, float32(len(routers)), lb.labels)
}

func serverURL(httpAddr string) string {
	if strings.Contains(httpAddr, "://") {
		return httpAddr
	}
	return "http://" + httpAddr
}
