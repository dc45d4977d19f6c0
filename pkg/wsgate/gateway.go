// Package wsgate connects browsers to a chat router through websockets.
package wsgate

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/raskyld/agora/pkg/protocol"
)

var (
	ErrConnClosed = errors.New("wsgate: connection closed")
	ErrSlowClient = errors.New("wsgate: client is not reading fast enough")
)

const (
	DefaultSendBuffer = 64
	writeTimeout      = 10 * time.Second
	closeTimeout      = 5 * time.Second
)

// Sink receives the envelopes of every connection, it is usually a
// router.
type Sink interface {
	Put(ctx context.Context, env protocol.Envelope) error
}

// Gateway is an `http.Handler` upgrading requests to websockets.
type Gateway struct {
	sink       Sink
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	sendBuffer int
}

type Option func(*Gateway)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithSendBuffer sets how many messages may wait for a client before it
// is considered too slow and disconnected.
func WithSendBuffer(size int) Option {
	return func(g *Gateway) {
		if size > 0 {
			g.sendBuffer = size
		}
	}
}

// WithCheckOrigin overrides the same-origin check of the upgrader.
func WithCheckOrigin(check func(r *http.Request) bool) Option {
	return func(g *Gateway) {
		g.upgrader.CheckOrigin = check
	}
}

func New(sink Sink, opts ...Option) *Gateway {
	g := &Gateway{
		sink:       sink,
		logger:     slog.Default(),
		sendBuffer: DefaultSendBuffer,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &conn{
		id:  uuid.NewString(),
		ws:  ws,
		out: make(chan protocol.ClientMessage, g.sendBuffer),
	}
	logger := g.logger.With("conn_id", c.id, "remote", r.RemoteAddr)
	logger.Debug("client connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump(logger)
	}()

	defer func() {
		c.close()
		<-done
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := g.sink.Put(ctx, protocol.ClientClosed{Conn: c}); err != nil {
			logger.Warn("could not notify connection loss", "error", err)
		}
		logger.Debug("client disconnected")
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("connection lost", "error", err)
			}
			return
		}

		msg, err := protocol.DecodeClientMessage(data)
		if err != nil {
			logger.Warn("invalid client message discarded", "error", err)
			continue
		}

		if err := g.sink.Put(r.Context(), protocol.ClientRequest{Msg: msg, Conn: c}); err != nil {
			logger.Warn("router unavailable", "error", err)
			return
		}
	}
}

// conn implements `protocol.Conn`. Messages are written by a dedicated
// goroutine so `Send` never blocks the router.
type conn struct {
	id     string
	ws     *websocket.Conn
	out    chan protocol.ClientMessage
	lk     sync.Mutex
	closed bool
}

var _ protocol.Conn = (*conn)(nil)

func (c *conn) ID() string {
	return c.id
}

func (c *conn) Send(msg protocol.ClientMessage) error {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.out <- msg:
		return nil
	default:
		// Kick it, the read loop will notice.
		c.ws.Close()
		return ErrSlowClient
	}
}

func (c *conn) close() {
	c.lk.Lock()
	defer c.lk.Unlock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
}

func (c *conn) writePump(logger *slog.Logger) {
	defer c.ws.Close()
	for msg := range c.out {
		data, err := protocol.EncodeClientMessage(msg)
		if err != nil {
			logger.Error("could not encode client message", "error", err)
			continue
		}
		c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			logger.Debug("write failed", "error", err)
			// Unblock the read loop, then drain until it closes us.
			c.ws.Close()
			for range c.out {
			}
			return
		}
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.ws.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
}
