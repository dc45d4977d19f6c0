package agora

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/agora/pkg/protocol"
)

const (
	DefaultPort = 6174
	alpnProto   = "agora/1"
)

// TransportConfig represents configuration of the mailbox transport.
type TransportConfig struct {
	// TlsConfig should be configured to ensure mTLS is enabled between the
	// peers.
	TlsConfig *tls.Config

	// BindAddr and BindPort are where the QUIC listener is bound.
	BindAddr string
	BindPort int

	// AdvertiseAddr is the host part of addresses of local mailboxes.
	// Defaults to the listener address.
	AdvertiseAddr string

	// HostnameResolver to resolve hostname from peer certificates.
	HostnameResolver HostnameResolver

	// MetricsLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// DialTimeout controls how much time we wait for a connection and
	// its stream to be established.
	DialTimeout time.Duration

	// GracePeriod is how long we wait on Shutdown for streams to flush.
	GracePeriod time.Duration

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// DeliverFunc hands an inbound message to the local mailbox named
// destination. It MAY block: the remote sender is then slowed down by
// QUIC flow control.
type DeliverFunc func(ctx context.Context, destination string, msg protocol.ServerMessage) error

// Transport carries `protocol.ServerMessage` frames between processes.
//
// Every frame sent to a given host goes through a single unidirectional
// stream, so messages of a writer reach a remote mailbox in order.
//
// A write error resets the stream and the next frame opens a new one.
// Frames already on the wire through the old stream are read concurrently
// with the new one, so ordering only holds between two write errors.
type Transport struct {
	cfg       *TransportConfig
	logger    *slog.Logger
	msink     metrics.MetricSink
	tlsConf   *tls.Config
	quicConf  *quic.Config
	advertise string
	deliver   DeliverFunc

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup

	peers     map[string]*peerCx
	cxs       map[quic.Connection]struct{}
	peersLock sync.Mutex

	ln *quic.Listener
}

type peerCx struct {
	lk     sync.Mutex
	conn   quic.Connection
	stream quic.SendStream
}

func NewTransport(cfg *TransportConfig, deliver DeliverFunc) (t *Transport, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	t = &Transport{
		cfg:     cfg,
		deliver: deliver,
		peers:   make(map[string]*peerCx),
		cxs:     make(map[quic.Connection]struct{}),
		quicConf: &quic.Config{
			MaxIdleTimeout:        1 * time.Minute,
			KeepAlivePeriod:       15 * time.Second,
			MaxIncomingUniStreams: 1024,
		},
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	t.tlsConf = cfg.TlsConfig.Clone()
	if len(t.tlsConf.NextProtos) == 0 {
		t.tlsConf.NextProtos = []string{alpnProto}
	}

	bindAddr := cfg.BindAddr
	if bindAddr == "" {
		bindAddr = net.IPv4zero.String()
	}

	ln, err := quic.ListenAddr(net.JoinHostPort(bindAddr, strconv.Itoa(cfg.BindPort)), t.tlsConf, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}
	t.ln = ln

	t.advertise = cfg.AdvertiseAddr
	if t.advertise == "" {
		t.advertise = ln.Addr().String()
	}

	t.wg.Add(1)
	go t.acceptCx()
	return t, nil
}

// Addr is the address other hosts use to reach us.
func (t *Transport) Addr() string {
	return t.advertise
}

// Send delivers msg to the mailbox destination living on host.
func (t *Transport) Send(ctx context.Context, host, destination string, msg protocol.ServerMessage) error {
	if t.gracefulTerm.Load() {
		return ErrShutdown
	}

	body, err := protocol.MarshalFrame(destination, msg)
	if err != nil {
		return err
	}
	frame := protocol.AppendFrame(nil, body)

	mLabels := withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(host))
	pcx := t.peer(host)
	pcx.lk.Lock()
	defer pcx.lk.Unlock()

	if pcx.stream == nil {
		if err := t.connect(ctx, host, pcx); err != nil {
			t.msink.IncrCounterWithLabels(
				MetricFrameOutErrorCount,
				1.0,
				append(mLabels, LabelError.M("dial")),
			)
			return fmt.Errorf("%w: %w", ErrDialFailed, err)
		}
	}

	if dl, ok := ctx.Deadline(); ok {
		pcx.stream.SetWriteDeadline(dl)
		defer pcx.stream.SetWriteDeadline(time.Time{})
	}

	_, err = pcx.stream.Write(frame)
	if err != nil {
		// The stream may contain a torn frame, the next send starts
		// from a fresh stream.
		pcx.stream.CancelWrite(QErrStreamInvalid)
		pcx.stream = nil
		t.msink.IncrCounterWithLabels(
			MetricFrameOutErrorCount,
			1.0,
			append(mLabels, LabelError.M("write")),
		)
		return fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}

	t.msink.IncrCounterWithLabels(MetricFrameOutBytes, float32(len(frame)), mLabels)
	return nil
}

func (t *Transport) Shutdown() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}

	// A sender blocked on flow control holds its peer lock, its connection
	// is closed below anyway.
	t.peersLock.Lock()
	for _, pcx := range t.peers {
		if pcx.lk.TryLock() {
			if pcx.stream != nil {
				pcx.stream.Close()
			}
			pcx.lk.Unlock()
		}
	}
	t.peersLock.Unlock()

	if t.cfg.GracePeriod > 0 {
		time.Sleep(t.cfg.GracePeriod)
	}

	t.cancel()

	t.peersLock.Lock()
	for conn := range t.cxs {
		QErrShutdown.Close(conn, "we are shutting down! bye!")
	}
	t.peersLock.Unlock()

	err := t.ln.Close()
	t.wg.Wait()
	return err
}

func (t *Transport) peer(host string) *peerCx {
	t.peersLock.Lock()
	defer t.peersLock.Unlock()
	pcx, ok := t.peers[host]
	if !ok {
		pcx = &peerCx{}
		t.peers[host] = pcx
	}
	return pcx
}

// not thread safe!
// must be called by the holder of pcx lock
func (t *Transport) connect(ctx context.Context, host string, pcx *peerCx) error {
	if _, _, err := net.SplitHostPort(host); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	if pcx.conn == nil || pcx.conn.Context().Err() != nil {
		if pcx.conn != nil {
			t.untrack(pcx.conn)
			pcx.conn = nil
		}
		conn, err := quic.DialAddr(dialCtx, host, t.tlsConf, t.quicConf)
		if err != nil {
			return err
		}
		if !t.track(conn) {
			QErrShutdown.Close(conn, "we are shutting down! bye!")
			return ErrShutdown
		}
		pcx.conn = conn
		t.msink.IncrCounterWithLabels(
			MetricConnEstCount,
			1.0,
			withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(host)),
		)
		t.logger.Debug("connected to peer", LabelPeerAddr.L(host))
	}

	stream, err := pcx.conn.OpenUniStreamSync(dialCtx)
	if err != nil {
		QErrInternal.Close(pcx.conn, "could not open a stream")
		t.untrack(pcx.conn)
		pcx.conn = nil
		return err
	}
	pcx.stream = stream
	return nil
}

// track registers conn so it is closed on Shutdown, it reports false if
// we are already shutting down.
func (t *Transport) track(conn quic.Connection) bool {
	t.peersLock.Lock()
	defer t.peersLock.Unlock()
	if t.gracefulTerm.Load() {
		return false
	}
	t.cxs[conn] = struct{}{}
	return true
}

func (t *Transport) untrack(conn quic.Connection) {
	t.peersLock.Lock()
	defer t.peersLock.Unlock()
	delete(t.cxs, conn)
}

func (t *Transport) acceptCx() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept(t.ctx)
		if err != nil {
			if !t.gracefulTerm.Load() {
				t.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}

		t.wg.Add(1)
		go t.handleConn(conn)
	}
}

func (t *Transport) handleConn(conn quic.Connection) {
	defer t.wg.Done()

	resolver := t.cfg.HostnameResolver
	if resolver == nil {
		resolver = CommonNameResolver
	}

	peer := Peer{Addr: conn.RemoteAddr().String()}
	mLabels := withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(peer.Addr))

	name, err := resolver(conn.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		t.logger.Error("failed to resolve hostname", "peer", peer, LabelError.L(err))
		QErrHostname.Close(conn, err.Error())
		return
	}
	peer.Name = name
	logger := t.logger.With("peer", peer)

	if !t.track(conn) {
		QErrShutdown.Close(conn, "we are shutting down! bye!")
		return
	}
	defer t.untrack(conn)

	t.msink.IncrCounterWithLabels(MetricConnEstCount, 1.0, withLabels(mLabels, LabelPeerName.M(string(name))))
	logger.Debug("accepted connection")

	for {
		stream, err := conn.AcceptUniStream(t.ctx)
		if err != nil {
			if !t.gracefulTerm.Load() && conn.Context().Err() == nil {
				logger.Warn("error accepting stream", LabelError.L(err))
			}
			return
		}

		t.wg.Add(1)
		go t.handleStream(logger, mLabels, stream)
	}
}

func (t *Transport) handleStream(logger *slog.Logger, mLabels []metrics.Label, stream quic.ReceiveStream) {
	defer t.wg.Done()
	logger = logger.With("stream_id", stream.StreamID())
	r := bufio.NewReader(stream)

	for {
		frame, err := protocol.ReadFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !t.gracefulTerm.Load() {
				logger.Debug("stream closed", LabelError.L(err))
			}
			if errors.Is(err, protocol.ErrInvalidFrame) || errors.Is(err, protocol.ErrTooLargeFrame) {
				t.msink.IncrCounterWithLabels(
					MetricFrameInErrorCount,
					1.0,
					withLabels(mLabels, LabelError.M("framing")),
				)
				stream.CancelRead(QErrStreamInvalid)
			}
			return
		}
		t.msink.IncrCounterWithLabels(MetricFrameInBytes, float32(len(frame)), mLabels)

		destination, msg, err := protocol.UnmarshalFrame(frame)
		if err != nil {
			t.msink.IncrCounterWithLabels(
				MetricFrameInErrorCount,
				1.0,
				withLabels(mLabels, LabelError.M("protocol_violation")),
			)
			logger.Warn("protocol violation: malformed frame", LabelError.L(err))
			stream.CancelRead(QErrStreamInvalid)
			return
		}

		if err := t.deliver(t.ctx, destination, msg); err != nil {
			if t.gracefulTerm.Load() {
				return
			}
			t.msink.IncrCounterWithLabels(
				MetricFrameInErrorCount,
				1.0,
				withLabels(mLabels, LabelError.M("undeliverable")),
			)
			logger.Warn(
				"could not deliver inbound message",
				LabelMailbox.L(destination),
				LabelMessageType.L(msg.Type.String()),
				LabelError.L(err),
			)
		}
	}
}
