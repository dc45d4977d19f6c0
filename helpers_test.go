package agora

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/agora/pkg/protocol"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slices"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %s", err)
		return nil
	}
	return key
}

func generateCa(t *testing.T, pkey *ecdsa.PrivateKey) []byte {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: "agora-test-ca",
		},
		SerialNumber:          serialNumber,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(1 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &pkey.PublicKey, pkey)
	if err != nil {
		t.Fatalf("failed to generate CA: %s", err)
		return nil
	}
	return certDER
}

func generateLeaf(t *testing.T, ca *x509.Certificate, caKP, leafKP *ecdsa.PrivateKey, cn string) []byte {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber: serialNumber,
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(1 * time.Hour),
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, ca, &leafKP.PublicKey, caKP)
	if err != nil {
		t.Fatalf("failed to generate leaf: %s", err)
		return nil
	}
	return certDER
}

// testPKI issues mTLS configurations signed by the same CA.
type testPKI struct {
	ca    *x509.Certificate
	caKey *ecdsa.PrivateKey
	pool  *x509.CertPool
}

func newTestPKI(t *testing.T) *testPKI {
	caKey := generateKeyPair(t)
	ca, err := x509.ParseCertificate(generateCa(t, caKey))
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(ca)
	return &testPKI{ca: ca, caKey: caKey, pool: pool}
}

func (pki *testPKI) tlsConfig(t *testing.T, cn string) *tls.Config {
	key := generateKeyPair(t)
	der := generateLeaf(t, pki.ca, pki.caKey, key, cn)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &tls.Config{
		Certificates: []tls.Certificate{
			{
				Certificate: [][]byte{der},
				Leaf:        leaf,
				PrivateKey:  key,
			},
		},
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  pki.pool,
		RootCAs:    pki.pool,
	}
}

func testLogHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

// recordingConn is a client connection remembering what it was sent.
type recordingConn struct {
	id   string
	lk   sync.Mutex
	msgs []protocol.ClientMessage
}

var _ protocol.Conn = (*recordingConn)(nil)

func newRecordingConn(id string) *recordingConn {
	return &recordingConn{id: id}
}

func (c *recordingConn) ID() string {
	return c.id
}

func (c *recordingConn) Send(msg protocol.ClientMessage) error {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *recordingConn) received(t protocol.ClientMessageType) []protocol.ClientMessage {
	c.lk.Lock()
	defer c.lk.Unlock()
	var found []protocol.ClientMessage
	for _, msg := range c.msgs {
		if msg.MessageType == t {
			found = append(found, msg)
		}
	}
	return found
}

func (c *recordingConn) count(t protocol.ClientMessageType, sender string) int {
	n := 0
	for _, msg := range c.received(t) {
		if msg.SenderUserName == sender {
			n++
		}
	}
	return n
}

// testCluster runs a registry, a load balancer and routers on a single
// post office.
type testCluster struct {
	po       *PostOffice
	registry *UserRegistry
	balancer *LoadBalancer
	routers  []*Router
	conns    atomic.Int64
}

func startCluster(t *testing.T, size int) *testCluster {
	t.Helper()
	po, err := NewPostOffice(
		WithHostname("test"),
		WithLog(testLogHandler("cluster")),
		WithMetricSink(&metrics.BlackholeSink{}),
	)
	require.NoError(t, err)

	c := &testCluster{po: po}
	c.registry, err = NewUserRegistry(po)
	require.NoError(t, err)
	c.balancer, err = NewLoadBalancer(po)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	run := func(fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				t.Error(err)
			}
		}()
	}
	run(c.registry.Run)
	run(c.balancer.Run)

	for i := 0; i < size; i++ {
		router, err := NewRouter(po, fmt.Sprintf("127.0.0.1:%d", 8080+i))
		require.NoError(t, err)
		c.routers = append(c.routers, router)
		run(router.Start)
	}

	t.Cleanup(func() {
		cancel()
		wg.Wait()
		require.NoError(t, po.Shutdown())
	})

	require.Eventually(t, func() bool {
		for _, router := range c.routers {
			if router.Members() != size {
				return false
			}
		}
		return true
	}, waitFor, tick, "membership did not converge")
	return c
}

func (c *testCluster) submit(t *testing.T, node int, conn protocol.Conn, msg protocol.ClientMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.routers[node].Put(ctx, protocol.ClientRequest{Msg: msg, Conn: conn}))
}

func (c *testCluster) tryLogin(t *testing.T, node int, name string) *recordingConn {
	t.Helper()
	conn := newRecordingConn(fmt.Sprintf("conn-%d", c.conns.Add(1)))
	c.submit(t, node, conn, protocol.ClientMessage{
		MessageType:    protocol.Login,
		SenderUserName: name,
	})
	return conn
}

// login waits until the user is known by every router.
func (c *testCluster) login(t *testing.T, node int, name string) *recordingConn {
	t.Helper()
	conn := c.tryLogin(t, node, name)
	require.Eventually(t, func() bool {
		return conn.count(protocol.Login, name) == 1
	}, waitFor, tick, "login of %s not confirmed", name)
	c.waitUser(t, name, true)
	return conn
}

func (c *testCluster) listUsers(t *testing.T, node int) []string {
	t.Helper()
	users, ok := c.queryUsers(node)
	require.True(t, ok, "router %d did not answer", node)
	return users
}

// queryUsers asks a router for its users, it never fails the test so it
// can be polled.
func (c *testCluster) queryUsers(node int) ([]string, bool) {
	lister := newRecordingConn(fmt.Sprintf("lister-%d", c.conns.Add(1)))
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	err := c.routers[node].Put(ctx, protocol.ClientRequest{
		Msg:  protocol.ClientMessage{MessageType: protocol.ListAllUsers},
		Conn: lister,
	})
	if err != nil {
		return nil, false
	}
	for ctx.Err() == nil {
		if replies := lister.received(protocol.ListAllUsers); len(replies) > 0 {
			return replies[0].AllUsers, true
		}
		time.Sleep(tick)
	}
	return nil, false
}

func (c *testCluster) waitUser(t *testing.T, name string, present bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		for i := range c.routers {
			users, ok := c.queryUsers(i)
			if !ok || slices.Contains(users, name) != present {
				return false
			}
		}
		return true
	}, waitFor, tick, "%s presence is not %v everywhere", name, present)
}

// vanishLogin sends a login for name from a client which leaves right
// after, before the registry answers.
func (c *testCluster) vanishLogin(t *testing.T, node int, name string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	conn := newRecordingConn(fmt.Sprintf("vanished-%d", c.conns.Add(1)))
	require.NoError(t, c.routers[node].Put(ctx, protocol.ClientRequest{
		Msg:  protocol.ClientMessage{MessageType: protocol.Login, SenderUserName: name},
		Conn: conn,
	}))
	require.NoError(t, c.routers[node].Put(ctx, protocol.ClientClosed{Conn: conn}))
}

// loginWhenFree retries a login for name until the registry grants it.
func (c *testCluster) loginWhenFree(t *testing.T, node int, name string) *recordingConn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	var granted *recordingConn
	require.Eventually(t, func() bool {
		retry := newRecordingConn(fmt.Sprintf("retry-%d", c.conns.Add(1)))
		err := c.routers[node].Put(ctx, protocol.ClientRequest{
			Msg:  protocol.ClientMessage{MessageType: protocol.Login, SenderUserName: name},
			Conn: retry,
		})
		if err != nil {
			return false
		}
		for i := 0; i < 50; i++ {
			if retry.count(protocol.Login, name) == 1 {
				granted = retry
				return true
			}
			if len(retry.received(protocol.LoginFailed)) > 0 {
				return false
			}
			time.Sleep(tick)
		}
		return false
	}, waitFor, 100*time.Millisecond, "%s was never released", name)
	return granted
}
