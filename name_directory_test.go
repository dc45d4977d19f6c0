package agora

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/agora/pkg/mailbox"
	"github.com/stretchr/testify/require"
)

func startGossip(t *testing.T, name string, neighbours ...string) *GossipDirectory {
	t.Helper()
	dir, err := NewGossipDirectory(&GossipConfig{
		NodeName:      name,
		BindAddr:      "127.0.0.1",
		Neighbours:    neighbours,
		UpdateTimeout: time.Second,
		LogHandler:    testLogHandler(name),
		MetricSink:    &metrics.BlackholeSink{},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, dir.Shutdown())
	})
	require.NoError(t, dir.JoinCluster())
	return dir
}

func resolveSoon(t *testing.T, dir *GossipDirectory, name string) (mailbox.Address, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	return dir.Resolve(ctx, name)
}

func TestGossipDirectory_BindResolve(t *testing.T) {
	n1 := startGossip(t, "n1")
	n2 := startGossip(t, "n2", n1.LocalAddr())
	require.Eventually(t, func() bool {
		return n1.NumMembers() == 2 && n2.NumMembers() == 2
	}, waitFor, tick)

	registry := mailbox.Address{Host: "10.0.0.1:6174", ID: "registry"}
	require.NoError(t, n1.Bind(UserRegistryName, registry))
	require.NoError(t, n1.Bind(UserRegistryName, registry), "binding twice is idempotent")

	t.Run("local", func(t *testing.T) {
		addr, err := n1.Resolve(context.Background(), UserRegistryName)
		require.NoError(t, err)
		require.Equal(t, registry, addr)
	})

	t.Run("remote", func(t *testing.T) {
		addr, err := resolveSoon(t, n2, UserRegistryName)
		require.NoError(t, err)
		require.Equal(t, registry, addr)
	})

	t.Run("conflict", func(t *testing.T) {
		err := n2.Bind(UserRegistryName, mailbox.Address{Host: "10.0.0.2:6174", ID: "impostor"})
		require.ErrorIs(t, err, mailbox.ErrNameConflict)
		err = n1.Bind(UserRegistryName, mailbox.Address{Host: "10.0.0.1:6174", ID: "other"})
		require.ErrorIs(t, err, mailbox.ErrNameConflict)
	})

	t.Run("unbind", func(t *testing.T) {
		require.ErrorIs(t, n2.Unbind(UserRegistryName, registry), mailbox.ErrNameResolution)
		require.ErrorIs(t, n1.Unbind(UserRegistryName, mailbox.Address{Host: "x", ID: "y"}), mailbox.ErrNotOwner)
		require.NoError(t, n1.Unbind(UserRegistryName, registry))

		require.Eventually(t, func() bool {
			_, err := n2.Resolve(context.Background(), UserRegistryName)
			return err != nil
		}, waitFor, tick)

		lb := mailbox.Address{Host: "10.0.0.2:6174", ID: "balancer"}
		require.NoError(t, n2.Bind(UserRegistryName, lb))
		addr, err := resolveSoon(t, n1, UserRegistryName)
		require.NoError(t, err)
		require.Equal(t, lb, addr)
	})
}

func TestGossipDirectory_ResolveWaitsForGossip(t *testing.T) {
	n1 := startGossip(t, "n1")
	n2 := startGossip(t, "n2", n1.LocalAddr())

	_, err := n2.Resolve(context.Background(), LoadBalancerName)
	require.ErrorIs(t, err, mailbox.ErrNameResolution, "no deadline, no wait")

	lb := mailbox.Address{Host: "10.0.0.1:6174", ID: "balancer"}
	go func() {
		time.Sleep(100 * time.Millisecond)
		if err := n1.Bind(LoadBalancerName, lb); err != nil {
			t.Error(err)
		}
	}()

	addr, err := resolveSoon(t, n2, LoadBalancerName)
	require.NoError(t, err)
	require.Equal(t, lb, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = n2.Resolve(ctx, "nobody")
	require.ErrorIs(t, err, mailbox.ErrNameResolution)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGossipDirectory_ConcurrentClaimsConverge(t *testing.T) {
	n1 := startGossip(t, "n1")
	n2 := startGossip(t, "n2")

	a1 := mailbox.Address{Host: "10.0.0.1:6174", ID: "registry"}
	a2 := mailbox.Address{Host: "10.0.0.2:6174", ID: "registry"}
	require.NoError(t, n1.Bind(UserRegistryName, a1))
	require.NoError(t, n2.Bind(UserRegistryName, a2))

	joined, err := n2.ml.Join([]string{n1.LocalAddr()})
	require.NoError(t, err)
	require.Equal(t, 1, joined)

	for _, dir := range []*GossipDirectory{n1, n2} {
		require.Eventually(t, func() bool {
			addr, err := dir.Resolve(context.Background(), UserRegistryName)
			return err == nil && addr == a1
		}, waitFor, tick)
	}

	// The shelved claim takes over once the owner releases the name.
	require.NoError(t, n1.Unbind(UserRegistryName, a1))
	require.Eventually(t, func() bool {
		addr, err := n1.Resolve(context.Background(), UserRegistryName)
		return err == nil && addr == a2
	}, waitFor, tick)
}

func TestGossipDirectory_LeaveReleasesNames(t *testing.T) {
	n1 := startGossip(t, "n1")
	n2, err := NewGossipDirectory(&GossipConfig{
		NodeName:   "n2",
		BindAddr:   "127.0.0.1",
		Neighbours: []string{n1.LocalAddr()},
		LogHandler: testLogHandler("n2"),
		MetricSink: &metrics.BlackholeSink{},
	})
	require.NoError(t, err)
	require.NoError(t, n2.JoinCluster())

	require.NoError(t, n2.Bind(LoadBalancerName, mailbox.Address{Host: "h", ID: "lb"}))
	_, err = resolveSoon(t, n1, LoadBalancerName)
	require.NoError(t, err)

	require.NoError(t, n2.Shutdown())
	require.Eventually(t, func() bool {
		_, err := n1.Resolve(context.Background(), LoadBalancerName)
		return err != nil
	}, waitFor, tick)

	_, err = n2.Resolve(context.Background(), LoadBalancerName)
	require.ErrorIs(t, err, ErrDirectoryClosed)
	require.ErrorIs(t, n2.Bind("x", mailbox.Address{Host: "h", ID: "x"}), ErrDirectoryClosed)
}

func TestGossipDirectory_Scan(t *testing.T) {
	n1 := startGossip(t, "n1")
	for _, name := range []string{"router-1", "router-2", "registry"} {
		require.NoError(t, n1.Bind(name, mailbox.Address{Host: "h", ID: name}))
	}
	require.ElementsMatch(t, []string{"router-1", "router-2"}, n1.Scan("router-"))
	require.Len(t, n1.Scan(""), 3)
	require.Empty(t, n1.Scan("balancer"))
}

func TestGossipDirectory_MetaLimit(t *testing.T) {
	n1 := startGossip(t, "n1")
	require.ErrorIs(t, n1.Bind("not valid!", mailbox.Address{Host: "h", ID: "x"}), mailbox.ErrNameInvalid)

	var err error
	for i := 0; i < 64 && err == nil; i++ {
		name := fmt.Sprintf("%s-%d", strings.Repeat("n", 32), i)
		err = n1.Bind(name, mailbox.Address{Host: "10.0.0.1:6174", ID: "mailbox"})
	}
	require.ErrorIs(t, err, ErrMetaTooLarge)
}

func TestClaimsCodec(t *testing.T) {
	claims := map[string]mailbox.Address{
		UserRegistryName: {Host: "10.0.0.1:6174", ID: "8a3f"},
		LoadBalancerName: {Host: "10.0.0.2:6174", ID: "1c2d"},
	}
	decoded, err := decodeClaims(encodeClaims(claims))
	require.NoError(t, err)
	require.Equal(t, claims, decoded)

	empty, err := decodeClaims(nil)
	require.NoError(t, err)
	require.Empty(t, empty)

	_, err = decodeClaims([]byte{0x0a, 0x05, 0x01})
	require.Error(t, err)
}
