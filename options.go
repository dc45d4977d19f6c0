package agora

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/agora/pkg/mailbox"
)

type config struct {
	trCfg        TransportConfig
	remote       bool
	hostname     string
	dir          mailbox.Directory
	capacity     int
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
}

// Option to pass to `NewPostOffice`
type Option func(*config) error

// WithListenOn makes the post office reachable from other processes,
// through a QUIC listener bound on addr:port.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		c.trCfg.BindAddr = addr
		c.trCfg.BindPort = port
		c.remote = true
		return nil
	}
}

// WithAdvertiseAddr sets the host:port other post offices use to reach
// this one, when it differs from the listener address.
func WithAdvertiseAddr(addr string) Option {
	return func(c *config) error {
		c.trCfg.AdvertiseAddr = addr
		return nil
	}
}

// WithTlsConfig set the `tls.Config` used by the transport. Use mTLS in
// production, that's the only thing authenticating peers.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.trCfg.TlsConfig = tlsConf.Clone()
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote host to answer.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		c.trCfg.DialTimeout = timeout
		return nil
	}
}

// WithGracePeriod gives in-flight messages some time to reach remote
// hosts when the post office shuts down.
func WithGracePeriod(period time.Duration) Option {
	return func(c *config) error {
		if period < 0 {
			return fmt.Errorf("grace period must be positive, got %s", period)
		}
		c.trCfg.GracePeriod = period
		return nil
	}
}

// WithHostname names the post office when it is not listening, it is
// used as the host part of local addresses.
func WithHostname(hostname string) Option {
	return func(c *config) error {
		c.hostname = hostname
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.trCfg.LogHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted
// by the post office and the actors using it.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		c.trCfg.MetricSink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		c.trCfg.MetricLabels = labels
		return nil
	}
}

// WithDirectory sets where discoverable names are bound and resolved.
// Post offices of a same cluster MUST share a directory.
func WithDirectory(dir mailbox.Directory) Option {
	return func(c *config) error {
		c.dir = dir
		return nil
	}
}

// WithMailboxCapacity sets the capacity of mailboxes created by the post
// office.
func WithMailboxCapacity(capacity int) Option {
	return func(c *config) error {
		if capacity <= 0 {
			capacity = mailbox.DefaultCapacity
		}
		c.capacity = capacity
		return nil
	}
}
