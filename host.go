package agora

import (
	"crypto/x509"
	"log/slog"
)

type Hostname string

// Peer is a remote host we exchanged frames with.
type Peer struct {
	Name Hostname
	Addr string
}

func (p Peer) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", string(p.Name)),
		slog.String("addr", p.Addr),
	)
}

// HostnameResolver resolves the hostname of a peer from the
// `x509.Certificate` chain it presented.
//
// *Implementations* MUST NOT be blocking, since they are invoked on
// the connection establishment critical path. The error message is sent
// back to the peer, so it can debug the failure.
type HostnameResolver func(certs []*x509.Certificate) (Hostname, error)

// CommonNameResolver is the default resolver, it uses the x509 Subject
// Common Name of the peer certificate.
func CommonNameResolver(certs []*x509.Certificate) (Hostname, error) {
	if len(certs) == 0 {
		return "", ErrHostnameResolve
	}
	return Hostname(certs[0].Subject.CommonName), nil
}
