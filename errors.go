package agora

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
	"github.com/raskyld/agora/pkg/mailbox"
)

var (
	ErrInvalidCfg      = errors.New("postoffice: invalid options")
	ErrPostOfficeClose = errors.New("postoffice: shut down")
	ErrUnknownMailbox  = errors.New("postoffice: mailbox does not exist on this host")
	ErrNoTransport     = errors.New("postoffice: remote address but no transport configured")

	// ErrAddressing is returned when a name is already bound.
	ErrAddressing = mailbox.ErrNameConflict
	// ErrUnresolvedAddress is returned when a name cannot be resolved.
	ErrUnresolvedAddress = mailbox.ErrNameResolution

	ErrDirectoryClosed = errors.New("directory: closed")
	ErrJoinCluster     = errors.New("directory: could not join cluster")
	ErrMetaTooLarge    = errors.New("directory: too many names bound on this host")

	ErrNoTLSConfig     = errors.New("transport: TlsConfig is required")
	ErrInvalidAddr     = errors.New("transport: the address you provided is invalid")
	ErrShutdown        = errors.New("transport: shutting down")
	ErrStreamWrite     = errors.New("transport: error writing to a stream")
	ErrDialFailed      = errors.New("transport: could not reach host")
	ErrHostnameResolve = errors.New("transport: could not resolve hostname from certificate")

	ErrNoChatServer = errors.New("balancer: no chat server registered")
)

var (
	QErrStreamShutdown = quic.StreamErrorCode(0x1)
	QErrStreamInvalid  = quic.StreamErrorCode(0x2)
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrHostname = QuicApplicationError{
		Code:   0x2,
		Prefix: "hostname",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}
