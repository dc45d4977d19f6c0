package protocol

// Envelope is what actor mailboxes carry. It is one of `ServerMessage`,
// `ClientRequest` or `ClientClosed`.
type Envelope interface {
	envelope()
}

var (
	_ Envelope = ServerMessage{}
	_ Envelope = ClientRequest{}
	_ Envelope = ClientClosed{}
)

// Conn is a live client connection handle.
//
// *Implementations* MUST NOT block for long in `Send`: it is invoked from
// router loops.
type Conn interface {
	ID() string
	Send(ClientMessage) error
}

// ClientRequest pairs a message received from a browser with the
// connection it came from. It never leaves the process.
type ClientRequest struct {
	Msg  ClientMessage
	Conn Conn
}

func (ClientRequest) envelope() {}

// ClientClosed notifies a router that a connection was lost.
type ClientClosed struct {
	Conn Conn
}

func (ClientClosed) envelope() {}
