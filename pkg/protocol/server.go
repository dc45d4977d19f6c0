package protocol

import (
	"fmt"

	"github.com/raskyld/agora/pkg/mailbox"
)

type ServerMessageType uint8

const (
	UnknownServerMessage ServerMessageType = iota
	// RegisterNewUser asks the registry to claim a name, `UserPayload`.
	RegisterNewUser
	// RegisterNewUserResult is the registry answer, `UserResultPayload`.
	RegisterNewUserResult
	// RemoveUser asks the registry to release a name, `UserPayload`.
	RemoveUser
	// RemoveUserResult is the registry answer, `UserResultPayload`.
	RemoveUserResult
	// NewUser is broadcast to every router once a login succeeded.
	NewUser
	// UserRemoved is broadcast to every router once a logout succeeded.
	UserRemoved
	// ForwardPublicMessage asks a router to relay `ClientPayload` to all
	// its clients.
	ForwardPublicMessage
	// ForwardPrivateMessage asks a router to relay `ClientPayload` to the
	// receiver if it is connected there.
	ForwardPrivateMessage
	// NewMessageRouter carries the full router membership, `RoutersPayload`.
	NewMessageRouter
	// RegisterChatServer announces a router to the load balancer,
	// `ChatServerPayload`.
	RegisterChatServer
)

func (t ServerMessageType) String() string {
	switch t {
	case RegisterNewUser:
		return "register_new_user"
	case RegisterNewUserResult:
		return "register_new_user_result"
	case RemoveUser:
		return "remove_user"
	case RemoveUserResult:
		return "remove_user_result"
	case NewUser:
		return "new_user"
	case UserRemoved:
		return "user_removed"
	case ForwardPublicMessage:
		return "forward_public_message"
	case ForwardPrivateMessage:
		return "forward_private_message"
	case NewMessageRouter:
		return "new_message_router"
	case RegisterChatServer:
		return "register_chat_server"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ServerMessage is exchanged between actors. `Sender` is the mailbox to
// reply to.
type ServerMessage struct {
	Type    ServerMessageType
	Sender  mailbox.Address
	Payload Payload
}

func (ServerMessage) envelope() {}

// Clone deep-copies the message so no reference is shared across actors.
func (msg ServerMessage) Clone() ServerMessage {
	if msg.Payload != nil {
		msg.Payload = msg.Payload.clone()
	}
	return msg
}

// Payload is implemented by every payload kind below.
type Payload interface {
	clone() Payload
}

type UserPayload struct {
	UserName string
}

type UserResultPayload struct {
	UserName string
	Success  bool
	Reason   string
}

type ClientPayload struct {
	Msg ClientMessage
}

type RoutersPayload struct {
	Routers []mailbox.Address
}

type ChatServerPayload struct {
	HTTPAddr string
	Router   mailbox.Address
}

// OpaquePayload holds the raw payload of a message whose type this
// version does not know.
type OpaquePayload struct {
	Raw []byte
}

func (p UserPayload) clone() Payload       { return p }
func (p UserResultPayload) clone() Payload { return p }
func (p ChatServerPayload) clone() Payload { return p }
func (p ClientPayload) clone() Payload     { return ClientPayload{Msg: p.Msg.Clone()} }

func (p RoutersPayload) clone() Payload {
	return RoutersPayload{Routers: append([]mailbox.Address(nil), p.Routers...)}
}

func (p OpaquePayload) clone() Payload {
	return OpaquePayload{Raw: append([]byte(nil), p.Raw...)}
}

func NewUserRequest(t ServerMessageType, from mailbox.Address, userName string) ServerMessage {
	return ServerMessage{Type: t, Sender: from, Payload: UserPayload{UserName: userName}}
}

func NewUserResult(t ServerMessageType, from mailbox.Address, userName string, success bool, reason string) ServerMessage {
	return ServerMessage{
		Type:    t,
		Sender:  from,
		Payload: UserResultPayload{UserName: userName, Success: success, Reason: reason},
	}
}
