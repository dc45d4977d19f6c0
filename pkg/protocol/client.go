package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

type ClientMessageType string

const (
	// Login is a client request to join the chat, and the notification
	// broadcast when somebody did. Expects `SenderUserName`.
	Login ClientMessageType = "login"
	// LoginFailed carries the reason in `MessageText`.
	LoginFailed ClientMessageType = "login_failed"
	// Logout is a client request to leave the chat, and the notification
	// broadcast when somebody did. Expects `SenderUserName`.
	Logout ClientMessageType = "logout"
	// LogoutFailed carries the reason in `MessageText`.
	LogoutFailed ClientMessageType = "logout_failed"
	// PublicMessage is sent to every logged in user.
	// Expects `SenderUserName` and `MessageText`.
	PublicMessage ClientMessageType = "public_message"
	// PrivateMessage is sent to `ReceiverUserName` and echoed to the sender.
	PrivateMessage ClientMessageType = "private_message"
	// ListAllUsers answers with every known user in `AllUsers`.
	ListAllUsers ClientMessageType = "list_all_users"
)

var ErrMissingMessageType = errors.New("protocol: messageType is mandatory")

// ClientMessage is the flat record exchanged with browsers.
type ClientMessage struct {
	MessageType      ClientMessageType `json:"messageType"`
	SenderUserName   string            `json:"senderUserName"`
	MessageText      string            `json:"messageText"`
	ReceiverUserName string            `json:"receiverUserName"`
	AllUsers         []string          `json:"allUsers"`
}

// Clone returns a deep copy, so the result can cross actor boundaries.
func (msg ClientMessage) Clone() ClientMessage {
	if msg.AllUsers != nil {
		msg.AllUsers = append([]string(nil), msg.AllUsers...)
	}
	return msg
}

func EncodeClientMessage(msg ClientMessage) ([]byte, error) {
	if msg.AllUsers == nil {
		msg.AllUsers = []string{}
	}
	return json.Marshal(msg)
}

// DecodeClientMessage parses a frame received from a browser. Unset fields
// default to their zero value.
func DecodeClientMessage(buf []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(buf, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("protocol: malformed client message: %w", err)
	}
	if msg.MessageType == "" {
		return ClientMessage{}, ErrMissingMessageType
	}
	if msg.AllUsers == nil {
		msg.AllUsers = []string{}
	}
	return msg, nil
}
