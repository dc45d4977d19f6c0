package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/raskyld/agora/pkg/mailbox"
	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize bounds the size of a single frame on the wire.
const MaxFrameSize = 1 << 20

var (
	ErrInvalidFrame  = errors.New("protocol: invalid frame")
	ErrTooLargeFrame = errors.New("protocol: frame is too large")
)

// Wire layout, protobuf-compatible:
//
//	message Frame {
//	  string destination = 1; // mailbox ID on the receiving host
//	  uint32 type        = 2;
//	  string sender      = 3; // mailbox address
//	  bytes  payload     = 4;
//	}
//
// Payload messages use field numbers in declaration order of the Go
// structs, lists are repeated fields.
const (
	frameDestination protowire.Number = 1
	frameType        protowire.Number = 2
	frameSender      protowire.Number = 3
	framePayload     protowire.Number = 4
)

// MarshalFrame encodes msg, addressed to the mailbox destination.
func MarshalFrame(destination string, msg ServerMessage) ([]byte, error) {
	var buf []byte
	buf = appendString(buf, frameDestination, destination)
	buf = protowire.AppendTag(buf, frameType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(msg.Type))
	buf = appendString(buf, frameSender, msg.Sender.String())

	payload, err := marshalPayload(msg.Payload)
	if err != nil {
		return nil, err
	}
	buf = protowire.AppendTag(buf, framePayload, protowire.BytesType)
	buf = protowire.AppendBytes(buf, payload)
	return buf, nil
}

// UnmarshalFrame decodes a frame produced by `MarshalFrame`. Messages of
// an unknown type are kept with an `OpaquePayload` so the receiver can
// decide what to do with them.
func UnmarshalFrame(buf []byte) (destination string, msg ServerMessage, err error) {
	var payload []byte
	var sender string
	err = walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == frameDestination && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			destination = v
			return n, nil
		case num == frameType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			msg.Type = ServerMessageType(v)
			return n, nil
		case num == frameSender && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			sender = v
			return n, nil
		case num == framePayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			payload = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return
	}

	if destination == "" {
		err = fmt.Errorf("%w: missing destination", ErrInvalidFrame)
		return
	}

	if sender != "" {
		msg.Sender, err = mailbox.ParseAddress(sender)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrInvalidFrame, err)
			return
		}
	}

	msg.Payload, err = unmarshalPayload(msg.Type, payload)
	return
}

// AppendFrame appends body to buf, prefixed by its varint length.
func AppendFrame(buf, body []byte) []byte {
	buf = protowire.AppendVarint(buf, uint64(len(body)))
	return append(buf, body...)
}

// ReadFrame reads a single length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	buf := make([]byte, binary.MaxVarintLen64)
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n : n+1])
		if m != 0 {
			n++
			if buf[n-1] < 0x80 {
				break
			}
		}
		if err != nil {
			if err == io.EOF && n > 0 {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}

	size, prefixSize := protowire.ConsumeVarint(buf[:n])
	if err := protowire.ParseError(prefixSize); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	if size > MaxFrameSize {
		return nil, ErrTooLargeFrame
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func marshalPayload(p Payload) ([]byte, error) {
	var buf []byte
	switch p := p.(type) {
	case nil:
	case UserPayload:
		buf = appendString(buf, 1, p.UserName)
	case UserResultPayload:
		buf = appendString(buf, 1, p.UserName)
		buf = appendBool(buf, 2, p.Success)
		buf = appendString(buf, 3, p.Reason)
	case ClientPayload:
		buf = appendClientMessage(buf, p.Msg)
	case RoutersPayload:
		for _, router := range p.Routers {
			buf = protowire.AppendTag(buf, 1, protowire.BytesType)
			buf = protowire.AppendString(buf, router.String())
		}
	case ChatServerPayload:
		buf = appendString(buf, 1, p.HTTPAddr)
		buf = appendString(buf, 2, p.Router.String())
	case OpaquePayload:
		buf = append(buf, p.Raw...)
	default:
		return nil, fmt.Errorf("%w: unsupported payload %T", ErrInvalidFrame, p)
	}
	return buf, nil
}

func unmarshalPayload(t ServerMessageType, buf []byte) (Payload, error) {
	switch t {
	case RegisterNewUser, RemoveUser, NewUser, UserRemoved:
		var p UserPayload
		err := walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num == 1 && typ == protowire.BytesType {
				v, n := protowire.ConsumeString(b)
				p.UserName = v
				return n, nil
			}
			return protowire.ConsumeFieldValue(num, typ, b), nil
		})
		return p, err
	case RegisterNewUserResult, RemoveUserResult:
		var p UserResultPayload
		err := walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch {
			case num == 1 && typ == protowire.BytesType:
				v, n := protowire.ConsumeString(b)
				p.UserName = v
				return n, nil
			case num == 2 && typ == protowire.VarintType:
				v, n := protowire.ConsumeVarint(b)
				p.Success = protowire.DecodeBool(v)
				return n, nil
			case num == 3 && typ == protowire.BytesType:
				v, n := protowire.ConsumeString(b)
				p.Reason = v
				return n, nil
			}
			return protowire.ConsumeFieldValue(num, typ, b), nil
		})
		return p, err
	case ForwardPublicMessage, ForwardPrivateMessage:
		msg, err := unmarshalClientMessage(buf)
		return ClientPayload{Msg: msg}, err
	case NewMessageRouter:
		p := RoutersPayload{Routers: []mailbox.Address{}}
		err := walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num == 1 && typ == protowire.BytesType {
				v, n := protowire.ConsumeString(b)
				if n < 0 {
					return n, nil
				}
				addr, err := mailbox.ParseAddress(v)
				if err != nil {
					return n, err
				}
				p.Routers = append(p.Routers, addr)
				return n, nil
			}
			return protowire.ConsumeFieldValue(num, typ, b), nil
		})
		return p, err
	case RegisterChatServer:
		var p ChatServerPayload
		err := walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch {
			case num == 1 && typ == protowire.BytesType:
				v, n := protowire.ConsumeString(b)
				p.HTTPAddr = v
				return n, nil
			case num == 2 && typ == protowire.BytesType:
				v, n := protowire.ConsumeString(b)
				if n < 0 {
					return n, nil
				}
				addr, err := mailbox.ParseAddress(v)
				p.Router = addr
				return n, err
			}
			return protowire.ConsumeFieldValue(num, typ, b), nil
		})
		return p, err
	default:
		return OpaquePayload{Raw: append([]byte(nil), buf...)}, nil
	}
}

func appendClientMessage(buf []byte, msg ClientMessage) []byte {
	buf = appendString(buf, 1, string(msg.MessageType))
	buf = appendString(buf, 2, msg.SenderUserName)
	buf = appendString(buf, 3, msg.MessageText)
	buf = appendString(buf, 4, msg.ReceiverUserName)
	for _, user := range msg.AllUsers {
		buf = protowire.AppendTag(buf, 5, protowire.BytesType)
		buf = protowire.AppendString(buf, user)
	}
	return buf
}

func unmarshalClientMessage(buf []byte) (ClientMessage, error) {
	msg := ClientMessage{AllUsers: []string{}}
	err := walkFields(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType || num < 1 || num > 5 {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n := protowire.ConsumeString(b)
		switch num {
		case 1:
			msg.MessageType = ClientMessageType(v)
		case 2:
			msg.SenderUserName = v
		case 3:
			msg.MessageText = v
		case 4:
			msg.ReceiverUserName = v
		case 5:
			if n >= 0 {
				msg.AllUsers = append(msg.AllUsers, v)
			}
		}
		return n, nil
	})
	return msg, err
}

// appendString omits empty values like proto3 does.
func appendString(buf []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return buf
	}
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendString(buf, v)
}

func appendBool(buf []byte, num protowire.Number, v bool) []byte {
	if !v {
		return buf
	}
	buf = protowire.AppendTag(buf, num, protowire.VarintType)
	return protowire.AppendVarint(buf, protowire.EncodeBool(v))
}

// walkFields calls consume for every field of buf. consume returns how
// many bytes of the field value it consumed, or a negative protowire
// error code.
func walkFields(buf []byte, consume func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if err := protowire.ParseError(n); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidFrame, err)
		}
		buf = buf[n:]

		m, err := consume(num, typ, buf)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidFrame, err)
		}
		if err := protowire.ParseError(m); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidFrame, err)
		}
		buf = buf[m:]
	}
	return nil
}
