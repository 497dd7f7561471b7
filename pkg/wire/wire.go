// Package wire holds the encodings shared by the registry protocol and the
// data plane: the text request/reply messages exchanged with the registry,
// the length-prefixed stream framing, and the binary frames carrying
// point-to-point messages between peers.
package wire

import (
	"errors"
	"strconv"
)

// VAddr identifies a peer inside a context. Addresses are dense from 0.
type VAddr uint32

// ContextID identifies a communication group. Never reused.
type ContextID uint32

// Tag discriminates message streams between the same pair of peers.
type Tag uint32

// MsgType is the first field of every registry message.
type MsgType uint32

const (
	VAddrRequest   MsgType = 0
	VAddrLookup    MsgType = 1
	Destruct       MsgType = 2
	Retry          MsgType = 3
	Ack            MsgType = 4
	ContextInit    MsgType = 5
	ContextRequest MsgType = 6
)

var (
	ErrMalformed   = errors.New("wire: malformed message")
	ErrUnknownType = errors.New("wire: unknown message type")
	ErrTooLarge    = errors.New("wire: message exceeds the size limit")
)

func (t MsgType) String() string {
	switch t {
	case VAddrRequest:
		return "VADDR_REQUEST"
	case VAddrLookup:
		return "VADDR_LOOKUP"
	case Destruct:
		return "DESTRUCT"
	case Retry:
		return "RETRY"
	case Ack:
		return "ACK"
	case ContextInit:
		return "CONTEXT_INIT"
	case ContextRequest:
		return "CONTEXT_REQUEST"
	default:
		return "UNKNOWN(" + strconv.FormatUint(uint64(t), 10) + ")"
	}
}
