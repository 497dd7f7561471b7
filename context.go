package peerbox

import (
	"log/slog"

	"github.com/raskyld/peerbox/pkg/wire"
)

type (
	// VAddr identifies a peer inside a Context.
	VAddr = wire.VAddr

	// ContextID identifies a communication group.
	ContextID = wire.ContextID

	// Tag discriminates message streams between the same pair of peers.
	Tag = wire.Tag
)

// Context is a group of peers sharing one address space: its members are
// the addresses 0 to Size-1 and Self is our own address in it.
//
// The zero Context is returned to the peers left out of a split and is
// not Valid.
type Context struct {
	ID   ContextID
	Self VAddr
	Size int
}

func (c Context) Valid() bool {
	return c.Size > 0
}

// Members lists the addresses of the context in ascending order.
func (c Context) Members() []VAddr {
	members := make([]VAddr, c.Size)
	for i := range members {
		members[i] = VAddr(i)
	}
	return members
}

// Has reports whether addr is a member of the context.
func (c Context) Has(addr VAddr) bool {
	return int(addr) < c.Size
}

func (c Context) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("id", c.ID),
		slog.Any("self", c.Self),
		slog.Int("size", c.Size),
	)
}

// Envelope is the key a message was received under.
type Envelope struct {
	Context ContextID
	Src     VAddr
	Tag     Tag
}

func (env Envelope) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("context", env.Context),
		slog.Any("src", env.Src),
		slog.Any("tag", env.Tag),
	)
}
