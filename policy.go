package peerbox

import (
	"context"
	"io"
)

// Policy is the set of communication primitives offered to applications.
// `Peer` is the implementation backed by a registry and a network link.
//
// Collective operations MUST be called by every member of the context, in
// the same order. A peer MUST NOT run two collectives on the same context
// concurrently.
type Policy interface {
	// Send blocks until the transport accepted data.
	Send(ctx context.Context, c Context, dest VAddr, tag Tag, data []byte) error
	AsyncSend(ctx context.Context, c Context, dest VAddr, tag Tag, data []byte) *Event

	// Recv blocks until a message from src is available. buf must have the
	// exact size of the message.
	Recv(ctx context.Context, c Context, src VAddr, tag Tag, buf []byte) error
	RecvAny(ctx context.Context, c Context, buf []byte) (Envelope, error)
	AsyncRecv(ctx context.Context, c Context, src VAddr, tag Tag, buf []byte) *Event

	Gather(ctx context.Context, c Context, root VAddr, send, recv []byte) error
	GatherVar(ctx context.Context, c Context, root VAddr, send []byte) ([]byte, []int, error)
	AllGather(ctx context.Context, c Context, send, recv []byte) error
	AllGatherVar(ctx context.Context, c Context, send []byte) ([]byte, []int, error)
	Scatter(ctx context.Context, c Context, root VAddr, send, recv []byte) error
	AllScatter(ctx context.Context, c Context, send, recv []byte) error
	Reduce(ctx context.Context, c Context, root VAddr, op ReduceOp, send, recv []byte) error
	AllReduce(ctx context.Context, c Context, op ReduceOp, send, recv []byte) error
	Broadcast(ctx context.Context, c Context, root VAddr, data []byte) error
	Synchronize(ctx context.Context, c Context) error

	// SplitContext returns a new context grouping the members of old which
	// passed isMember. Others get the zero Context.
	SplitContext(ctx context.Context, isMember bool, old Context) (Context, error)
	GlobalContext() Context

	io.Closer
}

// ReduceOp folds contribution into acc. Both have the same size.
type ReduceOp func(acc, contribution []byte) error
