// *peerbox* lets the processes of a distributed job exchange point-to-point
// and collective messages, addressing each other by small integers rather
// than by network endpoints.
//
// ## How it works
//
// Every process of the job creates a `Peer`. The `Peer` binds a listening
// endpoint, then contacts a shared *registry* (see `cmd/peerbox-registry`)
// which hands out two kinds of identifiers:
//
// * a `ContextID` for the group of processes, every `Peer` created with the
// same `WithContextSize` converges on the same global context.
// * a `VAddr` inside that context. Addresses are dense, from 0 to the size of
// the context minus one.
//
// The registry also remembers which endpoint owns which address, so a `Peer`
// sending to an address it never talked to asks the registry first, then
// connects lazily and keeps the connection around.
//
// Inbound messages are stored in an inbox, one FIFO queue per
// (context, source, tag). The inbox is bounded: once full, the receive path
// stops reading from the network and the senders are slowed down by the
// transport flow control. Nothing is ever dropped.
//
// ## Collectives
//
// Gather, scatter, broadcast, reduce, their "all" variants and the barrier
// are built on top of the point-to-point primitives, on a frame kind of
// their own so they never steal an application message. Every member of
// a context MUST call the same collectives in the same order.
//
// Sub-groups are created with `Peer.SplitContext`, which gives the selected
// members a fresh context with its own dense addresses.
//
// ## Transports
//
// Two links are available, picked from the scheme of `WithBindURI`:
//
// * `tcp://`, plain TCP, no encryption.
// * `quic://`, using [`quic-go`][dep-quic], which requires a `tls.Config`.
//
// Registry requests travel over TCP or UDP, see `pkg/wire` for the format.
//
// [dep-quic]: https://pkg.go.dev/github.com/quic-go/quic-go
package peerbox
