package peerbox

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/raskyld/peerbox/pkg/wire"
)

// Tags of the collective frames. They live in their own namespace, the
// application is free to use the same values.
const (
	tagGather Tag = iota + 1
	tagGatherSize
	tagScatter
	tagBroadcast
	tagSync
	tagSplit
)

func (p *Peer) sendColl(ctx context.Context, c Context, dest VAddr, tag Tag, data []byte) error {
	return p.send(ctx, wire.KindCollective, c, dest, tag, data)
}

func (p *Peer) recvColl(ctx context.Context, c Context, src VAddr, tag Tag) ([]byte, error) {
	return p.receive(ctx, wire.KindCollective, c, src, tag)
}

// recvCollInto receives a collective message of exactly len(buf) bytes.
func (p *Peer) recvCollInto(ctx context.Context, c Context, src VAddr, tag Tag, buf []byte) error {
	payload, err := p.recvColl(ctx, c, src, tag)
	if err != nil {
		return err
	}
	if len(payload) != len(buf) {
		return sizeMismatch(len(buf), len(payload))
	}
	copy(buf, payload)
	return nil
}

func checkRoot(c Context, root VAddr) error {
	if !c.Valid() {
		return ErrNotMember
	}
	if !c.Has(root) {
		return fmt.Errorf("%w: %d not in %d members", ErrInvalidRoot, root, c.Size)
	}
	return nil
}

// Gather collects the send buffer of every member at root, ordered by
// address: the contribution of member i lands at recv[i*len(send):].
// recv is only used at root.
func (p *Peer) Gather(ctx context.Context, c Context, root VAddr, send, recv []byte) error {
	defer p.observe("gather", c, time.Now())
	return p.gather(ctx, c, root, send, recv)
}

func (p *Peer) gather(ctx context.Context, c Context, root VAddr, send, recv []byte) error {
	if err := checkRoot(c, root); err != nil {
		return err
	}

	if c.Self != root {
		return p.sendColl(ctx, c, root, tagGather, send)
	}

	n := len(send)
	if len(recv) != n*c.Size {
		return sizeMismatch(n*c.Size, len(recv))
	}
	for _, addr := range c.Members() {
		slot := recv[int(addr)*n : int(addr+1)*n]
		if addr == root {
			copy(slot, send)
			continue
		}
		if err := p.recvCollInto(ctx, c, addr, tagGather, slot); err != nil {
			return err
		}
	}
	return nil
}

// GatherVar is Gather with contributions of different sizes. At root, it
// returns the concatenated contributions and the size of each of them.
// Other members get nil slices.
func (p *Peer) GatherVar(ctx context.Context, c Context, root VAddr, send []byte) ([]byte, []int, error) {
	defer p.observe("gather_var", c, time.Now())
	return p.gatherVar(ctx, c, root, send)
}

func (p *Peer) gatherVar(ctx context.Context, c Context, root VAddr, send []byte) ([]byte, []int, error) {
	if err := checkRoot(c, root); err != nil {
		return nil, nil, err
	}

	if c.Self != root {
		size := binary.LittleEndian.AppendUint64(nil, uint64(len(send)))
		if err := p.sendColl(ctx, c, root, tagGatherSize, size); err != nil {
			return nil, nil, err
		}
		return nil, nil, p.sendColl(ctx, c, root, tagGather, send)
	}

	// size pre-pass, so the receive buffer is allocated once.
	counts := make([]int, c.Size)
	total := 0
	sizeBuf := make([]byte, 8)
	for _, addr := range c.Members() {
		if addr == root {
			counts[addr] = len(send)
		} else {
			if err := p.recvCollInto(ctx, c, addr, tagGatherSize, sizeBuf); err != nil {
				return nil, nil, err
			}
			counts[addr] = int(binary.LittleEndian.Uint64(sizeBuf))
		}
		total += counts[addr]
	}

	recv := make([]byte, total)
	offset := 0
	for _, addr := range c.Members() {
		slot := recv[offset : offset+counts[addr]]
		offset += counts[addr]
		if addr == root {
			copy(slot, send)
			continue
		}
		if err := p.recvCollInto(ctx, c, addr, tagGather, slot); err != nil {
			return nil, nil, err
		}
	}
	return recv, counts, nil
}

// AllGather is Gather with every member getting the result.
func (p *Peer) AllGather(ctx context.Context, c Context, send, recv []byte) error {
	defer p.observe("all_gather", c, time.Now())
	if err := p.gather(ctx, c, 0, send, recv); err != nil {
		return err
	}
	return p.broadcast(ctx, c, 0, recv)
}

// AllGatherVar is GatherVar with every member getting the result.
func (p *Peer) AllGatherVar(ctx context.Context, c Context, send []byte) ([]byte, []int, error) {
	defer p.observe("all_gather_var", c, time.Now())
	recv, counts, err := p.gatherVar(ctx, c, 0, send)
	if err != nil {
		return nil, nil, err
	}

	encoded := make([]byte, 8*c.Size)
	if c.Self == 0 {
		for i, count := range counts {
			binary.LittleEndian.PutUint64(encoded[8*i:], uint64(count))
		}
	}
	if err := p.broadcast(ctx, c, 0, encoded); err != nil {
		return nil, nil, err
	}

	if c.Self != 0 {
		counts = make([]int, c.Size)
		total := 0
		for i := range counts {
			counts[i] = int(binary.LittleEndian.Uint64(encoded[8*i:]))
			total += counts[i]
		}
		recv = make([]byte, total)
	}
	if err := p.broadcast(ctx, c, 0, recv); err != nil {
		return nil, nil, err
	}
	return recv, counts, nil
}

// Scatter sends the i-th slice of len(recv) bytes of send at root to the
// member i. send is only used at root.
func (p *Peer) Scatter(ctx context.Context, c Context, root VAddr, send, recv []byte) error {
	defer p.observe("scatter", c, time.Now())
	return p.scatter(ctx, c, root, send, recv)
}

func (p *Peer) scatter(ctx context.Context, c Context, root VAddr, send, recv []byte) error {
	if err := checkRoot(c, root); err != nil {
		return err
	}

	if c.Self != root {
		return p.recvCollInto(ctx, c, root, tagScatter, recv)
	}

	n := len(recv)
	if len(send) != n*c.Size {
		return sizeMismatch(n*c.Size, len(send))
	}
	for _, addr := range c.Members() {
		slot := send[int(addr)*n : int(addr+1)*n]
		if addr == root {
			copy(recv, slot)
			continue
		}
		if err := p.sendColl(ctx, c, addr, tagScatter, slot); err != nil {
			return err
		}
	}
	return nil
}

// AllScatter is an all-to-all exchange: the i-th block of send goes to the
// member i, which stores it as the block of our address in its recv.
func (p *Peer) AllScatter(ctx context.Context, c Context, send, recv []byte) error {
	defer p.observe("all_scatter", c, time.Now())
	if !c.Valid() {
		return ErrNotMember
	}
	if len(send) != len(recv) || len(send)%c.Size != 0 {
		return sizeMismatch(len(recv), len(send))
	}

	n := len(recv) / c.Size
	for _, root := range c.Members() {
		var rootSend []byte
		if root == c.Self {
			rootSend = send
		}
		if err := p.scatter(ctx, c, root, rootSend, recv[int(root)*n:int(root+1)*n]); err != nil {
			return err
		}
	}
	return nil
}

// Reduce folds the send buffer of every member with op, in ascending
// address order, and stores the result in recv at root.
func (p *Peer) Reduce(ctx context.Context, c Context, root VAddr, op ReduceOp, send, recv []byte) error {
	defer p.observe("reduce", c, time.Now())
	return p.reduce(ctx, c, root, op, send, recv)
}

func (p *Peer) reduce(ctx context.Context, c Context, root VAddr, op ReduceOp, send, recv []byte) error {
	if c.Self != root {
		return p.gather(ctx, c, root, send, nil)
	}

	n := len(send)
	if len(recv) != n {
		return sizeMismatch(n, len(recv))
	}
	all := make([]byte, n*c.Size)
	if err := p.gather(ctx, c, root, send, all); err != nil {
		return err
	}

	copy(recv, all[:n])
	for i := 1; i < c.Size; i++ {
		if err := op(recv, all[i*n:(i+1)*n]); err != nil {
			return err
		}
	}
	return nil
}

// AllReduce is Reduce with every member getting the result.
func (p *Peer) AllReduce(ctx context.Context, c Context, op ReduceOp, send, recv []byte) error {
	defer p.observe("all_reduce", c, time.Now())
	if err := p.reduce(ctx, c, 0, op, send, recv); err != nil {
		return err
	}
	return p.broadcast(ctx, c, 0, recv)
}

// Broadcast sends data from root to every member, which receive it in
// their own data buffer.
func (p *Peer) Broadcast(ctx context.Context, c Context, root VAddr, data []byte) error {
	defer p.observe("broadcast", c, time.Now())
	return p.broadcast(ctx, c, root, data)
}

func (p *Peer) broadcast(ctx context.Context, c Context, root VAddr, data []byte) error {
	if err := checkRoot(c, root); err != nil {
		return err
	}

	if c.Self != root {
		return p.recvCollInto(ctx, c, root, tagBroadcast, data)
	}

	for _, addr := range c.Members() {
		if addr == root {
			continue
		}
		if err := p.sendColl(ctx, c, addr, tagBroadcast, data); err != nil {
			return err
		}
	}
	return nil
}

// Synchronize returns once every member of c called it.
func (p *Peer) Synchronize(ctx context.Context, c Context) error {
	defer p.observe("synchronize", c, time.Now())
	return p.synchronize(ctx, c)
}

func (p *Peer) synchronize(ctx context.Context, c Context) error {
	if !c.Valid() {
		return ErrNotMember
	}

	for _, addr := range c.Members() {
		if addr == c.Self {
			continue
		}
		if err := p.sendColl(ctx, c, addr, tagSync, nil); err != nil {
			return err
		}
	}
	for _, addr := range c.Members() {
		if addr == c.Self {
			continue
		}
		if err := p.recvCollInto(ctx, c, addr, tagSync, nil); err != nil {
			return err
		}
	}
	return nil
}
