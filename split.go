package peerbox

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"
)

// SplitContext creates a context with the members of old passing isMember
// as true. Every member of old MUST call it.
//
// The flags are exchanged with an all-gather on old. The member with the
// lowest address in old asks the registry for the new context and forwards
// its id to the other members. Each of them then registers in the new
// context, which is confirmed by a synchronization. Its addresses follow
// the registration order, not the old addresses.
func (p *Peer) SplitContext(ctx context.Context, isMember bool, old Context) (Context, error) {
	defer p.observe("split", old, time.Now())
	if !old.Valid() {
		return Context{}, ErrNotMember
	}

	flag := []byte{0}
	if isMember {
		flag[0] = 1
	}
	flags := make([]byte, old.Size)
	if err := p.gather(ctx, old, 0, flag, flags); err != nil {
		return Context{}, err
	}
	if err := p.broadcast(ctx, old, 0, flags); err != nil {
		return Context{}, err
	}

	if !isMember {
		return Context{}, nil
	}

	var members []VAddr
	for addr, f := range flags {
		if f == 1 {
			members = append(members, VAddr(addr))
		}
	}
	leader := members[0]

	idBuf := make([]byte, 4)
	if old.Self == leader {
		id, err := p.registry.ContextRequest(ctx, uint32(len(members)))
		if err != nil {
			return Context{}, translate(err)
		}
		binary.LittleEndian.PutUint32(idBuf, uint32(id))
		for _, addr := range members[1:] {
			if err := p.sendColl(ctx, old, addr, tagSplit, idBuf); err != nil {
				return Context{}, err
			}
		}
	} else {
		if err := p.recvCollInto(ctx, old, leader, tagSplit, idBuf); err != nil {
			return Context{}, err
		}
	}
	id := ContextID(binary.LittleEndian.Uint32(idBuf))

	self, err := p.registry.VAddrRequest(ctx, id, p.link.URI())
	if err != nil {
		return Context{}, translate(err)
	}
	if int(self) >= len(members) {
		return Context{}, fmt.Errorf(
			"%w: address %d assigned in a context of %d members",
			ErrProtocolViolation, self, len(members),
		)
	}

	next := Context{ID: id, Self: self, Size: len(members)}
	if err := p.synchronize(ctx, next); err != nil {
		return Context{}, err
	}
	p.logger.Debug("context split", slog.Any("old", old), slog.Any("new", next))
	return next, nil
}
