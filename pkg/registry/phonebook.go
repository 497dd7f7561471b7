// Package registry implements the rendezvous service every peer contacts
// at startup: it assigns context identifiers and per-context addresses and
// resolves an address to the transport uri its owner registered.
package registry

import (
	"sync"

	"github.com/raskyld/peerbox/pkg/wire"
)

// PhoneBook is the whole state of a registry. It only grows: contexts and
// their addresses live as long as the registry process.
type PhoneBook struct {
	lk sync.Mutex

	uris      map[wire.ContextID]map[wire.VAddr]string
	nextVAddr map[wire.ContextID]wire.VAddr

	nextContext wire.ContextID

	// the initial context peers converge on with CONTEXT_INIT, and how
	// many of them already joined it.
	pendingInit  wire.ContextID
	initArrivals uint32
}

// Stats is a snapshot of a PhoneBook.
type Stats struct {
	Contexts  int
	Addresses int
}

func NewPhoneBook() *PhoneBook {
	pb := &PhoneBook{
		uris:      make(map[wire.ContextID]map[wire.VAddr]string),
		nextVAddr: make(map[wire.ContextID]wire.VAddr),
	}
	pb.pendingInit = pb.mint()
	return pb
}

// not thread safe!
// must be called by an holder of the lock
func (pb *PhoneBook) mint() wire.ContextID {
	id := pb.nextContext
	pb.nextContext++
	pb.uris[id] = make(map[wire.VAddr]string)
	pb.nextVAddr[id] = 0
	return id
}

// ContextInit returns the pending initial context. Once groupSize peers
// joined it, the next caller mints a fresh initial context instead.
//
// Two groups of the same size calling concurrently may interleave and end
// up sharing contexts: the first groupSize arrivals win.
func (pb *PhoneBook) ContextInit(groupSize uint32) wire.ContextID {
	pb.lk.Lock()
	defer pb.lk.Unlock()
	if pb.initArrivals >= groupSize {
		pb.pendingInit = pb.mint()
		pb.initArrivals = 0
	}
	pb.initArrivals++
	return pb.pendingInit
}

// ContextRequest always mints a new context.
func (pb *PhoneBook) ContextRequest(_ uint32) wire.ContextID {
	pb.lk.Lock()
	defer pb.lk.Unlock()
	return pb.mint()
}

// VAddrRequest assigns the next free address of ctx to uri. The second
// result is false when ctx was never minted by this phone book; the address
// is assigned anyway.
func (pb *PhoneBook) VAddrRequest(ctx wire.ContextID, uri string) (wire.VAddr, bool) {
	pb.lk.Lock()
	defer pb.lk.Unlock()
	book, known := pb.uris[ctx]
	if !known {
		book = make(map[wire.VAddr]string)
		pb.uris[ctx] = book
	}
	addr := pb.nextVAddr[ctx]
	book[addr] = uri
	pb.nextVAddr[ctx] = addr + 1
	return addr, known
}

// VAddrLookup resolves addr in ctx.
func (pb *PhoneBook) VAddrLookup(ctx wire.ContextID, addr wire.VAddr) (string, bool) {
	pb.lk.Lock()
	defer pb.lk.Unlock()
	uri, ok := pb.uris[ctx][addr]
	return uri, ok
}

func (pb *PhoneBook) Stats() Stats {
	pb.lk.Lock()
	defer pb.lk.Unlock()
	stats := Stats{Contexts: len(pb.uris)}
	for _, book := range pb.uris {
		stats.Addresses += len(book)
	}
	return stats
}
