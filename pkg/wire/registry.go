package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// Request is a registry request. Only the fields relevant to Type are
// encoded.
type Request struct {
	Type      MsgType
	GroupSize uint32
	Context   ContextID
	VAddr     VAddr
	URI       string
}

// MarshalText encodes the request as space-separated decimal fields.
func (req Request) MarshalText() ([]byte, error) {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(uint64(req.Type), 10))

	switch req.Type {
	case ContextInit, ContextRequest:
		fmt.Fprintf(&b, " %d", req.GroupSize)
	case VAddrRequest:
		if req.URI == "" || strings.ContainsAny(req.URI, " \t\n") {
			return nil, fmt.Errorf("%w: invalid uri %q", ErrMalformed, req.URI)
		}
		fmt.Fprintf(&b, " %d %s", req.Context, req.URI)
	case VAddrLookup:
		fmt.Fprintf(&b, " %d %d", req.Context, req.VAddr)
	case Destruct:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, req.Type)
	}

	return []byte(b.String()), nil
}

// ParseRequest decodes a registry request. It returns ErrUnknownType when
// the message type is not a request the registry can serve, and
// ErrMalformed when the arguments do not match the type.
func ParseRequest(buf []byte) (req Request, err error) {
	fields := strings.Fields(string(buf))
	if len(fields) == 0 {
		return req, fmt.Errorf("%w: empty request", ErrMalformed)
	}

	msgType, err := parseUint(fields[0])
	if err != nil {
		return req, err
	}
	req.Type = MsgType(msgType)
	args := fields[1:]

	switch req.Type {
	case ContextInit, ContextRequest:
		if len(args) != 1 {
			return req, fmt.Errorf("%w: %s expects a group size", ErrMalformed, req.Type)
		}
		req.GroupSize, err = parseUint(args[0])
	case VAddrRequest:
		if len(args) != 2 {
			return req, fmt.Errorf("%w: %s expects a context and an uri", ErrMalformed, req.Type)
		}
		var ctxID uint32
		ctxID, err = parseUint(args[0])
		req.Context = ContextID(ctxID)
		req.URI = args[1]
	case VAddrLookup:
		if len(args) != 2 {
			return req, fmt.Errorf("%w: %s expects a context and an address", ErrMalformed, req.Type)
		}
		var ctxID, addr uint32
		if ctxID, err = parseUint(args[0]); err != nil {
			return req, err
		}
		addr, err = parseUint(args[1])
		req.Context = ContextID(ctxID)
		req.VAddr = VAddr(addr)
	case Destruct:
	default:
		return req, fmt.Errorf("%w: %s", ErrUnknownType, req.Type)
	}

	return req, err
}

// ValueReply is the reply carrying an assigned address or context id.
func ValueReply(v uint32) []byte {
	return []byte(strconv.FormatUint(uint64(v), 10) + " ")
}

// LookupReply is the reply to a VADDR_LOOKUP: ACK with the uri when found,
// RETRY otherwise.
func LookupReply(uri string, found bool) []byte {
	if !found {
		return []byte(strconv.FormatUint(uint64(Retry), 10))
	}
	return []byte(fmt.Sprintf("%d %s ", Ack, uri))
}

// EmptyReply acknowledges a DESTRUCT.
func EmptyReply() []byte {
	return []byte(" ")
}

// ParseValueReply decodes a reply produced by ValueReply.
func ParseValueReply(buf []byte) (uint32, error) {
	fields := strings.Fields(string(buf))
	if len(fields) != 1 {
		return 0, fmt.Errorf("%w: expected a single value, got %q", ErrMalformed, buf)
	}
	return parseUint(fields[0])
}

// ParseLookupReply decodes a reply produced by LookupReply.
func ParseLookupReply(buf []byte) (uri string, found bool, err error) {
	fields := strings.Fields(string(buf))
	if len(fields) == 0 {
		return "", false, fmt.Errorf("%w: empty lookup reply", ErrMalformed)
	}

	code, err := parseUint(fields[0])
	if err != nil {
		return "", false, err
	}

	switch MsgType(code) {
	case Retry:
		if len(fields) != 1 {
			break
		}
		return "", false, nil
	case Ack:
		if len(fields) != 2 {
			break
		}
		return fields[1], true, nil
	}
	return "", false, fmt.Errorf("%w: unexpected lookup reply %q", ErrMalformed, buf)
}

func parseUint(field string) (uint32, error) {
	v, err := strconv.ParseUint(field, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return uint32(v), nil
}
