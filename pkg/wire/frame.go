package wire

import (
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind separates application traffic from the traffic generated by
// collective operations, so the two never share an inbox queue.
type Kind uint8

const (
	KindData Kind = iota + 1
	KindCollective
)

const (
	fieldKind    protowire.Number = 1
	fieldContext protowire.Number = 2
	fieldSrc     protowire.Number = 3
	fieldTag     protowire.Number = 4
	fieldPayload protowire.Number = 5
)

// DefaultMaxFrameSize bounds a data-plane frame body.
const DefaultMaxFrameSize = 256 << 20

// Frame is one point-to-point message on the data plane. Src is the address
// of the sender in Context.
type Frame struct {
	Kind    Kind
	Context ContextID
	Src     VAddr
	Tag     Tag
	Payload []byte
}

// Size is the payload size accounted by the inbox.
func (f Frame) Size() int {
	return len(f.Payload)
}

// Marshal encodes the frame body as protobuf wire fields.
func (f Frame) Marshal() []byte {
	buf := make([]byte, 0, len(f.Payload)+24)
	buf = protowire.AppendTag(buf, fieldKind, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(f.Kind))
	buf = protowire.AppendTag(buf, fieldContext, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(f.Context))
	buf = protowire.AppendTag(buf, fieldSrc, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(f.Src))
	buf = protowire.AppendTag(buf, fieldTag, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(f.Tag))
	buf = protowire.AppendTag(buf, fieldPayload, protowire.BytesType)
	buf = protowire.AppendBytes(buf, f.Payload)
	return buf
}

// AppendFrame appends the length-delimited encoding of f to buf.
func AppendFrame(buf []byte, f Frame) []byte {
	body := f.Marshal()
	buf = protowire.AppendVarint(buf, uint64(len(body)))
	return append(buf, body...)
}

// UnmarshalFrame decodes a frame body. Unknown fields are skipped.
func UnmarshalFrame(body []byte) (f Frame, err error) {
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if err := protowire.ParseError(n); err != nil {
			return f, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		body = body[n:]

		switch {
		case typ == protowire.VarintType && num >= fieldKind && num <= fieldTag:
			v, n := protowire.ConsumeVarint(body)
			if err := protowire.ParseError(n); err != nil {
				return f, fmt.Errorf("%w: %w", ErrMalformed, err)
			}
			body = body[n:]
			switch num {
			case fieldKind:
				f.Kind = Kind(v)
			case fieldContext:
				f.Context = ContextID(v)
			case fieldSrc:
				f.Src = VAddr(v)
			case fieldTag:
				f.Tag = Tag(v)
			}
		case typ == protowire.BytesType && num == fieldPayload:
			v, n := protowire.ConsumeBytes(body)
			if err := protowire.ParseError(n); err != nil {
				return f, fmt.Errorf("%w: %w", ErrMalformed, err)
			}
			body = body[n:]
			f.Payload = v
		default:
			n := protowire.ConsumeFieldValue(num, typ, body)
			if err := protowire.ParseError(n); err != nil {
				return f, fmt.Errorf("%w: %w", ErrMalformed, err)
			}
			body = body[n:]
		}
	}

	if f.Kind != KindData && f.Kind != KindCollective {
		return f, fmt.Errorf("%w: unknown frame kind %d", ErrMalformed, f.Kind)
	}
	if f.Payload == nil {
		f.Payload = []byte{}
	}
	return f, nil
}

// ReadFrame reads one complete length-delimited frame.
func ReadFrame(r io.ByteReader, limit int) (Frame, error) {
	body, err := ReadMessage(r, limit)
	if err != nil {
		return Frame{}, err
	}
	return UnmarshalFrame(body)
}
