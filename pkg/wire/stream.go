package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// ChunkSize is the block size used to stream a message body, so transports
// which do not preserve message boundaries never see a single oversized
// write or read.
const ChunkSize = 1024

// MaxRegistryMessage bounds registry requests and replies.
const MaxRegistryMessage = 64 << 10

// WriteMessage writes a varint length prefix followed by body in
// ChunkSize blocks.
func WriteMessage(w io.Writer, body []byte) error {
	prefix := protowire.AppendVarint(nil, uint64(len(body)))
	if _, err := w.Write(prefix); err != nil {
		return err
	}

	for sent := 0; sent < len(body); {
		end := min(sent+ChunkSize, len(body))
		n, err := w.Write(body[sent:end])
		if err != nil {
			return err
		}
		sent += n
	}
	return nil
}

// ReadMessage reads one message written by WriteMessage. Messages larger
// than limit are refused before their body is read.
func ReadMessage(r io.ByteReader, limit int) ([]byte, error) {
	size, err := readVarint(r)
	if err != nil {
		return nil, err
	}

	if size > uint64(limit) {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, size, limit)
	}

	body := make([]byte, size)
	reader, ok := r.(io.Reader)
	if !ok {
		for i := range body {
			if body[i], err = r.ReadByte(); err != nil {
				return nil, unexpectedEOF(err)
			}
		}
		return body, nil
	}

	for read := 0; read < len(body); {
		end := min(read+ChunkSize, len(body))
		n, err := io.ReadFull(reader, body[read:end])
		if err != nil {
			return nil, unexpectedEOF(err)
		}
		read += n
	}
	return body, nil
}

func readVarint(r io.ByteReader) (uint64, error) {
	buf := make([]byte, 0, binary.MaxVarintLen64)
	for len(buf) < binary.MaxVarintLen64 {
		b, err := r.ReadByte()
		if err != nil {
			if len(buf) > 0 {
				return 0, unexpectedEOF(err)
			}
			return 0, err
		}
		buf = append(buf, b)
		if b < 0x80 {
			v, n := protowire.ConsumeVarint(buf)
			if err := protowire.ParseError(n); err != nil {
				return 0, fmt.Errorf("%w: %w", ErrMalformed, err)
			}
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: length prefix overflows", ErrMalformed)
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
