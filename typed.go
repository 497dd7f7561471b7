package peerbox

import (
	"encoding/binary"
	"fmt"
)

// Number is the set of fixed-size numeric types the typed helpers can
// encode.
type Number interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// Encode returns the little-endian encoding of values.
func Encode[T Number](values ...T) []byte {
	buf, err := binary.Append(nil, binary.LittleEndian, values)
	if err != nil {
		// T is fixed-size, this is unreachable.
		panic(err)
	}
	return buf
}

// Decode is the inverse of Encode.
func Decode[T Number](buf []byte) ([]T, error) {
	var zero T
	size := binary.Size(zero)
	if len(buf)%size != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrSizeMismatch, len(buf), size)
	}

	values := make([]T, len(buf)/size)
	if _, err := binary.Decode(buf, binary.LittleEndian, values); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSizeMismatch, err)
	}
	return values, nil
}

// ReduceWith lifts an element-wise function to a ReduceOp over buffers
// produced by Encode.
func ReduceWith[T Number](fn func(acc, v T) T) ReduceOp {
	return func(acc, contribution []byte) error {
		if len(acc) != len(contribution) {
			return sizeMismatch(len(acc), len(contribution))
		}
		left, err := Decode[T](acc)
		if err != nil {
			return err
		}
		right, err := Decode[T](contribution)
		if err != nil {
			return err
		}
		for i := range left {
			left[i] = fn(left[i], right[i])
		}
		copy(acc, Encode(left...))
		return nil
	}
}

func Sum[T Number]() ReduceOp {
	return ReduceWith(func(acc, v T) T { return acc + v })
}

func Min[T Number]() ReduceOp {
	return ReduceWith(func(acc, v T) T { return min(acc, v) })
}

func Max[T Number]() ReduceOp {
	return ReduceWith(func(acc, v T) T { return max(acc, v) })
}
