// Package block implements the generic immutable block skeleton behind
// all three Database indices described in §4.2 — Table (Primary),
// Secondary, and Search — each a binding of the same Writer/Reader pair
// over different locator/coordinate/payload types (design note
// "Revision polymorphism").
//
// Grounded in the teacher's pkg/heap (HeapManager's segmented,
// append-only revision storage with per-record version chains) and
// pkg/storage/checkpoint_serializer.go (recursive, tag-byte-prefixed
// key encoding for on-disk index nodes). Where the teacher persists one
// B+Tree per table, a block here persists one sorted run per sync
// cycle: simpler than true multi-level paging, but the same four-file
// shape (revision/index/filter/meta) and the same tag-byte encoding
// discipline.
package block

import (
	"encoding/binary"
	"fmt"

	"github.com/concoursedb/concourse/pkg/value"
)

// Codec teaches a Writer/Reader how to compare, encode, and decode one
// of a block's three positional types (Locator, Coordinate, Payload).
// Passed explicitly rather than required via a type constraint so the
// same Writer/Reader generics can bind to uint64, string, and
// value.Value without any of them implementing a shared interface —
// the three bindings named in §4.2's index table never share a common
// method set, only a common shape.
type Codec[T any] struct {
	Encode  func(T) []byte
	Compare func(a, b T) int
	Decode  func([]byte) (T, int, error) // returns value, bytes consumed, error
}

// Uint64Codec encodes record ids (Table's locator, Secondary/Search's
// payload) as fixed 8-byte big-endian integers so byte-lex order
// matches numeric order.
var Uint64Codec = Codec[uint64]{
	Encode: func(v uint64) []byte {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, v)
		return buf
	},
	Compare: func(a, b uint64) int {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	},
	Decode: func(b []byte) (uint64, int, error) {
		if len(b) < 8 {
			return 0, 0, fmt.Errorf("block: truncated uint64")
		}
		return binary.BigEndian.Uint64(b[:8]), 8, nil
	},
}

// StringCodec encodes field keys and search tokens as length-prefixed
// UTF-8 bytes.
var StringCodec = Codec[string]{
	Encode: func(s string) []byte {
		buf := make([]byte, 4+len(s))
		binary.BigEndian.PutUint32(buf[:4], uint32(len(s)))
		copy(buf[4:], s)
		return buf
	},
	Compare: func(a, b string) int {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	},
	Decode: func(b []byte) (string, int, error) {
		if len(b) < 4 {
			return "", 0, fmt.Errorf("block: truncated string length")
		}
		n := int(binary.BigEndian.Uint32(b[:4]))
		if len(b) < 4+n {
			return "", 0, fmt.Errorf("block: truncated string payload")
		}
		return string(b[4 : 4+n]), 4 + n, nil
	},
}

// ValueCodec encodes a tagged Value using its own canonical tag-byte
// encoding (pkg/value), length-prefixed so it can be embedded alongside
// other fields in a revision entry.
var ValueCodec = Codec[value.Value]{
	Encode: func(v value.Value) []byte {
		enc := v.Encode()
		buf := make([]byte, 4+len(enc))
		binary.BigEndian.PutUint32(buf[:4], uint32(len(enc)))
		copy(buf[4:], enc)
		return buf
	},
	Compare: func(a, b value.Value) int { return a.Compare(b) },
	Decode: func(b []byte) (value.Value, int, error) {
		if len(b) < 4 {
			return value.Value{}, 0, fmt.Errorf("block: truncated value length")
		}
		n := int(binary.BigEndian.Uint32(b[:4]))
		if len(b) < 4+n {
			return value.Value{}, 0, fmt.Errorf("block: truncated value payload")
		}
		v, err := value.Decode(b[4 : 4+n])
		return v, 4 + n, err
	},
}
