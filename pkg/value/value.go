// Package value implements Concourse's tagged Value type: the atomic unit
// stored in a record's field. A field holds a set<Value>, never a scalar.
//
// Encoding follows the tag-byte convention the rest of this codebase's
// teacher (a B+Tree document store) uses for its own keys: one leading
// type-tag byte followed by a type-specific payload. Unlike the teacher's
// five key kinds, Value carries the full Concourse type set, including
// Link (a graph edge to another record) and Tag (a String twin that the
// search index skips).
package value

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Type is the one-byte tag that prefixes every encoded Value.
type Type byte

const (
	TypeBoolean Type = iota + 1
	TypeInt32
	TypeInt64
	TypeFloat
	TypeDouble
	TypeString
	TypeLink
	TypeTag
)

func (t Type) String() string {
	switch t {
	case TypeBoolean:
		return "BOOLEAN"
	case TypeInt32:
		return "INTEGER"
	case TypeInt64:
		return "LONG"
	case TypeFloat:
		return "FLOAT"
	case TypeDouble:
		return "DOUBLE"
	case TypeString:
		return "STRING"
	case TypeLink:
		return "LINK"
	case TypeTag:
		return "TAG"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

// Value is an immutable tagged scalar. The zero Value is invalid; always
// construct through one of the New* functions.
type Value struct {
	typ  Type
	b    bool
	i32  int32
	i64  int64
	f32  float32
	f64  float64
	s    string
	link uint64
}

func NewBoolean(b bool) Value   { return Value{typ: TypeBoolean, b: b} }
func NewInt32(i int32) Value    { return Value{typ: TypeInt32, i32: i} }
func NewInt64(i int64) Value    { return Value{typ: TypeInt64, i64: i} }
func NewFloat(f float32) Value  { return Value{typ: TypeFloat, f32: f} }
func NewDouble(f float64) Value { return Value{typ: TypeDouble, f64: f} }
func NewString(s string) Value  { return Value{typ: TypeString, s: s} }
func NewTag(s string) Value     { return Value{typ: TypeTag, s: s} }

// NewLink creates a value that points at another record, forming a graph
// edge. Self-links are rejected at the store layer (§3 invariant 7), not
// here, since that check needs the owning record id.
func NewLink(record uint64) Value { return Value{typ: TypeLink, link: record} }

func (v Value) Type() Type { return v.typ }

// IsLink reports whether v is a Link and, if so, the record it targets.
func (v Value) IsLink() (uint64, bool) {
	if v.typ != TypeLink {
		return 0, false
	}
	return v.link, true
}

// Bool, Int32, Int64, Float32, Float64, Str return the decoded payload.
// Callers must check Type() first; these panic-free accessors zero-value
// on a type mismatch rather than panic, mirroring the teacher's
// type-switch-with-fallback style in DoesTheKeyExist.
func (v Value) Bool() bool       { return v.b }
func (v Value) Int32() int32     { return v.i32 }
func (v Value) Int64() int64     { return v.i64 }
func (v Value) Float32() float32 { return v.f32 }
func (v Value) Float64() float64 { return v.f64 }
func (v Value) Str() string      { return v.s }

// Encode serializes v to its canonical byte form: one type-tag byte
// followed by a type-specific payload. This is the representation stored
// in revision files, block index locators, and lock-manager range keys.
func (v Value) Encode() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(v.typ))
	switch v.typ {
	case TypeBoolean:
		if v.b {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case TypeInt32:
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(v.i32))
		buf.Write(tmp[:])
	case TypeInt64:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], uint64(v.i64))
		buf.Write(tmp[:])
	case TypeFloat:
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(v.f32))
		buf.Write(tmp[:])
	case TypeDouble:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v.f64))
		buf.Write(tmp[:])
	case TypeString, TypeTag:
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(v.s)))
		buf.Write(lenBuf[:])
		buf.WriteString(v.s)
	case TypeLink:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], v.link)
		buf.Write(tmp[:])
	}
	return buf.Bytes()
}

// Decode reconstructs a Value from bytes produced by Encode.
func Decode(data []byte) (Value, error) {
	if len(data) == 0 {
		return Value{}, fmt.Errorf("value: empty encoding")
	}
	typ := Type(data[0])
	payload := data[1:]
	switch typ {
	case TypeBoolean:
		if len(payload) < 1 {
			return Value{}, fmt.Errorf("value: truncated boolean")
		}
		return NewBoolean(payload[0] != 0), nil
	case TypeInt32:
		if len(payload) < 4 {
			return Value{}, fmt.Errorf("value: truncated int32")
		}
		return NewInt32(int32(binary.LittleEndian.Uint32(payload))), nil
	case TypeInt64:
		if len(payload) < 8 {
			return Value{}, fmt.Errorf("value: truncated int64")
		}
		return NewInt64(int64(binary.LittleEndian.Uint64(payload))), nil
	case TypeFloat:
		if len(payload) < 4 {
			return Value{}, fmt.Errorf("value: truncated float")
		}
		return NewFloat(math.Float32frombits(binary.LittleEndian.Uint32(payload))), nil
	case TypeDouble:
		if len(payload) < 8 {
			return Value{}, fmt.Errorf("value: truncated double")
		}
		return NewDouble(math.Float64frombits(binary.LittleEndian.Uint64(payload))), nil
	case TypeString, TypeTag:
		if len(payload) < 4 {
			return Value{}, fmt.Errorf("value: truncated string length")
		}
		n := binary.LittleEndian.Uint32(payload)
		if uint32(len(payload)-4) < n {
			return Value{}, fmt.Errorf("value: truncated string payload")
		}
		s := string(payload[4 : 4+n])
		if typ == TypeTag {
			return NewTag(s), nil
		}
		return NewString(s), nil
	case TypeLink:
		if len(payload) < 8 {
			return Value{}, fmt.Errorf("value: truncated link")
		}
		return NewLink(binary.LittleEndian.Uint64(payload)), nil
	default:
		return Value{}, fmt.Errorf("value: unknown type tag %d", typ)
	}
}

// Compare imposes a total order over Values. Same-type values compare on
// their decoded payload; differently-typed values fall back to byte-lex
// comparison of their canonical encodings, per §3.
func (v Value) Compare(other Value) int {
	if v.typ == other.typ {
		switch v.typ {
		case TypeBoolean:
			return compareBool(v.b, other.b)
		case TypeInt32:
			return compareInt64(int64(v.i32), int64(other.i32))
		case TypeInt64:
			return compareInt64(v.i64, other.i64)
		case TypeFloat:
			return compareFloat64(float64(v.f32), float64(other.f32))
		case TypeDouble:
			return compareFloat64(v.f64, other.f64)
		case TypeString, TypeTag:
			return bytes.Compare([]byte(v.s), []byte(other.s))
		case TypeLink:
			return compareUint64(v.link, other.link)
		}
	}
	return bytes.Compare(v.Encode(), other.Encode())
}

func (v Value) Equal(other Value) bool { return v.Compare(other) == 0 }

func (v Value) String() string {
	switch v.typ {
	case TypeBoolean:
		return fmt.Sprintf("%t", v.b)
	case TypeInt32:
		return fmt.Sprintf("%d", v.i32)
	case TypeInt64:
		return fmt.Sprintf("%d", v.i64)
	case TypeFloat:
		return fmt.Sprintf("%g", v.f32)
	case TypeDouble:
		return fmt.Sprintf("%g", v.f64)
	case TypeString:
		return v.s
	case TypeTag:
		return v.s
	case TypeLink:
		return fmt.Sprintf("@%d@", v.link)
	default:
		return "<invalid>"
	}
}

func compareBool(a, b bool) int {
	if a == b {
		return 0
	}
	if !a && b {
		return -1
	}
	return 1
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
