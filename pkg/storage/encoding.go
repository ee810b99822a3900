// ABOUTME: Order-preserving encoding of composite index keys
// ABOUTME: A big-endian table prefix followed by self-delimiting string and uint64 fields

package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Field kinds. The kind byte leads every encoded field, so fields of
// different kinds never compare equal.
const (
	KIND_STRING = 1
	KIND_UINT64 = 3
)

// String fields end with terminator. The two bytes below 0x02 are written
// as escapeByte followed by byte+1, which keeps bytewise order.
const (
	terminator = 0x00
	escapeByte = 0x01
)

// Value is one field of a composite key
type Value struct {
	Kind uint8
	Str  string
	U64  uint64
}

// NewStringValue makes a string field. Strings sort bytewise and a string
// sorts before every string it is a prefix of.
func NewStringValue(s string) Value {
	return Value{Kind: KIND_STRING, Str: s}
}

// NewUint64Value makes a fixed-width unsigned field
func NewUint64Value(u uint64) Value {
	return Value{Kind: KIND_UINT64, U64: u}
}

// String returns the payload of a string field
func (v Value) String() string {
	return v.Str
}

// EncodeKey builds the key for table prefix and the given fields
func EncodeKey(prefix uint32, vals []Value) []byte {
	out := binary.BigEndian.AppendUint32(make([]byte, 0, 4+16*len(vals)), prefix)
	for _, v := range vals {
		out = appendValue(out, v)
	}
	return out
}

func appendValue(out []byte, v Value) []byte {
	out = append(out, v.Kind)
	switch v.Kind {
	case KIND_UINT64:
		return binary.BigEndian.AppendUint64(out, v.U64)
	case KIND_STRING:
		for i := 0; i < len(v.Str); i++ {
			if b := v.Str[i]; b <= escapeByte {
				out = append(out, escapeByte, b+1)
			} else {
				out = append(out, b)
			}
		}
		return append(out, terminator)
	default:
		panic(fmt.Sprintf("storage: unknown field kind %d", v.Kind))
	}
}

// ExtractValues decodes the fields of a key built by EncodeKey
func ExtractValues(key []byte) ([]Value, error) {
	if len(key) < 4 {
		return nil, fmt.Errorf("key too short: %d bytes", len(key))
	}
	data := key[4:]
	vals := make([]Value, 0, 4)
	for len(data) > 0 {
		kind := data[0]
		data = data[1:]
		switch kind {
		case KIND_UINT64:
			if len(data) < 8 {
				return nil, fmt.Errorf("truncated uint64 field")
			}
			vals = append(vals, NewUint64Value(binary.BigEndian.Uint64(data)))
			data = data[8:]
		case KIND_STRING:
			s, rest, err := readString(data)
			if err != nil {
				return nil, err
			}
			vals = append(vals, NewStringValue(s))
			data = rest
		default:
			return nil, fmt.Errorf("unknown field kind %d", kind)
		}
	}
	return vals, nil
}

// readString decodes one escaped, terminated string field
func readString(data []byte) (string, []byte, error) {
	var sb bytes.Buffer
	for i := 0; i < len(data); i++ {
		switch data[i] {
		case terminator:
			return sb.String(), data[i+1:], nil
		case escapeByte:
			i++
			if i == len(data) || data[i] == 0 || data[i] > escapeByte+1 {
				return "", nil, fmt.Errorf("bad escape in string field")
			}
			sb.WriteByte(data[i] - 1)
			continue
		}
		sb.WriteByte(data[i])
	}
	return "", nil, fmt.Errorf("unterminated string field")
}

// HasPrefix reports whether key starts with the encoded prefix. Every
// field is self-delimiting, so keys sharing a prefix are contiguous.
func HasPrefix(key, prefix []byte) bool {
	return bytes.HasPrefix(key, prefix)
}
