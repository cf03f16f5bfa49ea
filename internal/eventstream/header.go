package eventstream

import (
	"encoding/binary"
	"fmt"
	"time"
)

// HeaderType is the wire type tag of a header value.
type HeaderType uint8

const (
	TypeBoolTrue  HeaderType = 0
	TypeBoolFalse HeaderType = 1
	TypeInt8      HeaderType = 2
	TypeInt16     HeaderType = 3
	TypeInt32     HeaderType = 4
	TypeInt64     HeaderType = 5
	TypeByteArray HeaderType = 6
	TypeString    HeaderType = 7
	TypeTimestamp HeaderType = 8
	TypeUUID      HeaderType = 9
)

// HeaderValue is one decoded typed header value. Only the field matching Type
// is meaningful.
type HeaderValue struct {
	Type      HeaderType
	Bool      bool
	Int       int64
	Bytes     []byte
	String    string
	Timestamp time.Time
	UUID      [16]byte
}

// Header is one name/value pair from a frame's header block.
type Header struct {
	Name  string
	Value HeaderValue
}

// parseHeaders decodes the header block of a frame. Each header is
// {1-byte name length, name, 1-byte type tag, type-specific body}.
func parseHeaders(data []byte) ([]Header, error) {
	var headers []Header
	pos := 0
	for pos < len(data) {
		nameLen := int(data[pos])
		pos++
		if pos+nameLen+1 > len(data) {
			return nil, fmt.Errorf("header name overruns block at offset %d", pos)
		}
		name := string(data[pos : pos+nameLen])
		pos += nameLen
		typ := HeaderType(data[pos])
		pos++

		value := HeaderValue{Type: typ}
		switch typ {
		case TypeBoolTrue:
			value.Bool = true
		case TypeBoolFalse:
			value.Bool = false
		case TypeInt8:
			if pos+1 > len(data) {
				return nil, fmt.Errorf("header %q: truncated i8", name)
			}
			value.Int = int64(int8(data[pos]))
			pos++
		case TypeInt16:
			if pos+2 > len(data) {
				return nil, fmt.Errorf("header %q: truncated i16", name)
			}
			value.Int = int64(int16(binary.BigEndian.Uint16(data[pos:])))
			pos += 2
		case TypeInt32:
			if pos+4 > len(data) {
				return nil, fmt.Errorf("header %q: truncated i32", name)
			}
			value.Int = int64(int32(binary.BigEndian.Uint32(data[pos:])))
			pos += 4
		case TypeInt64:
			if pos+8 > len(data) {
				return nil, fmt.Errorf("header %q: truncated i64", name)
			}
			value.Int = int64(binary.BigEndian.Uint64(data[pos:]))
			pos += 8
		case TypeByteArray, TypeString:
			if pos+2 > len(data) {
				return nil, fmt.Errorf("header %q: truncated length prefix", name)
			}
			n := int(binary.BigEndian.Uint16(data[pos:]))
			pos += 2
			if pos+n > len(data) {
				return nil, fmt.Errorf("header %q: value overruns block", name)
			}
			if typ == TypeString {
				value.String = string(data[pos : pos+n])
			} else {
				value.Bytes = append([]byte(nil), data[pos:pos+n]...)
			}
			pos += n
		case TypeTimestamp:
			if pos+8 > len(data) {
				return nil, fmt.Errorf("header %q: truncated timestamp", name)
			}
			ms := int64(binary.BigEndian.Uint64(data[pos:]))
			value.Timestamp = time.UnixMilli(ms).UTC()
			pos += 8
		case TypeUUID:
			if pos+16 > len(data) {
				return nil, fmt.Errorf("header %q: truncated uuid", name)
			}
			copy(value.UUID[:], data[pos:pos+16])
			pos += 16
		default:
			return nil, fmt.Errorf("header %q: unknown type tag %d", name, typ)
		}
		headers = append(headers, Header{Name: name, Value: value})
	}
	return headers, nil
}
