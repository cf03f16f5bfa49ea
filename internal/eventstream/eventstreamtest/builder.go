// Package eventstreamtest builds wire-format frames for tests and fake
// upstreams. The production decoder never encodes, so the encoder lives here.
package eventstreamtest

import (
	"encoding/binary"
	"hash/crc32"
)

// StringHeader is a name/value pair encoded with the string type tag.
type StringHeader struct {
	Name  string
	Value string
}

// Frame encodes one event-stream frame with string headers and the given
// payload, computing both CRCs.
func Frame(headers []StringHeader, payload []byte) []byte {
	var headerBlock []byte
	for _, h := range headers {
		headerBlock = append(headerBlock, byte(len(h.Name)))
		headerBlock = append(headerBlock, h.Name...)
		headerBlock = append(headerBlock, 7) // string type tag
		headerBlock = binary.BigEndian.AppendUint16(headerBlock, uint16(len(h.Value)))
		headerBlock = append(headerBlock, h.Value...)
	}

	total := 12 + len(headerBlock) + len(payload) + 4
	buf := make([]byte, 0, total)
	buf = binary.BigEndian.AppendUint32(buf, uint32(total))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(headerBlock)))
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
	buf = append(buf, headerBlock...)
	buf = append(buf, payload...)
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
	return buf
}

// EventFrame encodes an event frame with :message-type=event and the given
// :event-type.
func EventFrame(eventType string, payload []byte) []byte {
	return Frame([]StringHeader{
		{Name: ":message-type", Value: "event"},
		{Name: ":event-type", Value: eventType},
	}, payload)
}

// ExceptionFrame encodes an exception frame.
func ExceptionFrame(exceptionType string, payload []byte) []byte {
	return Frame([]StringHeader{
		{Name: ":message-type", Value: "exception"},
		{Name: ":exception-type", Value: exceptionType},
	}, payload)
}

// Stream concatenates frames into one response body.
func Stream(frames ...[]byte) []byte {
	var out []byte
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}
