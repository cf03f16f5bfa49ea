// Package eventstream decodes the AWS-style binary event stream returned by
// the Kiro upstream: length-prefixed frames with a prelude CRC, a typed
// header block, a payload, and a trailing message CRC. Frames are mapped to
// the semantic events the translator consumes.
package eventstream

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	// preludeSize covers total length, headers length and the prelude CRC.
	preludeSize = 12
	// minFrameSize is a frame with no headers and no payload.
	minFrameSize = 16
	// maxFrameSize caps per-frame memory.
	maxFrameSize = 16 << 20
)

// Frame is one decoded event-stream frame.
type Frame struct {
	Headers []Header
	Payload []byte
}

// Header returns the value of the named header, if present.
func (f *Frame) Header(name string) (HeaderValue, bool) {
	for _, h := range f.Headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return HeaderValue{}, false
}

// StringHeader returns the named string header, or "" when absent or not a
// string.
func (f *Frame) StringHeader(name string) string {
	v, ok := f.Header(name)
	if !ok || v.Type != TypeString {
		return ""
	}
	return v.String
}

// MessageType returns the ":message-type" header; frames without one are
// treated as events.
func (f *Frame) MessageType() string {
	if v := f.StringHeader(":message-type"); v != "" {
		return v
	}
	return "event"
}

// EventType returns the ":event-type" header, or "" for non-event frames.
func (f *Frame) EventType() string {
	return f.StringHeader(":event-type")
}

// ExceptionType returns the ":exception-type" header for exception frames.
func (f *Frame) ExceptionType() string {
	return f.StringHeader(":exception-type")
}

// DecodeError is a fatal stream error: truncated frame, CRC mismatch, or an
// implausible length field. The orchestrator treats it as an upstream error.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("event stream: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("event stream: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decoder reads frames from an upstream response body.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r for frame-at-a-time reads.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 32<<10)}
}

// Next returns the next frame. It returns io.EOF at a clean frame boundary;
// any other failure is a *DecodeError.
func (d *Decoder) Next() (*Frame, error) {
	prelude := make([]byte, preludeSize)
	if _, err := io.ReadFull(d.r, prelude); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &DecodeError{Reason: "truncated prelude", Err: err}
	}

	totalLen := binary.BigEndian.Uint32(prelude[0:4])
	headersLen := binary.BigEndian.Uint32(prelude[4:8])
	preludeCRC := binary.BigEndian.Uint32(prelude[8:12])

	if crc := crc32.ChecksumIEEE(prelude[:8]); crc != preludeCRC {
		return nil, &DecodeError{Reason: fmt.Sprintf("prelude CRC mismatch: got %08x, want %08x", crc, preludeCRC)}
	}
	if totalLen < minFrameSize || totalLen > maxFrameSize {
		return nil, &DecodeError{Reason: fmt.Sprintf("implausible frame length %d", totalLen)}
	}
	if headersLen > totalLen-minFrameSize {
		return nil, &DecodeError{Reason: fmt.Sprintf("headers length %d exceeds frame length %d", headersLen, totalLen)}
	}

	rest := make([]byte, totalLen-preludeSize)
	if _, err := io.ReadFull(d.r, rest); err != nil {
		return nil, &DecodeError{Reason: "truncated frame body", Err: err}
	}

	messageCRC := binary.BigEndian.Uint32(rest[len(rest)-4:])
	crc := crc32.ChecksumIEEE(prelude)
	crc = crc32.Update(crc, crc32.IEEETable, rest[:len(rest)-4])
	if crc != messageCRC {
		return nil, &DecodeError{Reason: fmt.Sprintf("message CRC mismatch: got %08x, want %08x", crc, messageCRC)}
	}

	headers, err := parseHeaders(rest[:headersLen])
	if err != nil {
		return nil, &DecodeError{Reason: "malformed headers", Err: err}
	}

	return &Frame{
		Headers: headers,
		Payload: rest[headersLen : len(rest)-4],
	}, nil
}
