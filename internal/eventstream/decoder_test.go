package eventstream

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/router-for-me/KiroProxyAPI/internal/eventstream/eventstreamtest"
)

func TestDecoder_SingleFrame(t *testing.T) {
	raw := eventstreamtest.EventFrame("assistantResponseEvent", []byte(`{"content":"hi"}`))
	d := NewDecoder(bytes.NewReader(raw))

	f, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, "event", f.MessageType())
	assert.Equal(t, "assistantResponseEvent", f.EventType())
	assert.Equal(t, `{"content":"hi"}`, string(f.Payload))

	_, err = d.Next()
	assert.Equal(t, io.EOF, err)
}

func TestDecoder_MinimalFrame(t *testing.T) {
	// total == 16: no headers, no payload. Decodes to a headerless event.
	raw := eventstreamtest.Frame(nil, nil)
	require.Len(t, raw, 16)

	d := NewDecoder(bytes.NewReader(raw))
	f, err := d.Next()
	require.NoError(t, err)
	assert.Empty(t, f.Headers)
	assert.Empty(t, f.Payload)
	assert.Equal(t, "event", f.MessageType())
}

func TestDecoder_FrameLengthAccounting(t *testing.T) {
	raw := eventstreamtest.EventFrame("toolUseEvent", []byte(`{"input":"{"}`))
	total := binary.BigEndian.Uint32(raw[0:4])
	headersLen := binary.BigEndian.Uint32(raw[4:8])
	payloadLen := uint32(len(`{"input":"{"}`))
	assert.Equal(t, total, 12+headersLen+payloadLen+4)
}

func TestDecoder_PreludeCRCMismatch(t *testing.T) {
	raw := eventstreamtest.EventFrame("assistantResponseEvent", []byte(`{}`))
	raw[8] ^= 0xff

	_, err := NewDecoder(bytes.NewReader(raw)).Next()
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Contains(t, decodeErr.Reason, "prelude CRC")
}

func TestDecoder_MessageCRCMismatch(t *testing.T) {
	raw := eventstreamtest.EventFrame("assistantResponseEvent", []byte(`{"content":"x"}`))
	raw[len(raw)-1] ^= 0xff

	_, err := NewDecoder(bytes.NewReader(raw)).Next()
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Contains(t, decodeErr.Reason, "message CRC")
}

func TestDecoder_TruncatedMidFrame(t *testing.T) {
	raw := eventstreamtest.EventFrame("assistantResponseEvent", []byte(`{"content":"hello"}`))

	_, err := NewDecoder(bytes.NewReader(raw[:len(raw)-3])).Next()
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
}

func TestDecoder_TruncatedPrelude(t *testing.T) {
	raw := eventstreamtest.EventFrame("assistantResponseEvent", []byte(`{}`))

	_, err := NewDecoder(bytes.NewReader(raw[:5])).Next()
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Contains(t, decodeErr.Reason, "prelude")
}

func TestDecoder_CleanEOFAtBoundary(t *testing.T) {
	raw := eventstreamtest.Stream(
		eventstreamtest.EventFrame("assistantResponseEvent", []byte(`{"content":"a"}`)),
		eventstreamtest.EventFrame("assistantResponseEvent", []byte(`{"content":"b"}`)),
	)
	d := NewDecoder(bytes.NewReader(raw))

	for i := 0; i < 2; i++ {
		_, err := d.Next()
		require.NoError(t, err)
	}
	_, err := d.Next()
	assert.Equal(t, io.EOF, err)
}

func TestDecoder_OversizedFrameRejected(t *testing.T) {
	var prelude []byte
	prelude = binary.BigEndian.AppendUint32(prelude, maxFrameSize+1)
	prelude = binary.BigEndian.AppendUint32(prelude, 0)
	prelude = binary.BigEndian.AppendUint32(prelude, crc32.ChecksumIEEE(prelude))

	_, err := NewDecoder(bytes.NewReader(prelude)).Next()
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Contains(t, decodeErr.Reason, "implausible")
}

func TestDecoder_HeadersLengthOverrun(t *testing.T) {
	var prelude []byte
	prelude = binary.BigEndian.AppendUint32(prelude, 20)
	prelude = binary.BigEndian.AppendUint32(prelude, 10)
	prelude = binary.BigEndian.AppendUint32(prelude, crc32.ChecksumIEEE(prelude))

	_, err := NewDecoder(bytes.NewReader(prelude)).Next()
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Contains(t, decodeErr.Reason, "headers length")
}

func TestParseHeaders_AllTypes(t *testing.T) {
	var block []byte
	add := func(name string, typ byte, body []byte) {
		block = append(block, byte(len(name)))
		block = append(block, name...)
		block = append(block, typ)
		block = append(block, body...)
	}

	add("flag-on", 0, nil)
	add("flag-off", 1, nil)
	add("tiny", 2, []byte{0xff}) // -1
	add("short", 3, []byte{0x01, 0x00})
	add("int", 4, []byte{0x00, 0x00, 0x01, 0x00})
	add("long", 5, []byte{0, 0, 0, 0, 0, 0, 0, 42})
	add("blob", 6, append([]byte{0x00, 0x03}, "abc"...))
	add("str", 7, append([]byte{0x00, 0x02}, "hi"...))
	add("ts", 8, []byte{0, 0, 0, 0, 0, 0, 0x03, 0xe8}) // 1000 ms
	uuid := bytes.Repeat([]byte{0xab}, 16)
	add("uuid", 9, uuid)

	headers, err := parseHeaders(block)
	require.NoError(t, err)
	require.Len(t, headers, 10)

	assert.True(t, headers[0].Value.Bool)
	assert.False(t, headers[1].Value.Bool)
	assert.Equal(t, int64(-1), headers[2].Value.Int)
	assert.Equal(t, int64(256), headers[3].Value.Int)
	assert.Equal(t, int64(256), headers[4].Value.Int)
	assert.Equal(t, int64(42), headers[5].Value.Int)
	assert.Equal(t, []byte("abc"), headers[6].Value.Bytes)
	assert.Equal(t, "hi", headers[7].Value.String)
	assert.Equal(t, int64(1000), headers[8].Value.Timestamp.UnixMilli())
	assert.Equal(t, uuid, headers[9].Value.UUID[:])
}

func TestParseHeaders_UnknownTypeTag(t *testing.T) {
	block := []byte{1, 'x', 99}
	_, err := parseHeaders(block)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown type tag")
}

func TestParseHeaders_TruncatedValue(t *testing.T) {
	block := []byte{3, 'a', 'b', 'c', 7, 0x00, 0x10, 'x'}
	_, err := parseHeaders(block)
	require.Error(t, err)
}
