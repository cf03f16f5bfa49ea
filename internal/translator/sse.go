package translator

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
)

var ssePool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 1024))
	},
}

var (
	ssePrefixEvent = []byte("event: ")
	ssePrefixData  = []byte("data: ")
	sseTerminator  = []byte("\n\n")
)

// WriteSSE writes one "event:"/"data:" record and flushes when the writer
// supports it.
func WriteSSE(w io.Writer, event string, data []byte) error {
	buf := ssePool.Get().(*bytes.Buffer)
	defer ssePool.Put(buf)
	buf.Reset()

	buf.Write(ssePrefixEvent)
	buf.WriteString(event)
	buf.WriteByte('\n')
	buf.Write(ssePrefixData)
	buf.Write(data)
	buf.Write(sseTerminator)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write sse event: %w", err)
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}
