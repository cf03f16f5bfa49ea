package translator

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/KiroProxyAPI/internal/eventstream"
)

// NewMessageID returns an Anthropic-style message id.
func NewMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// StreamTranslator turns semantic events into the Anthropic SSE sequence.
// It enforces the protocol shape: every started block is stopped before
// message_delta, and a block switch without an explicit stop gets one
// synthesized.
type StreamTranslator struct {
	w     io.Writer
	model string
	msgID string

	openIndex int
	toolBuf   map[int]*strings.Builder
	started   bool
	closed    bool
}

// NewStreamTranslator writes to w, echoing the model name the client asked
// for.
func NewStreamTranslator(w io.Writer, model string) *StreamTranslator {
	return &StreamTranslator{
		w:         w,
		model:     model,
		msgID:     NewMessageID(),
		openIndex: -1,
		toolBuf:   make(map[int]*strings.Builder),
	}
}

// Handle emits the SSE representation of one semantic event.
func (t *StreamTranslator) Handle(ev eventstream.Event) error {
	switch e := ev.(type) {
	case eventstream.MessageStart:
		t.started = true
		return t.emit("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            t.msgID,
				"type":          "message",
				"role":          "assistant",
				"model":         t.model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]int{"input_tokens": 0, "output_tokens": 0},
			},
		})

	case eventstream.ContentBlockStart:
		if t.openIndex >= 0 && t.openIndex != e.Index {
			if err := t.stopBlock(t.openIndex); err != nil {
				return err
			}
		}
		t.openIndex = e.Index
		block := map[string]any{"type": string(e.Kind)}
		switch e.Kind {
		case eventstream.BlockText:
			block["text"] = ""
		case eventstream.BlockThinking:
			block["thinking"] = ""
		case eventstream.BlockToolUse:
			block["id"] = toolID(e.ToolID)
			block["name"] = e.ToolName
			block["input"] = map[string]any{}
			t.toolBuf[e.Index] = &strings.Builder{}
		}
		return t.emit("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         e.Index,
			"content_block": block,
		})

	case eventstream.TextDelta:
		return t.emit("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": e.Index,
			"delta": map[string]any{"type": "text_delta", "text": e.Text},
		})

	case eventstream.ThinkingDelta:
		return t.emit("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": e.Index,
			"delta": map[string]any{"type": "thinking_delta", "thinking": e.Text},
		})

	case eventstream.ToolUseDelta:
		if buf := t.toolBuf[e.Index]; buf != nil {
			buf.WriteString(e.PartialJSON)
		}
		return t.emit("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": e.Index,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": e.PartialJSON},
		})

	case eventstream.ContentBlockStop:
		if t.openIndex != e.Index {
			// Already stopped (synthesized on a block switch).
			return nil
		}
		return t.stopBlock(e.Index)

	case eventstream.MessageDelta:
		if t.openIndex >= 0 {
			if err := t.stopBlock(t.openIndex); err != nil {
				return err
			}
		}
		return t.emit("message_delta", map[string]any{
			"type": "message_delta",
			"delta": map[string]any{
				"stop_reason":   e.StopReason,
				"stop_sequence": nil,
			},
			"usage": map[string]int{
				"input_tokens":  e.Usage.InputTokens,
				"output_tokens": e.Usage.OutputTokens,
			},
		})

	case eventstream.MessageStop:
		t.closed = true
		return t.emit("message_stop", map[string]any{"type": "message_stop"})

	case eventstream.ErrorEvent:
		t.closed = true
		return t.emit("error", map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    "api_error",
				"message": fmt.Sprintf("%s: %s", e.Code, e.Message),
			},
		})
	}
	return nil
}

// WriteError emits a mid-stream error event; used when the upstream dies
// after bytes already reached the client.
func (t *StreamTranslator) WriteError(message string) error {
	t.closed = true
	return t.emit("error", map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    "api_error",
			"message": message,
		},
	})
}

// Started reports whether any bytes were written to the client.
func (t *StreamTranslator) Started() bool { return t.started }

// Closed reports whether the stream finished with message_stop or error.
func (t *StreamTranslator) Closed() bool { return t.closed }

func (t *StreamTranslator) stopBlock(index int) error {
	t.openIndex = -1
	if buf, ok := t.toolBuf[index]; ok {
		if input := buf.String(); input != "" && !json.Valid([]byte(input)) {
			log.Warnf("tool input for block %d is not valid JSON", index)
		}
		delete(t.toolBuf, index)
	}
	return t.emit("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": index,
	})
}

func (t *StreamTranslator) emit(event string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	return WriteSSE(t.w, event, data)
}

func toolID(upstream string) string {
	if upstream != "" {
		return upstream
	}
	return "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
