package eventstream

import (
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// BlockKind identifies a content block kind.
type BlockKind string

const (
	BlockText     BlockKind = "text"
	BlockThinking BlockKind = "thinking"
	BlockToolUse  BlockKind = "tool_use"
)

// Usage is the cumulative token usage reported by the upstream.
type Usage struct {
	InputTokens          int
	OutputTokens         int
	CacheReadInputTokens int
}

// Event is one semantic stream event. The variant set is closed; consumers
// switch exhaustively.
type Event interface{ isEvent() }

// MessageStart opens the assistant message.
type MessageStart struct{}

// ContentBlockStart opens content block Index of the given kind. Tool blocks
// carry the upstream tool-use id and tool name.
type ContentBlockStart struct {
	Index    int
	Kind     BlockKind
	ToolID   string
	ToolName string
}

// TextDelta appends text to block Index.
type TextDelta struct {
	Index int
	Text  string
}

// ThinkingDelta appends reasoning text to block Index.
type ThinkingDelta struct {
	Index int
	Text  string
}

// ToolUseDelta appends a partial JSON fragment to the tool input of block
// Index. Fragments are not individually valid JSON.
type ToolUseDelta struct {
	Index       int
	PartialJSON string
}

// ContentBlockStop closes block Index.
type ContentBlockStop struct{ Index int }

// MessageDelta carries the final stop reason and usage.
type MessageDelta struct {
	StopReason string
	Usage      Usage
}

// MessageStop closes the message.
type MessageStop struct{}

// ErrorEvent is a fatal upstream error or exception frame.
type ErrorEvent struct {
	Code    string
	Message string
}

func (MessageStart) isEvent()      {}
func (ContentBlockStart) isEvent() {}
func (TextDelta) isEvent()         {}
func (ThinkingDelta) isEvent()     {}
func (ToolUseDelta) isEvent()      {}
func (ContentBlockStop) isEvent()  {}
func (MessageDelta) isEvent()      {}
func (MessageStop) isEvent()       {}
func (ErrorEvent) isEvent()        {}

// Stop reasons surfaced in MessageDelta.
const (
	StopEndTurn      = "end_turn"
	StopMaxTokens    = "max_tokens"
	StopToolUse      = "tool_use"
	StopStopSequence = "stop_sequence"
)

// Mapper converts decoded frames into semantic events. It tracks the current
// content block so that implicit block switches in the upstream stream become
// explicit starts; missing stops are left for the translator to synthesize.
type Mapper struct {
	started    bool
	nextIndex  int
	curIndex   int
	curKind    BlockKind
	curToolID  string
	sawToolUse bool
	stopReason string
	usage      Usage
	hasUsage   bool
	failed     bool
}

// NewMapper returns a Mapper for one upstream stream.
func NewMapper() *Mapper {
	return &Mapper{curIndex: -1}
}

// Map returns the semantic events carried by one frame, in order. Unknown
// event types are logged and yield no events.
func (m *Mapper) Map(f *Frame) []Event {
	switch f.MessageType() {
	case "exception", "error":
		m.failed = true
		return []Event{m.errorEvent(f)}
	}

	payload := gjson.ParseBytes(f.Payload)
	var out []Event
	if !m.started {
		m.started = true
		out = append(out, MessageStart{})
	}

	switch f.EventType() {
	case "assistantResponseEvent":
		content := payload.Get("content").String()
		if content == "" {
			return out
		}
		kind := BlockText
		if payload.Get("thinking").Bool() {
			kind = BlockThinking
		}
		if m.curIndex < 0 || m.curKind != kind {
			out = append(out, m.startBlock(kind, "", ""))
		}
		if kind == BlockThinking {
			out = append(out, ThinkingDelta{Index: m.curIndex, Text: content})
		} else {
			out = append(out, TextDelta{Index: m.curIndex, Text: content})
		}

	case "toolUseEvent":
		toolID := payload.Get("toolUseId").String()
		if m.curIndex < 0 || m.curKind != BlockToolUse || m.curToolID != toolID {
			out = append(out, m.startBlock(BlockToolUse, toolID, payload.Get("name").String()))
			m.sawToolUse = true
		}
		if input := payload.Get("input").String(); input != "" {
			out = append(out, ToolUseDelta{Index: m.curIndex, PartialJSON: input})
		}
		if payload.Get("stop").Bool() {
			out = append(out, ContentBlockStop{Index: m.curIndex})
			m.curIndex = -1
		}

	case "messageMetadataEvent":
		if tu := payload.Get("tokenUsage"); tu.Exists() {
			m.usage = Usage{
				InputTokens:          int(tu.Get("uncachedInputTokens").Int()),
				OutputTokens:         int(tu.Get("outputTokens").Int()),
				CacheReadInputTokens: int(tu.Get("cacheReadInputTokens").Int()),
			}
			m.hasUsage = true
		}
		if sr := payload.Get("stopReason").String(); sr != "" {
			m.stopReason = normalizeStopReason(sr)
		}

	case "meteringEvent":
		log.Debugf("metering event: %s", f.Payload)

	default:
		log.Warnf("unknown event type %q, ignoring", f.EventType())
	}
	return out
}

// Finish returns the closing events once the stream hits a clean EOF: a stop
// for any open block, then message_delta and message_stop.
func (m *Mapper) Finish() []Event {
	if m.failed {
		return nil
	}
	var out []Event
	if !m.started {
		m.started = true
		out = append(out, MessageStart{})
	}
	if m.curIndex >= 0 {
		out = append(out, ContentBlockStop{Index: m.curIndex})
		m.curIndex = -1
	}
	stop := m.stopReason
	if stop == "" {
		stop = StopEndTurn
		if m.sawToolUse {
			stop = StopToolUse
		}
	}
	out = append(out, MessageDelta{StopReason: stop, Usage: m.usage})
	out = append(out, MessageStop{})
	return out
}

// HasUsage reports whether the upstream sent token usage metadata.
func (m *Mapper) HasUsage() bool { return m.hasUsage }

func (m *Mapper) startBlock(kind BlockKind, toolID, toolName string) Event {
	m.curIndex = m.nextIndex
	m.nextIndex++
	m.curKind = kind
	m.curToolID = toolID
	return ContentBlockStart{Index: m.curIndex, Kind: kind, ToolID: toolID, ToolName: toolName}
}

func (m *Mapper) errorEvent(f *Frame) ErrorEvent {
	payload := gjson.ParseBytes(f.Payload)
	code := f.ExceptionType()
	if code == "" {
		// AWS error payloads carry "_type" like "com.amazon...#ThrottlingException".
		t := payload.Get("_type").String()
		if i := strings.LastIndexByte(t, '#'); i >= 0 {
			t = t[i+1:]
		}
		code = t
	}
	if code == "" {
		code = "UpstreamError"
	}
	msg := payload.Get("message").String()
	if msg == "" {
		msg = string(f.Payload)
	}
	return ErrorEvent{Code: code, Message: msg}
}

func normalizeStopReason(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "end_turn", "endturn":
		return StopEndTurn
	case "max_tokens", "maxtokens":
		return StopMaxTokens
	case "tool_use", "tooluse":
		return StopToolUse
	case "stop_sequence", "stopsequence":
		return StopStopSequence
	default:
		return StopEndTurn
	}
}
