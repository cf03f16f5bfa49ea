package eventstream

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/router-for-me/KiroProxyAPI/internal/eventstream/eventstreamtest"
)

func mapStream(t *testing.T, raw []byte) []Event {
	t.Helper()
	d := NewDecoder(bytes.NewReader(raw))
	m := NewMapper()
	var events []Event
	for {
		f, err := d.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		events = append(events, m.Map(f)...)
	}
	return append(events, m.Finish()...)
}

func TestMapper_TextOnly(t *testing.T) {
	raw := eventstreamtest.Stream(
		eventstreamtest.EventFrame("assistantResponseEvent", []byte(`{"content":"po"}`)),
		eventstreamtest.EventFrame("assistantResponseEvent", []byte(`{"content":"ng"}`)),
		eventstreamtest.EventFrame("messageMetadataEvent", []byte(`{"tokenUsage":{"uncachedInputTokens":1,"outputTokens":1,"totalTokens":2}}`)),
	)

	events := mapStream(t, raw)
	require.Len(t, events, 7)

	assert.IsType(t, MessageStart{}, events[0])
	start := events[1].(ContentBlockStart)
	assert.Equal(t, 0, start.Index)
	assert.Equal(t, BlockText, start.Kind)
	assert.Equal(t, TextDelta{Index: 0, Text: "po"}, events[2])
	assert.Equal(t, TextDelta{Index: 0, Text: "ng"}, events[3])
	assert.Equal(t, ContentBlockStop{Index: 0}, events[4])
	delta := events[5].(MessageDelta)
	assert.Equal(t, StopEndTurn, delta.StopReason)
	assert.Equal(t, 1, delta.Usage.InputTokens)
	assert.Equal(t, 1, delta.Usage.OutputTokens)
	assert.IsType(t, MessageStop{}, events[6])
}

func TestMapper_ToolUse(t *testing.T) {
	raw := eventstreamtest.Stream(
		eventstreamtest.EventFrame("assistantResponseEvent", []byte(`{"content":"ok "}`)),
		eventstreamtest.EventFrame("toolUseEvent", []byte(`{"toolUseId":"t_1","name":"get_weather","input":"{\"ci"}`)),
		eventstreamtest.EventFrame("toolUseEvent", []byte(`{"toolUseId":"t_1","input":"ty\":\"Paris\"}"}`)),
		eventstreamtest.EventFrame("toolUseEvent", []byte(`{"toolUseId":"t_1","stop":true}`)),
	)

	events := mapStream(t, raw)

	// The text block gets no explicit stop before the tool block starts;
	// synthesizing it is the translator's job.
	var kinds []string
	for _, ev := range events {
		switch e := ev.(type) {
		case ContentBlockStart:
			kinds = append(kinds, "start:"+string(e.Kind))
			if e.Kind == BlockToolUse {
				assert.Equal(t, "t_1", e.ToolID)
				assert.Equal(t, "get_weather", e.ToolName)
				assert.Equal(t, 1, e.Index)
			}
		case ToolUseDelta:
			kinds = append(kinds, "tooldelta")
			assert.Equal(t, 1, e.Index)
		case ContentBlockStop:
			kinds = append(kinds, "stop")
		case MessageDelta:
			kinds = append(kinds, "messagedelta")
			assert.Equal(t, StopToolUse, e.StopReason)
		}
	}
	assert.Equal(t, []string{"start:text", "start:tool_use", "tooldelta", "tooldelta", "stop", "messagedelta"}, kinds)
}

func TestMapper_ThinkingThenText(t *testing.T) {
	raw := eventstreamtest.Stream(
		eventstreamtest.EventFrame("assistantResponseEvent", []byte(`{"content":"hmm","thinking":true}`)),
		eventstreamtest.EventFrame("assistantResponseEvent", []byte(`{"content":"answer"}`)),
	)

	events := mapStream(t, raw)

	var starts []ContentBlockStart
	for _, ev := range events {
		if s, ok := ev.(ContentBlockStart); ok {
			starts = append(starts, s)
		}
	}
	require.Len(t, starts, 2)
	assert.Equal(t, BlockThinking, starts[0].Kind)
	assert.Equal(t, 0, starts[0].Index)
	assert.Equal(t, BlockText, starts[1].Kind)
	assert.Equal(t, 1, starts[1].Index)
}

func TestMapper_ExceptionFrame(t *testing.T) {
	d := NewDecoder(bytes.NewReader(eventstreamtest.ExceptionFrame("ThrottlingException", []byte(`{"message":"slow down"}`))))
	f, err := d.Next()
	require.NoError(t, err)

	m := NewMapper()
	events := m.Map(f)
	require.Len(t, events, 1)
	errEvent := events[0].(ErrorEvent)
	assert.Equal(t, "ThrottlingException", errEvent.Code)
	assert.Equal(t, "slow down", errEvent.Message)
	assert.Empty(t, m.Finish(), "no closing events after a fatal frame")
}

func TestMapper_AWSTypedError(t *testing.T) {
	d := NewDecoder(bytes.NewReader(eventstreamtest.Frame(
		[]eventstreamtest.StringHeader{{Name: ":message-type", Value: "error"}},
		[]byte(`{"_type":"com.amazon.aws#ValidationException","message":"bad input"}`),
	)))
	f, err := d.Next()
	require.NoError(t, err)

	events := NewMapper().Map(f)
	require.Len(t, events, 1)
	errEvent := events[0].(ErrorEvent)
	assert.Equal(t, "ValidationException", errEvent.Code)
	assert.Equal(t, "bad input", errEvent.Message)
}

func TestMapper_UnknownEventIgnored(t *testing.T) {
	d := NewDecoder(bytes.NewReader(eventstreamtest.EventFrame("somethingNew", []byte(`{}`))))
	f, err := d.Next()
	require.NoError(t, err)

	m := NewMapper()
	events := m.Map(f)
	// Only the implicit message start; the unknown event itself is dropped.
	require.Len(t, events, 1)
	assert.IsType(t, MessageStart{}, events[0])
}

func TestMapper_EmptyStreamStillCloses(t *testing.T) {
	m := NewMapper()
	events := m.Finish()
	require.Len(t, events, 3)
	assert.IsType(t, MessageStart{}, events[0])
	assert.IsType(t, MessageDelta{}, events[1])
	assert.IsType(t, MessageStop{}, events[2])
}
