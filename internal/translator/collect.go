package translator

import (
	"encoding/json"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/KiroProxyAPI/internal/eventstream"
)

// Collector buffers a full semantic stream and assembles the non-streaming
// Anthropic response.
type Collector struct {
	model string

	blocks     []collectedBlock
	stopReason string
	usage      eventstream.Usage
	err        *eventstream.ErrorEvent
}

type collectedBlock struct {
	kind     eventstream.BlockKind
	text     strings.Builder
	toolID   string
	toolName string
}

// NewCollector collects events for the given client-facing model name.
func NewCollector(model string) *Collector {
	return &Collector{model: model}
}

// Handle folds one semantic event into the buffered message.
func (c *Collector) Handle(ev eventstream.Event) {
	switch e := ev.(type) {
	case eventstream.ContentBlockStart:
		c.ensureBlock(e.Index)
		c.blocks[e.Index].kind = e.Kind
		c.blocks[e.Index].toolID = toolID(e.ToolID)
		c.blocks[e.Index].toolName = e.ToolName
	case eventstream.TextDelta:
		c.ensureBlock(e.Index)
		c.blocks[e.Index].text.WriteString(e.Text)
	case eventstream.ThinkingDelta:
		c.ensureBlock(e.Index)
		c.blocks[e.Index].text.WriteString(e.Text)
	case eventstream.ToolUseDelta:
		c.ensureBlock(e.Index)
		c.blocks[e.Index].text.WriteString(e.PartialJSON)
	case eventstream.MessageDelta:
		c.stopReason = e.StopReason
		c.usage = e.Usage
	case eventstream.ErrorEvent:
		errCopy := e
		c.err = &errCopy
	}
}

// Err returns the upstream error event, if the stream carried one.
func (c *Collector) Err() *eventstream.ErrorEvent { return c.err }

// Response marshals the assembled Anthropic message.
func (c *Collector) Response() ([]byte, error) {
	content := make([]map[string]any, 0, len(c.blocks))
	for i := range c.blocks {
		block := &c.blocks[i]
		switch block.kind {
		case eventstream.BlockToolUse:
			input := map[string]any{}
			if raw := block.text.String(); raw != "" {
				if err := json.Unmarshal([]byte(raw), &input); err != nil {
					log.Warnf("tool input for %s is not valid JSON: %v", block.toolName, err)
					input = map[string]any{}
				}
			}
			content = append(content, map[string]any{
				"type":  "tool_use",
				"id":    block.toolID,
				"name":  block.toolName,
				"input": input,
			})
		case eventstream.BlockThinking:
			content = append(content, map[string]any{
				"type":     "thinking",
				"thinking": block.text.String(),
			})
		default:
			content = append(content, map[string]any{
				"type": "text",
				"text": block.text.String(),
			})
		}
	}

	stopReason := c.stopReason
	if stopReason == "" {
		stopReason = eventstream.StopEndTurn
	}

	body, err := json.Marshal(map[string]any{
		"id":            NewMessageID(),
		"type":          "message",
		"role":          "assistant",
		"model":         c.model,
		"content":       content,
		"stop_reason":   stopReason,
		"stop_sequence": nil,
		"usage": map[string]int{
			"input_tokens":  c.usage.InputTokens,
			"output_tokens": c.usage.OutputTokens,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	return body, nil
}

func (c *Collector) ensureBlock(index int) {
	for len(c.blocks) <= index {
		c.blocks = append(c.blocks, collectedBlock{kind: eventstream.BlockText})
	}
}
