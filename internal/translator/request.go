package translator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// UpstreamRequest is a fully translated Kiro request body plus the header
// material the HTTP layer needs.
type UpstreamRequest struct {
	Body       []byte
	ModelID    string
	ProfileArn string
}

// BuildUpstreamRequest translates one Anthropic messages request into the
// Kiro conversation envelope. profileArn is attached for social credentials.
func BuildUpstreamRequest(rawJSON []byte, profileArn string) (*UpstreamRequest, error) {
	root := gjson.ParseBytes(rawJSON)
	messages := root.Get("messages").Array()
	if len(messages) == 0 {
		return nil, fmt.Errorf("request has no messages")
	}

	modelID := MapModel(root.Get("model").String())
	systemText := flattenSystem(root.Get("system"))

	var history []map[string]any
	for i := 0; i < len(messages)-1; i++ {
		entry := historyEntry(messages[i], modelID)
		if entry != nil {
			history = append(history, entry)
		}
	}

	last := messages[len(messages)-1]
	current := userInputMessage(last, modelID)
	if last.Get("role").String() == "assistant" {
		// A trailing assistant message cannot be the current turn; push it
		// into history behind an empty continuation prompt.
		if entry := historyEntry(last, modelID); entry != nil {
			history = append(history, entry)
		}
		current = map[string]any{
			"content": "Continue.",
			"modelId": modelID,
			"origin":  "AI_EDITOR",
		}
	}

	if systemText != "" {
		// Kiro has no system role; the prompt rides at the head of the
		// current user content unless there is history to carry it.
		if len(history) > 0 {
			history = append([]map[string]any{
				{"userInputMessage": map[string]any{
					"content": systemText,
					"modelId": modelID,
					"origin":  "AI_EDITOR",
				}},
				{"assistantResponseMessage": map[string]any{
					"content": "Understood.",
				}},
			}, history...)
		} else {
			current["content"] = systemText + "\n\n" + asString(current["content"])
		}
	}

	context := map[string]any{}
	if tools := buildTools(root.Get("tools")); len(tools) > 0 {
		context["tools"] = tools
	}
	if results := toolResults(last); len(results) > 0 {
		context["toolResults"] = results
	}
	if len(context) > 0 {
		current["userInputMessageContext"] = context
	}
	if budget := root.Get("thinking.budget_tokens"); budget.Exists() {
		current["thinking"] = map[string]any{"budgetTokens": budget.Int()}
	}

	state := map[string]any{
		"chatTriggerType": "MANUAL",
		"conversationId":  uuid.NewString(),
		"currentMessage":  map[string]any{"userInputMessage": current},
	}
	if len(history) > 0 {
		state["history"] = history
	}

	payload := map[string]any{
		"conversationState": state,
		"source":            "FeatureDev",
	}
	if profileArn != "" {
		payload["profileArn"] = profileArn
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream request: %w", err)
	}
	return &UpstreamRequest{Body: body, ModelID: modelID, ProfileArn: profileArn}, nil
}

// flattenSystem joins the system prompt into one text blob, accepting either
// the string or array form.
func flattenSystem(system gjson.Result) string {
	if !system.Exists() {
		return ""
	}
	if system.Type == gjson.String {
		return system.String()
	}
	var parts []string
	for _, el := range system.Array() {
		if text := el.Get("text").String(); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

func historyEntry(msg gjson.Result, modelID string) map[string]any {
	switch msg.Get("role").String() {
	case "assistant":
		return map[string]any{"assistantResponseMessage": assistantMessage(msg)}
	case "user":
		return map[string]any{"userInputMessage": userInputMessage(msg, modelID)}
	default:
		log.Warnf("dropping message with unknown role %q", msg.Get("role").String())
		return nil
	}
}

// userInputMessage flattens user content into text, carrying images along.
// Tool results are attached by the caller via userInputMessageContext.
func userInputMessage(msg gjson.Result, modelID string) map[string]any {
	out := map[string]any{
		"modelId": modelID,
		"origin":  "AI_EDITOR",
	}
	content := msg.Get("content")
	if content.Type == gjson.String {
		out["content"] = content.String()
		return out
	}

	var text []string
	var images []map[string]any
	for _, part := range content.Array() {
		switch part.Get("type").String() {
		case "text":
			text = append(text, part.Get("text").String())
		case "image":
			src := part.Get("source")
			if src.Get("type").String() == "base64" {
				images = append(images, map[string]any{
					"format": strings.TrimPrefix(src.Get("media_type").String(), "image/"),
					"source": map[string]any{"bytes": src.Get("data").String()},
				})
			}
		case "tool_result", "tool_use", "thinking":
			// tool_result rides in userInputMessageContext; assistant-side
			// parts never appear in user messages.
		default:
			log.Debugf("ignoring content part of type %q", part.Get("type").String())
		}
	}
	out["content"] = strings.Join(text, "\n")
	if len(images) > 0 {
		out["images"] = images
	}
	return out
}

func assistantMessage(msg gjson.Result) map[string]any {
	out := map[string]any{}
	content := msg.Get("content")
	if content.Type == gjson.String {
		out["content"] = content.String()
		return out
	}

	var text []string
	var toolUses []map[string]any
	for _, part := range content.Array() {
		switch part.Get("type").String() {
		case "text":
			text = append(text, part.Get("text").String())
		case "tool_use":
			toolUses = append(toolUses, map[string]any{
				"toolUseId": part.Get("id").String(),
				"name":      part.Get("name").String(),
				"input":     part.Get("input").Value(),
			})
		case "thinking":
			// Reasoning is never replayed upstream.
		}
	}
	out["content"] = strings.Join(text, "\n")
	if len(toolUses) > 0 {
		out["toolUses"] = toolUses
	}
	return out
}

func toolResults(msg gjson.Result) []map[string]any {
	content := msg.Get("content")
	if content.Type != gjson.JSON {
		return nil
	}
	var results []map[string]any
	for _, part := range content.Array() {
		if part.Get("type").String() != "tool_result" {
			continue
		}
		status := "success"
		if part.Get("is_error").Bool() {
			status = "error"
		}
		results = append(results, map[string]any{
			"toolUseId": part.Get("tool_use_id").String(),
			"status":    status,
			"content":   []map[string]any{{"text": toolResultText(part.Get("content"))}},
		})
	}
	return results
}

func toolResultText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	var parts []string
	for _, el := range content.Array() {
		if text := el.Get("text").String(); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

// buildTools maps tool declarations to the upstream toolSpecification shape,
// dropping web search tools the upstream cannot execute.
func buildTools(tools gjson.Result) []map[string]any {
	var out []map[string]any
	for _, tool := range tools.Array() {
		name := tool.Get("name").String()
		if IsFilteredTool(name) {
			log.Debugf("filtering unsupported tool %q", name)
			continue
		}
		spec := map[string]any{
			"name":        name,
			"description": tool.Get("description").String(),
		}
		if schema := tool.Get("input_schema"); schema.Exists() {
			spec["inputSchema"] = map[string]any{"json": schema.Value()}
		}
		out = append(out, map[string]any{"toolSpecification": spec})
	}
	return out
}

// IsFilteredTool reports whether a tool name is dropped before forwarding.
func IsFilteredTool(name string) bool {
	lower := strings.ToLower(name)
	return lower == "web_search" || lower == "websearch"
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
