// Package assistant runs the external coding assistant as a subprocess and
// turns its NDJSON event stream into persisted conversation turns.
package assistant

import (
	"encoding/json"
	"strings"
)

// Event types emitted by the assistant CLI
const (
	EventTypeSystem     = "system"
	EventTypeAssistant  = "assistant"
	EventTypeUser       = "user"
	EventTypeToolUse    = "tool_use"
	EventTypeToolResult = "tool_result"
	EventTypeResult     = "result"

	// SubtypeInit is the first record of a fresh session and carries the
	// assistant's session identifier
	SubtypeInit = "init"
)

// ContentBlock is one block inside an assistant message payload
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// MessagePayload is the nested message object on assistant/user records
type MessagePayload struct {
	Content []ContentBlock `json:"content,omitempty"`
}

// UsagePayload is the token tally attached to assistant and result records
type UsagePayload struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// Event is one parsed NDJSON record from the assistant stream. Unknown
// fields are tolerated and unknown types are ignored by consumers.
type Event struct {
	Type         string          `json:"type"`
	Subtype      string          `json:"subtype,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
	Text         string          `json:"text,omitempty"`
	Message      *MessagePayload `json:"message,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	ToolInput    json.RawMessage `json:"tool_input,omitempty"`
	ToolResult   string          `json:"tool_result,omitempty"`
	Result       string          `json:"result,omitempty"`
	Usage        *UsagePayload   `json:"usage,omitempty"`
	DurationMs   int64           `json:"duration_ms,omitempty"`
	TotalCostUSD float64         `json:"total_cost_usd,omitempty"`

	// Raw preserves the original line for the stream capture log
	Raw json.RawMessage `json:"-"`
}

// TextContent returns the record's textual payload: the flat text field if
// present, otherwise the concatenated text blocks of the nested message
func (e *Event) TextContent() string {
	if e.Text != "" {
		return e.Text
	}
	if e.Message == nil {
		return ""
	}
	var sb strings.Builder
	for _, block := range e.Message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// IsInit reports whether the record is the session-opening system record
func (e *Event) IsInit() bool {
	return e.Type == EventTypeSystem && e.Subtype == SubtypeInit
}
