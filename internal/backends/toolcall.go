package backends

import (
	"strings"

	"github.com/goccy/go-json"
)

// ToolEventKind tags a parsed line of agent output.
type ToolEventKind string

const (
	ToolUse    ToolEventKind = "tool_use"
	ToolResult ToolEventKind = "tool_result"
	ToolText   ToolEventKind = "text"
	ToolFinal  ToolEventKind = "result"
)

// ToolEvent is one recognized item of agent stream output.
type ToolEvent struct {
	Kind      ToolEventKind  `json:"kind"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	Text      string         `json:"text,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	CostUSD   float64        `json:"cost_usd,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}

type streamLine struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	Text      string          `json:"text"`
	Result    string          `json:"result"`
	IsError   bool            `json:"is_error"`
	CostUSD   float64         `json:"total_cost_usd"`
	SessionID string          `json:"session_id"`
	Message   *struct {
		Content []streamLine `json:"content"`
	} `json:"message"`
}

// ParseToolOutput decodes one stdout line. Lines that are not JSON objects
// or carry an unknown type yield no events.
func ParseToolOutput(line string) []ToolEvent {
	line = strings.TrimSpace(line)
	if line == "" || line[0] != '{' {
		return nil
	}
	var sl streamLine
	if err := json.Unmarshal([]byte(line), &sl); err != nil {
		return nil
	}
	return sl.events()
}

func (sl *streamLine) events() []ToolEvent {
	switch sl.Type {
	case "tool_use":
		return []ToolEvent{{Kind: ToolUse, ID: sl.ID, Name: sl.Name, Input: sl.Input}}
	case "tool_result":
		return []ToolEvent{{Kind: ToolResult, ID: sl.ToolUseID, Text: contentText(sl.Content), IsError: sl.IsError}}
	case "text":
		if sl.Text == "" {
			return nil
		}
		return []ToolEvent{{Kind: ToolText, Text: sl.Text}}
	case "result":
		return []ToolEvent{{Kind: ToolFinal, Text: sl.Result, IsError: sl.IsError, CostUSD: sl.CostUSD, SessionID: sl.SessionID}}
	case "assistant", "user":
		if sl.Message == nil {
			return nil
		}
		var out []ToolEvent
		for i := range sl.Message.Content {
			out = append(out, sl.Message.Content[i].events()...)
		}
		return out
	default:
		return nil
	}
}

// contentText flattens a tool_result content field, which is either a
// string or a list of text blocks.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" || b.Type == "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
