package domain

import (
	"bytes"
	"encoding/json"
)

const (
	ContentText       = "text"
	ContentReasoning  = "reasoning"
	ContentToolCall   = "tool-call"
	ContentToolResult = "tool-result"

	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// MessageContent is one item of a message's content list.
type MessageContent struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
}

type Message struct {
	Role    string           `json:"role"`
	Content []MessageContent `json:"content"`
}

// UnmarshalJSON accepts content either as a list of items or as a plain string.
func (m *Message) UnmarshalJSON(b []byte) error {
	var raw struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Content = nil
	c := bytes.TrimSpace(raw.Content)
	if len(c) == 0 || bytes.Equal(c, []byte("null")) {
		return nil
	}
	if c[0] == '"' {
		var s string
		if err := json.Unmarshal(c, &s); err != nil {
			return err
		}
		m.Content = []MessageContent{{Type: ContentText, Text: s}}
		return nil
	}
	return json.Unmarshal(c, &m.Content)
}

type TimelineKind string

const (
	TimelineText       TimelineKind = "text"
	TimelineToolCall   TimelineKind = "tool-call"
	TimelineToolResult TimelineKind = "tool-result"
)

type TimelineItem struct {
	Kind         TimelineKind    `json:"type"`
	Text         string          `json:"text,omitempty"`
	ContentType  string          `json:"contentType,omitempty"`
	ToolCallID   string          `json:"toolCallId,omitempty"`
	ToolName     string          `json:"toolName,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	MessageIndex int             `json:"messageIndex"`
}

// BuildTimeline projects the message log into timeline items. Assistant and
// tool messages each advance the message index; other roles are skipped.
func BuildTimeline(messages []Message) []TimelineItem {
	var items []TimelineItem
	idx := 0
	for _, m := range messages {
		switch m.Role {
		case RoleAssistant:
			for _, c := range m.Content {
				switch c.Type {
				case ContentText, ContentReasoning:
					if c.Text != "" {
						items = append(items, TimelineItem{Kind: TimelineText, Text: c.Text, ContentType: c.Type, MessageIndex: idx})
					}
				case ContentToolCall:
					if c.ToolCallID != "" && c.ToolName != "" {
						items = append(items, TimelineItem{Kind: TimelineToolCall, ToolCallID: c.ToolCallID, ToolName: c.ToolName, Input: c.Input, MessageIndex: idx})
					}
				}
			}
			idx++
		case RoleTool:
			for _, c := range m.Content {
				if c.Type == ContentToolResult && c.ToolCallID != "" {
					items = append(items, TimelineItem{Kind: TimelineToolResult, ToolCallID: c.ToolCallID, Output: c.Output, MessageIndex: idx})
				}
			}
			idx++
		}
	}
	return items
}

// AppendAssistantContent appends item to the last assistant message, opening a
// new one when none exists. The input slice is not modified.
func AppendAssistantContent(messages []Message, item MessageContent) []Message {
	out := CloneMessages(messages)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role == RoleAssistant {
			out[i].Content = append(out[i].Content, item)
			return out
		}
	}
	return append(out, Message{Role: RoleAssistant, Content: []MessageContent{item}})
}

func CloneMessages(messages []Message) []Message {
	if messages == nil {
		return nil
	}
	out := make([]Message, len(messages))
	for i, m := range messages {
		out[i] = Message{Role: m.Role, Content: append([]MessageContent(nil), m.Content...)}
	}
	return out
}

// CountContent returns the number of content items across messages with role.
func CountContent(messages []Message, role string) int {
	n := 0
	for _, m := range messages {
		if m.Role == role {
			n += len(m.Content)
		}
	}
	return n
}
