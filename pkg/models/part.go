package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// PartType identifies the kind of content a MessagePart carries.
type PartType string

const (
	PartText       PartType = "text"
	PartReasoning  PartType = "reasoning"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
	PartImage      PartType = "image"
	PartFile       PartType = "file"
	PartError      PartType = "error"
)

// MessagePart is an ordered, typed fragment of a message's content.
//
// Index is unique and strictly increasing per message regardless of which
// event source produced the part; the executor owns index allocation.
// CompactedAt is monotone: once set it is never cleared. Compacted parts
// remain readable from storage but are skipped by the history builder.
type MessagePart struct {
	ID        string   `json:"id"`
	MessageID string   `json:"message_id"`
	Index     int      `json:"index"`
	StepIndex int      `json:"step_index"`
	Type      PartType `json:"type"`

	// Content is the typed payload for this part. It is serialized to bytes
	// only at the storage boundary via EncodePartContent.
	Content PartContent `json:"content"`

	// Tool correlation fields, set for tool_call and tool_result parts.
	ToolName       string `json:"tool_name,omitempty"`
	ToolCallID     string `json:"tool_call_id,omitempty"`
	ToolDurationMs int64  `json:"tool_duration_ms,omitempty"`

	StartedAt   time.Time  `json:"started_at,omitzero"`
	CompletedAt time.Time  `json:"completed_at,omitzero"`
	CompactedAt *time.Time `json:"compacted_at,omitempty"`
}

// Compacted reports whether the part has been marked compacted.
func (p *MessagePart) Compacted() bool {
	return p.CompactedAt != nil
}

// MarkCompacted sets CompactedAt if it is not already set. The flag is
// one-way; repeated calls keep the earliest timestamp.
func (p *MessagePart) MarkCompacted(at time.Time) {
	if p.CompactedAt == nil {
		t := at
		p.CompactedAt = &t
	}
}

// PartContent is the closed set of payload types a MessagePart can carry,
// one schema per part type.
type PartContent interface {
	partContent()
}

// TextContent is the payload of a text part. Text accumulates delta by delta
// while the part is open and is re-persisted in full after each append.
type TextContent struct {
	Text string `json:"text"`
}

// ReasoningContent is the payload of a reasoning part. Reasoning is UI-only
// and never replayed to the model.
type ReasoningContent struct {
	Text string `json:"text"`
}

// ToolCallContent is the payload of a tool_call part, persisted once the
// call's arguments are fully available.
type ToolCallContent struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolResultContent is the payload of a tool_result part. Execution failures
// are normalized into IsError results rather than thrown, so the model can
// react on the next step.
type ToolResultContent struct {
	Output  string `json:"output"`
	IsError bool   `json:"is_error,omitempty"`
}

// ImageContent is an inline image attachment on a user message.
type ImageContent struct {
	MediaType string `json:"media_type"`
	Data      []byte `json:"data"`
}

// FileContent is an inline file attachment. Text attachments carry their
// content in Text; binary attachments in Data.
type FileContent struct {
	Filename  string `json:"filename,omitempty"`
	MediaType string `json:"media_type"`
	Data      []byte `json:"data,omitempty"`
	Text      string `json:"text,omitempty"`
}

// ErrorContent is the payload of an error part persisted when a turn fails.
type ErrorContent struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

func (TextContent) partContent()       {}
func (ReasoningContent) partContent()  {}
func (ToolCallContent) partContent()   {}
func (ToolResultContent) partContent() {}
func (ImageContent) partContent()      {}
func (FileContent) partContent()       {}
func (ErrorContent) partContent()      {}

// EncodePartContent serializes a part payload for storage.
func EncodePartContent(c PartContent) ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c)
}

// DecodePartContent deserializes a stored payload according to the part type.
// The switch is exhaustive over PartType; unknown types are an error.
func DecodePartContent(t PartType, data []byte) (PartContent, error) {
	if len(data) == 0 {
		data = []byte("{}")
	}
	switch t {
	case PartText:
		var c TextContent
		return c, json.Unmarshal(data, &c)
	case PartReasoning:
		var c ReasoningContent
		return c, json.Unmarshal(data, &c)
	case PartToolCall:
		var c ToolCallContent
		return c, json.Unmarshal(data, &c)
	case PartToolResult:
		var c ToolResultContent
		return c, json.Unmarshal(data, &c)
	case PartImage:
		var c ImageContent
		return c, json.Unmarshal(data, &c)
	case PartFile:
		var c FileContent
		return c, json.Unmarshal(data, &c)
	case PartError:
		var c ErrorContent
		return c, json.Unmarshal(data, &c)
	default:
		return nil, fmt.Errorf("unknown part type %q", t)
	}
}

// TextOf returns the textual content of a part, or "" for non-text payloads.
func TextOf(p *MessagePart) string {
	switch c := p.Content.(type) {
	case TextContent:
		return c.Text
	case ReasoningContent:
		return c.Text
	case ToolResultContent:
		return c.Output
	case FileContent:
		return c.Text
	default:
		return ""
	}
}
