package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestPartContentRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		typ     PartType
		content PartContent
	}{
		{"text", PartText, TextContent{Text: "hello"}},
		{"reasoning", PartReasoning, ReasoningContent{Text: "thinking"}},
		{"tool call", PartToolCall, ToolCallContent{Name: "read_file", Args: json.RawMessage(`{"path":"main.go"}`)}},
		{"tool result", PartToolResult, ToolResultContent{Output: "ok", IsError: false}},
		{"error", PartError, ErrorContent{ErrorType: "provider", Message: "boom"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodePartContent(tt.content)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			decoded, err := DecodePartContent(tt.typ, data)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			reencoded, err := EncodePartContent(decoded)
			if err != nil {
				t.Fatalf("re-encode: %v", err)
			}
			if string(reencoded) != string(data) {
				t.Errorf("expected %s, got %s", data, reencoded)
			}
		})
	}
}

func TestDecodePartContentUnknownType(t *testing.T) {
	if _, err := DecodePartContent(PartType("bogus"), []byte(`{}`)); err == nil {
		t.Error("expected error for unknown part type")
	}
}

func TestMarkCompactedIsMonotone(t *testing.T) {
	p := &MessagePart{Type: PartToolResult}
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := first.Add(time.Hour)

	p.MarkCompacted(first)
	p.MarkCompacted(later)

	if !p.Compacted() {
		t.Fatal("expected part to be compacted")
	}
	if !p.CompactedAt.Equal(first) {
		t.Errorf("expected compactedAt to keep first timestamp %v, got %v", first, p.CompactedAt)
	}
}

func TestMessageStatusIsComplete(t *testing.T) {
	tests := []struct {
		status   MessageStatus
		expected bool
	}{
		{StatusComplete, true},
		{StatusDone, true},
		{StatusPending, false},
		{StatusError, false},
	}
	for _, tt := range tests {
		if got := tt.status.IsComplete(); got != tt.expected {
			t.Errorf("IsComplete(%q): expected %v, got %v", tt.status, tt.expected, got)
		}
	}
}
