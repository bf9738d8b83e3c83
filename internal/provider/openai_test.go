package provider

import (
	"encoding/json"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func TestConvertOpenAIMessages(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "on it", ToolCalls: []ToolCall{
			{ID: "call_1", Name: "run_command", Args: json.RawMessage(`{"command":"ls"}`)},
		}},
		{Role: "tool", ToolResults: []ToolResult{
			{CallID: "call_1", Output: "main.go"},
		}},
	}

	result := convertOpenAIMessages(messages, "be brief")
	if len(result) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(result))
	}
	if result[0].Role != openai.ChatMessageRoleSystem || result[0].Content != "be brief" {
		t.Errorf("expected system prompt first, got %+v", result[0])
	}
	if len(result[2].ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call on assistant message, got %d", len(result[2].ToolCalls))
	}
	if result[2].ToolCalls[0].Function.Name != "run_command" {
		t.Errorf("expected run_command, got %s", result[2].ToolCalls[0].Function.Name)
	}
	if result[3].Role != openai.ChatMessageRoleTool || result[3].ToolCallID != "call_1" {
		t.Errorf("expected tool result message for call_1, got %+v", result[3])
	}
}

func TestConvertOpenAIMessagesImageAttachment(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: "what is this", Attachments: []Attachment{
			{Filename: "shot.png", MediaType: "image/png", Data: []byte{0x89, 0x50}},
		}},
	}
	result := convertOpenAIMessages(messages, "")
	if len(result) != 1 {
		t.Fatalf("expected 1 message, got %d", len(result))
	}
	if len(result[0].MultiContent) != 2 {
		t.Fatalf("expected text + image parts, got %d", len(result[0].MultiContent))
	}
	if result[0].MultiContent[1].Type != openai.ChatMessagePartTypeImageURL {
		t.Errorf("expected image part, got %s", result[0].MultiContent[1].Type)
	}
}

func TestConvertOpenAITools(t *testing.T) {
	tools := []ToolDef{
		{Name: "finish", Description: "Mark the turn complete", Schema: json.RawMessage(`{"type":"object"}`)},
	}
	result := convertOpenAITools(tools)
	if len(result) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(result))
	}
	if result[0].Function.Name != "finish" {
		t.Errorf("expected finish, got %s", result[0].Function.Name)
	}
}

func TestOpenAIWrapError(t *testing.T) {
	p, err := NewOpenAI(OpenAIConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	apiErr := &openai.APIError{
		HTTPStatusCode: 400,
		Code:           "context_length_exceeded",
		Type:           "invalid_request_error",
		Message:        "this model's maximum context length is 128000 tokens",
	}
	wrapped := p.wrapError(apiErr, "gpt-4o")

	var perr *Error
	if !errors.As(wrapped, &perr) {
		t.Fatalf("expected *Error, got %T", wrapped)
	}
	if perr.Code != "context_length_exceeded" {
		t.Errorf("expected code context_length_exceeded, got %q", perr.Code)
	}
	if Classify(wrapped) != KindOverflow {
		t.Errorf("expected overflow classification, got %v", Classify(wrapped))
	}
}
