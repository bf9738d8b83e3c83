package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyOverflowPatterns(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorKind
	}{
		{
			"anthropic prompt too long",
			&Error{Provider: "anthropic", Type: "invalid_request_error", Message: "Prompt is too long: 215000 tokens > 200000 maximum"},
			KindOverflow,
		},
		{
			"anthropic max_tokens overflow",
			&Error{Provider: "anthropic", Message: "input length and `max_tokens` exceed context limit"},
			KindOverflow,
		},
		{
			"openai code match",
			&Error{Provider: "openai", Code: "context_length_exceeded", Message: "something"},
			KindOverflow,
		},
		{
			"openai message match",
			&Error{Provider: "openai", Message: "This model's maximum context length is 128000 tokens"},
			KindOverflow,
		},
		{
			"anthropic invalid request without overflow message",
			&Error{Provider: "anthropic", Type: "invalid_request_error", Message: "max_tokens must be positive"},
			KindUnknown,
		},
		{
			"wrong provider for anthropic pattern",
			&Error{Provider: "openai", Type: "invalid_request_error", Message: "prompt is too long"},
			KindUnknown,
		},
		{
			"rate limit",
			&Error{Provider: "anthropic", Status: 429, Message: "rate limited"},
			KindRateLimit,
		},
		{
			"auth",
			&Error{Provider: "openai", Status: 401, Message: "invalid api key"},
			KindAuth,
		},
		{
			"unstructured overflow message",
			errors.New("upstream: context length exceeded"),
			KindOverflow,
		},
		{
			"unstructured error skips provider-tagged patterns",
			errors.New("input length and `max_tokens` exceed context limit"),
			KindUnknown,
		},
		{
			"unrecognized shape falls through",
			errors.New("some totally novel failure"),
			KindUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestClassifyAborted(t *testing.T) {
	wrapped := fmt.Errorf("stream read: %w", context.Canceled)
	if got := Classify(wrapped); got != KindAborted {
		t.Errorf("expected %v, got %v", KindAborted, got)
	}
}

func TestResolverResolve(t *testing.T) {
	fake := &fakeClient{name: "anthropic", models: []Model{
		{ID: "claude-sonnet-4-20250514", ContextWindow: 200000, MaxOutputTokens: 64000},
	}}
	r := NewResolver(fake)

	_, m, err := r.Resolve("anthropic", "claude-sonnet-4-20250514")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if m.ContextWindow != 200000 {
		t.Errorf("expected context window 200000, got %d", m.ContextWindow)
	}

	if _, _, err := r.Resolve("anthropic", "nope"); err == nil {
		t.Error("expected error for unknown model")
	}
	if _, _, err := r.Resolve("nope", "x"); err == nil {
		t.Error("expected error for unknown provider")
	}
}

type fakeClient struct {
	name   string
	models []Model
}

func (f *fakeClient) Name() string    { return f.name }
func (f *fakeClient) Models() []Model { return f.models }
func (f *fakeClient) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	ch := make(chan StreamEvent)
	close(ch)
	return ch, nil
}
