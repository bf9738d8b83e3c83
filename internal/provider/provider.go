// Package provider defines the streaming model-call boundary. The runtime
// consumes providers through the Client interface and a closed StreamEvent
// union; the SDK adapters in this package translate vendor streams into that
// union and never reimplement wire protocols themselves.
package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/relay/pkg/models"
)

// StreamEventKind discriminates the events a model stream can emit.
type StreamEventKind string

const (
	EventTextDelta          StreamEventKind = "text_delta"
	EventReasoningStart     StreamEventKind = "reasoning_start"
	EventReasoningDelta     StreamEventKind = "reasoning_delta"
	EventReasoningEnd       StreamEventKind = "reasoning_end"
	EventToolInputStart     StreamEventKind = "tool_input_start"
	EventToolInputDelta     StreamEventKind = "tool_input_delta"
	EventToolInputAvailable StreamEventKind = "tool_input_available"
	EventStepFinish         StreamEventKind = "step_finish"
	EventStreamError        StreamEventKind = "error"
)

// StreamEvent is one element of a model stream. Exactly one payload field is
// meaningful for a given Kind. A well-formed stream ends with either a
// StepFinish or an Error event; the channel is closed afterwards.
type StreamEvent struct {
	Kind StreamEventKind

	// Text is the fragment for text_delta and reasoning_delta events.
	Text string

	// Tool carries the call lifecycle payload for tool_input_* events.
	Tool *ToolInputEvent

	// Usage is the per-step token delta reported on step_finish. Always
	// additive; never a cumulative total.
	Usage models.TokenUsage

	// StopReason is set on step_finish ("end_turn", "tool_use", ...).
	StopReason string

	// Err is set for error events.
	Err error
}

// ToolInputEvent is the payload for tool call input lifecycle events.
// For tool_input_delta, Delta holds the raw partial-argument fragment; for
// tool_input_available, Args holds the fully parsed arguments.
type ToolInputEvent struct {
	CallID string
	Name   string
	Delta  string
	Args   json.RawMessage
}

// Request is one model call. Messages are the provider-ready history produced
// by the history builder.
type Request struct {
	Model           string
	System          string
	Messages        []Message
	Tools           []ToolDef
	MaxOutputTokens int

	// ReasoningBudget enables extended reasoning with the given token
	// budget. The budget counts against MaxOutputTokens and must stay
	// below it; the executor clamps it before building the request.
	ReasoningBudget int
}

// Message is a provider-ready history entry.
type Message struct {
	Role        string
	Content     string
	Attachments []Attachment
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// Attachment is an inlined user attachment. Binary attachments carry Data and
// MediaType; text attachments carry Text.
type Attachment struct {
	Filename  string
	MediaType string
	Data      []byte
	Text      string
}

// ToolCall is a completed tool invocation request replayed in history.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// ToolResult is the paired result block for a tool call.
type ToolResult struct {
	CallID  string
	Output  string
	IsError bool
}

// ToolDef describes a tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Model describes one model a client can serve.
type Model struct {
	ID   string
	Name string

	// ContextWindow and MaxOutputTokens bound the compaction engine's
	// overflow predicate and the executor's output ceiling.
	ContextWindow   int
	MaxOutputTokens int
}

// Client is an invocable streaming model client for one provider.
type Client interface {
	// Name returns the stable lowercase provider identifier.
	Name() string

	// Models lists the models this client serves.
	Models() []Model

	// Stream runs one model step. The returned channel is closed when the
	// step completes or fails; cancelling ctx unwinds the stream read.
	Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error)
}

// Resolver maps (provider, model) pairs to a client and model metadata.
type Resolver struct {
	clients map[string]Client
}

// NewResolver creates a resolver over the given clients.
func NewResolver(clients ...Client) *Resolver {
	r := &Resolver{clients: make(map[string]Client, len(clients))}
	for _, c := range clients {
		if c != nil {
			r.clients[c.Name()] = c
		}
	}
	return r
}

// Register adds or replaces a client.
func (r *Resolver) Register(c Client) {
	r.clients[c.Name()] = c
}

// Resolve returns the client and model metadata for a (provider, model) pair.
func (r *Resolver) Resolve(providerName, modelID string) (Client, Model, error) {
	c, ok := r.clients[providerName]
	if !ok {
		return nil, Model{}, fmt.Errorf("unknown provider %q", providerName)
	}
	for _, m := range c.Models() {
		if m.ID == modelID {
			return c, m, nil
		}
	}
	return nil, Model{}, fmt.Errorf("provider %q does not serve model %q", providerName, modelID)
}
