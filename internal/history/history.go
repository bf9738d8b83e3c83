// Package history rebuilds the ordered provider message list for the next
// model call from the durable session transcript.
package history

import (
	"context"
	"fmt"

	"github.com/haasonsaas/relay/internal/provider"
	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/internal/tooling"
	"github.com/haasonsaas/relay/pkg/models"
)

// InterruptedResultText is the synthesized output paired with a tool call
// whose execution never produced a result. Provider APIs require every
// tool-call block to carry a paired result in original order, so an
// interrupted call is replaced rather than omitted.
const InterruptedResultText = "Tool execution was interrupted before a result was recorded."

// Builder converts stored messages and parts into provider-ready history.
type Builder struct {
	store store.Store
}

// NewBuilder creates a history builder over the given store.
func NewBuilder(st store.Store) *Builder {
	return &Builder{store: st}
}

// Build returns the provider message list for a session, excluding the
// message identified by excludeMessageID (the assistant message currently
// being generated).
func (b *Builder) Build(ctx context.Context, sessionID, excludeMessageID string) ([]provider.Message, error) {
	messages, err := b.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	var result []provider.Message
	for _, msg := range messages {
		if msg.ID == excludeMessageID {
			continue
		}
		// An in-progress or failed assistant message is skipped entirely,
		// never partially included.
		if msg.Role == models.RoleAssistant && !msg.Status.IsComplete() {
			continue
		}

		parts, err := b.store.ListParts(ctx, msg.ID)
		if err != nil {
			return nil, fmt.Errorf("list parts for %s: %w", msg.ID, err)
		}

		var converted []provider.Message
		switch msg.Role {
		case models.RoleUser:
			converted = convertUserParts(parts)
		case models.RoleAssistant:
			converted = convertAssistantParts(parts)
		default:
			continue
		}
		result = append(result, converted...)
	}
	return result, nil
}

func convertUserParts(parts []*models.MessagePart) []provider.Message {
	msg := provider.Message{Role: "user"}
	for _, part := range parts {
		if part.Compacted() {
			continue
		}
		switch content := part.Content.(type) {
		case models.TextContent:
			if msg.Content != "" {
				msg.Content += "\n"
			}
			msg.Content += content.Text
		case models.ImageContent:
			msg.Attachments = append(msg.Attachments, provider.Attachment{
				MediaType: content.MediaType,
				Data:      content.Data,
			})
		case models.FileContent:
			if content.Text != "" {
				msg.Attachments = append(msg.Attachments, provider.Attachment{
					Filename: content.Filename,
					Text:     content.Text,
				})
			} else {
				msg.Attachments = append(msg.Attachments, provider.Attachment{
					Filename:  content.Filename,
					MediaType: content.MediaType,
					Data:      content.Data,
				})
			}
		}
	}
	if msg.Content == "" && len(msg.Attachments) == 0 {
		return nil
	}
	return []provider.Message{msg}
}

// convertAssistantParts rebuilds the assistant's steps. Text and tool calls
// group onto assistant messages; each batch of tool results follows as a tool
// message, preserving original order.
func convertAssistantParts(parts []*models.MessagePart) []provider.Message {
	results := make(map[string]*models.ToolResultContent)
	for _, part := range parts {
		if part.Type != models.PartToolResult || part.Compacted() {
			continue
		}
		if content, ok := part.Content.(models.ToolResultContent); ok {
			results[part.ToolCallID] = &content
		}
	}

	var out []provider.Message
	var current *provider.Message
	var pendingResults []provider.ToolResult

	flush := func() {
		if current != nil && (current.Content != "" || len(current.ToolCalls) > 0) {
			out = append(out, *current)
			if len(pendingResults) > 0 {
				out = append(out, provider.Message{Role: "tool", ToolResults: pendingResults})
			}
		}
		current = nil
		pendingResults = nil
	}
	ensure := func() *provider.Message {
		if current == nil {
			current = &provider.Message{Role: "assistant"}
		}
		return current
	}

	lastStep := -1
	for _, part := range parts {
		if part.Compacted() {
			continue
		}
		if part.StepIndex != lastStep {
			flush()
			lastStep = part.StepIndex
		}
		switch content := part.Content.(type) {
		case models.TextContent:
			msg := ensure()
			if msg.Content != "" {
				msg.Content += "\n"
			}
			msg.Content += content.Text
		case models.ReasoningContent:
			// Reasoning is UI-only and never replayed.
		case models.ToolCallContent:
			// The finish tool is loop control, not content.
			if part.ToolName == tooling.ToolFinish {
				continue
			}
			msg := ensure()
			msg.ToolCalls = append(msg.ToolCalls, provider.ToolCall{
				ID:   part.ToolCallID,
				Name: content.Name,
				Args: content.Args,
			})
			if res, ok := results[part.ToolCallID]; ok {
				pendingResults = append(pendingResults, provider.ToolResult{
					CallID:  part.ToolCallID,
					Output:  res.Output,
					IsError: res.IsError,
				})
			} else {
				pendingResults = append(pendingResults, provider.ToolResult{
					CallID:  part.ToolCallID,
					Output:  InterruptedResultText,
					IsError: true,
				})
			}
		}
	}
	flush()
	return out
}
