package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/haasonsaas/relay/pkg/models"
)

// Anthropic adapts the official Anthropic SDK to the Client interface.
// Each Stream call runs one model step; tool input arrives as granular
// start/delta/available events so callers can gate and preview calls before
// arguments are complete.
type Anthropic struct {
	client anthropic.Client
}

// AnthropicConfig configures the Anthropic client.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
}

// NewAnthropic creates an Anthropic-backed client.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{client: anthropic.NewClient(opts...)}, nil
}

// Name returns "anthropic".
func (p *Anthropic) Name() string { return "anthropic" }

// Models lists the Claude models this adapter serves.
func (p *Anthropic) Models() []Model {
	return []Model{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextWindow: 200000, MaxOutputTokens: 64000},
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextWindow: 200000, MaxOutputTokens: 32000},
		{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", ContextWindow: 200000, MaxOutputTokens: 8192},
	}
}

// Stream runs one step against the Messages API and translates the SSE event
// stream into the StreamEvent union.
func (p *Anthropic) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		stream := p.client.Messages.NewStreaming(ctx, params)
		p.processStream(ctx, stream, req.Model, events)
	}()
	return events, nil
}

func (p *Anthropic) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	if req.ReasoningBudget > 0 {
		budget := int64(req.ReasoningBudget)
		if budget < 1024 {
			budget = 1024
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}
	return params, nil
}

func (p *Anthropic) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], model string, events chan<- StreamEvent) {
	var usage models.TokenUsage
	var stopReason string
	var openTool *ToolInputEvent
	var toolArgs strings.Builder
	inReasoning := false

	emit := func(e StreamEvent) bool {
		select {
		case events <- e:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.InputTokens = start.Message.Usage.InputTokens
			usage.CacheReadTokens = start.Message.Usage.CacheReadInputTokens

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "thinking":
				inReasoning = true
				if !emit(StreamEvent{Kind: EventReasoningStart}) {
					return
				}
			case "tool_use":
				toolUse := block.AsToolUse()
				openTool = &ToolInputEvent{CallID: toolUse.ID, Name: toolUse.Name}
				toolArgs.Reset()
				if !emit(StreamEvent{Kind: EventToolInputStart, Tool: &ToolInputEvent{CallID: toolUse.ID, Name: toolUse.Name}}) {
					return
				}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" && !emit(StreamEvent{Kind: EventTextDelta, Text: delta.Text}) {
					return
				}
			case "thinking_delta":
				if delta.Thinking != "" && !emit(StreamEvent{Kind: EventReasoningDelta, Text: delta.Thinking}) {
					return
				}
			case "input_json_delta":
				if delta.PartialJSON != "" && openTool != nil {
					toolArgs.WriteString(delta.PartialJSON)
					ev := StreamEvent{Kind: EventToolInputDelta, Tool: &ToolInputEvent{
						CallID: openTool.CallID,
						Name:   openTool.Name,
						Delta:  delta.PartialJSON,
					}}
					if !emit(ev) {
						return
					}
				}
			}

		case "content_block_stop":
			if inReasoning {
				inReasoning = false
				if !emit(StreamEvent{Kind: EventReasoningEnd}) {
					return
				}
			} else if openTool != nil {
				args := toolArgs.String()
				if args == "" {
					args = "{}"
				}
				ev := StreamEvent{Kind: EventToolInputAvailable, Tool: &ToolInputEvent{
					CallID: openTool.CallID,
					Name:   openTool.Name,
					Args:   json.RawMessage(args),
				}}
				openTool = nil
				if !emit(ev) {
					return
				}
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.OutputTokens = delta.Usage.OutputTokens
			}
			if delta.Delta.StopReason != "" {
				stopReason = string(delta.Delta.StopReason)
			}

		case "message_stop":
			emit(StreamEvent{Kind: EventStepFinish, Usage: usage, StopReason: stopReason})
			return
		}
	}

	if err := stream.Err(); err != nil {
		emit(StreamEvent{Kind: EventStreamError, Err: p.wrapError(err, model)})
		return
	}
	// Stream ended without message_stop; treat the step as finished with
	// whatever usage was observed.
	emit(StreamEvent{Kind: EventStepFinish, Usage: usage, StopReason: stopReason})
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *Anthropic) wrapError(err error, model string) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	perr := &Error{Provider: "anthropic", Model: model, Cause: err}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		perr.Status = apiErr.StatusCode
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				perr.Type = payload.Error.Type
				perr.Code = payload.Error.Type
				perr.Message = payload.Error.Message
			}
		}
	}
	if perr.Message == "" {
		perr.Message = err.Error()
	}
	return perr
}

func convertAnthropicMessages(messages []Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		// System content travels in params.System, never as a message.
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, att := range msg.Attachments {
			if block := anthropicAttachmentBlock(att); block != nil {
				content = append(content, *block)
			}
		}
		for _, res := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(res.CallID, res.Output, res.IsError))
		}
		for _, call := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(call.Args, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input for %s: %w", call.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			// User and tool roles both map to user messages.
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func anthropicAttachmentBlock(att Attachment) *anthropic.ContentBlockParamUnion {
	if att.Text != "" {
		block := anthropic.NewTextBlock(att.Text)
		return &block
	}
	if !strings.HasPrefix(att.MediaType, "image/") || len(att.Data) == 0 {
		return nil
	}
	block := anthropic.NewImageBlockBase64(att.MediaType, string(att.Data))
	return &block
}

func convertAnthropicTools(tools []ToolDef) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}
