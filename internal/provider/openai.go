package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/haasonsaas/relay/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAI adapts the go-openai chat completion stream to the Client interface.
type OpenAI struct {
	client *openai.Client
}

// OpenAIConfig configures the OpenAI client.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

// NewOpenAI creates an OpenAI-backed client.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(clientCfg)}, nil
}

// Name returns "openai".
func (p *OpenAI) Name() string { return "openai" }

// Models lists the models this adapter serves.
func (p *OpenAI) Models() []Model {
	return []Model{
		{ID: "gpt-4o", Name: "GPT-4o", ContextWindow: 128000, MaxOutputTokens: 16384},
		{ID: "gpt-4o-mini", Name: "GPT-4o Mini", ContextWindow: 128000, MaxOutputTokens: 16384},
		{ID: "o3-mini", Name: "o3 Mini", ContextWindow: 200000, MaxOutputTokens: 100000},
	}
}

// Stream runs one chat completion step and translates the chunk stream into
// the StreamEvent union. OpenAI delivers tool call arguments as indexed
// fragments; they are surfaced as tool_input_delta events and finalized when
// the stream ends.
func (p *OpenAI) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:         req.Model,
		Messages:      convertOpenAIMessages(req.Messages, req.System),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxOutputTokens > 0 {
		chatReq.MaxCompletionTokens = req.MaxOutputTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(err, req.Model)
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		defer stream.Close()
		p.processStream(ctx, stream, req.Model, events)
	}()
	return events, nil
}

// openToolCall accumulates one indexed tool call across chunks.
type openToolCall struct {
	id      string
	name    string
	args    strings.Builder
	started bool
}

func (p *OpenAI) processStream(ctx context.Context, stream *openai.ChatCompletionStream, model string, events chan<- StreamEvent) {
	var usage models.TokenUsage
	var stopReason string
	toolCalls := make(map[int]*openToolCall)
	toolOrder := []int{}
	inReasoning := false

	emit := func(e StreamEvent) bool {
		select {
		case events <- e:
			return true
		case <-ctx.Done():
			return false
		}
	}

	finishTools := func() bool {
		for _, idx := range toolOrder {
			tc := toolCalls[idx]
			if tc.id == "" || tc.name == "" {
				continue
			}
			args := tc.args.String()
			if args == "" {
				args = "{}"
			}
			ev := StreamEvent{Kind: EventToolInputAvailable, Tool: &ToolInputEvent{
				CallID: tc.id,
				Name:   tc.name,
				Args:   json.RawMessage(args),
			}}
			if !emit(ev) {
				return false
			}
		}
		toolCalls = make(map[int]*openToolCall)
		toolOrder = toolOrder[:0]
		return true
	}

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !finishTools() {
					return
				}
				if inReasoning {
					if !emit(StreamEvent{Kind: EventReasoningEnd}) {
						return
					}
				}
				emit(StreamEvent{Kind: EventStepFinish, Usage: usage, StopReason: stopReason})
				return
			}
			emit(StreamEvent{Kind: EventStreamError, Err: p.wrapError(err, model)})
			return
		}

		// Usage arrives on a trailing chunk with no choices when
		// IncludeUsage is set.
		if response.Usage != nil {
			usage.InputTokens = int64(response.Usage.PromptTokens)
			usage.OutputTokens = int64(response.Usage.CompletionTokens)
			if response.Usage.PromptTokensDetails != nil {
				usage.CacheReadTokens = int64(response.Usage.PromptTokensDetails.CachedTokens)
			}
			if response.Usage.CompletionTokensDetails != nil {
				usage.ReasoningTokens = int64(response.Usage.CompletionTokensDetails.ReasoningTokens)
			}
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		if choice.FinishReason != "" {
			stopReason = string(choice.FinishReason)
		}
		delta := choice.Delta

		if delta.ReasoningContent != "" {
			if !inReasoning {
				inReasoning = true
				if !emit(StreamEvent{Kind: EventReasoningStart}) {
					return
				}
			}
			if !emit(StreamEvent{Kind: EventReasoningDelta, Text: delta.ReasoningContent}) {
				return
			}
		}

		if delta.Content != "" {
			if inReasoning {
				inReasoning = false
				if !emit(StreamEvent{Kind: EventReasoningEnd}) {
					return
				}
			}
			if !emit(StreamEvent{Kind: EventTextDelta, Text: delta.Content}) {
				return
			}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call := toolCalls[index]
			if call == nil {
				call = &openToolCall{}
				toolCalls[index] = call
				toolOrder = append(toolOrder, index)
			}
			if tc.ID != "" {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
			}
			if !call.started && call.id != "" && call.name != "" {
				call.started = true
				if !emit(StreamEvent{Kind: EventToolInputStart, Tool: &ToolInputEvent{CallID: call.id, Name: call.name}}) {
					return
				}
			}
			if tc.Function.Arguments != "" {
				call.args.WriteString(tc.Function.Arguments)
				if call.started {
					ev := StreamEvent{Kind: EventToolInputDelta, Tool: &ToolInputEvent{
						CallID: call.id,
						Name:   call.name,
						Delta:  tc.Function.Arguments,
					}}
					if !emit(ev) {
						return
					}
				}
			}
		}
	}
}

func (p *OpenAI) wrapError(err error, model string) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	perr := &Error{Provider: "openai", Model: model, Cause: err}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		perr.Status = apiErr.HTTPStatusCode
		perr.Type = apiErr.Type
		perr.Message = apiErr.Message
		if code, ok := apiErr.Code.(string); ok {
			perr.Code = code
		}
	}
	if perr.Message == "" {
		perr.Message = err.Error()
	}
	return perr
}

func convertOpenAIMessages(messages []Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}
		// Tool results are standalone "tool" role messages in the chat
		// completion format.
		if msg.Role == "tool" || (msg.Content == "" && len(msg.ToolCalls) == 0 && len(msg.Attachments) == 0 && len(msg.ToolResults) > 0) {
			for _, res := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    res.Output,
					ToolCallID: res.CallID,
				})
			}
			continue
		}

		oaiMsg := openai.ChatCompletionMessage{Role: msg.Role}

		if len(msg.Attachments) > 0 && msg.Role == "user" {
			parts := make([]openai.ChatMessagePart, 0, len(msg.Attachments)+1)
			if msg.Content != "" {
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: msg.Content,
				})
			}
			for _, att := range msg.Attachments {
				if att.Text != "" {
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: att.Text,
					})
					continue
				}
				if strings.HasPrefix(att.MediaType, "image/") && len(att.Data) > 0 {
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    fmt.Sprintf("data:%s;base64,%s", att.MediaType, base64.StdEncoding.EncodeToString(att.Data)),
							Detail: openai.ImageURLDetailAuto,
						},
					})
				}
			}
			oaiMsg.MultiContent = parts
		} else {
			oaiMsg.Content = msg.Content
		}

		if len(msg.ToolCalls) > 0 {
			oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
			for i, call := range msg.ToolCalls {
				oaiMsg.ToolCalls[i] = openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Args),
					},
				}
			}
		}
		result = append(result, oaiMsg)

		// OpenAI replays tool results as separate "tool" role messages
		// keyed by the call ID.
		for _, res := range msg.ToolResults {
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    res.Output,
				ToolCallID: res.CallID,
			})
		}
	}
	return result
}

func convertOpenAITools(tools []ToolDef) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Schema,
			},
		}
	}
	return result
}
