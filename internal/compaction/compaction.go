// Package compaction keeps a session's transcript inside its model's context
// window. It implements cheap token estimation, the overflow predicate,
// passive pruning of old tool results, and active model-driven summarization.
package compaction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/internal/provider"
	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/pkg/models"
)

const (
	// CharsPerToken is the approximate character-to-token ratio used for
	// threshold decisions. Never exact; never used for billing.
	CharsPerToken = 4

	// DefaultProtectTokens is the budget of recent tool-result tokens kept
	// verbatim before passive pruning starts marking older excess.
	DefaultProtectTokens = 40000

	// DefaultMinPruneTokens is the minimum freeable amount below which
	// passive pruning performs no mutation at all.
	DefaultMinPruneTokens = 20000

	// DefaultKeepRecentUserTurns is how many most-recent user turns are
	// always kept verbatim.
	DefaultKeepRecentUserTurns = 2

	// minSummaryLength is the threshold below which an active-compaction
	// summary is considered trivial and discarded without marking anything.
	minSummaryLength = 80

	// summaryRecentBudget is the token budget for the full-fidelity recent
	// portion of the summarization transcript.
	summaryRecentBudget = 20000

	// summaryItemBudget caps each older transcript item once the recent
	// budget is spent.
	summaryItemBudget = 500
)

// EstimateTokens estimates the token count of a string: ceil(len/4).
func EstimateTokens(s string) int {
	return (len(s) + CharsPerToken - 1) / CharsPerToken
}

// EstimatePartTokens estimates the token count of a part's content.
func EstimatePartTokens(part *models.MessagePart) int {
	switch content := part.Content.(type) {
	case models.TextContent:
		return EstimateTokens(content.Text)
	case models.ReasoningContent:
		return EstimateTokens(content.Text)
	case models.ToolCallContent:
		return EstimateTokens(content.Name) + EstimateTokens(string(content.Args))
	case models.ToolResultContent:
		return EstimateTokens(content.Output)
	case models.FileContent:
		return EstimateTokens(content.Text) + (len(content.Data)+CharsPerToken-1)/CharsPerToken
	default:
		return 0
	}
}

// Overflowed reports whether a completed turn's usage no longer fits the
// model: (input + cacheRead + output) > (contextLimit - outputLimit).
func Overflowed(usage models.TokenUsage, contextLimit, outputLimit int) bool {
	if contextLimit <= 0 {
		return false
	}
	used := usage.InputTokens + usage.CacheReadTokens + usage.OutputTokens
	return used > int64(contextLimit-outputLimit)
}

// Config tunes the pruning thresholds.
type Config struct {
	ProtectTokens       int
	MinPruneTokens      int
	KeepRecentUserTurns int

	// ProtectedTools are never compacted regardless of age.
	ProtectedTools []string
}

func (c Config) withDefaults() Config {
	if c.ProtectTokens <= 0 {
		c.ProtectTokens = DefaultProtectTokens
	}
	if c.MinPruneTokens <= 0 {
		c.MinPruneTokens = DefaultMinPruneTokens
	}
	if c.KeepRecentUserTurns <= 0 {
		c.KeepRecentUserTurns = DefaultKeepRecentUserTurns
	}
	return c
}

// Engine implements passive pruning and active summarization over the durable
// store.
type Engine struct {
	store    store.Store
	bus      *bus.Bus
	resolver *provider.Resolver
	logger   *slog.Logger
	cfg      Config

	protected map[string]struct{}
}

// NewEngine creates a compaction engine.
func NewEngine(st store.Store, b *bus.Bus, resolver *provider.Resolver, logger *slog.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	protected := make(map[string]struct{}, len(cfg.ProtectedTools))
	for _, name := range cfg.ProtectedTools {
		protected[name] = struct{}{}
	}
	return &Engine{store: st, bus: b, resolver: resolver, logger: logger, cfg: cfg, protected: protected}
}

// Prune passively marks old tool results as compacted. It scans newest to
// oldest, keeps the most recent user turns verbatim, spends the protect
// budget on the newest remaining tool results, and marks the older excess —
// but only when doing so frees at least the configured minimum. It returns
// the estimated tokens freed (zero when nothing was mutated).
func (e *Engine) Prune(ctx context.Context, sessionID string) (int, error) {
	messages, err := e.store.ListMessages(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("list messages: %w", err)
	}

	// Everything at or after the Nth-most-recent user message is kept
	// verbatim and does not draw on the protect budget.
	protectedFrom := len(messages)
	userSeen := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			userSeen++
			if userSeen == e.cfg.KeepRecentUserTurns {
				protectedFrom = i
				break
			}
		}
	}
	if userSeen < e.cfg.KeepRecentUserTurns {
		return 0, nil
	}

	budget := e.cfg.ProtectTokens
	var candidates []*models.MessagePart
	freeable := 0

	for i := protectedFrom - 1; i >= 0; i-- {
		parts, err := e.store.ListParts(ctx, messages[i].ID)
		if err != nil {
			return 0, fmt.Errorf("list parts for %s: %w", messages[i].ID, err)
		}
		for j := len(parts) - 1; j >= 0; j-- {
			part := parts[j]
			if part.Type != models.PartToolResult || part.Compacted() {
				continue
			}
			if _, protected := e.protected[part.ToolName]; protected {
				continue
			}
			tokens := EstimatePartTokens(part)
			if budget >= tokens {
				budget -= tokens
				continue
			}
			// The first result that no longer fits flips the scan into a
			// marking phase: it and everything older is excess, even when
			// a smaller part could still have squeezed into the leftover.
			budget = 0
			candidates = append(candidates, part)
			freeable += tokens
		}
	}

	if freeable < e.cfg.MinPruneTokens {
		return 0, nil
	}

	now := time.Now()
	for _, part := range candidates {
		part.MarkCompacted(now)
		if err := e.store.UpdatePart(ctx, part); err != nil {
			return 0, fmt.Errorf("mark part %s compacted: %w", part.ID, err)
		}
	}
	e.logger.Info("pruned tool results",
		"session_id", sessionID, "parts", len(candidates), "estimated_tokens", freeable)
	return freeable, nil
}

// PruneIfOverflowed evaluates the overflow predicate against a completed
// turn's usage and prunes when it trips. Intended to run asynchronously; it
// never blocks or fails the turn it trails.
func (e *Engine) PruneIfOverflowed(ctx context.Context, sessionID string, usage models.TokenUsage, model provider.Model) {
	if !Overflowed(usage, model.ContextWindow, model.MaxOutputTokens) {
		return
	}
	if _, err := e.Prune(ctx, sessionID); err != nil {
		e.logger.Warn("background prune failed", "session_id", sessionID, "error", err)
	}
}

const summaryPrompt = `Summarize the conversation so far for your own future reference. Structure the summary as:
1. Task: what the user is trying to accomplish.
2. State: what has been done, created, or discovered so far.
3. Next: remaining work and any constraints to respect.
Be specific about file paths, commands, and decisions. Respond with the summary only.`

// Compact performs active compaction: it asks the session's own model for a
// structured summary of the transcript, persists the summary as a new message
// part, and marks prior tool_call/tool_result parts as compacted. Returns the
// summary text, or an error when summarization failed or produced nothing
// worth acting on.
func (e *Engine) Compact(ctx context.Context, session *models.Session) (string, error) {
	client, model, err := e.resolver.Resolve(session.Provider, session.Model)
	if err != nil {
		return "", fmt.Errorf("resolve model: %w", err)
	}

	transcript, priorParts, err := e.buildTranscript(ctx, session.ID)
	if err != nil {
		return "", err
	}
	if transcript == "" {
		return "", fmt.Errorf("nothing to compact")
	}

	events, err := client.Stream(ctx, &provider.Request{
		Model:           model.ID,
		System:          summaryPrompt,
		Messages:        []provider.Message{{Role: "user", Content: transcript}},
		MaxOutputTokens: 4096,
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}

	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Role:      models.RoleAssistant,
		Status:    models.StatusPending,
		CreatedAt: time.Now(),
	}
	if err := e.store.CreateMessage(ctx, msg); err != nil {
		return "", fmt.Errorf("create summary message: %w", err)
	}

	part := &models.MessagePart{
		ID:        uuid.NewString(),
		MessageID: msg.ID,
		Type:      models.PartText,
		Content:   models.TextContent{Text: ""},
	}
	if err := e.store.CreatePart(ctx, part); err != nil {
		return "", fmt.Errorf("create summary part: %w", err)
	}

	var summary strings.Builder
	for event := range events {
		switch event.Kind {
		case provider.EventTextDelta:
			summary.WriteString(event.Text)
			part.Content = models.TextContent{Text: summary.String()}
			if err := e.store.UpdatePart(ctx, part); err != nil {
				return "", fmt.Errorf("persist summary: %w", err)
			}
			e.bus.Publish(models.RuntimeEvent{
				Type:      models.EventPartDelta,
				SessionID: session.ID,
				Delta: &models.DeltaEventPayload{
					MessageID: msg.ID,
					PartID:    part.ID,
					Text:      event.Text,
				},
			})
		case provider.EventStreamError:
			return "", fmt.Errorf("summarize: %w", event.Err)
		}
	}

	text := strings.TrimSpace(summary.String())
	if len(text) < minSummaryLength {
		// A trivial summary frees nothing worth the loss; leave the
		// transcript untouched.
		if err := e.store.DeletePart(ctx, part.ID); err != nil {
			e.logger.Warn("failed to remove trivial summary part", "part_id", part.ID, "error", err)
		}
		return "", fmt.Errorf("summary too short to act on (%d chars)", len(text))
	}

	now := time.Now()
	msg.Status = models.StatusComplete
	msg.CompletedAt = now
	if err := e.store.UpdateMessage(ctx, msg); err != nil {
		return "", fmt.Errorf("complete summary message: %w", err)
	}

	for _, prior := range priorParts {
		prior.MarkCompacted(now)
		if err := e.store.UpdatePart(ctx, prior); err != nil {
			return "", fmt.Errorf("mark part %s compacted: %w", prior.ID, err)
		}
	}

	session.ContextSummary = text
	session.LastCompactedAt = now
	if err := e.store.UpdateSession(ctx, session); err != nil {
		return "", fmt.Errorf("update session: %w", err)
	}
	e.bus.Publish(models.RuntimeEvent{
		Type:      models.EventSessionUpdated,
		SessionID: session.ID,
		Session:   &models.SessionEventPayload{Session: session},
	})

	e.logger.Info("compacted session",
		"session_id", session.ID, "summary_chars", len(text), "parts_compacted", len(priorParts))
	return text, nil
}

// buildTranscript renders the session into a token-budgeted plain-text
// transcript: the recent portion full fidelity, the older portion truncated
// per item. It also collects the tool_call/tool_result parts that a
// successful compaction will mark.
func (e *Engine) buildTranscript(ctx context.Context, sessionID string) (string, []*models.MessagePart, error) {
	messages, err := e.store.ListMessages(ctx, sessionID)
	if err != nil {
		return "", nil, fmt.Errorf("list messages: %w", err)
	}

	type item struct {
		role string
		text string
	}
	var items []item
	var priorParts []*models.MessagePart

	for _, msg := range messages {
		parts, err := e.store.ListParts(ctx, msg.ID)
		if err != nil {
			return "", nil, fmt.Errorf("list parts for %s: %w", msg.ID, err)
		}
		var sb strings.Builder
		for _, part := range parts {
			if part.Compacted() {
				continue
			}
			switch content := part.Content.(type) {
			case models.TextContent:
				sb.WriteString(content.Text)
				sb.WriteString("\n")
			case models.ToolCallContent:
				fmt.Fprintf(&sb, "[called %s %s]\n", content.Name, string(content.Args))
				priorParts = append(priorParts, part)
			case models.ToolResultContent:
				fmt.Fprintf(&sb, "[%s returned: %s]\n", part.ToolName, content.Output)
				priorParts = append(priorParts, part)
			}
		}
		if text := strings.TrimSpace(sb.String()); text != "" {
			items = append(items, item{role: string(msg.Role), text: text})
		}
	}

	// Walk newest to oldest spending the full-fidelity budget; older items
	// are truncated per item.
	budget := summaryRecentBudget
	rendered := make([]string, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		text := items[i].text
		tokens := EstimateTokens(text)
		if budget >= tokens {
			budget -= tokens
		} else if len(text) > summaryItemBudget*CharsPerToken {
			cut := summaryItemBudget * CharsPerToken
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			text = text[:cut] + "…[truncated]"
		}
		rendered[i] = fmt.Sprintf("%s: %s", items[i].role, text)
	}
	return strings.Join(rendered, "\n\n"), priorParts, nil
}
