// Package models provides the domain types shared across the relay runtime:
// sessions, messages, message parts, token usage, and the runtime event union.
package models

import (
	"time"
)

// Session is a conversation thread between a user and an agent. Sessions are
// created externally; the runtime mutates token counters, tool bookkeeping,
// and the compaction summary but never deletes a session.
type Session struct {
	ID          string `json:"id"`
	AgentID     string `json:"agent_id"`
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	ProjectPath string `json:"project_path,omitempty"`
	Title       string `json:"title,omitempty"`

	// WorkingDir is the session-scoped current working directory used by
	// filesystem tools. Defaults to ProjectPath when empty.
	WorkingDir string `json:"working_dir,omitempty"`

	// Cumulative token counters across all turns. Per-step usage deltas are
	// added by the executor; values are approximations good enough for
	// threshold decisions, never billing.
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	CacheReadTokens int64 `json:"cache_read_tokens"`

	// ToolCounts tracks successful invocations per tool name. ToolTimeMs is
	// the cumulative wall time spent inside tool execution. Both are
	// best-effort bookkeeping.
	ToolCounts map[string]int64 `json:"tool_counts,omitempty"`
	ToolTimeMs int64            `json:"tool_time_ms"`

	// ContextSummary holds the most recent active-compaction summary. It is
	// folded into the system prompt of subsequent turns.
	ContextSummary  string    `json:"context_summary,omitempty"`
	LastCompactedAt time.Time `json:"last_compacted_at,omitzero"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AddToolInvocation records one successful tool execution.
func (s *Session) AddToolInvocation(name string, duration time.Duration) {
	if s.ToolCounts == nil {
		s.ToolCounts = make(map[string]int64)
	}
	s.ToolCounts[name]++
	s.ToolTimeMs += duration.Milliseconds()
}

// TokenUsage holds token counts for one model step or one message.
// Usage reported by providers is per-step and always additive.
type TokenUsage struct {
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	CacheReadTokens int64 `json:"cache_read_tokens"`
	ReasoningTokens int64 `json:"reasoning_tokens,omitempty"`
}

// Add accumulates another usage delta into u.
func (u *TokenUsage) Add(delta TokenUsage) {
	u.InputTokens += delta.InputTokens
	u.OutputTokens += delta.OutputTokens
	u.CacheReadTokens += delta.CacheReadTokens
	u.ReasoningTokens += delta.ReasoningTokens
}

// Total returns the sum of all counted tokens.
func (u TokenUsage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.ReasoningTokens
}
