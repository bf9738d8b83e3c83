package models

import (
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// MessageStatus is the lifecycle state of a message.
type MessageStatus string

const (
	StatusPending  MessageStatus = "pending"
	StatusComplete MessageStatus = "complete"
	StatusError    MessageStatus = "error"

	// StatusDone is a legacy synonym for StatusComplete kept for rows written
	// by older versions. Use IsComplete rather than comparing directly.
	StatusDone MessageStatus = "done"
)

// IsComplete reports whether the status counts as successfully finished.
func (s MessageStatus) IsComplete() bool {
	return s == StatusComplete || s == StatusDone
}

// Message is one user or assistant entry in a session. Exactly one assistant
// message exists per turn: created pending by the ingestion layer, terminated
// into complete or error by the turn executor.
type Message struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Role      Role          `json:"role"`
	Status    MessageStatus `json:"status"`

	// Usage accumulates per-step token deltas for this message.
	Usage TokenUsage `json:"usage"`

	// ErrorType and ErrorMessage are set when Status is error. An aborted
	// turn persists the same shape with ErrorType "abort" and IsAborted set;
	// aborts are not counted as failures.
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	IsAborted    bool   `json:"is_aborted,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}
