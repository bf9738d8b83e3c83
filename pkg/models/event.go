package models

import (
	"bytes"
	"encoding/json"
	"math"
	"time"
)

// EventType identifies the kind of runtime event.
type EventType string

const (
	// EventSessionCreated is published by whatever layer owns session
	// persistence; the runtime only ever updates existing sessions.
	EventSessionCreated EventType = "session.created"
	EventSessionUpdated EventType = "session.updated"

	EventMessageCreated   EventType = "message.created"
	EventMessageCompleted EventType = "message.completed"
	EventPartDelta        EventType = "message.part.delta"
	EventReasoningDelta   EventType = "reasoning.delta"

	EventToolCall   EventType = "tool.call"
	EventToolDelta  EventType = "tool.delta"
	EventToolResult EventType = "tool.result"

	EventApprovalRequired EventType = "tool.approval.required"
	EventApprovalResolved EventType = "tool.approval.resolved"
	EventApprovalUpdated  EventType = "tool.approval.updated"

	EventPlanUpdated  EventType = "plan.updated"
	EventStepFinished EventType = "step.finished"
	EventUsage        EventType = "usage"
	EventQueueUpdated EventType = "queue.updated"
	EventError        EventType = "error"
	EventHeartbeat    EventType = "heartbeat"
)

// RuntimeEvent is the closed event union published on the bus. Exactly one
// payload pointer is non-nil for a given Type (heartbeat carries none).
// External consumers forward the wire form verbatim, one event per frame.
type RuntimeEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Time      time.Time `json:"time"`

	Session  *SessionEventPayload  `json:"session,omitempty"`
	Message  *MessageEventPayload  `json:"message,omitempty"`
	Delta    *DeltaEventPayload    `json:"delta,omitempty"`
	Tool     *ToolEventPayload     `json:"tool,omitempty"`
	Approval *ApprovalEventPayload `json:"approval,omitempty"`
	Plan     *PlanEventPayload     `json:"plan,omitempty"`
	Step     *StepEventPayload     `json:"step,omitempty"`
	Usage    *UsageEventPayload    `json:"usage,omitempty"`
	Queue    *QueueEventPayload    `json:"queue,omitempty"`
	Error    *ErrorEventPayload    `json:"error,omitempty"`
}

// SessionEventPayload carries the updated session snapshot.
type SessionEventPayload struct {
	Session *Session `json:"session"`
}

// MessageEventPayload carries a message lifecycle change.
type MessageEventPayload struct {
	Message *Message `json:"message"`
}

// DeltaEventPayload carries an incremental text or reasoning fragment for an
// open part.
type DeltaEventPayload struct {
	MessageID string `json:"message_id"`
	PartID    string `json:"part_id"`
	Index     int    `json:"index"`
	Text      string `json:"text"`
}

// ToolEventPayload describes tool call lifecycle events. For tool.delta,
// ArgsText is the raw partial-argument fragment and Preview holds
// heuristically scraped high-value fields (path, command) so an approver can
// see what is being requested before arguments are complete.
type ToolEventPayload struct {
	CallID    string            `json:"call_id"`
	Name      string            `json:"name"`
	MessageID string            `json:"message_id,omitempty"`
	Args      json.RawMessage   `json:"args,omitempty"`
	ArgsText  string            `json:"args_text,omitempty"`
	Preview   map[string]string `json:"preview,omitempty"`
	Output    string            `json:"output,omitempty"`
	IsError   bool              `json:"is_error,omitempty"`
}

// ApprovalEventPayload describes the approval rendezvous for a gated call.
type ApprovalEventPayload struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	MessageID string          `json:"message_id,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Approved  *bool           `json:"approved,omitempty"`
	TimedOut  bool            `json:"timed_out,omitempty"`
}

// PlanEventPayload carries the agent's current plan as reported by the plan
// tool.
type PlanEventPayload struct {
	MessageID string     `json:"message_id,omitempty"`
	Items     []PlanItem `json:"items"`
}

// PlanItem is one entry of a reported plan.
type PlanItem struct {
	Text   string `json:"text"`
	Status string `json:"status"`
}

// StepEventPayload marks a step boundary within a turn.
type StepEventPayload struct {
	MessageID string `json:"message_id"`
	StepIndex int    `json:"step_index"`
	Synthetic bool   `json:"synthetic,omitempty"`
}

// UsageEventPayload carries the per-step usage delta.
type UsageEventPayload struct {
	MessageID string     `json:"message_id"`
	StepIndex int        `json:"step_index"`
	Delta     TokenUsage `json:"delta"`
}

// QueueEventPayload is the queue snapshot published on every queue change.
type QueueEventPayload struct {
	CurrentMessageID string      `json:"current_message_id,omitempty"`
	Items            []QueueItem `json:"items"`
}

// QueueItem is one still-queued turn with its position.
type QueueItem struct {
	MessageID string `json:"message_id"`
	Position  int    `json:"position"`
}

// ErrorEventPayload carries a terminal turn failure.
type ErrorEventPayload struct {
	MessageID string `json:"message_id,omitempty"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

// maxSafeInteger is the largest integer exactly representable in an IEEE 754
// double, the numeric type of the consuming serialization boundary.
const maxSafeInteger = 1<<53 - 1

// Wire serializes the event for transport, normalizing any numeric value that
// cannot cross the serialization boundary (64-bit integers beyond 2^53 become
// strings).
func (e *RuntimeEvent) Wire() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(normalizeWireValue(v))
}

// normalizeWireValue recursively converts unsafe integers to strings.
func normalizeWireValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, inner := range val {
			val[k] = normalizeWireValue(inner)
		}
		return val
	case []any:
		for i, inner := range val {
			val[i] = normalizeWireValue(inner)
		}
		return val
	case json.Number:
		if i, err := val.Int64(); err == nil {
			if i > maxSafeInteger || i < -maxSafeInteger {
				return val.String()
			}
			return i
		}
		if f, err := val.Float64(); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
			return f
		}
		return val.String()
	default:
		return v
	}
}
