package tooling

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/pkg/models"
)

// Loop-control and status tool names. These are exempt from approval under
// every mode.
const (
	ToolFinish   = "finish"
	ToolProgress = "progress"
	ToolPlan     = "plan"
)

// FinishTool is the terminal loop-control tool: calling it tells the runtime
// the turn is done. It produces no visible output and is never replayed in
// history.
type FinishTool struct{}

func (FinishTool) Name() string { return ToolFinish }
func (FinishTool) Description() string {
	return "Call when the task is complete and no further steps are needed."
}
func (FinishTool) Dangerous() bool { return false }

func (FinishTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"summary":{"type":"string","description":"One-line description of what was accomplished"}},"additionalProperties":false}`)
}

func (FinishTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	return &Result{Output: "done"}, nil
}

// ProgressTool lets the model report free-form status without ending the
// turn.
type ProgressTool struct{}

func (ProgressTool) Name() string        { return ToolProgress }
func (ProgressTool) Description() string { return "Report progress on a long-running task." }
func (ProgressTool) Dangerous() bool     { return false }

func (ProgressTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"status":{"type":"string"}},"required":["status"],"additionalProperties":false}`)
}

func (ProgressTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var input struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return Errorf("invalid progress arguments: %v", err), nil
	}
	return &Result{Output: "noted"}, nil
}

// PlanTool publishes the model's current plan so connected clients can render
// it live.
type PlanTool struct {
	bus       *bus.Bus
	sessionID string
	messageID string
}

// NewPlanTool creates a plan tool bound to one turn.
func NewPlanTool(b *bus.Bus, sessionID, messageID string) *PlanTool {
	return &PlanTool{bus: b, sessionID: sessionID, messageID: messageID}
}

func (*PlanTool) Name() string { return ToolPlan }
func (*PlanTool) Description() string {
	return "Record or update the step-by-step plan for the current task. Each item carries a status of pending, active, or done."
}
func (*PlanTool) Dangerous() bool { return false }

func (*PlanTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"items":{"type":"array","items":{"type":"object","properties":{"text":{"type":"string"},"status":{"type":"string","enum":["pending","active","done"]}},"required":["text","status"]}}},"required":["items"],"additionalProperties":false}`)
}

func (t *PlanTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var input struct {
		Items []models.PlanItem `json:"items"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return Errorf("invalid plan arguments: %v", err), nil
	}
	t.bus.Publish(models.RuntimeEvent{
		Type:      models.EventPlanUpdated,
		SessionID: t.sessionID,
		Plan: &models.PlanEventPayload{
			MessageID: t.messageID,
			Items:     input.Items,
		},
	})
	return &Result{Output: fmt.Sprintf("plan recorded with %d items", len(input.Items))}, nil
}
