package tooling

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/pkg/models"
)

// ApprovalMode selects which tool calls require explicit approval.
type ApprovalMode string

const (
	// ApprovalOff executes every tool without asking.
	ApprovalOff ApprovalMode = "off"
	// ApprovalDangerous gates only tools that report Dangerous().
	ApprovalDangerous ApprovalMode = "dangerous"
	// ApprovalAll gates every non-exempt tool.
	ApprovalAll ApprovalMode = "all"
)

// DefaultApprovalTimeout bounds how long a gated call waits before it is
// treated as rejected.
const DefaultApprovalTimeout = 120 * time.Second

// exemptTools are never gated regardless of mode. They are loop-control and
// status reporting, not side effects.
var exemptTools = map[string]struct{}{
	ToolFinish:   {},
	ToolProgress: {},
	ToolPlan:     {},
}

// Exempt reports whether a tool bypasses the approval gate under every mode.
func Exempt(name string) bool {
	_, ok := exemptTools[name]
	return ok
}

// PendingApproval is one outstanding approval request.
type PendingApproval struct {
	ID        string          `json:"id"`
	CallID    string          `json:"call_id"`
	ToolName  string          `json:"tool_name"`
	SessionID string          `json:"session_id"`
	MessageID string          `json:"message_id"`
	Args      json.RawMessage `json:"args,omitempty"`
	CreatedAt time.Time       `json:"created_at"`

	done chan bool
	once sync.Once
}

func (p *PendingApproval) resolve(approved bool) bool {
	resolved := false
	p.once.Do(func() {
		resolved = true
		p.done <- approved
	})
	return resolved
}

// ApprovalGate suspends gated tool calls behind a one-shot resolution that is
// fulfilled either by an explicit external decision or by a timeout. State is
// process-local; a restart drops pending approvals and they time out on the
// caller side.
type ApprovalGate struct {
	mu      sync.Mutex
	pending map[string]*PendingApproval

	mode    ApprovalMode
	timeout time.Duration
	bus     *bus.Bus
	logger  *slog.Logger
}

// NewApprovalGate creates a gate with the given mode. A zero timeout uses
// DefaultApprovalTimeout.
func NewApprovalGate(mode ApprovalMode, timeout time.Duration, b *bus.Bus, logger *slog.Logger) *ApprovalGate {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalGate{
		pending: make(map[string]*PendingApproval),
		mode:    mode,
		timeout: timeout,
		bus:     b,
		logger:  logger,
	}
}

// Mode returns the configured approval mode.
func (g *ApprovalGate) Mode() ApprovalMode { return g.mode }

// Required reports whether a call to the given tool must be approved before
// execution.
func (g *ApprovalGate) Required(tool Tool) bool {
	if Exempt(tool.Name()) {
		return false
	}
	switch g.mode {
	case ApprovalAll:
		return true
	case ApprovalDangerous:
		return tool.Dangerous()
	default:
		return false
	}
}

// Wait blocks until the call is approved, rejected, or timed out. A timeout
// resolves to not-approved, indistinguishable from an explicit rejection.
// Context cancellation (the turn aborting) also returns false.
func (g *ApprovalGate) Wait(ctx context.Context, sessionID, messageID, callID, toolName string, args json.RawMessage) bool {
	req := &PendingApproval{
		ID:        uuid.NewString(),
		CallID:    callID,
		ToolName:  toolName,
		SessionID: sessionID,
		MessageID: messageID,
		Args:      args,
		CreatedAt: time.Now(),
		done:      make(chan bool, 1),
	}

	g.mu.Lock()
	g.pending[callID] = req
	g.mu.Unlock()
	g.publishUpdated(req)

	defer func() {
		g.mu.Lock()
		delete(g.pending, callID)
		g.mu.Unlock()
		g.publishUpdated(req)
	}()

	g.bus.Publish(models.RuntimeEvent{
		Type:      models.EventApprovalRequired,
		SessionID: sessionID,
		Approval: &models.ApprovalEventPayload{
			CallID:    callID,
			Name:      toolName,
			MessageID: messageID,
			Args:      args,
		},
	})

	// The timeout timer is independent of the turn's cancellation token;
	// a denial is a normal value, not a cancellation signal.
	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case approved := <-req.done:
		g.publishResolved(req, approved, false)
		return approved
	case <-timer.C:
		// An external resolution may have raced the timer; the one-shot
		// decides the winner and the channel holds the real outcome.
		timedOut := req.resolve(false)
		approved := <-req.done
		g.publishResolved(req, approved, timedOut)
		return approved
	case <-ctx.Done():
		req.resolve(false)
		return false
	}
}

// Resolve fulfills a pending approval by call id. It reports whether a
// pending request was found; resolving twice is a no-op.
func (g *ApprovalGate) Resolve(callID string, approved bool) bool {
	g.mu.Lock()
	req, ok := g.pending[callID]
	g.mu.Unlock()
	if !ok {
		return false
	}
	return req.resolve(approved)
}

// ListPending returns the outstanding requests for a session, oldest first.
func (g *ApprovalGate) ListPending(sessionID string) []*PendingApproval {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*PendingApproval
	for _, req := range g.pending {
		if req.SessionID == sessionID {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// publishUpdated announces a pending-table change so approval list watchers
// can refresh. Published on both registration and removal, including removal
// by turn cancellation, which never produces a resolved event.
func (g *ApprovalGate) publishUpdated(req *PendingApproval) {
	g.bus.Publish(models.RuntimeEvent{
		Type:      models.EventApprovalUpdated,
		SessionID: req.SessionID,
		Approval: &models.ApprovalEventPayload{
			CallID:    req.CallID,
			Name:      req.ToolName,
			MessageID: req.MessageID,
		},
	})
}

func (g *ApprovalGate) publishResolved(req *PendingApproval, approved, timedOut bool) {
	g.bus.Publish(models.RuntimeEvent{
		Type:      models.EventApprovalResolved,
		SessionID: req.SessionID,
		Approval: &models.ApprovalEventPayload{
			CallID:    req.CallID,
			Name:      req.ToolName,
			MessageID: req.MessageID,
			Approved:  &approved,
			TimedOut:  timedOut,
		},
	})
	if timedOut {
		g.logger.Info("approval timed out", "call_id", req.CallID, "tool", req.ToolName)
	}
}
