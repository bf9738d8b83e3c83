package tooling

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/pkg/models"
)

// CompletedCall is one executed tool call in its step's execution order.
type CompletedCall struct {
	CallID   string
	Name     string
	Args     json.RawMessage
	Result   *Result
	Duration time.Duration
}

// callState tracks one streaming tool call between input-start and execution.
type callState struct {
	name      string
	startedAt time.Time
	args      strings.Builder
}

// Adapter drives a single turn's tool calls: it mirrors the provider's
// streaming input protocol, persists call/result part pairs, gates execution
// behind approval, and serializes execution per step so persisted order
// matches argument-availability order.
type Adapter struct {
	store    store.Store
	bus      *bus.Bus
	gate     *ApprovalGate
	registry *Registry
	logger   *slog.Logger

	session   *models.Session
	messageID string

	// nextIndex allocates the message's next part index. Chain goroutines
	// and the stream loop both allocate, so the function must be safe for
	// concurrent use.
	nextIndex func() int

	mu     sync.Mutex
	calls  map[string]*callState
	chains map[int]*stepChain
}

// stepChain serializes call execution within one step. Each queued call waits
// for its predecessor's token before running and closes its own when done.
type stepChain struct {
	tail    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	results []*CompletedCall
}

// NewAdapter creates the adapter for one turn.
func NewAdapter(st store.Store, b *bus.Bus, gate *ApprovalGate, registry *Registry, logger *slog.Logger, session *models.Session, messageID string, nextIndex func() int) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		store:     st,
		bus:       b,
		gate:      gate,
		registry:  registry,
		logger:    logger,
		session:   session,
		messageID: messageID,
		nextIndex: nextIndex,
		calls:     make(map[string]*callState),
		chains:    make(map[int]*stepChain),
	}
}

// InputStart records a new streaming tool call.
func (a *Adapter) InputStart(callID, name string) {
	a.mu.Lock()
	a.calls[callID] = &callState{name: name, startedAt: time.Now()}
	a.mu.Unlock()
}

// InputDelta appends a partial-argument fragment and forwards it as a live
// delta event, with any high-value fields scraped for early preview.
func (a *Adapter) InputDelta(callID, fragment string) {
	a.mu.Lock()
	call, ok := a.calls[callID]
	if ok {
		call.args.WriteString(fragment)
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	a.mu.Lock()
	preview := ScrapePreview(call.args.String())
	name := call.name
	a.mu.Unlock()

	a.bus.Publish(models.RuntimeEvent{
		Type:      models.EventToolDelta,
		SessionID: a.session.ID,
		Tool: &models.ToolEventPayload{
			CallID:    callID,
			Name:      name,
			MessageID: a.messageID,
			ArgsText:  fragment,
			Preview:   preview,
		},
	})
}

// InputAvailable persists the tool_call part, publishes the call event, and
// queues execution on the step's chain. Execution (including any approval
// wait) happens asynchronously; CollectStep retrieves the results.
func (a *Adapter) InputAvailable(ctx context.Context, callID, name string, args json.RawMessage, stepIndex int) error {
	a.mu.Lock()
	call, ok := a.calls[callID]
	if !ok {
		call = &callState{name: name, startedAt: time.Now()}
		a.calls[callID] = call
	}
	startedAt := call.startedAt
	a.mu.Unlock()

	part := &models.MessagePart{
		ID:         uuid.NewString(),
		MessageID:  a.messageID,
		Index:      a.nextIndex(),
		StepIndex:  stepIndex,
		Type:       models.PartToolCall,
		Content:    models.ToolCallContent{Name: name, Args: args},
		ToolName:   name,
		ToolCallID: callID,
		StartedAt:  startedAt,
	}
	if err := a.store.CreatePart(ctx, part); err != nil {
		return err
	}

	a.bus.Publish(models.RuntimeEvent{
		Type:      models.EventToolCall,
		SessionID: a.session.ID,
		Tool: &models.ToolEventPayload{
			CallID:    callID,
			Name:      name,
			MessageID: a.messageID,
			Args:      args,
		},
	})

	chain := a.chainFor(stepIndex)
	prev := chain.tail
	mine := make(chan struct{})
	chain.tail = mine
	chain.wg.Add(1)

	go func() {
		defer chain.wg.Done()
		defer close(mine)
		if prev != nil {
			<-prev
		}
		completed := a.run(ctx, callID, name, args, startedAt, stepIndex)
		chain.mu.Lock()
		chain.results = append(chain.results, completed)
		chain.mu.Unlock()
	}()
	return nil
}

func (a *Adapter) chainFor(stepIndex int) *stepChain {
	a.mu.Lock()
	defer a.mu.Unlock()
	chain, ok := a.chains[stepIndex]
	if !ok {
		chain = &stepChain{}
		a.chains[stepIndex] = chain
	}
	return chain
}

// run executes one call end-to-end: approval, execution, result persistence,
// and session bookkeeping. It never returns an error; failures become
// error-shaped results the model sees next step.
func (a *Adapter) run(ctx context.Context, callID, name string, args json.RawMessage, startedAt time.Time, stepIndex int) *CompletedCall {
	var result *Result

	tool, found := a.registry.Get(name)
	switch {
	case !found:
		result = Errorf("tool not found: %s", name)
	case a.gate.Required(tool):
		if a.gate.Wait(ctx, a.session.ID, a.messageID, callID, name, args) {
			result = a.registry.Execute(ctx, name, args)
		} else {
			result = Errorf("tool call was not approved")
		}
	default:
		result = a.registry.Execute(ctx, name, args)
	}

	duration := time.Since(startedAt)
	completedAt := time.Now()
	part := &models.MessagePart{
		ID:             uuid.NewString(),
		MessageID:      a.messageID,
		Index:          a.nextIndex(),
		StepIndex:      stepIndex,
		Type:           models.PartToolResult,
		Content:        models.ToolResultContent{Output: result.Output, IsError: result.IsError},
		ToolName:       name,
		ToolCallID:     callID,
		ToolDurationMs: duration.Milliseconds(),
		StartedAt:      startedAt,
		CompletedAt:    completedAt,
	}
	if err := a.store.CreatePart(ctx, part); err != nil {
		a.logger.Error("failed to persist tool result", "call_id", callID, "tool", name, "error", err)
	}

	a.bus.Publish(models.RuntimeEvent{
		Type:      models.EventToolResult,
		SessionID: a.session.ID,
		Tool: &models.ToolEventPayload{
			CallID:    callID,
			Name:      name,
			MessageID: a.messageID,
			Output:    result.Output,
			IsError:   result.IsError,
		},
	})

	if !Exempt(name) && !result.IsError {
		a.session.AddToolInvocation(name, duration)
		if err := a.store.UpdateSession(ctx, a.session); err != nil {
			a.logger.Warn("failed to update tool bookkeeping", "session_id", a.session.ID, "error", err)
		}
	}

	a.mu.Lock()
	delete(a.calls, callID)
	a.mu.Unlock()

	return &CompletedCall{CallID: callID, Name: name, Args: args, Result: result, Duration: duration}
}

// CollectStep waits for the step's execution chain to drain and returns the
// completed calls in execution order.
func (a *Adapter) CollectStep(stepIndex int) []*CompletedCall {
	a.mu.Lock()
	chain, ok := a.chains[stepIndex]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	chain.wg.Wait()
	chain.mu.Lock()
	defer chain.mu.Unlock()
	return chain.results
}
