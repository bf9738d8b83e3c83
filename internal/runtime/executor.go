package runtime

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/relay/internal/provider"
	"github.com/haasonsaas/relay/internal/tooling"
	"github.com/haasonsaas/relay/pkg/models"
)

// minVisibleOutputTokens is the output floor reserved for non-reasoning
// content when a reasoning budget would otherwise swallow the whole ceiling.
const minVisibleOutputTokens = 1024

// turnRun is the mutable state of one executing turn.
type turnRun struct {
	turn    *Turn
	session *models.Session
	message *models.Message
	agent   *Agent
	client  provider.Client
	model   provider.Model

	registry *tooling.Registry
	adapter  *tooling.Adapter
	system   string
	msgs     []provider.Message

	// maxOutput is the request's output ceiling; reasoningBudget is the
	// extended-reasoning share carved out of that same ceiling, clamped
	// so a floor of visible output always remains.
	maxOutput       int
	reasoningBudget int

	// lastUsage is the final step's usage delta. Unlike the message's
	// accumulated usage its input count reflects the actual context size
	// of the last model call.
	lastUsage models.TokenUsage

	counter atomic.Int64
	started time.Time
}

// execute drives one turn to a terminal state. Every path out of this
// function leaves the assistant message terminal (complete, error, or the
// aborted error shape) and releases nothing else: queue bookkeeping belongs
// to the worker.
func (r *Runtime) execute(turn *Turn) {
	if turn.Compact {
		r.executeCompact(turn)
		return
	}

	ctx := turn.Context()
	run, err := r.setup(ctx, turn)
	if err != nil {
		r.failSetup(turn, err)
		return
	}

	outcome := r.stepLoop(ctx, run)
	r.metrics.RecordTurn(outcome, time.Since(run.started))
}

// executeCompact runs an explicit compact command. It occupies the session's
// queue slot like a model turn, so the summary message and its part writes
// never interleave with a streaming turn's.
func (r *Runtime) executeCompact(turn *Turn) {
	started := time.Now()
	ctx := turn.Context()

	session, err := r.store.GetSession(ctx, turn.SessionID)
	if err != nil {
		r.logger.Error("compact command failed", "session_id", turn.SessionID, "error", err)
		r.metrics.RecordTurn("error", time.Since(started))
		return
	}
	if _, err := r.engine.Compact(ctx, session); err != nil {
		r.logger.Error("compact command failed", "session_id", turn.SessionID, "error", err)
		r.metrics.RecordCompaction("command", "error")
		r.metrics.RecordTurn("error", time.Since(started))
		return
	}
	r.metrics.RecordCompaction("command", "ok")
	r.metrics.RecordTurn("complete", time.Since(started))
}

// setup resolves everything the step loop needs. A failure here terminates
// the turn before any part is written.
func (r *Runtime) setup(ctx context.Context, turn *Turn) (*turnRun, error) {
	session, err := r.store.GetSession(ctx, turn.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	message, err := r.store.GetMessage(ctx, turn.MessageID)
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}

	agent := r.agentFor(session.AgentID)
	client, model, err := r.resolver.Resolve(session.Provider, session.Model)
	if err != nil {
		return nil, err
	}

	msgs, err := r.history.Build(ctx, turn.SessionID, turn.MessageID)
	if err != nil {
		return nil, fmt.Errorf("build history: %w", err)
	}

	maxIndex, err := r.store.MaxPartIndex(ctx, turn.MessageID)
	if err != nil {
		return nil, fmt.Errorf("seed part index: %w", err)
	}

	// Extended reasoning spends from the same ceiling as visible output;
	// clamp the budget so the response is never all thinking.
	budget := agent.ReasoningBudget
	if budget > model.MaxOutputTokens-minVisibleOutputTokens {
		budget = model.MaxOutputTokens - minVisibleOutputTokens
		if budget < 0 {
			budget = 0
		}
	}

	run := &turnRun{
		turn:            turn,
		session:         session,
		message:         message,
		agent:           agent,
		client:          client,
		model:           model,
		msgs:            msgs,
		maxOutput:       model.MaxOutputTokens,
		reasoningBudget: budget,
		started:         time.Now(),
	}
	run.counter.Store(int64(maxIndex))
	run.registry = r.turnRegistry(session, turn.MessageID)
	run.adapter = tooling.NewAdapter(r.store, r.bus, r.gate, run.registry, r.logger, session, turn.MessageID, func() int {
		return int(run.counter.Add(1))
	})
	run.system = ComposeSystemPrompt(agent, turn.OneShot, session.ContextSummary, turn.UserContext)
	return run, nil
}

// turnRegistry assembles the tool set for one turn: the shared base tools,
// filesystem tools bound to the session working directory, and the
// loop-control tools (with a plan tool wired to this turn's message).
func (r *Runtime) turnRegistry(session *models.Session, messageID string) *tooling.Registry {
	reg := tooling.NewRegistry()
	for _, name := range r.tools.Names() {
		if tool, ok := r.tools.Get(name); ok {
			reg.Register(tool)
		}
	}

	root := session.WorkingDir
	if root == "" {
		root = session.ProjectPath
	}
	w := r.workdirFor(session.ID, root)
	tooling.RegisterFilesystemTools(reg, w)

	reg.Register(tooling.FinishTool{})
	reg.Register(tooling.ProgressTool{})
	reg.Register(tooling.NewPlanTool(r.bus, session.ID, messageID))
	return reg
}

// toolDefs applies the agent allowlist, always admitting the loop-control
// tools the runtime itself depends on.
func (run *turnRun) toolDefs() []provider.ToolDef {
	allow := run.agent.Tools
	if allow != nil {
		allow = append(append([]string{}, allow...), tooling.ToolFinish, tooling.ToolProgress, tooling.ToolPlan)
	}
	return run.registry.Defs(allow)
}

// stepLoop runs model steps until the turn reaches a terminal state and
// returns the metrics outcome label.
func (r *Runtime) stepLoop(ctx context.Context, run *turnRun) string {
	defs := run.toolDefs()

	for step := 0; step < r.cfg.MaxSteps; step++ {
		if ctx.Err() != nil {
			return r.abortTurn(run)
		}

		req := &provider.Request{
			Model:           run.model.ID,
			System:          run.system,
			Messages:        run.msgs,
			Tools:           defs,
			MaxOutputTokens: run.maxOutput,
			ReasoningBudget: run.reasoningBudget,
		}

		events, err := run.client.Stream(ctx, req)
		if err != nil {
			return r.failStream(ctx, run, err)
		}

		result := r.consumeStream(ctx, run, events, step)
		if result.err != nil {
			// Tool executions already queued for this step must settle
			// before the message goes terminal, or they would write
			// results into a finished message and overlap the session's
			// next turn. Cancelling the turn token unblocks any approval
			// wait and context-aware tools.
			run.turn.Abort()
			run.adapter.CollectStep(step)
			return r.failStream(ctx, run, result.err)
		}

		run.lastUsage = result.usage
		completed := run.adapter.CollectStep(step)
		r.recordStepUsage(ctx, run, step, result.usage)
		for _, call := range completed {
			r.metrics.RecordTool(call.Name, call.Result.IsError, call.Duration)
		}

		run.msgs = append(run.msgs, provider.Message{
			Role:      "assistant",
			Content:   result.text,
			ToolCalls: result.calls,
		})
		if len(completed) > 0 {
			toolResults := make([]provider.ToolResult, 0, len(completed))
			for _, call := range completed {
				toolResults = append(toolResults, provider.ToolResult{
					CallID:  call.CallID,
					Output:  call.Result.Output,
					IsError: call.Result.IsError,
				})
			}
			run.msgs = append(run.msgs, provider.Message{Role: "tool", ToolResults: toolResults})
		}

		for _, call := range completed {
			if call.Name == tooling.ToolFinish {
				return r.completeTurn(ctx, run)
			}
		}

		if len(result.calls) == 0 {
			// The model stopped without calling any tool: treat it as an
			// implicit finish and mark the boundary with a synthetic step.
			r.bus.Publish(models.RuntimeEvent{
				Type:      models.EventStepFinished,
				SessionID: run.session.ID,
				Step:      &models.StepEventPayload{MessageID: run.message.ID, StepIndex: step + 1, Synthetic: true},
			})
			return r.completeTurn(ctx, run)
		}
	}

	return r.failTurn(run, "max_steps", fmt.Sprintf("turn exceeded %d steps without finishing", r.cfg.MaxSteps))
}

// stepResult is what one consumed stream yields.
type stepResult struct {
	text  string
	calls []provider.ToolCall
	usage models.TokenUsage
	err   error
}

// openPart tracks a streaming text or reasoning part while deltas arrive.
type openPart struct {
	part *models.MessagePart
	text string
}

// consumeStream multiplexes one model step's events into persisted parts and
// the tool adapter. A stream ends with step_finish or error and a channel
// close; both the text and reasoning parts are closed afterwards regardless.
func (r *Runtime) consumeStream(ctx context.Context, run *turnRun, events <-chan provider.StreamEvent, step int) stepResult {
	var (
		result    stepResult
		text      *openPart
		reasoning *openPart
	)

	for event := range events {
		switch event.Kind {
		case provider.EventTextDelta:
			if text == nil {
				text = r.openStreamPart(ctx, run, models.PartText, step)
			}
			r.appendDelta(ctx, run, text, event.Text, models.EventPartDelta)
			result.text += event.Text

		case provider.EventReasoningStart:
			reasoning = r.openStreamPart(ctx, run, models.PartReasoning, step)

		case provider.EventReasoningDelta:
			if reasoning == nil {
				reasoning = r.openStreamPart(ctx, run, models.PartReasoning, step)
			}
			r.appendDelta(ctx, run, reasoning, event.Text, models.EventReasoningDelta)

		case provider.EventReasoningEnd:
			r.closeStreamPart(ctx, reasoning)
			reasoning = nil

		case provider.EventToolInputStart:
			r.closeStreamPart(ctx, text)
			text = nil
			run.adapter.InputStart(event.Tool.CallID, event.Tool.Name)

		case provider.EventToolInputDelta:
			run.adapter.InputDelta(event.Tool.CallID, event.Tool.Delta)

		case provider.EventToolInputAvailable:
			if err := run.adapter.InputAvailable(ctx, event.Tool.CallID, event.Tool.Name, event.Tool.Args, step); err != nil {
				r.logger.Error("failed to persist tool call", "call_id", event.Tool.CallID, "error", err)
			}
			result.calls = append(result.calls, provider.ToolCall{
				ID:   event.Tool.CallID,
				Name: event.Tool.Name,
				Args: event.Tool.Args,
			})

		case provider.EventStepFinish:
			result.usage = event.Usage
			// A well-formed stream ends here, but close the open parts
			// anyway so a late delta opens a fresh part instead of
			// appending to a completed one.
			r.closeStreamPart(ctx, text)
			r.closeStreamPart(ctx, reasoning)
			text, reasoning = nil, nil

		case provider.EventStreamError:
			result.err = event.Err
		}
	}

	r.closeStreamPart(ctx, text)
	r.closeStreamPart(ctx, reasoning)
	return result
}

// openStreamPart creates an empty streaming part and publishes nothing; the
// first delta event carries the part to listeners.
func (r *Runtime) openStreamPart(ctx context.Context, run *turnRun, typ models.PartType, step int) *openPart {
	part := &models.MessagePart{
		ID:        uuid.NewString(),
		MessageID: run.message.ID,
		Index:     int(run.counter.Add(1)),
		StepIndex: step,
		Type:      typ,
		StartedAt: time.Now(),
	}
	part.Content = contentFor(typ, "")
	if err := r.store.CreatePart(ctx, part); err != nil {
		r.logger.Error("failed to create streaming part", "message_id", run.message.ID, "type", typ, "error", err)
	}
	return &openPart{part: part}
}

// appendDelta accumulates a fragment, re-persists the part in full, and
// forwards the fragment as a live delta.
func (r *Runtime) appendDelta(ctx context.Context, run *turnRun, open *openPart, fragment string, eventType models.EventType) {
	if open == nil || fragment == "" {
		return
	}
	open.text += fragment
	open.part.Content = contentFor(open.part.Type, open.text)
	if err := r.store.UpdatePart(ctx, open.part); err != nil {
		r.logger.Error("failed to persist delta", "part_id", open.part.ID, "error", err)
	}
	r.bus.Publish(models.RuntimeEvent{
		Type:      eventType,
		SessionID: run.session.ID,
		Delta: &models.DeltaEventPayload{
			MessageID: run.message.ID,
			PartID:    open.part.ID,
			Index:     open.part.Index,
			Text:      fragment,
		},
	})
}

// closeStreamPart stamps completion on an open part, or deletes it if it
// closed without receiving any content.
func (r *Runtime) closeStreamPart(ctx context.Context, open *openPart) {
	if open == nil {
		return
	}
	if open.text == "" {
		if err := r.store.DeletePart(ctx, open.part.ID); err != nil {
			r.logger.Warn("failed to delete empty part", "part_id", open.part.ID, "error", err)
		}
		return
	}
	open.part.CompletedAt = time.Now()
	if err := r.store.UpdatePart(ctx, open.part); err != nil {
		r.logger.Error("failed to close part", "part_id", open.part.ID, "error", err)
	}
}

func contentFor(typ models.PartType, text string) models.PartContent {
	if typ == models.PartReasoning {
		return models.ReasoningContent{Text: text}
	}
	return models.TextContent{Text: text}
}

// recordStepUsage adds the step's usage delta to the message and session,
// persists both, and publishes the usage and step boundary events.
func (r *Runtime) recordStepUsage(ctx context.Context, run *turnRun, step int, usage models.TokenUsage) {
	run.message.Usage.Add(usage)
	run.session.InputTokens += usage.InputTokens
	run.session.OutputTokens += usage.OutputTokens
	run.session.CacheReadTokens += usage.CacheReadTokens

	if err := r.store.UpdateMessage(ctx, run.message); err != nil {
		r.logger.Warn("failed to persist message usage", "message_id", run.message.ID, "error", err)
	}
	if err := r.store.UpdateSession(ctx, run.session); err != nil {
		r.logger.Warn("failed to persist session usage", "session_id", run.session.ID, "error", err)
	}

	r.metrics.RecordStep(run.client.Name(), run.model.ID, usage.InputTokens, usage.OutputTokens, usage.CacheReadTokens)
	r.bus.Publish(models.RuntimeEvent{
		Type:      models.EventUsage,
		SessionID: run.session.ID,
		Usage:     &models.UsageEventPayload{MessageID: run.message.ID, StepIndex: step, Delta: usage},
	})
	r.bus.Publish(models.RuntimeEvent{
		Type:      models.EventStepFinished,
		SessionID: run.session.ID,
		Step:      &models.StepEventPayload{MessageID: run.message.ID, StepIndex: step},
	})
}

// completeTurn terminates the message as complete and kicks off the
// after-turn side work: overflow pruning and title generation.
func (r *Runtime) completeTurn(ctx context.Context, run *turnRun) string {
	run.message.Status = models.StatusComplete
	run.message.CompletedAt = time.Now()
	if err := r.store.UpdateMessage(ctx, run.message); err != nil {
		r.logger.Error("failed to complete message", "message_id", run.message.ID, "error", err)
	}
	r.bus.Publish(models.RuntimeEvent{
		Type:      models.EventMessageCompleted,
		SessionID: run.session.ID,
		Message:   &models.MessageEventPayload{Message: run.message},
	})

	// The accumulated message usage re-counts the whole history once per
	// step; only the last step's delta reflects the real context size.
	go r.engine.PruneIfOverflowed(context.Background(), run.session.ID, run.lastUsage, run.model)
	if run.session.Title == "" {
		r.spawnTitle(run.session)
	}
	return "complete"
}

// failStream maps a model-call failure to its terminal state: abort,
// overflow recovery, or plain error.
func (r *Runtime) failStream(ctx context.Context, run *turnRun, err error) string {
	switch provider.Classify(err) {
	case provider.KindAborted:
		return r.abortTurn(run)
	case provider.KindOverflow:
		if !run.turn.overflowRetry {
			return r.recoverOverflow(run, err)
		}
		return r.failTurn(run, "overflow", err.Error())
	case provider.KindRateLimit:
		return r.failTurn(run, "rate_limit", err.Error())
	case provider.KindAuth:
		return r.failTurn(run, "auth", err.Error())
	default:
		return r.failTurn(run, "provider", err.Error())
	}
}

// recoverOverflow runs active compaction and, on success, completes this turn
// and enqueues a single automatic retry against the compacted context. A
// failed compaction surfaces the original overflow as a turn error.
func (r *Runtime) recoverOverflow(run *turnRun, cause error) string {
	// The turn's own context may already be poisoned; compaction runs on a
	// fresh one.
	ctx := context.Background()
	if _, err := r.engine.Compact(ctx, run.session); err != nil {
		r.logger.Error("overflow compaction failed", "session_id", run.session.ID, "error", err)
		r.metrics.RecordCompaction("overflow", "error")
		return r.failTurn(run, "overflow", cause.Error())
	}
	r.metrics.RecordCompaction("overflow", "ok")

	outcome := r.completeTurn(ctx, run)

	retryMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: run.session.ID,
		Role:      models.RoleAssistant,
		Status:    models.StatusPending,
		CreatedAt: time.Now(),
	}
	if err := r.store.CreateMessage(ctx, retryMsg); err != nil {
		r.logger.Error("failed to create overflow retry message", "session_id", run.session.ID, "error", err)
		return outcome
	}
	r.bus.Publish(models.RuntimeEvent{
		Type:      models.EventMessageCreated,
		SessionID: run.session.ID,
		Message:   &models.MessageEventPayload{Message: retryMsg},
	})
	r.Enqueue(&Turn{
		SessionID:     run.session.ID,
		MessageID:     retryMsg.ID,
		UserMessageID: run.turn.UserMessageID,
		OneShot:       run.turn.OneShot,
		UserContext:   run.turn.UserContext,
		overflowRetry: true,
	})
	return outcome
}

// abortTurn persists the aborted error shape. Aborts are not failures.
func (r *Runtime) abortTurn(run *turnRun) string {
	ctx := context.Background()
	run.message.Status = models.StatusError
	run.message.ErrorType = "abort"
	run.message.ErrorMessage = "turn aborted"
	run.message.IsAborted = true
	run.message.CompletedAt = time.Now()
	if err := r.store.UpdateMessage(ctx, run.message); err != nil {
		r.logger.Error("failed to persist abort", "message_id", run.message.ID, "error", err)
	}
	r.bus.Publish(models.RuntimeEvent{
		Type:      models.EventMessageCompleted,
		SessionID: run.session.ID,
		Message:   &models.MessageEventPayload{Message: run.message},
	})
	return "aborted"
}

// failTurn persists an error part and terminates the message as error.
func (r *Runtime) failTurn(run *turnRun, errorType, errorMessage string) string {
	ctx := context.Background()
	part := &models.MessagePart{
		ID:        uuid.NewString(),
		MessageID: run.message.ID,
		Index:     int(run.counter.Add(1)),
		Type:      models.PartError,
		Content:   models.ErrorContent{ErrorType: errorType, Message: errorMessage},
		StartedAt: time.Now(),
	}
	part.CompletedAt = part.StartedAt
	if err := r.store.CreatePart(ctx, part); err != nil {
		r.logger.Error("failed to persist error part", "message_id", run.message.ID, "error", err)
	}

	run.message.Status = models.StatusError
	run.message.ErrorType = errorType
	run.message.ErrorMessage = errorMessage
	run.message.CompletedAt = time.Now()
	if err := r.store.UpdateMessage(ctx, run.message); err != nil {
		r.logger.Error("failed to persist turn failure", "message_id", run.message.ID, "error", err)
	}

	r.bus.Publish(models.RuntimeEvent{
		Type:      models.EventError,
		SessionID: run.session.ID,
		Error:     &models.ErrorEventPayload{MessageID: run.message.ID, ErrorType: errorType, Message: errorMessage},
	})
	r.bus.Publish(models.RuntimeEvent{
		Type:      models.EventMessageCompleted,
		SessionID: run.session.ID,
		Message:   &models.MessageEventPayload{Message: run.message},
	})
	return "error"
}

// failSetup terminates a turn whose setup failed before any part was written.
func (r *Runtime) failSetup(turn *Turn, err error) {
	r.logger.Error("turn setup failed", "session_id", turn.SessionID, "message_id", turn.MessageID, "error", err)
	ctx := context.Background()

	if msg, getErr := r.store.GetMessage(ctx, turn.MessageID); getErr == nil {
		msg.Status = models.StatusError
		msg.ErrorType = "setup"
		msg.ErrorMessage = err.Error()
		msg.CompletedAt = time.Now()
		if updErr := r.store.UpdateMessage(ctx, msg); updErr != nil {
			r.logger.Error("failed to persist setup failure", "message_id", turn.MessageID, "error", updErr)
		}
		r.bus.Publish(models.RuntimeEvent{
			Type:      models.EventMessageCompleted,
			SessionID: turn.SessionID,
			Message:   &models.MessageEventPayload{Message: msg},
		})
	}

	r.bus.Publish(models.RuntimeEvent{
		Type:      models.EventError,
		SessionID: turn.SessionID,
		Error:     &models.ErrorEventPayload{MessageID: turn.MessageID, ErrorType: "setup", Message: err.Error()},
	})
	r.metrics.RecordTurn("error", 0)
}
