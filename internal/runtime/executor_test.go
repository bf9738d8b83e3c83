package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/internal/compaction"
	"github.com/haasonsaas/relay/internal/provider"
	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/internal/tooling"
	"github.com/haasonsaas/relay/pkg/models"
)

func overflowStep() scriptedStep {
	return scriptedStep{events: []provider.StreamEvent{
		{Kind: provider.EventStreamError, Err: &provider.Error{
			Provider: "anthropic",
			Status:   400,
			Type:     "invalid_request_error",
			Message:  "prompt is too long: 210000 tokens > 200000 maximum",
		}},
	}}
}

func summaryStep() scriptedStep {
	summary := strings.Repeat("The user is migrating the billing service to the new schema. ", 3)
	return scriptedStep{events: []provider.StreamEvent{
		{Kind: provider.EventTextDelta, Text: summary},
		{Kind: provider.EventStepFinish},
	}}
}

func seedOverflowSession(t *testing.T, st *store.Memory) *Turn {
	t.Helper()
	ctx := context.Background()
	session := &models.Session{
		ID:       "sess-1",
		Provider: "anthropic",
		Model:    "claude-sonnet-4-20250514",
		Title:    "already titled",
	}
	if err := st.CreateSession(ctx, session); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateMessage(ctx, &models.Message{ID: "u1", SessionID: "sess-1", Role: models.RoleUser, Status: models.StatusComplete}); err != nil {
		t.Fatal(err)
	}
	if err := st.CreatePart(ctx, &models.MessagePart{ID: "u1-p0", MessageID: "u1", Index: 0, Type: models.PartText, Content: models.TextContent{Text: "please continue"}}); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateMessage(ctx, &models.Message{ID: "a1", SessionID: "sess-1", Role: models.RoleAssistant, Status: models.StatusPending}); err != nil {
		t.Fatal(err)
	}
	return &Turn{SessionID: "sess-1", MessageID: "a1", UserMessageID: "u1"}
}

func TestOverflowCompactsAndRetriesOnce(t *testing.T) {
	// Step 1 overflows, step 2 serves the compaction summary, step 3 serves
	// the automatic retry.
	client := &scriptedClient{steps: []scriptedStep{
		overflowStep(),
		summaryStep(),
		finishStep("after compaction"),
	}}
	rt, st := newTestRuntime(t, client)
	ctx := context.Background()

	rt.Enqueue(seedOverflowSession(t, st))
	waitForStatus(t, st, "a1", models.MessageStatus.IsComplete)

	// The retry turn runs against the compacted context.
	deadline := time.Now().Add(5 * time.Second)
	var retry *models.Message
	for time.Now().Before(deadline) && retry == nil {
		msgs, err := st.ListMessages(ctx, "sess-1")
		if err != nil {
			t.Fatal(err)
		}
		for _, msg := range msgs {
			if msg.Role == models.RoleAssistant && msg.ID != "a1" && msg.Status.IsComplete() {
				// Skip the summary message written by compaction: the retry
				// carries the finish tool call.
				parts, err := st.ListParts(ctx, msg.ID)
				if err != nil {
					t.Fatal(err)
				}
				for _, part := range parts {
					if part.Type == models.PartToolCall && part.ToolName == tooling.ToolFinish {
						retry = msg
					}
				}
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if retry == nil {
		t.Fatal("expected a completed retry turn")
	}

	session, err := st.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if session.ContextSummary == "" {
		t.Error("expected a compaction summary on the session")
	}
	if session.LastCompactedAt.IsZero() {
		t.Error("expected LastCompactedAt stamped")
	}
	if got := client.callCount(); got != 3 {
		t.Errorf("expected 3 model calls (turn, summary, retry), got %d", got)
	}
}

func TestOverflowOnRetryFails(t *testing.T) {
	// Both the original turn and the retry overflow: the retry must surface
	// the error instead of compacting again.
	client := &scriptedClient{steps: []scriptedStep{
		overflowStep(),
		summaryStep(),
		overflowStep(),
	}}
	rt, st := newTestRuntime(t, client)
	ctx := context.Background()

	rt.Enqueue(seedOverflowSession(t, st))
	waitForStatus(t, st, "a1", models.MessageStatus.IsComplete)

	deadline := time.Now().Add(5 * time.Second)
	var failed *models.Message
	for time.Now().Before(deadline) && failed == nil {
		msgs, err := st.ListMessages(ctx, "sess-1")
		if err != nil {
			t.Fatal(err)
		}
		for _, msg := range msgs {
			if msg.Role == models.RoleAssistant && msg.Status == models.StatusError {
				failed = msg
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if failed == nil {
		t.Fatal("expected the retry turn to fail")
	}
	if failed.ErrorType != "overflow" {
		t.Errorf("expected overflow error type, got %q", failed.ErrorType)
	}
	if got := client.callCount(); got != 3 {
		t.Errorf("expected no second compaction attempt, got %d calls", got)
	}
}

func TestStreamErrorPersistsErrorPart(t *testing.T) {
	client := &scriptedClient{steps: []scriptedStep{{events: []provider.StreamEvent{
		{Kind: provider.EventStreamError, Err: &provider.Error{Provider: "anthropic", Status: 500, Message: "overloaded"}},
	}}}}
	rt, st := newTestRuntime(t, client)

	rt.Enqueue(seedTurn(t, st, "sess-1", "u1", "a1"))
	msg := waitForStatus(t, st, "a1", func(s models.MessageStatus) bool { return s == models.StatusError })

	if msg.ErrorType != "provider" {
		t.Errorf("expected provider error type, got %q", msg.ErrorType)
	}
	parts, err := st.ListParts(context.Background(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, part := range parts {
		if part.Type == models.PartError {
			found = true
			content, ok := part.Content.(models.ErrorContent)
			if !ok {
				t.Fatal("error part has wrong content type")
			}
			if content.ErrorType != "provider" {
				t.Errorf("expected provider error content, got %q", content.ErrorType)
			}
		}
	}
	if !found {
		t.Error("expected an error part persisted")
	}
}

func TestEmptyReasoningPartDeleted(t *testing.T) {
	step := scriptedStep{events: []provider.StreamEvent{
		{Kind: provider.EventReasoningStart},
		{Kind: provider.EventReasoningEnd},
		{Kind: provider.EventTextDelta, Text: "answer"},
		{Kind: provider.EventStepFinish, StopReason: "end_turn"},
	}}
	client := &scriptedClient{steps: []scriptedStep{step}}
	rt, st := newTestRuntime(t, client)

	rt.Enqueue(seedTurn(t, st, "sess-1", "u1", "a1"))
	waitForStatus(t, st, "a1", models.MessageStatus.IsComplete)

	parts, err := st.ListParts(context.Background(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	for _, part := range parts {
		if part.Type == models.PartReasoning {
			t.Error("expected the empty reasoning part deleted")
		}
	}
}

func TestReasoningPersistedWithContent(t *testing.T) {
	step := scriptedStep{events: []provider.StreamEvent{
		{Kind: provider.EventReasoningStart},
		{Kind: provider.EventReasoningDelta, Text: "thinking about it"},
		{Kind: provider.EventReasoningEnd},
		{Kind: provider.EventTextDelta, Text: "answer"},
		{Kind: provider.EventStepFinish, StopReason: "end_turn"},
	}}
	client := &scriptedClient{steps: []scriptedStep{step}}
	rt, st := newTestRuntime(t, client)

	rt.Enqueue(seedTurn(t, st, "sess-1", "u1", "a1"))
	waitForStatus(t, st, "a1", models.MessageStatus.IsComplete)

	parts, err := st.ListParts(context.Background(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	var reasoning *models.MessagePart
	for _, part := range parts {
		if part.Type == models.PartReasoning {
			reasoning = part
		}
	}
	if reasoning == nil {
		t.Fatal("expected a reasoning part")
	}
	if got := models.TextOf(reasoning); got != "thinking about it" {
		t.Errorf("expected reasoning text persisted, got %q", got)
	}
	if reasoning.CompletedAt.IsZero() {
		t.Error("expected reasoning part stamped complete")
	}
}

func TestToolResultsRecordedInSessionBookkeeping(t *testing.T) {
	args := json.RawMessage(`{"status":"halfway"}`)
	step := scriptedStep{events: []provider.StreamEvent{
		{Kind: provider.EventToolInputStart, Tool: &provider.ToolInputEvent{CallID: "c1", Name: tooling.ToolProgress}},
		{Kind: provider.EventToolInputAvailable, Tool: &provider.ToolInputEvent{CallID: "c1", Name: tooling.ToolProgress, Args: args}},
		{Kind: provider.EventStepFinish, StopReason: "tool_use"},
	}}
	client := &scriptedClient{steps: []scriptedStep{step, finishStep("")}}
	rt, st := newTestRuntime(t, client)

	rt.Enqueue(seedTurn(t, st, "sess-1", "u1", "a1"))
	waitForStatus(t, st, "a1", models.MessageStatus.IsComplete)

	parts, err := st.ListParts(context.Background(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	var call, result bool
	for _, part := range parts {
		switch {
		case part.Type == models.PartToolCall && part.ToolName == tooling.ToolProgress:
			call = true
		case part.Type == models.PartToolResult && part.ToolName == tooling.ToolProgress:
			result = true
			if part.CompletedAt.IsZero() {
				t.Error("expected tool result stamped complete")
			}
		}
	}
	if !call || !result {
		t.Errorf("expected progress call and result parts, got call=%v result=%v", call, result)
	}

	// Exempt loop-control tools never count toward tool bookkeeping.
	session, err := st.GetSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(session.ToolCounts) != 0 {
		t.Errorf("expected no bookkeeping for exempt tools, got %v", session.ToolCounts)
	}
}

// stallTool blocks until the turn's context is cancelled, standing in for a
// long-running effectful tool.
type stallTool struct {
	done chan struct{}
}

func (s *stallTool) Name() string            { return "stall" }
func (s *stallTool) Description() string     { return "Wait for an external condition." }
func (s *stallTool) Dangerous() bool         { return false }
func (s *stallTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }

func (s *stallTool) Execute(ctx context.Context, args json.RawMessage) (*tooling.Result, error) {
	<-ctx.Done()
	close(s.done)
	return tooling.Errorf("cancelled"), nil
}

func TestStreamErrorSettlesInFlightTool(t *testing.T) {
	tool := &stallTool{done: make(chan struct{})}
	step := scriptedStep{events: []provider.StreamEvent{
		{Kind: provider.EventToolInputStart, Tool: &provider.ToolInputEvent{CallID: "c1", Name: "stall"}},
		{Kind: provider.EventToolInputAvailable, Tool: &provider.ToolInputEvent{CallID: "c1", Name: "stall", Args: json.RawMessage(`{}`)}},
		{Kind: provider.EventStreamError, Err: &provider.Error{Provider: "anthropic", Status: 529, Message: "overloaded"}},
	}}
	client := &scriptedClient{steps: []scriptedStep{step}}
	rt, st := newTestRuntime(t, client)
	rt.tools.Register(tool)

	rt.Enqueue(seedTurn(t, st, "sess-1", "u1", "a1"))
	msg := waitForStatus(t, st, "a1", func(s models.MessageStatus) bool { return s == models.StatusError })

	if msg.ErrorType != "provider" {
		t.Errorf("expected provider error type, got %q", msg.ErrorType)
	}

	// The queued execution must have settled before the message went
	// terminal; a still-running tool would write into a finished message
	// and overlap the session's next turn.
	select {
	case <-tool.done:
	default:
		t.Error("expected the in-flight tool settled before the turn terminated")
	}

	parts, err := st.ListParts(context.Background(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	results := 0
	for _, part := range parts {
		if part.Type == models.PartToolResult && part.ToolCallID == "c1" {
			results++
			content, ok := part.Content.(models.ToolResultContent)
			if !ok {
				t.Fatal("tool result part has wrong content type")
			}
			if !content.IsError {
				t.Error("expected the interrupted call to carry an error result")
			}
		}
	}
	if results != 1 {
		t.Errorf("expected exactly one result for the interrupted call, got %d", results)
	}
}

func TestReasoningBudgetClampedBelowOutputCeiling(t *testing.T) {
	newRuntimeWithBudget := func(client *scriptedClient, budget int) (*Runtime, *store.Memory) {
		st := store.NewMemory()
		b := bus.New(slog.Default())
		resolver := provider.NewResolver(client)
		rt := New(Deps{
			Store:    st,
			Bus:      b,
			Resolver: resolver,
			Tools:    tooling.NewRegistry(),
			Gate:     tooling.NewApprovalGate(tooling.ApprovalOff, time.Second, b, slog.Default()),
			Engine:   compaction.NewEngine(st, b, resolver, slog.Default(), compaction.Config{}),
			Logger:   slog.Default(),
		}, nil, Config{DefaultAgent: &Agent{ID: "default", ReasoningBudget: budget}})
		return rt, st
	}

	t.Run("oversized budget is clamped", func(t *testing.T) {
		client := &scriptedClient{steps: []scriptedStep{finishStep("ok")}}
		rt, st := newRuntimeWithBudget(client, 100000)
		rt.Enqueue(seedTurn(t, st, "sess-1", "u1", "a1"))
		waitForStatus(t, st, "a1", models.MessageStatus.IsComplete)

		req := client.lastRequest()
		if req.MaxOutputTokens != 64000 {
			t.Errorf("expected output ceiling 64000, got %d", req.MaxOutputTokens)
		}
		if want := 64000 - 1024; req.ReasoningBudget != want {
			t.Errorf("expected budget clamped to %d, got %d", want, req.ReasoningBudget)
		}
	})

	t.Run("fitting budget passes through", func(t *testing.T) {
		client := &scriptedClient{steps: []scriptedStep{finishStep("ok")}}
		rt, st := newRuntimeWithBudget(client, 8000)
		rt.Enqueue(seedTurn(t, st, "sess-1", "u1", "a1"))
		waitForStatus(t, st, "a1", models.MessageStatus.IsComplete)

		if got := client.lastRequest().ReasoningBudget; got != 8000 {
			t.Errorf("expected budget 8000, got %d", got)
		}
	})
}

func TestCompactCommandWaitsForActiveTurn(t *testing.T) {
	gate := make(chan struct{})
	client := &scriptedClient{steps: []scriptedStep{
		{gate: gate, events: finishStep("working").events},
		summaryStep(),
	}}
	rt, st := newTestRuntime(t, client)
	ctx := context.Background()

	rt.Enqueue(seedOverflowSession(t, st))
	rt.CompactSession("sess-1")

	// While the first turn streams, the compact command sits in the queue
	// and must not have touched the transcript.
	time.Sleep(50 * time.Millisecond)
	session, err := st.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if session.ContextSummary != "" {
		t.Fatal("expected compaction queued behind the active turn")
	}

	close(gate)
	waitForStatus(t, st, "a1", models.MessageStatus.IsComplete)

	deadline := time.Now().Add(5 * time.Second)
	for {
		session, err := st.GetSession(ctx, "sess-1")
		if err != nil {
			t.Fatal(err)
		}
		if session.ContextSummary != "" {
			if session.LastCompactedAt.IsZero() {
				t.Error("expected LastCompactedAt stamped by the compact command")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("compact command never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStepFinishClosesOpenTextPart(t *testing.T) {
	step := scriptedStep{events: []provider.StreamEvent{
		{Kind: provider.EventTextDelta, Text: "alpha"},
		{Kind: provider.EventStepFinish, StopReason: "end_turn", Usage: models.TokenUsage{InputTokens: 10, OutputTokens: 5}},
		{Kind: provider.EventTextDelta, Text: "beta"},
		{Kind: provider.EventToolInputStart, Tool: &provider.ToolInputEvent{CallID: "fin", Name: tooling.ToolFinish}},
		{Kind: provider.EventToolInputAvailable, Tool: &provider.ToolInputEvent{CallID: "fin", Name: tooling.ToolFinish, Args: json.RawMessage(`{}`)}},
		{Kind: provider.EventStepFinish, StopReason: "tool_use"},
	}}
	client := &scriptedClient{steps: []scriptedStep{step}}
	rt, st := newTestRuntime(t, client)

	rt.Enqueue(seedTurn(t, st, "sess-1", "u1", "a1"))
	waitForStatus(t, st, "a1", models.MessageStatus.IsComplete)

	parts, err := st.ListParts(context.Background(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	var texts []*models.MessagePart
	for _, part := range parts {
		if part.Type == models.PartText {
			texts = append(texts, part)
		}
	}
	if len(texts) != 2 {
		t.Fatalf("expected a fresh part after step-finish, got %d text parts", len(texts))
	}
	if got := models.TextOf(texts[0]); got != "alpha" {
		t.Errorf("expected first part %q, got %q", "alpha", got)
	}
	if got := models.TextOf(texts[1]); got != "beta" {
		t.Errorf("expected second part %q, got %q", "beta", got)
	}
	for _, part := range texts {
		if part.CompletedAt.IsZero() {
			t.Errorf("expected part %s stamped complete", part.ID)
		}
	}
}

func TestOverflowCheckUsesFinalStepUsage(t *testing.T) {
	// Window 200 with output ceiling 50: the overflow threshold is 150.
	// Each step re-counts the history, so the summed message usage (208)
	// trips the predicate while the final step's real context (106) does
	// not. Background pruning must stay off.
	client := &scriptedClient{
		contextWindow:   200,
		maxOutputTokens: 50,
		steps: []scriptedStep{
			{events: []provider.StreamEvent{
				{Kind: provider.EventToolInputStart, Tool: &provider.ToolInputEvent{CallID: "c1", Name: tooling.ToolProgress}},
				{Kind: provider.EventToolInputAvailable, Tool: &provider.ToolInputEvent{CallID: "c1", Name: tooling.ToolProgress, Args: json.RawMessage(`{"status":"scanning"}`)}},
				{Kind: provider.EventStepFinish, StopReason: "tool_use", Usage: models.TokenUsage{InputTokens: 100, OutputTokens: 2}},
			}},
			{events: []provider.StreamEvent{
				{Kind: provider.EventToolInputStart, Tool: &provider.ToolInputEvent{CallID: "fin", Name: tooling.ToolFinish}},
				{Kind: provider.EventToolInputAvailable, Tool: &provider.ToolInputEvent{CallID: "fin", Name: tooling.ToolFinish, Args: json.RawMessage(`{}`)}},
				{Kind: provider.EventStepFinish, StopReason: "tool_use", Usage: models.TokenUsage{InputTokens: 104, OutputTokens: 2}},
			}},
		},
	}

	st := store.NewMemory()
	b := bus.New(slog.Default())
	resolver := provider.NewResolver(client)
	rt := New(Deps{
		Store:    st,
		Bus:      b,
		Resolver: resolver,
		Tools:    tooling.NewRegistry(),
		Gate:     tooling.NewApprovalGate(tooling.ApprovalOff, time.Second, b, slog.Default()),
		Engine:   compaction.NewEngine(st, b, resolver, slog.Default(), compaction.Config{ProtectTokens: 1, MinPruneTokens: 1}),
		Logger:   slog.Default(),
	}, nil, Config{})

	ctx := context.Background()
	session := &models.Session{ID: "sess-1", Provider: "anthropic", Model: "claude-sonnet-4-20250514", ProjectPath: t.TempDir(), Title: "seeded"}
	if err := st.CreateSession(ctx, session); err != nil {
		t.Fatal(err)
	}
	addMsg := func(id string, role models.Role) {
		t.Helper()
		if err := st.CreateMessage(ctx, &models.Message{ID: id, SessionID: "sess-1", Role: role, Status: models.StatusComplete}); err != nil {
			t.Fatal(err)
		}
	}
	addMsg("u0", models.RoleUser)
	addMsg("a0", models.RoleAssistant)
	oldParts := []*models.MessagePart{
		{ID: "a0-call", MessageID: "a0", Index: 0, Type: models.PartToolCall, Content: models.ToolCallContent{Name: "read_file"}, ToolName: "read_file", ToolCallID: "c0"},
		{ID: "old-result", MessageID: "a0", Index: 1, Type: models.PartToolResult, Content: models.ToolResultContent{Output: strings.Repeat("x", 400)}, ToolName: "read_file", ToolCallID: "c0"},
	}
	for _, part := range oldParts {
		if err := st.CreatePart(ctx, part); err != nil {
			t.Fatal(err)
		}
	}
	addMsg("u1", models.RoleUser)
	addMsg("a0b", models.RoleAssistant)
	addMsg("u2", models.RoleUser)
	if err := st.CreatePart(ctx, &models.MessagePart{ID: "u2-p0", MessageID: "u2", Index: 0, Type: models.PartText, Content: models.TextContent{Text: "go on"}}); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateMessage(ctx, &models.Message{ID: "a1", SessionID: "sess-1", Role: models.RoleAssistant, Status: models.StatusPending}); err != nil {
		t.Fatal(err)
	}

	rt.Enqueue(&Turn{SessionID: "sess-1", MessageID: "a1", UserMessageID: "u2"})
	waitForStatus(t, st, "a1", models.MessageStatus.IsComplete)

	// The overflow check trails completion asynchronously.
	time.Sleep(100 * time.Millisecond)
	part, err := st.GetPart(ctx, "old-result")
	if err != nil {
		t.Fatal(err)
	}
	if part.Compacted() {
		t.Error("expected no pruning when the final step's usage fits the window")
	}
}
