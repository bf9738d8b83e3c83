package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// storeUnderTest runs the shared conformance checks against both
// implementations.
func storeUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func TestSessionRoundTrip(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := &models.Session{
				ID:       "s1",
				AgentID:  "coder",
				Provider: "anthropic",
				Model:    "claude-sonnet-4-20250514",
			}
			if err := s.CreateSession(ctx, sess); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := s.CreateSession(ctx, sess); err == nil {
				t.Error("expected duplicate create to fail")
			}

			sess.InputTokens = 1200
			sess.ContextSummary = "summary"
			sess.AddToolInvocation("read_file", 50*time.Millisecond)
			if err := s.UpdateSession(ctx, sess); err != nil {
				t.Fatalf("update: %v", err)
			}

			got, err := s.GetSession(ctx, "s1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.InputTokens != 1200 || got.ContextSummary != "summary" {
				t.Errorf("expected updated session, got %+v", got)
			}
			if got.ToolCounts["read_file"] != 1 || got.ToolTimeMs != 50 {
				t.Errorf("expected tool bookkeeping to persist, got counts=%v time=%d", got.ToolCounts, got.ToolTimeMs)
			}

			if _, err := s.GetSession(ctx, "missing"); err != ErrNotFound {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestMessageLifecycle(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			msg := &models.Message{
				ID:        "m1",
				SessionID: "s1",
				Role:      models.RoleAssistant,
				Status:    models.StatusPending,
			}
			if err := s.CreateMessage(ctx, msg); err != nil {
				t.Fatalf("create: %v", err)
			}

			msg.Status = models.StatusError
			msg.ErrorType = "abort"
			msg.IsAborted = true
			msg.Usage.Add(models.TokenUsage{InputTokens: 10, OutputTokens: 5})
			msg.CompletedAt = time.Now()
			if err := s.UpdateMessage(ctx, msg); err != nil {
				t.Fatalf("update: %v", err)
			}

			got, err := s.GetMessage(ctx, "m1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if !got.IsAborted || got.ErrorType != "abort" || got.Usage.InputTokens != 10 {
				t.Errorf("expected aborted error message, got %+v", got)
			}
		})
	}
}

func TestListMessagesPreservesOrder(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
			for i, id := range []string{"m1", "m2", "m3"} {
				err := s.CreateMessage(ctx, &models.Message{
					ID:        id,
					SessionID: "s1",
					Role:      models.RoleUser,
					Status:    models.StatusComplete,
					CreatedAt: base.Add(time.Duration(i) * time.Second),
				})
				if err != nil {
					t.Fatalf("create %s: %v", id, err)
				}
			}
			msgs, err := s.ListMessages(ctx, "s1")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(msgs) != 3 {
				t.Fatalf("expected 3 messages, got %d", len(msgs))
			}
			for i, want := range []string{"m1", "m2", "m3"} {
				if msgs[i].ID != want {
					t.Errorf("position %d: expected %s, got %s", i, want, msgs[i].ID)
				}
			}
		})
	}
}

func TestPartRoundTripAndOrdering(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			parts := []*models.MessagePart{
				{ID: "p2", MessageID: "m1", Index: 1, Type: models.PartToolCall,
					ToolName: "bash", ToolCallID: "c1",
					Content: models.ToolCallContent{Name: "bash", Args: json.RawMessage(`{"command":"ls"}`)}},
				{ID: "p1", MessageID: "m1", Index: 0, Type: models.PartText,
					Content: models.TextContent{Text: "hi"}},
			}
			for _, p := range parts {
				if err := s.CreatePart(ctx, p); err != nil {
					t.Fatalf("create part %s: %v", p.ID, err)
				}
			}

			got, err := s.ListParts(ctx, "m1")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != 2 || got[0].ID != "p1" || got[1].ID != "p2" {
				t.Fatalf("expected index order p1,p2, got %+v", got)
			}
			if tc, ok := got[1].Content.(models.ToolCallContent); !ok || tc.Name != "bash" {
				t.Errorf("expected tool call content, got %#v", got[1].Content)
			}

			max, err := s.MaxPartIndex(ctx, "m1")
			if err != nil || max != 1 {
				t.Errorf("expected max index 1, got %d (%v)", max, err)
			}
			if max, _ := s.MaxPartIndex(ctx, "empty"); max != -1 {
				t.Errorf("expected -1 for empty message, got %d", max)
			}

			// Compaction marking persists and never clears.
			got[1].MarkCompacted(time.Now())
			if err := s.UpdatePart(ctx, got[1]); err != nil {
				t.Fatalf("update: %v", err)
			}
			again, _ := s.ListParts(ctx, "m1")
			if !again[1].Compacted() {
				t.Error("expected compactedAt to persist")
			}

			if err := s.DeletePart(ctx, "p1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if remaining, _ := s.ListParts(ctx, "m1"); len(remaining) != 1 {
				t.Errorf("expected 1 part after delete, got %d", len(remaining))
			}
		})
	}
}
