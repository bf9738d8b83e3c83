package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestWireNormalizesUnsafeIntegers(t *testing.T) {
	e := &RuntimeEvent{
		Type:      EventUsage,
		SessionID: "s1",
		Time:      time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		Usage: &UsageEventPayload{
			MessageID: "m1",
			Delta: TokenUsage{
				InputTokens:  1 << 60,
				OutputTokens: 42,
			},
		},
	}

	raw, err := e.Wire()
	if err != nil {
		t.Fatalf("wire: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	usage := decoded["usage"].(map[string]any)["delta"].(map[string]any)

	if _, ok := usage["input_tokens"].(string); !ok {
		t.Errorf("expected input_tokens beyond 2^53 to serialize as string, got %T", usage["input_tokens"])
	}
	if got, ok := usage["output_tokens"].(float64); !ok || got != 42 {
		t.Errorf("expected small output_tokens to stay numeric, got %v", usage["output_tokens"])
	}
}

func TestWireHeartbeatHasNoPayload(t *testing.T) {
	e := &RuntimeEvent{Type: EventHeartbeat, Time: time.Now()}
	raw, err := e.Wire()
	if err != nil {
		t.Fatalf("wire: %v", err)
	}
	for _, field := range []string{"usage", "tool", "queue", "error"} {
		if strings.Contains(string(raw), `"`+field+`"`) {
			t.Errorf("heartbeat should omit %s payload: %s", field, raw)
		}
	}
}

func TestTokenUsageAdd(t *testing.T) {
	var u TokenUsage
	u.Add(TokenUsage{InputTokens: 100, OutputTokens: 20, CacheReadTokens: 5})
	u.Add(TokenUsage{InputTokens: 50, OutputTokens: 10})

	if u.InputTokens != 150 || u.OutputTokens != 30 || u.CacheReadTokens != 5 {
		t.Errorf("expected additive accumulation, got %+v", u)
	}
	if u.Total() != 185 {
		t.Errorf("expected total 185, got %d", u.Total())
	}
}
