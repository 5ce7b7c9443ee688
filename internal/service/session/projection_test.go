package session

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/mhismail3/tron/internal/service"
)

func testEvent(t *testing.T, id, parentID string, seq, depth int64, eventType service.EventType, payload any) service.Event {
	t.Helper()

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	return service.Event{
		ID:          id,
		ParentID:    parentID,
		SessionID:   "sess_1",
		WorkspaceID: "ws_1",
		Timestamp:   "2026-01-01T00:00:00Z",
		Type:        eventType,
		Sequence:    seq,
		Depth:       depth,
		Payload:     raw,
	}
}

func linearChain(t *testing.T) []service.Event {
	t.Helper()

	return []service.Event{
		testEvent(t, "evt_root", "", 0, 0, service.EventSessionStart, service.SessionStartPayload{
			WorkingDirectory: "/w",
			Model:            "m1",
		}),
		testEvent(t, "evt_u1", "evt_root", 1, 1, service.EventMessageUser, service.MessageUserPayload{
			Content: service.TextContent("hi"),
		}),
		testEvent(t, "evt_a1", "evt_u1", 2, 2, service.EventMessageAssistant, service.MessageAssistantPayload{
			Content:    service.TextContent("hello"),
			StopReason: service.StopEndTurn,
			TokenUsage: &service.TokenUsage{Input: 10, Output: 5},
		}),
	}
}

func TestReplaySimpleTurn(t *testing.T) {
	state, err := Replay(linearChain(t))
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	if len(state.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(state.Messages))
	}

	if state.Messages[0].Message.Role != "user" || state.Messages[0].EventID != "evt_u1" {
		t.Errorf("unexpected first message: %+v", state.Messages[0])
	}
	if state.Messages[1].Message.Role != "assistant" || state.Messages[1].EventID != "evt_a1" {
		t.Errorf("unexpected second message: %+v", state.Messages[1])
	}

	if state.Model != "m1" {
		t.Errorf("expected model m1, got %q", state.Model)
	}
	if state.WorkingDirectory != "/w" {
		t.Errorf("expected working directory /w, got %q", state.WorkingDirectory)
	}
	if state.TurnCount != 1 {
		t.Errorf("expected 1 turn, got %d", state.TurnCount)
	}
	if state.TokenUsage.Input != 10 || state.TokenUsage.Output != 5 {
		t.Errorf("unexpected token usage: %+v", state.TokenUsage)
	}
}

func TestReplayDeterminism(t *testing.T) {
	chain := linearChain(t)

	first, err := Replay(chain)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	second, err := Replay(chain)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Error("same chain must yield byte-identical state")
	}
}

func TestReplayToolResults(t *testing.T) {
	chain := []service.Event{
		testEvent(t, "evt_root", "", 0, 0, service.EventSessionStart, service.SessionStartPayload{Model: "m1"}),
		testEvent(t, "evt_u1", "evt_root", 1, 1, service.EventMessageUser, service.MessageUserPayload{Content: service.TextContent("run it")}),
		testEvent(t, "evt_a1", "evt_u1", 2, 2, service.EventMessageAssistant, service.MessageAssistantPayload{
			Content: []service.ContentBlock{
				service.TextBlock("reading"),
				{Type: "tool_use", ID: "t1", Name: "read", Input: map[string]any{"p": "/a"}},
			},
			StopReason: service.StopToolUse,
		}),
		testEvent(t, "evt_r1", "evt_a1", 3, 3, service.EventToolResult, service.ToolResultPayload{
			ToolCallID: "t1",
			ToolName:   "read",
			Content:    service.TextContent("contents"),
			Status:     service.ToolStatusOK,
		}),
	}

	state, err := Replay(chain)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	if len(state.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(state.Messages))
	}

	result := state.Messages[2].Message
	if result.Role != "user" {
		t.Errorf("tool results are carried on a user message, got role %q", result.Role)
	}
	if result.Content[0].Type != "tool_result" || result.Content[0].ToolUseID != "t1" {
		t.Errorf("unexpected tool result block: %+v", result.Content[0])
	}

	// Tool-only turns do not advance the turn count.
	if state.TurnCount != 0 {
		t.Errorf("expected 0 completed turns, got %d", state.TurnCount)
	}
}

func TestReplayMessageDeleted(t *testing.T) {
	chain := linearChain(t)
	chain = append(chain, testEvent(t, "evt_d1", "evt_a1", 3, 3, service.EventMessageDeleted, service.MessageDeletedPayload{
		TargetEventID: "evt_u1",
		AlsoHides:     []string{"evt_a1"},
	}))

	state, err := Replay(chain)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	if len(state.Messages) != 0 {
		t.Fatalf("expected all messages hidden, got %d", len(state.Messages))
	}
	if state.TurnCount != 0 {
		t.Errorf("deleting the assistant turn must drop its turn count, got %d", state.TurnCount)
	}
}

func TestReplayCompactBoundary(t *testing.T) {
	chain := linearChain(t)
	chain = append(chain, testEvent(t, "evt_c1", "evt_a1", 3, 3, service.EventCompactBoundary, service.CompactBoundaryPayload{
		Summary: "user greeted; assistant answered",
	}))

	state, err := Replay(chain)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	if len(state.Messages) != 2 {
		t.Fatalf("expected the synthesized summary pair, got %d messages", len(state.Messages))
	}
	if state.Messages[0].Message.Role != "system" {
		t.Errorf("expected system preamble first, got %q", state.Messages[0].Message.Role)
	}
	if got := service.PlainText(state.Messages[1].Message.Content); got != "user greeted; assistant answered" {
		t.Errorf("unexpected summary content %q", got)
	}

	// Token counters survive compaction.
	if state.TokenUsage.Input != 10 {
		t.Errorf("token usage must keep accumulating, got %+v", state.TokenUsage)
	}
	if state.TurnCount != 0 {
		t.Errorf("turn count resets at the boundary, got %d", state.TurnCount)
	}
}

func TestReplayContextCleared(t *testing.T) {
	chain := linearChain(t)
	chain = append(chain, testEvent(t, "evt_cc", "evt_a1", 3, 3, service.EventContextCleared, service.ContextClearedPayload{}))

	state, err := Replay(chain)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	if len(state.Messages) != 0 {
		t.Fatalf("expected no messages after clear, got %d", len(state.Messages))
	}
	if state.TokenUsage.Input != 10 {
		t.Errorf("token counters are untouched by clear, got %+v", state.TokenUsage)
	}
}

func TestReplayModelSwitch(t *testing.T) {
	chain := linearChain(t)
	chain = append(chain, testEvent(t, "evt_m1", "evt_a1", 3, 3, service.EventConfigModelSwitch, service.ConfigModelSwitchPayload{
		Model: "m2",
	}))

	state, err := Replay(chain)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	if state.Model != "m2" {
		t.Errorf("expected model m2, got %q", state.Model)
	}
}

func TestReplaySkillLifecycle(t *testing.T) {
	chain := []service.Event{
		testEvent(t, "evt_root", "", 0, 0, service.EventSessionStart, service.SessionStartPayload{Model: "m1"}),
		testEvent(t, "evt_s1", "evt_root", 1, 1, service.EventSkillAdded, service.SkillAddedPayload{Name: "grep", Source: "builtin", Method: "user"}),
		testEvent(t, "evt_s2", "evt_s1", 2, 2, service.EventSkillAdded, service.SkillAddedPayload{Name: "deploy", Method: "auto"}),
		testEvent(t, "evt_s3", "evt_s2", 3, 3, service.EventSkillRemoved, service.SkillRemovedPayload{Name: "deploy"}),
	}

	state, err := Replay(chain)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	if _, ok := state.Skills.Added["grep"]; !ok {
		t.Error("expected grep to be active")
	}
	if _, ok := state.Skills.Added["deploy"]; ok {
		t.Error("deploy was removed")
	}
	if !reflect.DeepEqual(state.Skills.Removed, []string{"deploy"}) {
		t.Errorf("unexpected removed set: %v", state.Skills.Removed)
	}

	// A boundary resets the tracker.
	chain = append(chain, testEvent(t, "evt_cc", "evt_s3", 4, 4, service.EventContextCleared, service.ContextClearedPayload{}))

	state, err = Replay(chain)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(state.Skills.Added) != 0 {
		t.Errorf("expected no skills after clear, got %v", state.Skills.Added)
	}
}

func TestReplayForkChain(t *testing.T) {
	// Ancestors of a fork head cross into the source session: root,
	// user message, then the fork root in the new session.
	chain := []service.Event{
		testEvent(t, "evt_root", "", 0, 0, service.EventSessionStart, service.SessionStartPayload{WorkingDirectory: "/w", Model: "m1"}),
		testEvent(t, "evt_u1", "evt_root", 1, 1, service.EventMessageUser, service.MessageUserPayload{Content: service.TextContent("hi")}),
	}

	fork := testEvent(t, "evt_fork", "evt_u1", 0, 2, service.EventSessionFork, service.SessionForkPayload{
		SourceSessionID: "sess_1",
		SourceEventID:   "evt_u1",
	})
	fork.SessionID = "sess_2"
	chain = append(chain, fork)

	state, err := Replay(chain)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	if len(state.Messages) != 1 {
		t.Fatalf("expected the user message only, got %d", len(state.Messages))
	}
	if state.Messages[0].Message.Role != "user" {
		t.Errorf("unexpected message: %+v", state.Messages[0])
	}
}
