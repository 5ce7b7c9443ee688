package session

import (
	"testing"

	"github.com/mhismail3/tron/internal/service"
)

func TestTrackerFlushOrdering(t *testing.T) {
	tr := NewTracker()
	tr.OnTurnStart(1)

	tr.AddTextDelta("reading")
	tr.AddThinkingDelta("let me check")
	tr.SetThinkingSignature("sig-1")
	tr.RegisterToolIntents([]service.ToolIntent{
		{ID: "t1", Name: "read", Args: map[string]any{"p": "/a"}},
		{ID: "t2", Name: "read", Args: map[string]any{"p": "/b"}},
	})

	blocks := tr.FlushPreToolContent()
	if blocks == nil {
		t.Fatal("expected content on first flush")
	}

	if len(blocks) != 4 {
		t.Fatalf("expected 4 blocks, got %d", len(blocks))
	}

	if blocks[0].Type != "thinking" || blocks[0].Thinking != "let me check" || blocks[0].Signature != "sig-1" {
		t.Errorf("expected thinking block first, got %+v", blocks[0])
	}
	if blocks[1].Type != "text" || blocks[1].Text != "reading" {
		t.Errorf("expected text block second, got %+v", blocks[1])
	}
	if blocks[2].Type != "tool_use" || blocks[2].ID != "t1" {
		t.Errorf("expected tool_use t1 third, got %+v", blocks[2])
	}
	if blocks[3].Type != "tool_use" || blocks[3].ID != "t2" {
		t.Errorf("expected tool_use t2 fourth, got %+v", blocks[3])
	}
}

func TestTrackerFlushIsOneShot(t *testing.T) {
	tr := NewTracker()
	tr.OnTurnStart(1)
	tr.AddTextDelta("hello")

	if first := tr.FlushPreToolContent(); first == nil {
		t.Fatal("expected content on first flush")
	}

	if second := tr.FlushPreToolContent(); second != nil {
		t.Fatalf("expected nil on second flush, got %v", second)
	}

	if !tr.Flushed() {
		t.Error("tracker should report flushed")
	}
}

func TestTrackerRegisterIdempotentOnID(t *testing.T) {
	tr := NewTracker()
	tr.OnTurnStart(1)

	tr.RegisterToolIntents([]service.ToolIntent{{ID: "t1", Name: "read"}})
	tr.RegisterToolIntents([]service.ToolIntent{{ID: "t1", Name: "read"}})

	blocks := tr.FlushPreToolContent()
	if len(blocks) != 1 {
		t.Fatalf("expected a single tool_use block, got %d", len(blocks))
	}
}

func TestTrackerStartWithoutRegistration(t *testing.T) {
	tr := NewTracker()
	tr.OnTurnStart(1)

	// A provider that never sends tool_use_batch still works.
	tr.StartToolCall("t9", "shell", map[string]any{"cmd": "ls"}, "2026-01-01T00:00:00Z")

	closure := tr.BuildCurrentTurnInterruptedContent()
	if len(closure.ToolResults) != 1 {
		t.Fatalf("expected one synthetic result, got %d", len(closure.ToolResults))
	}
	if closure.ToolResults[0].ToolCallID != "t9" {
		t.Errorf("expected t9, got %s", closure.ToolResults[0].ToolCallID)
	}
}

func TestTrackerInterruptedContent(t *testing.T) {
	tr := NewTracker()
	tr.OnTurnStart(1)

	tr.AddTextDelta("working")
	tr.RegisterToolIntents([]service.ToolIntent{
		{ID: "t1", Name: "read"},
		{ID: "t2", Name: "read"},
		{ID: "t3", Name: "read"},
	})

	// Flush happened; t1 completed, t2 started, t3 never ran.
	tr.FlushPreToolContent()
	tr.StartToolCall("t1", "read", nil, "ts")
	tr.EndToolCall("t1", false, "ts")
	tr.StartToolCall("t2", "read", nil, "ts")

	closure := tr.BuildCurrentTurnInterruptedContent()

	if len(closure.AssistantContent) != 0 {
		t.Errorf("assistant content must be empty after flush, got %d blocks", len(closure.AssistantContent))
	}

	if len(closure.ToolResults) != 2 {
		t.Fatalf("expected synthetic results for t2 and t3 only, got %d", len(closure.ToolResults))
	}

	for _, tr := range closure.ToolResults {
		if tr.ToolCallID == "t1" {
			t.Error("t1 already completed; must not be double-written")
		}
		if tr.Status != service.ToolStatusInterrupted {
			t.Errorf("expected interrupted status, got %s", tr.Status)
		}
	}
}

func TestTrackerInterruptedBeforeFlush(t *testing.T) {
	tr := NewTracker()
	tr.OnTurnStart(1)

	tr.AddThinkingDelta("hmm")
	tr.AddTextDelta("partial")

	closure := tr.BuildCurrentTurnInterruptedContent()
	if len(closure.AssistantContent) != 2 {
		t.Fatalf("expected thinking+text blocks, got %d", len(closure.AssistantContent))
	}
	if len(closure.ToolResults) != 0 {
		t.Fatalf("expected no synthetic results, got %d", len(closure.ToolResults))
	}
}

func TestTrackerTurnStartSealsPreviousTools(t *testing.T) {
	tr := NewTracker()
	tr.OnTurnStart(1)
	tr.RegisterToolIntents([]service.ToolIntent{{ID: "t1", Name: "read"}})
	tr.StartToolCall("t1", "read", nil, "ts")
	tr.EndToolCall("t1", false, "ts")

	tr.OnTurnStart(2)
	tr.AddTextDelta("next turn")

	blocks := tr.FlushPreToolContent()
	for _, b := range blocks {
		if b.Type == "tool_use" {
			t.Errorf("sealed previous-turn tool leaked into flush: %+v", b)
		}
	}

	closure := tr.BuildCurrentTurnInterruptedContent()
	if len(closure.ToolResults) != 0 {
		t.Errorf("sealed tools must not produce synthetic results, got %d", len(closure.ToolResults))
	}
}
