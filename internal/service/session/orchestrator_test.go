package session

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/mhismail3/tron/internal/config"
	"github.com/mhismail3/tron/internal/service"
	"github.com/mhismail3/tron/internal/store/sqlite3"
)

func newTestStore(t *testing.T) service.EventStore {
	t.Helper()

	cfg := &config.StoreSQLite{
		Datasource: filepath.Join(t.TempDir(), "tron.db"),
	}

	st, err := sqlite3.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(st.Close)

	return st
}

func newTestSession(t *testing.T, st service.EventStore) *service.Session {
	t.Helper()

	ctx := context.Background()

	ws, err := st.GetOrCreateWorkspace(ctx, "/w")
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}

	created, err := st.CreateSession(ctx, service.CreateSessionRequest{
		WorkspaceID:      ws.ID,
		WorkingDirectory: "/w",
		Model:            "m1",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	return created.Session
}

// scriptedProvider replays a fixed script of stream events per call.
type scriptedProvider struct {
	turns [][]service.StreamEvent
	calls int
}

func (p *scriptedProvider) StreamTurn(ctx context.Context, _ string, _ []service.Message, _ []service.Tool) (<-chan service.StreamEvent, error) {
	script := p.turns[p.calls]
	p.calls++

	ch := make(chan service.StreamEvent)
	go func() {
		defer close(ch)
		for _, ev := range script {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

// fakeTools resolves every tool to a canned outcome; individual tests
// may override Invoke.
type fakeTools struct {
	invoke func(ctx context.Context, name string, args map[string]any) (*service.ToolOutcome, error)
}

func (f *fakeTools) Definitions() []service.Tool { return nil }

func (f *fakeTools) Invoke(ctx context.Context, name string, args map[string]any) (*service.ToolOutcome, error) {
	if f.invoke != nil {
		return f.invoke(ctx, name, args)
	}

	return &service.ToolOutcome{Content: service.TextContent("ok:" + name)}, nil
}

func newTestOrchestrator(st service.EventStore, provider service.TurnProvider, tools service.ToolRegistry) *Orchestrator {
	projector := NewProjector(st)
	contextMan := NewContextManager(st, projector, nil, 200000, 0.85)

	return NewOrchestrator(st, projector, contextMan, provider, tools, nil, 10, 0)
}

func sessionEvents(t *testing.T, st service.EventStore, sessionID string) []service.Event {
	t.Helper()

	events, err := st.GetEventsBySession(context.Background(), sessionID, 0, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}

	return events
}

func TestPromptSimpleTurn(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(t, st)

	provider := &scriptedProvider{turns: [][]service.StreamEvent{
		{
			{Type: service.StreamTextDelta, Text: "hello"},
			{Type: service.StreamEndOfTurn, StopReason: service.StopEndTurn, Usage: &service.TokenUsage{Input: 3, Output: 2}},
		},
	}}

	o := newTestOrchestrator(st, provider, &fakeTools{})

	var cancel atomic.Bool
	result, err := o.Prompt(context.Background(), PromptRequest{
		SessionID: sess.ID,
		Content:   service.TextContent("hi"),
	}, &cancel)
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}

	if result.Text != "hello" {
		t.Errorf("expected text %q, got %q", "hello", result.Text)
	}
	if result.StopReason != service.StopEndTurn {
		t.Errorf("expected end_turn, got %q", result.StopReason)
	}

	events := sessionEvents(t, st, sess.ID)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}

	wantTypes := []service.EventType{service.EventSessionStart, service.EventMessageUser, service.EventMessageAssistant}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Errorf("event %d: expected %s, got %s", i, want, events[i].Type)
		}
		if events[i].Sequence != int64(i) {
			t.Errorf("event %d: expected sequence %d, got %d", i, i, events[i].Sequence)
		}
	}

	if events[2].ParentID != events[1].ID {
		t.Error("assistant event must parent the user event")
	}

	state, err := NewProjector(st).StateAt(context.Background(), events[2].ID)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if len(state.Messages) != 2 {
		t.Errorf("expected 2 projected messages, got %d", len(state.Messages))
	}

	updated, err := st.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if updated.InputTokens != 3 || updated.OutputTokens != 2 {
		t.Errorf("unexpected session counters: in=%d out=%d", updated.InputTokens, updated.OutputTokens)
	}
	if updated.TurnCount != 1 {
		t.Errorf("expected 1 turn, got %d", updated.TurnCount)
	}
}

func TestPromptToolTurnWithFlush(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(t, st)

	provider := &scriptedProvider{turns: [][]service.StreamEvent{
		{
			{Type: service.StreamTextDelta, Text: "reading"},
			{Type: service.StreamToolUseBatch, ToolUses: []service.ToolIntent{
				{ID: "t1", Name: "read", Args: map[string]any{"p": "/a"}},
				{ID: "t2", Name: "read", Args: map[string]any{"p": "/b"}},
			}},
			{Type: service.StreamToolExecutionStart, ToolID: "t1", ToolName: "read", ToolArgs: map[string]any{"p": "/a"}},
			{Type: service.StreamToolExecutionStart, ToolID: "t2", ToolName: "read", ToolArgs: map[string]any{"p": "/b"}},
			{Type: service.StreamEndOfTurn, StopReason: service.StopToolUse},
		},
		{
			{Type: service.StreamTextDelta, Text: "done"},
			{Type: service.StreamEndOfTurn, StopReason: service.StopEndTurn},
		},
	}}

	o := newTestOrchestrator(st, provider, &fakeTools{})

	var cancel atomic.Bool
	result, err := o.Prompt(context.Background(), PromptRequest{
		SessionID: sess.ID,
		Content:   service.TextContent("read both"),
	}, &cancel)
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}

	if result.Steps != 2 {
		t.Errorf("expected 2 provider steps, got %d", result.Steps)
	}

	events := sessionEvents(t, st, sess.ID)
	wantTypes := []service.EventType{
		service.EventSessionStart,
		service.EventMessageUser,
		service.EventMessageAssistant,
		service.EventToolResult,
		service.EventToolResult,
		service.EventMessageAssistant,
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("expected %d events, got %d", len(wantTypes), len(events))
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Errorf("event %d: expected %s, got %s", i, want, events[i].Type)
		}
	}

	// The flushed assistant event carries text + both tool_use blocks.
	flushed, err := service.DecodePayload(&events[2])
	if err != nil {
		t.Fatalf("decode flushed payload: %v", err)
	}
	blocks := flushed.(*service.MessageAssistantPayload).Content
	if len(blocks) != 3 {
		t.Fatalf("expected 3 content blocks, got %d", len(blocks))
	}
	if blocks[0].Type != "text" || blocks[0].Text != "reading" {
		t.Errorf("unexpected first block: %+v", blocks[0])
	}
	if blocks[1].ID != "t1" || blocks[2].ID != "t2" {
		t.Errorf("tool_use blocks out of order: %+v %+v", blocks[1], blocks[2])
	}

	if events[3].ToolCallID != "t1" || events[4].ToolCallID != "t2" {
		t.Errorf("tool results out of order: %s %s", events[3].ToolCallID, events[4].ToolCallID)
	}

	final, err := service.DecodePayload(&events[5])
	if err != nil {
		t.Fatalf("decode final payload: %v", err)
	}
	if final.(*service.MessageAssistantPayload).StopReason != service.StopEndTurn {
		t.Errorf("final assistant event must stop with end_turn")
	}
}

func TestPromptAbortMidTool(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(t, st)

	provider := &scriptedProvider{turns: [][]service.StreamEvent{
		{
			{Type: service.StreamTextDelta, Text: "working"},
			{Type: service.StreamToolUseBatch, ToolUses: []service.ToolIntent{
				{ID: "t1", Name: "slow", Args: nil},
				{ID: "t2", Name: "slow", Args: nil},
			}},
			{Type: service.StreamToolExecutionStart, ToolID: "t1", ToolName: "slow"},
			{Type: service.StreamToolExecutionStart, ToolID: "t2", ToolName: "slow"},
			{Type: service.StreamEndOfTurn, StopReason: service.StopToolUse},
		},
	}}

	var cancel atomic.Bool

	// The first tool flips the abort flag mid-execution and then
	// blocks until the orchestrator cancels its context.
	tools := &fakeTools{invoke: func(ctx context.Context, _ string, _ map[string]any) (*service.ToolOutcome, error) {
		cancel.Store(true)
		<-ctx.Done()

		return nil, ctx.Err()
	}}

	o := newTestOrchestrator(st, provider, tools)

	result, err := o.Prompt(context.Background(), PromptRequest{
		SessionID: sess.ID,
		Content:   service.TextContent("go"),
	}, &cancel)
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}

	if !result.Aborted {
		t.Error("expected aborted result")
	}

	events := sessionEvents(t, st, sess.ID)
	wantTypes := []service.EventType{
		service.EventSessionStart,
		service.EventMessageUser,
		service.EventMessageAssistant,
		service.EventToolResult,
		service.EventToolResult,
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("expected %d events, got %d", len(wantTypes), len(events))
	}

	seen := map[string]bool{}
	for _, e := range events[3:] {
		payload, err := service.DecodePayload(&e)
		if err != nil {
			t.Fatalf("decode tool result: %v", err)
		}
		tr := payload.(*service.ToolResultPayload)
		if tr.Status != service.ToolStatusInterrupted {
			t.Errorf("expected interrupted status for %s, got %s", tr.ToolCallID, tr.Status)
		}
		seen[tr.ToolCallID] = true
	}
	if !seen["t1"] || !seen["t2"] {
		t.Errorf("expected interrupted results for t1 and t2, got %v", seen)
	}

	// The session counters record one user and one assistant message;
	// the synthetic tool results are not counted as messages.
	updated, err := st.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if updated.MessageCount != 2 {
		t.Errorf("expected one user + one assistant message, got %d", updated.MessageCount)
	}
}
