package session

import (
	"context"
	"errors"
	"testing"

	"github.com/mhismail3/tron/internal/service"
)

func appendAssistantWithUsage(t *testing.T, st service.EventStore, sessionID, parentID string, input int64) *service.Event {
	t.Helper()

	e, err := st.AppendEvent(context.Background(), service.AppendRequest{
		SessionID: sessionID,
		ParentID:  parentID,
		Type:      service.EventMessageAssistant,
		Payload: service.MessageAssistantPayload{
			Content:    service.TextContent("answer"),
			StopReason: service.StopEndTurn,
			TokenUsage: &service.TokenUsage{Input: input, Output: 50},
		},
	})
	if err != nil {
		t.Fatalf("append assistant: %v", err)
	}

	return e
}

func TestCanAcceptTurnRefusals(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(t, st)
	ctx := context.Background()

	projector := NewProjector(st)
	m := NewContextManager(st, projector, nil, 1000, 0.85)

	// Fresh session: plenty of room.
	if err := m.CanAcceptTurn(ctx, sess.ID, 100); err != nil {
		t.Fatalf("expected admission, got %v", err)
	}

	appendAssistantWithUsage(t, st, sess.ID, sess.HeadEventID, 900)

	// 900 used + 200 estimated > 1000.
	err := m.CanAcceptTurn(ctx, sess.ID, 200)
	var typed *service.Error
	if !errors.As(err, &typed) || typed.Code != service.CodeEstimatedOverflow {
		t.Errorf("expected ESTIMATED_OVERFLOW, got %v", err)
	}

	updated, err2 := st.GetSession(ctx, sess.ID)
	if err2 != nil {
		t.Fatalf("get session: %v", err2)
	}

	appendAssistantWithUsage(t, st, sess.ID, updated.HeadEventID, 1000)

	err = m.CanAcceptTurn(ctx, sess.ID, 0)
	if !errors.As(err, &typed) || typed.Code != service.CodeContextExhausted {
		t.Errorf("expected CONTEXT_EXHAUSTED, got %v", err)
	}
}

func TestShouldCompactThreshold(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(t, st)
	ctx := context.Background()

	m := NewContextManager(st, NewProjector(st), nil, 1000, 0.85)

	should, err := m.ShouldCompact(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ShouldCompact: %v", err)
	}
	if should {
		t.Error("fresh session must not need compaction")
	}

	appendAssistantWithUsage(t, st, sess.ID, sess.HeadEventID, 870)

	should, err = m.ShouldCompact(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ShouldCompact: %v", err)
	}
	if !should {
		t.Error("87% of the window must trigger the suggestion")
	}
}

func TestConfirmCompactionProjectsSummaryPair(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(t, st)
	ctx := context.Background()

	projector := NewProjector(st)
	m := NewContextManager(st, projector, nil, 1000, 0.85)

	u1, err := st.AppendEvent(ctx, service.AppendRequest{
		SessionID: sess.ID,
		ParentID:  sess.HeadEventID,
		Type:      service.EventMessageUser,
		Payload:   service.MessageUserPayload{Content: service.TextContent("long conversation")},
	})
	if err != nil {
		t.Fatalf("append user: %v", err)
	}
	appendAssistantWithUsage(t, st, sess.ID, u1.ID, 900)

	boundary, err := m.ConfirmCompaction(ctx, sess.ID, "they discussed things")
	if err != nil {
		t.Fatalf("ConfirmCompaction: %v", err)
	}
	if boundary.Type != service.EventCompactBoundary {
		t.Fatalf("expected compact.boundary, got %s", boundary.Type)
	}

	payload, err := service.DecodePayload(boundary)
	if err != nil {
		t.Fatalf("decode boundary: %v", err)
	}
	if payload.(*service.CompactBoundaryPayload).Fingerprint == "" {
		t.Error("boundary must fingerprint the compacted prefix")
	}

	updated, err := st.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}

	state, err := projector.StateAtHead(ctx, updated)
	if err != nil {
		t.Fatalf("project: %v", err)
	}

	if len(state.Messages) != 2 {
		t.Fatalf("expected the summary pair, got %d messages", len(state.Messages))
	}
	if got := service.PlainText(state.Messages[1].Message.Content); got != "they discussed things" {
		t.Errorf("unexpected summary %q", got)
	}

	// Counters keep accumulating across the boundary.
	if state.TokenUsage.Input != 900 {
		t.Errorf("token usage lost at boundary: %+v", state.TokenUsage)
	}
}

func TestClearContextKeepsTokens(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(t, st)
	ctx := context.Background()

	projector := NewProjector(st)
	m := NewContextManager(st, projector, nil, 1000, 0.85)

	appendAssistantWithUsage(t, st, sess.ID, sess.HeadEventID, 100)

	if _, err := m.ClearContext(ctx, sess.ID, "user request"); err != nil {
		t.Fatalf("ClearContext: %v", err)
	}

	updated, err := st.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}

	state, err := projector.StateAtHead(ctx, updated)
	if err != nil {
		t.Fatalf("project: %v", err)
	}

	if len(state.Messages) != 0 {
		t.Errorf("expected no messages after clear, got %d", len(state.Messages))
	}
	if state.TokenUsage.Input != 100 {
		t.Errorf("token counters must survive clear: %+v", state.TokenUsage)
	}
	if updated.InputTokens != 100 {
		t.Errorf("session counters must survive clear: %d", updated.InputTokens)
	}
}
