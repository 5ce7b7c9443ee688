package sqlite3

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mhismail3/tron/internal/config"
	"github.com/mhismail3/tron/internal/service"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()

	cfg := &config.StoreSQLite{
		Datasource: filepath.Join(t.TempDir(), "tron.db"),
	}

	st, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(st.Close)

	return st
}

func createSession(t *testing.T, st *SQLite) *service.SessionWithRoot {
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
		Title:            "test",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	return created
}

func appendUser(t *testing.T, st *SQLite, sessionID, parentID, text string) *service.Event {
	t.Helper()

	e, err := st.AppendEvent(context.Background(), service.AppendRequest{
		SessionID: sessionID,
		ParentID:  parentID,
		Type:      service.EventMessageUser,
		Payload:   service.MessageUserPayload{Content: service.TextContent(text)},
	})
	if err != nil {
		t.Fatalf("append user event: %v", err)
	}

	return e
}

func TestCreateSessionWritesRootEvent(t *testing.T) {
	st := newTestStore(t)
	created := createSession(t, st)

	sess, root := created.Session, created.RootEvent

	if root.Type != service.EventSessionStart {
		t.Errorf("expected session.start root, got %s", root.Type)
	}
	if root.Sequence != 0 || root.Depth != 0 {
		t.Errorf("root must have sequence 0 depth 0, got %d/%d", root.Sequence, root.Depth)
	}
	if sess.RootEventID != root.ID || sess.HeadEventID != root.ID {
		t.Error("session pointers must reference the root event")
	}
	if sess.EventCount != 1 {
		t.Errorf("expected event_count 1, got %d", sess.EventCount)
	}
	if !strings.HasPrefix(sess.ID, "sess_") || !strings.HasPrefix(root.ID, "evt_") {
		t.Errorf("unexpected id prefixes: %s %s", sess.ID, root.ID)
	}
}

func TestAppendEventSequenceAndCounters(t *testing.T) {
	st := newTestStore(t)
	created := createSession(t, st)
	ctx := context.Background()

	u1 := appendUser(t, st, created.Session.ID, created.RootEvent.ID, "one")

	a1, err := st.AppendEvent(ctx, service.AppendRequest{
		SessionID: created.Session.ID,
		ParentID:  u1.ID,
		Type:      service.EventMessageAssistant,
		Payload: service.MessageAssistantPayload{
			Content:    service.TextContent("reply"),
			StopReason: service.StopEndTurn,
			TokenUsage: &service.TokenUsage{Input: 7, Output: 4, CacheRead: 2},
		},
	})
	if err != nil {
		t.Fatalf("append assistant event: %v", err)
	}

	events, err := st.GetEventsBySession(ctx, created.Session.ID, 0, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}

	// Gapless sequence from 0; depth chain; |events| == event_count.
	for i, e := range events {
		if e.Sequence != int64(i) {
			t.Errorf("event %d has sequence %d", i, e.Sequence)
		}
		if i > 0 && e.Depth != events[i-1].Depth+1 {
			t.Errorf("event %d depth %d does not chain", i, e.Depth)
		}
	}

	sess, err := st.GetSession(ctx, created.Session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}

	if sess.EventCount != int64(len(events)) {
		t.Errorf("event_count %d != |events| %d", sess.EventCount, len(events))
	}
	if sess.HeadEventID != a1.ID {
		t.Error("head must be the latest appended event")
	}
	if sess.MessageCount != 2 {
		t.Errorf("expected message_count 2, got %d", sess.MessageCount)
	}
	if sess.InputTokens != 7 || sess.OutputTokens != 4 || sess.CacheReadTokens != 2 {
		t.Errorf("token counters wrong: %+v", sess)
	}
	if sess.TurnCount != 1 {
		t.Errorf("expected turn_count 1, got %d", sess.TurnCount)
	}
	if sess.LastTurnInputTokens != 7 {
		t.Errorf("expected last_turn_input_tokens 7, got %d", sess.LastTurnInputTokens)
	}

	latest, err := st.GetLatestEvent(ctx, created.Session.ID)
	if err != nil {
		t.Fatalf("latest event: %v", err)
	}
	if latest.ID != a1.ID {
		t.Error("latest event must equal head")
	}
}

func TestAppendEventInvalidParent(t *testing.T) {
	st := newTestStore(t)
	created := createSession(t, st)
	ctx := context.Background()

	// Missing parent.
	_, err := st.AppendEvent(ctx, service.AppendRequest{
		SessionID: created.Session.ID,
		Type:      service.EventMessageUser,
		Payload:   service.MessageUserPayload{Content: service.TextContent("x")},
	})
	if !errors.Is(err, service.ErrInvalidParent) {
		t.Errorf("expected ErrInvalidParent for nil parent, got %v", err)
	}

	// Unknown parent.
	_, err = st.AppendEvent(ctx, service.AppendRequest{
		SessionID: created.Session.ID,
		ParentID:  "evt_missing",
		Type:      service.EventMessageUser,
		Payload:   service.MessageUserPayload{Content: service.TextContent("x")},
	})
	if !errors.Is(err, service.ErrInvalidParent) {
		t.Errorf("expected ErrInvalidParent for unknown parent, got %v", err)
	}

	// Cross-session parent.
	other := createSession(t, st)
	_, err = st.AppendEvent(ctx, service.AppendRequest{
		SessionID: created.Session.ID,
		ParentID:  other.RootEvent.ID,
		Type:      service.EventMessageUser,
		Payload:   service.MessageUserPayload{Content: service.TextContent("x")},
	})
	if !errors.Is(err, service.ErrInvalidParent) {
		t.Errorf("expected ErrInvalidParent for cross-session parent, got %v", err)
	}
}

func TestGetAncestorsRootFirst(t *testing.T) {
	st := newTestStore(t)
	created := createSession(t, st)

	u1 := appendUser(t, st, created.Session.ID, created.RootEvent.ID, "one")
	u2 := appendUser(t, st, created.Session.ID, u1.ID, "two")

	chain, err := st.GetAncestors(context.Background(), u2.ID)
	if err != nil {
		t.Fatalf("ancestors: %v", err)
	}

	if len(chain) != int(u2.Depth)+1 {
		t.Fatalf("chain length %d != depth+1 %d", len(chain), u2.Depth+1)
	}

	for i := 1; i < len(chain); i++ {
		if chain[i].ParentID != chain[i-1].ID {
			t.Errorf("chain broken at %d", i)
		}
	}
	if chain[0].ID != created.RootEvent.ID {
		t.Error("chain must start at the root")
	}
}

func TestForkIsolation(t *testing.T) {
	st := newTestStore(t)
	created := createSession(t, st)
	ctx := context.Background()

	u1 := appendUser(t, st, created.Session.ID, created.RootEvent.ID, "hi")

	forked, err := st.ForkSession(ctx, u1.ID, service.ForkOptions{Title: "branch"})
	if err != nil {
		t.Fatalf("fork: %v", err)
	}

	if forked.Session.ParentSessionID != created.Session.ID {
		t.Error("fork must record the source session")
	}
	if forked.Session.ForkFromEventID != u1.ID {
		t.Error("fork must record the source event")
	}
	if forked.RootEvent.Type != service.EventSessionFork {
		t.Errorf("fork root type: %s", forked.RootEvent.Type)
	}
	if forked.RootEvent.ParentID != u1.ID {
		t.Error("fork root must parent the source event")
	}
	if forked.RootEvent.Sequence != 0 {
		t.Errorf("fork root sequence must restart at 0, got %d", forked.RootEvent.Sequence)
	}

	sourceBefore, err := st.GetSession(ctx, created.Session.ID)
	if err != nil {
		t.Fatalf("get source: %v", err)
	}

	appendUser(t, st, forked.Session.ID, forked.RootEvent.ID, "in the fork")

	sourceAfter, err := st.GetSession(ctx, created.Session.ID)
	if err != nil {
		t.Fatalf("get source: %v", err)
	}

	if sourceAfter.EventCount != sourceBefore.EventCount || sourceAfter.HeadEventID != sourceBefore.HeadEventID {
		t.Error("appending into the fork must not alter the source session")
	}

	// Ancestors of the fork head cross into the source session.
	head, err := st.GetSession(ctx, forked.Session.ID)
	if err != nil {
		t.Fatalf("get fork: %v", err)
	}
	chain, err := st.GetAncestors(ctx, head.HeadEventID)
	if err != nil {
		t.Fatalf("ancestors: %v", err)
	}
	if chain[0].ID != created.RootEvent.ID {
		t.Error("fork ancestry must reach the source root")
	}
}

func TestForkRequiresSettledBoundary(t *testing.T) {
	st := newTestStore(t)
	created := createSession(t, st)

	_, err := st.ForkSession(context.Background(), created.RootEvent.ID, service.ForkOptions{})
	if !errors.Is(err, service.ErrInvalidParent) {
		t.Errorf("expected ErrInvalidParent for non-message fork source, got %v", err)
	}
}

func TestBlobDedup(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	content := []byte("the same bytes")

	first, err := st.StoreBlob(ctx, content, "text/plain")
	if err != nil {
		t.Fatalf("store blob: %v", err)
	}

	second, err := st.StoreBlob(ctx, content, "text/plain")
	if err != nil {
		t.Fatalf("store blob again: %v", err)
	}

	if first.ID != second.ID {
		t.Error("same content must return the same blob id")
	}
	if second.RefCount != 2 {
		t.Errorf("expected refcount 2, got %d", second.RefCount)
	}

	roundTrip, err := st.GetBlobContent(ctx, first.ID)
	if err != nil {
		t.Fatalf("get content: %v", err)
	}
	if string(roundTrip) != string(content) {
		t.Error("content round-trip mismatch")
	}

	// GC only removes blobs at refcount zero.
	if err := st.DecrementBlobRef(ctx, first.ID); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	deleted, err := st.DeleteUnreferencedBlobs(ctx)
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if deleted != 0 {
		t.Errorf("blob still referenced, expected 0 deletions, got %d", deleted)
	}

	if err := st.DecrementBlobRef(ctx, first.ID); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	deleted, err = st.DeleteUnreferencedBlobs(ctx)
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deletion, got %d", deleted)
	}
}

func TestSearchContentSnippet(t *testing.T) {
	st := newTestStore(t)
	created := createSession(t, st)
	ctx := context.Background()

	e := appendUser(t, st, created.Session.ID, created.RootEvent.ID, "find the dedup index")

	hits, err := st.SearchContent(ctx, "dedup", service.SearchOptions{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	if len(hits) != 1 {
		t.Fatalf("expected one hit, got %d", len(hits))
	}
	if hits[0].EventID != e.ID {
		t.Errorf("expected hit on %s, got %s", e.ID, hits[0].EventID)
	}
	if !strings.Contains(hits[0].Snippet, "<mark>dedup</mark>") {
		t.Errorf("expected marked snippet, got %q", hits[0].Snippet)
	}
}

func TestRebuildSessionIndexRoundTrip(t *testing.T) {
	st := newTestStore(t)
	created := createSession(t, st)
	ctx := context.Background()

	appendUser(t, st, created.Session.ID, created.RootEvent.ID, "alpha beta gamma")

	before, err := st.SearchContent(ctx, "beta", service.SearchOptions{SessionID: created.Session.ID})
	if err != nil {
		t.Fatalf("search before: %v", err)
	}

	if _, err := st.RebuildSessionIndex(ctx, created.Session.ID); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	after, err := st.SearchContent(ctx, "beta", service.SearchOptions{SessionID: created.Session.ID})
	if err != nil {
		t.Fatalf("search after: %v", err)
	}

	if len(before) != len(after) || len(after) != 1 {
		t.Fatalf("rebuild changed results: before=%d after=%d", len(before), len(after))
	}
	if before[0].EventID != after[0].EventID || before[0].Snippet != after[0].Snippet {
		t.Error("live-path and rebuilt index rows must match")
	}
}

func TestSetDefaultBranchClearsSiblings(t *testing.T) {
	st := newTestStore(t)
	created := createSession(t, st)
	ctx := context.Background()

	b1, err := st.CreateBranch(ctx, service.Branch{
		SessionID:   created.Session.ID,
		Name:        "main",
		RootEventID: created.RootEvent.ID,
		HeadEventID: created.RootEvent.ID,
		IsDefault:   true,
	})
	if err != nil {
		t.Fatalf("create branch: %v", err)
	}

	b2, err := st.CreateBranch(ctx, service.Branch{
		SessionID:   created.Session.ID,
		Name:        "alt",
		RootEventID: created.RootEvent.ID,
		HeadEventID: created.RootEvent.ID,
	})
	if err != nil {
		t.Fatalf("create branch: %v", err)
	}

	if err := st.SetDefaultBranch(ctx, created.Session.ID, b2.ID); err != nil {
		t.Fatalf("set default: %v", err)
	}

	branches, err := st.ListBranches(ctx, created.Session.ID)
	if err != nil {
		t.Fatalf("list branches: %v", err)
	}

	defaults := 0
	for _, b := range branches {
		if b.IsDefault {
			defaults++
			if b.ID != b2.ID {
				t.Errorf("wrong default branch %s", b.ID)
			}
		}
		if b.ID == b1.ID && b.IsDefault {
			t.Error("previous default must be cleared")
		}
	}
	if defaults != 1 {
		t.Errorf("expected exactly one default, got %d", defaults)
	}
}

func TestTaskDependencyCycleRejected(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	a, err := st.CreateTask(ctx, service.Task{Title: "a"})
	if err != nil {
		t.Fatalf("create a: %v", err)
	}

	b, err := st.CreateTask(ctx, service.Task{Title: "b", DependsOn: []string{a.ID}})
	if err != nil {
		t.Fatalf("create b: %v", err)
	}

	a.DependsOn = []string{b.ID}
	if _, err := st.UpdateTask(ctx, a.ID, *a); !errors.Is(err, service.ErrDependencyCycle) {
		t.Errorf("expected cycle rejection, got %v", err)
	}
}
