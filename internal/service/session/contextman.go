package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/mhismail3/tron/internal/service"
)

// ContextManager owns the per-session token budget: turn admission,
// the compaction heuristic, and the compact/clear events.
type ContextManager struct {
	store      service.EventStore
	projector  *Projector
	summarizer service.Summarizer

	window    int64
	threshold float64
}

func NewContextManager(store service.EventStore, projector *Projector, summarizer service.Summarizer, window int64, threshold float64) *ContextManager {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.85
	}

	return &ContextManager{
		store:      store,
		projector:  projector,
		summarizer: summarizer,
		window:     window,
		threshold:  threshold,
	}
}

// CanAcceptTurn admits or refuses one more turn. The refusal is typed
// so callers can distinguish a full context from a too-large estimate.
func (m *ContextManager) CanAcceptTurn(ctx context.Context, sessionID string, estimatedResponseTokens int64) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	used := sess.LastTurnInputTokens

	if used >= m.window {
		return service.E(service.CodeContextExhausted,
			"context window exhausted: %d of %d tokens used", used, m.window)
	}

	if used+estimatedResponseTokens > m.window {
		return service.E(service.CodeEstimatedOverflow,
			"estimated response of %d tokens would overflow the remaining %d", estimatedResponseTokens, m.window-used)
	}

	return nil
}

// ShouldCompact applies the threshold policy.
func (m *ContextManager) ShouldCompact(ctx context.Context, sessionID string) (bool, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}

	return float64(sess.LastTurnInputTokens) >= float64(m.window)*m.threshold, nil
}

// PreviewCompaction produces the candidate summary without touching
// the log. The client may edit it before confirming.
func (m *ContextManager) PreviewCompaction(ctx context.Context, sessionID string) (string, error) {
	if m.summarizer == nil {
		return "", service.E(service.CodeNotAvailable, "no summarizer configured")
	}

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}

	state, err := m.projector.StateAtHead(ctx, sess)
	if err != nil {
		return "", err
	}

	summary, err := m.summarizer.Summarize(ctx, state.Messages)
	if err != nil {
		return "", fmt.Errorf("summarize session %s: %w", sessionID, err)
	}

	return summary, nil
}

// ConfirmCompaction appends the compact.boundary event carrying the
// final summary and a fingerprint of the compacted prefix.
func (m *ContextManager) ConfirmCompaction(ctx context.Context, sessionID, summary string) (*service.Event, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	state, err := m.projector.StateAtHead(ctx, sess)
	if err != nil {
		return nil, err
	}

	h := sha256.New()
	for _, msg := range state.Messages {
		h.Write([]byte(msg.EventID))
	}

	return m.store.AppendEvent(ctx, service.AppendRequest{
		SessionID: sessionID,
		ParentID:  sess.HeadEventID,
		Type:      service.EventCompactBoundary,
		Payload: service.CompactBoundaryPayload{
			Summary:      summary,
			Fingerprint:  hex.EncodeToString(h.Sum(nil)),
			EventCount:   int64(len(state.Messages)),
			UpToEventID:  sess.HeadEventID,
			TokensBefore: sess.LastTurnInputTokens,
		},
	})
}

// ClearContext appends context.cleared; token counters are untouched.
func (m *ContextManager) ClearContext(ctx context.Context, sessionID, reason string) (*service.Event, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return m.store.AppendEvent(ctx, service.AppendRequest{
		SessionID: sessionID,
		ParentID:  sess.HeadEventID,
		Type:      service.EventContextCleared,
		Payload:   service.ContextClearedPayload{Reason: reason},
	})
}

// ContextSnapshot is the read-only budget view for UIs.
type ContextSnapshot struct {
	SessionID       string  `json:"session_id"`
	Window          int64   `json:"window"`
	UsedTokens      int64   `json:"used_tokens"`
	UsedFraction    float64 `json:"used_fraction"`
	ShouldCompact   bool    `json:"should_compact"`
	InputTokens     int64   `json:"input_tokens"`
	OutputTokens    int64   `json:"output_tokens"`
	CacheReadTokens int64   `json:"cache_read_tokens"`
	TurnCount       int64   `json:"turn_count"`
}

// DetailedContextSnapshot adds the projected message/skill breakdown.
type DetailedContextSnapshot struct {
	ContextSnapshot

	MessageCount int        `json:"message_count"`
	Model        string     `json:"model"`
	Skills       SkillState `json:"skills"`
}

func (m *ContextManager) GetContextSnapshot(ctx context.Context, sessionID string) (*ContextSnapshot, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return m.snapshotFromSession(sess), nil
}

func (m *ContextManager) snapshotFromSession(sess *service.Session) *ContextSnapshot {
	used := sess.LastTurnInputTokens

	return &ContextSnapshot{
		SessionID:       sess.ID,
		Window:          m.window,
		UsedTokens:      used,
		UsedFraction:    float64(used) / float64(m.window),
		ShouldCompact:   float64(used) >= float64(m.window)*m.threshold,
		InputTokens:     sess.InputTokens,
		OutputTokens:    sess.OutputTokens,
		CacheReadTokens: sess.CacheReadTokens,
		TurnCount:       sess.TurnCount,
	}
}

func (m *ContextManager) GetDetailedContextSnapshot(ctx context.Context, sessionID string) (*DetailedContextSnapshot, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	state, err := m.projector.StateAtHead(ctx, sess)
	if err != nil {
		return nil, err
	}

	return &DetailedContextSnapshot{
		ContextSnapshot: *m.snapshotFromSession(sess),
		MessageCount:    len(state.Messages),
		Model:           state.Model,
		Skills:          state.Skills,
	}, nil
}
