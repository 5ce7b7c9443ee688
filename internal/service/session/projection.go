package session

import (
	"context"
	"fmt"

	"github.com/mhismail3/tron/internal/service"
)

// State is the projected snapshot of a session at one event: the
// ordered message sequence plus everything derived alongside it.
type State struct {
	SessionID        string                       `json:"session_id"`
	WorkspaceID      string                       `json:"workspace_id"`
	HeadEventID      string                       `json:"head_event_id"`
	Model            string                       `json:"model"`
	WorkingDirectory string                       `json:"working_directory"`
	Messages         []service.ProjectedMessage   `json:"messages"`
	TokenUsage       service.TokenUsage           `json:"token_usage"`
	TurnCount        int                          `json:"turn_count"`
	Skills           SkillState                   `json:"skills"`
	Memory           []service.MemoryLedgerPayload `json:"memory,omitempty"`
}

// Projector reconstructs conversational state from the event log. It
// is the only source of truth for the conversation passed to the
// model.
type Projector struct {
	store service.EventStorer
}

func NewProjector(store service.EventStorer) *Projector {
	return &Projector{store: store}
}

// StateAt projects the snapshot visible at eventID by replaying its
// root-first ancestor chain.
func (p *Projector) StateAt(ctx context.Context, eventID string) (*State, error) {
	chain, err := p.store.GetAncestors(ctx, eventID)
	if err != nil {
		return nil, err
	}

	return Replay(chain)
}

// StateAtHead projects the session's current head.
func (p *Projector) StateAtHead(ctx context.Context, sess *service.Session) (*State, error) {
	state, err := p.StateAt(ctx, sess.HeadEventID)
	if err != nil {
		return nil, err
	}

	// The chain may start in a source session when this one is a fork;
	// the caller asked about this session.
	state.SessionID = sess.ID
	state.WorkspaceID = sess.WorkspaceID

	return state, nil
}

// MessagesAt projects just the message list at eventID.
func (p *Projector) MessagesAt(ctx context.Context, eventID string) ([]service.ProjectedMessage, error) {
	state, err := p.StateAt(ctx, eventID)
	if err != nil {
		return nil, err
	}

	return state.Messages, nil
}

// replayEntry is one materialized message keyed by origin event.
type replayEntry struct {
	eventID string
	message service.Message

	// assistantEndTurn marks entries that count toward turn totals.
	assistantEndTurn bool
}

// Replay folds a root-first event chain into a State. Pure: the same
// chain always yields the same snapshot.
func Replay(events []service.Event) (*State, error) {
	state := &State{}
	skills := NewSkillTracker(false)

	var entries []replayEntry
	turnCount := 0

	hide := func(ids map[string]struct{}) {
		kept := entries[:0]
		for _, entry := range entries {
			if _, drop := ids[entry.eventID]; drop {
				if entry.assistantEndTurn {
					turnCount--
				}

				continue
			}
			kept = append(kept, entry)
		}
		entries = kept
	}

	for i := range events {
		e := &events[i]

		if state.SessionID == "" {
			state.SessionID = e.SessionID
			state.WorkspaceID = e.WorkspaceID
		}
		state.HeadEventID = e.ID

		payload, err := service.DecodePayload(e)
		if err != nil {
			// Lenient replay: extension namespaces contribute nothing.
			continue
		}

		if err := skills.Apply(e); err != nil {
			return nil, err
		}

		switch p := payload.(type) {
		case *service.SessionStartPayload:
			state.WorkingDirectory = p.WorkingDirectory
			state.Model = p.Model

		case *service.SessionForkPayload:
			if p.Model != "" {
				state.Model = p.Model
			}

		case *service.MessageUserPayload:
			entries = append(entries, replayEntry{
				eventID: e.ID,
				message: service.Message{Role: "user", Content: p.Content},
			})

		case *service.MessageAssistantPayload:
			endTurn := p.StopReason == service.StopEndTurn
			if endTurn {
				turnCount++
			}
			if p.Model != "" {
				state.Model = p.Model
			}
			if p.TokenUsage != nil {
				state.TokenUsage.Add(*p.TokenUsage)
			}

			entries = append(entries, replayEntry{
				eventID:          e.ID,
				message:          service.Message{Role: "assistant", Content: p.Content},
				assistantEndTurn: endTurn,
			})

		case *service.ToolCallPayload:
			entries = append(entries, replayEntry{
				eventID: e.ID,
				message: service.Message{Role: "assistant", Content: []service.ContentBlock{{
					Type:  "tool_use",
					ID:    p.ToolCallID,
					Name:  p.Name,
					Input: p.Args,
				}}},
			})

		case *service.ToolResultPayload:
			entries = append(entries, replayEntry{
				eventID: e.ID,
				message: service.Message{Role: "user", Content: []service.ContentBlock{{
					Type:      "tool_result",
					ToolUseID: p.ToolCallID,
					Content:   p.Content,
					IsError:   p.IsError,
				}}},
			})

		case *service.MessageDeletedPayload:
			ids := map[string]struct{}{p.TargetEventID: {}}
			for _, id := range p.AlsoHides {
				ids[id] = struct{}{}
			}
			hide(ids)

		case *service.CompactBoundaryPayload:
			entries = []replayEntry{
				{
					eventID: e.ID,
					message: service.Message{
						Role:    "system",
						Content: service.TextContent("Earlier conversation was compacted. The summary below replaces it."),
					},
				},
				{
					eventID: e.ID,
					message: service.Message{Role: "user", Content: service.TextContent(p.Summary)},
				},
			}
			turnCount = 0

		case *service.ContextClearedPayload:
			entries = nil
			turnCount = 0

		case *service.ConfigModelSwitchPayload:
			state.Model = p.Model

		case *service.MemoryLedgerPayload:
			state.Memory = append(state.Memory, *p)
		}
	}

	if turnCount < 0 {
		return nil, fmt.Errorf("%w: negative turn count after replay", service.ErrInvalidPayload)
	}

	state.Messages = make([]service.ProjectedMessage, 0, len(entries))
	for _, entry := range entries {
		state.Messages = append(state.Messages, service.ProjectedMessage{
			EventID: entry.eventID,
			Message: entry.message,
		})
	}

	state.TurnCount = turnCount
	state.Skills = skills.Snapshot()

	return state, nil
}
