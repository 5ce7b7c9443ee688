package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mhismail3/tron/internal/service"
)

// Push event types emitted to connected clients. Stream deltas are
// cosmetic; the event log is the truth.
const (
	PushStreamTextDelta     = "stream.text_delta"
	PushStreamThinkingDelta = "stream.thinking_delta"
	PushToolStarted         = "tool.started"
	PushToolResult          = "tool.result"
	PushTurnStarted         = "turn.started"
	PushTurnEnded           = "turn.ended"
	PushTurnAborted         = "turn.aborted"
	PushSessionUpdated      = "session.updated"
	PushContextUpdated      = "context.updated"
	PushCompactionSuggested = "compaction.suggested"
)

// EventSink receives server-pushed events for fan-out to clients.
type EventSink interface {
	Publish(sessionID, eventType string, data any)
}

// NopSink drops all pushes; used when no transport is attached.
type NopSink struct{}

func (NopSink) Publish(string, string, any) {}

// PromptRequest is one user prompt driven through the orchestrator.
type PromptRequest struct {
	SessionID string
	Content   []service.ContentBlock
	BlobRefs  []service.BlobRef
}

// PromptResult summarizes the finished (or aborted) prompt.
type PromptResult struct {
	SessionID   string             `json:"session_id"`
	Text        string             `json:"text"`
	StopReason  string             `json:"stop_reason"`
	Steps       int                `json:"steps"`
	Aborted     bool               `json:"aborted"`
	TokenUsage  service.TokenUsage `json:"token_usage"`
	HeadEventID string             `json:"head_event_id"`
}

// Orchestrator drives one model turn at a time: it streams provider
// events, invokes tools, and appends session events at the defined
// flush points so that resume, fork, and mid-turn abort reproduce
// identical conversations.
type Orchestrator struct {
	store      service.EventStore
	projector  *Projector
	contextMan *ContextManager
	provider   service.TurnProvider
	tools      service.ToolRegistry
	sink       EventSink

	maxTurns    int
	toolTimeout time.Duration
}

func NewOrchestrator(store service.EventStore, projector *Projector, contextMan *ContextManager, provider service.TurnProvider, tools service.ToolRegistry, sink EventSink, maxTurns int, toolTimeout time.Duration) *Orchestrator {
	if sink == nil {
		sink = NopSink{}
	}
	if maxTurns <= 0 {
		maxTurns = 25
	}

	return &Orchestrator{
		store:       store,
		projector:   projector,
		contextMan:  contextMan,
		provider:    provider,
		tools:       tools,
		sink:        sink,
		maxTurns:    maxTurns,
		toolTimeout: toolTimeout,
	}
}

// Prompt runs the full prompt cycle for one session. The cancel flag
// is consulted at every suspension point; flipping it converts the
// turn into an interruption closure.
func (o *Orchestrator) Prompt(ctx context.Context, req PromptRequest, cancel *atomic.Bool) (*PromptResult, error) {
	// Admission: refuse before any event is emitted.
	if err := o.contextMan.CanAcceptTurn(ctx, req.SessionID, 0); err != nil {
		return nil, err
	}

	sess, err := o.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != service.SessionStatusActive {
		return nil, fmt.Errorf("%w: %s", service.ErrSessionNotActive, req.SessionID)
	}

	userEvent, err := o.store.AppendEvent(ctx, service.AppendRequest{
		SessionID: req.SessionID,
		ParentID:  sess.HeadEventID,
		Type:      service.EventMessageUser,
		Payload: service.MessageUserPayload{
			Content:  req.Content,
			BlobRefs: req.BlobRefs,
		},
	})
	if err != nil {
		return nil, err
	}

	head := userEvent.ID
	tracker := NewTracker()
	tracker.OnAgentStart()

	result := &PromptResult{SessionID: req.SessionID}

	// carriedUsage holds stream usage reported after a pre-tool flush;
	// it is attached to the next assistant event so accounting never
	// leaks.
	var carriedUsage *service.TokenUsage

	turn := int(sess.TurnCount) + 1

	for step := 0; step < o.maxTurns; step++ {
		state, err := o.projector.StateAt(ctx, head)
		if err != nil {
			return nil, err
		}

		tracker.OnTurnStart(turn)
		o.sink.Publish(req.SessionID, PushTurnStarted, map[string]any{"turn": turn})

		outcome, err := o.runStream(ctx, req.SessionID, state, tracker, &head, &carriedUsage, cancel, turn)
		if err != nil {
			return nil, err
		}

		result.Text += outcome.text
		result.StopReason = outcome.stopReason
		result.Steps++
		if outcome.usage != nil {
			result.TokenUsage.Add(*outcome.usage)
		}

		if outcome.aborted {
			result.Aborted = true
			result.StopReason = service.StopInterrupted

			break
		}

		// Reinvoke while the model stopped to use tools and at least
		// one result landed. The turn number stays put: a turn is the
		// whole response cycle, reinvocations included.
		if outcome.stopReason == service.StopToolUse && outcome.toolsRun > 0 {
			continue
		}

		break
	}

	result.HeadEventID = head

	if shouldCompact, err := o.contextMan.ShouldCompact(ctx, req.SessionID); err == nil && shouldCompact {
		o.sink.Publish(req.SessionID, PushCompactionSuggested, map[string]any{"session_id": req.SessionID})
	}

	o.sink.Publish(req.SessionID, PushSessionUpdated, map[string]any{"session_id": req.SessionID})

	return result, nil
}

// streamOutcome is the folded result of one provider stream.
type streamOutcome struct {
	text       string
	stopReason string
	usage      *service.TokenUsage
	toolsRun   int
	aborted    bool
}

func (o *Orchestrator) runStream(ctx context.Context, sessionID string, state *State, tracker *Tracker, head *string, carriedUsage **service.TokenUsage, cancel *atomic.Bool, turn int) (*streamOutcome, error) {
	if cancel != nil && cancel.Load() {
		return o.interrupt(ctx, sessionID, tracker, head, turn)
	}

	// Provider reads and tool executions observe the cancel flag
	// through a derived context so an abort unblocks them promptly.
	streamCtx, stopWatch := watchCancel(ctx, cancel)
	defer stopWatch()

	stream, err := o.provider.StreamTurn(streamCtx, state.Model, projectedToMessages(state.Messages), o.tools.Definitions())
	if err != nil {
		return nil, fmt.Errorf("open provider stream: %w", err)
	}

	out := &streamOutcome{}

	for ev := range stream {
		if cancel != nil && cancel.Load() {
			drain(stream)

			return o.interrupt(ctx, sessionID, tracker, head, turn)
		}

		switch ev.Type {
		case service.StreamTextDelta:
			tracker.AddTextDelta(ev.Text)
			out.text += ev.Text
			o.sink.Publish(sessionID, PushStreamTextDelta, map[string]any{"text": ev.Text, "turn": turn})

		case service.StreamThinkingDelta:
			tracker.AddThinkingDelta(ev.Thinking)
			if ev.Signature != "" {
				tracker.SetThinkingSignature(ev.Signature)
			}
			o.sink.Publish(sessionID, PushStreamThinkingDelta, map[string]any{"turn": turn})

		case service.StreamThinkingSignature:
			tracker.SetThinkingSignature(ev.Signature)

		case service.StreamToolUseBatch:
			tracker.RegisterToolIntents(ev.ToolUses)

		case service.StreamToolExecutionStart:
			if err := o.flushPreTool(ctx, sessionID, tracker, head, carriedUsage, turn); err != nil {
				return nil, err
			}

			interrupted, err := o.runTool(streamCtx, ctx, sessionID, tracker, head, ev, cancel, turn)
			if err != nil {
				return nil, err
			}
			if interrupted {
				drain(stream)

				return o.interrupt(ctx, sessionID, tracker, head, turn)
			}
			out.toolsRun++

			if cancel != nil && cancel.Load() {
				drain(stream)

				return o.interrupt(ctx, sessionID, tracker, head, turn)
			}

		case service.StreamEndOfTurn:
			out.stopReason = ev.StopReason
			if out.stopReason == "" {
				out.stopReason = service.StopEndTurn
			}
			out.usage = ev.Usage

			if err := o.finishTurn(ctx, sessionID, tracker, head, carriedUsage, ev, state.Model, turn); err != nil {
				return nil, err
			}

			o.sink.Publish(sessionID, PushTurnEnded, map[string]any{"turn": turn, "stop_reason": out.stopReason})

		case service.StreamError:
			drain(stream)

			if _, ierr := o.interrupt(ctx, sessionID, tracker, head, turn); ierr != nil {
				slog.Error("interruption closure after stream error", "error", ierr, "session_id", sessionID)
			}

			return nil, fmt.Errorf("provider stream: %w", ev.Err)
		}
	}

	if out.stopReason == "" {
		// Stream closed without end_of_turn: treat as an interruption
		// so the log stays well-formed.
		return o.interrupt(ctx, sessionID, tracker, head, turn)
	}

	return out, nil
}

// flushPreTool persists the turn's accumulated thinking/text plus all
// registered tool_use blocks as one message.assistant event. Runs once
// per turn, on the first tool_execution_start.
func (o *Orchestrator) flushPreTool(ctx context.Context, sessionID string, tracker *Tracker, head *string, carriedUsage **service.TokenUsage, turn int) error {
	blocks := tracker.FlushPreToolContent()
	if blocks == nil {
		return nil
	}

	payload := service.MessageAssistantPayload{
		Content:    blocks,
		StopReason: service.StopToolUse,
		Turn:       turn,
	}
	if *carriedUsage != nil {
		payload.TokenUsage = *carriedUsage
		*carriedUsage = nil
	}

	e, err := o.store.AppendEvent(ctx, service.AppendRequest{
		SessionID: sessionID,
		ParentID:  *head,
		Type:      service.EventMessageAssistant,
		Payload:   payload,
		Turn:      turn,
	})
	if err != nil {
		return err
	}

	*head = e.ID

	return nil
}

// runTool executes one tool and appends its result. When the abort
// flag caused the failure, nothing is appended: the tracker entry stays
// running and the interruption closure writes the synthetic result, so
// the log is never double-written.
func (o *Orchestrator) runTool(streamCtx, appendCtx context.Context, sessionID string, tracker *Tracker, head *string, ev service.StreamEvent, cancel *atomic.Bool, turn int) (bool, error) {
	started := time.Now()
	tracker.StartToolCall(ev.ToolID, ev.ToolName, ev.ToolArgs, started.UTC().Format(time.RFC3339Nano))
	o.sink.Publish(sessionID, PushToolStarted, map[string]any{
		"tool_call_id": ev.ToolID,
		"name":         ev.ToolName,
		"turn":         turn,
	})

	toolCtx := streamCtx
	var cancelTool context.CancelFunc
	if o.toolTimeout > 0 {
		toolCtx, cancelTool = context.WithTimeout(streamCtx, o.toolTimeout)
		defer cancelTool()
	}

	outcome, err := o.tools.Invoke(toolCtx, ev.ToolName, ev.ToolArgs)
	if err != nil {
		if cancel != nil && cancel.Load() {
			return true, nil
		}

		outcome = &service.ToolOutcome{
			Content: service.TextContent(err.Error()),
			IsError: true,
		}
	}

	status := service.ToolStatusOK
	if outcome.IsError {
		status = service.ToolStatusError
	}

	e, appendErr := o.store.AppendEvent(appendCtx, service.AppendRequest{
		SessionID: sessionID,
		ParentID:  *head,
		Type:      service.EventToolResult,
		Payload: service.ToolResultPayload{
			ToolCallID: ev.ToolID,
			ToolName:   ev.ToolName,
			Content:    outcome.Content,
			IsError:    outcome.IsError,
			Status:     status,
			DurationMS: time.Since(started).Milliseconds(),
			BlobRefs:   outcome.BlobRefs,
		},
		Turn: turn,
	})
	if appendErr != nil {
		return false, appendErr
	}

	*head = e.ID
	tracker.EndToolCall(ev.ToolID, outcome.IsError, nowRFC3339())
	o.sink.Publish(sessionID, PushToolResult, map[string]any{
		"tool_call_id": ev.ToolID,
		"name":         ev.ToolName,
		"status":       status,
		"turn":         turn,
	})

	return false, nil
}

// watchCancel derives a context that is cancelled shortly after the
// abort flag flips.
func watchCancel(ctx context.Context, cancel *atomic.Bool) (context.Context, func()) {
	if cancel == nil {
		return ctx, func() {}
	}

	derived, stop := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(25 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-derived.Done():
				return
			case <-ticker.C:
				if cancel.Load() {
					stop()

					return
				}
			}
		}
	}()

	return derived, func() {
		close(done)
		stop()
	}
}

// finishTurn persists the accumulated content when the turn ended
// without any tool execution; a flushed turn only records usage.
func (o *Orchestrator) finishTurn(ctx context.Context, sessionID string, tracker *Tracker, head *string, carriedUsage **service.TokenUsage, ev service.StreamEvent, model string, turn int) error {
	if tracker.Flushed() {
		// Pre-tool content is already in the log; carry the usage into
		// the next assistant event.
		if ev.Usage != nil {
			*carriedUsage = ev.Usage
		}

		return nil
	}

	stopReason := ev.StopReason
	if stopReason == "" {
		stopReason = service.StopEndTurn
	}

	payload := service.MessageAssistantPayload{
		Content:    tracker.FlushPreToolContent(),
		StopReason: stopReason,
		Model:      model,
		Turn:       turn,
	}

	usage := ev.Usage
	if *carriedUsage != nil {
		merged := **carriedUsage
		if usage != nil {
			merged.Add(*usage)
		}
		usage = &merged
		*carriedUsage = nil
	}
	payload.TokenUsage = usage

	e, err := o.store.AppendEvent(ctx, service.AppendRequest{
		SessionID: sessionID,
		ParentID:  *head,
		Type:      service.EventMessageAssistant,
		Payload:   payload,
		Turn:      turn,
	})
	if err != nil {
		return err
	}

	*head = e.ID

	return nil
}

// interrupt persists the interruption closure: unflushed assistant
// content plus a synthetic interrupted result for every tool that
// started or was registered but never finished.
func (o *Orchestrator) interrupt(ctx context.Context, sessionID string, tracker *Tracker, head *string, turn int) (*streamOutcome, error) {
	closure := tracker.BuildCurrentTurnInterruptedContent()

	if len(closure.AssistantContent) > 0 {
		tracker.FlushPreToolContent() // mark flushed; content is persisted below

		e, err := o.store.AppendEvent(ctx, service.AppendRequest{
			SessionID: sessionID,
			ParentID:  *head,
			Type:      service.EventMessageAssistant,
			Payload: service.MessageAssistantPayload{
				Content:    closure.AssistantContent,
				StopReason: service.StopInterrupted,
				Turn:       turn,
			},
			Turn: turn,
		})
		if err != nil {
			return nil, err
		}

		*head = e.ID
	}

	for _, tr := range closure.ToolResults {
		e, err := o.store.AppendEvent(ctx, service.AppendRequest{
			SessionID: sessionID,
			ParentID:  *head,
			Type:      service.EventToolResult,
			Payload:   tr,
			Turn:      turn,
		})
		if err != nil {
			return nil, err
		}

		*head = e.ID
		tracker.EndToolCall(tr.ToolCallID, true, nowRFC3339())
	}

	o.sink.Publish(sessionID, PushTurnAborted, map[string]any{"turn": turn})

	return &streamOutcome{stopReason: service.StopInterrupted, aborted: true}, nil
}

// projectedToMessages strips event ids for the provider call.
func projectedToMessages(projected []service.ProjectedMessage) []service.Message {
	messages := make([]service.Message, 0, len(projected))
	for _, pm := range projected {
		messages = append(messages, pm.Message)
	}

	return messages
}

// drain consumes a stream to completion so the producer goroutine can
// exit after an abort.
func drain(stream <-chan service.StreamEvent) {
	go func() {
		for range stream { //nolint:revive
		}
	}()
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
