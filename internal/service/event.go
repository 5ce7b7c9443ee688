package service

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventType tags one entry in the session log. The set is closed and
// grouped by prefix; the prefix before the first dot derives the role
// column for message events.
type EventType string

const (
	EventSessionStart EventType = "session.start"
	EventSessionFork  EventType = "session.fork"
	EventSessionEnd   EventType = "session.end"

	EventMessageUser      EventType = "message.user"
	EventMessageAssistant EventType = "message.assistant"
	EventMessageDeleted   EventType = "message.deleted"

	EventToolCall   EventType = "tool.call"
	EventToolResult EventType = "tool.result"

	EventConfigModelSwitch EventType = "config.model_switch"

	EventCompactBoundary EventType = "compact.boundary"
	EventContextCleared  EventType = "context.cleared"

	EventSkillAdded   EventType = "skill.added"
	EventSkillRemoved EventType = "skill.removed"

	EventMemoryLedger EventType = "memory.ledger"
)

// IsRoot reports whether the type may start a session log.
func (t EventType) IsRoot() bool {
	return t == EventSessionStart || t == EventSessionFork
}

// IsMessage reports whether the type counts toward message_count.
func (t EventType) IsMessage() bool {
	return strings.HasPrefix(string(t), "message.")
}

// Role derives the role column for an event type: "user" for
// message.user, "assistant" for message.assistant, "tool" for the tool
// namespace, empty otherwise.
func (t EventType) Role() string {
	switch t {
	case EventMessageUser:
		return "user"
	case EventMessageAssistant:
		return "assistant"
	case EventToolCall, EventToolResult:
		return "tool"
	default:
		return ""
	}
}

// Event is one immutable record in a session's append-only DAG.
// Sequence is dense per session starting at 0; Depth is the distance
// from the root along parent pointers. Role, ToolName, ToolCallID, Turn
// and the token columns mirror payload fields for queryability.
type Event struct {
	ID          string          `json:"id"`
	ParentID    string          `json:"parent_id,omitempty"`
	SessionID   string          `json:"session_id"`
	WorkspaceID string          `json:"workspace_id"`
	Timestamp   string          `json:"timestamp"`
	Type        EventType       `json:"type"`
	Sequence    int64           `json:"sequence"`
	Depth       int64           `json:"depth"`
	Turn        int             `json:"turn,omitempty"`
	Role        string          `json:"role,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	ToolCallID  string          `json:"tool_call_id,omitempty"`
	TokenUsage  *TokenUsage     `json:"token_usage,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// TokenUsage is the per-turn token accounting extracted from assistant
// payloads and accumulated on sessions.
type TokenUsage struct {
	Input         int64 `json:"input"`
	Output        int64 `json:"output"`
	CacheRead     int64 `json:"cache_read"`
	CacheCreation int64 `json:"cache_creation"`
}

// Add accumulates other into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Input += other.Input
	u.Output += other.Output
	u.CacheRead += other.CacheRead
	u.CacheCreation += other.CacheCreation
}

// Total returns input + output tokens.
func (u TokenUsage) Total() int64 {
	return u.Input + u.Output
}

// ─── Typed Payloads ───

// BlobRef points an event at content-addressed binary data (images,
// documents) held in the blob store.
type BlobRef struct {
	BlobID   string `json:"blob_id"`
	MimeType string `json:"mime_type"`
	Kind     string `json:"kind"` // "image" or "document"
}

// SessionStartPayload is the root event of a freshly created session.
type SessionStartPayload struct {
	WorkingDirectory string   `json:"working_directory"`
	Model            string   `json:"model"`
	Title            string   `json:"title,omitempty"`
	Tags             []string `json:"tags,omitempty"`
}

// SessionForkPayload is the root event of a forked session; its parent
// pointer references an event in the source session.
type SessionForkPayload struct {
	SourceSessionID string `json:"source_session_id"`
	SourceEventID   string `json:"source_event_id"`
	Title           string `json:"title,omitempty"`
	Model           string `json:"model,omitempty"`
}

// SessionEndPayload records why a session ended.
type SessionEndPayload struct {
	Reason string `json:"reason,omitempty"`
}

// MessageUserPayload carries one user prompt, as text and/or content
// blocks with embedded media via blob references.
type MessageUserPayload struct {
	Content  []ContentBlock `json:"content"`
	BlobRefs []BlobRef      `json:"blob_refs,omitempty"`
}

// MessageAssistantPayload is the flushed form of one assistant turn:
// thinking first, then text, then tool_use blocks in insertion order.
type MessageAssistantPayload struct {
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason,omitempty"` // "end_turn", "tool_use", "interrupted"
	Model      string         `json:"model,omitempty"`
	Turn       int            `json:"turn,omitempty"`
	TokenUsage *TokenUsage    `json:"token_usage,omitempty"`
}

// ToolCallPayload records a standalone tool invocation. The orchestrator
// embeds tool_use blocks in assistant events instead; this type exists
// for extension namespaces that log calls individually.
type ToolCallPayload struct {
	ToolCallID string         `json:"tool_call_id"`
	Name       string         `json:"name"`
	Args       map[string]any `json:"args,omitempty"`
	StartedAt  string         `json:"started_at,omitempty"`
}

// Tool result statuses.
const (
	ToolStatusOK          = "ok"
	ToolStatusError       = "error"
	ToolStatusInterrupted = "interrupted"
)

// ToolResultPayload closes one tool_use block from a preceding
// assistant event. Status "interrupted" marks a synthetic result
// written by the abort closure.
type ToolResultPayload struct {
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	Content    []ContentBlock `json:"content,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
	Status     string         `json:"status"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	BlobRefs   []BlobRef      `json:"blob_refs,omitempty"`
}

// MessageDeletedPayload hides an earlier event from the projection.
// AlsoHides lists additional event ids logically bound to the target
// (e.g. the assistant turn a deleted user message spawned).
type MessageDeletedPayload struct {
	TargetEventID string   `json:"target_event_id"`
	AlsoHides     []string `json:"also_hides,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}

// CompactBoundaryPayload replaces the preceding log prefix with a
// summary. Fingerprint is a hash over the compacted prefix so clients
// can detect divergence.
type CompactBoundaryPayload struct {
	Summary      string `json:"summary"`
	Fingerprint  string `json:"fingerprint"`
	EventCount   int64  `json:"event_count"`
	UpToEventID  string `json:"up_to_event_id,omitempty"`
	TokensBefore int64  `json:"tokens_before,omitempty"`
}

// ContextClearedPayload discards preceding messages without touching
// token counters.
type ContextClearedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ConfigModelSwitchPayload changes the session's active model.
type ConfigModelSwitchPayload struct {
	Model         string `json:"model"`
	PreviousModel string `json:"previous_model,omitempty"`
}

// SkillAddedPayload attaches a skill to the session.
type SkillAddedPayload struct {
	Name   string `json:"name"`
	Source string `json:"source,omitempty"` // file path or registry key
	Method string `json:"method,omitempty"` // "user", "auto", "spell"
}

// SkillRemovedPayload detaches a skill by name.
type SkillRemovedPayload struct {
	Name string `json:"name"`
}

// MemoryLedgerPayload is a structured memory entry; all fields are
// searchable.
type MemoryLedgerPayload struct {
	Title     string   `json:"title"`
	Input     string   `json:"input,omitempty"`
	Actions   []string `json:"actions,omitempty"`
	Lessons   []string `json:"lessons,omitempty"`
	Decisions []string `json:"decisions,omitempty"`
	Files     []string `json:"files,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// ─── Payload Codec ───

// MarshalPayload encodes a typed payload for storage.
func MarshalPayload(payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}

	return raw, nil
}

// DecodePayload unmarshals an event's payload into its typed variant.
// Unknown types return ErrUnknownEventType; replay code decides whether
// that is fatal (strict) or skippable (lenient).
func DecodePayload(e *Event) (any, error) {
	var target any

	switch e.Type {
	case EventSessionStart:
		target = &SessionStartPayload{}
	case EventSessionFork:
		target = &SessionForkPayload{}
	case EventSessionEnd:
		target = &SessionEndPayload{}
	case EventMessageUser:
		target = &MessageUserPayload{}
	case EventMessageAssistant:
		target = &MessageAssistantPayload{}
	case EventToolCall:
		target = &ToolCallPayload{}
	case EventToolResult:
		target = &ToolResultPayload{}
	case EventMessageDeleted:
		target = &MessageDeletedPayload{}
	case EventCompactBoundary:
		target = &CompactBoundaryPayload{}
	case EventContextCleared:
		target = &ContextClearedPayload{}
	case EventConfigModelSwitch:
		target = &ConfigModelSwitchPayload{}
	case EventSkillAdded:
		target = &SkillAddedPayload{}
	case EventSkillRemoved:
		target = &SkillRemovedPayload{}
	case EventMemoryLedger:
		target = &MemoryLedgerPayload{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, e.Type)
	}

	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, target); err != nil {
			return nil, fmt.Errorf("%w: decode %s payload for %s: %v", ErrInvalidPayload, e.Type, e.ID, err)
		}
	}

	return target, nil
}

// ExtractColumns derives the mirrored columns (role, tool info, token
// usage) from a typed payload before insert.
func ExtractColumns(e *Event) error {
	e.Role = e.Type.Role()

	switch e.Type {
	case EventMessageAssistant:
		var p MessageAssistantPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if p.TokenUsage != nil {
			e.TokenUsage = p.TokenUsage
		}
		if p.Turn > 0 {
			e.Turn = p.Turn
		}
	case EventToolCall:
		var p ToolCallPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		e.ToolName = p.Name
		e.ToolCallID = p.ToolCallID
	case EventToolResult:
		var p ToolResultPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		e.ToolName = p.ToolName
		e.ToolCallID = p.ToolCallID
	}

	return nil
}
