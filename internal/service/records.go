package service

import (
	"github.com/worldline-go/types"
)

// Workspace maps a working directory path to an id. Created on first
// reference; never deleted by the core.
type Workspace struct {
	ID             string `json:"id"`
	Path           string `json:"path"`
	Name           string `json:"name"`
	CreatedAt      string `json:"created_at"`
	LastActivityAt string `json:"last_activity_at"`
}

// Session statuses.
const (
	SessionStatusActive = "active"
	SessionStatusEnded  = "ended"
)

// Spawn types.
const (
	SpawnTypeSubsession = "subsession"
	SpawnTypeTmux       = "tmux"
	SpawnTypeFork       = "fork"
)

// Session is the mutable header over one event log: head/root pointers
// plus counters kept consistent with the appended events.
type Session struct {
	ID               string `json:"id"`
	WorkspaceID      string `json:"workspace_id"`
	WorkingDirectory string `json:"working_directory"`
	LatestModel      string `json:"latest_model"`
	Title            string `json:"title,omitempty"`
	Status           string `json:"status"`

	RootEventID string `json:"root_event_id"`
	HeadEventID string `json:"head_event_id"`

	EventCount          int64   `json:"event_count"`
	MessageCount        int64   `json:"message_count"`
	TurnCount           int64   `json:"turn_count"`
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	LastTurnInputTokens int64   `json:"last_turn_input_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_tokens"`
	Cost                float64 `json:"cost"`

	ParentSessionID   string `json:"parent_session_id,omitempty"`
	ForkFromEventID   string `json:"fork_from_event_id,omitempty"`
	SpawningSessionID string `json:"spawning_session_id,omitempty"`
	SpawnType         string `json:"spawn_type,omitempty"`
	SpawnTask         string `json:"spawn_task,omitempty"`

	Tags types.Slice[string] `json:"tags,omitempty"`

	CreatedAt      string                 `json:"created_at"`
	LastActivityAt string                 `json:"last_activity_at"`
	EndedAt        types.Null[types.Time] `json:"ended_at,omitempty"`
}

// SpawnInfo updates a session's spawn linkage after creation.
type SpawnInfo struct {
	SpawningSessionID string `json:"spawning_session_id,omitempty"`
	SpawnType         string `json:"spawn_type,omitempty"`
	SpawnTask         string `json:"spawn_task,omitempty"`
}

// Branch is a named head over a session's event DAG. Exactly one branch
// per session may be default.
type Branch struct {
	ID             string `json:"id"`
	SessionID      string `json:"session_id"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	RootEventID    string `json:"root_event_id"`
	HeadEventID    string `json:"head_event_id"`
	IsDefault      bool   `json:"is_default"`
	CreatedAt      string `json:"created_at"`
	LastActivityAt string `json:"last_activity_at"`
}

// Blob is a content-addressed, refcounted binary payload. Content is
// stored gzip-compressed; both sizes are recorded.
type Blob struct {
	ID             string `json:"id"`
	Hash           string `json:"hash"` // sha-256 hex
	MimeType       string `json:"mime_type"`
	SizeOriginal   int64  `json:"size_original"`
	SizeCompressed int64  `json:"size_compressed"`
	RefCount       int64  `json:"ref_count"`
	CreatedAt      string `json:"created_at"`
}

// SearchHit is one FTS match with a highlighted snippet.
type SearchHit struct {
	EventID   string    `json:"event_id"`
	SessionID string    `json:"session_id"`
	Type      EventType `json:"type"`
	ToolName  string    `json:"tool_name,omitempty"`
	Snippet   string    `json:"snippet"`
	Rank      float64   `json:"rank"`
}

// SearchOptions filter a content search.
type SearchOptions struct {
	SessionID   string      `json:"session_id,omitempty"`
	WorkspaceID string      `json:"workspace_id,omitempty"`
	Types       []EventType `json:"types,omitempty"`
	Limit       int         `json:"limit,omitempty"`
	Offset      int         `json:"offset,omitempty"`
}

// LogEntry is one structured application log row, with trace linkage
// for nested operations.
type LogEntry struct {
	ID            string `json:"id"`
	Timestamp     string `json:"timestamp"`
	Level         string `json:"level"`
	Component     string `json:"component"`
	Message       string `json:"message"`
	SessionID     string `json:"session_id,omitempty"`
	WorkspaceID   string `json:"workspace_id,omitempty"`
	EventID       string `json:"event_id,omitempty"`
	Turn          int    `json:"turn,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
	ParentTraceID string `json:"parent_trace_id,omitempty"`
	Depth         int    `json:"depth,omitempty"`
	Data          string `json:"data,omitempty"` // JSON
	ErrorMessage  string `json:"error_message,omitempty"`
	ErrorStack    string `json:"error_stack,omitempty"`
}

// LogQuery filters log reads.
type LogQuery struct {
	SessionID string `json:"session_id,omitempty"`
	Level     string `json:"level,omitempty"`
	Component string `json:"component,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}
