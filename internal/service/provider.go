package service

import "context"

// Stream event kinds emitted by a provider adapter.
const (
	StreamTextDelta          = "text_delta"
	StreamThinkingDelta      = "thinking_delta"
	StreamThinkingSignature  = "thinking_signature"
	StreamToolUseBatch       = "tool_use_batch"
	StreamToolExecutionStart = "tool_execution_start"
	StreamEndOfTurn          = "end_of_turn"
	StreamError              = "error"
)

// Stop reasons reported on end_of_turn.
const (
	StopEndTurn     = "end_turn"
	StopToolUse     = "tool_use"
	StopInterrupted = "interrupted"
)

// ToolIntent is one committed tool invocation from a tool_use_batch.
type ToolIntent struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// StreamEvent is one abstract event from a provider stream. Type
// selects which fields are meaningful.
type StreamEvent struct {
	Type string

	Text      string
	Thinking  string
	Signature string

	ToolUses []ToolIntent // tool_use_batch
	ToolID   string       // tool_execution_start
	ToolName string
	ToolArgs map[string]any

	StopReason string      // end_of_turn
	Usage      *TokenUsage // end_of_turn

	Err error // error
}

// TurnProvider is the abstract stream source for one model turn. The
// real adapters (Anthropic, OpenAI, ...) live outside the core; tests
// use scripted providers.
type TurnProvider interface {
	StreamTurn(ctx context.Context, model string, messages []Message, tools []Tool) (<-chan StreamEvent, error)
}

// ToolOutcome is the result of one tool invocation.
type ToolOutcome struct {
	Content  []ContentBlock `json:"content"`
	IsError  bool           `json:"is_error,omitempty"`
	BlobRefs []BlobRef      `json:"blob_refs,omitempty"`
}

// ToolRegistry resolves and invokes tools by name. Implementations must
// honor ctx cancellation; a tool that ignores it still gets its result
// recorded when it eventually returns.
type ToolRegistry interface {
	Definitions() []Tool
	Invoke(ctx context.Context, name string, args map[string]any) (*ToolOutcome, error)
}

// Summarizer produces the compaction summary for a message prefix.
// Treated as an external collaborator (a dedicated model call).
type Summarizer interface {
	Summarize(ctx context.Context, messages []ProjectedMessage) (string, error)
}
