package session

import (
	"github.com/mhismail3/tron/internal/service"
)

// Tool call statuses inside the tracker.
const (
	toolPending = "pending"
	toolRunning = "running"
	toolDone    = "done"
	toolError   = "error"
)

// ToolCallState tracks one tool invocation within a turn. Sealed
// entries belong to earlier turns and are excluded from interruption
// closures.
type ToolCallState struct {
	ID        string
	Name      string
	Args      map[string]any
	Status    string
	StartedAt string
	EndedAt   string
	Sealed    bool
}

// Tracker is the in-memory, non-persistent per-turn accumulator for
// streaming content. It enforces the pre-tool flush ordering and builds
// interruption snapshots, which is what makes resume-after-interrupt
// deterministic.
type Tracker struct {
	turn int

	text      string
	thinking  string
	signature string

	toolCalls map[string]*ToolCallState
	toolOrder []string

	preToolFlushed bool
}

func NewTracker() *Tracker {
	t := &Tracker{}
	t.OnAgentStart()

	return t
}

// OnAgentStart clears everything, including tool entries carried from
// earlier turns.
func (t *Tracker) OnAgentStart() {
	t.turn = 0
	t.text = ""
	t.thinking = ""
	t.signature = ""
	t.toolCalls = make(map[string]*ToolCallState)
	t.toolOrder = nil
	t.preToolFlushed = false
}

// OnTurnStart clears per-turn text/thinking and the flush flag.
// Previous-turn tool entries are sealed, not dropped, so late results
// can still be matched by id.
func (t *Tracker) OnTurnStart(n int) {
	t.turn = n
	t.text = ""
	t.thinking = ""
	t.signature = ""
	t.preToolFlushed = false

	for _, tc := range t.toolCalls {
		tc.Sealed = true
	}
}

func (t *Tracker) Turn() int { return t.turn }

func (t *Tracker) AddTextDelta(delta string) {
	t.text += delta
}

func (t *Tracker) AddThinkingDelta(delta string) {
	t.thinking += delta
}

func (t *Tracker) SetThinkingSignature(signature string) {
	t.signature = signature
}

// RegisterToolIntents records the model's committed tool batch as
// pending entries. Idempotent on id.
func (t *Tracker) RegisterToolIntents(batch []service.ToolIntent) {
	for _, intent := range batch {
		if _, ok := t.toolCalls[intent.ID]; ok {
			continue
		}

		t.toolCalls[intent.ID] = &ToolCallState{
			ID:     intent.ID,
			Name:   intent.Name,
			Args:   intent.Args,
			Status: toolPending,
		}
		t.toolOrder = append(t.toolOrder, intent.ID)
	}
}

// StartToolCall transitions pending → running, creating the entry if
// the batch never pre-registered it.
func (t *Tracker) StartToolCall(id, name string, args map[string]any, ts string) {
	tc, ok := t.toolCalls[id]
	if !ok {
		tc = &ToolCallState{ID: id, Name: name, Args: args}
		t.toolCalls[id] = tc
		t.toolOrder = append(t.toolOrder, id)
	}

	tc.Status = toolRunning
	tc.StartedAt = ts
	if tc.Name == "" {
		tc.Name = name
	}
	if tc.Args == nil {
		tc.Args = args
	}
}

// EndToolCall transitions to done or error.
func (t *Tracker) EndToolCall(id string, isError bool, ts string) {
	tc, ok := t.toolCalls[id]
	if !ok {
		return
	}

	tc.EndedAt = ts
	if isError {
		tc.Status = toolError
	} else {
		tc.Status = toolDone
	}
}

// currentTurnContent builds the assistant content in flush order:
// thinking (with signature if present), then text, then tool_use
// blocks in insertion order.
func (t *Tracker) currentTurnContent() []service.ContentBlock {
	var blocks []service.ContentBlock

	if t.thinking != "" {
		blocks = append(blocks, service.ContentBlock{
			Type:      "thinking",
			Thinking:  t.thinking,
			Signature: t.signature,
		})
	}

	if t.text != "" {
		blocks = append(blocks, service.TextBlock(t.text))
	}

	for _, id := range t.toolOrder {
		tc := t.toolCalls[id]
		if tc.Sealed {
			continue
		}

		blocks = append(blocks, service.ContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Name,
			Input: tc.Args,
		})
	}

	return blocks
}

// FlushPreToolContent returns the ordered content for the turn's
// message.assistant event exactly once; subsequent calls return nil.
func (t *Tracker) FlushPreToolContent() []service.ContentBlock {
	if t.preToolFlushed {
		return nil
	}

	t.preToolFlushed = true

	return t.currentTurnContent()
}

// Flushed reports whether pre-tool content was already persisted this
// turn.
func (t *Tracker) Flushed() bool { return t.preToolFlushed }

// InterruptedContent is the closure persisted on abort.
type InterruptedContent struct {
	// AssistantContent is empty if pre-tool content was already
	// flushed; otherwise it is the same payload FlushPreToolContent
	// would have returned.
	AssistantContent []service.ContentBlock

	// ToolResults holds synthetic interrupted results only for entries
	// still pending or running; done/error results are already
	// persisted and must not be double-written.
	ToolResults []service.ToolResultPayload
}

// BuildCurrentTurnInterruptedContent snapshots what abort must persist
// to leave the log a valid projection source.
func (t *Tracker) BuildCurrentTurnInterruptedContent() InterruptedContent {
	var out InterruptedContent

	if !t.preToolFlushed {
		out.AssistantContent = t.currentTurnContent()
	}

	for _, id := range t.toolOrder {
		tc := t.toolCalls[id]
		if tc.Sealed {
			continue
		}

		if tc.Status != toolPending && tc.Status != toolRunning {
			continue
		}

		out.ToolResults = append(out.ToolResults, service.ToolResultPayload{
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			Content:    service.TextContent("Tool execution was interrupted."),
			IsError:    true,
			Status:     service.ToolStatusInterrupted,
		})
	}

	return out
}
