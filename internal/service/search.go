package service

import (
	"strings"
)

// ExtractSearchText derives the FTS content and tool name for one
// event. Returns ok=false for events that contribute nothing to the
// index (config changes, deletions).
func ExtractSearchText(e *Event) (content, toolName string, ok bool) {
	payload, err := DecodePayload(e)
	if err != nil {
		return "", "", false
	}

	switch p := payload.(type) {
	case *MessageUserPayload:
		return PlainText(p.Content), "", true
	case *MessageAssistantPayload:
		var parts []string
		for _, b := range p.Content {
			switch b.Type {
			case "text":
				parts = append(parts, b.Text)
			case "thinking":
				parts = append(parts, b.Thinking)
			case "tool_use":
				toolName = b.Name
			}
		}
		return strings.Join(parts, "\n"), toolName, true
	case *ToolCallPayload:
		return p.Name, p.Name, true
	case *ToolResultPayload:
		return PlainText(p.Content), p.ToolName, true
	case *CompactBoundaryPayload:
		return p.Summary, "", true
	case *MemoryLedgerPayload:
		parts := []string{p.Title, p.Input}
		parts = append(parts, p.Actions...)
		parts = append(parts, p.Lessons...)
		parts = append(parts, p.Decisions...)
		parts = append(parts, p.Files...)
		parts = append(parts, p.Tags...)
		var kept []string
		for _, s := range parts {
			if s != "" {
				kept = append(kept, s)
			}
		}
		return strings.Join(kept, "\n"), "", true
	default:
		return "", "", false
	}
}
