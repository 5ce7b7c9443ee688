package service

// Message is one entry in the conversation passed to the model.
type Message struct {
	Role    string         `json:"role"` // "user", "assistant", "system"
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one Anthropic-style content element inside a message.
// Type selects which fields are meaningful:
//   - "text":        Text
//   - "thinking":    Thinking, Signature
//   - "tool_use":    ID, Name, Input
//   - "tool_result": ToolUseID, Content (nested blocks) or Text
//   - "image", "document": Source
type ContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	Thinking  string         `json:"thinking,omitempty"`
	Signature string         `json:"signature,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   []ContentBlock `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	Source    *MediaSource   `json:"source,omitempty"`
}

// MediaSource references media for image/document blocks, either inline
// base64 or by blob id resolved through the blob store.
type MediaSource struct {
	Type      string `json:"type"` // "base64", "url", or "blob"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
	BlobID    string `json:"blob_id,omitempty"`
}

// TextBlock builds a single text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// TextContent wraps plain text as a one-block content list.
func TextContent(text string) []ContentBlock {
	return []ContentBlock{TextBlock(text)}
}

// PlainText concatenates the text blocks of a content list.
func PlainText(blocks []ContentBlock) string {
	var out string
	for _, b := range blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}

	return out
}

// ProjectedMessage pairs a materialized message with the event that
// originated it.
type ProjectedMessage struct {
	EventID string  `json:"event_id"`
	Message Message `json:"message"`
}

// Tool describes one invocable tool advertised to the model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}
