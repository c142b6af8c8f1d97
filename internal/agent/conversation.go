package agent

import (
	"encoding/json"
	"strings"
	"time"
)

// Block is one content block inside a message. Exactly one family of fields
// is populated depending on Type.
type Block struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string  `json:"tool_use_id,omitempty"`
	Content   []Block `json:"content,omitempty"`
	IsError   bool    `json:"is_error,omitempty"`

	// image
	MediaType string `json:"mediaType,omitempty"`
	Data      string `json:"data,omitempty"`
}

// TextBlock builds a plain text block.
func TextBlock(s string) Block { return Block{Type: "text", Text: s} }

// ImageBlock builds a base64 image block.
func ImageBlock(mediaType, data string) Block {
	return Block{Type: "image", MediaType: mediaType, Data: data}
}

// ToolResultBlock pairs a result with the tool_use that requested it.
func ToolResultBlock(toolUseID string, content []Block, isErr bool) Block {
	return Block{Type: "tool_result", ToolUseID: toolUseID, Content: content, IsError: isErr}
}

// Message is one entry in an agent's conversation.
type Message struct {
	Role      string    `json:"role"`
	Content   []Block   `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Conversation is the append-only message log for one agent. It is not safe
// for concurrent use; the Runner serializes access.
type Conversation struct {
	messages []Message
}

func NewConversation() *Conversation { return &Conversation{} }

// RestoreConversation rebuilds a conversation from snapshot messages.
func RestoreConversation(msgs []Message) *Conversation {
	return &Conversation{messages: append([]Message(nil), msgs...)}
}

func (c *Conversation) Len() int { return len(c.messages) }

// Append adds a message to the log.
func (c *Conversation) Append(m Message) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	c.messages = append(c.messages, m)
}

// AppendUser adds a user message with the given blocks.
func (c *Conversation) AppendUser(blocks ...Block) {
	c.Append(Message{Role: "user", Content: blocks})
}

// AppendAssistant adds an assistant message with the given blocks.
func (c *Conversation) AppendAssistant(blocks ...Block) {
	c.Append(Message{Role: "assistant", Content: blocks})
}

// Messages returns the raw log. Callers must not mutate the slice.
func (c *Conversation) Messages() []Message { return c.messages }

// Last returns the final message, or a zero Message when empty.
func (c *Conversation) Last() (Message, bool) {
	if len(c.messages) == 0 {
		return Message{}, false
	}
	return c.messages[len(c.messages)-1], true
}

// LLMView produces the message list sent to the model. Adjacent user
// messages are merged so tool_result blocks land at the head of the user
// turn that follows their tool_use, which the API requires.
func (c *Conversation) LLMView() []Message {
	out := make([]Message, 0, len(c.messages))
	for _, m := range c.messages {
		if len(out) > 0 && out[len(out)-1].Role == m.Role {
			prev := &out[len(out)-1]
			merged := make([]Block, 0, len(prev.Content)+len(m.Content))
			merged = append(merged, prev.Content...)
			merged = append(merged, m.Content...)
			prev.Content = merged
			continue
		}
		out = append(out, Message{Role: m.Role, Content: append([]Block(nil), m.Content...)})
	}
	return out
}

// UnpairedToolUses returns the ids of tool_use blocks in the final assistant
// message that have no tool_result yet. A non-empty result means the
// conversation is mid tool cycle.
func (c *Conversation) UnpairedToolUses() []string {
	last := len(c.messages) - 1
	if last < 0 {
		return nil
	}
	// Walk back over trailing user messages collecting results, then check
	// the assistant message before them.
	results := map[string]bool{}
	i := last
	for i >= 0 && c.messages[i].Role == "user" {
		for _, b := range c.messages[i].Content {
			if b.Type == "tool_result" {
				results[b.ToolUseID] = true
			}
		}
		i--
	}
	if i < 0 || c.messages[i].Role != "assistant" {
		return nil
	}
	var pending []string
	for _, b := range c.messages[i].Content {
		if b.Type == "tool_use" && !results[b.ID] {
			pending = append(pending, b.ID)
		}
	}
	return pending
}

const browsedPrefix = "Browsed: "

// CompressBrowseResults rewrites every browse tool_result except the most
// recent one down to a one-line summary, dropping DOM dumps and screenshots
// from history. Already-compressed results are left alone, so the pass is
// idempotent.
func (c *Conversation) CompressBrowseResults() int {
	// Map tool_use id -> input for browse calls so the summary can name the
	// page even when the result carries no title.
	browseUse := map[string]json.RawMessage{}
	for _, m := range c.messages {
		if m.Role != "assistant" {
			continue
		}
		for _, b := range m.Content {
			if b.Type == "tool_use" && b.Name == "browse" {
				browseUse[b.ID] = b.Input
			}
		}
	}
	if len(browseUse) == 0 {
		return 0
	}

	// Locate the newest browse result; it keeps its full payload.
	newestMsg, newestBlk := -1, -1
	for mi := len(c.messages) - 1; mi >= 0 && newestMsg < 0; mi-- {
		m := c.messages[mi]
		if m.Role != "user" {
			continue
		}
		for bi := len(m.Content) - 1; bi >= 0; bi-- {
			b := m.Content[bi]
			if b.Type == "tool_result" && browseUse[b.ToolUseID] != nil {
				newestMsg, newestBlk = mi, bi
				break
			}
		}
	}

	compressed := 0
	for mi := range c.messages {
		m := &c.messages[mi]
		if m.Role != "user" {
			continue
		}
		for bi := range m.Content {
			b := &m.Content[bi]
			if b.Type != "tool_result" || browseUse[b.ToolUseID] == nil {
				continue
			}
			if mi == newestMsg && bi == newestBlk {
				continue
			}
			if isCompressedBrowse(b.Content) {
				continue
			}
			summary := browseSummary(b.Content, browseUse[b.ToolUseID])
			b.Content = []Block{TextBlock(summary)}
			compressed++
		}
	}
	return compressed
}

func isCompressedBrowse(content []Block) bool {
	return len(content) == 1 && content[0].Type == "text" &&
		strings.HasPrefix(content[0].Text, browsedPrefix)
}

// browseSummary extracts title and url from a browse result payload, falling
// back to the request input for the url.
func browseSummary(content []Block, input json.RawMessage) string {
	title, url := "", ""
	for _, b := range content {
		if b.Type != "text" {
			continue
		}
		var payload struct {
			Title string `json:"title"`
			URL   string `json:"url"`
		}
		if err := json.Unmarshal([]byte(b.Text), &payload); err == nil {
			if payload.Title != "" {
				title = payload.Title
			}
			if payload.URL != "" {
				url = payload.URL
			}
		}
	}
	if url == "" && len(input) > 0 {
		var req struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(input, &req); err == nil {
			url = req.URL
		}
	}
	switch {
	case title != "" && url != "":
		return browsedPrefix + title + " (" + url + ")"
	case url != "":
		return browsedPrefix + url
	case title != "":
		return browsedPrefix + title
	default:
		return browsedPrefix + "page"
	}
}
