package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/haasonsaas/agenthub/internal/agent"
)

const (
	defaultSearchResults = 5
	maxSearchResults     = 25
	searchSnippetLen     = 200
)

// ContextSearchTool searches the agent's own conversation log. Long-running
// agents use it to find earlier turns without replaying the whole history
// through the model.
type ContextSearchTool struct{}

// NewContextSearchTool creates the tool.
func NewContextSearchTool() *ContextSearchTool { return &ContextSearchTool{} }

func (t *ContextSearchTool) Name() string { return "context_search" }

func (t *ContextSearchTool) Description() string {
	return "Search the conversation history by substring or regular expression; returns message indexes and snippets."
}

func (t *ContextSearchTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Text to search for.",
			},
			"regex": map[string]interface{}{
				"type":        "boolean",
				"description": "Treat query as a regular expression.",
			},
			"max_results": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum matching messages to return (default 5, max 25).",
				"minimum":     1,
			},
		},
		"required": []string{"query"},
	}
	return marshalSchema(schema)
}

// searchHit is one matching message.
type searchHit struct {
	Message int    `json:"message"`
	Role    string `json:"role"`
	Snippet string `json:"snippet"`
	Matches int    `json:"matches"`
}

func (t *ContextSearchTool) Execute(ctx context.Context, call Call) (agent.ToolOutcome, error) {
	_ = ctx
	if call.Runner == nil {
		return toolError("agent not found: " + call.AgentID), nil
	}
	var input struct {
		Query      string `json:"query"`
		Regex      bool   `json:"regex"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	query := strings.TrimSpace(input.Query)
	if query == "" {
		return toolError("query is required"), nil
	}

	maxResults := defaultSearchResults
	if input.MaxResults > 0 {
		maxResults = input.MaxResults
	}
	if maxResults > maxSearchResults {
		maxResults = maxSearchResults
	}

	var re *regexp.Regexp
	if input.Regex {
		var err error
		if re, err = regexp.Compile(query); err != nil {
			return toolError(fmt.Sprintf("invalid regex: %v", err)), nil
		}
	}
	foldedQuery := foldText(query)

	history := call.Runner.History()
	hits := make([]searchHit, 0, maxResults)
	total := 0
	truncated := false
	for i, m := range history {
		text := messageText(m)
		if text == "" {
			continue
		}

		var count, at int
		if re != nil {
			locs := re.FindAllStringIndex(text, -1)
			if len(locs) == 0 {
				continue
			}
			count, at = len(locs), locs[0][0]
		} else {
			folded := foldText(text)
			at = strings.Index(folded, foldedQuery)
			if at < 0 {
				continue
			}
			count = strings.Count(folded, foldedQuery)
			// Snippet offsets come from the folded text; reuse them on the
			// original only when folding kept the length.
			if len(folded) != len(text) {
				text = folded
			}
		}

		total += count
		if len(hits) >= maxResults {
			truncated = true
			continue
		}
		hits = append(hits, searchHit{
			Message: i,
			Role:    m.Role,
			Snippet: snippetAround(text, at),
			Matches: count,
		})
	}

	return jsonResult(map[string]interface{}{
		"query":         query,
		"results":       hits,
		"total_matches": total,
		"truncated":     truncated,
	}), nil
}

// messageText flattens a message's text content, including text nested in
// tool results.
func messageText(m agent.Message) string {
	var parts []string
	var walk func(blocks []agent.Block)
	walk = func(blocks []agent.Block) {
		for _, b := range blocks {
			switch b.Type {
			case "text":
				if b.Text != "" {
					parts = append(parts, b.Text)
				}
			case "tool_result":
				walk(b.Content)
			}
		}
	}
	walk(m.Content)
	return strings.Join(parts, "\n")
}

// foldText normalizes for matching: NFKC composes width and compatibility
// variants, lowercasing handles case.
func foldText(s string) string {
	return strings.ToLower(norm.NFKC.String(s))
}

// snippetAround cuts a window centered on the match, trimmed to rune
// boundaries.
func snippetAround(text string, at int) string {
	start := at - searchSnippetLen/2
	if start < 0 {
		start = 0
	}
	end := start + searchSnippetLen
	if end > len(text) {
		end = len(text)
		start = end - searchSnippetLen
		if start < 0 {
			start = 0
		}
	}
	for start > 0 && start < len(text) && !isRuneStart(text[start]) {
		start++
	}
	for end > start && end < len(text) && !isRuneStart(text[end]) {
		end--
	}
	snippet := text[start:end]
	if start > 0 {
		snippet = "..." + snippet
	}
	if end < len(text) {
		snippet += "..."
	}
	return snippet
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
