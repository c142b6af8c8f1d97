// Package anthropic adapts provider-neutral completion requests to the
// Anthropic Messages API. It implements agent.SendApiRequest: one streaming
// request per call, deltas forwarded through emit as they arrive, and the
// finished assistant turn assembled from the stream.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/agenthub/internal/agent"
)

// Provider is the identifier this adapter answers for. Agents configured
// with an empty provider fall through to it as well.
const Provider = "anthropic"

const (
	defaultModel      = "claude-sonnet-4-20250514"
	defaultMaxTokens  = 4096
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
)

// maxEmptyStreamEvents bounds consecutive events that produce no output
// before the stream is treated as malformed and abandoned.
const maxEmptyStreamEvents = 300

// Config holds adapter settings. Only APIKey is required.
type Config struct {
	// APIKey authenticates against the Anthropic API.
	APIKey string

	// BaseURL overrides the API endpoint, mainly for tests and proxies.
	BaseURL string

	// Timeout caps a single request attempt including its stream. Zero
	// means no cap beyond the caller's context.
	Timeout time.Duration

	// MaxRetries is the number of retry attempts for transient failures.
	// Retries only happen while nothing has been emitted yet.
	MaxRetries int

	// RetryDelay is the base backoff; the actual delay doubles per attempt.
	RetryDelay time.Duration

	// DefaultModel is used when a request does not name a model.
	DefaultModel string
}

// Adapter is a stateless Anthropic client. It is safe for concurrent use;
// every Send call drives an independent stream.
type Adapter struct {
	client       anthropic.Client
	timeout      time.Duration
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// New validates cfg, applies defaults, and returns a ready adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultModel
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Adapter{
		client:       anthropic.NewClient(opts...),
		timeout:      cfg.Timeout,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Send implements agent.SendApiRequest. Transient failures are retried with
// exponential backoff, but never after a delta has already been emitted:
// replaying a half-delivered turn would duplicate text at every subscriber.
func (a *Adapter) Send(ctx context.Context, provider string, req agent.ApiRequest, emit func(agent.StreamEvent)) (*agent.FinalMessage, error) {
	if provider != "" && provider != Provider {
		return nil, &agent.AdapterError{Provider: provider, Err: fmt.Errorf("unsupported provider %q", provider)}
	}
	if emit == nil {
		emit = func(agent.StreamEvent) {}
	}

	params, err := a.buildParams(req)
	if err != nil {
		return nil, &agent.AdapterError{Provider: Provider, Err: err}
	}

	for attempt := 0; ; attempt++ {
		final, emitted, err := a.streamOnce(ctx, params, emit)
		if err == nil {
			return final, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if emitted || attempt >= a.maxRetries || !isRetryableError(err) {
			return nil, wrapError(err)
		}

		backoff := a.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// streamOnce performs a single streaming attempt. The returned bool reports
// whether anything was emitted, which gates retries in Send.
func (a *Adapter) streamOnce(ctx context.Context, params anthropic.MessageNewParams, emit func(agent.StreamEvent)) (*agent.FinalMessage, bool, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	asm := &assembler{emit: emit, model: string(params.Model)}
	emptyEvents := 0

	for stream.Next() {
		if err := ctx.Err(); err != nil {
			return nil, asm.emitted, err
		}

		processed, err := asm.handle(stream.Current())
		if err != nil {
			return nil, asm.emitted, err
		}
		if asm.done {
			return asm.final(), asm.emitted, nil
		}

		if processed {
			emptyEvents = 0
			continue
		}
		emptyEvents++
		if emptyEvents >= maxEmptyStreamEvents {
			return nil, asm.emitted, fmt.Errorf("malformed stream: %d consecutive empty events", emptyEvents)
		}
	}

	if err := stream.Err(); err != nil {
		return nil, asm.emitted, err
	}
	if err := ctx.Err(); err != nil {
		return nil, asm.emitted, err
	}
	return nil, asm.emitted, errors.New("stream ended before message_stop")
}

// assembler folds stream events into ordered content blocks. The API
// delivers blocks strictly sequentially (start, deltas, stop), so tracking
// one open block at a time is enough.
type assembler struct {
	emit    func(agent.StreamEvent)
	emitted bool

	blocks   []agent.Block
	text     strings.Builder
	inText   bool
	tool     *agent.Block
	toolJSON strings.Builder

	model        string
	stopReason   string
	inputTokens  int64
	outputTokens int64
	done         bool
}

func (s *assembler) send(ev agent.StreamEvent) {
	s.emitted = true
	s.emit(ev)
}

// handle processes one stream event. The bool reports whether the event
// produced meaningful output, feeding the malformed-stream guard.
func (s *assembler) handle(event anthropic.MessageStreamEventUnion) (bool, error) {
	switch event.Type {
	case "message_start":
		start := event.AsMessageStart()
		if start.Message.Usage.InputTokens > 0 {
			s.inputTokens = start.Message.Usage.InputTokens
		}
		if start.Message.Model != "" {
			s.model = string(start.Message.Model)
		}
		return true, nil

	case "content_block_start":
		block := event.AsContentBlockStart().ContentBlock
		switch block.Type {
		case "text":
			s.inText = true
			s.text.Reset()
		case "tool_use":
			use := block.AsToolUse()
			s.tool = &agent.Block{Type: "tool_use", ID: use.ID, Name: use.Name}
			s.toolJSON.Reset()
			s.send(agent.StreamEvent{Type: agent.LoopToolUseStart, ToolUseID: use.ID, ToolName: use.Name})
		}
		return true, nil

	case "content_block_delta":
		delta := event.AsContentBlockDelta().Delta
		switch delta.Type {
		case "text_delta":
			if delta.Text == "" {
				return false, nil
			}
			s.inText = true
			s.text.WriteString(delta.Text)
			s.send(agent.StreamEvent{Type: agent.LoopTextDelta, Text: delta.Text})
			return true, nil
		case "input_json_delta":
			if delta.PartialJSON == "" {
				return false, nil
			}
			s.toolJSON.WriteString(delta.PartialJSON)
			if s.tool != nil {
				s.send(agent.StreamEvent{Type: agent.LoopToolUseDelta, ToolUseID: s.tool.ID, Delta: delta.PartialJSON})
			}
			return true, nil
		}
		return false, nil

	case "content_block_stop":
		switch {
		case s.tool != nil:
			input := s.toolJSON.String()
			if input == "" {
				input = "{}"
			}
			s.tool.Input = json.RawMessage(input)
			s.blocks = append(s.blocks, *s.tool)
			s.send(agent.StreamEvent{Type: agent.LoopToolUseStop, ToolUseID: s.tool.ID})
			s.tool = nil
		case s.inText:
			s.blocks = append(s.blocks, agent.TextBlock(s.text.String()))
			s.inText = false
			s.text.Reset()
		}
		return true, nil

	case "message_delta":
		delta := event.AsMessageDelta()
		if delta.Usage.OutputTokens > 0 {
			s.outputTokens = delta.Usage.OutputTokens
		}
		if delta.Delta.StopReason != "" {
			s.stopReason = string(delta.Delta.StopReason)
		}
		return true, nil

	case "message_stop":
		s.done = true
		return true, nil

	case "error":
		return true, errors.New("stream error event")
	}

	return false, nil
}

func (s *assembler) final() *agent.FinalMessage {
	stop := s.stopReason
	if stop == "" {
		stop = agent.StopEndTurn
		for _, b := range s.blocks {
			if b.Type == "tool_use" {
				stop = agent.StopToolUse
				break
			}
		}
	}
	return &agent.FinalMessage{
		Content:      s.blocks,
		StopReason:   stop,
		Model:        s.model,
		InputTokens:  s.inputTokens,
		OutputTokens: s.outputTokens,
	}
}

func (a *Adapter) buildParams(req agent.ApiRequest) (anthropic.MessageNewParams, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	model := req.Model
	if model == "" {
		model = a.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{
				Type: "text",
				Text: req.SystemPrompt,
			},
		}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// convertMessages maps conversation messages to API params. Info messages
// never reach an adapter; the runner's LLM view filters them out.
func convertMessages(messages []agent.Message) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))

	for _, msg := range messages {
		if msg.Role != "user" && msg.Role != "assistant" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		for _, b := range msg.Content {
			switch b.Type {
			case "text":
				if b.Text == "" {
					continue
				}
				content = append(content, anthropic.NewTextBlock(b.Text))

			case "image":
				mt, ok := normalizeMediaType(b.MediaType)
				if !ok {
					continue
				}
				content = append(content, anthropic.NewImageBlockBase64(mt, b.Data))

			case "tool_use":
				input := map[string]interface{}{}
				if len(b.Input) > 0 {
					if err := json.Unmarshal(b.Input, &input); err != nil {
						return nil, fmt.Errorf("invalid tool input for %s: %w", b.Name, err)
					}
				}
				content = append(content, anthropic.NewToolUseBlock(b.ID, input, b.Name))

			case "tool_result":
				content = append(content, toolResultParam(b))
			}
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

// toolResultParam builds a tool_result param preserving inline text and
// screenshot blocks, so vision results survive the round trip.
func toolResultParam(b agent.Block) anthropic.ContentBlockParamUnion {
	block := anthropic.ToolResultBlockParam{ToolUseID: b.ToolUseID}
	if b.IsError {
		block.IsError = anthropic.Bool(true)
	}

	var content []anthropic.ToolResultBlockParamContentUnion
	for _, cb := range b.Content {
		switch cb.Type {
		case "text":
			if cb.Text == "" {
				continue
			}
			content = append(content, anthropic.ToolResultBlockParamContentUnion{
				OfText: &anthropic.TextBlockParam{Text: cb.Text},
			})
		case "image":
			mt, ok := normalizeMediaType(cb.MediaType)
			if !ok {
				continue
			}
			content = append(content, anthropic.ToolResultBlockParamContentUnion{
				OfImage: &anthropic.ImageBlockParam{
					Source: anthropic.ImageBlockParamSourceUnion{
						OfBase64: &anthropic.Base64ImageSourceParam{
							Data:      cb.Data,
							MediaType: anthropic.Base64ImageSourceMediaType(mt),
						},
					},
				},
			})
		}
	}
	if len(content) > 0 {
		block.Content = content
	}

	return anthropic.ContentBlockParamUnion{OfToolResult: &block}
}

func normalizeMediaType(mediaType string) (string, bool) {
	switch strings.ToLower(mediaType) {
	case "image/jpeg", "image/jpg":
		return "image/jpeg", true
	case "image/png":
		return "image/png", true
	case "image/gif":
		return "image/gif", true
	case "image/webp":
		return "image/webp", true
	default:
		return "", false
	}
}

func convertTools(decls []agent.ToolDecl) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(decls))
	for _, d := range decls {
		raw := d.InputSchema
		if len(raw) == 0 {
			raw = json.RawMessage(`{"type":"object"}`)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for tool %s: %w", d.Name, err)
		}

		param := anthropic.ToolUnionParamOfTool(schema, d.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("tool conversion failed for %s", d.Name)
		}
		if d.Description != "" {
			param.OfTool.Description = anthropic.String(d.Description)
		}
		out = append(out, param)
	}
	return out, nil
}

// wrapError converts SDK failures to AdapterError, pulling the HTTP status
// out of API errors so callers can tell quota problems from auth problems.
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	var already *agent.AdapterError
	if errors.As(err, &already) {
		return err
	}

	status := 0
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	}
	return &agent.AdapterError{Provider: Provider, Status: status, Err: err}
}

// isRetryableError reports whether a failure is transient. Rate limits,
// server errors, timeouts, and connection drops retry; auth and validation
// failures do not.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode > 0 {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}

	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") {
		return true
	}
	if strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") ||
		strings.Contains(msg, "internal server error") ||
		strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "gateway timeout") {
		return true
	}
	if strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") {
		return true
	}
	if strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") {
		return true
	}

	return false
}
