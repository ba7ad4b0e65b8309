package model

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	anthropicAPIURL  = "https://api.anthropic.com/v1/messages"
	anthropicVersion = "2023-06-01"
)

type anthropicProvider struct {
	apiKey       string
	url          string
	client       *http.Client
	models       []ModelInfo
	defaultModel string
	log          *slog.Logger
}

// NewAnthropicProvider returns the Anthropic messages-API adapter. Unlike
// the chat-completions vendors, the stream is framed as typed events
// separated by blank lines, and block boundaries arrive explicitly.
func NewAnthropicProvider(apiKey string, log *slog.Logger, opts ...ProviderOption) Provider {
	settings := resolveProviderSettings(opts)
	url := anthropicAPIURL
	if settings.baseURL != "" {
		url = settings.baseURL
	}
	return &anthropicProvider{
		apiKey: apiKey,
		url:    url,
		client: newHTTPClient(),
		models: []ModelInfo{
			{
				ID: "claude-opus-4-5-20251101", Name: "Claude Opus 4.5",
				ContextWindow: 200_000, MaxOutput: 16_384,
				Capabilities: []Capability{CapabilityToolUse, CapabilityThinking, CapabilityVision},
			},
			{
				ID: "claude-sonnet-4-5-20250929", Name: "Claude Sonnet 4.5",
				ContextWindow: 200_000, MaxOutput: 16_384,
				Capabilities: []Capability{CapabilityToolUse, CapabilityThinking, CapabilityVision},
			},
			{
				ID: "claude-haiku-4-5-20251001", Name: "Claude Haiku 4.5",
				ContextWindow: 200_000, MaxOutput: 8_192,
				Capabilities: []Capability{CapabilityToolUse, CapabilityThinking, CapabilityVision},
			},
			{
				ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet",
				ContextWindow: 200_000, MaxOutput: 8_192,
				Capabilities: []Capability{CapabilityToolUse, CapabilityVision},
			},
			{
				ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku",
				ContextWindow: 200_000, MaxOutput: 8_192,
				Capabilities: []Capability{CapabilityToolUse, CapabilityVision},
			},
		},
		defaultModel: "claude-sonnet-4-5-20250929",
		log:          log,
	}
}

func (p *anthropicProvider) Name() string { return "anthropic" }

func (p *anthropicProvider) Models() []ModelInfo { return p.models }

func (p *anthropicProvider) DefaultModel() string { return p.defaultModel }

func (p *anthropicProvider) Supports(modelID string, c Capability) bool {
	for _, m := range p.models {
		if m.ID == modelID {
			return m.Supports(c)
		}
	}
	return false
}

func (p *anthropicProvider) header() http.Header {
	h := http.Header{}
	h.Set("x-api-key", p.apiKey)
	h.Set("anthropic-version", anthropicVersion)
	return h
}

func (p *anthropicProvider) buildBody(req *Request, stream bool) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, NewProviderError("anthropic", ProviderErrorKindInvalidRequest, err.Error())
	}

	messages := make([]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		var content []any
		for _, block := range m.Content {
			switch b := block.(type) {
			case *TextBlock:
				content = append(content, map[string]any{"type": "text", "text": b.Text})
			case *ToolUseBlock:
				content = append(content, map[string]any{
					"type":  "tool_use",
					"id":    b.ID,
					"name":  b.Name,
					"input": json.RawMessage(b.Input),
				})
			case *ToolResultBlock:
				content = append(content, map[string]any{
					"type":        "tool_result",
					"tool_use_id": b.ToolUseID,
					"content":     b.Content.AsText(),
					"is_error":    b.IsError,
				})
			case *ImageBlock:
				if b.Image.Base64 == "" {
					continue
				}
				content = append(content, map[string]any{
					"type": "image",
					"source": map[string]any{
						"type":       "base64",
						"media_type": b.Image.MediaType,
						"data":       b.Image.Base64,
					},
				})
			}
		}
		if len(content) == 0 {
			continue
		}
		messages = append(messages, map[string]any{"role": string(m.Role), "content": content})
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	body, err := json.Marshal(map[string]any{
		"model":      model,
		"messages":   messages,
		"max_tokens": maxTokens,
		"stream":     stream,
	})
	if err != nil {
		return nil, NewProviderError("anthropic", ProviderErrorKindInvalidRequest, err.Error())
	}

	if req.System != "" {
		body, _ = sjson.SetBytes(body, "system", req.System)
	}
	if req.Temperature != nil {
		body, _ = sjson.SetBytes(body, "temperature", *req.Temperature)
	}
	if req.Thinking != nil && req.Thinking.Enabled {
		body, _ = sjson.SetBytes(body, "thinking", map[string]any{
			"type":          "enabled",
			"budget_tokens": req.Thinking.BudgetTokens,
		})
	}
	if len(req.Tools) > 0 {
		tools := make([]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.InputSchema,
			})
		}
		body, _ = sjson.SetBytes(body, "tools", tools)
	}
	return body, nil
}

func (p *anthropicProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	body, err := p.buildBody(req, false)
	if err != nil {
		return nil, err
	}

	resp, err := postJSON(ctx, p.client, "anthropic", p.url, p.header(), body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyAnthropicError(resp.StatusCode, drainBody(resp))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewNetworkError("anthropic", err)
	}
	return parseAnthropicResponse(raw)
}

func (p *anthropicProvider) Stream(ctx context.Context, req *Request) (*ChunkStream, error) {
	body, err := p.buildBody(req, true)
	if err != nil {
		return nil, err
	}

	resp, err := postJSON(ctx, p.client, "anthropic", p.url, p.header(), body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyAnthropicError(resp.StatusCode, drainBody(resp))
	}

	stream := newChunkStream(32)
	parser := &anthropicParser{log: p.log}
	go pumpSSE(ctx, "anthropic", resp.Body, stream, parser)
	return stream, nil
}

func (p *anthropicProvider) TestKey(ctx context.Context) error {
	req := &Request{
		Model:     "claude-3-5-haiku-20241022",
		Messages:  []Message{UserMessage("Hi")},
		MaxTokens: 1,
	}
	_, err := p.Complete(ctx, req)
	return err
}

// anthropicParser assembles event/data line pairs and converts each typed
// event to a canonical chunk on the blank line that ends the event. Tool id
// and name arrive on content_block_start, so the parser stamps them onto
// every input_json_delta for that block.
type anthropicParser struct {
	eventType string
	data      string

	toolID       string
	toolName     string
	toolNameSent bool

	err error
	log *slog.Logger
}

func (p *anthropicParser) terminalErr() error { return p.err }

func (p *anthropicParser) feed(line string) []StreamChunk {
	if et, ok := strings.CutPrefix(line, "event: "); ok {
		p.eventType = et
		return nil
	}
	if d, ok := strings.CutPrefix(line, "data: "); ok {
		p.data = d
		return nil
	}
	if line != "" {
		return nil
	}

	// Blank line: the buffered event is complete.
	eventType, data := p.eventType, p.data
	p.eventType, p.data = "", ""
	if data == "" {
		return nil
	}
	if !gjson.Valid(data) {
		if p.log != nil {
			p.log.Debug("skipping malformed stream event", "provider", "anthropic", "event", eventType)
		}
		return nil
	}
	return p.parseEvent(eventType, gjson.Parse(data))
}

func (p *anthropicParser) parseEvent(eventType string, root gjson.Result) []StreamChunk {
	switch eventType {
	case "message_start":
		return []StreamChunk{StartChunk{MessageID: root.Get("message.id").String()}}

	case "content_block_start":
		index := int(root.Get("index").Int())
		block := root.Get("content_block")
		bt := BlockTypeText
		switch block.Get("type").String() {
		case "tool_use":
			bt = BlockTypeToolUse
			p.toolID = block.Get("id").String()
			p.toolName = block.Get("name").String()
			p.toolNameSent = false
		case "thinking":
			bt = BlockTypeThinking
		}
		chunk := BlockStartChunk{Index: index, BlockType: bt}
		if bt == BlockTypeToolUse {
			chunk.ToolID = p.toolID
			chunk.ToolName = p.toolName
		}
		return []StreamChunk{chunk}

	case "content_block_delta":
		delta := root.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			return []StreamChunk{DeltaChunk{Delta: TextDelta{Text: delta.Get("text").String()}}}
		case "thinking_delta":
			return []StreamChunk{DeltaChunk{Delta: ThinkingDelta{Thinking: delta.Get("thinking").String()}}}
		case "input_json_delta":
			name := ""
			if !p.toolNameSent {
				name = p.toolName
				p.toolNameSent = true
			}
			return []StreamChunk{DeltaChunk{Delta: ToolInputDelta{
				ID:        p.toolID,
				Name:      name,
				InputJSON: delta.Get("partial_json").String(),
			}}}
		}
		return nil

	case "content_block_stop":
		return []StreamChunk{BlockStopChunk{Index: int(root.Get("index").Int())}}

	case "message_delta":
		reason := root.Get("delta.stop_reason")
		if !reason.Exists() {
			return nil
		}
		var usage *Usage
		if u := root.Get("usage"); u.Exists() {
			usage = &Usage{
				InputTokens:  int(u.Get("input_tokens").Int()),
				OutputTokens: int(u.Get("output_tokens").Int()),
			}
		}
		return []StreamChunk{StopChunk{Reason: anthropicStopReason(reason.String()), Usage: usage}}

	case "error":
		message := root.Get("error.message").String()
		if message == "" {
			message = "unknown error"
		}
		p.err = &ProviderError{
			Provider: "anthropic",
			Kind:     ProviderErrorKindProvider,
			Status:   http.StatusInternalServerError,
			Message:  message,
		}
		return nil
	}

	// message_stop, ping, and unknown event types carry nothing.
	return nil
}

func anthropicStopReason(s string) StopReason {
	switch s {
	case "end_turn":
		return StopReasonEndTurn
	case "max_tokens":
		return StopReasonMaxTokens
	case "stop_sequence":
		return StopReasonStopSequence
	case "tool_use":
		return StopReasonToolUse
	default:
		return StopReasonEndTurn
	}
}

func parseAnthropicResponse(raw []byte) (*Response, error) {
	if !gjson.ValidBytes(raw) {
		return nil, NewParseError("anthropic", fmt.Errorf("invalid response body"))
	}
	root := gjson.ParseBytes(raw)

	var content []ContentBlock
	root.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			content = append(content, &TextBlock{Text: block.Get("text").String()})
		case "thinking":
			content = append(content, &ThinkingBlock{Thinking: block.Get("thinking").String()})
		case "tool_use":
			input := block.Get("input").Raw
			if input == "" {
				input = "null"
			}
			content = append(content, &ToolUseBlock{
				ID:    block.Get("id").String(),
				Name:  block.Get("name").String(),
				Input: json.RawMessage(input),
			})
		}
		return true
	})

	return &Response{
		ID:         root.Get("id").String(),
		Model:      root.Get("model").String(),
		Content:    content,
		StopReason: anthropicStopReason(root.Get("stop_reason").String()),
		Usage: Usage{
			InputTokens:  int(root.Get("usage.input_tokens").Int()),
			OutputTokens: int(root.Get("usage.output_tokens").Int()),
		},
	}, nil
}

func classifyAnthropicError(status int, body []byte) *ProviderError {
	if !gjson.ValidBytes(body) {
		return &ProviderError{
			Provider: "anthropic",
			Kind:     ProviderErrorKindProvider,
			Status:   status,
			Message:  string(body),
		}
	}
	root := gjson.ParseBytes(body)
	message := root.Get("error.message").String()
	if message == "" {
		message = "unknown error"
	}

	perr := &ProviderError{Provider: "anthropic", Status: status, Message: message}
	switch root.Get("error.type").String() {
	case "authentication_error":
		perr.Kind = ProviderErrorKindAuth
	case "rate_limit_error":
		perr.Kind = ProviderErrorKindRateLimit
		perr.RetryAfter = 60 * time.Second
	case "invalid_request_error":
		perr.Kind = ProviderErrorKindInvalidRequest
	case "not_found_error":
		perr.Kind = ProviderErrorKindModelNotFound
	default:
		perr.Kind = ProviderErrorKindProvider
	}
	return perr
}
