package model

import (
	"bytes"
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

// chatCompletionsProvider is the shared implementation behind every vendor
// that speaks the OpenAI chat-completions wire format. Vendors differ only
// in endpoint, model table, and where the stream reports token usage.
type chatCompletionsProvider struct {
	name         string
	url          string
	apiKey       string
	client       *http.Client
	models       []ModelInfo
	defaultModel string
	// streamUsage extracts token counts from the data line carrying the
	// finish reason; vendors disagree on where they put it.
	streamUsage func(root gjson.Result) *Usage
	// includeStreamUsage asks the vendor to attach usage to the final
	// stream chunk via stream_options.
	includeStreamUsage bool
	log                *slog.Logger
}

func chatCompletionsURL(defaultURL string, opts []ProviderOption) string {
	if s := resolveProviderSettings(opts); s.baseURL != "" {
		return s.baseURL
	}
	return defaultURL
}

func (p *chatCompletionsProvider) Name() string { return p.name }

func (p *chatCompletionsProvider) Models() []ModelInfo { return p.models }

func (p *chatCompletionsProvider) DefaultModel() string { return p.defaultModel }

func (p *chatCompletionsProvider) Supports(modelID string, c Capability) bool {
	for _, m := range p.models {
		if m.ID == modelID {
			return m.Supports(c)
		}
	}
	return false
}

func (p *chatCompletionsProvider) resolveModel(req *Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

func (p *chatCompletionsProvider) header() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+p.apiKey)
	return h
}

func (p *chatCompletionsProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	body, err := p.buildBody(req, false)
	if err != nil {
		return nil, err
	}

	resp, err := postJSON(ctx, p.client, p.name, p.url, p.header(), body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyChatError(p.name, resp.StatusCode, drainBody(resp))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewNetworkError(p.name, err)
	}
	return parseChatResponse(p.name, raw)
}

func (p *chatCompletionsProvider) Stream(ctx context.Context, req *Request) (*ChunkStream, error) {
	body, err := p.buildBody(req, true)
	if err != nil {
		return nil, err
	}

	resp, err := postJSON(ctx, p.client, p.name, p.url, p.header(), body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyChatError(p.name, resp.StatusCode, drainBody(resp))
	}

	stream := newChunkStream(32)
	parser := &chatParser{provider: p.name, usage: p.streamUsage, log: p.log}
	go pumpSSE(ctx, p.name, resp.Body, stream, parser)
	return stream, nil
}

func (p *chatCompletionsProvider) TestKey(ctx context.Context) error {
	req := &Request{
		Model:     p.defaultModel,
		Messages:  []Message{UserMessage("ping")},
		MaxTokens: 1,
	}
	_, err := p.Complete(ctx, req)
	return err
}

// buildBody converts the canonical request into a chat-completions payload.
// Tool results become role "tool" messages keyed by tool_call_id; assistant
// tool uses become tool_calls entries with stringified arguments.
func (p *chatCompletionsProvider) buildBody(req *Request, stream bool) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, NewProviderError(p.name, ProviderErrorKindInvalidRequest, err.Error())
	}

	messages := make([]any, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, map[string]any{
			"role":    "system",
			"content": req.System,
		})
	}

	for _, m := range req.Messages {
		if hasToolResults(m) {
			for _, block := range m.Content {
				result, ok := block.(*ToolResultBlock)
				if !ok {
					continue
				}
				messages = append(messages, map[string]any{
					"role":         "tool",
					"tool_call_id": result.ToolUseID,
					"content":      result.Content.AsText(),
				})
			}
			continue
		}

		content := chatContentParts(m.Content)
		toolCalls := chatToolCalls(m.Content)
		if content == nil && len(toolCalls) == 0 {
			continue
		}

		msg := map[string]any{
			"role":    string(m.Role),
			"content": content,
		}
		if len(toolCalls) > 0 {
			msg["tool_calls"] = toolCalls
		}
		messages = append(messages, msg)
	}

	body, err := json.Marshal(map[string]any{
		"model":    p.resolveModel(req),
		"messages": messages,
		"stream":   stream,
	})
	if err != nil {
		return nil, NewProviderError(p.name, ProviderErrorKindInvalidRequest, err.Error())
	}

	if req.MaxTokens > 0 {
		body, _ = sjson.SetBytes(body, "max_tokens", req.MaxTokens)
	}
	if req.Temperature != nil {
		body, _ = sjson.SetBytes(body, "temperature", *req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools := make([]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.InputSchema,
				},
			})
		}
		body, _ = sjson.SetBytes(body, "tools", tools)
	}
	if stream && p.includeStreamUsage {
		body, _ = sjson.SetBytes(body, "stream_options.include_usage", true)
	}
	return body, nil
}

func hasToolResults(m Message) bool {
	for _, block := range m.Content {
		if _, ok := block.(*ToolResultBlock); ok {
			return true
		}
	}
	return false
}

// chatContentParts renders text and image blocks. A lone text block
// collapses to a plain string, which every chat-completions vendor accepts.
func chatContentParts(blocks []ContentBlock) any {
	var parts []any
	for _, block := range blocks {
		switch b := block.(type) {
		case *TextBlock:
			parts = append(parts, map[string]any{"type": "text", "text": b.Text})
		case *ImageBlock:
			url := b.Image.URL
			if url == "" {
				url = fmt.Sprintf("data:%s;base64,%s", b.Image.MediaType, b.Image.Base64)
			}
			parts = append(parts, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": url},
			})
		}
	}
	if len(parts) == 0 {
		return nil
	}
	if len(parts) == 1 {
		if text, ok := parts[0].(map[string]any)["text"]; ok {
			return text
		}
	}
	return parts
}

func chatToolCalls(blocks []ContentBlock) []any {
	var calls []any
	for _, block := range blocks {
		use, ok := block.(*ToolUseBlock)
		if !ok {
			continue
		}
		calls = append(calls, map[string]any{
			"id":   use.ID,
			"type": "function",
			"function": map[string]any{
				"name":      use.Name,
				"arguments": string(use.Input),
			},
		})
	}
	return calls
}

// sseParser turns one line of a server-sent-events body into canonical
// chunks. terminalErr reports a vendor-signalled in-stream failure, which
// ends the stream.
type sseParser interface {
	feed(line string) []StreamChunk
	terminalErr() error
}

// pumpSSE reads the response body, carves out newline-terminated lines, and
// hands them to the parser. A transport failure mid-stream is terminal; EOF
// is a normal end.
func pumpSSE(ctx context.Context, provider string, body io.ReadCloser, stream *ChunkStream, parser sseParser) {
	defer body.Close()
	defer stream.close()

	var pending []byte
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				nl := bytes.IndexByte(pending, '\n')
				if nl < 0 {
					break
				}
				line := strings.TrimSpace(string(pending[:nl]))
				pending = pending[nl+1:]
				for _, chunk := range parser.feed(line) {
					if !stream.send(ctx, chunk) {
						stream.fail(ErrStreamInterrupted)
						return
					}
				}
				if perr := parser.terminalErr(); perr != nil {
					stream.fail(perr)
					return
				}
			}
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				stream.fail(ErrStreamInterrupted)
			} else {
				stream.fail(NewNetworkError(provider, err))
			}
			return
		}
	}
}

// chatParser is the incremental state of one chat-completions SSE stream.
// Each stream owns its parser, so concurrent streams never collide.
type chatParser struct {
	provider  string
	messageID string

	// Open-block bookkeeping. openIndex is -1 when no block is open;
	// nextIndex only ever grows, which keeps block indices monotonic and
	// guarantees one stop per start.
	openIndex int
	openType  BlockType
	nextIndex int
	started   bool

	toolID       string
	toolName     string
	toolNameSent bool

	usage func(root gjson.Result) *Usage
	log   *slog.Logger
}

// Chat-completions streams report failures as HTTP status before streaming
// begins, never as in-stream events.
func (p *chatParser) terminalErr() error { return nil }

// feed consumes one SSE line and returns the canonical chunks it produced.
// Lines without the data marker are ignored; the [DONE] sentinel ends the
// stream without emitting anything; a malformed data line is skipped.
func (p *chatParser) feed(line string) []StreamChunk {
	data, ok := strings.CutPrefix(line, "data: ")
	if !ok || data == "[DONE]" {
		return nil
	}
	if !gjson.Valid(data) {
		if p.log != nil {
			p.log.Debug("skipping malformed stream line", "provider", p.provider)
		}
		return nil
	}
	root := gjson.Parse(data)

	var out []StreamChunk
	if !p.started {
		if id := root.Get("id"); id.Exists() {
			p.started = true
			p.messageID = id.String()
			p.openIndex = -1
			out = append(out, StartChunk{MessageID: p.messageID})
			out = p.openBlock(out, BlockTypeText, "", "")
		}
	}

	choices := root.Get("choices")
	if choices.IsArray() {
		choices.ForEach(func(_, choice gjson.Result) bool {
			out = p.parseChoice(out, root, choice)
			return true
		})
	} else {
		// Abbreviated payloads put the delta and finish reason at the
		// root; treat the whole object as the single choice.
		out = p.parseChoice(out, root, root)
	}
	return out
}

func (p *chatParser) parseChoice(out []StreamChunk, root, choice gjson.Result) []StreamChunk {
	delta := choice.Get("delta")

	if calls := delta.Get("tool_calls"); calls.IsArray() {
		calls.ForEach(func(_, call gjson.Result) bool {
			out = p.parseToolCall(out, call)
			return true
		})
	}

	for _, field := range []string{"reasoning_content", "reasoning"} {
		if thinking := delta.Get(field); thinking.Exists() && thinking.String() != "" {
			if p.openType != BlockTypeThinking || p.openIndex < 0 {
				out = p.closeBlock(out)
				out = p.openBlock(out, BlockTypeThinking, "", "")
			}
			out = append(out, DeltaChunk{Delta: ThinkingDelta{Thinking: thinking.String()}})
		}
	}

	if content := delta.Get("content"); content.Exists() && content.String() != "" {
		if p.openType != BlockTypeText || p.openIndex < 0 {
			out = p.closeBlock(out)
			out = p.openBlock(out, BlockTypeText, "", "")
		}
		out = append(out, DeltaChunk{Delta: TextDelta{Text: content.String()}})
	}

	if finish := choice.Get("finish_reason"); finish.Exists() && finish.String() != "" {
		out = p.closeBlock(out)
		var usage *Usage
		if p.usage != nil {
			usage = p.usage(root)
		}
		out = append(out, StopChunk{Reason: chatStopReason(finish.String()), Usage: usage})
	}
	return out
}

func (p *chatParser) parseToolCall(out []StreamChunk, call gjson.Result) []StreamChunk {
	if id := call.Get("id"); id.Exists() && id.String() != "" {
		out = p.closeBlock(out)
		p.toolID = id.String()
		p.toolName = call.Get("function.name").String()
		p.toolNameSent = false
		out = p.openBlock(out, BlockTypeToolUse, p.toolID, p.toolName)
	}

	if args := call.Get("function.arguments"); args.Exists() && args.String() != "" {
		name := ""
		if !p.toolNameSent {
			name = p.toolName
			p.toolNameSent = true
		}
		out = append(out, DeltaChunk{Delta: ToolInputDelta{
			ID:        p.toolID,
			Name:      name,
			InputJSON: args.String(),
		}})
	}
	return out
}

func (p *chatParser) openBlock(out []StreamChunk, bt BlockType, toolID, toolName string) []StreamChunk {
	out = append(out, BlockStartChunk{
		Index:     p.nextIndex,
		BlockType: bt,
		ToolID:    toolID,
		ToolName:  toolName,
	})
	p.openIndex = p.nextIndex
	p.openType = bt
	p.nextIndex++
	return out
}

func (p *chatParser) closeBlock(out []StreamChunk) []StreamChunk {
	if p.openIndex < 0 {
		return out
	}
	out = append(out, BlockStopChunk{Index: p.openIndex})
	p.openIndex = -1
	return out
}

func chatStopReason(finish string) StopReason {
	switch finish {
	case "stop":
		return StopReasonEndTurn
	case "length":
		return StopReasonMaxTokens
	case "tool_calls":
		return StopReasonToolUse
	case "content_filter":
		return StopReasonContentFilter
	default:
		return StopReasonEndTurn
	}
}

// parseChatUsage reads a chat-completions usage object, including the
// reasoning token detail some vendors report.
func parseChatUsage(usage gjson.Result) *Usage {
	if !usage.Exists() {
		return nil
	}
	return &Usage{
		InputTokens:    int(usage.Get("prompt_tokens").Int()),
		OutputTokens:   int(usage.Get("completion_tokens").Int()),
		ThinkingTokens: int(usage.Get("completion_tokens_details.reasoning_tokens").Int()),
	}
}

func parseChatResponse(provider string, raw []byte) (*Response, error) {
	if !gjson.ValidBytes(raw) {
		return nil, NewParseError(provider, fmt.Errorf("invalid response body"))
	}
	root := gjson.ParseBytes(raw)
	choice := root.Get("choices.0")

	var content []ContentBlock
	if text := choice.Get("message.content"); text.String() != "" {
		content = append(content, &TextBlock{Text: text.String()})
	}
	choice.Get("message.tool_calls").ForEach(func(_, call gjson.Result) bool {
		args := call.Get("function.arguments").String()
		if !gjson.Valid(args) {
			args = "null"
		}
		content = append(content, &ToolUseBlock{
			ID:    call.Get("id").String(),
			Name:  call.Get("function.name").String(),
			Input: json.RawMessage(args),
		})
		return true
	})

	resp := &Response{
		ID:         root.Get("id").String(),
		Model:      root.Get("model").String(),
		Content:    content,
		StopReason: chatStopReason(choice.Get("finish_reason").String()),
	}
	if usage := parseChatUsage(root.Get("usage")); usage != nil {
		resp.Usage = *usage
	}
	return resp, nil
}

// classifyChatError maps a non-2xx chat-completions body onto the error
// taxonomy using the vendor's error.type and error.code fields.
func classifyChatError(provider string, status int, body []byte) *ProviderError {
	if !gjson.ValidBytes(body) {
		return &ProviderError{
			Provider: provider,
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
	errType := root.Get("error.type").String()
	errCode := root.Get("error.code").String()

	perr := &ProviderError{Provider: provider, Status: status, Message: message}
	switch {
	case errType == "invalid_api_key" || errCode == "invalid_api_key" || status == 401:
		perr.Kind = ProviderErrorKindAuth
	case errType == "rate_limit_error" || errCode == "rate_limit_exceeded" || status == 429:
		perr.Kind = ProviderErrorKindRateLimit
		perr.RetryAfter = 60 * time.Second
	case errType == "invalid_request_error":
		perr.Kind = ProviderErrorKindInvalidRequest
	case errType == "model_not_found" || errCode == "model_not_found":
		perr.Kind = ProviderErrorKindModelNotFound
	case errType == "content_filter" || errCode == "content_policy_violation":
		perr.Kind = ProviderErrorKindContentFiltered
	default:
		perr.Kind = ProviderErrorKindProvider
	}
	return perr
}
