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

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const geminiAPIURL = "https://generativelanguage.googleapis.com/v1beta/models"

type geminiProvider struct {
	apiKey       string
	baseURL      string
	client       *http.Client
	models       []ModelInfo
	defaultModel string
	log          *slog.Logger
}

// NewGeminiProvider returns the Google adapter. Gemini does not stream SSE
// lines; it streams one JSON array whose elements arrive incrementally, so
// the reader carves complete objects out of the byte buffer by brace
// matching. Function calls carry no id on the wire, so the parser mints one
// per call.
func NewGeminiProvider(apiKey string, log *slog.Logger, opts ...ProviderOption) Provider {
	settings := resolveProviderSettings(opts)
	baseURL := geminiAPIURL
	if settings.baseURL != "" {
		baseURL = settings.baseURL
	}
	return &geminiProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  newHTTPClient(),
		models: []ModelInfo{
			{
				ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash",
				ContextWindow: 1_000_000, MaxOutput: 8_192,
				Capabilities: []Capability{CapabilityToolUse, CapabilityVision},
			},
			{
				ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro",
				ContextWindow: 1_000_000, MaxOutput: 8_192,
				Capabilities: []Capability{CapabilityToolUse, CapabilityThinking, CapabilityVision},
			},
			{
				ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash",
				ContextWindow: 1_000_000, MaxOutput: 8_192,
				Capabilities: []Capability{CapabilityToolUse, CapabilityVision},
			},
			{
				ID: "gemini-1.5-pro", Name: "Gemini 1.5 Pro",
				ContextWindow: 2_000_000, MaxOutput: 8_192,
				Capabilities: []Capability{CapabilityToolUse, CapabilityVision},
			},
		},
		defaultModel: "gemini-2.5-flash",
		log:          log,
	}
}

func (p *geminiProvider) Name() string { return "google" }

func (p *geminiProvider) Models() []ModelInfo { return p.models }

func (p *geminiProvider) DefaultModel() string { return p.defaultModel }

func (p *geminiProvider) Supports(modelID string, c Capability) bool {
	for _, m := range p.models {
		if m.ID == modelID {
			return m.Supports(c)
		}
	}
	return false
}

func (p *geminiProvider) endpoint(model string, stream bool) string {
	action := "generateContent"
	if stream {
		action = "streamGenerateContent"
	}
	return fmt.Sprintf("%s/%s:%s?key=%s", p.baseURL, model, action, p.apiKey)
}

func (p *geminiProvider) resolveModel(req *Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

func (p *geminiProvider) buildBody(req *Request) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, NewProviderError("google", ProviderErrorKindInvalidRequest, err.Error())
	}

	contents := make([]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}

		var parts []any
		for _, block := range m.Content {
			switch b := block.(type) {
			case *TextBlock:
				parts = append(parts, map[string]any{"text": b.Text})
			case *ImageBlock:
				if b.Image.Base64 == "" {
					continue
				}
				parts = append(parts, map[string]any{
					"inline_data": map[string]any{
						"mime_type": b.Image.MediaType,
						"data":      b.Image.Base64,
					},
				})
			case *ToolUseBlock:
				parts = append(parts, map[string]any{
					"functionCall": map[string]any{
						"name": b.Name,
						"args": json.RawMessage(b.Input),
					},
				})
			case *ToolResultBlock:
				parts = append(parts, map[string]any{
					"functionResponse": map[string]any{
						"name":     b.ToolUseID,
						"response": map[string]any{"output": b.Content.AsText()},
					},
				})
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, map[string]any{"role": role, "parts": parts})
	}

	body, err := json.Marshal(map[string]any{"contents": contents})
	if err != nil {
		return nil, NewProviderError("google", ProviderErrorKindInvalidRequest, err.Error())
	}

	if req.System != "" {
		body, _ = sjson.SetBytes(body, "systemInstruction.parts.0.text", req.System)
	}
	if req.MaxTokens > 0 {
		body, _ = sjson.SetBytes(body, "generationConfig.maxOutputTokens", req.MaxTokens)
	}
	if req.Temperature != nil {
		body, _ = sjson.SetBytes(body, "generationConfig.temperature", *req.Temperature)
	}
	if len(req.Tools) > 0 {
		decls := make([]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.InputSchema,
			})
		}
		body, _ = sjson.SetBytes(body, "tools.0.functionDeclarations", decls)
	}
	return body, nil
}

func (p *geminiProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := p.resolveModel(req)
	body, err := p.buildBody(req)
	if err != nil {
		return nil, err
	}

	resp, err := postJSON(ctx, p.client, "google", p.endpoint(model, false), nil, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyGeminiError(resp.StatusCode, drainBody(resp))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewNetworkError("google", err)
	}
	return parseGeminiResponse(raw, model)
}

func (p *geminiProvider) Stream(ctx context.Context, req *Request) (*ChunkStream, error) {
	model := p.resolveModel(req)
	body, err := p.buildBody(req)
	if err != nil {
		return nil, err
	}

	resp, err := postJSON(ctx, p.client, "google", p.endpoint(model, true), nil, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyGeminiError(resp.StatusCode, drainBody(resp))
	}

	stream := newChunkStream(32)
	parser := &geminiParser{log: p.log}
	go pumpGeminiStream(ctx, resp.Body, stream, parser)
	return stream, nil
}

func (p *geminiProvider) TestKey(ctx context.Context) error {
	req := &Request{
		Model:     p.defaultModel,
		Messages:  []Message{UserMessage("ping")},
		MaxTokens: 1,
	}
	_, err := p.Complete(ctx, req)
	return err
}

func pumpGeminiStream(ctx context.Context, body io.ReadCloser, stream *ChunkStream, parser *geminiParser) {
	defer body.Close()
	defer stream.close()

	var pending []byte
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				obj, rest, ok := extractJSONObject(pending)
				if !ok {
					pending = rest
					break
				}
				pending = rest
				for _, chunk := range parser.parse(obj) {
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
				stream.fail(NewNetworkError("google", err))
			}
			return
		}
	}
}

// extractJSONObject strips array framing and returns the next complete
// top-level object, found by brace matching that is string and escape
// aware. ok is false when the buffer holds no complete object yet.
func extractJSONObject(buf []byte) (obj, rest []byte, ok bool) {
	buf = bytes.TrimLeft(buf, " \t\r\n")
	for len(buf) > 0 && (buf[0] == '[' || buf[0] == ',' || buf[0] == ']') {
		buf = bytes.TrimLeft(buf[1:], " \t\r\n")
	}
	if len(buf) == 0 || buf[0] != '{' {
		return nil, buf, false
	}

	depth := 0
	inString := false
	escape := false
	for i, c := range buf {
		if escape {
			escape = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escape = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return buf[:i+1], buf[i+1:], true
				}
			}
		}
	}
	return nil, buf, false
}

// geminiParser converts one streamed response object into canonical chunks.
// Each function call arrives whole in a single part, so its block opens and
// closes within one parse call.
type geminiParser struct {
	started   bool
	openIndex int
	openType  BlockType
	nextIndex int

	err error
	log *slog.Logger
}

func (p *geminiParser) terminalErr() error { return p.err }

func (p *geminiParser) parse(obj []byte) []StreamChunk {
	if !gjson.ValidBytes(obj) {
		if p.log != nil {
			p.log.Debug("skipping malformed stream object", "provider", "google")
		}
		return nil
	}
	root := gjson.ParseBytes(obj)

	var out []StreamChunk
	if !p.started {
		p.started = true
		p.openIndex = -1
		id := root.Get("responseId").String()
		if id == "" {
			id = "gemini-" + uuid.NewString()
		}
		out = append(out, StartChunk{MessageID: id})
	}

	root.Get("candidates").ForEach(func(_, candidate gjson.Result) bool {
		candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
			if text := part.Get("text"); text.Exists() && text.String() != "" {
				if p.openType != BlockTypeText || p.openIndex < 0 {
					out = p.closeBlock(out)
					out = p.openBlock(out, BlockTypeText, "", "")
				}
				out = append(out, DeltaChunk{Delta: TextDelta{Text: text.String()}})
			}

			if call := part.Get("functionCall"); call.Exists() {
				out = p.closeBlock(out)
				id := "call_" + uuid.NewString()
				name := call.Get("name").String()
				args := call.Get("args").Raw
				if args == "" {
					args = "{}"
				}
				out = p.openBlock(out, BlockTypeToolUse, id, name)
				out = append(out, DeltaChunk{Delta: ToolInputDelta{ID: id, Name: name, InputJSON: args}})
				out = p.closeBlock(out)
			}
			return true
		})

		if finish := candidate.Get("finishReason"); finish.Exists() && finish.String() != "" {
			out = p.closeBlock(out)
			var usage *Usage
			if u := root.Get("usageMetadata"); u.Exists() {
				usage = &Usage{
					InputTokens:    int(u.Get("promptTokenCount").Int()),
					OutputTokens:   int(u.Get("candidatesTokenCount").Int()),
					ThinkingTokens: int(u.Get("thoughtsTokenCount").Int()),
				}
			}
			out = append(out, StopChunk{Reason: geminiStopReason(finish.String()), Usage: usage})
		}
		return true
	})

	if gerr := root.Get("error"); gerr.Exists() {
		message := gerr.Get("message").String()
		if message == "" {
			message = "unknown error"
		}
		status := int(gerr.Get("code").Int())
		if status == 0 {
			status = http.StatusInternalServerError
		}
		p.err = &ProviderError{
			Provider: "google",
			Kind:     ProviderErrorKindProvider,
			Status:   status,
			Message:  message,
		}
	}
	return out
}

func (p *geminiParser) openBlock(out []StreamChunk, bt BlockType, toolID, toolName string) []StreamChunk {
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

func (p *geminiParser) closeBlock(out []StreamChunk) []StreamChunk {
	if p.openIndex < 0 {
		return out
	}
	out = append(out, BlockStopChunk{Index: p.openIndex})
	p.openIndex = -1
	return out
}

func geminiStopReason(s string) StopReason {
	switch s {
	case "STOP":
		return StopReasonEndTurn
	case "MAX_TOKENS":
		return StopReasonMaxTokens
	case "SAFETY", "RECITATION":
		return StopReasonContentFilter
	case "TOOL_USE", "FUNCTION_CALL":
		return StopReasonToolUse
	default:
		return StopReasonEndTurn
	}
}

func parseGeminiResponse(raw []byte, model string) (*Response, error) {
	if !gjson.ValidBytes(raw) {
		return nil, NewParseError("google", fmt.Errorf("invalid response body"))
	}
	root := gjson.ParseBytes(raw)
	candidate := root.Get("candidates.0")

	var content []ContentBlock
	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		if text := part.Get("text"); text.Exists() && text.String() != "" {
			content = append(content, &TextBlock{Text: text.String()})
		}
		if call := part.Get("functionCall"); call.Exists() {
			args := call.Get("args").Raw
			if args == "" {
				args = "null"
			}
			content = append(content, &ToolUseBlock{
				ID:    "call_" + uuid.NewString(),
				Name:  call.Get("name").String(),
				Input: json.RawMessage(args),
			})
		}
		return true
	})

	id := root.Get("responseId").String()
	if id == "" {
		id = "gemini-" + uuid.NewString()
	}

	return &Response{
		ID:         id,
		Model:      model,
		Content:    content,
		StopReason: geminiStopReason(candidate.Get("finishReason").String()),
		Usage: Usage{
			InputTokens:  int(root.Get("usageMetadata.promptTokenCount").Int()),
			OutputTokens: int(root.Get("usageMetadata.candidatesTokenCount").Int()),
		},
	}, nil
}

// classifyGeminiError uses HTTP status rather than an error type field;
// Gemini reports auth failures for bad keys as 400s mentioning the key.
func classifyGeminiError(status int, body []byte) *ProviderError {
	if !gjson.ValidBytes(body) {
		return &ProviderError{
			Provider: "google",
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

	perr := &ProviderError{Provider: "google", Status: status, Message: message}
	switch {
	case status == 401 || status == 403:
		perr.Kind = ProviderErrorKindAuth
	case status == 429:
		perr.Kind = ProviderErrorKindRateLimit
		perr.RetryAfter = 60 * time.Second
	case status == 400 && strings.Contains(message, "API key"):
		perr.Kind = ProviderErrorKindAuth
	case status == 400:
		perr.Kind = ProviderErrorKindInvalidRequest
	case status == 404:
		perr.Kind = ProviderErrorKindModelNotFound
	default:
		perr.Kind = ProviderErrorKindProvider
	}
	return perr
}
