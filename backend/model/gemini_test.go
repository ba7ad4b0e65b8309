package model

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestExtractJSONObject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		wantObj string
		wantOK  bool
	}{
		{"empty", "", "", false},
		{"array framing only", "[\n", "", false},
		{"simple object", `[{"a":1},`, `{"a":1}`, true},
		{"comma prefix", `,{"a":1}`, `{"a":1}`, true},
		{"incomplete", `{"a":`, "", false},
		{"nested braces", `{"a":{"b":{"c":1}}}`, `{"a":{"b":{"c":1}}}`, true},
		{"brace in string", `{"a":"}"}`, `{"a":"}"}`, true},
		{"escaped quote in string", `{"a":"\"}"}`, `{"a":"\"}"}`, true},
		{"trailing close bracket", `]`, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			obj, _, ok := extractJSONObject([]byte(tt.input))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && string(obj) != tt.wantObj {
				t.Errorf("obj = %q, want %q", obj, tt.wantObj)
			}
		})
	}
}

func TestExtractJSONObjectSequence(t *testing.T) {
	t.Parallel()

	buf := []byte(`[{"a":1},{"b":2}]`)
	var objs []string
	for {
		obj, rest, ok := extractJSONObject(buf)
		if !ok {
			break
		}
		objs = append(objs, string(obj))
		buf = rest
	}
	if len(objs) != 2 || objs[0] != `{"a":1}` || objs[1] != `{"b":2}` {
		t.Errorf("objs = %v", objs)
	}
}

func TestGeminiParserTextAndFunctionCall(t *testing.T) {
	t.Parallel()

	parser := &geminiParser{}
	var chunks []StreamChunk
	chunks = append(chunks, parser.parse([]byte(`{
		"responseId": "r1",
		"candidates": [{"content":{"parts":[{"text":"Looking"}]}}]
	}`))...)
	chunks = append(chunks, parser.parse([]byte(`{
		"candidates": [{
			"content": {"parts": [{"functionCall": {"name": "grep", "args": {"pattern": "TODO"}}}]},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 7, "candidatesTokenCount": 2, "thoughtsTokenCount": 1}
	}`))...)
	checkBlockPairing(t, chunks)

	if start, ok := chunks[0].(StartChunk); !ok || start.MessageID != "r1" {
		t.Errorf("first chunk = %+v, want Start(r1)", chunks[0])
	}

	var toolStart *BlockStartChunk
	var input string
	var stop *StopChunk
	for _, chunk := range chunks {
		switch c := chunk.(type) {
		case BlockStartChunk:
			if c.BlockType == BlockTypeToolUse {
				toolStart = &c
			}
		case DeltaChunk:
			if d, ok := c.Delta.(ToolInputDelta); ok {
				input += d.InputJSON
			}
		case StopChunk:
			stop = &c
		}
	}

	if toolStart == nil {
		t.Fatal("no tool block")
	}
	if toolStart.ToolName != "grep" || !strings.HasPrefix(toolStart.ToolID, "call_") {
		t.Errorf("tool block = %+v", toolStart)
	}
	if !json.Valid([]byte(input)) {
		t.Errorf("input is not valid JSON: %q", input)
	}
	if stop == nil || stop.Reason != StopReasonEndTurn {
		t.Fatalf("stop = %+v", stop)
	}
	if stop.Usage == nil || stop.Usage.InputTokens != 7 || stop.Usage.ThinkingTokens != 1 {
		t.Errorf("usage = %+v", stop.Usage)
	}
}

func TestGeminiParserSynthesizesMessageID(t *testing.T) {
	t.Parallel()

	parser := &geminiParser{}
	chunks := parser.parse([]byte(`{"candidates":[{"content":{"parts":[{"text":"x"}]}}]}`))
	start, ok := chunks[0].(StartChunk)
	if !ok || !strings.HasPrefix(start.MessageID, "gemini-") {
		t.Errorf("first chunk = %+v, want synthesized gemini- id", chunks[0])
	}
}

func TestGeminiParserErrorObject(t *testing.T) {
	t.Parallel()

	parser := &geminiParser{}
	parser.parse([]byte(`{"error":{"code":429,"message":"quota exceeded","status":"RESOURCE_EXHAUSTED"}}`))

	err := parser.terminalErr()
	if err == nil {
		t.Fatal("expected terminal error")
	}
	perr, ok := err.(*ProviderError)
	if !ok || perr.Status != 429 {
		t.Errorf("err = %+v", err)
	}
}

func TestClassifyGeminiError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		want   ProviderErrorKind
	}{
		{"bad key", 400, `{"error":{"message":"API key not valid"}}`, ProviderErrorKindAuth},
		{"invalid request", 400, `{"error":{"message":"bad schema"}}`, ProviderErrorKindInvalidRequest},
		{"auth", 403, `{"error":{"message":"forbidden"}}`, ProviderErrorKindAuth},
		{"not found", 404, `{"error":{"message":"no such model"}}`, ProviderErrorKindModelNotFound},
		{"rate limit", 429, `{"error":{"message":"quota"}}`, ProviderErrorKindRateLimit},
		{"server", 500, `{"error":{"message":"internal"}}`, ProviderErrorKindProvider},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			perr := classifyGeminiError(tt.status, []byte(tt.body))
			if perr.Kind != tt.want {
				t.Errorf("kind = %s, want %s", perr.Kind, tt.want)
			}
		})
	}
}
