package model

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

// scriptedProvider replays a fixed chunk sequence per Stream call.
type scriptedProvider struct {
	name     string
	scripts  [][]StreamChunk
	failWith error
	calls    int
}

func (p *scriptedProvider) Name() string                     { return p.name }
func (p *scriptedProvider) Models() []ModelInfo              { return []ModelInfo{{ID: "scripted-1"}} }
func (p *scriptedProvider) DefaultModel() string             { return "scripted-1" }
func (p *scriptedProvider) Supports(string, Capability) bool { return true }
func (p *scriptedProvider) TestKey(context.Context) error    { return nil }

func (p *scriptedProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	if p.failWith != nil {
		return nil, p.failWith
	}
	return &Response{ID: "resp", StopReason: StopReasonEndTurn}, nil
}

func (p *scriptedProvider) Stream(ctx context.Context, req *Request) (*ChunkStream, error) {
	if p.failWith != nil {
		return nil, p.failWith
	}
	var script []StreamChunk
	if p.calls < len(p.scripts) {
		script = p.scripts[p.calls]
	}
	p.calls++
	return ReplayStream(ctx, script), nil
}

func textTurnScript(text string) []StreamChunk {
	return []StreamChunk{
		StartChunk{MessageID: "m1"},
		BlockStartChunk{Index: 0, BlockType: BlockTypeText},
		DeltaChunk{Delta: TextDelta{Text: text}},
		BlockStopChunk{Index: 0},
		StopChunk{Reason: StopReasonEndTurn, Usage: &Usage{InputTokens: 1, OutputTokens: 1}},
	}
}

func toolTurnScript(id, name, input string) []StreamChunk {
	return []StreamChunk{
		StartChunk{MessageID: "m1"},
		BlockStartChunk{Index: 0, BlockType: BlockTypeToolUse, ToolID: id, ToolName: name},
		DeltaChunk{Delta: ToolInputDelta{ID: id, Name: name, InputJSON: input}},
		BlockStopChunk{Index: 0},
		StopChunk{Reason: StopReasonToolUse},
	}
}

func collectTurn(t *testing.T, events <-chan LLMEvent, turn uint64) (chunks []StreamChunk, tools []ToolUse) {
	t.Helper()
	for {
		select {
		case ev := <-events:
			if ev.Turn != turn {
				continue
			}
			switch {
			case ev.Chunk != nil:
				chunks = append(chunks, ev.Chunk)
			case ev.Tool != nil:
				tools = append(tools, *ev.Tool)
			case ev.Err != nil:
				t.Fatalf("turn error: %v", ev.Err)
			case ev.Done:
				return chunks, tools
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for turn events")
		}
	}
}

func newTestManager(t *testing.T, provider Provider) *Manager {
	t.Helper()
	registry := NewRegistry()
	registry.Register(provider)
	return NewManager(registry, slog.Default())
}

func TestManagerStreamsTextTurn(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{name: "scripted", scripts: [][]StreamChunk{textTurnScript("Hello")}}
	manager := newTestManager(t, provider)

	turn := manager.SendMessage(context.Background(), "hi")
	chunks, tools := collectTurn(t, manager.Events(), turn)

	if len(chunks) != 5 {
		t.Errorf("got %d chunks, want 5", len(chunks))
	}
	if len(tools) != 0 {
		t.Errorf("got %d tool events, want 0", len(tools))
	}

	conv := manager.Conversation()
	if len(conv) != 1 || conv[0].Role != RoleUser {
		t.Errorf("conversation = %+v, want single user message", conv)
	}
}

func TestManagerDetectsToolUse(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{name: "scripted", scripts: [][]StreamChunk{
		toolTurnScript("c1", "file_read", `{"path":"a.txt"}`),
	}}
	manager := newTestManager(t, provider)

	turn := manager.SendMessage(context.Background(), "read a.txt")
	_, tools := collectTurn(t, manager.Events(), turn)

	if len(tools) != 1 {
		t.Fatalf("got %d tool events, want 1", len(tools))
	}
	if tools[0].ID != "c1" || tools[0].Name != "file_read" {
		t.Errorf("tool = %+v", tools[0])
	}
	if !json.Valid(tools[0].Input) {
		t.Errorf("tool input not valid JSON: %s", tools[0].Input)
	}
}

func TestManagerEmptyToolInputBecomesEmptyObject(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{name: "scripted", scripts: [][]StreamChunk{{
		StartChunk{MessageID: "m1"},
		BlockStartChunk{Index: 0, BlockType: BlockTypeToolUse, ToolID: "c1", ToolName: "list_directory"},
		BlockStopChunk{Index: 0},
		StopChunk{Reason: StopReasonToolUse},
	}}}
	manager := newTestManager(t, provider)

	turn := manager.SendMessage(context.Background(), "ls")
	_, tools := collectTurn(t, manager.Events(), turn)

	if len(tools) != 1 {
		t.Fatalf("got %d tool events, want 1", len(tools))
	}
	if string(tools[0].Input) != "{}" {
		t.Errorf("input = %q, want {}", tools[0].Input)
	}
}

func TestManagerCancelAdvancesTurn(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{name: "scripted", scripts: [][]StreamChunk{textTurnScript("slow")}}
	manager := newTestManager(t, provider)

	turn := manager.SendMessage(context.Background(), "hi")
	manager.Cancel()

	if got := manager.Turn(); got != turn+1 {
		t.Errorf("turn after cancel = %d, want %d", got, turn+1)
	}
}

func TestManagerConversationBookkeeping(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{name: "scripted"}
	manager := newTestManager(t, provider)

	manager.AddUserMessage("question")
	manager.AddAssistantMessage("answer")
	manager.AddToolUse(ToolUse{ID: "c1", Name: "glob", Input: json.RawMessage(`{}`)})
	manager.AddToolResults([]ToolResult{
		{ToolUseID: "c1", Content: TextResult("files")},
	})

	conv := manager.Conversation()
	if len(conv) != 3 {
		t.Fatalf("got %d messages, want 3", len(conv))
	}
	// Tool use attaches to the existing assistant message.
	if len(conv[1].Content) != 2 {
		t.Errorf("assistant message has %d blocks, want text + tool_use", len(conv[1].Content))
	}
	if conv[2].Role != RoleUser || conv[2].Content[0].Type() != ContentBlockTypeToolResult {
		t.Errorf("third message = %+v, want user tool_result", conv[2])
	}

	manager.ClearConversation()
	if len(manager.Conversation()) != 0 {
		t.Error("conversation not cleared")
	}
}

func TestManagerCompactConversation(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{name: "scripted"}
	manager := newTestManager(t, provider)

	for range 10 {
		manager.AddUserMessage("q")
		manager.AddAssistantMessage("a")
	}

	dropped := manager.CompactConversation(4)
	if dropped != 16 {
		t.Errorf("dropped = %d, want 16", dropped)
	}
	conv := manager.Conversation()
	if len(conv) != 4 {
		t.Errorf("remaining = %d, want 4", len(conv))
	}
	if conv[0].Role != RoleUser {
		t.Errorf("compacted conversation opens with %s, want user", conv[0].Role)
	}
}

// failingProvider counts Stream attempts and always fails.
type failingProvider struct {
	scriptedProvider
}

func (p *failingProvider) Stream(ctx context.Context, req *Request) (*ChunkStream, error) {
	p.calls++
	return nil, NewProviderError(p.name, ProviderErrorKindProvider, "upstream overloaded")
}

func waitForTurnError(t *testing.T, events <-chan LLMEvent, turn uint64) error {
	t.Helper()
	for {
		select {
		case ev := <-events:
			if ev.Turn != turn {
				continue
			}
			if ev.Err != nil {
				return ev.Err
			}
			if ev.Done {
				return nil
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for turn error")
		}
	}
}

func TestManagerCircuitOpensAfterStreamFailures(t *testing.T) {
	t.Parallel()

	provider := &failingProvider{scriptedProvider{name: "scripted"}}
	registry := NewRegistry()
	registry.Register(provider)
	manager := NewManager(registry, slog.Default(), WithCircuitBreaker(1, time.Hour))

	turn := manager.SendMessage(context.Background(), "hi")
	if err := waitForTurnError(t, manager.Events(), turn); err == nil {
		t.Fatal("first turn did not surface the stream error")
	}

	// The breaker tripped, so the next turn is refused before the provider
	// is called.
	turn = manager.SendMessage(context.Background(), "again")
	err := waitForTurnError(t, manager.Events(), turn)
	if err == nil || !strings.Contains(err.Error(), "temporarily unavailable") {
		t.Fatalf("second turn error = %v, want circuit-open refusal", err)
	}
	if provider.calls != 1 {
		t.Errorf("provider called %d times, want 1", provider.calls)
	}

	if _, err := manager.Complete(context.Background(), &Request{Model: "scripted-1"}); err == nil {
		t.Error("Complete succeeded while the circuit is open")
	}
}

func TestManagerCompactSkipsDanglingToolResult(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{name: "scripted"}
	manager := newTestManager(t, provider)

	manager.AddUserMessage("q1")
	manager.AddAssistantMessage("calling")
	manager.AddToolUse(ToolUse{ID: "c1", Name: "glob", Input: json.RawMessage(`{}`)})
	manager.AddToolResults([]ToolResult{{ToolUseID: "c1", Content: TextResult("x")}})
	manager.AddUserMessage("q2")
	manager.AddAssistantMessage("done")

	// keep=4 would open on the tool-result message; the cut must advance
	// past it.
	manager.CompactConversation(4)
	conv := manager.Conversation()
	if len(conv) == 0 {
		t.Fatal("conversation empty after compaction")
	}
	first := conv[0]
	if first.Role != RoleUser || first.Content[0].Type() == ContentBlockTypeToolResult {
		t.Errorf("compacted conversation opens with %+v", first)
	}
}
