package agent_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ridgetop/ridgeline/backend/agent"
	"github.com/ridgetop/ridgeline/backend/event"
	"github.com/ridgetop/ridgeline/backend/model"
	"github.com/ridgetop/ridgeline/backend/tool"
)

// replayProvider serves one scripted chunk sequence per Stream call.
type replayProvider struct {
	mu      sync.Mutex
	scripts [][]model.StreamChunk
	calls   int
}

func (p *replayProvider) Name() string                     { return "replay" }
func (p *replayProvider) Models() []model.ModelInfo        { return []model.ModelInfo{{ID: "replay-1"}} }
func (p *replayProvider) DefaultModel() string             { return "replay-1" }
func (p *replayProvider) Supports(string, model.Capability) bool { return true }
func (p *replayProvider) TestKey(context.Context) error    { return nil }

func (p *replayProvider) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	return nil, fmt.Errorf("not scripted")
}

func (p *replayProvider) Stream(ctx context.Context, req *model.Request) (*model.ChunkStream, error) {
	p.mu.Lock()
	var script []model.StreamChunk
	if p.calls < len(p.scripts) {
		script = p.scripts[p.calls]
	}
	p.calls++
	p.mu.Unlock()

	return model.ReplayStream(ctx, script), nil
}

func textTurn(text string) []model.StreamChunk {
	return []model.StreamChunk{
		model.StartChunk{MessageID: "m1"},
		model.BlockStartChunk{Index: 0, BlockType: model.BlockTypeText},
		model.DeltaChunk{Delta: model.TextDelta{Text: text}},
		model.BlockStopChunk{Index: 0},
		model.StopChunk{Reason: model.StopReasonEndTurn, Usage: &model.Usage{InputTokens: 5, OutputTokens: 2}},
	}
}

func toolTurn(id, name, input string) []model.StreamChunk {
	return []model.StreamChunk{
		model.StartChunk{MessageID: "m1"},
		model.BlockStartChunk{Index: 0, BlockType: model.BlockTypeToolUse, ToolID: id, ToolName: name},
		model.DeltaChunk{Delta: model.ToolInputDelta{ID: id, Name: name, InputJSON: input}},
		model.BlockStopChunk{Index: 0},
		model.StopChunk{Reason: model.StopReasonToolUse},
	}
}

// geminiToolTurn mirrors Gemini's shape: the function call arrives in the
// stream but the turn ends with a plain end-of-turn stop reason.
func geminiToolTurn(id, name, input string) []model.StreamChunk {
	return []model.StreamChunk{
		model.StartChunk{MessageID: "r1"},
		model.BlockStartChunk{Index: 0, BlockType: model.BlockTypeToolUse, ToolID: id, ToolName: name},
		model.DeltaChunk{Delta: model.ToolInputDelta{ID: id, Name: name, InputJSON: input}},
		model.BlockStopChunk{Index: 0},
		model.StopChunk{Reason: model.StopReasonEndTurn, Usage: &model.Usage{InputTokens: 7, OutputTokens: 3}},
	}
}

type engineHarness struct {
	engine *agent.Engine
	events <-chan agent.Event
	cancel context.CancelFunc
}

func newEngineHarness(t *testing.T, provider model.Provider, opts ...agent.EngineOption) *engineHarness {
	t.Helper()

	registry := model.NewRegistry()
	registry.Register(provider)
	manager := model.NewManager(registry, slog.Default())

	workDir := t.TempDir()
	gate := tool.NewGate(workDir)
	executor := tool.NewExecutor(gate, workDir, slog.Default())

	feed := event.NewFeed[agent.Event](0, nil)
	engine := agent.NewEngine(manager, executor, feed, slog.Default(), opts...)
	events, sub := feed.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		sub.Unsubscribe()
	})

	return &engineHarness{engine: engine, events: events, cancel: cancel}
}

// waitFor drains the feed until an event of the wanted kind arrives.
func (h *engineHarness) waitFor(t *testing.T, kind agent.EventKind) agent.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-h.events:
			if !ok {
				t.Fatalf("feed closed while waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func (h *engineHarness) waitForState(t *testing.T, state agent.State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-h.events:
			if !ok {
				t.Fatalf("feed closed while waiting for state %s", state)
			}
			if ev.Kind == agent.EventStateChanged && ev.State == state {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", state)
		}
	}
}

func TestEngineTextTurn(t *testing.T) {
	t.Parallel()

	provider := &replayProvider{scripts: [][]model.StreamChunk{textTurn("Hello there")}}
	h := newEngineHarness(t, provider)

	h.engine.SendMessage("hi")

	done := h.waitFor(t, agent.EventTurnComplete)
	if done.StopReason != model.StopReasonEndTurn {
		t.Errorf("stop reason = %s, want end_turn", done.StopReason)
	}
	if done.Usage == nil || done.Usage.OutputTokens != 2 {
		t.Errorf("usage = %+v", done.Usage)
	}
	h.waitForState(t, agent.StateAwaitingUserInput)
}

func TestEngineRunsAllowedToolAndContinues(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	input, _ := json.Marshal(map[string]string{"path": dir})
	provider := &replayProvider{scripts: [][]model.StreamChunk{
		toolTurn("c1", "list_directory", string(input)),
		textTurn("The directory is empty."),
	}}
	h := newEngineHarness(t, provider)

	h.engine.SendMessage("what's in the scratch dir?")

	requested := h.waitFor(t, agent.EventToolUseRequested)
	if requested.Check != tool.CheckAllowed {
		t.Fatalf("check = %s, want allowed", requested.Check)
	}
	if requested.ToolUse.Name != "list_directory" {
		t.Errorf("tool = %s", requested.ToolUse.Name)
	}

	executed := h.waitFor(t, agent.EventToolExecuted)
	if !executed.Success {
		t.Error("tool execution failed")
	}

	done := h.waitFor(t, agent.EventTurnComplete)
	if done.StopReason != model.StopReasonEndTurn {
		t.Errorf("stop reason = %s", done.StopReason)
	}
}

func TestEngineRunsToolsOnEndTurnStop(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	input, _ := json.Marshal(map[string]string{"path": dir})
	provider := &replayProvider{scripts: [][]model.StreamChunk{
		geminiToolTurn("call_1", "list_directory", string(input)),
		textTurn("Nothing in there."),
	}}
	h := newEngineHarness(t, provider)

	h.engine.SendMessage("check the directory")

	requested := h.waitFor(t, agent.EventToolUseRequested)
	if requested.ToolUse.Name != "list_directory" {
		t.Errorf("tool = %s", requested.ToolUse.Name)
	}

	executed := h.waitFor(t, agent.EventToolExecuted)
	if !executed.Success {
		t.Error("tool execution failed")
	}

	// The batch sealed and the turn continued onto the second script.
	done := h.waitFor(t, agent.EventTurnComplete)
	if done.StopReason != model.StopReasonEndTurn {
		t.Errorf("stop reason = %s", done.StopReason)
	}
}

func TestEngineBlocksDangerousTool(t *testing.T) {
	t.Parallel()

	provider := &replayProvider{scripts: [][]model.StreamChunk{
		toolTurn("c1", "file_delete", `{"path":"/tmp/x"}`),
		textTurn("Understood, not deleting."),
	}}
	h := newEngineHarness(t, provider)

	h.engine.SendMessage("delete it")

	requested := h.waitFor(t, agent.EventToolUseRequested)
	if requested.Check != tool.CheckRequiresDangerousMode {
		t.Fatalf("check = %s, want requires dangerous mode", requested.Check)
	}

	// The block is answered with an error result; the turn still continues.
	done := h.waitFor(t, agent.EventTurnComplete)
	if done.StopReason != model.StopReasonEndTurn {
		t.Errorf("stop reason = %s", done.StopReason)
	}
}

func TestEngineRejectToolCompletesBatch(t *testing.T) {
	t.Parallel()

	provider := &replayProvider{scripts: [][]model.StreamChunk{
		toolTurn("c1", "file_write", `{"path":"/tmp/out.txt","content":"x"}`),
		textTurn("Okay, skipping the write."),
	}}
	h := newEngineHarness(t, provider)

	h.engine.SendMessage("write the file")

	requested := h.waitFor(t, agent.EventToolUseRequested)
	if requested.Check != tool.CheckRequiresConfirmation {
		t.Fatalf("check = %s, want requires confirmation", requested.Check)
	}

	h.engine.RejectTool(requested.ToolUse.ID)

	executed := h.waitFor(t, agent.EventToolExecuted)
	if executed.Success {
		t.Error("rejected tool reported success")
	}

	done := h.waitFor(t, agent.EventTurnComplete)
	if done.StopReason != model.StopReasonEndTurn {
		t.Errorf("stop reason = %s", done.StopReason)
	}
}

func TestEngineConfirmToolExecutes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	input, _ := json.Marshal(map[string]string{"path": dir + "/note.txt", "content": "hello"})
	provider := &replayProvider{scripts: [][]model.StreamChunk{
		toolTurn("c1", "file_write", string(input)),
		textTurn("Written."),
	}}
	h := newEngineHarness(t, provider)

	h.engine.SendMessage("write the note")

	requested := h.waitFor(t, agent.EventToolUseRequested)
	if requested.Check != tool.CheckRequiresConfirmation {
		t.Fatalf("check = %s, want requires confirmation", requested.Check)
	}

	h.engine.ConfirmTool(requested.ToolUse.ID)

	executed := h.waitFor(t, agent.EventToolExecuted)
	if !executed.Success {
		t.Error("confirmed tool failed")
	}
	h.waitFor(t, agent.EventTurnComplete)
}

func TestEngineCancelReturnsToAwaitingInput(t *testing.T) {
	t.Parallel()

	// A tool turn that never gets its confirmation leaves the engine in
	// ExecutingTools until cancel.
	provider := &replayProvider{scripts: [][]model.StreamChunk{
		toolTurn("c1", "file_write", `{"path":"/tmp/never.txt","content":"x"}`),
		textTurn("fresh answer"),
	}}
	h := newEngineHarness(t, provider)

	h.engine.SendMessage("write it")
	h.waitFor(t, agent.EventToolUseRequested)

	h.engine.Cancel()
	h.waitForState(t, agent.StateAwaitingUserInput)

	// A new message after cancel runs cleanly on the next script.
	h.engine.SendMessage("never mind, just answer")
	done := h.waitFor(t, agent.EventTurnComplete)
	if done.StopReason != model.StopReasonEndTurn {
		t.Errorf("stop reason = %s", done.StopReason)
	}
}

// faultyProvider fails its first Stream calls before deferring to the
// scripted replays.
type faultyProvider struct {
	replayProvider
	failFirst int
}

func (p *faultyProvider) Stream(ctx context.Context, req *model.Request) (*model.ChunkStream, error) {
	p.mu.Lock()
	if p.calls < p.failFirst {
		p.calls++
		p.mu.Unlock()
		return nil, model.NewProviderError("replay", model.ProviderErrorKindProvider, "upstream returned 500")
	}
	p.mu.Unlock()
	return p.replayProvider.Stream(ctx, req)
}

func TestEngineStreamErrorEntersErrorState(t *testing.T) {
	t.Parallel()

	provider := &faultyProvider{
		replayProvider: replayProvider{scripts: [][]model.StreamChunk{
			nil,
			textTurn("recovered"),
		}},
		failFirst: 1,
	}
	h := newEngineHarness(t, provider)

	h.engine.SendMessage("hi")

	errEv := h.waitFor(t, agent.EventError)
	if errEv.Message == "" {
		t.Error("error event carried no message")
	}
	h.waitForState(t, agent.StateError)

	// The error state is recoverable: the next message starts a fresh turn.
	h.engine.SendMessage("try again")
	done := h.waitFor(t, agent.EventTurnComplete)
	if done.StopReason != model.StopReasonEndTurn {
		t.Errorf("stop reason = %s", done.StopReason)
	}
	h.waitForState(t, agent.StateAwaitingUserInput)
}
