package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/ridgetop/ridgeline/backend/event"
	"github.com/ridgetop/ridgeline/backend/model"
	"github.com/ridgetop/ridgeline/backend/tool"
)

// Feed is the agent's outbound event stream.
type Feed = event.Feed[Event]

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMaxTurns bounds how many provider turns one user message may trigger
// through tool continuations before the engine forces the turn to finish.
func WithMaxTurns(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxTurns = n
		}
	}
}

// WithContextBudget sets the input-token level at which the engine compacts
// the conversation between turns. Zero disables compaction.
func WithContextBudget(tokens int) EngineOption {
	return func(e *Engine) { e.contextBudget = tokens }
}

const (
	defaultMaxTurns = 25

	// compactKeepMessages is how much recent conversation survives a
	// context compaction.
	compactKeepMessages = 20

	commandBuffer = 64
)

// command is one inbound message for the dispatcher. Exactly one field
// group is set.
type command struct {
	send       string
	hasSend    bool
	cancel     bool
	confirmID  string
	rejectID   string
	provider   string
	modelID    string
	results    []model.ToolResult
	hasResults bool
}

// Engine drives the agent state machine. All state transitions are applied
// by a single dispatcher goroutine consuming one ordered channel per source:
// commands from the public methods, LLM events from the manager, and tool
// results forwarded from per-call channels. Streaming reads and tool
// executions run concurrently but never touch engine state directly.
type Engine struct {
	manager  *model.Manager
	executor *tool.Executor
	feed     *Feed
	tracker  *BatchTracker
	log      *slog.Logger

	commands chan command
	results  chan resultMsg

	maxTurns      int
	contextBudget int

	// Dispatcher-owned state. Only the run loop reads or writes these.
	state         State
	acc           turnAccumulator
	pending       map[string]model.ToolUse
	turnsThisSend int

	runCtx context.Context
	group  *errgroup.Group
}

type resultMsg struct {
	result model.ToolResult
}

func NewEngine(manager *model.Manager, executor *tool.Executor, feed *Feed, log *slog.Logger, opts ...EngineOption) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		manager:  manager,
		executor: executor,
		feed:     feed,
		tracker:  NewBatchTracker(log),
		log:      log,
		commands: make(chan command, commandBuffer),
		results:  make(chan resultMsg, commandBuffer),
		maxTurns: defaultMaxTurns,
		state:    StateIdle,
		pending:  make(map[string]model.ToolUse),
		runCtx:   context.Background(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State reports the engine's current state. Because transitions happen on
// the dispatcher goroutine, the value may be stale by the time it is read;
// consumers needing transition-accurate state should watch the feed instead.
func (e *Engine) CurrentState() State {
	return e.state
}

// Run owns the dispatch loop until ctx is cancelled. It must be called
// exactly once; the public command methods are safe from any goroutine once
// Run has started.
func (e *Engine) Run(ctx context.Context) error {
	group, runCtx := errgroup.WithContext(ctx)
	e.runCtx = runCtx
	e.group = group

	group.Go(func() error {
		e.dispatch(runCtx)
		return nil
	})

	err := group.Wait()
	e.feed.Close()
	return err
}

// SendMessage starts a new turn for the given user text. A turn already in
// flight is cancelled first; its late tool results become stale.
func (e *Engine) SendMessage(text string) {
	e.enqueue(command{send: text, hasSend: true})
}

// Cancel stops the current turn. In-flight tool executions are not aborted;
// their results are discarded by the batch guard.
func (e *Engine) Cancel() {
	e.enqueue(command{cancel: true})
}

// ConfirmTool releases a tool call held for user confirmation.
func (e *Engine) ConfirmTool(toolUseID string) {
	e.enqueue(command{confirmID: toolUseID})
}

// RejectTool declines a held tool call. The rejection counts toward the
// batch as an error result without ever executing.
func (e *Engine) RejectTool(toolUseID string) {
	e.enqueue(command{rejectID: toolUseID})
}

// SetProvider switches the active provider for subsequent turns.
func (e *Engine) SetProvider(name string) {
	e.enqueue(command{provider: name})
}

// SetModel switches the active model for subsequent turns.
func (e *Engine) SetModel(modelID string) {
	e.enqueue(command{modelID: modelID})
}

// ContinueAfterTools resumes the conversation with externally produced tool
// results. The normal tool path goes through the batch tracker; this entry
// point exists for callers that execute tools themselves.
func (e *Engine) ContinueAfterTools(results []model.ToolResult) {
	e.enqueue(command{results: results, hasResults: true})
}

func (e *Engine) enqueue(cmd command) {
	select {
	case e.commands <- cmd:
	case <-e.runCtx.Done():
	}
}

func (e *Engine) dispatch(ctx context.Context) {
	llmEvents := e.manager.Events()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.commands:
			e.handleCommand(ctx, cmd)
		case ev := <-llmEvents:
			e.handleLLMEvent(ctx, ev)
		case msg := <-e.results:
			e.handleToolResult(msg)
		}
	}
}

func (e *Engine) handleCommand(ctx context.Context, cmd command) {
	switch {
	case cmd.hasSend:
		e.startTurn(ctx, cmd.send)
	case cmd.cancel:
		e.cancelTurn()
	case cmd.confirmID != "":
		e.confirmTool(cmd.confirmID)
	case cmd.rejectID != "":
		e.rejectTool(cmd.rejectID)
	case cmd.provider != "":
		if err := e.manager.SetProvider(cmd.provider); err != nil {
			e.publish(Event{Kind: EventError, Message: err.Error()})
		}
	case cmd.modelID != "":
		e.manager.SetModel(cmd.modelID)
	case cmd.hasResults:
		e.continueTurn(ctx, cmd.results)
	}
}

func (e *Engine) startTurn(ctx context.Context, text string) {
	e.abandonTurn()
	e.turnsThisSend = 0
	e.setState(StatePreparingRequest)
	e.acc.reset()
	e.manager.SendMessage(ctx, text)
	e.setState(StateStreamingResponse)
}

func (e *Engine) cancelTurn() {
	switch e.state {
	case StatePreparingRequest, StateStreamingResponse, StateExecutingTools:
	default:
		return
	}
	e.abandonTurn()
	e.setState(StateAwaitingUserInput)
}

// abandonTurn tears down whatever the current turn left in flight. Tool
// executions keep running; the superseded batch makes their results inert.
func (e *Engine) abandonTurn() {
	e.tracker.Supersede()
	clear(e.pending)
	e.manager.Cancel()
	e.acc.reset()
}

func (e *Engine) handleLLMEvent(ctx context.Context, ev model.LLMEvent) {
	// The manager advances its turn counter on every new request and every
	// cancel, so an event stamped with any older turn is from a stream that
	// no longer matters.
	if ev.Turn != e.manager.Turn() {
		e.log.Debug("discarding event from stale turn", "event_turn", ev.Turn)
		return
	}

	switch {
	case ev.Chunk != nil:
		e.acc.observe(ev.Chunk)
		e.publish(Event{Kind: EventChunk, Chunk: ev.Chunk})
	case ev.Tool != nil:
		e.acc.addToolUse(*ev.Tool)
	case ev.Err != nil:
		e.streamFailed(ev.Err)
	case ev.Done:
		e.streamDone(ctx)
	}
}

func (e *Engine) streamFailed(err error) {
	if errors.Is(err, model.ErrStreamInterrupted) {
		e.setState(StateAwaitingUserInput)
		return
	}
	e.log.Error("turn failed", "error", err)
	e.publish(Event{Kind: EventError, Message: err.Error()})
	e.setState(StateError)
}

// streamDone finalizes a completed stream: the assistant turn is written
// back into the conversation, then either a tool batch opens or the turn
// completes.
func (e *Engine) streamDone(ctx context.Context) {
	if text := e.acc.text.String(); text != "" {
		e.manager.AddAssistantMessage(text)
	}
	for _, use := range e.acc.toolUses {
		e.manager.AddToolUse(use)
	}

	// Keyed on captured tool uses, not the stop reason: Gemini ends a
	// function-call turn with a plain STOP finish reason.
	if len(e.acc.toolUses) > 0 {
		e.openBatch(ctx)
		return
	}
	e.finalizeTurn(e.acc.stopReason, e.acc.usage)
}

func (e *Engine) finalizeTurn(reason model.StopReason, usage *model.Usage) {
	e.setState(StateFinalizingTurn)

	switch reason {
	case model.StopReasonMaxTokens:
		e.publish(Event{Kind: EventError, Message: "response truncated: maximum output tokens reached"})
	case model.StopReasonContentFilter:
		e.publish(Event{Kind: EventError, Message: "response stopped by the provider's content filter"})
	}

	e.publish(Event{Kind: EventTurnComplete, StopReason: reason, Usage: usage})
	e.maybeCompact(usage)
	e.acc.reset()
	e.setState(StateAwaitingUserInput)
}

func (e *Engine) maybeCompact(usage *model.Usage) {
	if e.contextBudget <= 0 || usage == nil || usage.InputTokens < e.contextBudget {
		return
	}
	dropped := e.manager.CompactConversation(compactKeepMessages)
	if dropped == 0 {
		return
	}
	e.publish(Event{Kind: EventContextTruncated, Truncation: &Truncation{
		SegmentsDropped: dropped,
		TokensUsed:      usage.InputTokens,
		Budget:          e.contextBudget,
	}})
}

// openBatch gates every requested tool call and opens the result batch.
// Blocked calls are answered immediately with error results; confirmable
// calls wait for ConfirmTool or RejectTool.
func (e *Engine) openBatch(ctx context.Context) {
	e.setState(StateExecutingTools)
	uses := e.acc.toolUses
	batchID := e.tracker.Open(uses)
	e.log.Debug("opened tool batch", "batch_id", batchID, "tools", len(uses))

	for _, use := range uses {
		check := e.executor.Gate().CanExecute(use, false)
		e.publish(Event{Kind: EventToolUseRequested, ToolUse: &use, Check: check})

		switch check {
		case tool.CheckAllowed:
			e.dispatchTool(ctx, use)
		case tool.CheckRequiresConfirmation:
			e.pending[use.ID] = use
		default:
			// Blocked outright. Surfaced above; the model gets told why.
			e.submitResult(model.ToolResult{
				ToolUseID: use.ID,
				Content:   model.TextResult(fmt.Sprintf("Tool call blocked: %s", check)),
				IsError:   true,
			})
		}
	}
}

// dispatchTool forwards the per-call result channel onto the dispatcher's
// inbound results channel. The forwarder outlives the turn on purpose: a
// result from a superseded batch still arrives, and the tracker discards it.
func (e *Engine) dispatchTool(ctx context.Context, use model.ToolUse) {
	ch := e.executor.Dispatch(ctx, use)
	e.group.Go(func() error {
		select {
		case result := <-ch:
			select {
			case e.results <- resultMsg{result: result}:
			case <-ctx.Done():
			}
		case <-ctx.Done():
		}
		return nil
	})
}

func (e *Engine) confirmTool(toolUseID string) {
	use, ok := e.pending[toolUseID]
	if !ok {
		e.log.Warn("confirmation for unknown tool call", "tool_use_id", toolUseID)
		return
	}
	delete(e.pending, toolUseID)

	if _, open := e.tracker.Current(); !open {
		return
	}
	e.dispatchTool(e.runCtx, use)
}

func (e *Engine) rejectTool(toolUseID string) {
	if _, ok := e.pending[toolUseID]; !ok {
		e.log.Warn("rejection for unknown tool call", "tool_use_id", toolUseID)
		return
	}
	delete(e.pending, toolUseID)

	e.publish(Event{Kind: EventToolExecuted, ToolUseID: toolUseID, Success: false})
	if sealed := e.tracker.Reject(toolUseID); sealed != nil {
		e.continueTurn(e.runCtx, sealed)
	}
}

func (e *Engine) handleToolResult(msg resultMsg) {
	e.publish(Event{Kind: EventToolExecuted, ToolUseID: msg.result.ToolUseID, Success: !msg.result.IsError})
	e.submitResult(msg.result)
}

func (e *Engine) submitResult(result model.ToolResult) {
	if sealed := e.tracker.Submit(result); sealed != nil {
		e.continueTurn(e.runCtx, sealed)
	}
}

// continueTurn resumes the provider conversation with a sealed batch of
// tool results.
func (e *Engine) continueTurn(ctx context.Context, results []model.ToolResult) {
	e.manager.AddToolResults(results)

	e.turnsThisSend++
	if e.turnsThisSend >= e.maxTurns {
		e.log.Warn("maximum turns reached for one message", "turns", e.turnsThisSend)
		e.publish(Event{Kind: EventError, Message: fmt.Sprintf("stopping after %d turns without a final answer", e.turnsThisSend)})
		e.finalizeTurn(model.StopReasonEndTurn, e.acc.usage)
		return
	}

	e.setState(StatePreparingRequest)
	e.acc.reset()
	e.manager.ContinueTurn(ctx)
	e.setState(StateStreamingResponse)
}

func (e *Engine) setState(s State) {
	if e.state == s {
		return
	}
	e.state = s
	e.publish(Event{Kind: EventStateChanged, State: s})
}

func (e *Engine) publish(ev Event) {
	e.feed.Publish(ev)
}
