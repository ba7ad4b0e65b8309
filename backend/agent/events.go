package agent

import (
	"github.com/ridgetop/ridgeline/backend/model"
	"github.com/ridgetop/ridgeline/backend/tool"
)

// State is the agent's position in its turn lifecycle.
type State string

const (
	StateIdle              State = "idle"
	StatePreparingRequest  State = "preparing_request"
	StateStreamingResponse State = "streaming_response"
	StateExecutingTools    State = "executing_tools"
	StateFinalizingTurn    State = "finalizing_turn"
	StateAwaitingUserInput State = "awaiting_user_input"
	StateError             State = "error"
)

// EventKind discriminates the Event union.
type EventKind string

const (
	EventStateChanged     EventKind = "state_changed"
	EventChunk            EventKind = "chunk"
	EventToolUseRequested EventKind = "tool_use_requested"
	EventToolExecuted     EventKind = "tool_executed"
	EventTurnComplete     EventKind = "turn_complete"
	EventError            EventKind = "error"
	EventContextTruncated EventKind = "context_truncated"
)

// Truncation reports a context-window trim applied between turns.
type Truncation struct {
	SegmentsDropped int
	TokensUsed      int
	Budget          int
}

// Event is one entry on the agent's outbound feed. Kind selects which of the
// remaining fields are meaningful:
//
//	StateChanged:     State
//	Chunk:            Chunk
//	ToolUseRequested: ToolUse, Check (why the call is pending or blocked)
//	ToolExecuted:     ToolUseID, Success
//	TurnComplete:     StopReason, Usage
//	Error:            Message
//	ContextTruncated: Truncation
type Event struct {
	Kind       EventKind
	State      State
	Chunk      model.StreamChunk
	ToolUse    *model.ToolUse
	Check      tool.Check
	ToolUseID  string
	Success    bool
	StopReason model.StopReason
	Usage      *model.Usage
	Message    string
	Truncation *Truncation
}

func (e Event) EventType() string { return string(e.Kind) }
