package agent

import (
	"log/slog"

	"github.com/ridgetop/ridgeline/backend/model"
)

// BatchTracker collects the tool results of one provider turn and decides
// when the turn may continue. Every tool-use id is stamped with the batch it
// belongs to; results carrying a stale batch id are discarded, which is the
// race guard against late completions from a cancelled or superseded turn.
//
// The tracker is not safe for concurrent use. All mutation happens on the
// engine's dispatcher goroutine, which is what makes sealing race-free
// without locks.
type BatchTracker struct {
	currentBatchID uint64
	expectedID     uint64
	expectedCount  int
	open           bool

	// order preserves the tool-call order of the open batch so the sealed
	// payload matches the tool_use blocks of the preceding assistant turn.
	order     []string
	collected map[string]model.ToolResult
	toolBatch map[string]uint64

	log *slog.Logger
}

func NewBatchTracker(log *slog.Logger) *BatchTracker {
	if log == nil {
		log = slog.Default()
	}
	return &BatchTracker{
		collected: make(map[string]model.ToolResult),
		toolBatch: make(map[string]uint64),
		log:       log,
	}
}

// Open starts a new batch covering the given tool calls and returns its id.
// Any previously open batch is superseded first.
func (t *BatchTracker) Open(uses []model.ToolUse) uint64 {
	if t.open {
		t.Supersede()
	}

	t.currentBatchID++
	t.expectedID = t.currentBatchID
	t.expectedCount = len(uses)
	t.open = true
	t.order = t.order[:0]
	for _, use := range uses {
		t.order = append(t.order, use.ID)
		t.toolBatch[use.ID] = t.currentBatchID
	}
	return t.currentBatchID
}

// Current reports the open batch id, if any.
func (t *BatchTracker) Current() (uint64, bool) {
	return t.expectedID, t.open
}

// Pending reports how many results the open batch still needs.
func (t *BatchTracker) Pending() int {
	if !t.open {
		return 0
	}
	return t.expectedCount - len(t.collected)
}

// Submit records one result. When the result completes the open batch, the
// full payload is returned in tool-call order and the batch is sealed; every
// other call returns nil. Results for an unknown or non-current batch are
// discarded with a warning and never affect sealing.
func (t *BatchTracker) Submit(result model.ToolResult) []model.ToolResult {
	batchID, ok := t.toolBatch[result.ToolUseID]
	if !ok || !t.open || batchID != t.expectedID {
		t.log.Warn("discarding stale tool result",
			"tool_use_id", result.ToolUseID,
			"result_batch", batchID,
			"current_batch", t.expectedID,
		)
		return nil
	}

	t.collected[result.ToolUseID] = result
	if len(t.collected) < t.expectedCount {
		return nil
	}
	return t.seal()
}

// Reject synthesizes an error result for a declined tool call. It counts
// toward batch completion exactly like an executed result.
func (t *BatchTracker) Reject(toolUseID string) []model.ToolResult {
	return t.Submit(model.ToolResult{
		ToolUseID: toolUseID,
		Content:   model.TextResult("Tool execution rejected by user"),
		IsError:   true,
	})
}

// Supersede abandons the open batch. Results that later arrive for it are
// discarded by Submit's batch-id check.
func (t *BatchTracker) Supersede() {
	if !t.open {
		return
	}
	t.log.Debug("superseding tool batch",
		"batch_id", t.expectedID,
		"collected", len(t.collected),
		"expected", t.expectedCount,
	)
	t.clearBatch(t.expectedID)
	t.open = false
	t.order = t.order[:0]
	clear(t.collected)
}

// seal drains the collected results. Clearing the expectation here is what
// guarantees the continuation fires exactly once per batch.
func (t *BatchTracker) seal() []model.ToolResult {
	results := make([]model.ToolResult, 0, len(t.collected))
	for _, id := range t.order {
		if r, ok := t.collected[id]; ok {
			results = append(results, r)
		}
	}

	t.clearBatch(t.expectedID)
	t.open = false
	t.order = t.order[:0]
	clear(t.collected)
	return results
}

func (t *BatchTracker) clearBatch(batchID uint64) {
	for id, b := range t.toolBatch {
		if b == batchID {
			delete(t.toolBatch, id)
		}
	}
}
