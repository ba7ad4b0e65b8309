package agent

import (
	"strings"

	"github.com/ridgetop/ridgeline/backend/model"
)

// turnAccumulator gathers one streamed assistant turn so the engine can
// write it back into the conversation when the stream stops. Tool input
// fragments are assembled by the manager; the accumulator only records the
// finished ToolUse values.
type turnAccumulator struct {
	messageID  string
	text       strings.Builder
	thinking   strings.Builder
	toolUses   []model.ToolUse
	stopReason model.StopReason
	usage      *model.Usage
	stopped    bool
}

func (a *turnAccumulator) observe(chunk model.StreamChunk) {
	switch c := chunk.(type) {
	case model.StartChunk:
		a.messageID = c.MessageID
	case model.DeltaChunk:
		switch d := c.Delta.(type) {
		case model.TextDelta:
			a.text.WriteString(d.Text)
		case model.ThinkingDelta:
			a.thinking.WriteString(d.Thinking)
		}
	case model.StopChunk:
		a.stopReason = c.Reason
		a.usage = c.Usage
		a.stopped = true
	}
}

func (a *turnAccumulator) addToolUse(use model.ToolUse) {
	a.toolUses = append(a.toolUses, use)
}

func (a *turnAccumulator) reset() {
	*a = turnAccumulator{}
}
