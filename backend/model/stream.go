package model

import "context"

type BlockType string

const (
	BlockTypeText     BlockType = "text"
	BlockTypeToolUse  BlockType = "tool_use"
	BlockTypeThinking BlockType = "thinking"
)

// StreamChunk is one increment of a streamed turn.
//
// Within one message, block indices are monotonically non-decreasing, and
// every index that appears in a BlockStartChunk is closed by exactly one
// matching BlockStopChunk before the index is reused. A stream cut short by
// cancellation or a transport error may leave the last block unclosed.
type StreamChunk interface {
	streamChunk()
}

type StartChunk struct {
	MessageID string
}

type BlockStartChunk struct {
	Index     int
	BlockType BlockType
	// ToolID and ToolName are set only for tool-use blocks.
	ToolID   string
	ToolName string
}

type DeltaChunk struct {
	Delta StreamDelta
}

type BlockStopChunk struct {
	Index int
}

type StopChunk struct {
	Reason StopReason
	Usage  *Usage
}

func (StartChunk) streamChunk()      {}
func (BlockStartChunk) streamChunk() {}
func (DeltaChunk) streamChunk()      {}
func (BlockStopChunk) streamChunk()  {}
func (StopChunk) streamChunk()       {}

// StreamDelta is the payload of a DeltaChunk.
type StreamDelta interface {
	streamDelta()
}

type TextDelta struct {
	Text string
}

type ThinkingDelta struct {
	Thinking string
}

// ToolInputDelta carries one fragment of a tool call's input JSON. Fragments
// for one tool id concatenated in arrival order form a document that is
// guaranteed to parse only once the tool block's BlockStopChunk has arrived.
type ToolInputDelta struct {
	ID        string
	Name      string
	InputJSON string
}

func (TextDelta) streamDelta()      {}
func (ThinkingDelta) streamDelta()  {}
func (ToolInputDelta) streamDelta() {}

// ChunkStream delivers chunks from one streaming request to a single reader.
//
// The producer goroutine closes Chunks() when the stream ends; Err reports
// the terminal transport or protocol error, if any, and is valid only after
// the channel is closed. There is no automatic retry: retry policy belongs
// to the caller.
type ChunkStream struct {
	ch  chan StreamChunk
	err error
}

func newChunkStream(buffer int) *ChunkStream {
	return &ChunkStream{ch: make(chan StreamChunk, buffer)}
}

func (s *ChunkStream) Chunks() <-chan StreamChunk {
	return s.ch
}

func (s *ChunkStream) Err() error {
	return s.err
}

// send delivers a chunk, giving up when the request context ends so a
// cancelled reader never wedges the producer goroutine.
func (s *ChunkStream) send(ctx context.Context, chunk StreamChunk) bool {
	select {
	case s.ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// fail records the terminal error. Must be called by the producer before
// close; the channel close publishes the write to the reader.
func (s *ChunkStream) fail(err error) {
	s.err = err
}

func (s *ChunkStream) close() {
	close(s.ch)
}

// ReplayStream returns a stream that delivers the given chunks and ends.
// It lets tests and offline fixtures stand in for a live provider.
func ReplayStream(ctx context.Context, chunks []StreamChunk) *ChunkStream {
	s := newChunkStream(len(chunks) + 1)
	go func() {
		defer s.close()
		for _, chunk := range chunks {
			if !s.send(ctx, chunk) {
				s.fail(ErrStreamInterrupted)
				return
			}
		}
	}()
	return s
}

// Collect drains the stream into a slice, for tests and non-incremental
// consumers.
func (s *ChunkStream) Collect() ([]StreamChunk, error) {
	var chunks []StreamChunk
	for chunk := range s.Chunks() {
		chunks = append(chunks, chunk)
	}
	return chunks, s.Err()
}
