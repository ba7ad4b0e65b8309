package model

import (
	"encoding/json"
	"fmt"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the conversation. Once appended to a thread it is
// never mutated; providers translate it into their own wire format.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

func UserMessage(text string) Message {
	return Message{
		Role:    RoleUser,
		Content: []ContentBlock{&TextBlock{Text: text}},
	}
}

func AssistantMessage(text string) Message {
	return Message{
		Role:    RoleAssistant,
		Content: []ContentBlock{&TextBlock{Text: text}},
	}
}

type ContentBlockType string

const (
	ContentBlockTypeText       ContentBlockType = "text"
	ContentBlockTypeThinking   ContentBlockType = "thinking"
	ContentBlockTypeToolUse    ContentBlockType = "tool_use"
	ContentBlockTypeToolResult ContentBlockType = "tool_result"
	ContentBlockTypeImage      ContentBlockType = "image"
)

// ContentBlock is one span of a message. Order within a message is
// significant: render order equals protocol emission order.
type ContentBlock interface {
	Type() ContentBlockType
}

type TextBlock struct {
	Text string `json:"text"`
}

func (b *TextBlock) Type() ContentBlockType { return ContentBlockTypeText }

type ThinkingBlock struct {
	Thinking string `json:"thinking"`
}

func (b *ThinkingBlock) Type() ContentBlockType { return ContentBlockTypeThinking }

type ToolUseBlock struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

func (b *ToolUseBlock) Type() ContentBlockType { return ContentBlockTypeToolUse }

type ToolResultBlock struct {
	ToolUseID string            `json:"tool_use_id"`
	Content   ToolResultContent `json:"content"`
	IsError   bool              `json:"is_error"`
}

func (b *ToolResultBlock) Type() ContentBlockType { return ContentBlockTypeToolResult }

type ImageBlock struct {
	Image ImageContent `json:"image"`
}

func (b *ImageBlock) Type() ContentBlockType { return ContentBlockTypeImage }

// ImageContent carries either inline base64 data or a URL, never both.
type ImageContent struct {
	MediaType string `json:"media_type"`
	Base64    string `json:"base64,omitempty"`
	URL       string `json:"url,omitempty"`
}

// ToolUse is a tool invocation requested by the model. ID is unique within a
// conversation turn and is the join key used by the gate, the batch map and
// the result.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult answers one ToolUse. Execution failures are reported here with
// IsError set, never as Go errors, so the conversation can continue.
type ToolResult struct {
	ToolUseID string            `json:"tool_use_id"`
	Content   ToolResultContent `json:"content"`
	IsError   bool              `json:"is_error"`
}

// ToolResultContent holds exactly one of Text, JSON or Image.
type ToolResultContent struct {
	Text  string          `json:"text,omitempty"`
	JSON  json.RawMessage `json:"json,omitempty"`
	Image *ImageContent   `json:"image,omitempty"`
}

func TextResult(text string) ToolResultContent {
	return ToolResultContent{Text: text}
}

func JSONResult(raw json.RawMessage) ToolResultContent {
	return ToolResultContent{JSON: raw}
}

// AsText renders the content the way providers expect it in a tool_result
// payload: text verbatim, JSON serialized, images as a placeholder.
func (c ToolResultContent) AsText() string {
	switch {
	case c.JSON != nil:
		return string(c.JSON)
	case c.Image != nil:
		return "[image]"
	default:
		return c.Text
	}
}

// ToolDefinition is the JSON-schema description of a tool sent to providers.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type StopReason string

const (
	StopReasonEndTurn       StopReason = "end_turn"
	StopReasonMaxTokens     StopReason = "max_tokens"
	StopReasonStopSequence  StopReason = "stop_sequence"
	StopReasonToolUse       StopReason = "tool_use"
	StopReasonContentFilter StopReason = "content_filter"
)

// Usage reports token counts for one turn. ThinkingTokens is zero when the
// vendor does not report reasoning tokens.
type Usage struct {
	InputTokens    int `json:"input_tokens"`
	OutputTokens   int `json:"output_tokens"`
	ThinkingTokens int `json:"thinking_tokens,omitempty"`
}

type ThinkingConfig struct {
	Enabled      bool `json:"enabled"`
	BudgetTokens int  `json:"budget_tokens,omitempty"`
}

const DefaultMaxTokens = 4096

// Request is the provider-agnostic completion request.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature *float64
	Stream      bool
	Thinking    *ThinkingConfig
}

func (r *Request) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("at least one message is required")
	}
	for i, m := range r.Messages {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			return fmt.Errorf("message %d has invalid role %q", i, m.Role)
		}
	}
	return nil
}

// Response is a complete, non-streaming provider answer.
type Response struct {
	ID         string
	Model      string
	Content    []ContentBlock
	StopReason StopReason
	Usage      Usage
}

// ToolUses extracts the tool invocations requested by the response, in
// emission order.
func (r *Response) ToolUses() []ToolUse {
	var uses []ToolUse
	for _, block := range r.Content {
		if tu, ok := block.(*ToolUseBlock); ok {
			uses = append(uses, ToolUse{ID: tu.ID, Name: tu.Name, Input: tu.Input})
		}
	}
	return uses
}

// EstimateTokens gives a rough chars/4 token estimate for a request, used
// when a provider offers no counting endpoint.
func EstimateTokens(r *Request) int {
	chars := len(r.System)
	for _, m := range r.Messages {
		for _, block := range m.Content {
			switch b := block.(type) {
			case *TextBlock:
				chars += len(b.Text)
			case *ThinkingBlock:
				chars += len(b.Thinking)
			default:
				chars += 100
			}
		}
	}
	return chars / 4
}
