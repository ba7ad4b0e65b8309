package model

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ridgetop/ridgeline/shared/resilience"
)

// LLMEvent is one event from the streaming subsystem. Turn identifies the
// request that produced it; consumers drop events whose turn is stale,
// which keeps a cancelled stream from bleeding into the next one. Exactly
// one of Chunk, Tool, Err, or Done is set.
type LLMEvent struct {
	Turn  uint64
	Chunk StreamChunk
	Tool  *ToolUse
	Err   error
	Done  bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

func WithSystemPrompt(prompt string) ManagerOption {
	return func(m *Manager) { m.system = prompt }
}

func WithTools(tools []ToolDefinition) ManagerOption {
	return func(m *Manager) { m.tools = tools }
}

func WithRetryPolicy(policy resilience.RetryPolicy) ManagerOption {
	return func(m *Manager) { m.retry = policy }
}

func WithEventBuffer(n int) ManagerOption {
	return func(m *Manager) { m.events = make(chan LLMEvent, n) }
}

// WithCircuitBreaker tunes the per-provider breaker that trips after a run
// of consecutive failures and blocks requests until the reset timeout.
func WithCircuitBreaker(threshold int, reset time.Duration) ManagerOption {
	return func(m *Manager) {
		m.breakerThreshold = threshold
		m.breakerReset = reset
	}
}

const (
	defaultBreakerThreshold = 5
	defaultBreakerReset     = 30 * time.Second
)

// Manager owns the provider registry, the active provider and model, and
// the conversation buffer, and runs one streaming request at a time.
// Stream chunks are republished on Events with the owning turn number.
type Manager struct {
	mu           sync.Mutex
	registry     *Registry
	providerName string
	modelID      string
	conversation []Message

	system string
	tools  []ToolDefinition
	retry  resilience.RetryPolicy

	turn   uint64
	cancel context.CancelFunc

	breakers         map[string]*resilience.CircuitBreaker
	breakerThreshold int
	breakerReset     time.Duration

	events chan LLMEvent
	log    *slog.Logger
}

func NewManager(registry *Registry, log *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry:         registry,
		retry:            resilience.DefaultRetryPolicy(),
		breakers:         make(map[string]*resilience.CircuitBreaker),
		breakerThreshold: defaultBreakerThreshold,
		breakerReset:     defaultBreakerReset,
		events:           make(chan LLMEvent, 256),
		log:              log,
	}
	for _, opt := range opts {
		opt(m)
	}
	if p, err := registry.Default(); err == nil {
		m.providerName = p.Name()
		m.modelID = p.DefaultModel()
	}
	return m
}

// Events is the ordered feed of stream events. A single consumer reads it.
func (m *Manager) Events() <-chan LLMEvent {
	return m.events
}

func (m *Manager) CurrentProvider() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.providerName
}

func (m *Manager) CurrentModel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modelID
}

func (m *Manager) IsConfigured() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.providerName == "" {
		return false
	}
	_, err := m.registry.Get(m.providerName)
	return err == nil
}

// SetProvider switches the active provider and resets the model to its
// default.
func (m *Manager) SetProvider(name string) error {
	p, err := m.registry.Get(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providerName = name
	m.modelID = p.DefaultModel()
	return nil
}

func (m *Manager) SetModel(modelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelID = modelID
}

func (m *Manager) Conversation() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.conversation))
	copy(out, m.conversation)
	return out
}

func (m *Manager) ClearConversation() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversation = nil
}

func (m *Manager) AddUserMessage(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversation = append(m.conversation, UserMessage(text))
}

func (m *Manager) AddAssistantMessage(text string) {
	if text == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversation = append(m.conversation, AssistantMessage(text))
}

// AddToolUse records an assistant tool call, appending to the last
// assistant message when there is one so one turn's text and calls stay in
// a single message.
func (m *Manager) AddToolUse(use ToolUse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	block := &ToolUseBlock{ID: use.ID, Name: use.Name, Input: use.Input}
	if n := len(m.conversation); n > 0 && m.conversation[n-1].Role == RoleAssistant {
		m.conversation[n-1].Content = append(m.conversation[n-1].Content, block)
		return
	}
	m.conversation = append(m.conversation, Message{
		Role:    RoleAssistant,
		Content: []ContentBlock{block},
	})
}

// AddToolResults records one batch of tool results as a single user
// message, which is the shape every vendor accepts for continuations.
func (m *Manager) AddToolResults(results []ToolResult) {
	if len(results) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	blocks := make([]ContentBlock, 0, len(results))
	for _, r := range results {
		blocks = append(blocks, &ToolResultBlock{
			ToolUseID: r.ToolUseID,
			Content:   r.Content,
			IsError:   r.IsError,
		})
	}
	m.conversation = append(m.conversation, Message{Role: RoleUser, Content: blocks})
}

// CompactConversation drops the oldest messages until at most keep remain,
// then advances the cut so the conversation never opens on a dangling
// tool-result message. Returns the number of messages dropped.
func (m *Manager) CompactConversation(keep int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if keep < 0 {
		keep = 0
	}
	cut := len(m.conversation) - keep
	if cut <= 0 {
		return 0
	}
	for cut < len(m.conversation) && opensWithToolResult(m.conversation[cut]) {
		cut++
	}

	dropped := cut
	m.conversation = append([]Message(nil), m.conversation[cut:]...)
	m.log.Debug("compacted conversation", "dropped", dropped, "remaining", len(m.conversation))
	return dropped
}

func opensWithToolResult(msg Message) bool {
	if msg.Role != RoleUser {
		return true
	}
	for _, block := range msg.Content {
		if block.Type() == ContentBlockTypeToolResult {
			return true
		}
	}
	return false
}

// Turn reports the current turn number. Events stamped with an older turn
// belong to a cancelled or superseded request.
func (m *Manager) Turn() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turn
}

// SendMessage appends the user message and starts a new streaming turn.
func (m *Manager) SendMessage(ctx context.Context, text string) uint64 {
	m.AddUserMessage(text)
	return m.startTurn(ctx)
}

// ContinueTurn starts a streaming request over the conversation as it
// stands, used to resume after tool results have been appended.
func (m *Manager) ContinueTurn(ctx context.Context) uint64 {
	return m.startTurn(ctx)
}

// Cancel stops the in-flight stream, if any, and advances the turn so any
// events still queued from it are recognizably stale.
func (m *Manager) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.turn++
}

// breakerFor returns the provider's circuit breaker, creating it on first
// use. Callers hold mu.
func (m *Manager) breakerFor(name string) *resilience.CircuitBreaker {
	cb, ok := m.breakers[name]
	if !ok {
		cb = resilience.NewCircuitBreaker(name, m.breakerThreshold, m.breakerReset)
		m.breakers[name] = cb
	}
	return cb
}

func (m *Manager) startTurn(ctx context.Context) uint64 {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.turn++
	turn := m.turn

	provider, err := m.registry.Get(m.providerName)
	if err != nil {
		m.mu.Unlock()
		m.emit(ctx, LLMEvent{Turn: turn, Err: NewProviderError("", ProviderErrorKindInvalidRequest, "no provider configured")})
		return turn
	}

	breaker := m.breakerFor(m.providerName)
	if !breaker.Allow() {
		m.mu.Unlock()
		m.log.Warn("provider circuit open, refusing request", "provider", provider.Name())
		m.emit(ctx, LLMEvent{Turn: turn, Err: NewProviderError(provider.Name(), ProviderErrorKindProvider, "provider temporarily unavailable: too many consecutive failures")})
		return turn
	}

	req := &Request{
		Model:     m.modelID,
		System:    m.system,
		Messages:  append([]Message(nil), m.conversation...),
		Tools:     m.tools,
		MaxTokens: DefaultMaxTokens,
		Stream:    true,
	}

	streamCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	go m.pump(streamCtx, provider, breaker, req, turn)
	return turn
}

// pump runs one streaming request, republishing chunks and synthesizing a
// ToolUseDetected event for each tool block whose accumulated input parses
// at its BlockStop. The breaker records the stream outcome; a cancelled
// stream counts as neither success nor failure.
func (m *Manager) pump(ctx context.Context, provider Provider, breaker *resilience.CircuitBreaker, req *Request, turn uint64) {
	stream, err := provider.Stream(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			breaker.RecordResult(err)
		}
		m.log.Error("stream request failed", "provider", provider.Name(), "error", err)
		m.emit(ctx, LLMEvent{Turn: turn, Err: err})
		return
	}

	var assembler toolAssembler
	for chunk := range stream.Chunks() {
		if !m.emit(ctx, LLMEvent{Turn: turn, Chunk: chunk}) {
			return
		}
		if use := assembler.observe(chunk); use != nil {
			m.log.Debug("tool use detected", "tool", use.Name, "id", use.ID)
			if !m.emit(ctx, LLMEvent{Turn: turn, Tool: use}) {
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() == nil && !errors.Is(err, ErrStreamInterrupted) {
			breaker.RecordResult(err)
		}
		m.log.Warn("stream ended with error", "provider", provider.Name(), "error", err)
		m.emit(ctx, LLMEvent{Turn: turn, Err: err})
		return
	}
	breaker.RecordResult(nil)
	m.emit(ctx, LLMEvent{Turn: turn, Done: true})
}

func (m *Manager) emit(ctx context.Context, ev LLMEvent) bool {
	select {
	case m.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Complete runs a blocking request against the active provider with the
// manager's retry policy. Streaming turns are never retried.
func (m *Manager) Complete(ctx context.Context, req *Request) (*Response, error) {
	m.mu.Lock()
	provider, err := m.registry.Get(m.providerName)
	retry := m.retry
	var breaker *resilience.CircuitBreaker
	if err == nil {
		breaker = m.breakerFor(m.providerName)
	}
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !breaker.Allow() {
		return nil, NewProviderError(provider.Name(), ProviderErrorKindProvider, "provider temporarily unavailable: too many consecutive failures")
	}

	var resp *Response
	err = resilience.Do(ctx, retry, retryableProviderError, func() error {
		var callErr error
		resp, callErr = provider.Complete(ctx, req)
		return callErr
	})
	breaker.RecordResult(err)
	return resp, err
}

func retryableProviderError(err error) (bool, time.Duration) {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Retryable()
	}
	return false, 0
}

// toolAssembler accumulates input fragments per tool block and yields the
// completed ToolUse when the block closes with valid JSON.
type toolAssembler struct {
	active bool
	id     string
	name   string
	input  strings.Builder
}

func (a *toolAssembler) observe(chunk StreamChunk) *ToolUse {
	switch c := chunk.(type) {
	case BlockStartChunk:
		if c.BlockType == BlockTypeToolUse {
			a.active = true
			a.id = c.ToolID
			a.name = c.ToolName
			a.input.Reset()
		}
	case DeltaChunk:
		if d, ok := c.Delta.(ToolInputDelta); ok {
			if !a.active {
				a.active = true
				a.input.Reset()
			}
			if d.ID != "" {
				a.id = d.ID
			}
			if d.Name != "" {
				a.name = d.Name
			}
			a.input.WriteString(d.InputJSON)
		}
	case BlockStopChunk:
		if !a.active {
			return nil
		}
		a.active = false
		raw := a.input.String()
		if raw == "" {
			raw = "{}"
		}
		if !json.Valid([]byte(raw)) {
			return nil
		}
		return &ToolUse{ID: a.id, Name: a.name, Input: json.RawMessage(raw)}
	}
	return nil
}
