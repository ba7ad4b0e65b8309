package model

import (
	"log/slog"

	"github.com/tidwall/gjson"
)

const grokAPIURL = "https://api.x.ai/v1/chat/completions"

// NewGrokProvider returns the xAI adapter. Grok speaks the chat-completions
// format and reports reasoning tokens under completion_tokens_details.
func NewGrokProvider(apiKey string, log *slog.Logger, opts ...ProviderOption) Provider {
	return &chatCompletionsProvider{
		name:   "grok",
		url:    chatCompletionsURL(grokAPIURL, opts),
		apiKey: apiKey,
		client: newHTTPClient(),
		models: []ModelInfo{
			{
				ID: "grok-4-fast-reasoning", Name: "Grok 4 Fast (Reasoning)",
				ContextWindow: 2_000_000, MaxOutput: 32_768,
				Capabilities: []Capability{CapabilityToolUse, CapabilityThinking, CapabilityVision},
			},
			{
				ID: "grok-4-fast-non-reasoning", Name: "Grok 4 Fast",
				ContextWindow: 2_000_000, MaxOutput: 32_768,
				Capabilities: []Capability{CapabilityToolUse, CapabilityVision},
			},
			{
				ID: "grok-4-1-fast-reasoning", Name: "Grok 4.1 Fast (Reasoning)",
				ContextWindow: 2_000_000, MaxOutput: 32_768,
				Capabilities: []Capability{CapabilityToolUse, CapabilityThinking, CapabilityVision},
			},
			{
				ID: "grok-4-1-fast-non-reasoning", Name: "Grok 4.1 Fast",
				ContextWindow: 2_000_000, MaxOutput: 32_768,
				Capabilities: []Capability{CapabilityToolUse, CapabilityVision},
			},
		},
		defaultModel: "grok-4-fast-non-reasoning",
		streamUsage: func(root gjson.Result) *Usage {
			return parseChatUsage(root.Get("usage"))
		},
		includeStreamUsage: true,
		log:                log,
	}
}
