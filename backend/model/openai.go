package model

import (
	"log/slog"

	"github.com/tidwall/gjson"
)

const openAIAPIURL = "https://api.openai.com/v1/chat/completions"

// NewOpenAIProvider returns the OpenAI adapter. The stream reports usage on
// the final chunk when stream_options.include_usage is set.
func NewOpenAIProvider(apiKey string, log *slog.Logger, opts ...ProviderOption) Provider {
	return &chatCompletionsProvider{
		name:   "openai",
		url:    chatCompletionsURL(openAIAPIURL, opts),
		apiKey: apiKey,
		client: newHTTPClient(),
		models: []ModelInfo{
			{
				ID: "gpt-4o", Name: "GPT-4o",
				ContextWindow: 128_000, MaxOutput: 16_384,
				Capabilities: []Capability{CapabilityToolUse, CapabilityVision},
			},
			{
				ID: "gpt-4o-mini", Name: "GPT-4o Mini",
				ContextWindow: 128_000, MaxOutput: 16_384,
				Capabilities: []Capability{CapabilityToolUse, CapabilityVision},
			},
			{
				ID: "gpt-4.1", Name: "GPT-4.1",
				ContextWindow: 1_000_000, MaxOutput: 32_768,
				Capabilities: []Capability{CapabilityToolUse, CapabilityVision},
			},
			{
				ID: "o3-mini", Name: "o3 Mini",
				ContextWindow: 200_000, MaxOutput: 100_000,
				Capabilities: []Capability{CapabilityToolUse, CapabilityThinking},
			},
		},
		defaultModel: "gpt-4o",
		streamUsage: func(root gjson.Result) *Usage {
			return parseChatUsage(root.Get("usage"))
		},
		includeStreamUsage: true,
		log:                log,
	}
}
