package model

import (
	"log/slog"

	"github.com/tidwall/gjson"
)

const groqAPIURL = "https://api.groq.com/openai/v1/chat/completions"

// NewGroqProvider returns the Groq adapter. Groq streams usage under the
// vendor extension key x_groq rather than a top-level usage object.
func NewGroqProvider(apiKey string, log *slog.Logger, opts ...ProviderOption) Provider {
	return &chatCompletionsProvider{
		name:   "groq",
		url:    chatCompletionsURL(groqAPIURL, opts),
		apiKey: apiKey,
		client: newHTTPClient(),
		models: []ModelInfo{
			{
				ID: "llama-3.3-70b-versatile", Name: "Llama 3.3 70B Versatile",
				ContextWindow: 128_000, MaxOutput: 32_768,
				Capabilities: []Capability{CapabilityToolUse, CapabilityVision},
			},
			{
				ID: "llama-3.1-8b-instant", Name: "Llama 3.1 8B Instant",
				ContextWindow: 128_000, MaxOutput: 8_192,
				Capabilities: []Capability{CapabilityToolUse},
			},
			{
				ID: "mixtral-8x7b-32768", Name: "Mixtral 8x7B",
				ContextWindow: 32_768, MaxOutput: 32_768,
				Capabilities: []Capability{CapabilityToolUse},
			},
			{
				ID: "qwen-qwq-32b", Name: "Qwen QWQ 32B",
				ContextWindow: 128_000, MaxOutput: 128_000,
				Capabilities: []Capability{CapabilityToolUse, CapabilityThinking},
			},
			{
				ID: "deepseek-r1-distill-llama-70b", Name: "DeepSeek R1 Distill 70B",
				ContextWindow: 128_000, MaxOutput: 16_384,
				Capabilities: []Capability{CapabilityToolUse, CapabilityThinking},
			},
		},
		defaultModel: "llama-3.3-70b-versatile",
		streamUsage: func(root gjson.Result) *Usage {
			return parseChatUsage(root.Get("x_groq.usage"))
		},
		log: log,
	}
}
