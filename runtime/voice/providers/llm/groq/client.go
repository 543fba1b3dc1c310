// Package groq adapts Groq's OpenAI-API-compatible chat completions
// endpoint to the voice runtime's LargeLanguageModel interface. Groq serves
// the same request/response shape as OpenAI's Chat Completions API, so this
// package is a thin constructor over the openai adapter rather than a
// separate client implementation.
package groq

import (
	"errors"
	"strings"

	openaisdk "github.com/sashabaranov/go-openai"

	"github.com/unpod/corertc/runtime/voice/providers/llm/openai"
)

const defaultBaseURL = "https://api.groq.com/openai/v1"

// NewFromAPIKey constructs an Adapter talking to Groq's chat completions
// endpoint. baseURL overrides the default when non-empty, for testing
// against a local fixture server.
func NewFromAPIKey(apiKey, baseURL string) (*openai.Adapter, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("groq: api key is required")
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	config := openaisdk.DefaultConfig(apiKey)
	config.BaseURL = baseURL
	client := openaisdk.NewClientWithConfig(config)
	return openai.New(openai.WrapClient(client))
}
