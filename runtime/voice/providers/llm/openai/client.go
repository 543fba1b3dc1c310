// Package openai adapts the OpenAI Chat Completions API to the voice
// runtime's LargeLanguageModel interface using github.com/sashabaranov/go-openai,
// the same client library used elsewhere in this codebase's model adapters.
// Unlike a plan-time model client, a voice turn always streams: the adapter
// uses CreateChatCompletionStream rather than the single-shot call.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/unpod/corertc/runtime/voice"
)

// ChatStream captures the subset of *openai.ChatCompletionStream consumed by
// the adapter, letting tests substitute a fake without a live HTTP transport.
type ChatStream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

// ChatClient captures the subset of the go-openai client used by the
// adapter.
type ChatClient interface {
	CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (ChatStream, error)
}

// liveChatClient wraps *openai.Client so its concrete stream type satisfies
// ChatClient without a go-openai API change.
type liveChatClient struct{ client *openai.Client }

func (c liveChatClient) CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (ChatStream, error) {
	return c.client.CreateChatCompletionStream(ctx, request)
}

// WrapClient adapts any *openai.Client — including one built with a custom
// ClientConfig (a different BaseURL, for an OpenAI-API-compatible provider
// such as Groq) — to the ChatClient interface.
func WrapClient(client *openai.Client) ChatClient {
	return liveChatClient{client: client}
}

// Adapter implements voice.LargeLanguageModel over an OpenAI chat client.
type Adapter struct {
	chat ChatClient
}

// New builds an Adapter from a ChatClient.
func New(chat ChatClient) (*Adapter, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	return &Adapter{chat: chat}, nil
}

// NewFromAPIKey constructs an Adapter using the default go-openai HTTP
// client.
func NewFromAPIKey(apiKey string) (*Adapter, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openai: api key is required")
	}
	return New(liveChatClient{client: openai.NewClient(apiKey)})
}

// Open returns a session bound to one model identifier.
func (a *Adapter) Open(ctx context.Context, id voice.ProviderID) (voice.LLMSession, error) {
	if id.Model == "" {
		return nil, errors.New("openai: model is required")
	}
	return &session{adapter: a, model: id.Model}, nil
}

type session struct {
	adapter *Adapter
	model   string
}

func (s *session) Close() error { return nil }

func (s *session) Generate(ctx context.Context, systemPrompt, userMessage string) (<-chan voice.LLMChunk, error) {
	if strings.TrimSpace(userMessage) == "" {
		return nil, errors.New("openai: user message is required")
	}
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userMessage,
	})

	stream, err := s.adapter.chat.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    s.model,
		Messages: messages,
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai chat completion stream: %w", err)
	}

	out := make(chan voice.LLMChunk, 16)
	go runStream(ctx, stream, out)
	return out, nil
}

func runStream(ctx context.Context, stream ChatStream, out chan<- voice.LLMChunk) {
	defer close(out)
	defer stream.Close()

	completionTokens := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		resp, err := stream.Recv()
		if err != nil {
			break
		}
		if resp.Usage != nil {
			completionTokens = resp.Usage.CompletionTokens
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			select {
			case out <- voice.LLMChunk{Delta: choice.Delta.Content}:
			case <-ctx.Done():
				return
			}
		}
	}
	select {
	case out <- voice.LLMChunk{Done: true, CompletionTokens: completionTokens}:
	case <-ctx.Done():
	}
}
