// Package anthropic adapts the Anthropic Claude Messages API to the voice
// runtime's LargeLanguageModel interface, trimmed from the teacher's
// features/model/anthropic client to the single-turn, text-only streaming
// surface a voice turn needs (no tool_use/thinking translation: a voice
// session exchanges plain utterances, and any tool-call syntax the model
// leaks into text is stripped by utterance hygiene, not parsed as a call).
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/unpod/corertc/runtime/voice"
)

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter, satisfied by *sdk.MessageService.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Adapter implements voice.LargeLanguageModel over an Anthropic Messages
// client.
type Adapter struct {
	msg       MessagesClient
	maxTokens int
}

// New builds an Adapter. maxTokens bounds every completion; it defaults to
// 1024 when zero.
func New(msg MessagesClient, maxTokens int) (*Adapter, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Adapter{msg: msg, maxTokens: maxTokens}, nil
}

// NewFromAPIKey constructs an Adapter using the default Anthropic HTTP
// client.
func NewFromAPIKey(apiKey string, maxTokens int) (*Adapter, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Messages, maxTokens)
}

// Open returns a session bound to one model identifier. Each Generate call
// issues one independent streaming Messages request.
func (a *Adapter) Open(ctx context.Context, id voice.ProviderID) (voice.LLMSession, error) {
	if id.Model == "" {
		return nil, errors.New("anthropic: model is required")
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
		return nil, errors.New("anthropic: user message is required")
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(s.model),
		MaxTokens: int64(s.adapter.maxTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(userMessage)),
		},
	}
	if systemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: systemPrompt}}
	}

	stream := s.adapter.msg.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic messages.new stream: %w", err)
	}

	out := make(chan voice.LLMChunk, 16)
	go runStream(ctx, stream, out)
	return out, nil
}

// streamEvents abstracts the subset of ssestream.Stream used by runStream
// so tests can substitute a fake without depending on the SDK's transport.
type streamEvents interface {
	Next() bool
	Current() sdk.MessageStreamEventUnion
	Err() error
	Close() error
}

func runStream(ctx context.Context, stream streamEvents, out chan<- voice.LLMChunk) {
	defer close(out)
	defer stream.Close()

	completionTokens := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !stream.Next() {
			break
		}
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockDeltaEvent:
			if text, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && text.Text != "" {
				select {
				case out <- voice.LLMChunk{Delta: text.Text}:
				case <-ctx.Done():
					return
				}
			}
		case sdk.MessageDeltaEvent:
			completionTokens = int(ev.Usage.OutputTokens)
		}
	}
	select {
	case out <- voice.LLMChunk{Done: true, CompletionTokens: completionTokens}:
	case <-ctx.Done():
	}
}
