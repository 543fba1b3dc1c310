// Package openai adapts OpenAI's text-to-speech endpoint to the voice
// runtime's TextToSpeech interface using github.com/sashabaranov/go-openai.
// The endpoint returns one complete audio blob rather than a live stream;
// the adapter chunks that blob into fixed-size frames so callers see the
// same incremental delivery shape as the other TTS adapters.
package openai

import (
	"context"
	"errors"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/unpod/corertc/runtime/voice"
)

const frameSize = 4096

// SpeechClient captures the subset of the go-openai client used by the
// adapter.
type SpeechClient interface {
	CreateSpeech(ctx context.Context, request openai.CreateSpeechRequest) (io.ReadCloser, error)
}

// Adapter implements voice.TextToSpeech over OpenAI's speech endpoint.
type Adapter struct {
	client SpeechClient
}

// New builds an Adapter from a SpeechClient.
func New(client SpeechClient) (*Adapter, error) {
	if client == nil {
		return nil, errors.New("openai tts: client is required")
	}
	return &Adapter{client: client}, nil
}

// NewFromAPIKey constructs an Adapter using the default go-openai HTTP
// client.
func NewFromAPIKey(apiKey string) (*Adapter, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openai tts: api key is required")
	}
	return New(openai.NewClient(apiKey))
}

// Open returns a session bound to one model/voice pair.
func (a *Adapter) Open(ctx context.Context, id voice.ProviderID) (voice.TTSSession, error) {
	model := id.Model
	if model == "" {
		model = string(openai.TTSModel1)
	}
	if id.Voice == "" {
		return nil, errors.New("openai tts: voice is required")
	}
	return &session{adapter: a, model: model, voiceID: id.Voice}, nil
}

type session struct {
	adapter *Adapter
	model   string
	voiceID string
}

func (s *session) Close() error { return nil }

func (s *session) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("openai tts: text is required")
	}
	body, err := s.adapter.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(s.model),
		Input:          text,
		Voice:          openai.SpeechVoice(s.voiceID),
		ResponseFormat: openai.SpeechResponseFormatPcm,
	})
	if err != nil {
		return nil, err
	}

	buf := make([]byte, frameSize)
	n, readErr := body.Read(buf)
	if n == 0 {
		_ = body.Close()
		return nil, &voice.ErrNoAudioFrames{Provider: "openai"}
	}
	first := make([]byte, n)
	copy(first, buf[:n])

	out := make(chan []byte, 16)
	go streamFrames(ctx, body, first, readErr, out)
	return out, nil
}

func streamFrames(ctx context.Context, body io.ReadCloser, first []byte, firstErr error, out chan<- []byte) {
	defer close(out)
	defer body.Close()

	select {
	case out <- first:
	case <-ctx.Done():
		return
	}
	if firstErr != nil {
		return
	}

	buf := make([]byte, frameSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := body.Read(buf)
		if n > 0 {
			frame := make([]byte, n)
			copy(frame, buf[:n])
			select {
			case out <- frame:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			return
		}
	}
}
