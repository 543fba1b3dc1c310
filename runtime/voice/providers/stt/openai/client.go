// Package openai adapts OpenAI's audio transcription endpoint to the voice
// runtime's SpeechToText interface using github.com/sashabaranov/go-openai,
// the same client library the LLM adapter of the same name uses. Unlike
// Deepgram's real-time WebSocket, OpenAI's transcription endpoint is
// request/response over a batch of audio: this adapter buffers pushed
// frames and flushes the accumulated buffer on a fixed interval, emitting
// each flush's transcript as one final result.
package openai

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/unpod/corertc/runtime/voice"
)

const defaultFlushInterval = 2 * time.Second

// TranscriptionClient captures the subset of the go-openai client used by
// the adapter.
type TranscriptionClient interface {
	CreateTranscription(ctx context.Context, request openai.AudioRequest) (openai.AudioResponse, error)
}

// Option configures the Adapter.
type Option func(*Adapter)

// WithFlushInterval overrides the default two-second buffered-audio flush
// cadence.
func WithFlushInterval(d time.Duration) Option {
	return func(a *Adapter) { a.flushInterval = d }
}

// Adapter implements voice.SpeechToText over OpenAI's transcription
// endpoint.
type Adapter struct {
	client        TranscriptionClient
	flushInterval time.Duration
}

// New builds an Adapter from a TranscriptionClient.
func New(client TranscriptionClient, opts ...Option) (*Adapter, error) {
	if client == nil {
		return nil, errors.New("openai stt: client is required")
	}
	a := &Adapter{client: client, flushInterval: defaultFlushInterval}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// NewFromAPIKey constructs an Adapter using the default go-openai HTTP
// client.
func NewFromAPIKey(apiKey string, opts ...Option) (*Adapter, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openai stt: api key is required")
	}
	return New(openai.NewClient(apiKey), opts...)
}

// Open starts a buffered transcription session for one call.
func (a *Adapter) Open(ctx context.Context, id voice.ProviderID) (voice.STTSession, error) {
	model := id.Model
	if model == "" {
		model = openai.Whisper1
	}
	sessCtx, cancel := context.WithCancel(ctx)
	s := &session{
		adapter: a,
		model:   model,
		finals:  make(chan string, 16),
		errs:    make(chan error, 4),
		cancel:  cancel,
	}
	go s.flushLoop(sessCtx)
	return s, nil
}

type session struct {
	adapter *Adapter
	model   string
	finals  chan string
	errs    chan error
	cancel  context.CancelFunc

	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (s *session) PushAudio(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("openai stt: session closed")
	}
	s.buf.Write(frame)
	return nil
}

func (s *session) Finals() <-chan string { return s.finals }
func (s *session) Errs() <-chan error    { return s.errs }

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	return nil
}

func (s *session) flushLoop(ctx context.Context) {
	defer close(s.finals)
	defer close(s.errs)

	ticker := time.NewTicker(s.adapter.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flush(ctx)
		}
	}
}

func (s *session) flush(ctx context.Context) {
	s.mu.Lock()
	if s.buf.Len() == 0 {
		s.mu.Unlock()
		return
	}
	audio := make([]byte, s.buf.Len())
	copy(audio, s.buf.Bytes())
	s.buf.Reset()
	s.mu.Unlock()

	resp, err := s.adapter.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:  s.model,
		Reader: bytes.NewReader(audio),
		FilePath: "audio.wav",
	})
	if err != nil {
		select {
		case s.errs <- err:
		default:
		}
		return
	}
	transcript := strings.TrimSpace(resp.Text)
	if transcript == "" {
		return
	}
	select {
	case s.finals <- transcript:
	default:
	}
}
