// Package cartesia adapts Cartesia's streaming speech synthesis HTTP API
// to the voice runtime's TextToSpeech interface. No Cartesia SDK appears
// anywhere in the retrieval pack, so the client is a thin net/http caller
// following the same Option-configured *http.Client shape as
// runtime/a2a/httpclient, streaming the chunked response body straight
// into raw audio frames.
package cartesia

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/unpod/corertc/runtime/voice"
)

const defaultBaseURL = "https://api.cartesia.ai/tts/bytes"

// Option configures the Adapter.
type Option func(*Adapter)

// WithHTTPClient overrides the underlying *http.Client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.http = c }
}

// WithBaseURL overrides the Cartesia API base URL, for testing against a
// local fixture server.
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = url }
}

// Adapter implements voice.TextToSpeech over Cartesia's bytes endpoint.
type Adapter struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewFromAPIKey builds an Adapter authenticated with apiKey.
func NewFromAPIKey(apiKey string, opts ...Option) (*Adapter, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("cartesia: api key is required")
	}
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// Open returns a session bound to one model/voice pair.
func (a *Adapter) Open(ctx context.Context, id voice.ProviderID) (voice.TTSSession, error) {
	model := id.Model
	if model == "" {
		model = "sonic-3"
	}
	if id.Voice == "" {
		return nil, errors.New("cartesia: voice is required")
	}
	return &session{adapter: a, model: model, voiceID: id.Voice}, nil
}

type session struct {
	adapter *Adapter
	model   string
	voiceID string
}

func (s *session) Close() error { return nil }

type ttsRequest struct {
	ModelID        string         `json:"model_id"`
	Transcript     string         `json:"transcript"`
	Voice          voiceSelector  `json:"voice"`
	OutputFormat   outputFormat   `json:"output_format"`
}

type voiceSelector struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type outputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

const frameSize = 4096

func (s *session) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("cartesia: text is required")
	}
	reqBody := ttsRequest{
		ModelID:    s.model,
		Transcript: text,
		Voice:      voiceSelector{Mode: "id", ID: s.voiceID},
		OutputFormat: outputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: 16000,
		},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("cartesia: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.adapter.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cartesia: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", s.adapter.apiKey)
	httpReq.Header.Set("Cartesia-Version", "2024-06-10")

	resp, err := s.adapter.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("cartesia: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("cartesia: http status %d", resp.StatusCode)
	}

	// Read the first chunk synchronously so a provider response that
	// pushed zero audio frames (a real Cartesia failure mode) surfaces as
	// ErrNoAudioFrames from Synthesize itself, not discovered later while
	// draining an empty channel.
	buf := make([]byte, frameSize)
	n, readErr := resp.Body.Read(buf)
	if n == 0 {
		_ = resp.Body.Close()
		return nil, &voice.ErrNoAudioFrames{Provider: "cartesia"}
	}
	first := make([]byte, n)
	copy(first, buf[:n])

	out := make(chan []byte, 16)
	go streamFrames(ctx, resp.Body, first, readErr, out)
	return out, nil
}

// streamFrames emits the already-read first frame, then continues reading
// the response body in fixed-size chunks until EOF.
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
