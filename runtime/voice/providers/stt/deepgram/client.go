// Package deepgram adapts Deepgram's real-time transcription WebSocket API
// to the voice runtime's SpeechToText interface using
// github.com/gorilla/websocket, the same client library the messaging
// fan-out uses server-side for its duplex transport.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/unpod/corertc/runtime/voice"
)

const defaultHost = "api.deepgram.com"

// Option configures the Adapter.
type Option func(*Adapter)

// WithHost overrides the Deepgram WebSocket host, for testing against a
// local fixture server.
func WithHost(host string) Option {
	return func(a *Adapter) { a.host = host }
}

// WithInsecure dials "ws://" instead of "wss://", for testing against a
// local plaintext fixture server.
func WithInsecure() Option {
	return func(a *Adapter) { a.scheme = "ws" }
}

// Adapter implements voice.SpeechToText over Deepgram's streaming
// transcription endpoint.
type Adapter struct {
	apiKey string
	host   string
	scheme string
}

// NewFromAPIKey builds an Adapter authenticated with apiKey.
func NewFromAPIKey(apiKey string, opts ...Option) (*Adapter, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("deepgram: api key is required")
	}
	a := &Adapter{apiKey: apiKey, host: defaultHost, scheme: "wss"}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// Open dials a new streaming transcription session for one call.
func (a *Adapter) Open(ctx context.Context, id voice.ProviderID) (voice.STTSession, error) {
	model := id.Model
	if model == "" {
		model = "nova-3"
	}
	u := url.URL{
		Scheme:   a.scheme,
		Host:     a.host,
		Path:     "/v1/listen",
		RawQuery: fmt.Sprintf("model=%s&encoding=linear16&sample_rate=16000", url.QueryEscape(model)),
	}
	header := http.Header{}
	header.Set("Authorization", "Token "+a.apiKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sess := &session{
		conn:   conn,
		finals: make(chan string, 16),
		errs:   make(chan error, 4),
	}
	go sess.readLoop()
	return sess, nil
}

type deepgramMessage struct {
	IsFinal bool `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type session struct {
	conn   *websocket.Conn
	finals chan string
	errs   chan error

	mu     sync.Mutex
	closed bool
}

func (s *session) PushAudio(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("deepgram: session closed")
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
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
	_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
	return s.conn.Close()
}

func (s *session) readLoop() {
	defer close(s.finals)
	defer close(s.errs)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				select {
				case s.errs <- fmt.Errorf("deepgram: read: %w", err):
				default:
				}
			}
			return
		}
		var msg deepgramMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if !msg.IsFinal || len(msg.Channel.Alternatives) == 0 {
			continue
		}
		transcript := strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)
		if transcript == "" {
			continue
		}
		select {
		case s.finals <- transcript:
		default:
		}
	}
}
