// Package inference adapts LiveKit's inference passthrough — a
// chat-completions-shaped gateway in front of several bedrock-hosted
// fallback models — to the voice runtime's LargeLanguageModel interface.
// It is only reachable when AGENT_INFRA_MODE=inference; the request/
// response envelope mirrors features/model/bedrock/client.go's Converse
// shape (system block, role-tagged message list, usage token counts),
// and the access token is an HS256-signed claim built the way
// runtime/auth verifies one, derived from LIVEKIT_INFERENCE_API_KEY and
// LIVEKIT_INFERENCE_API_SECRET rather than a user bearer token.
package inference

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/unpod/corertc/runtime/voice"
)

const defaultBaseURL = "https://inference.livekit.cloud/v1"

// Option configures the Adapter.
type Option func(*Adapter)

// WithHTTPClient overrides the underlying *http.Client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.http = c }
}

// WithBaseURL overrides the inference gateway base URL, for testing against
// a local fixture server.
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = url }
}

// WithClock overrides the adapter's notion of "now", for deterministic
// token-expiry tests.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// Adapter implements voice.LargeLanguageModel over the LiveKit inference
// passthrough.
type Adapter struct {
	apiKey    string
	apiSecret string
	baseURL   string
	http      *http.Client
	now       func() time.Time
}

// NewFromCredentials builds an Adapter. apiKey and apiSecret correspond to
// LIVEKIT_INFERENCE_API_KEY and LIVEKIT_INFERENCE_API_SECRET.
func NewFromCredentials(apiKey, apiSecret string, opts ...Option) (*Adapter, error) {
	if strings.TrimSpace(apiKey) == "" || strings.TrimSpace(apiSecret) == "" {
		return nil, errors.New("inference: api key and secret are required")
	}
	a := &Adapter{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   defaultBaseURL,
		http:      &http.Client{Timeout: 60 * time.Second},
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// Open returns a session bound to one model identifier.
func (a *Adapter) Open(ctx context.Context, id voice.ProviderID) (voice.LLMSession, error) {
	if id.Model == "" {
		return nil, errors.New("inference: model is required")
	}
	return &session{adapter: a, model: id.Model}, nil
}

type session struct {
	adapter *Adapter
	model   string
}

func (s *session) Close() error { return nil }

type signedClaims struct {
	Sub string `json:"sub"`
	Iat int64  `json:"iat"`
	Exp int64  `json:"exp"`
}

// signAccessToken builds an HS256-signed access token over apiKey/apiSecret,
// the inverse of runtime/auth's decodeAndVerify: here the adapter is the
// signer, not the verifier.
func (a *Adapter) signAccessToken() (string, error) {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	now := a.now()
	claims, err := json.Marshal(signedClaims{
		Sub: a.apiKey,
		Iat: now.Unix(),
		Exp: now.Add(5 * time.Minute).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("inference: marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(claims)
	signingInput := header + "." + payload

	mac := hmac.New(sha256.New, []byte(a.apiSecret))
	mac.Write([]byte(signingInput))
	signature := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return signingInput + "." + signature, nil
}

type envelopeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type converseRequest struct {
	Model  string            `json:"model"`
	System string            `json:"system,omitempty"`
	Messages []envelopeMessage `json:"messages"`
	Stream bool              `json:"stream"`
}

type converseChunk struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Done bool `json:"done"`
}

func (s *session) Generate(ctx context.Context, systemPrompt, userMessage string) (<-chan voice.LLMChunk, error) {
	if strings.TrimSpace(userMessage) == "" {
		return nil, errors.New("inference: user message is required")
	}
	token, err := s.adapter.signAccessToken()
	if err != nil {
		return nil, err
	}

	reqBody := converseRequest{
		Model:    s.model,
		System:   systemPrompt,
		Messages: []envelopeMessage{{Role: "user", Content: userMessage}},
		Stream:   true,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("inference: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.adapter.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("inference: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.adapter.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("inference: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("inference: http status %d", resp.StatusCode)
	}

	out := make(chan voice.LLMChunk, 16)
	go consumeSSE(ctx, resp.Body, out)
	return out, nil
}

func consumeSSE(ctx context.Context, body io.ReadCloser, out chan<- voice.LLMChunk) {
	defer close(out)
	defer body.Close()

	completionTokens := 0
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			continue
		}
		var chunk converseChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage.OutputTokens > 0 {
			completionTokens = chunk.Usage.OutputTokens
		}
		if chunk.Delta.Content != "" {
			select {
			case out <- voice.LLMChunk{Delta: chunk.Delta.Content}:
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
