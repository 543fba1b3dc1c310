// Package google adapts Google's Gemini generateContent streaming API to
// the voice runtime's LargeLanguageModel interface. No SDK for this
// provider appears anywhere in the retrieval pack, so the adapter is a
// thin net/http client reading the API's server-sent-events stream
// directly, following the same Option-configured *http.Client shape as
// runtime/a2a/httpclient.
package google

import (
	"bufio"
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

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Option configures the Adapter.
type Option func(*Adapter)

// WithHTTPClient overrides the underlying *http.Client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.http = c }
}

// WithBaseURL overrides the Gemini API base URL, for testing against a
// local fixture server.
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = url }
}

// Adapter implements voice.LargeLanguageModel over Gemini's streaming
// generateContent endpoint.
type Adapter struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewFromAPIKey builds an Adapter authenticated with apiKey.
func NewFromAPIKey(apiKey string, opts ...Option) (*Adapter, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("google: api key is required")
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

// Open returns a session bound to one model identifier.
func (a *Adapter) Open(ctx context.Context, id voice.ProviderID) (voice.LLMSession, error) {
	if id.Model == "" {
		return nil, errors.New("google: model is required")
	}
	return &session{adapter: a, model: id.Model}, nil
}

type session struct {
	adapter *Adapter
	model   string
}

func (s *session) Close() error { return nil }

type generateContentRequest struct {
	Contents          []content `json:"contents"`
	SystemInstruction *content  `json:"systemInstruction,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type streamChunk struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (s *session) Generate(ctx context.Context, systemPrompt, userMessage string) (<-chan voice.LLMChunk, error) {
	if strings.TrimSpace(userMessage) == "" {
		return nil, errors.New("google: user message is required")
	}
	reqBody := generateContentRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: userMessage}}}},
	}
	if systemPrompt != "" {
		reqBody.SystemInstruction = &content{Parts: []part{{Text: systemPrompt}}}
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("google: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", s.adapter.baseURL, s.model, s.adapter.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("google: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.adapter.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("google: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("google: http status %d", resp.StatusCode)
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
		if data == "" {
			continue
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.UsageMetadata.CandidatesTokenCount > 0 {
			completionTokens = chunk.UsageMetadata.CandidatesTokenCount
		}
		for _, cand := range chunk.Candidates {
			for _, p := range cand.Content.Parts {
				if p.Text == "" {
					continue
				}
				select {
				case out <- voice.LLMChunk{Delta: p.Text}:
				case <-ctx.Done():
					return
				}
			}
		}
	}
	select {
	case out <- voice.LLMChunk{Done: true, CompletionTokens: completionTokens}:
	case <-ctx.Done():
	}
}
