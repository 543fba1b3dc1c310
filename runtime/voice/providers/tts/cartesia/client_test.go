package cartesia

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/unpod/corertc/runtime/voice"
)

func TestSynthesize_StreamsFrames(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("audio-bytes-one"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		_, _ = w.Write([]byte("audio-bytes-two"))
	}))
	defer server.Close()

	adapter, err := NewFromAPIKey("test-key", WithBaseURL(server.URL))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	sess, err := adapter.Open(context.Background(), voice.ProviderID{Provider: "cartesia", Model: "sonic-3", Voice: "voice-1"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	frames, err := sess.Synthesize(context.Background(), "hello there")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}

	var total []byte
	timeout := time.After(2 * time.Second)
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				if len(total) == 0 {
					t.Fatal("expected at least one frame")
				}
				return
			}
			total = append(total, frame...)
		case <-timeout:
			t.Fatal("timed out waiting for frames")
		}
	}
}

func TestSynthesize_EmptyBodyReturnsNoAudioFrames(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	adapter, err := NewFromAPIKey("test-key", WithBaseURL(server.URL))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	sess, err := adapter.Open(context.Background(), voice.ProviderID{Provider: "cartesia", Model: "sonic-3", Voice: "voice-1"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	_, err = sess.Synthesize(context.Background(), "hello there")
	var noAudio *voice.ErrNoAudioFrames
	if !errors.As(err, &noAudio) {
		t.Fatalf("err = %v, want *voice.ErrNoAudioFrames", err)
	}
}

func TestOpen_RequiresVoice(t *testing.T) {
	adapter, err := NewFromAPIKey("test-key")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := adapter.Open(context.Background(), voice.ProviderID{Provider: "cartesia", Model: "sonic-3"}); err == nil {
		t.Fatal("expected error for missing voice")
	}
}
