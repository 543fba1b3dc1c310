package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/unpod/corertc/runtime/voice"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func TestOpen_PushAudioAndFinalsRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, _, err = conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{
			"is_final": true,
			"channel": map[string]any{
				"alternatives": []map[string]any{
					{"transcript": "hello world"},
				},
			},
		})
		// Block until the client closes.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	host := strings.TrimPrefix(server.URL, "http://")
	adapter, err := NewFromAPIKey("test-key", WithHost(host), WithInsecure())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	sess, err := adapter.Open(context.Background(), voice.ProviderID{Provider: "deepgram", Model: "nova-3"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sess.Close()

	if err := sess.PushAudio(context.Background(), []byte{0x01, 0x02}); err != nil {
		t.Fatalf("push audio: %v", err)
	}

	select {
	case transcript := <-sess.Finals():
		if transcript != "hello world" {
			t.Fatalf("transcript = %q, want %q", transcript, "hello world")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for final transcript")
	}
}

func TestNewFromAPIKey_RequiresAPIKey(t *testing.T) {
	if _, err := NewFromAPIKey(""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}
