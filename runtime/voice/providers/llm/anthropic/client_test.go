package anthropic

import (
	"context"
	"encoding/json"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/unpod/corertc/runtime/voice"
)

// testDecoder feeds a fixed sequence of events to an ssestream.Stream so
// runStream can be exercised without a live HTTP transport.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.err != nil {
		return false
	}
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func unmarshalEvent(t *testing.T, raw string) sdk.MessageStreamEventUnion {
	t.Helper()
	var ev sdk.MessageStreamEventUnion
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	return ev
}

func newTestStream(t *testing.T, events []ssestream.Event) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	t.Helper()
	dec := &testDecoder{events: events}
	return ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)
}

func TestRunStream_EmitsTextDeltasThenDone(t *testing.T) {
	delta1 := unmarshalEvent(t, `{
  "type": "content_block_delta",
  "index": 0,
  "delta": { "type": "text_delta", "text": "hello " }
}`)
	delta2 := unmarshalEvent(t, `{
  "type": "content_block_delta",
  "index": 0,
  "delta": { "type": "text_delta", "text": "there" }
}`)
	msgDelta := unmarshalEvent(t, `{
  "type": "message_delta",
  "delta": { "stop_reason": "end_turn" },
  "usage": { "output_tokens": 7 }
}`)
	stop := unmarshalEvent(t, `{"type": "message_stop"}`)

	events := []ssestream.Event{
		{Type: "content_block_delta", Data: mustJSON(delta1)},
		{Type: "content_block_delta", Data: mustJSON(delta2)},
		{Type: "message_delta", Data: mustJSON(msgDelta)},
		{Type: "message_stop", Data: mustJSON(stop)},
	}
	stream := newTestStream(t, events)

	out := make(chan voice.LLMChunk, 16)
	runStream(context.Background(), stream, out)

	var chunks []voice.LLMChunk
	for ch := range out {
		chunks = append(chunks, ch)
	}

	if len(chunks) != 3 {
		t.Fatalf("chunks = %+v, want 3", chunks)
	}
	if chunks[0].Delta != "hello " || chunks[1].Delta != "there" {
		t.Fatalf("unexpected deltas: %+v", chunks[:2])
	}
	last := chunks[2]
	if !last.Done {
		t.Fatalf("last chunk not marked done: %+v", last)
	}
	if last.CompletionTokens != 7 {
		t.Fatalf("completion tokens = %d, want 7", last.CompletionTokens)
	}
}

func TestRunStream_NoDeltasStillEmitsDone(t *testing.T) {
	stop := unmarshalEvent(t, `{"type": "message_stop"}`)
	events := []ssestream.Event{
		{Type: "message_stop", Data: mustJSON(stop)},
	}
	stream := newTestStream(t, events)

	out := make(chan voice.LLMChunk, 4)
	runStream(context.Background(), stream, out)

	var chunks []voice.LLMChunk
	for ch := range out {
		chunks = append(chunks, ch)
	}
	if len(chunks) != 1 || !chunks[0].Done {
		t.Fatalf("chunks = %+v, want single done chunk", chunks)
	}
}

func TestRunStream_CancelledContextStopsEarly(t *testing.T) {
	delta := unmarshalEvent(t, `{
  "type": "content_block_delta",
  "index": 0,
  "delta": { "type": "text_delta", "text": "hello" }
}`)
	events := []ssestream.Event{
		{Type: "content_block_delta", Data: mustJSON(delta)},
	}
	stream := newTestStream(t, events)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan voice.LLMChunk, 4)
	runStream(ctx, stream, out)

	for range out {
		// drain; a cancelled context may exit before or after emitting a
		// final chunk depending on select scheduling, both are acceptable.
	}
}

func TestAdapter_New_RequiresClient(t *testing.T) {
	if _, err := New(nil, 0); err == nil {
		t.Fatal("expected error for nil client")
	}
}

func TestAdapter_Open_RequiresModel(t *testing.T) {
	adapter, err := New(fakeMessagesClient{}, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := adapter.Open(context.Background(), voice.ProviderID{Provider: "anthropic"}); err == nil {
		t.Fatal("expected error for missing model")
	}
}

type fakeMessagesClient struct{}

func (fakeMessagesClient) NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	return nil
}
