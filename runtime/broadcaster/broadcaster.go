// Package broadcaster implements a Redis pub/sub fan-out: publish is
// non-blocking and delivers at-most-once within a single broker outage
// window; subscribe returns a scoped handle that guarantees unsubscription
// on every exit path.
package broadcaster

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// Event is a single message delivered to a subscriber, alongside the three
// visibility fields the fan-out strips before handing the payload to
// consumers that don't need them (Messaging Fan-out reads them directly;
// everyone else sees only Payload).
type Event struct {
	Payload     json.RawMessage
	FromUser    string
	IncludeSelf bool
	SelfOnly    string
}

type wireEvent struct {
	Payload     json.RawMessage `json:"payload"`
	FromUser    string          `json:"from_user,omitempty"`
	IncludeSelf bool            `json:"include_self,omitempty"`
	SelfOnly    string          `json:"self_only,omitempty"`
}

// Broadcaster is a Redis-backed pub/sub fan-out.
type Broadcaster struct {
	client redis.UniversalClient
}

// New builds a Broadcaster over an existing Redis client.
func New(client redis.UniversalClient) *Broadcaster {
	return &Broadcaster{client: client}
}

// Publish enqueues an event on channel. It does not block on subscriber
// delivery and provides no guarantee beyond at-most-once.
func (b *Broadcaster) Publish(ctx context.Context, channel string, event Event) error {
	raw, err := json.Marshal(wireEvent{
		Payload:     event.Payload,
		FromUser:    event.FromUser,
		IncludeSelf: event.IncludeSelf,
		SelfOnly:    event.SelfOnly,
	})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channel, raw).Err()
}

// Subscription is a scoped subscribe handle. Events arrives on the Events
// channel; Close unsubscribes and releases the underlying connection. Close
// is idempotent and safe to call on every exit path (normal completion,
// panic recovery, context cancellation).
type Subscription struct {
	pubsub *redis.PubSub
	Events <-chan Event
	errc   chan error
}

// Err returns a channel that receives at most one error if the subscription
// loop terminates abnormally. The current loop never sends on it: a
// malformed payload is skipped silently and the loop continues.
func (s *Subscription) Err() <-chan error { return s.errc }

// Close unsubscribes and closes the underlying Redis connection. Safe to
// call multiple times.
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

// Subscribe returns a scoped Subscription to channel. Callers must call
// Close on every exit path; deferring it immediately after a successful
// Subscribe is the idiomatic pattern.
func (b *Broadcaster) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	events := make(chan Event)
	errc := make(chan error, 1)
	redisCh := pubsub.Channel()

	go func() {
		defer close(events)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-redisCh:
				if !ok {
					return
				}
				var wire wireEvent
				if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
					continue
				}
				event := Event{
					Payload:     wire.Payload,
					FromUser:    wire.FromUser,
					IncludeSelf: wire.IncludeSelf,
					SelfOnly:    wire.SelfOnly,
				}
				select {
				case events <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{pubsub: pubsub, Events: events, errc: errc}, nil
}
