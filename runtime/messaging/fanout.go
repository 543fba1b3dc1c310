// Package messaging implements the Messaging Fan-out: a WebSocket thread
// server that authenticates each connection, gates thread access, and
// multiplexes JSON events through the Broadcaster with per-sender
// visibility rules.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/unpod/corertc/runtime/auth"
	"github.com/unpod/corertc/runtime/broadcaster"
	"github.com/unpod/corertc/runtime/telemetry"
)

// Close codes used when terminating a connection. CloseInvalidPayload
// (1003) covers schema/JSON/API errors on inbound frames per spec.md §6;
// CloseAuthFailed (1008) is RFC 6455's dedicated Policy Violation code,
// used specifically for the auth and thread-access gates.
const (
	CloseInvalidPayload = websocket.CloseUnsupportedData // 1003
	CloseAuthFailed      = websocket.ClosePolicyViolation // 1008
	CloseNormal          = websocket.CloseNormalClosure   // 1000
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event kinds recognized on the inbound frame.
const (
	EventChat  = "chat"
	EventBlock = "block"
	EventPing  = "ping"
	EventPong  = "pong"
	EventError = "error"
)

// InboundFrame is a parsed inbound WebSocket frame.
type InboundFrame struct {
	Event   string          `json:"event"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// OutboundFrame is a frame written back to the socket: the original
// chat/block shape, or an error/pong frame.
type OutboundFrame struct {
	Event      string `json:"event"`
	Message    string `json:"message,omitempty"`
	Data       any    `json:"data,omitempty"`
	Errors     []string `json:"errors,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

// ThreadAccessChecker validates that an identity may participate in thread.
type ThreadAccessChecker interface {
	HasAccess(ctx context.Context, threadID string, identity auth.UserIdentity) (bool, error)
}

// Server implements the Messaging Fan-out WebSocket handler.
type Server struct {
	validator *auth.Validator
	access    ThreadAccessChecker
	bus       *broadcaster.Broadcaster
	schema    *jsonschemaValidator
	logger    telemetry.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger injects a Logger; defaults to a no-op.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Server) { s.logger = l }
}

type jsonschemaValidator struct {
	validate func(raw []byte) error
}

// New builds a Server.
func New(validator *auth.Validator, access ThreadAccessChecker, bus *broadcaster.Broadcaster, opts ...Option) (*Server, error) {
	schema, err := compileInboundFrameSchema()
	if err != nil {
		return nil, err
	}
	logger, _, _ := telemetry.NewNoop()

	s := &Server{
		validator: validator,
		access:    access,
		bus:       bus,
		schema:    &jsonschemaValidator{validate: func(raw []byte) error { return validateInboundFrame(schema, raw) }},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ErrThreadAccessDenied indicates the thread-access gate rejected a
// connection after authentication succeeded.
var ErrThreadAccessDenied = errors.New("messaging: thread access denied")

// ServeThread upgrades r to a WebSocket and runs the fan-out lifecycle for
// threadID until the connection terminates.
func (s *Server) ServeThread(w http.ResponseWriter, r *http.Request, threadID string) {
	ctx := r.Context()

	identity, authErr := s.validator.Validate(ctx, r.Header.Get("Authorization"), r.URL.Query().Get("session_user"))
	if authErr != nil {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = writeError(conn, authErr.Reason, nil, http.StatusUnauthorized)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(CloseAuthFailed, authErr.Reason), time.Now().Add(time.Second))
		conn.Close()
		return
	}

	ok, err := s.access.HasAccess(ctx, threadID, identity)
	if err != nil || !ok {
		conn, upErr := upgrader.Upgrade(w, r, nil)
		if upErr != nil {
			return
		}
		_ = writeError(conn, "thread access denied", nil, http.StatusForbidden)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(CloseAuthFailed, "thread access denied"), time.Now().Add(time.Second))
		conn.Close()
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn(ctx, "websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	s.run(ctx, conn, threadID, identity)
}

// run wires the receiver/sender goroutine pair and returns once either
// terminates, per spec.md §4.7 step 3.
func (s *Server) run(ctx context.Context, conn *websocket.Conn, threadID string, identity auth.UserIdentity) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub, err := s.bus.Subscribe(ctx, threadID)
	if err != nil {
		s.logger.Error(ctx, "subscribe failed", "thread_id", threadID, "err", err)
		return
	}
	defer sub.Close()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		s.receive(groupCtx, conn, threadID, identity, cancel)
		return nil
	})
	group.Go(func() error {
		s.send(groupCtx, conn, sub, identity, cancel)
		return nil
	})
	_ = group.Wait()
}

// receive reads inbound frames until an error, closing the connection with
// CloseInvalidPayload on any schema/JSON/API error.
func (s *Server) receive(ctx context.Context, conn *websocket.Conn, threadID string, identity auth.UserIdentity, cancel context.CancelFunc) {
	defer cancel()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		if err := s.schema.validate(raw); err != nil {
			_ = writeError(conn, "invalid frame", []string{err.Error()}, http.StatusBadRequest)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(CloseInvalidPayload, "invalid frame"), time.Now().Add(time.Second))
			return
		}

		var frame InboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			_ = writeError(conn, "invalid json", []string{err.Error()}, http.StatusBadRequest)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(CloseInvalidPayload, "invalid json"), time.Now().Add(time.Second))
			return
		}

		switch frame.Event {
		case EventPing:
			if err := conn.WriteJSON(OutboundFrame{Event: EventPong}); err != nil {
				return
			}
		case EventBlock:
			if err := s.publish(ctx, threadID, frame, identity, false); err != nil {
				return
			}
		default:
			if err := s.publish(ctx, threadID, frame, identity, true); err != nil {
				return
			}
		}
	}
}

// publish attaches from_user (and include_self when requested) and
// publishes the frame through the Broadcaster.
func (s *Server) publish(ctx context.Context, threadID string, frame InboundFrame, identity auth.UserIdentity, includeSelf bool) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, threadID, broadcaster.Event{
		Payload:     payload,
		FromUser:    identity.ID,
		IncludeSelf: includeSelf,
	})
}

// send reads the thread subscription opened by run and forwards each event
// to the socket when its visibility rule is satisfied, per spec.md §4.7 step 3's
// sender routing predicate.
func (s *Server) send(ctx context.Context, conn *websocket.Conn, sub *broadcaster.Subscription, identity auth.UserIdentity, cancel context.CancelFunc) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events:
			if !ok {
				return
			}
			if !visibleTo(evt, identity.ID) {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, evt.Payload); err != nil {
				return
			}
		}
	}
}

// visibleTo implements spec.md §4.7's sender routing predicate: self_only
// restricts delivery to one recipient; include_self allows the sender to
// see its own echo; otherwise the event is delivered to everyone except
// the sender unless self_only is set.
func visibleTo(evt broadcaster.Event, recipientID string) bool {
	if evt.SelfOnly == recipientID && evt.SelfOnly != "" {
		return true
	}
	if evt.IncludeSelf && evt.FromUser == recipientID {
		return true
	}
	return evt.FromUser != recipientID && evt.SelfOnly == ""
}

func writeError(conn *websocket.Conn, message string, errs []string, statusCode int) error {
	return conn.WriteJSON(OutboundFrame{Event: EventError, Message: message, Errors: errs, StatusCode: statusCode})
}
