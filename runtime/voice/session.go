// Package voice implements the Voice Session Runtime: a per-call lifecycle
// controller that resolves agent configuration, composes a prompt, wires a
// speech-to-text -> LLM -> text-to-speech pipeline, enforces utterance
// hygiene, tracks per-turn metrics, and emits a CallResult on termination.
package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/unpod/corertc/runtime/agentconfig"
	"github.com/unpod/corertc/runtime/knowledge"
	"github.com/unpod/corertc/runtime/prompt"
	"github.com/unpod/corertc/runtime/telemetry"
)

// State is a Voice Session Runtime lifecycle state.
type State string

const (
	StateInit            State = "init"
	StateResolving       State = "resolving"
	StateComposing       State = "composing"
	StatePipelining      State = "pipelining"
	StateActive          State = "active"
	StateWaitingForInput State = "waiting_for_input"
	StateClosing         State = "closing"
	StateDone            State = "done"
	StateFailed          State = "failed"
)

// retryDelay is the short pause before the single in-place retry spec.md
// §4.8 mandates for an STT/LLM/TTS failure during active.
const retryDelay = 250 * time.Millisecond

// Deps wires the adapters and collaborators a Session needs. ProviderID
// selection at Open time comes from the resolved AgentConfig.
type Deps struct {
	Resolver  *agentconfig.Resolver
	STT       map[string]SpeechToText
	LLM       map[string]LargeLanguageModel
	TTS       map[string]TextToSpeech
	Knowledge *knowledge.Client
	Logger    telemetry.Logger
}

// CallResult is the structured outcome emitted when a session reaches a
// terminal state.
type CallResult struct {
	CallID     string
	Status     State // StateDone or StateFailed
	Reason     string
	Err        error
	Transcript []TranscriptEntry
	Metrics    TurnMetrics
	TurnCount  int
}

// Session implements the per-call Voice Session Runtime. A single Session
// is bound to one call id for its entire lifetime.
type Session struct {
	deps   Deps
	callID string

	mu         sync.Mutex
	state      State
	cfg        agentconfig.AgentConfig
	prompt     string
	turnCancel context.CancelFunc
	endReason  string
	failErr    error

	stt STTSession
	llm LLMSession
	tts TTSSession

	transcript Transcript
	metrics    MetricsAccumulator
	sttFails   failureTracker

	outAudio chan []byte
	closed   chan struct{}
	closeMu  sync.Once
}

type failureTracker struct{ count int }

// fail records a failure and reports whether this is the second consecutive
// one (the point at which the caller must transition to failed).
func (f *failureTracker) fail() bool {
	f.count++
	return f.count >= 2
}

func (f *failureTracker) reset() { f.count = 0 }

// New constructs a Session bound to callID. The session does not begin
// doing work until Start is called.
func New(callID string, deps Deps) *Session {
	return &Session{
		callID:   callID,
		deps:     deps,
		state:    StateInit,
		outAudio: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

// OutgoingAudio streams synthesized TTS frames for the caller's leg to send
// onward. It is closed when the session reaches a terminal state.
func (s *Session) OutgoingAudio() <-chan []byte { return s.outAudio }

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start resolves the agent configuration, composes the prompt, and opens
// the STT/LLM/TTS adapters named by the resolved config. It transitions
// directly to failed, before any audio is accepted, on a NotFound
// resolution or a provider that fails to open.
func (s *Session) Start(ctx context.Context, metadata agentconfig.SessionMetadata) error {
	s.setState(StateResolving)
	cfg, err := s.deps.Resolver.Resolve(ctx, metadata)
	if err != nil {
		return s.failStart(fmt.Errorf("resolve agent config: %w", err))
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	s.setState(StateComposing)
	s.mu.Lock()
	s.prompt = prompt.Compose(prompt.Inputs{
		AgentName:       cfg.Handle,
		CustomPersona:   cfg.CustomPersona,
		Tone:            prompt.Tone(cfg.Tone),
		StrictScript:    cfg.StrictScript,
		LanguageCode:    cfg.Language,
		Outbound:        cfg.PatternFlags.Outbound,
		Sales:           cfg.PatternFlags.Sales,
		Booking:         cfg.PatternFlags.Booking,
		MemoryEnabled:   cfg.MemoryEnabled,
		FollowUpEnabled: cfg.FollowUpEnabled,
	})
	s.mu.Unlock()

	s.setState(StatePipelining)
	sttID := ParseProviderID(cfg.STTProvider, "")
	llmID := ParseProviderID(cfg.LLMProvider, "")
	ttsID := ParseProviderID(cfg.TTSProvider, cfg.Voice)

	sttFactory, ok := s.deps.STT[sttID.Provider]
	if !ok {
		return s.failStart(fmt.Errorf("stt provider %q not recognized", sttID.Provider))
	}
	llmFactory, ok := s.deps.LLM[llmID.Provider]
	if !ok {
		return s.failStart(fmt.Errorf("llm provider %q not recognized", llmID.Provider))
	}
	ttsFactory, ok := s.deps.TTS[ttsID.Provider]
	if !ok {
		return s.failStart(fmt.Errorf("tts provider %q not recognized", ttsID.Provider))
	}

	stt, err := sttFactory.Open(ctx, sttID)
	if err != nil {
		return s.failStart(fmt.Errorf("open stt: %w", err))
	}
	llm, err := llmFactory.Open(ctx, llmID)
	if err != nil {
		_ = stt.Close()
		return s.failStart(fmt.Errorf("open llm: %w", err))
	}
	tts, err := ttsFactory.Open(ctx, ttsID)
	if err != nil {
		_ = stt.Close()
		_ = llm.Close()
		return s.failStart(fmt.Errorf("open tts: %w", err))
	}

	s.mu.Lock()
	s.stt, s.llm, s.tts = stt, llm, tts
	s.mu.Unlock()

	if s.deps.Knowledge != nil && len(cfg.KnowledgeBaseTokens) > 0 {
		go func() {
			_ = s.deps.Knowledge.PreWarm(context.Background(), knowledge.UserState{
				KnowledgeBaseTokens: cfg.KnowledgeBaseTokens,
			})
		}()
	}

	go s.consumeSTT(ctx)

	s.setState(StateActive)
	return nil
}

func (s *Session) failStart(err error) error {
	s.mu.Lock()
	s.state = StateFailed
	s.failErr = err
	s.mu.Unlock()
	s.closeAudio()
	return err
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

// HandleAudio forwards an inbound audio frame to the STT adapter.
func (s *Session) HandleAudio(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	stt := s.stt
	s.mu.Unlock()
	if stt == nil {
		return errors.New("voice: session not started")
	}
	return stt.PushAudio(ctx, frame)
}

// HandleText treats message exactly as an STT final transcript would be
// treated: it advances the session straight to the LLM phase.
func (s *Session) HandleText(ctx context.Context, message string) error {
	s.processTurn(ctx, message)
	return nil
}

// consumeSTT drains finalized transcripts and STT errors for the lifetime
// of the session, advancing to the LLM phase on every final.
func (s *Session) consumeSTT(ctx context.Context) {
	s.mu.Lock()
	stt := s.stt
	s.mu.Unlock()
	if stt == nil {
		return
	}
	finals := stt.Finals()
	errs := stt.Errs()
	for {
		select {
		case <-s.closed:
			return
		case final, ok := <-finals:
			if !ok {
				return
			}
			s.sttFails.reset()
			s.processTurn(ctx, final)
		case err, ok := <-errs:
			if !ok {
				continue
			}
			if s.State() != StateActive && s.State() != StateWaitingForInput {
				continue
			}
			if s.sttFails.fail() {
				s.transitionFailed(fmt.Errorf("stt: %w", err))
				return
			}
			s.deps.Logger.Warn(ctx, "stt error, continuing", "call_id", s.callID, "err", err)
		}
	}
}

// processTurn drives one user input through the LLM and TTS, applying
// utterance hygiene to every streamed delta before it reaches TTS.
func (s *Session) processTurn(parent context.Context, userText string) {
	if userText == "" {
		return
	}
	s.mu.Lock()
	if s.state != StateActive && s.state != StateWaitingForInput {
		s.mu.Unlock()
		return
	}
	s.state = StateActive
	llm := s.llm
	promptText := s.prompt
	s.mu.Unlock()

	turnStart := time.Now()
	s.transcript.AppendUser(userText, turnStart)

	turnCtx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.turnCancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.turnCancel = nil
		s.mu.Unlock()
		cancel()
	}()

	// onCancel handles a cancelled turn: HandleInterrupt cancels only the
	// turn's own context, which returns the session to waiting_for_input;
	// a cancelled parent context seals the session as done.
	onCancel := func() {
		if parent.Err() != nil {
			s.cancelToDone("interrupted")
			return
		}
		s.mu.Lock()
		if s.state == StateActive {
			s.state = StateWaitingForInput
		}
		s.mu.Unlock()
	}

	chunks, err := s.generateWithRetry(turnCtx, llm, promptText, userText)
	if err != nil {
		if isCancellation(err) {
			onCancel()
			return
		}
		s.transitionFailed(fmt.Errorf("llm: %w", err))
		return
	}

	stripper := NewStripper()
	m := TurnMetrics{}
	firstChunk := true
	var assistantText string

loop:
	for {
		select {
		case <-turnCtx.Done():
			onCancel()
			return
		case chunk, ok := <-chunks:
			if !ok {
				break loop
			}
			if firstChunk {
				m.LLMTTFT = time.Since(turnStart)
				firstChunk = false
			}
			m.LLMCompletionTok = chunk.CompletionTokens
			safe := stripper.Feed(chunk.Delta)
			assistantText += safe
			if safe != "" {
				if err := s.speak(turnCtx, safe, &m); err != nil {
					if isCancellation(err) {
						onCancel()
						return
					}
					s.transitionFailed(fmt.Errorf("tts: %w", err))
					return
				}
			}
			if chunk.Done {
				break loop
			}
		}
	}

	if tail := stripper.Flush(); tail != "" {
		assistantText += tail
		if err := s.speak(turnCtx, tail, &m); err != nil {
			if isCancellation(err) {
				onCancel()
				return
			}
			s.transitionFailed(fmt.Errorf("tts: %w", err))
			return
		}
	}

	now := time.Now()
	s.transcript.AppendAssistant(assistantText, now, false)
	m.TurnLatency = now.Sub(turnStart)
	s.metrics.Record(m)

	s.setState(StateWaitingForInput)
}

// generateWithRetry issues one LLM turn, retrying once after a short delay
// on failure, per the single in-place retry rule.
func (s *Session) generateWithRetry(ctx context.Context, llm LLMSession, systemPrompt, userText string) (<-chan LLMChunk, error) {
	ch, err := llm.Generate(ctx, systemPrompt, userText)
	if err == nil {
		return ch, nil
	}
	if isCancellation(err) {
		return nil, err
	}
	select {
	case <-time.After(retryDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return llm.Generate(ctx, systemPrompt, userText)
}

// speak synthesizes text, applying the no-audio-frames transliterate-and-
// retry rule when that specific error occurs, and the generic single-retry
// rule otherwise. Frames are forwarded to OutgoingAudio as they arrive.
func (s *Session) speak(ctx context.Context, text string, m *TurnMetrics) error {
	s.mu.Lock()
	tts := s.tts
	s.mu.Unlock()
	if tts == nil {
		return errors.New("voice: tts not open")
	}

	ttsStart := time.Now()
	frames, err := tts.Synthesize(ctx, text)
	if err != nil {
		frames, err = s.retrySynthesize(ctx, tts, text, err)
		if err != nil {
			return err
		}
	}
	if m.TTSTTFB == 0 {
		m.TTSTTFB = time.Since(ttsStart)
	}
	m.TTSChars += len(text)
	return s.drainAudio(ctx, frames)
}

func (s *Session) retrySynthesize(ctx context.Context, tts TTSSession, text string, firstErr error) (<-chan []byte, error) {
	var noAudio *ErrNoAudioFrames
	retryText := text
	if errors.As(firstErr, &noAudio) {
		retryText = TransliterateForTTS(text)
	}
	if isCancellation(firstErr) {
		return nil, firstErr
	}
	select {
	case <-time.After(retryDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return tts.Synthesize(ctx, retryText)
}

func (s *Session) drainAudio(ctx context.Context, frames <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			select {
			case s.outAudio <- frame:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// HandleInterrupt cancels any in-flight LLM generation and TTS synthesis
// and discards queued TTS audio. The session is not ended: an interrupted
// turn leaves it waiting_for_input for the next input.
func (s *Session) HandleInterrupt() {
	s.mu.Lock()
	cancel := s.turnCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.drainQueuedAudio()
}

func (s *Session) drainQueuedAudio() {
	for {
		select {
		case <-s.outAudio:
		default:
			return
		}
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// cancelToDone seals the session as done (not failed) when the caller's
// context is cancelled mid-turn, such as on a user hang-up. End seals the
// session itself.
func (s *Session) cancelToDone(reason string) {
	s.mu.Lock()
	if s.state == StateDone || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	s.state = StateDone
	s.endReason = reason
	s.mu.Unlock()
	s.closeAudio()
}

func (s *Session) transitionFailed(err error) {
	s.mu.Lock()
	if s.state == StateDone || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.failErr = err
	s.mu.Unlock()
	s.closeAudio()
}

func (s *Session) closeAudio() {
	s.closeMu.Do(func() {
		close(s.closed)
		close(s.outAudio)
	})
}

// End seals the session with reason and emits the CallResult. Calling End
// more than once, or after a failure already sealed the session, returns
// the same terminal result without further mutation.
func (s *Session) End(reason string) CallResult {
	s.mu.Lock()
	sealing := s.state != StateDone && s.state != StateFailed
	if sealing {
		s.state = StateClosing
	}
	stt, llm, tts, turnCancel := s.stt, s.llm, s.tts, s.turnCancel
	s.mu.Unlock()

	if sealing {
		if turnCancel != nil {
			turnCancel()
		}
		s.closeAudio()
		if stt != nil {
			_ = stt.Close()
		}
		if llm != nil {
			_ = llm.Close()
		}
		if tts != nil {
			_ = tts.Close()
		}
	}

	s.mu.Lock()
	if sealing {
		s.state = StateDone
		s.endReason = reason
	}
	result := CallResult{
		CallID:     s.callID,
		Status:     s.state,
		Reason:     s.endReason,
		Err:        s.failErr,
		Transcript: s.transcript.Entries(),
		Metrics:    s.metrics.Sums(),
		TurnCount:  s.metrics.Count(),
	}
	s.mu.Unlock()
	return result
}
