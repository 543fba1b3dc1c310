package voice_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/unpod/corertc/runtime/agentconfig"
	"github.com/unpod/corertc/runtime/telemetry"
	"github.com/unpod/corertc/runtime/voice"
)

type stubAgents struct {
	cfg agentconfig.AgentConfig
	err error
}

func (s stubAgents) ByHandle(context.Context, string) (agentconfig.AgentConfig, error) {
	return s.cfg, s.err
}
func (s stubAgents) MostRecentForSpace(context.Context, string) (agentconfig.AgentConfig, error) {
	return s.cfg, s.err
}
func (s stubAgents) ByPhoneNumber(context.Context, string) (agentconfig.AgentConfig, error) {
	return s.cfg, s.err
}

type stubBindings struct{}

func (stubBindings) BoundAgent(context.Context, string) (agentconfig.AgentConfig, bool, error) {
	return agentconfig.AgentConfig{}, false, nil
}

type fakeSTT struct {
	finals chan string
	errs   chan error
}

func newFakeSTT() *fakeSTT { return &fakeSTT{finals: make(chan string, 4), errs: make(chan error, 4)} }

func (f *fakeSTT) Open(context.Context, voice.ProviderID) (voice.STTSession, error) { return f, nil }
func (f *fakeSTT) PushAudio(context.Context, []byte) error                         { return nil }
func (f *fakeSTT) Finals() <-chan string                                           { return f.finals }
func (f *fakeSTT) Errs() <-chan error                                              { return f.errs }
func (f *fakeSTT) Close() error                                                    { return nil }

type fakeLLM struct {
	reply string
	err   error
}

func (f *fakeLLM) Open(context.Context, voice.ProviderID) (voice.LLMSession, error) { return f, nil }
func (f *fakeLLM) Close() error                                                     { return nil }
func (f *fakeLLM) Generate(ctx context.Context, systemPrompt, userMessage string) (<-chan voice.LLMChunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan voice.LLMChunk, 2)
	ch <- voice.LLMChunk{Delta: f.reply, CompletionTokens: 3}
	ch <- voice.LLMChunk{Done: true}
	close(ch)
	return ch, nil
}

type fakeTTS struct {
	err error
}

func (f *fakeTTS) Open(context.Context, voice.ProviderID) (voice.TTSSession, error) { return f, nil }
func (f *fakeTTS) Close() error                                                     { return nil }
func (f *fakeTTS) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan []byte, 1)
	ch <- []byte(text)
	close(ch)
	return ch, nil
}

func testDeps(stt *fakeSTT, llm *fakeLLM, tts *fakeTTS, cfg agentconfig.AgentConfig) voice.Deps {
	logger, _, _ := telemetry.NewNoop()
	return voice.Deps{
		Resolver: agentconfig.New(stubAgents{cfg: cfg}, stubBindings{}),
		STT:      map[string]voice.SpeechToText{cfg.STTProvider: stt},
		LLM:      map[string]voice.LargeLanguageModel{cfg.LLMProvider: llm},
		TTS:      map[string]voice.TextToSpeech{cfg.TTSProvider: tts},
		Logger:   logger,
	}
}

func baseConfig() agentconfig.AgentConfig {
	return agentconfig.AgentConfig{
		Handle:      "agent_1",
		STTProvider: "deepgram",
		LLMProvider: "openai",
		TTSProvider: "cartesia",
	}
}

func TestSession_StartThenHandleText_ProducesTranscriptAndAudio(t *testing.T) {
	cfg := baseConfig()
	stt := newFakeSTT()
	llm := &fakeLLM{reply: "hello there"}
	tts := &fakeTTS{}
	s := voice.New("call_1", testDeps(stt, llm, tts, cfg))

	ctx := context.Background()
	if err := s.Start(ctx, agentconfig.SessionMetadata{AgentHandle: "agent_1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.State() != voice.StateActive {
		t.Fatalf("state = %s, want active", s.State())
	}

	if err := s.HandleText(ctx, "hi"); err != nil {
		t.Fatalf("handle text: %v", err)
	}

	var gotFrame []byte
	select {
	case gotFrame = <-s.OutgoingAudio():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for audio frame")
	}
	if string(gotFrame) != "hello there" {
		t.Fatalf("frame = %q", gotFrame)
	}

	result := s.End("caller hangup")
	if result.Status != voice.StateDone {
		t.Fatalf("status = %s, want done", result.Status)
	}
	if result.TurnCount != 1 {
		t.Fatalf("turn count = %d, want 1", result.TurnCount)
	}
	entries := result.Transcript
	if len(entries) != 2 || entries[0].Role != "user" || entries[1].Role != "assistant" {
		t.Fatalf("transcript = %+v", entries)
	}
}

func TestSession_Start_NotFoundFailsBeforeAudioAccepted(t *testing.T) {
	cfg := baseConfig()
	stt := newFakeSTT()
	llm := &fakeLLM{reply: "x"}
	tts := &fakeTTS{}
	deps := testDeps(stt, llm, tts, cfg)
	deps.Resolver = agentconfig.New(stubAgents{err: agentconfig.ErrNotFound}, stubBindings{})
	s := voice.New("call_2", deps)

	err := s.Start(context.Background(), agentconfig.SessionMetadata{})
	if !errors.Is(err, agentconfig.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if s.State() != voice.StateFailed {
		t.Fatalf("state = %s, want failed", s.State())
	}
	if err := s.HandleAudio(context.Background(), []byte("x")); err == nil {
		t.Fatal("expected error pushing audio to a session that never started")
	}
}

func TestSession_LLMFailsTwice_TransitionsFailed(t *testing.T) {
	cfg := baseConfig()
	stt := newFakeSTT()
	llm := &fakeLLM{err: errors.New("provider down")}
	tts := &fakeTTS{}
	s := voice.New("call_3", testDeps(stt, llm, tts, cfg))

	ctx := context.Background()
	if err := s.Start(ctx, agentconfig.SessionMetadata{AgentHandle: "agent_1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.HandleText(ctx, "hi"); err != nil {
		t.Fatalf("handle text: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == voice.StateFailed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if s.State() != voice.StateFailed {
		t.Fatalf("state = %s, want failed", s.State())
	}
}

func TestSession_HandleInterrupt_NoTurnInFlightStaysActive(t *testing.T) {
	cfg := baseConfig()
	stt := newFakeSTT()
	llm := &fakeLLM{reply: "slow reply"}
	tts := &fakeTTS{}
	s := voice.New("call_4", testDeps(stt, llm, tts, cfg))

	ctx := context.Background()
	if err := s.Start(ctx, agentconfig.SessionMetadata{AgentHandle: "agent_1"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	s.HandleInterrupt() // no-op when nothing in flight; must not panic
	if s.State() != voice.StateActive {
		t.Fatalf("state = %s, want active", s.State())
	}
}
