package voice

import (
	"context"
	"strings"
)

// ProviderID identifies a concrete adapter instance: a provider, its model,
// and (for TTS) an optional voice. The recognized triples are fixed per the
// interface contract; adapters validate their own subset at Open time.
type ProviderID struct {
	Provider string
	Model    string
	Voice    string
}

// ParseProviderID splits an AgentConfig provider identifier of the form
// "<provider>:<model>" (e.g. "deepgram:nova-3", "openai:gpt-4o") into its
// provider and model parts. voice is carried through unchanged for TTS
// identifiers, which additionally name a voice.
func ParseProviderID(raw, voice string) ProviderID {
	provider, model, _ := strings.Cut(raw, ":")
	return ProviderID{Provider: provider, Model: model, Voice: voice}
}

// SpeechToText opens a streaming speech-to-text session bound to one call.
type SpeechToText interface {
	Open(ctx context.Context, id ProviderID) (STTSession, error)
}

// STTSession is a duck-typed per-call STT pipeline: audio frames go in,
// finalized transcripts come out on Finals. Interim (non-final) text is not
// part of the contract; adapters may drop it.
type STTSession interface {
	PushAudio(ctx context.Context, frame []byte) error
	Finals() <-chan string
	Errs() <-chan error
	Close() error
}

// LargeLanguageModel opens a streaming chat session bound to one call.
type LargeLanguageModel interface {
	Open(ctx context.Context, id ProviderID) (LLMSession, error)
}

// LLMChunk is one incremental delta of a streamed completion.
type LLMChunk struct {
	Delta            string
	ToolMarker       bool
	Done             bool
	CompletionTokens int
}

// LLMSession issues one turn at a time; Generate must not be called again
// until the previous turn's channel is drained or the session is
// interrupted.
type LLMSession interface {
	Generate(ctx context.Context, systemPrompt, userMessage string) (<-chan LLMChunk, error)
	Close() error
}

// TextToSpeech opens a streaming speech synthesis session bound to one call.
type TextToSpeech interface {
	Open(ctx context.Context, id ProviderID) (TTSSession, error)
}

// ErrNoAudioFrames is returned by a TTSSession when a provider accepted the
// request but produced zero audio frames, the trigger for the
// transliterate-and-retry-once hygiene rule.
type ErrNoAudioFrames struct{ Provider string }

func (e *ErrNoAudioFrames) Error() string {
	return "voice: " + e.Provider + ": no audio frames were pushed"
}

// TTSSession synthesizes one utterance at a time, streaming raw audio
// frames as they become available.
type TTSSession interface {
	Synthesize(ctx context.Context, text string) (<-chan []byte, error)
	Close() error
}
