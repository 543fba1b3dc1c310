// Package agentconfig resolves a session's AgentConfig from SDK metadata,
// a dialled phone number, or a persisted session binding.
package agentconfig

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// ErrNotFound indicates the resolver exhausted every resolution strategy
// without finding a bound agent. Callers must short-circuit call setup on
// this error rather than falling back to a default agent.
var ErrNotFound = errors.New("agentconfig: no agent bound for session")

// AgentConfig carries everything the voice runtime needs to compose a
// prompt and open provider sessions for one call.
type AgentConfig struct {
	Handle string

	STTProvider string
	LLMProvider string
	TTSProvider string

	Language string
	Voice    string
	Tone     string

	PatternFlags PatternFlags

	TelephonyConfig TelephonyConfig

	CustomPersona string
	StrictScript  bool

	KnowledgeBaseTokens []string

	MemoryEnabled   bool
	FollowUpEnabled bool
}

// PatternFlags selects which conversation pattern fragments the Prompt
// Composer appends beyond the default support fragment.
type PatternFlags struct {
	Outbound bool
	Sales    bool
	Booking  bool
}

// TelephonyConfig carries SIP trunk and caller-id settings for outbound
// dialling.
type TelephonyConfig struct {
	TrunkID  string
	CallerID string
}

// SessionMetadata is the SDK-supplied metadata a resolve call starts from.
type SessionMetadata struct {
	AgentHandle    string
	SpaceToken     string
	InboundSIPCall bool
	DialledNumber  string
	SessionID      string
}

// AgentStore loads agent configuration by the handles/tokens/numbers the
// resolver consults, in the order spec.md §4.3 mandates.
type AgentStore interface {
	ByHandle(ctx context.Context, handle string) (AgentConfig, error)
	MostRecentForSpace(ctx context.Context, spaceToken string) (AgentConfig, error)
	ByPhoneNumber(ctx context.Context, number string) (AgentConfig, error)
}

// SessionBindingStore persists and recalls the agent bound to a session
// once an earlier resolution has picked one.
type SessionBindingStore interface {
	BoundAgent(ctx context.Context, sessionID string) (AgentConfig, bool, error)
}

// Resolver implements the Config Resolver component.
type Resolver struct {
	agents   AgentStore
	bindings SessionBindingStore
}

// New builds a Resolver.
func New(agents AgentStore, bindings SessionBindingStore) *Resolver {
	return &Resolver{agents: agents, bindings: bindings}
}

// Resolve derives an AgentConfig for metadata using the first strategy whose
// input is present, in order: agent handle, space token, inbound SIP dialled
// number, session binding. The chosen strategy's result is final: a miss
// there is not followed by the later strategies (an agent-handle or
// space-token miss returns the store's error, a phone miss returns
// ErrNotFound). The resolver never guesses.
func (r *Resolver) Resolve(ctx context.Context, metadata SessionMetadata) (AgentConfig, error) {
	if metadata.AgentHandle != "" {
		return r.agents.ByHandle(ctx, metadata.AgentHandle)
	}

	if metadata.SpaceToken != "" {
		return r.agents.MostRecentForSpace(ctx, metadata.SpaceToken)
	}

	if metadata.InboundSIPCall && metadata.DialledNumber != "" {
		normalized := NormalizePhone(metadata.DialledNumber)
		if cfg, err := r.agents.ByPhoneNumber(ctx, normalized); err == nil {
			return cfg, nil
		}
		if cfg, err := r.agents.ByPhoneNumber(ctx, metadata.DialledNumber); err == nil {
			return cfg, nil
		}
		return AgentConfig{}, ErrNotFound
	}

	if metadata.SessionID != "" {
		if cfg, ok, err := r.bindings.BoundAgent(ctx, metadata.SessionID); err == nil && ok {
			return cfg, nil
		}
	}

	return AgentConfig{}, ErrNotFound
}

var nonDigits = regexp.MustCompile(`[^\d+]`)

// NormalizePhone reduces a phone number to E.164 form by stripping every
// character other than digits and "+" and prepending "+" when the result
// doesn't already start with one.
func NormalizePhone(raw string) string {
	cleaned := nonDigits.ReplaceAllString(strings.TrimSpace(raw), "")
	if cleaned == "" || strings.HasPrefix(cleaned, "+") {
		return cleaned
	}
	return "+" + cleaned
}
