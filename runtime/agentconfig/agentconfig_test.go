package agentconfig_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unpod/corertc/runtime/agentconfig"
)

func TestNormalizePhone_LiteralExamples(t *testing.T) {
	require.Equal(t, "+919876543210", agentconfig.NormalizePhone("+91 98765 43210"))
	require.Equal(t, "+919876543210", agentconfig.NormalizePhone("919876543210"))
}

type stubAgents struct {
	byHandle    map[string]agentconfig.AgentConfig
	bySpace     map[string]agentconfig.AgentConfig
	byPhone     map[string]agentconfig.AgentConfig
}

func (s *stubAgents) ByHandle(_ context.Context, handle string) (agentconfig.AgentConfig, error) {
	if cfg, ok := s.byHandle[handle]; ok {
		return cfg, nil
	}
	return agentconfig.AgentConfig{}, agentconfig.ErrNotFound
}

func (s *stubAgents) MostRecentForSpace(_ context.Context, token string) (agentconfig.AgentConfig, error) {
	if cfg, ok := s.bySpace[token]; ok {
		return cfg, nil
	}
	return agentconfig.AgentConfig{}, agentconfig.ErrNotFound
}

func (s *stubAgents) ByPhoneNumber(_ context.Context, number string) (agentconfig.AgentConfig, error) {
	if cfg, ok := s.byPhone[number]; ok {
		return cfg, nil
	}
	return agentconfig.AgentConfig{}, agentconfig.ErrNotFound
}

type stubBindings struct {
	bound map[string]agentconfig.AgentConfig
}

func (s *stubBindings) BoundAgent(_ context.Context, sessionID string) (agentconfig.AgentConfig, bool, error) {
	cfg, ok := s.bound[sessionID]
	return cfg, ok, nil
}

func TestResolve_AgentHandleWinsFirst(t *testing.T) {
	agents := &stubAgents{byHandle: map[string]agentconfig.AgentConfig{"handle-1": {Handle: "handle-1"}}}
	r := agentconfig.New(agents, &stubBindings{})

	cfg, err := r.Resolve(context.Background(), agentconfig.SessionMetadata{AgentHandle: "handle-1", SpaceToken: "ignored"})
	require.NoError(t, err)
	require.Equal(t, "handle-1", cfg.Handle)
}

func TestResolve_PhoneFallsBackToRawOnNormalizedMiss(t *testing.T) {
	agents := &stubAgents{byPhone: map[string]agentconfig.AgentConfig{
		"98765-43210": {Handle: "raw-match"},
	}}
	r := agentconfig.New(agents, &stubBindings{})

	cfg, err := r.Resolve(context.Background(), agentconfig.SessionMetadata{
		InboundSIPCall: true,
		DialledNumber:  "98765-43210",
	})
	require.NoError(t, err)
	require.Equal(t, "raw-match", cfg.Handle)
}

func TestResolve_SessionBindingFallback(t *testing.T) {
	bindings := &stubBindings{bound: map[string]agentconfig.AgentConfig{"sess-1": {Handle: "bound"}}}
	r := agentconfig.New(&stubAgents{}, bindings)

	cfg, err := r.Resolve(context.Background(), agentconfig.SessionMetadata{SessionID: "sess-1"})
	require.NoError(t, err)
	require.Equal(t, "bound", cfg.Handle)
}

func TestResolve_NotFoundWhenNothingMatches(t *testing.T) {
	r := agentconfig.New(&stubAgents{}, &stubBindings{})
	_, err := r.Resolve(context.Background(), agentconfig.SessionMetadata{})
	require.ErrorIs(t, err, agentconfig.ErrNotFound)
}
