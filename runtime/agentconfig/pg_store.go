package agentconfig

import (
	"context"
	"fmt"

	"github.com/unpod/corertc/runtime/dbpool"
)

// PostgresAgentStore resolves AgentConfig rows from the Django-owned
// voice_agents table via the DB Pool, the same dictionary-cursor idiom
// runtime/auth.PostgresUserLookup uses.
type PostgresAgentStore struct {
	pool *dbpool.Pool
}

// NewPostgresAgentStore builds a PostgresAgentStore backed by pool.
func NewPostgresAgentStore(pool *dbpool.Pool) *PostgresAgentStore {
	return &PostgresAgentStore{pool: pool}
}

const agentColumns = `
	handle, stt_provider, llm_provider, tts_provider, language, voice, tone,
	pattern_outbound, pattern_sales, pattern_booking, sip_trunk_id, caller_id,
	custom_persona, strict_script, knowledge_base_tokens, memory_enabled,
	follow_up_enabled`

const agentByHandleQuery = `SELECT ` + agentColumns + ` FROM voice_agents WHERE handle = $1 LIMIT 1`
const agentMostRecentForSpaceQuery = `SELECT ` + agentColumns + ` FROM voice_agents WHERE space_token = $1 ORDER BY updated_at DESC LIMIT 1`
const agentByPhoneNumberQuery = `SELECT ` + agentColumns + ` FROM voice_agents WHERE caller_id = $1 LIMIT 1`

func rowToAgentConfig(row dbpool.Row) AgentConfig {
	tokens, _ := row["knowledge_base_tokens"].([]string)
	return AgentConfig{
		Handle:      fmt.Sprintf("%v", row["handle"]),
		STTProvider: fmt.Sprintf("%v", row["stt_provider"]),
		LLMProvider: fmt.Sprintf("%v", row["llm_provider"]),
		TTSProvider: fmt.Sprintf("%v", row["tts_provider"]),
		Language:    fmt.Sprintf("%v", row["language"]),
		Voice:       fmt.Sprintf("%v", row["voice"]),
		Tone:        fmt.Sprintf("%v", row["tone"]),
		PatternFlags: PatternFlags{
			Outbound: row["pattern_outbound"] == true,
			Sales:    row["pattern_sales"] == true,
			Booking:  row["pattern_booking"] == true,
		},
		TelephonyConfig: TelephonyConfig{
			TrunkID:  fmt.Sprintf("%v", row["sip_trunk_id"]),
			CallerID: fmt.Sprintf("%v", row["caller_id"]),
		},
		CustomPersona:       fmt.Sprintf("%v", row["custom_persona"]),
		StrictScript:        row["strict_script"] == true,
		KnowledgeBaseTokens: tokens,
		MemoryEnabled:       row["memory_enabled"] == true,
		FollowUpEnabled:     row["follow_up_enabled"] == true,
	}
}

func (s *PostgresAgentStore) queryOne(ctx context.Context, sql, arg string) (AgentConfig, error) {
	rows, err := s.pool.Query(ctx, sql, arg)
	if err != nil {
		return AgentConfig{}, err
	}
	if len(rows) == 0 {
		return AgentConfig{}, ErrNotFound
	}
	return rowToAgentConfig(rows[0]), nil
}

// ByHandle implements AgentStore.
func (s *PostgresAgentStore) ByHandle(ctx context.Context, handle string) (AgentConfig, error) {
	return s.queryOne(ctx, agentByHandleQuery, handle)
}

// MostRecentForSpace implements AgentStore.
func (s *PostgresAgentStore) MostRecentForSpace(ctx context.Context, spaceToken string) (AgentConfig, error) {
	return s.queryOne(ctx, agentMostRecentForSpaceQuery, spaceToken)
}

// ByPhoneNumber implements AgentStore.
func (s *PostgresAgentStore) ByPhoneNumber(ctx context.Context, number string) (AgentConfig, error) {
	return s.queryOne(ctx, agentByPhoneNumberQuery, number)
}

// PostgresSessionBindingStore recalls the agent bound to a prior session
// from the voice_session_bindings table.
type PostgresSessionBindingStore struct {
	pool *dbpool.Pool
}

// NewPostgresSessionBindingStore builds a PostgresSessionBindingStore
// backed by pool.
func NewPostgresSessionBindingStore(pool *dbpool.Pool) *PostgresSessionBindingStore {
	return &PostgresSessionBindingStore{pool: pool}
}

const sessionBindingQuery = `
SELECT ` + agentColumns + `
  FROM voice_agents a
  JOIN voice_session_bindings b ON a.handle = b.agent_handle
 WHERE b.session_id = $1
 LIMIT 1`

// BoundAgent implements SessionBindingStore.
func (s *PostgresSessionBindingStore) BoundAgent(ctx context.Context, sessionID string) (AgentConfig, bool, error) {
	rows, err := s.pool.Query(ctx, sessionBindingQuery, sessionID)
	if err != nil {
		return AgentConfig{}, false, err
	}
	if len(rows) == 0 {
		return AgentConfig{}, false, nil
	}
	return rowToAgentConfig(rows[0]), true, nil
}
