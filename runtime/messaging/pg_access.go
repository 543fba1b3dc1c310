package messaging

import (
	"context"
	"fmt"

	"github.com/unpod/corertc/runtime/auth"
	"github.com/unpod/corertc/runtime/dbpool"
)

// PostgresThreadAccess implements ThreadAccessChecker against the
// Django-owned threads/thread_participants tables. Thread CRUD itself stays
// out of scope (owned by the Django web app); this only reads the access
// policy spec.md's Thread invariant names: a participant's presence implies
// a non-revoked grant, and anonymous identities never get access to a
// non-public thread.
type PostgresThreadAccess struct {
	pool *dbpool.Pool
}

// NewPostgresThreadAccess builds a PostgresThreadAccess backed by pool.
func NewPostgresThreadAccess(pool *dbpool.Pool) *PostgresThreadAccess {
	return &PostgresThreadAccess{pool: pool}
}

const threadPrivacyQuery = `SELECT privacy_tier FROM threads WHERE id = $1 LIMIT 1`

const threadParticipantQuery = `
SELECT 1 FROM thread_participants
 WHERE thread_id = $1 AND user_id = $2 AND revoked_at IS NULL
 LIMIT 1`

// HasAccess implements ThreadAccessChecker.
func (a *PostgresThreadAccess) HasAccess(ctx context.Context, threadID string, identity auth.UserIdentity) (bool, error) {
	rows, err := a.pool.Query(ctx, threadPrivacyQuery, threadID)
	if err != nil {
		return false, fmt.Errorf("messaging: lookup thread privacy: %w", err)
	}
	if len(rows) == 0 {
		return false, nil
	}
	privacyTier := fmt.Sprintf("%v", rows[0]["privacy_tier"])

	if identity.Anonymous {
		return privacyTier == "public", nil
	}
	if privacyTier == "public" {
		return true, nil
	}

	participant, err := a.pool.Query(ctx, threadParticipantQuery, threadID, identity.ID)
	if err != nil {
		return false, fmt.Errorf("messaging: lookup thread participant: %w", err)
	}
	return len(participant) > 0, nil
}
