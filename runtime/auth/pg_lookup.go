package auth

import (
	"context"
	"fmt"

	"github.com/unpod/corertc/runtime/dbpool"
)

// PostgresUserLookup resolves UserIdentity projections from the
// Django-owned users table via the DB Pool, using the dictionary-cursor
// Row mapping the pool returns.
type PostgresUserLookup struct {
	pool *dbpool.Pool
}

// NewPostgresUserLookup builds a PostgresUserLookup backed by pool.
func NewPostgresUserLookup(pool *dbpool.Pool) *PostgresUserLookup {
	return &PostgresUserLookup{pool: pool}
}

const userByEmailQuery = `
SELECT id, email, username, first_name, last_name, is_active
FROM auth_user
WHERE email = $1
LIMIT 1`

// LookupByEmail assembles the {id, email, username, first_name, last_name,
// active, token} projection from a single-row query result.
func (l *PostgresUserLookup) LookupByEmail(ctx context.Context, email string) (UserIdentity, error) {
	rows, err := l.pool.Query(ctx, userByEmailQuery, email)
	if err != nil {
		return UserIdentity{}, err
	}
	if len(rows) == 0 {
		return UserIdentity{}, ErrUserNotFound
	}
	row := rows[0]

	return UserIdentity{
		ID:        fmt.Sprintf("%v", row["id"]),
		Email:     fmt.Sprintf("%v", row["email"]),
		Username:  fmt.Sprintf("%v", row["username"]),
		FirstName: fmt.Sprintf("%v", row["first_name"]),
		LastName:  fmt.Sprintf("%v", row["last_name"]),
		Active:    row["is_active"] == true,
	}, nil
}
