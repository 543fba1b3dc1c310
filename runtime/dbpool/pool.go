// Package dbpool maintains one pgx connection pool per operating-system
// process, transparently recreating it after a fork, and retries
// pool-exhaustion style failures with bounded exponential backoff.
package dbpool

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrClosed indicates an operation was attempted on a pool that has already
// been closed via Close.
var ErrClosed = errors.New("dbpool: pool is closed")

// Options configures a Pool.
type Options struct {
	DSN string

	// MinConns and MaxConns bound pool size; MaxConns defaults to 2.
	MinConns int32
	MaxConns int32

	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Pool wraps a pgxpool.Pool, recreating the underlying connection pool
// whenever it detects it is being used from a different process than the
// one that created it (fork safety).
type Pool struct {
	opts Options

	mu      sync.Mutex
	pid     int
	pgxpool *pgxpool.Pool
	closed  bool
}

// New builds a Pool. The underlying pgx pool is created lazily on first use
// so construction never blocks on a database round trip.
func New(opts Options) (*Pool, error) {
	if opts.DSN == "" {
		return nil, errors.New("dbpool: DSN is required")
	}
	if opts.MaxConns == 0 {
		opts.MaxConns = 2
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 5
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = 50 * time.Millisecond
	}
	if opts.MaxDelay == 0 {
		opts.MaxDelay = 2 * time.Second
	}
	return &Pool{opts: opts}, nil
}

// Row is a dictionary-cursor-style result: column name to value.
type Row map[string]any

// WithConnection acquires a connection (creating or recreating the
// underlying pool as needed for fork safety) and runs fn. Pool-exhaustion
// and too-many-connections errors are retried with exponential backoff up
// to opts.MaxRetries; any other error surfaces immediately.
func (p *Pool) WithConnection(ctx context.Context, fn func(ctx context.Context, conn *pgxpool.Conn) error) error {
	var err error
	for attempt := 0; attempt <= p.opts.MaxRetries; attempt++ {
		var pool *pgxpool.Pool
		pool, err = p.current(ctx)
		if err != nil {
			return err
		}

		var conn *pgxpool.Conn
		conn, err = pool.Acquire(ctx)
		if err == nil {
			err = fn(ctx, conn)
			conn.Release()
			if err == nil {
				return nil
			}
		}

		if !isRetryable(err) || attempt == p.opts.MaxRetries {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffDelay(p.opts.BaseDelay, p.opts.MaxDelay, attempt)):
		}
	}
	return err
}

// Query runs sql with args and maps every result row into a dictionary
// cursor via fieldDescriptions, matching the teacher's convention of
// returning plain maps instead of scanning into structs at the pool layer.
func (p *Pool) Query(ctx context.Context, sql string, args ...any) ([]Row, error) {
	var rows []Row
	err := p.WithConnection(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		result, err := conn.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer result.Close()

		fields := result.FieldDescriptions()
		for result.Next() {
			values, err := result.Values()
			if err != nil {
				return err
			}
			row := make(Row, len(fields))
			for i, f := range fields {
				row[string(f.Name)] = values[i]
			}
			rows = append(rows, row)
		}
		return result.Err()
	})
	return rows, err
}

// current returns the pgx pool for the calling process, transparently
// dropping and recreating it if the process id has changed since it was
// created (i.e. we are running post-fork in a child process).
func (p *Pool) current(ctx context.Context) (*pgxpool.Pool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}

	pid := os.Getpid()
	if p.pgxpool != nil && p.pid == pid {
		return p.pgxpool, nil
	}
	if p.pgxpool != nil {
		p.pgxpool.Close()
	}

	cfg, err := pgxpool.ParseConfig(p.opts.DSN)
	if err != nil {
		return nil, err
	}
	cfg.MinConns = p.opts.MinConns
	cfg.MaxConns = p.opts.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	p.pgxpool = pool
	p.pid = pid
	return pool, nil
}

// Close closes the underlying connection pool. Further use of the Pool
// returns ErrClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.pgxpool != nil {
		p.pgxpool.Close()
		p.pgxpool = nil
	}
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, pgxpool.ErrClosedPool) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "too many connections") || strings.Contains(msg, "pool is closed") || strings.Contains(msg, "exhausted")
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		delay = max
	}
	jitter := time.Duration(rand.Int63n(int64(delay/2) + 1))
	return delay - delay/4 + jitter
}
