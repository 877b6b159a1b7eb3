// Package db runs compiled SQL against the corpus database. Only worker
// processes open a connection; the server never talks to Postgres.
package db

import (
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scrutor/internal/common"
)

// Executor runs one compiled statement and returns its rows as generic
// tuples, the shape job results are stored in.
type Executor interface {
	Execute(ctx context.Context, sql string) ([][]interface{}, error)
	Close() error
}

// PgExecutor is the Postgres-backed executor used in production.
type PgExecutor struct {
	pool   *sqlx.DB
	logger arbor.ILogger
}

// Open connects to the corpus database and verifies the connection.
func Open(ctx context.Context, cfg common.DatabaseConfig, logger arbor.ILogger) (*PgExecutor, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database url is not configured")
	}

	pool, err := sqlx.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open corpus database: %w", err)
	}
	pool.SetMaxOpenConns(cfg.MaxConns)
	pool.SetMaxIdleConns(cfg.MaxConns)
	pool.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.PingContext(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach corpus database: %w", err)
	}

	logger.Info().Int("max_conns", cfg.MaxConns).Msg("Connected to corpus database")
	return &PgExecutor{pool: pool, logger: logger}, nil
}

// Execute runs one statement and scans every row into a generic tuple.
// Byte slices become strings so the result survives JSON storage intact.
func (e *PgExecutor) Execute(ctx context.Context, sql string) ([][]interface{}, error) {
	start := time.Now()
	rows, err := e.pool.QueryxContext(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var out [][]interface{}
	for rows.Next() {
		tuple, err := rows.SliceScan()
		if err != nil {
			return nil, fmt.Errorf("row scan failed: %w", err)
		}
		for i, v := range tuple {
			if b, ok := v.([]byte); ok {
				tuple[i] = string(b)
			}
		}
		out = append(out, tuple)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}

	e.logger.Debug().
		Int("rows", len(out)).
		Dur("duration", time.Since(start)).
		Msg("Statement executed")
	return out, nil
}

// Close releases the pool.
func (e *PgExecutor) Close() error {
	return e.pool.Close()
}
