// Package store persists mailboxes, processed markers and messages in
// PostgreSQL.
//
// Every write is idempotent: mailboxes are upserted by id, markers and
// messages are inserted only when absent. Transient database failures are
// retried with exponential backoff.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Config holds the connection settings.
type Config struct {
	URL      string
	MaxConns int32
	MinConns int32
}

// Postgres is the relational store.
type Postgres struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Open connects to the database and verifies the connection. observer
// receives query start and completion events and may be nil.
func Open(ctx context.Context, cfg Config, observer QueryObserver, logger zerolog.Logger) (*Postgres, error) {
	logger = logger.With().Str("component", "store").Logger()

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	poolCfg.MaxConnIdleTime = time.Minute
	poolCfg.ConnConfig.Tracer = newQueryTracer(observer, logger)

	logger.Info().
		Str("host", poolCfg.ConnConfig.Host).
		Str("db", poolCfg.ConnConfig.Database).
		Int32("max_conns", poolCfg.MaxConns).
		Msg("Initializing PostgreSQL connection pool")

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	logger.Info().Msg("PostgreSQL connection established")
	return &Postgres{pool: pool, logger: logger}, nil
}

// Close releases every pooled connection.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Stats are row counts used by the status report.
type Stats struct {
	Mailboxes int64
	Processed int64
	Messages  int64
}

// Stats counts mailboxes, processed markers and messages.
func (p *Postgres) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := withRetry(ctx, p.logger, "stats", func(ctx context.Context) error {
		return p.pool.QueryRow(ctx, `
			SELECT
				(SELECT count(*) FROM mailbox),
				(SELECT count(*) FROM processed_marker WHERE type = $1),
				(SELECT count(*) FROM message)
		`, markerTypeMailbox).Scan(&s.Mailboxes, &s.Processed, &s.Messages)
	})
	if err != nil {
		return Stats{}, fmt.Errorf("read stats: %w", err)
	}
	return s, nil
}
