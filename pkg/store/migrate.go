package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// SchemaVersion is the version the current code expects.
const SchemaVersion = 1

// ErrSchemaTooNew is returned when the database was migrated by a newer
// release.
var ErrSchemaTooNew = errors.New("database schema is newer than this release")

// migrations[i] upgrades the schema from version i to i+1.
var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS mailbox (
		id           TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		address      TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS processed_marker (
		type  TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (type, value)
	);

	CREATE TABLE IF NOT EXISTS message (
		mailbox              TEXT        NOT NULL,
		chat_id              TEXT        NOT NULL,
		numeric_id           BIGINT      NOT NULL,
		created_at           TIMESTAMPTZ NOT NULL,
		modified_at          TIMESTAMPTZ NOT NULL,
		partition_date       DATE        NOT NULL,
		sender_id            TEXT,
		sender_display_name  TEXT,
		sender_identity_type TEXT,
		sender_tenant_id     TEXT,
		sender_kind          TEXT,
		raw_payload          JSONB       NOT NULL,
		PRIMARY KEY (mailbox, chat_id, numeric_id)
	);

	CREATE INDEX IF NOT EXISTS message_partition_date_idx ON message (partition_date);
	`,
}

const dropAll = `
	DROP TABLE IF EXISTS message;
	DROP TABLE IF EXISTS processed_marker;
	DROP TABLE IF EXISTS mailbox;
	DROP TABLE IF EXISTS schema_version;
`

// Migrate brings the schema to SchemaVersion. With reset every table is
// dropped first.
func (p *Postgres) Migrate(ctx context.Context, reset bool) error {
	if reset {
		p.logger.Warn().Msg("Resetting schema, all exported data is dropped")
		if _, err := p.pool.Exec(ctx, dropAll); err != nil {
			return fmt.Errorf("reset schema: %w", err)
		}
	}

	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INT NOT NULL)`); err != nil {
			return fmt.Errorf("create schema_version: %w", err)
		}

		// Serialise concurrent migrators.
		if _, err := tx.Exec(ctx, `LOCK TABLE schema_version IN EXCLUSIVE MODE`); err != nil {
			return fmt.Errorf("lock schema_version: %w", err)
		}

		current := 0
		err := tx.QueryRow(ctx, `SELECT version FROM schema_version`).Scan(&current)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			if _, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES (0)`); err != nil {
				return fmt.Errorf("seed schema_version: %w", err)
			}
		case err != nil:
			return fmt.Errorf("read schema_version: %w", err)
		}

		if current > SchemaVersion {
			return fmt.Errorf("%w: database at %d, release supports %d", ErrSchemaTooNew, current, SchemaVersion)
		}

		for v := current; v < SchemaVersion; v++ {
			p.logger.Info().Int("from", v).Int("to", v+1).Msg("Applying migration")
			if _, err := tx.Exec(ctx, migrations[v]); err != nil {
				return fmt.Errorf("migration %d: %w", v+1, err)
			}
		}

		if _, err := tx.Exec(ctx, `UPDATE schema_version SET version = $1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
		return nil
	})
}
