package store

import (
	"context"
	"fmt"

	"github.com/Sternrassler/graph-export/pkg/model"
	"github.com/jackc/pgx/v5"
)

const markerTypeMailbox = model.ResourceTypeMailbox

// Pending returns the ids of mailboxes without a processed marker, ordered
// by id. It reads in a read-only, read-committed transaction so concurrent
// writers are not blocked.
func (p *Postgres) Pending(ctx context.Context) ([]string, error) {
	var ids []string

	err := withRetry(ctx, p.logger, "pending", func(ctx context.Context) error {
		ids = ids[:0]
		return pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{
			IsoLevel:   pgx.ReadCommitted,
			AccessMode: pgx.ReadOnly,
		}, func(tx pgx.Tx) error {
			rows, err := tx.Query(ctx, `
				SELECT m.id
				FROM mailbox m
				WHERE NOT EXISTS (
					SELECT 1 FROM processed_marker pm
					WHERE pm.type = $1 AND pm.value = m.id
				)
				ORDER BY m.id
			`, markerTypeMailbox)
			if err != nil {
				return err
			}

			collected, err := pgx.CollectRows(rows, pgx.RowTo[string])
			if err != nil {
				return err
			}
			ids = append(ids, collected...)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list pending mailboxes: %w", err)
	}
	return ids, nil
}

// MarkDone records that the resource finished processing. Repeated calls
// are no-ops.
func (p *Postgres) MarkDone(ctx context.Context, resourceType, id string) error {
	err := withRetry(ctx, p.logger, "mark_done", func(ctx context.Context) error {
		_, err := p.pool.Exec(ctx, `
			INSERT INTO processed_marker (type, value)
			VALUES ($1, $2)
			ON CONFLICT (type, value) DO NOTHING
		`, resourceType, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark %s %s done: %w", resourceType, id, err)
	}
	return nil
}
