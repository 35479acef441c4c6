package store

import (
	"context"
	"fmt"

	"github.com/Sternrassler/graph-export/pkg/model"
)

// UpsertMailbox inserts mb or refreshes its display name and address.
func (p *Postgres) UpsertMailbox(ctx context.Context, mb model.Mailbox) error {
	err := withRetry(ctx, p.logger, "upsert_mailbox", func(ctx context.Context) error {
		_, err := p.pool.Exec(ctx, `
			INSERT INTO mailbox (id, display_name, address)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE
			SET display_name = EXCLUDED.display_name,
			    address      = EXCLUDED.address
		`, mb.ID, mb.DisplayName, mb.Address)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert mailbox %s: %w", mb.ID, err)
	}
	return nil
}
