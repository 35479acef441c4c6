package store

import (
	"context"
	"fmt"

	"github.com/Sternrassler/graph-export/pkg/model"
)

// InsertMessage stores rec unless a row with the same mailbox, chat and
// numeric id exists. It reports whether a row was written.
func (p *Postgres) InsertMessage(ctx context.Context, rec *model.MessageRecord) (bool, error) {
	var inserted bool
	err := withRetry(ctx, p.logger, "insert_message", func(ctx context.Context) error {
		tag, err := p.pool.Exec(ctx, `
			INSERT INTO message (
				mailbox, chat_id, numeric_id, created_at, modified_at, partition_date,
				sender_id, sender_display_name, sender_identity_type, sender_tenant_id, sender_kind,
				raw_payload
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (mailbox, chat_id, numeric_id) DO NOTHING
		`,
			rec.Mailbox, rec.ChatID, rec.NumericID, rec.CreatedAt, rec.ModifiedAt, rec.PartitionDate,
			nullable(rec.Sender.ID), nullable(rec.Sender.DisplayName), nullable(rec.Sender.IdentityType),
			nullable(rec.Sender.TenantID), nullable(string(rec.Sender.Kind)),
			string(rec.RawPayload),
		)
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("insert message %s/%d: %w", rec.ChatID, rec.NumericID, err)
	}
	return inserted, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
