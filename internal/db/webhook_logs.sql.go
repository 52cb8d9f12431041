package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const insertWebhookLog = `-- name: InsertWebhookLog :one
INSERT INTO webhook_logs (provider, event_type, payload, signature)
VALUES ($1, $2, $3, $4)
RETURNING id`

type InsertWebhookLogParams struct {
	Provider  string
	EventType string
	Payload   string
	Signature pgtype.Text
}

func (q *Queries) InsertWebhookLog(ctx context.Context, arg InsertWebhookLogParams) (pgtype.UUID, error) {
	var id pgtype.UUID
	err := q.db.QueryRow(ctx, insertWebhookLog, arg.Provider, arg.EventType, arg.Payload, arg.Signature).Scan(&id)
	return id, err
}

const markWebhookLogProcessed = `-- name: MarkWebhookLogProcessed :exec
UPDATE webhook_logs SET processed = true WHERE id = $1`

func (q *Queries) MarkWebhookLogProcessed(ctx context.Context, id pgtype.UUID) error {
	_, err := q.db.Exec(ctx, markWebhookLogProcessed, id)
	return err
}
