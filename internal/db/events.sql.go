package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const insertOrderEvent = `-- name: InsertOrderEvent :one
INSERT INTO order_events (order_id, topic, payload)
VALUES ($1, $2, $3)
ON CONFLICT (order_id, topic) DO NOTHING
RETURNING id, order_id, topic, payload, created_at, published_at`

type InsertOrderEventParams struct {
	OrderID pgtype.UUID
	Topic   string
	Payload []byte
}

// InsertOrderEvent returns pgx.ErrNoRows when the (order_id, topic) pair was
// already recorded.
func (q *Queries) InsertOrderEvent(ctx context.Context, arg InsertOrderEventParams) (OrderEvent, error) {
	row := q.db.QueryRow(ctx, insertOrderEvent, arg.OrderID, arg.Topic, arg.Payload)
	var i OrderEvent
	err := row.Scan(
		&i.ID,
		&i.OrderID,
		&i.Topic,
		&i.Payload,
		&i.CreatedAt,
		&i.PublishedAt,
	)
	return i, err
}

const listUnpublishedOrderEvents = `-- name: ListUnpublishedOrderEvents :many
SELECT id, order_id, topic, payload, created_at, published_at
FROM order_events
WHERE published_at IS NULL
ORDER BY created_at
LIMIT $1`

func (q *Queries) ListUnpublishedOrderEvents(ctx context.Context, limit int32) ([]OrderEvent, error) {
	rows, err := q.db.Query(ctx, listUnpublishedOrderEvents, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []OrderEvent
	for rows.Next() {
		var i OrderEvent
		if err := rows.Scan(
			&i.ID,
			&i.OrderID,
			&i.Topic,
			&i.Payload,
			&i.CreatedAt,
			&i.PublishedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const markOrderEventPublished = `-- name: MarkOrderEventPublished :exec
UPDATE order_events SET published_at = now() WHERE id = $1 AND published_at IS NULL`

func (q *Queries) MarkOrderEventPublished(ctx context.Context, id pgtype.UUID) error {
	_, err := q.db.Exec(ctx, markOrderEventPublished, id)
	return err
}
