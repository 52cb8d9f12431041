package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

const orderColumns = `id, email, provider, payment_id, amount::text, currency, status, metadata, created_at, updated_at`

func scanOrder(row pgx.Row) (Order, error) {
	var (
		i      Order
		amount string
	)
	err := row.Scan(
		&i.ID,
		&i.Email,
		&i.Provider,
		&i.PaymentID,
		&amount,
		&i.Currency,
		&i.Status,
		&i.Metadata,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	if err != nil {
		return i, err
	}
	i.Amount, err = decimal.NewFromString(amount)
	return i, err
}

const createOrder = `-- name: CreateOrder :one
INSERT INTO orders (email, provider, amount, currency, status, metadata)
VALUES ($1, $2, $3::numeric, $4, $5, $6)
RETURNING ` + orderColumns

type CreateOrderParams struct {
	Email    string
	Provider PaymentProvider
	Amount   decimal.Decimal
	Currency string
	Status   OrderStatus
	Metadata []byte
}

func (q *Queries) CreateOrder(ctx context.Context, arg CreateOrderParams) (Order, error) {
	row := q.db.QueryRow(ctx, createOrder,
		arg.Email,
		arg.Provider,
		arg.Amount.String(),
		arg.Currency,
		arg.Status,
		arg.Metadata,
	)
	return scanOrder(row)
}

const getOrderByID = `-- name: GetOrderByID :one
SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

func (q *Queries) GetOrderByID(ctx context.Context, id pgtype.UUID) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, getOrderByID, id))
}

const getOrderByPaymentID = `-- name: GetOrderByPaymentID :one
SELECT ` + orderColumns + ` FROM orders WHERE payment_id = $1
ORDER BY created_at DESC
LIMIT 1`

func (q *Queries) GetOrderByPaymentID(ctx context.Context, paymentID string) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, getOrderByPaymentID, paymentID))
}

const getOrderByReference = `-- name: GetOrderByReference :one
SELECT ` + orderColumns + ` FROM orders WHERE metadata->>'order_id' = $1
ORDER BY (status IN ('pending', 'processing')) DESC, created_at DESC
LIMIT 1`

// GetOrderByReference resolves the client-visible order reference, preferring
// the open order when older terminal ones share the reference.
func (q *Queries) GetOrderByReference(ctx context.Context, reference string) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, getOrderByReference, reference))
}

const getOpenOrderByReference = `-- name: GetOpenOrderByReference :one
SELECT ` + orderColumns + ` FROM orders
WHERE metadata->>'order_id' = $1 AND status IN ('pending', 'processing')
LIMIT 1`

func (q *Queries) GetOpenOrderByReference(ctx context.Context, reference string) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, getOpenOrderByReference, reference))
}

const attachOrderPayment = `-- name: AttachOrderPayment :execrows
UPDATE orders
SET payment_id = $2, metadata = metadata || $3::jsonb, updated_at = now()
WHERE id = $1 AND status IN ('pending', 'processing')`

type AttachOrderPaymentParams struct {
	ID        pgtype.UUID
	PaymentID pgtype.Text
	Metadata  []byte
}

func (q *Queries) AttachOrderPayment(ctx context.Context, arg AttachOrderPaymentParams) (int64, error) {
	result, err := q.db.Exec(ctx, attachOrderPayment, arg.ID, arg.PaymentID, arg.Metadata)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const mergeOrderMetadata = `-- name: MergeOrderMetadata :execrows
UPDATE orders
SET metadata = metadata || $2::jsonb, updated_at = now()
WHERE id = $1 AND status IN ('pending', 'processing')`

type MergeOrderMetadataParams struct {
	ID       pgtype.UUID
	Metadata []byte
}

func (q *Queries) MergeOrderMetadata(ctx context.Context, arg MergeOrderMetadataParams) (int64, error) {
	result, err := q.db.Exec(ctx, mergeOrderMetadata, arg.ID, arg.Metadata)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const transitionOrderStatus = `-- name: TransitionOrderStatus :execrows
UPDATE orders
SET status = $2,
    metadata = metadata || $4::jsonb,
    payment_id = COALESCE(payment_id, NULLIF($5, '')),
    updated_at = now()
WHERE id = $1 AND status = ANY($3::text[])`

type TransitionOrderStatusParams struct {
	ID          pgtype.UUID
	Status      OrderStatus
	AllowedFrom []string
	Metadata    []byte
	PaymentID   string
}

// TransitionOrderStatus moves the order to Status only when its current status
// is one of AllowedFrom. Zero rows affected means the write was a no-op. An
// empty payment_id is backfilled from PaymentID.
func (q *Queries) TransitionOrderStatus(ctx context.Context, arg TransitionOrderStatusParams) (int64, error) {
	metadata := arg.Metadata
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}
	result, err := q.db.Exec(ctx, transitionOrderStatus, arg.ID, arg.Status, arg.AllowedFrom, metadata, arg.PaymentID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
