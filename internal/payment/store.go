package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/noah-isme/bundle-checkout/internal/db"
	"github.com/noah-isme/bundle-checkout/internal/order"
)

// Transition is one conditional status write. Event, when set, is recorded
// in the outbox in the same transaction if and only if the write applies.
type Transition struct {
	OrderID     pgtype.UUID
	To          db.OrderStatus
	AllowedFrom []db.OrderStatus
	Metadata    []byte
	PaymentID   string
	Event       *EventDraft
}

// EventDraft is an outbox row waiting for its transaction.
type EventDraft struct {
	Topic   string
	Payload []byte
}

// TransitionResult reports what the write did. Status is the order status
// after the attempt. Event is nil when no new outbox row was written.
type TransitionResult struct {
	Applied bool
	Status  db.OrderStatus
	Event   *db.OrderEvent
}

// OrderStore is the persistence the reconciler needs.
type OrderStore interface {
	GetOrderByPaymentID(ctx context.Context, paymentID string) (db.Order, error)
	GetOrderByReference(ctx context.Context, reference string) (db.Order, error)
	Transition(ctx context.Context, t Transition) (TransitionResult, error)
}

// PGStore implements OrderStore and AuditLog on Postgres.
type PGStore struct {
	Pool db.TxBeginner
	Q    *db.Queries
}

func (s PGStore) GetOrderByPaymentID(ctx context.Context, paymentID string) (db.Order, error) {
	return s.Q.GetOrderByPaymentID(ctx, paymentID)
}

func (s PGStore) GetOrderByReference(ctx context.Context, reference string) (db.Order, error) {
	return s.Q.GetOrderByReference(ctx, reference)
}

// Transition runs the conditional update and outbox insert atomically.
func (s PGStore) Transition(ctx context.Context, t Transition) (TransitionResult, error) {
	var res TransitionResult
	err := db.InTx(ctx, s.Pool, s.Q, func(q *db.Queries) error {
		rows, err := q.TransitionOrderStatus(ctx, db.TransitionOrderStatusParams{
			ID:          t.OrderID,
			Status:      t.To,
			AllowedFrom: order.StatusStrings(t.AllowedFrom),
			Metadata:    t.Metadata,
			PaymentID:   t.PaymentID,
		})
		if err != nil {
			return fmt.Errorf("transition order: %w", err)
		}
		if rows == 0 {
			current, err := q.GetOrderByID(ctx, t.OrderID)
			if err != nil {
				return fmt.Errorf("reload order: %w", err)
			}
			res.Status = current.Status
			return nil
		}
		res.Applied = true
		res.Status = t.To
		if t.Event == nil {
			return nil
		}
		ev, err := q.InsertOrderEvent(ctx, db.InsertOrderEventParams{
			OrderID: t.OrderID,
			Topic:   t.Event.Topic,
			Payload: t.Event.Payload,
		})
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("record order event: %w", err)
		}
		res.Event = &ev
		return nil
	})
	if err != nil {
		return TransitionResult{}, err
	}
	return res, nil
}

// Record stores an authenticated callback before it is applied.
func (s PGStore) Record(ctx context.Context, n Notification) (pgtype.UUID, error) {
	return s.Q.InsertWebhookLog(ctx, db.InsertWebhookLogParams{
		Provider:  n.Provider,
		EventType: n.Status,
		Payload:   string(n.Body),
		Signature: pgtype.Text{String: n.Signature, Valid: n.Signature != ""},
	})
}

func (s PGStore) MarkProcessed(ctx context.Context, id pgtype.UUID) error {
	return s.Q.MarkWebhookLogProcessed(ctx, id)
}
