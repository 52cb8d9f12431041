package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/bundle-checkout/internal/db"
	"github.com/noah-isme/bundle-checkout/internal/events"
	"github.com/noah-isme/bundle-checkout/internal/obs"
	"github.com/noah-isme/bundle-checkout/internal/order"
)

// EventPublisher receives outbox rows after their transaction commits.
type EventPublisher interface {
	Publish(ctx context.Context, ev db.OrderEvent) error
}

// Reconciler applies authenticated provider notifications to orders.
type Reconciler struct {
	Store     OrderStore
	Publisher EventPublisher
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Result describes the reconciliation of one notification.
type Result struct {
	OrderID   string
	Reference string
	Status    db.OrderStatus
	Applied   bool
	Ignored   bool
}

// Apply resolves the order and performs at most one conditional transition.
// Replays, stale statuses and races all collapse into no-ops, so Apply is
// safe to call any number of times for the same notification.
func (r Reconciler) Apply(ctx context.Context, n Notification) (Result, error) {
	ctx, span := otel.Tracer("payment.Reconciler").Start(ctx, "Reconciler.Apply")
	defer span.End()
	start := time.Now()
	res, err := r.apply(ctx, span, n)
	obs.ObserveReconcile(ctx, time.Since(start), reconcileOutcome(res, err))
	return res, err
}

func reconcileOutcome(res Result, err error) string {
	switch {
	case err != nil:
		return "error"
	case res.Ignored:
		return "ignored"
	case res.Applied:
		return "applied"
	default:
		return "noop"
	}
}

func (r Reconciler) apply(ctx context.Context, span trace.Span, n Notification) (Result, error) {
	span.SetAttributes(
		attribute.String("payment.provider", n.Provider),
		attribute.String("payment.status", n.Status),
		attribute.String("payment.uuid", n.UUID),
	)
	if r.Store == nil {
		return Result{}, errors.New("payment: reconciler store not configured")
	}

	current, err := r.lookup(ctx, n)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	res := Result{
		OrderID:   db.UUIDString(current.ID),
		Reference: referenceOf(current),
		Status:    current.Status,
	}
	span.SetAttributes(attribute.String("order.id", res.OrderID))

	target, ok := TargetStatus(n.Status)
	if !ok {
		res.Ignored = true
		r.Logger.Info().Str("order_id", res.OrderID).Str("provider_status", n.Status).Msg("webhook_status_ignored")
		return res, nil
	}
	if !order.CanTransition(current.Status, target) {
		// Already terminal, or a repeated processing notice.
		return res, nil
	}

	transition := Transition{
		OrderID:     current.ID,
		To:          target,
		AllowedFrom: order.AllowedFrom(target),
		Metadata:    r.metadataPatch(current, n),
		PaymentID:   n.UUID,
	}
	if topic, ok := events.TopicForStatus(target); ok {
		payload, err := json.Marshal(events.OrderPayload{
			OrderID:   res.OrderID,
			Reference: res.Reference,
			Email:     current.Email,
			Status:    string(target),
			Amount:    current.Amount.StringFixed(2),
			Currency:  current.Currency,
			PaymentID: firstNonEmpty(n.UUID, current.PaymentID.String),
			Provider:  string(current.Provider),
		})
		if err != nil {
			return Result{}, fmt.Errorf("payment: encode event: %w", err)
		}
		transition.Event = &EventDraft{Topic: topic, Payload: payload}
	}

	outcome, err := r.Store.Transition(ctx, transition)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition")
		return Result{}, err
	}
	res.Status = outcome.Status
	res.Applied = outcome.Applied
	if !outcome.Applied {
		r.Logger.Info().Str("order_id", res.OrderID).Str("status", string(outcome.Status)).Str("wanted", string(target)).Msg("order_transition_noop")
		return res, nil
	}
	obs.Inc(obs.OrderTransitionTotal, string(current.Status), string(target))
	r.Logger.Info().Str("order_id", res.OrderID).Str("from", string(current.Status)).Str("to", string(target)).Msg("order_transitioned")

	if outcome.Event != nil && r.Publisher != nil {
		if err := r.Publisher.Publish(ctx, *outcome.Event); err != nil {
			// The row stays unpublished and the relay picks it up.
			r.Logger.Warn().Err(err).Str("order_id", res.OrderID).Msg("order_event_publish_deferred")
		}
	}
	return res, nil
}

func (r Reconciler) lookup(ctx context.Context, n Notification) (db.Order, error) {
	if n.UUID != "" {
		found, err := r.Store.GetOrderByPaymentID(ctx, n.UUID)
		if err == nil {
			return found, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return db.Order{}, fmt.Errorf("payment: lookup by payment id: %w", err)
		}
	}
	if n.OrderID != "" {
		found, err := r.Store.GetOrderByReference(ctx, n.OrderID)
		if err == nil {
			return found, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return db.Order{}, fmt.Errorf("payment: lookup by order id: %w", err)
		}
	}
	return db.Order{}, &OrderNotFoundError{PaymentID: n.UUID, Reference: n.OrderID}
}

func (r Reconciler) metadataPatch(current db.Order, n Notification) []byte {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	patch := map[string]any{
		"webhook_received_at": now().UTC().Format(time.RFC3339),
		"provider_status":     n.Status,
	}
	if len(n.Body) > 0 && json.Valid(n.Body) {
		patch["webhook_data"] = json.RawMessage(n.Body)
	}
	if mismatch := amountMismatch(current, n); mismatch != "" {
		patch["amount_mismatch"] = mismatch
		r.Logger.Warn().Str("order_id", db.UUIDString(current.ID)).Str("detail", mismatch).Msg("webhook_amount_mismatch")
	}
	data, err := json.Marshal(patch)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// amountMismatch describes a difference between the notified and the ordered
// amount. The status mapping stays authoritative; the mismatch is recorded.
func amountMismatch(current db.Order, n Notification) string {
	var parts []string
	if n.Amount != "" {
		notified, err := decimal.NewFromString(strings.Trim(n.Amount, `"`))
		if err != nil {
			parts = append(parts, "unparsable amount "+n.Amount)
		} else if !notified.Equal(current.Amount) {
			parts = append(parts, fmt.Sprintf("amount %s != %s", notified.String(), current.Amount.String()))
		}
	}
	if n.Currency != "" && !strings.EqualFold(n.Currency, current.Currency) {
		parts = append(parts, fmt.Sprintf("currency %s != %s", n.Currency, current.Currency))
	}
	return strings.Join(parts, "; ")
}

func referenceOf(o db.Order) string {
	var meta struct {
		OrderID string `json:"order_id"`
	}
	if len(o.Metadata) > 0 {
		_ = json.Unmarshal(o.Metadata, &meta)
	}
	return meta.OrderID
}
