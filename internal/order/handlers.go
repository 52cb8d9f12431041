package order

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/noah-isme/bundle-checkout/internal/common"
	"github.com/noah-isme/bundle-checkout/internal/db"
	"github.com/noah-isme/bundle-checkout/internal/obs"
)

// Reader loads orders by id. *db.Queries implements it.
type Reader interface {
	GetOrderByID(ctx context.Context, id pgtype.UUID) (db.Order, error)
}

// View is the public representation of an order.
type View struct {
	ID         string         `json:"id"`
	Reference  string         `json:"reference"`
	Status     db.OrderStatus `json:"status"`
	Provider   string         `json:"provider"`
	Amount     string         `json:"amount"`
	Currency   string         `json:"currency"`
	PaymentURL string         `json:"payment_url,omitempty"`
	Terminal   bool           `json:"terminal"`
	CreatedAt  any            `json:"created_at,omitempty"`
	UpdatedAt  any            `json:"updated_at,omitempty"`
}

// NewView projects an order for the customer. Webhook payloads and other
// internal metadata are not exposed.
func NewView(o db.Order) View {
	var meta struct {
		OrderID     string `json:"order_id"`
		PaymentURL  string `json:"payment_url"`
		FallbackURL string `json:"fallback_url"`
	}
	if len(o.Metadata) > 0 {
		_ = json.Unmarshal(o.Metadata, &meta)
	}
	v := View{
		ID:        db.UUIDString(o.ID),
		Reference: meta.OrderID,
		Status:    o.Status,
		Provider:  string(o.Provider),
		Amount:    o.Amount.StringFixed(2),
		Currency:  o.Currency,
		Terminal:  IsTerminal(o.Status),
	}
	if !v.Terminal {
		v.PaymentURL = meta.PaymentURL
		if v.PaymentURL == "" {
			v.PaymentURL = meta.FallbackURL
		}
	}
	if o.CreatedAt.Valid {
		v.CreatedAt = o.CreatedAt.Time
	}
	if o.UpdatedAt.Valid {
		v.UpdatedAt = o.UpdatedAt.Time
	}
	return v
}

type Handler struct {
	Orders Reader
	Tokens Tokens
}

// Get returns the order named in the path when the access token is issued
// for it.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	if h.Orders == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "order queries not configured", nil)
		return
	}
	orderID := chi.URLParam(r, "orderId")
	oID, err := db.ToUUID(orderID)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid order id", nil)
		return
	}
	subject, err := h.Tokens.Verify(bearerToken(r))
	if err != nil {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "valid order access token required", nil)
		return
	}
	if subject != db.UUIDString(oID) {
		common.JSONError(w, http.StatusForbidden, "FORBIDDEN", "token does not grant access to this order", nil)
		return
	}
	ord, err := h.Orders.GetOrderByID(r.Context(), oID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load order", nil)
		return
	}
	view := NewView(ord)
	obs.TagOrder(r.Context(), view.Reference)
	common.Data(w, http.StatusOK, view)
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return r.URL.Query().Get("token")
}
