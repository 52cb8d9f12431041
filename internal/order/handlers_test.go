package order_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/bundle-checkout/internal/db"
	"github.com/noah-isme/bundle-checkout/internal/order"
)

type stubReader map[pgtype.UUID]db.Order

func (s stubReader) GetOrderByID(_ context.Context, id pgtype.UUID) (db.Order, error) {
	o, ok := s[id]
	if !ok {
		return db.Order{}, pgx.ErrNoRows
	}
	return o, nil
}

func newOrderRouter(reader order.Reader, tokens order.Tokens) http.Handler {
	h := &order.Handler{Orders: reader, Tokens: tokens}
	r := chi.NewRouter()
	r.Get("/api/v1/orders/{orderId}", h.Get)
	return r
}

func pendingOrder() db.Order {
	return db.Order{
		ID:       db.NewUUID(),
		Email:    "buyer@example.com",
		Provider: db.PaymentProviderCryptomus,
		Amount:   decimal.RequireFromString("12.99"),
		Currency: "USD",
		Status:   db.OrderStatusPending,
		Metadata: []byte(`{"order_id":"ord-1","payment_url":"https://pay.example/inv-1","webhook_data":{"sign":"x"}}`),
	}
}

func TestGetOrderWithBearerToken(t *testing.T) {
	o := pendingOrder()
	tokens := fixedTokens(time.Now())
	raw, err := tokens.Issue(db.UUIDString(o.ID))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/"+db.UUIDString(o.ID), nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rr := httptest.NewRecorder()
	newOrderRouter(stubReader{o.ID: o}, tokens).ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var body struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "pending", body.Data["status"])
	require.Equal(t, "ord-1", body.Data["reference"])
	require.Equal(t, "12.99", body.Data["amount"])
	require.Equal(t, "https://pay.example/inv-1", body.Data["payment_url"])
	require.NotContains(t, body.Data, "webhook_data")
	require.NotContains(t, body.Data, "email")
}

func TestGetOrderWithQueryToken(t *testing.T) {
	o := pendingOrder()
	o.Status = db.OrderStatusCompleted
	tokens := fixedTokens(time.Now())
	raw, err := tokens.Issue(db.UUIDString(o.ID))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/"+db.UUIDString(o.ID)+"?token="+raw, nil)
	rr := httptest.NewRecorder()
	newOrderRouter(stubReader{o.ID: o}, tokens).ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Data order.View `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.True(t, body.Data.Terminal)
	require.Empty(t, body.Data.PaymentURL)
}

func TestGetOrderRejectsTokenForOtherOrder(t *testing.T) {
	o := pendingOrder()
	tokens := fixedTokens(time.Now())
	raw, err := tokens.Issue(db.UUIDString(db.NewUUID()))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/"+db.UUIDString(o.ID), nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rr := httptest.NewRecorder()
	newOrderRouter(stubReader{o.ID: o}, tokens).ServeHTTP(rr, req)
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestGetOrderErrors(t *testing.T) {
	tokens := fixedTokens(time.Now())
	router := newOrderRouter(stubReader{}, tokens)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/orders/not-a-uuid", nil))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	missing := db.NewUUID()
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/orders/"+db.UUIDString(missing), nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	raw, err := tokens.Issue(db.UUIDString(missing))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/"+db.UUIDString(missing), nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNotFound, rr.Code)
}
