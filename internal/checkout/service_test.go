package checkout_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/bundle-checkout/internal/checkout"
	"github.com/noah-isme/bundle-checkout/internal/common"
	"github.com/noah-isme/bundle-checkout/internal/db"
	"github.com/noah-isme/bundle-checkout/internal/order"
	"github.com/noah-isme/bundle-checkout/internal/payment"
)

type memoryOrders struct {
	mu        sync.Mutex
	orders    []*db.Order
	createErr error
}

func (m *memoryOrders) find(id pgtype.UUID) *db.Order {
	for _, o := range m.orders {
		if o.ID == id {
			return o
		}
	}
	return nil
}

func (m *memoryOrders) GetOpenOrderByReference(_ context.Context, reference string) (db.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		var meta map[string]any
		_ = json.Unmarshal(o.Metadata, &meta)
		if meta["order_id"] == reference && !order.IsTerminal(o.Status) {
			return *o, nil
		}
	}
	return db.Order{}, pgx.ErrNoRows
}

func (m *memoryOrders) GetOrderByID(_ context.Context, id pgtype.UUID) (db.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o := m.find(id); o != nil {
		return *o, nil
	}
	return db.Order{}, pgx.ErrNoRows
}

func (m *memoryOrders) CreateOrder(_ context.Context, arg db.CreateOrderParams) (db.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return db.Order{}, m.createErr
	}
	o := &db.Order{
		ID:       db.NewUUID(),
		Email:    arg.Email,
		Provider: arg.Provider,
		Amount:   arg.Amount,
		Currency: arg.Currency,
		Status:   arg.Status,
		Metadata: arg.Metadata,
	}
	m.orders = append(m.orders, o)
	return *o, nil
}

func (m *memoryOrders) AttachOrderPayment(_ context.Context, arg db.AttachOrderPaymentParams) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.find(arg.ID)
	if o == nil || order.IsTerminal(o.Status) {
		return 0, nil
	}
	o.PaymentID = arg.PaymentID
	o.Metadata = merge(o.Metadata, arg.Metadata)
	return 1, nil
}

func (m *memoryOrders) MergeOrderMetadata(_ context.Context, arg db.MergeOrderMetadataParams) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.find(arg.ID)
	if o == nil || order.IsTerminal(o.Status) {
		return 0, nil
	}
	o.Metadata = merge(o.Metadata, arg.Metadata)
	return 1, nil
}

func (m *memoryOrders) TransitionOrderStatus(_ context.Context, arg db.TransitionOrderStatusParams) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.find(arg.ID)
	if o == nil {
		return 0, nil
	}
	for _, from := range arg.AllowedFrom {
		if string(o.Status) == from {
			o.Status = arg.Status
			o.Metadata = merge(o.Metadata, arg.Metadata)
			return 1, nil
		}
	}
	return 0, nil
}

func merge(base, patch []byte) []byte {
	out := map[string]any{}
	_ = json.Unmarshal(base, &out)
	var extra map[string]any
	_ = json.Unmarshal(patch, &extra)
	for k, v := range extra {
		out[k] = v
	}
	b, _ := json.Marshal(out)
	return b
}

type stubIssuer struct {
	outcome payment.Outcome
	calls   []payment.InvoiceRequest
	// during runs while the invoice is in flight.
	during func()
}

func (s *stubIssuer) Issue(_ context.Context, req payment.InvoiceRequest) payment.Outcome {
	s.calls = append(s.calls, req)
	if s.during != nil {
		s.during()
	}
	return s.outcome
}

func newService(store *memoryOrders, issuer *stubIssuer) *checkout.Service {
	return &checkout.Service{
		Store:  store,
		Issuer: issuer,
		Tokens: order.Tokens{Secret: []byte("secret"), TTL: time.Hour},
		Config: checkout.Config{
			Price:             decimal.RequireFromString("12.99"),
			Currency:          "USD",
			ReturnURL:         "https://shop.example/success",
			CallbackURL:       "https://api.example/api/v1/webhooks/cryptomus",
			GumroadProductURL: "https://learnforless.gumroad.com/l/bundle",
		},
		Logger: zerolog.Nop(),
	}
}

func issued() *stubIssuer {
	return &stubIssuer{outcome: payment.Outcome{
		Kind:    payment.OutcomeIssued,
		Invoice: payment.Invoice{ID: "inv-1", PaymentURL: "https://pay.cryptomus.com/pay/inv-1", Status: "check"},
	}}
}

func requireAppError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, status, appErr.HTTPStatus)
	require.Equal(t, code, appErr.Code)
}

func TestCreateIssuesInvoice(t *testing.T) {
	store := &memoryOrders{}
	issuer := issued()
	svc := newService(store, issuer)

	out, err := svc.Create(context.Background(), checkout.Input{Email: "Buyer@Example.com ", Provider: "cryptomus", OrderID: "ord-1"})
	require.NoError(t, err)
	require.Equal(t, "ord-1", out.Reference)
	require.Equal(t, "pending", out.Status)
	require.Equal(t, "https://pay.cryptomus.com/pay/inv-1", out.PaymentURL)
	require.False(t, out.Fallback)
	require.NotEmpty(t, out.AccessToken)

	sub, err := order.Tokens{Secret: []byte("secret")}.Verify(out.AccessToken)
	require.NoError(t, err)
	require.Equal(t, out.OrderID, sub)

	require.Len(t, issuer.calls, 1)
	req := issuer.calls[0]
	require.Equal(t, "12.99", req.Amount)
	require.Equal(t, "USD", req.Currency)
	require.Equal(t, "ord-1", req.OrderID)
	require.Equal(t, "https://shop.example/success?order_id=ord-1", req.ReturnURL)
	require.Equal(t, "buyer@example.com", req.Email)

	require.Len(t, store.orders, 1)
	require.Equal(t, "inv-1", store.orders[0].PaymentID.String)
}

func TestCreateGeneratesReference(t *testing.T) {
	out, err := newService(&memoryOrders{}, issued()).Create(context.Background(), checkout.Input{Email: "a@b.co", Provider: "cryptomus"})
	require.NoError(t, err)
	require.Len(t, out.Reference, 36)
}

func TestCreateReusesOpenOrder(t *testing.T) {
	store := &memoryOrders{}
	issuer := issued()
	svc := newService(store, issuer)

	first, err := svc.Create(context.Background(), checkout.Input{Email: "a@b.co", Provider: "cryptomus", OrderID: "ord-1"})
	require.NoError(t, err)
	second, err := svc.Create(context.Background(), checkout.Input{Email: "a@b.co", Provider: "cryptomus", OrderID: "ord-1"})
	require.NoError(t, err)
	require.True(t, second.Reused)
	require.Equal(t, first.OrderID, second.OrderID)
	require.Equal(t, first.PaymentURL, second.PaymentURL)
	require.Len(t, issuer.calls, 1)
	require.Len(t, store.orders, 1)
}

func TestCreateFallback(t *testing.T) {
	store := &memoryOrders{}
	issuer := &stubIssuer{outcome: payment.Outcome{
		Kind:        payment.OutcomeFallback,
		FallbackURL: "https://shop.example/pay?amount=12.99&currency=USD&order=ord-1",
		Err:         &payment.InvoiceCreationError{Message: "provider timeout"},
	}}
	out, err := newService(store, issuer).Create(context.Background(), checkout.Input{Email: "a@b.co", Provider: "cryptomus", OrderID: "ord-1"})
	require.NoError(t, err)
	require.True(t, out.Fallback)
	require.Equal(t, "pending", out.Status)
	require.Equal(t, "https://shop.example/pay?amount=12.99&currency=USD&order=ord-1", out.PaymentURL)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(store.orders[0].Metadata, &meta))
	require.Contains(t, meta["issue_error"], "provider timeout")
}

func TestCreateFailedIssuanceMarksOrderFailed(t *testing.T) {
	store := &memoryOrders{}
	issuer := &stubIssuer{outcome: payment.Outcome{
		Kind: payment.OutcomeFailed,
		Err:  &payment.InvoiceCreationError{StatusCode: 500, Message: "boom"},
	}}
	_, err := newService(store, issuer).Create(context.Background(), checkout.Input{Email: "a@b.co", Provider: "cryptomus", OrderID: "ord-1"})
	requireAppError(t, err, http.StatusBadGateway, "PAYMENT_UNAVAILABLE")
	require.Equal(t, db.OrderStatusFailed, store.orders[0].Status)

	issuer.outcome = payment.Outcome{Kind: payment.OutcomeFailed, Err: &payment.ValidationError{Field: "url_return", Message: "is required"}}
	_, err = newService(store, issuer).Create(context.Background(), checkout.Input{Email: "a@b.co", Provider: "cryptomus", OrderID: "ord-1"})
	requireAppError(t, err, http.StatusBadRequest, "VALIDATION_ERROR")
	require.Len(t, store.orders, 2)
}

func TestCreateGumroad(t *testing.T) {
	store := &memoryOrders{}
	issuer := issued()
	out, err := newService(store, issuer).Create(context.Background(), checkout.Input{Email: "a@b.co", Provider: "gumroad", OrderID: "ord-9"})
	require.NoError(t, err)
	require.Equal(t, "https://learnforless.gumroad.com/l/bundle?order_id=ord-9", out.PaymentURL)
	require.Equal(t, "gumroad", out.Provider)
	require.Empty(t, issuer.calls)
}

func TestCreateValidation(t *testing.T) {
	svc := newService(&memoryOrders{}, issued())
	cases := []checkout.Input{
		{Provider: "cryptomus"},
		{Email: "not-an-email", Provider: "cryptomus"},
		{Email: "a@b.co", Provider: "paypal"},
		{Email: "a@b.co", Provider: "cryptomus", Amount: "1.00"},
		{Email: "a@b.co", Provider: "cryptomus", Currency: "EUR"},
		{Email: "a@b.co", Provider: "cryptomus", OrderID: "has spaces"},
	}
	for _, in := range cases {
		_, err := svc.Create(context.Background(), in)
		requireAppError(t, err, http.StatusBadRequest, "VALIDATION_ERROR")
	}
	_, err := svc.Create(context.Background(), checkout.Input{Email: "a@b.co", Provider: "cryptomus", Amount: "12.990", Currency: "usd"})
	require.NoError(t, err)
}

func TestCreateConcurrentReference(t *testing.T) {
	store := &memoryOrders{createErr: &pgconn.PgError{Code: "23505"}}
	_, err := newService(store, issued()).Create(context.Background(), checkout.Input{Email: "a@b.co", Provider: "cryptomus", OrderID: "ord-1"})
	requireAppError(t, err, http.StatusConflict, "CHECKOUT_IN_PROGRESS")

	store.createErr = errors.New("db down")
	_, err = newService(store, issued()).Create(context.Background(), checkout.Input{Email: "a@b.co", Provider: "cryptomus", OrderID: "ord-1"})
	require.Error(t, err)
	require.False(t, common.IsAppError(err))
}

func TestCreateReportsOrderClosedDuringIssue(t *testing.T) {
	store := &memoryOrders{}
	issuer := issued()
	issuer.during = func() {
		store.mu.Lock()
		defer store.mu.Unlock()
		store.orders[0].Status = db.OrderStatusCompleted
	}

	out, err := newService(store, issuer).Create(context.Background(), checkout.Input{Email: "a@b.co", Provider: "cryptomus", OrderID: "ord-1"})
	require.NoError(t, err)
	require.Equal(t, "completed", out.Status)
	require.Empty(t, out.PaymentURL)
	require.False(t, store.orders[0].PaymentID.Valid)
}

func TestCreateFallbackReportsOrderClosedDuringIssue(t *testing.T) {
	store := &memoryOrders{}
	issuer := &stubIssuer{outcome: payment.Outcome{Kind: payment.OutcomeFallback, FallbackURL: "https://shop.example/pay?order=ord-1", Err: errors.New("down")}}
	issuer.during = func() {
		store.mu.Lock()
		defer store.mu.Unlock()
		store.orders[0].Status = db.OrderStatusFailed
	}

	out, err := newService(store, issuer).Create(context.Background(), checkout.Input{Email: "a@b.co", Provider: "cryptomus", OrderID: "ord-1"})
	require.NoError(t, err)
	require.Equal(t, "failed", out.Status)
	require.False(t, out.Fallback)
	require.Empty(t, out.PaymentURL)
}
