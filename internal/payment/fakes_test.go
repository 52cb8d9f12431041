package payment_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/bundle-checkout/internal/db"
	"github.com/noah-isme/bundle-checkout/internal/payment"
)

const testAPIKey = "test-key"

var errTransient = errors.New("connection reset")

// memoryStore mirrors the conditional update and the (order, topic) outbox
// uniqueness of the Postgres store.
type memoryStore struct {
	mu       sync.Mutex
	orders   map[pgtype.UUID]*db.Order
	events   []db.OrderEvent
	logs     []payment.Notification
	marked   []pgtype.UUID
	failNext error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{orders: map[pgtype.UUID]*db.Order{}}
}

func (s *memoryStore) addOrder(reference, paymentID string, status db.OrderStatus) db.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, _ := json.Marshal(map[string]string{"order_id": reference})
	o := &db.Order{
		ID:        db.NewUUID(),
		Email:     "buyer@example.com",
		Provider:  db.PaymentProviderCryptomus,
		PaymentID: pgtype.Text{String: paymentID, Valid: paymentID != ""},
		Amount:    decimal.RequireFromString("12.99"),
		Currency:  "USD",
		Status:    status,
		Metadata:  meta,
	}
	s.orders[o.ID] = o
	return *o
}

func (s *memoryStore) order(id pgtype.UUID) db.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.orders[id]
}

func (s *memoryStore) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *memoryStore) GetOrderByPaymentID(_ context.Context, paymentID string) (db.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.PaymentID.Valid && o.PaymentID.String == paymentID {
			return *o, nil
		}
	}
	return db.Order{}, pgx.ErrNoRows
}

func (s *memoryStore) GetOrderByReference(_ context.Context, reference string) (db.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		var meta map[string]any
		_ = json.Unmarshal(o.Metadata, &meta)
		if meta["order_id"] == reference {
			return *o, nil
		}
	}
	return db.Order{}, pgx.ErrNoRows
}

func (s *memoryStore) Transition(_ context.Context, t payment.Transition) (payment.TransitionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return payment.TransitionResult{}, err
	}
	o, ok := s.orders[t.OrderID]
	if !ok {
		return payment.TransitionResult{}, pgx.ErrNoRows
	}
	allowed := false
	for _, from := range t.AllowedFrom {
		if o.Status == from {
			allowed = true
		}
	}
	if !allowed {
		return payment.TransitionResult{Status: o.Status}, nil
	}
	o.Status = t.To
	o.Metadata = mergeJSON(o.Metadata, t.Metadata)
	if !o.PaymentID.Valid && t.PaymentID != "" {
		o.PaymentID = pgtype.Text{String: t.PaymentID, Valid: true}
	}
	res := payment.TransitionResult{Applied: true, Status: t.To}
	if t.Event == nil {
		return res, nil
	}
	for _, ev := range s.events {
		if ev.OrderID == t.OrderID && ev.Topic == t.Event.Topic {
			return res, nil
		}
	}
	ev := db.OrderEvent{ID: db.NewUUID(), OrderID: t.OrderID, Topic: t.Event.Topic, Payload: t.Event.Payload}
	s.events = append(s.events, ev)
	res.Event = &ev
	return res, nil
}

func (s *memoryStore) Record(_ context.Context, n payment.Notification) (pgtype.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, n)
	return db.NewUUID(), nil
}

func (s *memoryStore) MarkProcessed(_ context.Context, id pgtype.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, id)
	return nil
}

func mergeJSON(base, patch []byte) []byte {
	merged := map[string]any{}
	_ = json.Unmarshal(base, &merged)
	var extra map[string]any
	_ = json.Unmarshal(patch, &extra)
	for k, v := range extra {
		merged[k] = v
	}
	out, _ := json.Marshal(merged)
	return out
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []db.OrderEvent
	err       error
}

func (p *recordingPublisher) Publish(_ context.Context, ev db.OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, ev)
	return p.err
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}
