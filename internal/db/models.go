package db

import (
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusFailed     OrderStatus = "failed"
)

type PaymentProvider string

const (
	PaymentProviderCryptomus PaymentProvider = "cryptomus"
	PaymentProviderGumroad   PaymentProvider = "gumroad"
)

type Order struct {
	ID        pgtype.UUID
	Email     string
	Provider  PaymentProvider
	PaymentID pgtype.Text
	Amount    decimal.Decimal
	Currency  string
	Status    OrderStatus
	Metadata  []byte
	CreatedAt pgtype.Timestamptz
	UpdatedAt pgtype.Timestamptz
}

type OrderEvent struct {
	ID          pgtype.UUID
	OrderID     pgtype.UUID
	Topic       string
	Payload     []byte
	CreatedAt   pgtype.Timestamptz
	PublishedAt pgtype.Timestamptz
}

type WebhookLog struct {
	ID         pgtype.UUID
	Provider   string
	EventType  string
	Payload    string
	Signature  pgtype.Text
	Processed  bool
	ReceivedAt pgtype.Timestamptz
}
