package events

import "github.com/noah-isme/bundle-checkout/internal/db"

// Topic constants for order events recorded in the outbox. Each doubles as
// the asynq task type.
const (
	TopicOrderCompleted = "order.completed"
	TopicOrderFailed    = "order.failed"
)

// DefaultTopics returns the topics that have customer notifications.
func DefaultTopics() []string {
	return []string{TopicOrderCompleted, TopicOrderFailed}
}

// TopicForStatus returns the event topic recorded when an order enters s.
func TopicForStatus(s db.OrderStatus) (string, bool) {
	switch s {
	case db.OrderStatusCompleted:
		return TopicOrderCompleted, true
	case db.OrderStatusFailed:
		return TopicOrderFailed, true
	default:
		return "", false
	}
}

// OrderPayload is the JSON body of an order event.
type OrderPayload struct {
	OrderID   string `json:"order_id"`
	Reference string `json:"reference"`
	Email     string `json:"email"`
	Status    string `json:"status"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	PaymentID string `json:"payment_id,omitempty"`
	Provider  string `json:"provider"`
}
