package payment

import (
	"strings"

	"github.com/noah-isme/bundle-checkout/internal/db"
)

// Notification is an authenticated provider callback.
type Notification struct {
	Provider  string
	Type      string
	UUID      string
	OrderID   string
	Status    string
	Amount    string
	Currency  string
	Signature string
	// Body is the request body exactly as received.
	Body []byte
}

// TargetStatus maps a provider payment status to the order status it drives.
// ok is false for statuses that must be acknowledged without a transition.
func TargetStatus(providerStatus string) (db.OrderStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "paid", "paid_over":
		return db.OrderStatusCompleted, true
	case "cancel", "fail", "wrong_amount", "system_fail":
		return db.OrderStatusFailed, true
	case "process", "check", "confirm_check":
		return db.OrderStatusProcessing, true
	default:
		return "", false
	}
}
