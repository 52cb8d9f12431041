package order

import "github.com/noah-isme/bundle-checkout/internal/db"

// allowedFrom lists, per target status, the statuses an order may leave to
// reach it. Terminal statuses never appear as a source.
var allowedFrom = map[db.OrderStatus][]db.OrderStatus{
	db.OrderStatusProcessing: {db.OrderStatusPending},
	db.OrderStatusCompleted:  {db.OrderStatusPending, db.OrderStatusProcessing},
	db.OrderStatusFailed:     {db.OrderStatusPending, db.OrderStatusProcessing},
}

// IsTerminal reports whether s absorbs every later update.
func IsTerminal(s db.OrderStatus) bool {
	return s == db.OrderStatusCompleted || s == db.OrderStatusFailed
}

// IsKnown reports whether s is one of the four lifecycle statuses.
func IsKnown(s db.OrderStatus) bool {
	switch s {
	case db.OrderStatusPending, db.OrderStatusProcessing, db.OrderStatusCompleted, db.OrderStatusFailed:
		return true
	default:
		return false
	}
}

// AllowedFrom returns the source statuses from which to is reachable.
func AllowedFrom(to db.OrderStatus) []db.OrderStatus {
	src := allowedFrom[to]
	out := make([]db.OrderStatus, len(src))
	copy(out, src)
	return out
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to db.OrderStatus) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// StatusStrings converts statuses for use as a text[] query argument.
func StatusStrings(statuses []db.OrderStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
