package order_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/bundle-checkout/internal/db"
	"github.com/noah-isme/bundle-checkout/internal/order"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to db.OrderStatus
		want     bool
	}{
		{db.OrderStatusPending, db.OrderStatusProcessing, true},
		{db.OrderStatusPending, db.OrderStatusCompleted, true},
		{db.OrderStatusPending, db.OrderStatusFailed, true},
		{db.OrderStatusProcessing, db.OrderStatusCompleted, true},
		{db.OrderStatusProcessing, db.OrderStatusFailed, true},
		{db.OrderStatusProcessing, db.OrderStatusProcessing, false},
		{db.OrderStatusProcessing, db.OrderStatusPending, false},
		{db.OrderStatusCompleted, db.OrderStatusFailed, false},
		{db.OrderStatusCompleted, db.OrderStatusProcessing, false},
		{db.OrderStatusFailed, db.OrderStatusCompleted, false},
		{db.OrderStatusFailed, db.OrderStatusPending, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, order.CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminalStatuses(t *testing.T) {
	require.True(t, order.IsTerminal(db.OrderStatusCompleted))
	require.True(t, order.IsTerminal(db.OrderStatusFailed))
	require.False(t, order.IsTerminal(db.OrderStatusPending))
	require.False(t, order.IsTerminal(db.OrderStatusProcessing))
}

func TestAllowedFromReturnsCopy(t *testing.T) {
	from := order.AllowedFrom(db.OrderStatusCompleted)
	from[0] = db.OrderStatusFailed
	require.Equal(t, []db.OrderStatus{db.OrderStatusPending, db.OrderStatusProcessing}, order.AllowedFrom(db.OrderStatusCompleted))
	require.Equal(t, []string{"pending", "processing"}, order.StatusStrings(order.AllowedFrom(db.OrderStatusFailed)))
}
