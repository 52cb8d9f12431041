package notify

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Message is one customer email about an order.
type Message struct {
	Topic   string
	OrderID string
	To      string
	Subject string
	HTML    string
}

// Mailer delivers customer email.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes outgoing email to the structured log instead of
// delivering it. Until a mail transport is configured, this is the only
// sender and no email leaves the process.
type LogSender struct {
	From   string
	Logger zerolog.Logger
}

func (s LogSender) Send(_ context.Context, msg Message) error {
	s.Logger.Info().
		Str("from", s.From).
		Str("to", msg.To).
		Str("topic", msg.Topic).
		Str("order_id", msg.OrderID).
		Str("subject", msg.Subject).
		Int("bytes", len(msg.HTML)).
		Msg("email_logged")
	return nil
}

// Outbox keeps sent messages in memory. It is safe for concurrent use by
// worker goroutines.
type Outbox struct {
	mu   sync.Mutex
	sent []Message
}

func (o *Outbox) Send(_ context.Context, msg Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, msg)
	return nil
}

// Sent returns a copy of the messages sent so far.
func (o *Outbox) Sent() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Message, len(o.sent))
	copy(out, o.sent)
	return out
}
