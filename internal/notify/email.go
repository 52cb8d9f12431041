package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/bundle-checkout/internal/events"
	"github.com/noah-isme/bundle-checkout/internal/obs"
)

// EmailNotifier sends the customer email for an order event. It is registered
// as the asynq handler for every topic in events.DefaultTopics.
type EmailNotifier struct {
	Mail         Mailer
	Enabled      bool
	DownloadURL  string
	SupportEmail string
	TopicToggles map[string]bool
	Sent         Ledger
	SentTTL      time.Duration
	Logger       zerolog.Logger
}

// ProcessTask implements asynq.Handler.
func (n EmailNotifier) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload events.OrderPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		obs.Inc(obs.NotificationTotal, t.Type(), "invalid")
		return fmt.Errorf("notify: decode %s: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return n.Notify(ctx, t.Type(), payload)
}

// Notify sends at most one email per (topic, order) within the replay window.
func (n EmailNotifier) Notify(ctx context.Context, topic string, payload events.OrderPayload) error {
	logger := n.Logger.With().Str("topic", topic).Str("order_id", payload.OrderID).Logger()
	if !n.Enabled || n.Mail == nil {
		obs.Inc(obs.NotificationTotal, topic, "disabled")
		return nil
	}
	if n.TopicToggles != nil {
		if enabled, ok := n.TopicToggles[topic]; ok && !enabled {
			obs.Inc(obs.NotificationTotal, topic, "disabled")
			return nil
		}
	}
	to := strings.TrimSpace(payload.Email)
	if to == "" {
		obs.Inc(obs.NotificationTotal, topic, "no_recipient")
		logger.Warn().Msg("notification_without_recipient")
		return nil
	}
	subject, body, ok := n.render(topic, payload)
	if !ok {
		obs.Inc(obs.NotificationTotal, topic, "unknown_topic")
		return nil
	}

	if n.Sent != nil {
		ttl := n.SentTTL
		if ttl <= 0 {
			ttl = 7 * 24 * time.Hour
		}
		fresh, err := n.Sent.Claim(ctx, topic, payload.OrderID, ttl)
		if err != nil {
			return fmt.Errorf("notify: replay guard: %w", err)
		}
		if !fresh {
			obs.Inc(obs.NotificationTotal, topic, "duplicate")
			logger.Info().Msg("notification_already_sent")
			return nil
		}
	}
	msg := Message{Topic: topic, OrderID: payload.OrderID, To: to, Subject: subject, HTML: body}
	if err := n.Mail.Send(ctx, msg); err != nil {
		if n.Sent != nil {
			_ = n.Sent.Release(context.WithoutCancel(ctx), topic, payload.OrderID)
		}
		obs.Inc(obs.NotificationTotal, topic, "error")
		return fmt.Errorf("notify: send %s: %w", topic, err)
	}
	obs.Inc(obs.NotificationTotal, topic, "sent")
	logger.Info().Msg("notification_sent")
	return nil
}

func (n EmailNotifier) render(topic string, p events.OrderPayload) (string, string, bool) {
	ref := html.EscapeString(firstNonEmpty(p.Reference, p.OrderID))
	amount := html.EscapeString(strings.TrimSpace(p.Amount + " " + p.Currency))
	switch topic {
	case events.TopicOrderCompleted:
		var b strings.Builder
		b.WriteString("<p>Thanks for your purchase! Your payment has been confirmed.</p>")
		fmt.Fprintf(&b, "<p>Order: %s<br>Amount: %s</p>", ref, amount)
		if n.DownloadURL != "" {
			fmt.Fprintf(&b, `<p><a href="%s">Access your course bundle</a></p>`, html.EscapeString(n.DownloadURL))
		}
		return "Your course bundle is ready", b.String(), true
	case events.TopicOrderFailed:
		var b strings.Builder
		b.WriteString("<p>We could not confirm the payment for your order.</p>")
		fmt.Fprintf(&b, "<p>Order: %s<br>Amount: %s</p>", ref, amount)
		b.WriteString("<p>No access was granted. You can start a new checkout at any time.</p>")
		if n.SupportEmail != "" {
			fmt.Fprintf(&b, "<p>Questions? Contact %s.</p>", html.EscapeString(n.SupportEmail))
		}
		return "Your payment was not completed", b.String(), true
	default:
		return "", "", false
	}
}

// NewServeMux routes every order event topic to the notifier.
func NewServeMux(n EmailNotifier) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	for _, topic := range events.DefaultTopics() {
		mux.Handle(topic, n)
	}
	return mux
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
