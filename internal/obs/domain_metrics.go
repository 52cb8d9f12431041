package obs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	domainOnce sync.Once

	// InvoiceIssueTotal counts invoice issuance outcomes (issued, fallback, failed).
	InvoiceIssueTotal *prometheus.CounterVec
	// PaymentWebhookTotal counts inbound payment webhook processing outcomes.
	PaymentWebhookTotal *prometheus.CounterVec
	// OrderTransitionTotal counts applied order status transitions.
	OrderTransitionTotal *prometheus.CounterVec
	// OutboxPublishTotal counts order events handed to the task queue.
	OutboxPublishTotal *prometheus.CounterVec
	// NotificationTotal counts customer notifications by topic and outcome.
	NotificationTotal *prometheus.CounterVec
	// ReconcileLatency records webhook reconciliation latency in milliseconds.
	ReconcileLatency prometheus.Histogram
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		InvoiceIssueTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoice_issue_total",
			Help:      "Count of invoice issuance outcomes.",
		}, []string{"provider", "result"})
		PaymentWebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Count of processed payment webhooks by outcome.",
		}, []string{"provider", "result"})
		OrderTransitionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transition_total",
			Help:      "Count of applied order status transitions.",
		}, []string{"from", "to"})
		OutboxPublishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_publish_total",
			Help:      "Count of order events published to the task queue.",
		}, []string{"topic", "result"})
		NotificationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_total",
			Help:      "Count of customer notifications by outcome.",
		}, []string{"topic", "result"})
		ReconcileLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_reconcile_duration_ms",
			Help:      "Latency for webhook reconciliation in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		})

		mustRegisterCollector(reg, InvoiceIssueTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				InvoiceIssueTotal = v
			}
		})
		mustRegisterCollector(reg, PaymentWebhookTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentWebhookTotal = v
			}
		})
		mustRegisterCollector(reg, OrderTransitionTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				OrderTransitionTotal = v
			}
		})
		mustRegisterCollector(reg, OutboxPublishTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				OutboxPublishTotal = v
			}
		})
		mustRegisterCollector(reg, NotificationTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				NotificationTotal = v
			}
		})
		mustRegisterCollector(reg, ReconcileLatency, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Histogram); ok {
				ReconcileLatency = v
			}
		})
	})
}

// Inc increments a counter vector when it has been registered.
func Inc(vec *prometheus.CounterVec, labels ...string) {
	if vec == nil {
		return
	}
	vec.WithLabelValues(labels...).Inc()
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}

var reconcileHistogram = sync.OnceValue(func() metric.Float64Histogram {
	h, err := otel.Meter("bundle-checkout/payment").Float64Histogram(
		"payment.reconcile.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Webhook reconciliation latency."),
	)
	if err != nil {
		return nil
	}
	return h
})

// ObserveReconcile records reconciliation latency on both the Prometheus
// histogram and the OpenTelemetry meter.
func ObserveReconcile(ctx context.Context, d time.Duration, outcome string) {
	ms := DurationMillis(d)
	if ReconcileLatency != nil {
		ReconcileLatency.Observe(ms)
	}
	if h := reconcileHistogram(); h != nil {
		h.Record(ctx, ms, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
