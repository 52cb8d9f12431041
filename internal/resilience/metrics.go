package resilience

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors for calls to payment providers, labelled by target so each
// provider's breaker is read on its own.
var (
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "checkout",
		Subsystem: "provider",
		Name:      "breaker_state",
		Help:      "Breaker state per provider: 0 closed, 1 open, 2 half-open.",
	}, []string{"target"})
	BreakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Subsystem: "provider",
		Name:      "breaker_transitions_total",
		Help:      "Breaker state changes per provider.",
	}, []string{"target", "from", "to"})
	BreakerOpenedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Subsystem: "provider",
		Name:      "breaker_opened_total",
		Help:      "Times a provider breaker opened and sent checkouts to the fallback link.",
	}, []string{"target"})
	RetryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Subsystem: "provider",
		Name:      "retries_total",
		Help:      "Provider calls retried, by cause.",
	}, []string{"target", "reason"})
)

func init() {
	prometheus.MustRegister(BreakerState, BreakerTransitions, BreakerOpenedTotal, RetryAttempts)
}

// retryReason labels why an attempt is being retried.
func retryReason(resp *http.Response, err error) string {
	if err != nil || resp == nil {
		return "transport"
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return "server_error"
	}
	return "other"
}
