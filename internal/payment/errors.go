package payment

import (
	"fmt"
	"strings"
)

// ValidationError reports a caller-fixable problem with an invoice request.
// No network call is attempted when it is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field == "" {
		return "payment: invalid request: " + e.Message
	}
	return fmt.Sprintf("payment: invalid %s: %s", e.Field, e.Message)
}

// ConfigurationError reports missing provider credentials or settings.
type ConfigurationError struct {
	Key string
}

func (e *ConfigurationError) Error() string {
	if e == nil {
		return ""
	}
	return "payment: missing configuration " + e.Key
}

// InvoiceCreationError wraps a provider or transport failure during issuance.
type InvoiceCreationError struct {
	Message    string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *InvoiceCreationError) Error() string {
	if e == nil {
		return ""
	}
	parts := []string{"payment: invoice creation failed"}
	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status %d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *InvoiceCreationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// OrderNotFoundError is returned when a notification matches no local order.
type OrderNotFoundError struct {
	PaymentID string
	Reference string
}

func (e *OrderNotFoundError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("payment: no order for uuid %q or order_id %q", e.PaymentID, e.Reference)
}

// SignatureMismatchError is a security event: the payload must not be applied.
type SignatureMismatchError struct {
	Provider string
	Reason   string
}

func (e *SignatureMismatchError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason == "" {
		return "payment: signature mismatch for " + e.Provider
	}
	return fmt.Sprintf("payment: signature mismatch for %s: %s", e.Provider, e.Reason)
}
