package payment

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/bundle-checkout/internal/obs"
)

// InvoiceCreator is the raw issuance contract. *Cryptomus implements it.
type InvoiceCreator interface {
	CreateInvoice(ctx context.Context, req InvoiceRequest) (Invoice, error)
}

// OutcomeKind tells the caller which branch issuance took.
type OutcomeKind string

const (
	OutcomeIssued   OutcomeKind = "issued"
	OutcomeFallback OutcomeKind = "fallback"
	OutcomeFailed   OutcomeKind = "failed"
)

// Outcome is the result of Issue. Invoice is set for OutcomeIssued,
// FallbackURL for OutcomeFallback and Err for both OutcomeFallback (the
// provider failure that triggered it) and OutcomeFailed.
type Outcome struct {
	Kind        OutcomeKind
	Invoice     Invoice
	FallbackURL string
	Err         error
}

// PaymentURL returns the URL the customer should be sent to, if any.
func (o Outcome) PaymentURL() string {
	switch o.Kind {
	case OutcomeIssued:
		return o.Invoice.PaymentURL
	case OutcomeFallback:
		return o.FallbackURL
	default:
		return ""
	}
}

// Issuer applies the fallback policy on top of an InvoiceCreator.
type Issuer struct {
	Creator         InvoiceCreator
	Provider        string
	FallbackBaseURL string
	// FallbackRecipient is the wallet address the static payment page asks
	// the buyer to pay. Optional.
	FallbackRecipient string
	Logger            zerolog.Logger
}

// Issue never returns a usable URL silently: a provider failure yields either
// an explicit fallback (only for InvoiceCreationError and only when a base
// URL is configured) or a failure. Validation errors always fail.
func (i Issuer) Issue(ctx context.Context, req InvoiceRequest) (out Outcome) {
	provider := i.Provider
	if provider == "" {
		provider = ProviderCryptomus
	}
	defer func() {
		obs.Inc(obs.InvoiceIssueTotal, provider, string(out.Kind))
	}()
	if i.Creator == nil {
		return Outcome{Kind: OutcomeFailed, Err: &ConfigurationError{Key: "invoice creator"}}
	}
	invoice, err := i.Creator.CreateInvoice(ctx, req)
	if err == nil {
		return Outcome{Kind: OutcomeIssued, Invoice: invoice}
	}
	var creationErr *InvoiceCreationError
	if !errors.As(err, &creationErr) {
		return Outcome{Kind: OutcomeFailed, Err: err}
	}
	fallback := FallbackURL(i.FallbackBaseURL, i.FallbackRecipient, req)
	if fallback == "" {
		return Outcome{Kind: OutcomeFailed, Err: err}
	}
	i.Logger.Warn().Err(err).Str("order_ref", req.OrderID).Msg("invoice_fallback_used")
	return Outcome{Kind: OutcomeFallback, FallbackURL: fallback, Err: err}
}

// FallbackURL builds the static payment page URL for req, or "" when base is
// empty or unparsable. A non-empty recipient is passed as "to".
func FallbackURL(base, recipient string, req InvoiceRequest) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	q := u.Query()
	q.Set("amount", strings.TrimSpace(req.Amount))
	q.Set("currency", strings.ToUpper(strings.TrimSpace(req.Currency)))
	q.Set("order", req.OrderID)
	if recipient = strings.TrimSpace(recipient); recipient != "" {
		q.Set("to", recipient)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
