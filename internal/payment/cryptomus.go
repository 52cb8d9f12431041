package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"regexp"
	"sort"
	"strings"

	validator "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/bundle-checkout/internal/resilience"
)

const (
	ProviderCryptomus = "cryptomus"

	DefaultCryptomusBaseURL = "https://api.cryptomus.com"
	DefaultInvoiceLifetime  = 7200
	DefaultSubtract         = 100
	DefaultDescription      = "LearnforLess Course Bundle Payment"

	maxResponseBytes = 1 << 20
)

// Doer executes outbound requests. resilience.HTTPClient implements it.
type Doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// InvoiceRequest describes one purchase to be invoiced.
type InvoiceRequest struct {
	Amount         string `json:"amount" validate:"required,positive_amount"`
	Currency       string `json:"currency" validate:"required,alpha,min=3,max=10"`
	OrderID        string `json:"order_id" validate:"required,order_ref"`
	ReturnURL      string `json:"url_return" validate:"required,http_url"`
	CallbackURL    string `json:"url_callback" validate:"required,http_url"`
	Email          string `json:"email" validate:"omitempty,email"`
	AdditionalData string `json:"additional_data" validate:"max=255"`
}

// Invoice is the provider's answer to a successful issuance.
type Invoice struct {
	ID         string `json:"id"`
	OrderID    string `json:"order_id"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	PaymentURL string `json:"payment_url"`
	Status     string `json:"status"`
}

// CryptomusConfig holds merchant credentials and invoice policy.
type CryptomusConfig struct {
	BaseURL     string
	MerchantID  string
	APIKey      string
	Lifetime    int
	Subtract    int
	Description string
}

// Cryptomus issues invoices against the Cryptomus merchant API and verifies
// its callbacks.
type Cryptomus struct {
	cfg      CryptomusConfig
	http     Doer
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewCryptomus validates credentials up front so misconfiguration fails at boot.
func NewCryptomus(cfg CryptomusConfig, doer Doer, logger zerolog.Logger) (*Cryptomus, error) {
	cfg.MerchantID = strings.TrimSpace(cfg.MerchantID)
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.MerchantID == "" {
		return nil, &ConfigurationError{Key: "CRYPTOMUS_MERCHANT_ID"}
	}
	if cfg.APIKey == "" {
		return nil, &ConfigurationError{Key: "CRYPTOMUS_API_KEY"}
	}
	if doer == nil {
		return nil, &ConfigurationError{Key: "http client"}
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultCryptomusBaseURL
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultInvoiceLifetime
	}
	if cfg.Subtract < 0 || cfg.Subtract > 100 {
		cfg.Subtract = DefaultSubtract
	}
	if strings.TrimSpace(cfg.Description) == "" {
		cfg.Description = DefaultDescription
	}
	return &Cryptomus{
		cfg:      cfg,
		http:     doer,
		validate: NewValidator(),
		logger:   logger.With().Str("provider", ProviderCryptomus).Logger(),
	}, nil
}

var orderRefPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// NewValidator returns a validator with the payment-specific rules registered
// and field names reported by their json tag.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("positive_amount", func(fl validator.FieldLevel) bool {
		amount, err := decimal.NewFromString(strings.TrimSpace(fl.Field().String()))
		return err == nil && amount.IsPositive()
	})
	_ = v.RegisterValidation("order_ref", func(fl validator.FieldLevel) bool {
		return orderRefPattern.MatchString(fl.Field().String())
	})
	return v
}

// Validate checks req without any I/O.
func (c *Cryptomus) Validate(req InvoiceRequest) error {
	return validateWith(c.validate, req)
}

func validateWith(v *validator.Validate, req any) error {
	err := v.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &ValidationError{Field: fe.Field(), Message: describeRule(fe)}
	}
	return &ValidationError{Message: err.Error()}
}

func describeRule(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "positive_amount":
		return "must be a positive decimal"
	case "order_ref":
		return "must be 1-128 letters, digits, '-' or '_'"
	case "http_url":
		return "must be an absolute http(s) url"
	case "email":
		return "must be a valid email address"
	case "alpha":
		return "must contain letters only"
	case "min", "max":
		return fmt.Sprintf("length must satisfy %s=%s", fe.Tag(), fe.Param())
	default:
		return "failed " + fe.Tag()
	}
}

// Payload builds the ordered request object sent to the provider.
func (c *Cryptomus) Payload(req InvoiceRequest) Payload {
	return Payload{
		{Key: "amount", Value: strings.TrimSpace(req.Amount)},
		{Key: "currency", Value: strings.ToUpper(strings.TrimSpace(req.Currency))},
		{Key: "order_id", Value: req.OrderID},
		{Key: "url_return", Value: req.ReturnURL},
		{Key: "url_callback", Value: req.CallbackURL},
		{Key: "is_payment_multiple", Value: false},
		{Key: "lifetime", Value: c.cfg.Lifetime},
		{Key: "subtract", Value: c.cfg.Subtract},
		{Key: "accuracy", Value: "default"},
		{Key: "additional_data", Value: req.AdditionalData},
		{Key: "description", Value: c.cfg.Description},
	}
}

type cryptomusResponse struct {
	State   *int            `json:"state"`
	Message string          `json:"message"`
	Errors  json.RawMessage `json:"errors"`
	Result  *struct {
		UUID          string `json:"uuid"`
		OrderID       string `json:"order_id"`
		Amount        string `json:"amount"`
		Currency      string `json:"currency"`
		URL           string `json:"url"`
		Status        string `json:"status"`
		PaymentStatus string `json:"payment_status"`
	} `json:"result"`
}

// CreateInvoice signs and submits req. The body sent is exactly the signed
// canonical bytes. Local state is never touched.
func (c *Cryptomus) CreateInvoice(ctx context.Context, req InvoiceRequest) (Invoice, error) {
	ctx, span := otel.Tracer("payment.Cryptomus").Start(ctx, "Cryptomus.CreateInvoice")
	defer span.End()
	span.SetAttributes(attribute.String("order.reference", req.OrderID))

	if err := c.Validate(req); err != nil {
		span.SetStatus(codes.Error, "validation")
		return Invoice{}, err
	}
	body, err := c.Payload(req).Canonical()
	if err != nil {
		return Invoice{}, &InvoiceCreationError{Message: "encode payload", Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/payment", bytes.NewReader(body))
	if err != nil {
		return Invoice{}, &InvoiceCreationError{Message: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("merchant", c.cfg.MerchantID)
	httpReq.Header.Set("sign", Sign(body, c.cfg.APIKey))

	resp, err := c.http.Do(ctx, httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		c.logger.Warn().Err(err).Str("order_ref", req.OrderID).Msg("cryptomus_invoice_transport_error")
		return Invoice{}, &InvoiceCreationError{Message: transportMessage(err), Retryable: true, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Invoice{}, &InvoiceCreationError{StatusCode: resp.StatusCode, Message: "read response", Retryable: true, Err: err}
	}
	var decoded cryptomusResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Invoice{}, &InvoiceCreationError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("unreadable provider response: %s", truncate(string(raw), 200)),
			Retryable:  resp.StatusCode >= http.StatusInternalServerError,
			Err:        err,
		}
	}
	okState := decoded.State != nil && *decoded.State == 0
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !okState || decoded.Result == nil || decoded.Result.URL == "" {
		msg := providerMessage(decoded)
		if msg == "" && decoded.Result != nil && decoded.Result.URL == "" {
			msg = "provider returned no payment url"
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		span.SetStatus(codes.Error, msg)
		c.logger.Warn().Int("status", resp.StatusCode).Str("order_ref", req.OrderID).Str("provider_message", msg).Msg("cryptomus_invoice_rejected")
		return Invoice{}, &InvoiceCreationError{
			StatusCode: resp.StatusCode,
			Message:    msg,
			Retryable:  resp.StatusCode >= http.StatusInternalServerError,
		}
	}

	result := decoded.Result
	status := firstNonEmpty(result.Status, result.PaymentStatus, "pending")
	invoice := Invoice{
		ID:         result.UUID,
		OrderID:    firstNonEmpty(result.OrderID, req.OrderID),
		Amount:     firstNonEmpty(result.Amount, strings.TrimSpace(req.Amount)),
		Currency:   firstNonEmpty(result.Currency, strings.ToUpper(strings.TrimSpace(req.Currency))),
		PaymentURL: result.URL,
		Status:     status,
	}
	span.SetAttributes(attribute.String("payment.invoice_id", invoice.ID))
	c.logger.Info().Str("invoice_id", invoice.ID).Str("order_ref", invoice.OrderID).Msg("cryptomus_invoice_created")
	return invoice, nil
}

// VerifyNotification authenticates a callback body. The signature is taken
// from the sign header when present, otherwise from the body's sign field,
// which is excluded from the signed bytes either way. The canonical form is
// used only for the signature check.
func (c *Cryptomus) VerifyNotification(body []byte, headerSign string) (Notification, error) {
	payload, err := ParsePayload(body)
	if err != nil {
		return Notification{}, &ValidationError{Field: "body", Message: err.Error()}
	}
	provided := strings.TrimSpace(headerSign)
	if provided == "" {
		provided = payload.String("sign")
	}
	if provided == "" {
		return Notification{}, &SignatureMismatchError{Provider: ProviderCryptomus, Reason: "missing signature"}
	}
	unsigned := payload.Without("sign")
	canonical, err := unsigned.Canonical()
	if err != nil {
		return Notification{}, &ValidationError{Field: "body", Message: err.Error()}
	}
	if !VerifySignature(canonical, c.cfg.APIKey, provided) {
		return Notification{}, &SignatureMismatchError{Provider: ProviderCryptomus}
	}
	n := Notification{
		Provider:  ProviderCryptomus,
		Type:      unsigned.String("type"),
		UUID:      unsigned.String("uuid"),
		OrderID:   unsigned.String("order_id"),
		Status:    strings.ToLower(unsigned.String("status")),
		Amount:    scalarString(unsigned, "amount"),
		Currency:  strings.ToUpper(unsigned.String("currency")),
		Signature: provided,
		Body:      body,
	}
	if n.UUID == "" && n.OrderID == "" {
		return Notification{}, &ValidationError{Field: "uuid", Message: "uuid or order_id is required"}
	}
	return n, nil
}

func scalarString(p Payload, key string) string {
	if s := p.String(key); s != "" {
		return s
	}
	v, ok := p.Get(key)
	if !ok {
		return ""
	}
	if raw, ok := v.(json.RawMessage); ok && string(raw) != "null" {
		return string(raw)
	}
	return ""
}

func providerMessage(resp cryptomusResponse) string {
	msg := strings.TrimSpace(resp.Message)
	details := flattenErrors(resp.Errors)
	switch {
	case msg != "" && details != "":
		return msg + " (" + details + ")"
	case msg != "":
		return msg
	default:
		return details
	}
}

func flattenErrors(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var byField map[string][]string
	if err := json.Unmarshal(raw, &byField); err == nil {
		keys := make([]string, 0, len(byField))
		for k := range byField {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+strings.Join(byField[k], ", "))
		}
		return strings.Join(parts, "; ")
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, "; ")
	}
	return truncate(string(raw), 200)
}

func transportMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "provider timeout"
	}
	if errors.Is(err, resilience.ErrOpenCircuit) {
		return "provider temporarily disabled after repeated failures"
	}
	return "provider unreachable"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
