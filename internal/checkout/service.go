package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/bundle-checkout/internal/common"
	"github.com/noah-isme/bundle-checkout/internal/db"
	"github.com/noah-isme/bundle-checkout/internal/order"
	"github.com/noah-isme/bundle-checkout/internal/payment"
)

// Input is the checkout request body.
type Input struct {
	Email          string `json:"email" validate:"required,email,max=254"`
	Provider       string `json:"provider" validate:"required,oneof=cryptomus gumroad"`
	Amount         string `json:"amount" validate:"omitempty,numeric"`
	Currency       string `json:"currency" validate:"omitempty,alpha,min=3,max=10"`
	OrderID        string `json:"order_id" validate:"omitempty,max=128"`
	AdditionalData string `json:"additional_data" validate:"max=255"`
}

// Output is returned for every checkout that produced or reused an order.
type Output struct {
	OrderID     string `json:"order_id"`
	Reference   string `json:"reference"`
	Status      string `json:"status"`
	Provider    string `json:"provider"`
	PaymentURL  string `json:"payment_url"`
	Fallback    bool   `json:"fallback"`
	Reused      bool   `json:"reused"`
	AccessToken string `json:"access_token,omitempty"`
}

// Store is the persistence checkout needs. *db.Queries implements it.
type Store interface {
	GetOpenOrderByReference(ctx context.Context, reference string) (db.Order, error)
	GetOrderByID(ctx context.Context, id pgtype.UUID) (db.Order, error)
	CreateOrder(ctx context.Context, arg db.CreateOrderParams) (db.Order, error)
	AttachOrderPayment(ctx context.Context, arg db.AttachOrderPaymentParams) (int64, error)
	MergeOrderMetadata(ctx context.Context, arg db.MergeOrderMetadataParams) (int64, error)
	TransitionOrderStatus(ctx context.Context, arg db.TransitionOrderStatusParams) (int64, error)
}

// InvoiceIssuer is satisfied by payment.Issuer.
type InvoiceIssuer interface {
	Issue(ctx context.Context, req payment.InvoiceRequest) payment.Outcome
}

// TokenIssuer is satisfied by order.Tokens.
type TokenIssuer interface {
	Issue(orderID string) (string, error)
}

// Config holds the server-side catalogue and redirect settings.
type Config struct {
	Price             decimal.Decimal
	Currency          string
	ReturnURL         string
	CallbackURL       string
	GumroadProductURL string
}

type Service struct {
	Store    Store
	Issuer   InvoiceIssuer
	Tokens   TokenIssuer
	Config   Config
	Logger   zerolog.Logger
	Now      func() time.Time
	validate *validator.Validate
}

var referencePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

func (s *Service) validator() *validator.Validate {
	if s.validate == nil {
		s.validate = payment.NewValidator()
	}
	return s.validate
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Create opens (or reuses) an order for the bundle and returns where the
// customer should pay.
func (s *Service) Create(ctx context.Context, in Input) (Output, error) {
	if s == nil || s.Store == nil {
		return Output{}, common.NewAppError("INTERNAL", "checkout service not configured", http.StatusInternalServerError, nil)
	}
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))
	in.Provider = strings.TrimSpace(strings.ToLower(in.Provider))
	in.OrderID = strings.TrimSpace(in.OrderID)
	if err := s.validator().Struct(in); err != nil {
		return Output{}, validationAppError(err)
	}
	if in.OrderID != "" && !referencePattern.MatchString(in.OrderID) {
		return Output{}, invalidField("order_id", "must be 1-128 letters, digits, '-' or '_'")
	}
	price := s.Config.Price
	if !price.IsPositive() {
		return Output{}, common.NewAppError("PAYMENT_NOT_CONFIGURED", "bundle price not configured", http.StatusInternalServerError, nil)
	}
	currency := strings.ToUpper(strings.TrimSpace(s.Config.Currency))
	if currency == "" {
		currency = "USD"
	}
	if in.Amount != "" {
		requested, err := decimal.NewFromString(in.Amount)
		if err != nil || !requested.Equal(price) {
			return Output{}, invalidField("amount", "does not match the bundle price "+price.StringFixed(2))
		}
	}
	if in.Currency != "" && !strings.EqualFold(in.Currency, currency) {
		return Output{}, invalidField("currency", "must be "+currency)
	}

	reference := in.OrderID
	if reference == "" {
		reference = uuid.NewString()
	} else if existing, ok, err := s.reusable(ctx, reference); err != nil {
		return Output{}, err
	} else if ok {
		return s.output(existing, true)
	}

	meta, _ := json.Marshal(map[string]any{
		"order_id":        reference,
		"additional_data": in.AdditionalData,
		"created_via":     "checkout",
	})
	created, err := s.Store.CreateOrder(ctx, db.CreateOrderParams{
		Email:    in.Email,
		Provider: db.PaymentProvider(in.Provider),
		Amount:   price,
		Currency: currency,
		Status:   db.OrderStatusPending,
		Metadata: meta,
	})
	if err != nil {
		if db.IsUniqueViolation(err) {
			// A concurrent checkout opened the same reference first.
			if existing, ok, lookupErr := s.reusable(ctx, reference); lookupErr == nil && ok {
				return s.output(existing, true)
			}
			return Output{}, common.NewAppError("CHECKOUT_IN_PROGRESS", "an order with this reference is being created", http.StatusConflict, err)
		}
		return Output{}, fmt.Errorf("checkout: create order: %w", err)
	}
	logger := s.Logger.With().Str("order_id", db.UUIDString(created.ID)).Str("order_ref", reference).Str("provider", in.Provider).Logger()
	logger.Info().Msg("order_created")

	switch db.PaymentProvider(in.Provider) {
	case db.PaymentProviderGumroad:
		return s.gumroad(ctx, created, reference, logger)
	default:
		return s.cryptomus(ctx, created, reference, in, logger)
	}
}

func (s *Service) cryptomus(ctx context.Context, created db.Order, reference string, in Input, logger zerolog.Logger) (Output, error) {
	if s.Issuer == nil {
		s.markFailed(ctx, created, "payment provider not configured", logger)
		return Output{}, common.NewAppError("PAYMENT_NOT_CONFIGURED", "payment provider not configured", http.StatusServiceUnavailable, nil)
	}
	outcome := s.Issuer.Issue(ctx, payment.InvoiceRequest{
		Amount:         created.Amount.StringFixed(2),
		Currency:       created.Currency,
		OrderID:        reference,
		ReturnURL:      withOrderQuery(s.Config.ReturnURL, reference),
		CallbackURL:    s.Config.CallbackURL,
		Email:          created.Email,
		AdditionalData: in.AdditionalData,
	})
	switch outcome.Kind {
	case payment.OutcomeIssued:
		inv := outcome.Invoice
		meta, _ := json.Marshal(map[string]any{
			"payment_url":    inv.PaymentURL,
			"invoice":        inv,
			"invoice_status": inv.Status,
			"issued_at":      s.now().UTC().Format(time.RFC3339),
		})
		rows, err := s.Store.AttachOrderPayment(ctx, db.AttachOrderPaymentParams{
			ID:        created.ID,
			PaymentID: pgtypeText(inv.ID),
			Metadata:  meta,
		})
		if err != nil {
			return Output{}, fmt.Errorf("checkout: attach invoice: %w", err)
		}
		if rows == 0 {
			logger.Warn().Str("invoice_id", inv.ID).Msg("invoice_attach_skipped_terminal")
			return s.reload(ctx, created)
		}
		created.PaymentID = pgtypeText(inv.ID)
		created.Metadata = mergeMeta(created.Metadata, meta)
		logger.Info().Str("invoice_id", inv.ID).Msg("invoice_attached")
		return s.output(created, false)
	case payment.OutcomeFallback:
		meta, _ := json.Marshal(map[string]any{
			"fallback_url": outcome.FallbackURL,
			"issue_error":  errString(outcome.Err),
		})
		rows, err := s.Store.MergeOrderMetadata(ctx, db.MergeOrderMetadataParams{ID: created.ID, Metadata: meta})
		if err != nil {
			return Output{}, fmt.Errorf("checkout: record fallback: %w", err)
		}
		if rows == 0 {
			return s.reload(ctx, created)
		}
		created.Metadata = mergeMeta(created.Metadata, meta)
		logger.Warn().Msg("order_fallback_payment_url")
		return s.output(created, false)
	default:
		s.markFailed(ctx, created, errString(outcome.Err), logger)
		var vErr *payment.ValidationError
		if errors.As(outcome.Err, &vErr) {
			return Output{}, common.NewAppError("VALIDATION_ERROR", vErr.Error(), http.StatusBadRequest, outcome.Err)
		}
		return Output{}, common.NewAppError("PAYMENT_UNAVAILABLE", "unable to create payment invoice", http.StatusBadGateway, outcome.Err)
	}
}

func (s *Service) gumroad(ctx context.Context, created db.Order, reference string, logger zerolog.Logger) (Output, error) {
	base := strings.TrimSpace(s.Config.GumroadProductURL)
	if base == "" {
		s.markFailed(ctx, created, "gumroad product url not configured", logger)
		return Output{}, common.NewAppError("PAYMENT_NOT_CONFIGURED", "card payments not configured", http.StatusServiceUnavailable, nil)
	}
	link := withOrderQuery(base, reference)
	meta, _ := json.Marshal(map[string]any{"payment_url": link})
	if _, err := s.Store.MergeOrderMetadata(ctx, db.MergeOrderMetadataParams{ID: created.ID, Metadata: meta}); err != nil {
		return Output{}, fmt.Errorf("checkout: record payment link: %w", err)
	}
	created.Metadata = mergeMeta(created.Metadata, meta)
	return s.output(created, false)
}

func (s *Service) markFailed(ctx context.Context, created db.Order, reason string, logger zerolog.Logger) {
	meta, _ := json.Marshal(map[string]any{"issue_error": reason})
	if _, err := s.Store.TransitionOrderStatus(ctx, db.TransitionOrderStatusParams{
		ID:          created.ID,
		Status:      db.OrderStatusFailed,
		AllowedFrom: order.StatusStrings(order.AllowedFrom(db.OrderStatusFailed)),
		Metadata:    meta,
	}); err != nil {
		logger.Error().Err(err).Msg("order_mark_failed_error")
		return
	}
	logger.Warn().Str("reason", reason).Msg("order_issue_failed")
}

// reusable returns the open order for reference when it already carries a
// payment URL the customer can go back to.
func (s *Service) reusable(ctx context.Context, reference string) (db.Order, bool, error) {
	existing, err := s.Store.GetOpenOrderByReference(ctx, reference)
	if errors.Is(err, pgx.ErrNoRows) {
		return db.Order{}, false, nil
	}
	if err != nil {
		return db.Order{}, false, fmt.Errorf("checkout: lookup reference: %w", err)
	}
	if order.NewView(existing).PaymentURL == "" {
		return db.Order{}, false, common.NewAppError("CHECKOUT_IN_PROGRESS", "an order with this reference is being created", http.StatusConflict, nil)
	}
	return existing, true, nil
}

// reload answers from the stored order after a conditional write matched no
// row, meaning a webhook closed the order while the invoice was being issued.
func (s *Service) reload(ctx context.Context, o db.Order) (Output, error) {
	current, err := s.Store.GetOrderByID(ctx, o.ID)
	if err != nil {
		return Output{}, fmt.Errorf("checkout: reload order: %w", err)
	}
	return s.output(current, false)
}

func (s *Service) output(o db.Order, reused bool) (Output, error) {
	view := order.NewView(o)
	_, fallback := metaKeys(o.Metadata)["fallback_url"]
	out := Output{
		OrderID:    view.ID,
		Reference:  view.Reference,
		Status:     string(view.Status),
		Provider:   view.Provider,
		PaymentURL: view.PaymentURL,
		Fallback:   fallback && !hasKey(o.Metadata, "payment_url"),
		Reused:     reused,
	}
	if s.Tokens != nil {
		token, err := s.Tokens.Issue(view.ID)
		if err != nil {
			return Output{}, fmt.Errorf("checkout: issue access token: %w", err)
		}
		out.AccessToken = token
	}
	return out, nil
}

func validationAppError(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return invalidField(fe.Field(), "failed "+fe.Tag())
	}
	return common.NewAppError("VALIDATION_ERROR", err.Error(), http.StatusBadRequest, err)
}

func invalidField(field, message string) error {
	appErr := common.NewAppError("VALIDATION_ERROR", field+" "+message, http.StatusBadRequest, nil)
	appErr.Details = map[string]string{"field": field}
	return appErr
}

func withOrderQuery(base, reference string) string {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil || base == "" {
		return base
	}
	q := u.Query()
	q.Set("order_id", reference)
	u.RawQuery = q.Encode()
	return u.String()
}

func mergeMeta(base, patch []byte) []byte {
	merged := metaKeys(base)
	for k, v := range metaKeys(patch) {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return base
	}
	return out
}

func metaKeys(raw []byte) map[string]json.RawMessage {
	out := map[string]json.RawMessage{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return out
}

func hasKey(raw []byte, key string) bool {
	_, ok := metaKeys(raw)[key]
	return ok
}

func pgtypeText(v string) pgtype.Text {
	return pgtype.Text{String: v, Valid: v != ""}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
