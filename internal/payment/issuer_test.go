package payment_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/bundle-checkout/internal/payment"
)

type CreatorMock struct {
	mock.Mock
}

func (m *CreatorMock) CreateInvoice(ctx context.Context, req payment.InvoiceRequest) (payment.Invoice, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(payment.Invoice), args.Error(1)
}

func stubCreator(invoice payment.Invoice, err error) *CreatorMock {
	m := new(CreatorMock)
	m.On("CreateInvoice", mock.Anything, mock.AnythingOfType("payment.InvoiceRequest")).Return(invoice, err)
	return m
}

func TestIssueReturnsInvoice(t *testing.T) {
	req := validInvoiceRequest()
	creator := new(CreatorMock)
	creator.On("CreateInvoice", mock.Anything, req).
		Return(payment.Invoice{ID: "inv-1", PaymentURL: "https://pay.example/inv-1"}, nil).
		Once()

	out := payment.Issuer{Creator: creator, FallbackBaseURL: "https://shop.example/pay", Logger: zerolog.Nop()}.
		Issue(context.Background(), req)
	require.Equal(t, payment.OutcomeIssued, out.Kind)
	require.Equal(t, "https://pay.example/inv-1", out.PaymentURL())
	require.NoError(t, out.Err)
	creator.AssertExpectations(t)
}

func TestIssueFallsBackOnCreationError(t *testing.T) {
	cause := &payment.InvoiceCreationError{StatusCode: 503, Message: "down", Retryable: true}
	out := payment.Issuer{Creator: stubCreator(payment.Invoice{}, cause), FallbackBaseURL: "https://shop.example/pay", Logger: zerolog.Nop()}.
		Issue(context.Background(), validInvoiceRequest())
	require.Equal(t, payment.OutcomeFallback, out.Kind)
	require.Equal(t, "https://shop.example/pay?amount=12.99&currency=USD&order=ord-1", out.PaymentURL())
	require.ErrorIs(t, out.Err, cause)
}

func TestIssueFailsWithoutFallbackBase(t *testing.T) {
	cause := &payment.InvoiceCreationError{Message: "down"}
	out := payment.Issuer{Creator: stubCreator(payment.Invoice{}, cause), Logger: zerolog.Nop()}.
		Issue(context.Background(), validInvoiceRequest())
	require.Equal(t, payment.OutcomeFailed, out.Kind)
	require.Empty(t, out.PaymentURL())
	require.ErrorIs(t, out.Err, cause)
}

func TestIssueNeverFallsBackOnValidation(t *testing.T) {
	cause := &payment.ValidationError{Field: "amount", Message: "must be a positive decimal"}
	out := payment.Issuer{Creator: stubCreator(payment.Invoice{}, cause), FallbackBaseURL: "https://shop.example/pay", Logger: zerolog.Nop()}.
		Issue(context.Background(), validInvoiceRequest())
	require.Equal(t, payment.OutcomeFailed, out.Kind)
	require.Empty(t, out.PaymentURL())

	out = payment.Issuer{Creator: stubCreator(payment.Invoice{}, errors.New("boom")), FallbackBaseURL: "https://shop.example/pay", Logger: zerolog.Nop()}.
		Issue(context.Background(), validInvoiceRequest())
	require.Equal(t, payment.OutcomeFailed, out.Kind)
}

func TestIssueWithoutCreator(t *testing.T) {
	out := payment.Issuer{}.Issue(context.Background(), validInvoiceRequest())
	require.Equal(t, payment.OutcomeFailed, out.Kind)
	var cfgErr *payment.ConfigurationError
	require.ErrorAs(t, out.Err, &cfgErr)
}

func TestFallbackURL(t *testing.T) {
	req := validInvoiceRequest()
	require.Empty(t, payment.FallbackURL("", "", req))
	require.Empty(t, payment.FallbackURL("/relative", "", req))
	require.Equal(t, "https://shop.example/pay?amount=12.99&currency=USD&order=ord-1&ref=x",
		payment.FallbackURL("https://shop.example/pay?ref=x", "", req))
	require.Equal(t, "https://shop.example/pay-base?amount=12.99&currency=USD&order=ord-1&to=0xabc",
		payment.FallbackURL("https://shop.example/pay-base", " 0xabc ", req))
}

func TestIssueFallbackCarriesRecipient(t *testing.T) {
	creator := stubCreator(payment.Invoice{}, &payment.InvoiceCreationError{Retryable: true, Message: "provider unreachable"})
	issuer := payment.Issuer{
		Creator:           creator,
		FallbackBaseURL:   "https://shop.example/pay-base",
		FallbackRecipient: "0xabc",
		Logger:            zerolog.Nop(),
	}

	out := issuer.Issue(context.Background(), validInvoiceRequest())
	require.Equal(t, payment.OutcomeFallback, out.Kind)
	require.Contains(t, out.PaymentURL(), "to=0xabc")
}
