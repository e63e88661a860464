// Package provider defines the contract between the billing engine and an
// external payment processor, plus the implementations selectable at start.
package provider

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotImplemented is returned by gateways that are registered by name
	// but have no integration behind them.
	ErrNotImplemented = errors.New("provider: not implemented")
	// ErrUnknownProvider is returned by New for an unrecognised name.
	ErrUnknownProvider = errors.New("provider: unknown provider")
)

// Failure reasons reported in result Error fields.
const (
	ReasonInsufficientFunds   = "insufficient_funds"
	ReasonCardDeclined        = "card_declined"
	ReasonNetworkError        = "network_error"
	ReasonTimeout             = "timeout"
	ReasonInvalidCard         = "invalid_card"
	ReasonInvalidAmount       = "invalid_amount"
	ReasonTransactionNotFound = "transaction_not_found"
	ReasonRefundExceedsCharge = "refund_exceeds_charge"
)

// Transaction states reported by CheckChargeStatus.
const (
	TxSucceeded         = "succeeded"
	TxPartiallyRefunded = "partially_refunded"
	TxRefunded          = "refunded"
	TxNotFound          = "not_found"
)

type ChargeRequest struct {
	ClientID string
	Amount   decimal.Decimal
	Currency string
	Method   string
	// IdempotencyKey is the local payment id. Gateways that support
	// idempotent retries key on it.
	IdempotencyKey string
	Metadata       map[string]string
}

type ChargeResult struct {
	OK               bool
	TransactionID    string
	Error            string
	ProviderResponse map[string]interface{}
}

type InvoiceResult struct {
	OK               bool
	InvoiceID        string
	InvoiceURL       string
	Error            string
	ProviderResponse map[string]interface{}
}

type StatusResult struct {
	TransactionID    string                 `json:"transaction_id"`
	Status           string                 `json:"status"`
	Amount           decimal.Decimal        `json:"amount"`
	RefundedAmount   decimal.Decimal        `json:"refunded_amount"`
	Currency         string                 `json:"currency,omitempty"`
	ProviderResponse map[string]interface{} `json:"provider_response,omitempty"`
}

type RefundRequest struct {
	TransactionID string
	Amount        decimal.Decimal
	Reason        string
}

type RefundResult struct {
	OK                  bool
	RefundTransactionID string
	Error               string
	ProviderResponse    map[string]interface{}
}

// BillingProvider is implemented once per payment gateway. Business declines
// come back as results with OK=false; a non-nil error means the call itself
// did not complete (transport failure, deadline, missing integration).
type BillingProvider interface {
	Name() string
	CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	CreateInvoice(ctx context.Context, paymentID string) (*InvoiceResult, error)
	CheckChargeStatus(ctx context.Context, transactionID string) (*StatusResult, error)
	RefundCharge(ctx context.Context, req RefundRequest) (*RefundResult, error)
}
