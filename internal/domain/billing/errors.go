package billing

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict means a row changed between read and write.
	ErrVersionConflict = errors.New("version conflict")
	// ErrConcurrentUpdate is returned once optimistic retries are exhausted.
	ErrConcurrentUpdate       = errors.New("concurrent update: retries exhausted")
	ErrRefundExceedsPaid      = errors.New("refund exceeds refundable amount")
	ErrPaymentNotPaid         = errors.New("payment is not paid")
	ErrSettlementModeConflict = errors.New("charge is settled through the other settlement mode")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrCurrencyMismatch       = errors.New("currency mismatch")
	// ErrProviderUnavailable wraps provider calls that did not complete.
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	ErrProviderDeclined    = errors.New("payment provider declined the request")
	// ErrUnrecordedProviderCharge means the provider moved money but the
	// local write that records it failed.
	ErrUnrecordedProviderCharge = errors.New("provider transaction succeeded but was not recorded")
)

type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Msg: msg}
}

// UnrecordedError carries the provider transaction id an operator needs to
// reconcile a payment by hand.
type UnrecordedError struct {
	PaymentID     uuid.UUID
	TransactionID string
	Err           error
}

func (e *UnrecordedError) Error() string {
	return fmt.Sprintf("payment %s: provider transaction %s not recorded: %v", e.PaymentID, e.TransactionID, e.Err)
}

func (e *UnrecordedError) Is(target error) bool { return target == ErrUnrecordedProviderCharge }

func (e *UnrecordedError) Unwrap() error { return e.Err }
