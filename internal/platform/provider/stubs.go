package provider

import (
	"context"
	"fmt"
)

// Gateway names reserved for real processors.
const (
	StripeName  = "stripe"
	CardcomName = "cardcom"
)

// Stub holds a gateway name without an integration. Every call fails with
// ErrNotImplemented so a misconfigured deployment surfaces on first use.
type Stub struct {
	name string
}

func NewStub(name string) *Stub { return &Stub{name: name} }

func (s *Stub) Name() string { return s.name }

func (s *Stub) notImplemented(op string) error {
	return fmt.Errorf("%s %s: %w", s.name, op, ErrNotImplemented)
}

func (s *Stub) CreateCharge(context.Context, ChargeRequest) (*ChargeResult, error) {
	return nil, s.notImplemented("create charge")
}

func (s *Stub) CreateInvoice(context.Context, string) (*InvoiceResult, error) {
	return nil, s.notImplemented("create invoice")
}

func (s *Stub) CheckChargeStatus(context.Context, string) (*StatusResult, error) {
	return nil, s.notImplemented("check charge status")
}

func (s *Stub) RefundCharge(context.Context, RefundRequest) (*RefundResult, error) {
	return nil, s.notImplemented("refund charge")
}
