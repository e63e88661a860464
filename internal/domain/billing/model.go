package billing

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ChargeStatus string

const (
	ChargeDraft         ChargeStatus = "DRAFT"
	ChargePending       ChargeStatus = "PENDING"
	ChargePaid          ChargeStatus = "PAID"
	ChargePartiallyPaid ChargeStatus = "PARTIALLY_PAID"
	ChargeFailed        ChargeStatus = "FAILED"
	ChargeCanceled      ChargeStatus = "CANCELED"
	ChargeRefunded      ChargeStatus = "REFUNDED"
	ChargeWriteOff      ChargeStatus = "WRITEOFF"
)

var validChargeStatuses = map[ChargeStatus]bool{
	ChargeDraft: true, ChargePending: true, ChargePaid: true, ChargePartiallyPaid: true,
	ChargeFailed: true, ChargeCanceled: true, ChargeRefunded: true, ChargeWriteOff: true,
}

// Voided charges are excluded from balances and open-charge queues.
func (s ChargeStatus) Voided() bool {
	return s == ChargeCanceled || s == ChargeWriteOff
}

// SettlementMode records which settlement path has touched a charge. The two
// paths are exclusive per charge.
type SettlementMode string

const (
	SettlementNone       SettlementMode = ""
	SettlementDirect     SettlementMode = "direct"
	SettlementAllocation SettlementMode = "allocation"
)

// Audit actions.
const (
	AuditCreatedFromAppointment = "CREATED_FROM_APPOINTMENT"
	AuditUpdatedFromAppointment = "UPDATED_FROM_APPOINTMENT"
	AuditCreated                = "CREATED"
	AuditIssued                 = "ISSUED"
	AuditSettledFromPayments    = "SETTLED_FROM_PAYMENTS"
	AuditAllocatedPayment       = "ALLOCATED_PAYMENT"
	AuditRefundedPayment        = "REFUNDED_PAYMENT"
	AuditWrittenOff             = "WRITTEN_OFF"
	AuditCanceled               = "CANCELED"
)

type AuditEntry struct {
	At       time.Time              `json:"at"`
	Action   string                 `json:"action"`
	Actor    string                 `json:"actor"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Allocation is the share of one payment applied to a charge.
type Allocation struct {
	PaymentID uuid.UUID       `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
	At        time.Time       `json:"at"`
}

type Charge struct {
	ID                    uuid.UUID       `json:"id"`
	TherapistID           uuid.UUID       `json:"therapist_id"`
	ClientID              uuid.UUID       `json:"client_id"`
	AppointmentID         *uuid.UUID      `json:"appointment_id,omitempty"`
	Amount                decimal.Decimal `json:"amount"`
	PaidAmount            decimal.Decimal `json:"paid_amount"`
	TaxAmount             decimal.Decimal `json:"tax_amount"`
	DiscountAmount        decimal.Decimal `json:"discount_amount"`
	TipAmount             decimal.Decimal `json:"tip_amount"`
	CancellationFeeAmount decimal.Decimal `json:"cancellation_fee_amount"`
	Currency              string          `json:"currency"`
	LineItems             []LineItem      `json:"line_items"`
	Status                ChargeStatus    `json:"status"`
	Payments              []uuid.UUID     `json:"payments"`
	Allocations           []Allocation    `json:"allocations"`
	SettlementMode        SettlementMode  `json:"settlement_mode,omitempty"`
	DueAt                 *time.Time      `json:"due_at,omitempty"`
	IssuedAt              *time.Time      `json:"issued_at,omitempty"`
	PaidAt                *time.Time      `json:"paid_at,omitempty"`
	ProviderName          string          `json:"provider_name,omitempty"`
	InvoiceID             string          `json:"invoice_id,omitempty"`
	InvoiceURL            string          `json:"invoice_url,omitempty"`
	Notes                 string          `json:"notes,omitempty"`
	Audit                 []AuditEntry    `json:"audit"`
	Version               int             `json:"version"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`

	// newAudit holds entries added since load; repositories append only these.
	newAudit []AuditEntry
}

// Total is what the client owes before payments.
func (c *Charge) Total() decimal.Decimal {
	return c.Amount.Add(c.TaxAmount).Add(c.TipAmount).Sub(c.DiscountAmount)
}

// Balance is the unpaid remainder, never negative.
func (c *Charge) Balance() decimal.Decimal {
	return clampZero(c.Total().Sub(c.PaidAmount))
}

func (c *Charge) addAudit(at time.Time, action, actor string, meta map[string]interface{}) {
	e := AuditEntry{At: at, Action: action, Actor: actor, Metadata: meta}
	c.Audit = append(c.Audit, e)
	c.newAudit = append(c.newAudit, e)
}

// PendingAudit returns entries added since the charge was loaded.
func (c *Charge) PendingAudit() []AuditEntry { return c.newAudit }

func (c *Charge) hasPayment(id uuid.UUID) bool {
	for _, p := range c.Payments {
		if p == id {
			return true
		}
	}
	return false
}

func (c *Charge) recordPayment(id uuid.UUID) {
	if !c.hasPayment(id) {
		c.Payments = append(c.Payments, id)
	}
}

func (c *Charge) allocationFor(id uuid.UUID) (int, decimal.Decimal) {
	for i, a := range c.Allocations {
		if a.PaymentID == id {
			return i, a.Amount
		}
	}
	return -1, decimal.Zero
}

// clone copies a charge deeply enough that mutating slices on the copy does
// not affect the original.
func (c *Charge) clone() *Charge {
	cp := *c
	cp.LineItems = slices.Clone(c.LineItems)
	cp.Payments = slices.Clone(c.Payments)
	cp.Allocations = slices.Clone(c.Allocations)
	cp.Audit = slices.Clone(c.Audit)
	cp.newAudit = slices.Clone(c.newAudit)
	return &cp
}

// ChargeView is the API shape of a charge, with its derived balance.
type ChargeView struct {
	*Charge
	Balance decimal.Decimal `json:"balance"`
}

func ViewOf(c *Charge) ChargeView {
	return ChargeView{Charge: c, Balance: c.Balance()}
}

func ViewsOf(cs []*Charge) []ChargeView {
	out := make([]ChargeView, 0, len(cs))
	for _, c := range cs {
		out = append(out, ViewOf(c))
	}
	return out
}

// -- Package --

type PackageStatus string

const (
	PackageActive    PackageStatus = "ACTIVE"
	PackagePaused    PackageStatus = "PAUSED"
	PackageExhausted PackageStatus = "EXHAUSTED"
	PackageCancelled PackageStatus = "CANCELLED"
)

type Package struct {
	ID            uuid.UUID       `json:"id"`
	TherapistID   uuid.UUID       `json:"therapist_id"`
	ClientID      uuid.UUID       `json:"client_id"`
	Name          string          `json:"name"`
	SessionsTotal int             `json:"sessions_total"`
	SessionsUsed  int             `json:"sessions_used"`
	Price         decimal.Decimal `json:"price"`
	Currency      string          `json:"currency"`
	Status        PackageStatus   `json:"status"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	Version       int             `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (p *Package) RemainingSessions() int {
	if r := p.SessionsTotal - p.SessionsUsed; r > 0 {
		return r
	}
	return 0
}

// Consumable reports whether one more session may be drawn at now.
func (p *Package) Consumable(now time.Time) bool {
	if p.Status != PackageActive || p.RemainingSessions() == 0 {
		return false
	}
	return p.ExpiresAt == nil || now.Before(*p.ExpiresAt)
}

type PackageView struct {
	*Package
	RemainingSessions int `json:"remaining_sessions"`
}

func PackageViewOf(p *Package) PackageView {
	return PackageView{Package: p, RemainingSessions: p.RemainingSessions()}
}

// -- Payment --

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentExpired  PaymentStatus = "expired"
	PaymentCanceled PaymentStatus = "canceled"
	PaymentRefunded PaymentStatus = "refunded"
)

// Settled payments carry money that counts toward charges.
func (s PaymentStatus) Settled() bool {
	return s == PaymentPaid || s == PaymentRefunded
}

type PaymentMethod string

const (
	MethodCard         PaymentMethod = "card"
	MethodCash         PaymentMethod = "cash"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodBit          PaymentMethod = "bit"
	MethodCheck        PaymentMethod = "check"
)

var validPaymentMethods = map[PaymentMethod]bool{
	MethodCard: true, MethodCash: true, MethodBankTransfer: true, MethodBit: true, MethodCheck: true,
}

type Refund struct {
	RefundTransactionID string          `json:"refund_transaction_id"`
	Amount              decimal.Decimal `json:"amount"`
	Reason              string          `json:"reason,omitempty"`
	Actor               string          `json:"actor"`
	At                  time.Time       `json:"at"`
}

type Payment struct {
	ID                  uuid.UUID              `json:"id"`
	ClientID            uuid.UUID              `json:"client_id"`
	AppointmentID       *uuid.UUID             `json:"appointment_id,omitempty"`
	ChargeID            *uuid.UUID             `json:"charge_id,omitempty"`
	Amount              decimal.Decimal        `json:"amount"`
	Currency            string                 `json:"currency"`
	Method              PaymentMethod          `json:"method"`
	Provider            string                 `json:"provider"`
	Status              PaymentStatus          `json:"status"`
	TransactionID       string                 `json:"transaction_id,omitempty"`
	RefundedAmount      decimal.Decimal        `json:"refunded_amount"`
	RefundPendingAmount decimal.Decimal        `json:"refund_pending_amount"`
	AllocatedAmount     decimal.Decimal        `json:"allocated_amount"`
	FailureReason       string                 `json:"failure_reason,omitempty"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
	Refunds             []Refund               `json:"refunds,omitempty"`
	ExpiresAt           time.Time              `json:"expires_at"`
	PaidAt              *time.Time             `json:"paid_at,omitempty"`
	InvoiceID           string                 `json:"invoice_id,omitempty"`
	InvoiceURL          string                 `json:"invoice_url,omitempty"`
	Version             int                    `json:"version"`
	CreatedAt           time.Time              `json:"created_at"`
	UpdatedAt           time.Time              `json:"updated_at"`
}

// NetAmount is what the payment still contributes after refunds.
func (p *Payment) NetAmount() decimal.Decimal {
	return clampZero(p.Amount.Sub(p.RefundedAmount))
}

// Refundable is what may still be refunded, excluding in-flight reservations.
func (p *Payment) Refundable() decimal.Decimal {
	return clampZero(p.Amount.Sub(p.RefundedAmount).Sub(p.RefundPendingAmount))
}

// Unallocated is what explicit allocation may still apply to charges.
func (p *Payment) Unallocated() decimal.Decimal {
	return clampZero(p.Amount.Sub(p.RefundedAmount).Sub(p.RefundPendingAmount).Sub(p.AllocatedAmount))
}

// EffectiveStatus reports a pending payment past its expiry as expired.
func (p *Payment) EffectiveStatus(now time.Time) PaymentStatus {
	if p.Status == PaymentPending && !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt) {
		return PaymentExpired
	}
	return p.Status
}

func (p *Payment) setMeta(key string, v interface{}) {
	if p.Metadata == nil {
		p.Metadata = make(map[string]interface{})
	}
	p.Metadata[key] = v
}

func (p *Payment) clone() *Payment {
	cp := *p
	if p.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	cp.Refunds = slices.Clone(p.Refunds)
	return &cp
}

// -- Appointment facts --

type BillingPolicy string

const (
	PolicyPerSession BillingPolicy = "PER_SESSION"
	PolicyPackage    BillingPolicy = "PACKAGE"
	PolicyFree       BillingPolicy = "FREE"
)

// AppointmentPaymentStatus is the display status mirrored onto appointments.
type AppointmentPaymentStatus string

const (
	AppointmentUnpaid        AppointmentPaymentStatus = "pending"
	AppointmentPartiallyPaid AppointmentPaymentStatus = "partially_paid"
	AppointmentPaid          AppointmentPaymentStatus = "paid"
)

// Appointment is the snapshot of scheduling facts the engine bills from.
type Appointment struct {
	ID               uuid.UUID
	TherapistID      uuid.UUID
	ClientID         uuid.UUID
	StartsAt         time.Time
	Price            decimal.Decimal
	Currency         string
	Cancelled        bool
	BillingPolicy    BillingPolicy
	PackageID        *uuid.UUID
	ChargeID         *uuid.UUID
	PaymentStatus    AppointmentPaymentStatus
	PaidViaPackageID *uuid.UUID
}

// mirrorStatus maps a charge status onto the appointment display status.
// Statuses outside the passthrough set leave the appointment untouched.
func mirrorStatus(s ChargeStatus) (AppointmentPaymentStatus, bool) {
	switch s {
	case ChargePaid:
		return AppointmentPaid, true
	case ChargePartiallyPaid:
		return AppointmentPartiallyPaid, true
	case ChargePending:
		return AppointmentUnpaid, true
	}
	return "", false
}
