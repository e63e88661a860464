package billing

import "github.com/shopspring/decimal"

// protectedStatuses are never changed by reconciliation or settlement.
var protectedStatuses = map[ChargeStatus]bool{
	ChargePaid:     true,
	ChargeWriteOff: true,
	ChargeRefunded: true,
	ChargeCanceled: true,
}

// DeriveStatus decides a charge status from its current status, money
// collected, total due and whether the appointment was cancelled. Rules are
// evaluated in order:
//
//	existing is PAID, WRITEOFF, REFUNDED or CANCELED  -> existing
//	cancelled                                         -> CANCELED
//	paid >= due                                       -> PAID
//	paid > 0                                          -> PARTIALLY_PAID
//	otherwise                                         -> PENDING
func DeriveStatus(existing ChargeStatus, paid, due decimal.Decimal, cancelled bool) ChargeStatus {
	switch {
	case protectedStatuses[existing]:
		return existing
	case cancelled:
		return ChargeCanceled
	case paid.GreaterThanOrEqual(due):
		return ChargePaid
	case paid.IsPositive():
		return ChargePartiallyPaid
	default:
		return ChargePending
	}
}

// statusAfterRefund is the only path that may move a charge off PAID.
// Voided charges keep their status.
func statusAfterRefund(existing ChargeStatus, paid, due decimal.Decimal) ChargeStatus {
	switch {
	case existing.Voided():
		return existing
	case paid.IsPositive() && paid.GreaterThanOrEqual(due):
		return ChargePaid
	case paid.IsPositive():
		return ChargePartiallyPaid
	default:
		return ChargePending
	}
}

// statusAfterAllocation reflects the balance after explicit allocation. A
// PAID charge stays PAID even when a price rise reopened its balance.
func statusAfterAllocation(c *Charge) ChargeStatus {
	if protectedStatuses[c.Status] {
		return c.Status
	}
	if !c.Balance().IsPositive() {
		return ChargePaid
	}
	return ChargePartiallyPaid
}
