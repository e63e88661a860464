package billing

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CurrencyTotals struct {
	Currency    string          `json:"currency"`
	Total       decimal.Decimal `json:"total"`
	Paid        decimal.Decimal `json:"paid"`
	Balance     decimal.Decimal `json:"balance"`
	OpenCharges int             `json:"open_charges"`
}

type BalanceSummary struct {
	ClientID    uuid.UUID            `json:"client_id"`
	Totals      []CurrencyTotals     `json:"totals"`
	ByStatus    map[ChargeStatus]int `json:"by_status"`
	ChargeCount int                  `json:"charge_count"`
}

const balancePageSize = 100

// ClientBalance sums a client's charges per currency. Voided charges are
// counted by status but left out of the money totals.
func (s *Service) ClientBalance(ctx context.Context, clientID uuid.UUID) (*BalanceSummary, error) {
	if clientID == uuid.Nil {
		return nil, invalid("client_id", "required")
	}
	sum := &BalanceSummary{ClientID: clientID, ByStatus: map[ChargeStatus]int{}, Totals: []CurrencyTotals{}}
	byCurrency := map[string]*CurrencyTotals{}

	for offset := 0; ; offset += balancePageSize {
		page, total, err := s.charges.List(ctx, ChargeFilter{ClientID: clientID}, balancePageSize, offset)
		if err != nil {
			return nil, err
		}
		for _, c := range page {
			sum.ChargeCount++
			sum.ByStatus[c.Status]++
			if c.Status.Voided() || c.Status == ChargeDraft {
				continue
			}
			t, ok := byCurrency[c.Currency]
			if !ok {
				t = &CurrencyTotals{Currency: c.Currency, Total: decimal.Zero, Paid: decimal.Zero, Balance: decimal.Zero}
				byCurrency[c.Currency] = t
			}
			t.Total = t.Total.Add(c.Total())
			t.Paid = t.Paid.Add(c.PaidAmount)
			bal := c.Balance()
			t.Balance = t.Balance.Add(bal)
			if bal.IsPositive() {
				t.OpenCharges++
			}
		}
		if len(page) == 0 || offset+len(page) >= total {
			break
		}
	}

	for _, t := range byCurrency {
		sum.Totals = append(sum.Totals, *t)
	}
	sort.Slice(sum.Totals, func(i, j int) bool { return sum.Totals[i].Currency < sum.Totals[j].Currency })
	return sum, nil
}

func (s *Service) ListCharges(ctx context.Context, f ChargeFilter, limit, offset int) ([]*Charge, int, error) {
	if f.Status != "" && !validChargeStatuses[f.Status] {
		return nil, 0, invalid("status", "unknown charge status")
	}
	return s.charges.List(ctx, f, limit, offset)
}

// OpenCharges is the oldest-first queue of charges a client still owes on.
func (s *Service) OpenCharges(ctx context.Context, clientID uuid.UUID) ([]*Charge, error) {
	if clientID == uuid.Nil {
		return nil, invalid("client_id", "required")
	}
	return s.charges.ListOpen(ctx, clientID)
}

func (s *Service) ChargeAudit(ctx context.Context, id uuid.UUID) ([]AuditEntry, error) {
	c, err := s.charges.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Audit == nil {
		return []AuditEntry{}, nil
	}
	return c.Audit, nil
}
