package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type LineItemKind string

const (
	LineSession         LineItemKind = "SESSION"
	LineDiscount        LineItemKind = "DISCOUNT"
	LineCancellationFee LineItemKind = "CANCELLATION_FEE"
	LineTip             LineItemKind = "TIP"
)

var validLineItemKinds = map[LineItemKind]bool{
	LineSession: true, LineDiscount: true, LineCancellationFee: true, LineTip: true,
}

type LineItem struct {
	Kind      LineItemKind    `json:"kind"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Note      string          `json:"note,omitempty"`
}

func (li LineItem) Total() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

func (li LineItem) Validate() error {
	if !validLineItemKinds[li.Kind] {
		return &ValidationError{Field: "line_items.kind", Msg: fmt.Sprintf("unknown kind %q", li.Kind)}
	}
	if li.Quantity < 0 {
		return &ValidationError{Field: "line_items.quantity", Msg: "must not be negative"}
	}
	if li.UnitPrice.IsNegative() {
		return &ValidationError{Field: "line_items.unit_price", Msg: "must not be negative"}
	}
	if !isCents(li.UnitPrice) {
		return &ValidationError{Field: "line_items.unit_price", Msg: "at most two decimal places"}
	}
	return nil
}

// LineTotals are the aggregates a charge derives from its line items.
type LineTotals struct {
	Amount          decimal.Decimal
	Discount        decimal.Decimal
	Tip             decimal.Decimal
	CancellationFee decimal.Decimal
}

// SumLineItems folds line items by kind. Only SESSION lines count toward
// Amount.
func SumLineItems(items []LineItem) LineTotals {
	t := LineTotals{
		Amount:          decimal.Zero,
		Discount:        decimal.Zero,
		Tip:             decimal.Zero,
		CancellationFee: decimal.Zero,
	}
	for _, li := range items {
		switch li.Kind {
		case LineSession:
			t.Amount = t.Amount.Add(li.Total())
		case LineDiscount:
			t.Discount = t.Discount.Add(li.Total())
		case LineTip:
			t.Tip = t.Tip.Add(li.Total())
		case LineCancellationFee:
			t.CancellationFee = t.CancellationFee.Add(li.Total())
		}
	}
	return t
}

func sameLineItems(a, b []LineItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Kind != b[i].Kind || a[i].Quantity != b[i].Quantity ||
			!a[i].UnitPrice.Equal(b[i].UnitPrice) || a[i].Note != b[i].Note {
			return false
		}
	}
	return true
}

func isCents(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}

func minDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

func clampZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func timeString(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
