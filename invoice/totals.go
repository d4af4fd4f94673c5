package invoice

import (
	"math"
	"sort"

	"github.com/billfold/billfold"
)

// Totals is the derived-totals reducer. It runs after Transitions via
// composition and recomputes every derived monetary field from scratch, so
// the result depends only on the current line items and tax line items:
//
//  1. subtotal = Σ line item amounts (integer cents).
//  2. Tax line items sorted ascending by Order, insertion order on ties.
//  3. PERCENTAGE taxes compute round(subtotal * value); FIXED_AMOUNT taxes
//     are taken as-is. Each tax is computed against the pre-tax subtotal —
//     taxes do not compound.
//  4. totalTaxes = Σ computed amounts; finalSum = subtotal + totalTaxes.
//
// With no line items, all derived amounts are zero. A nil state passes
// through: a tombstone stays a tombstone.
func Totals(prev *Invoice, _ billfold.Event) (*Invoice, error) {
	if prev == nil {
		return nil, nil
	}

	next := prev.clone()
	sort.SliceStable(next.TaxLineItems, func(i, j int) bool {
		return next.TaxLineItems[i].Order < next.TaxLineItems[j].Order
	})

	if len(next.LineItems) == 0 {
		for i := range next.TaxLineItems {
			next.TaxLineItems[i].ComputedAmountInCents = 0
		}
		next.SubTotalInCents = 0
		next.TotalTaxesInCents = 0
		next.FinalSumInCents = 0
		return next, nil
	}

	var subTotal int64
	for _, item := range next.LineItems {
		subTotal += item.AmountInCents
	}

	var totalTaxes int64
	for i := range next.TaxLineItems {
		item := &next.TaxLineItems[i]
		switch item.Kind {
		case TaxPercentage:
			item.ComputedAmountInCents = roundToCents(float64(subTotal) * item.Value)
		case TaxFixedAmount:
			item.ComputedAmountInCents = roundToCents(item.Value)
		}
		totalTaxes += item.ComputedAmountInCents
	}

	next.SubTotalInCents = subTotal
	next.TotalTaxesInCents = totalTaxes
	next.FinalSumInCents = subTotal + totalTaxes
	return next, nil
}

// roundToCents rounds half away from zero to a whole number of cents.
func roundToCents(amount float64) int64 {
	return int64(math.Round(amount))
}
