package invoice

import (
	"fmt"

	"github.com/billfold/billfold"
)

// Reduce is the composed invoice reducer: base lifecycle transitions first,
// derived totals second. The totals stage never needs to know which event
// occurred; it recomputes from the transition stage's output.
var Reduce = billfold.Combine[Invoice](Transitions, Totals)

// Transitions is the base reducer: status changes and list mutation. It does
// not gate business rules like "don't edit a SENT invoice" — that belongs to
// the façade — but it does enforce the structural lifecycle: creation
// requires a non-existent aggregate, everything else requires an existing
// one.
func Transitions(prev *Invoice, evt billfold.Event) (*Invoice, error) {
	if p, ok := evt.Payload.(*Created); ok {
		if prev != nil {
			return nil, fmt.Errorf("invoice %s already exists: %w", evt.AggregateID, billfold.ErrInvalidTransition)
		}
		return &Invoice{
			ID:            evt.AggregateID,
			WorkspaceID:   p.WorkspaceID,
			CompanyID:     p.CompanyID,
			SellerID:      p.SellerID,
			BuyerID:       p.BuyerID,
			InvoiceNumber: p.InvoiceNumber,
			Status:        StatusDraft,
			LineItems:     []LineItem{},
			TaxLineItems:  []TaxLineItem{},
			CreatedAt:     evt.Timestamp,
			CreatedBy:     evt.PrincipalID,
			UpdatedAt:     evt.Timestamp,
			UpdatedBy:     evt.PrincipalID,
		}, nil
	}

	if prev == nil {
		return nil, fmt.Errorf("invoice %s does not exist: %w", evt.AggregateID, billfold.ErrInvalidTransition)
	}

	next := prev.clone()
	next.UpdatedAt = evt.Timestamp
	next.UpdatedBy = evt.PrincipalID

	switch p := evt.Payload.(type) {
	case *Deleted:
		return nil, nil

	case *MarkedSent:
		next.Status = StatusSent
		date := p.Date.UTC()
		next.SentAt = &date

	case *MarkedPaid:
		next.Status = StatusPaid
		date := p.Date.UTC()
		next.PaidAt = &date

	case *Cancelled:
		next.Status = StatusCancelled

	case *ChargeAdded:
		next.LineItems = append(next.LineItems, LineItem{
			ChargeID:      p.ChargeID,
			Description:   p.Description,
			AmountInCents: p.AmountInCents,
		})

	case *TaxAdded:
		next.TaxLineItems = append(next.TaxLineItems, TaxLineItem{
			ID:          p.TaxLineItem.ID,
			Description: p.TaxLineItem.Description,
			Kind:        p.TaxLineItem.Kind,
			Value:       p.TaxLineItem.Value,
			Order:       p.TaxLineItem.Order,
		})

	case *TaxUpdated:
		for i := range next.TaxLineItems {
			if next.TaxLineItems[i].ID != p.TaxLineItemID {
				continue
			}
			item := &next.TaxLineItems[i]
			if p.Updates.Description != nil {
				item.Description = *p.Updates.Description
			}
			if p.Updates.Kind != nil {
				item.Kind = *p.Updates.Kind
			}
			if p.Updates.Value != nil {
				item.Value = *p.Updates.Value
			}
			if p.Updates.Order != nil {
				item.Order = *p.Updates.Order
			}
			break
		}

	case *TaxRemoved:
		kept := next.TaxLineItems[:0]
		for _, item := range next.TaxLineItems {
			if item.ID != p.TaxLineItemID {
				kept = append(kept, item)
			}
		}
		next.TaxLineItems = kept

	case *TaxesCleared:
		next.TaxLineItems = []TaxLineItem{}

	default:
		return nil, fmt.Errorf("unhandled event kind %q: %w", evt.Payload.EventKind(), billfold.ErrInvalidTransition)
	}

	return next, nil
}
