package invoice

import (
	"math"
	"time"

	"github.com/billfold/billfold"
)

// Event kinds for the invoice aggregate. The set is closed: the reducer
// matches exhaustively and the payload registry rejects anything else.
const (
	KindCreated      = "invoice.created"
	KindDeleted      = "invoice.deleted"
	KindMarkedSent   = "invoice.marked_sent"
	KindMarkedPaid   = "invoice.marked_paid"
	KindCancelled    = "invoice.cancelled"
	KindChargeAdded  = "invoice.charge_added"
	KindTaxAdded     = "invoice.tax_added"
	KindTaxUpdated   = "invoice.tax_updated"
	KindTaxRemoved   = "invoice.tax_removed"
	KindTaxesCleared = "invoice.taxes_cleared"
)

// Registry returns the payload registry for the invoice aggregate.
func Registry() (*billfold.PayloadRegistry, error) {
	return billfold.NewPayloadRegistry(
		func() billfold.Payload { return &Created{} },
		func() billfold.Payload { return &Deleted{} },
		func() billfold.Payload { return &MarkedSent{} },
		func() billfold.Payload { return &MarkedPaid{} },
		func() billfold.Payload { return &Cancelled{} },
		func() billfold.Payload { return &ChargeAdded{} },
		func() billfold.Payload { return &TaxAdded{} },
		func() billfold.Payload { return &TaxUpdated{} },
		func() billfold.Payload { return &TaxRemoved{} },
		func() billfold.Payload { return &TaxesCleared{} },
	)
}

// Created produces a new DRAFT invoice. Requires a non-existent aggregate.
type Created struct {
	WorkspaceID   string `json:"workspaceId"`
	CompanyID     string `json:"companyId"`
	SellerID      string `json:"sellerId"`
	BuyerID       string `json:"buyerId"`
	InvoiceNumber string `json:"invoiceNumber"`
}

func (Created) EventKind() string { return KindCreated }

func (p Created) Validate() error {
	err := billfold.NewValidationError()
	if p.WorkspaceID == "" {
		err.Add("workspaceId", "must not be empty")
	}
	if p.CompanyID == "" {
		err.Add("companyId", "must not be empty")
	}
	if p.SellerID == "" {
		err.Add("sellerId", "must not be empty")
	}
	if p.BuyerID == "" {
		err.Add("buyerId", "must not be empty")
	}
	if p.InvoiceNumber == "" {
		err.Add("invoiceNumber", "must not be empty")
	}
	return err.Err()
}

// Deleted tombstones the invoice. No further events are accepted afterwards.
type Deleted struct{}

func (Deleted) EventKind() string { return KindDeleted }
func (Deleted) Validate() error   { return nil }

// MarkedSent sets status SENT and stamps the sent date.
type MarkedSent struct {
	Date time.Time `json:"date"`
}

func (MarkedSent) EventKind() string { return KindMarkedSent }

func (p MarkedSent) Validate() error {
	if p.Date.IsZero() {
		return billfold.NewValidationError().Add("date", "must not be zero")
	}
	return nil
}

// MarkedPaid sets status PAID and stamps the paid date.
type MarkedPaid struct {
	Date time.Time `json:"date"`
}

func (MarkedPaid) EventKind() string { return KindMarkedPaid }

func (p MarkedPaid) Validate() error {
	if p.Date.IsZero() {
		return billfold.NewValidationError().Add("date", "must not be zero")
	}
	return nil
}

// Cancelled sets status CANCELLED.
type Cancelled struct{}

func (Cancelled) EventKind() string { return KindCancelled }
func (Cancelled) Validate() error   { return nil }

// ChargeAdded appends one line item. Integer cents only.
type ChargeAdded struct {
	ChargeID      string `json:"chargeId"`
	Description   string `json:"description"`
	AmountInCents int64  `json:"amountInCents"`
}

func (ChargeAdded) EventKind() string { return KindChargeAdded }

func (p ChargeAdded) Validate() error {
	err := billfold.NewValidationError()
	if p.ChargeID == "" {
		err.Add("chargeId", "must not be empty")
	}
	if p.AmountInCents < 0 {
		err.Add("amountInCents", "must not be negative")
	}
	return err.Err()
}

// TaxItemSpec is the caller-supplied portion of a tax line item; the computed
// amount is filled by the totals reducer.
type TaxItemSpec struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	Kind        TaxKind `json:"kind"`
	Value       float64 `json:"value"`
	Order       int     `json:"order"`
}

func (t TaxItemSpec) validateInto(err *billfold.ValidationError, prefix string) {
	if t.ID == "" {
		err.Add(prefix+".id", "must not be empty")
	}
	if !ValidTaxKind(t.Kind) {
		err.Add(prefix+".kind", "must be PERCENTAGE or FIXED_AMOUNT")
	}
	validateTaxValue(err, prefix+".value", t.Kind, t.Value)
}

func validateTaxValue(err *billfold.ValidationError, field string, kind TaxKind, value float64) {
	if value < 0 {
		err.Add(field, "must not be negative")
	}
	if kind == TaxFixedAmount && value != math.Trunc(value) {
		err.Add(field, "must be integer cents for FIXED_AMOUNT")
	}
}

// TaxAdded appends one tax line item.
type TaxAdded struct {
	TaxLineItem TaxItemSpec `json:"taxLineItem"`
}

func (TaxAdded) EventKind() string { return KindTaxAdded }

func (p TaxAdded) Validate() error {
	err := billfold.NewValidationError()
	p.TaxLineItem.validateInto(err, "taxLineItem")
	return err.Err()
}

// TaxUpdates carries the partial fields of a tax line item update. Nil fields
// are left unchanged.
type TaxUpdates struct {
	Description *string  `json:"description,omitempty"`
	Kind        *TaxKind `json:"kind,omitempty"`
	Value       *float64 `json:"value,omitempty"`
	Order       *int     `json:"order,omitempty"`
}

// TaxUpdated merges partial fields into the matching tax line item. No-op if
// the id is not found.
type TaxUpdated struct {
	TaxLineItemID string     `json:"taxLineItemId"`
	Updates       TaxUpdates `json:"updates"`
}

func (TaxUpdated) EventKind() string { return KindTaxUpdated }

func (p TaxUpdated) Validate() error {
	err := billfold.NewValidationError()
	if p.TaxLineItemID == "" {
		err.Add("taxLineItemId", "must not be empty")
	}
	if p.Updates.Kind != nil && !ValidTaxKind(*p.Updates.Kind) {
		err.Add("updates.kind", "must be PERCENTAGE or FIXED_AMOUNT")
	}
	if p.Updates.Value != nil && *p.Updates.Value < 0 {
		err.Add("updates.value", "must not be negative")
	}
	return err.Err()
}

// TaxRemoved removes the matching tax line item.
type TaxRemoved struct {
	TaxLineItemID string `json:"taxLineItemId"`
}

func (TaxRemoved) EventKind() string { return KindTaxRemoved }

func (p TaxRemoved) Validate() error {
	if p.TaxLineItemID == "" {
		return billfold.NewValidationError().Add("taxLineItemId", "must not be empty")
	}
	return nil
}

// TaxesCleared empties the tax line items.
type TaxesCleared struct{}

func (TaxesCleared) EventKind() string { return KindTaxesCleared }
func (TaxesCleared) Validate() error   { return nil }
