package invoice

import "time"

// Status describes the lifecycle of an invoice.
type Status string

const (
	// StatusDraft indicates a newly created, editable invoice.
	StatusDraft Status = "DRAFT"
	// StatusSent indicates the invoice was sent to the buyer.
	StatusSent Status = "SENT"
	// StatusPaid indicates the invoice was paid.
	StatusPaid Status = "PAID"
	// StatusCancelled indicates the invoice was cancelled.
	StatusCancelled Status = "CANCELLED"
)

// TaxKind describes how a tax line item's value is interpreted.
type TaxKind string

const (
	// TaxPercentage applies the value as a fraction of the subtotal
	// (0.085 = 8.5%).
	TaxPercentage TaxKind = "PERCENTAGE"
	// TaxFixedAmount applies the value as a fixed amount in integer cents.
	TaxFixedAmount TaxKind = "FIXED_AMOUNT"
)

// ValidTaxKind reports whether kind is a known TaxKind.
func ValidTaxKind(kind TaxKind) bool {
	return kind == TaxPercentage || kind == TaxFixedAmount
}

// A LineItem is one charge on an invoice. Amounts are integer cents.
type LineItem struct {
	ChargeID      string `json:"chargeId"`
	Description   string `json:"description"`
	AmountInCents int64  `json:"amountInCents"`
}

// A TaxLineItem is one tax applied to the invoice's subtotal. Taxes are
// evaluated in ascending Order; ties keep insertion order. ComputedAmount is
// derived, never set directly.
type TaxLineItem struct {
	ID                    string  `json:"id"`
	Description           string  `json:"description"`
	Kind                  TaxKind `json:"kind"`
	Value                 float64 `json:"value"`
	Order                 int     `json:"order"`
	ComputedAmountInCents int64   `json:"computedAmountInCents"`
}

// An Invoice is the projected state of one invoice aggregate. The derived
// monetary fields are always recomputed from LineItems and TaxLineItems as of
// the latest event, never independently mutated.
type Invoice struct {
	ID            string `json:"id"`
	WorkspaceID   string `json:"workspaceId"`
	CompanyID     string `json:"companyId"`
	SellerID      string `json:"sellerId"`
	BuyerID       string `json:"buyerId"`
	InvoiceNumber string `json:"invoiceNumber"`

	Status       Status        `json:"status"`
	LineItems    []LineItem    `json:"lineItems"`
	TaxLineItems []TaxLineItem `json:"taxLineItems"`

	SubTotalInCents   int64 `json:"subTotalInCents"`
	TotalTaxesInCents int64 `json:"totalTaxesInCents"`
	FinalSumInCents   int64 `json:"finalSumInCents"`

	CreatedAt time.Time  `json:"createdAt"`
	CreatedBy string     `json:"createdBy"`
	UpdatedAt time.Time  `json:"updatedAt"`
	UpdatedBy string     `json:"updatedBy"`
	SentAt    *time.Time `json:"sentAt,omitempty"`
	PaidAt    *time.Time `json:"paidAt,omitempty"`
}

// clone returns a deep copy so reducers never mutate the previous state.
func (inv *Invoice) clone() *Invoice {
	next := *inv
	next.LineItems = append([]LineItem(nil), inv.LineItems...)
	next.TaxLineItems = append([]TaxLineItem(nil), inv.TaxLineItems...)
	if inv.SentAt != nil {
		sentAt := *inv.SentAt
		next.SentAt = &sentAt
	}
	if inv.PaidAt != nil {
		paidAt := *inv.PaidAt
		next.PaidAt = &paidAt
	}
	return &next
}
