package invoice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/billfold/billfold"
	"github.com/billfold/billfold/eventlog"
	"github.com/google/uuid"
)

// ErrNotDraft is returned when deletion is attempted on an invoice that has
// left DRAFT status. Deletion is a business rule of the façade, not of the
// reducer.
var ErrNotDraft = errors.New("invoice is not in draft status")

// Service is the aggregate façade: the only component the rest of the
// application talks to. Every operation first resolves the invoice by id and
// the caller-supplied company id, returning nil for a mismatch — "not found",
// never "forbidden", so existence does not leak across tenants.
type Service struct {
	log   *eventlog.Log[Invoice]
	newID func() string
}

// A ServiceOption configures a Service.
type ServiceOption func(*serviceConfig)

type serviceConfig struct {
	newID   func() string
	logOpts []eventlog.Option[Invoice]
}

// WithIDFactory overrides how new invoice ids are generated.
func WithIDFactory(newID func() string) ServiceOption {
	return func(c *serviceConfig) {
		c.newID = newID
	}
}

// WithClock overrides the wall clock used to stamp events. Mainly for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(c *serviceConfig) {
		c.logOpts = append(c.logOpts, eventlog.WithClock[Invoice](now))
	}
}

// WithLogger overrides the logger.
func WithLogger(logger billfold.Logger) ServiceOption {
	return func(c *serviceConfig) {
		c.logOpts = append(c.logOpts, eventlog.WithLogger[Invoice](logger))
	}
}

// NewService creates the invoice façade over the given storage.
func NewService(storage eventlog.Storage, opts ...ServiceOption) (*Service, error) {
	cfg := serviceConfig{
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	registry, err := Registry()
	if err != nil {
		return nil, fmt.Errorf("building payload registry: %w", err)
	}

	log, err := eventlog.New[Invoice](storage, Reduce, registry, cfg.logOpts...)
	if err != nil {
		return nil, fmt.Errorf("building event log: %w", err)
	}

	return &Service{log: log, newID: cfg.newID}, nil
}

// CreateInvoiceInput carries the fields of a new invoice.
type CreateInvoiceInput struct {
	WorkspaceID   string
	CompanyID     string
	SellerID      string
	BuyerID       string
	InvoiceNumber string
}

// ChargeInput carries one charge to add to an invoice.
type ChargeInput struct {
	ChargeID      string
	Description   string
	AmountInCents int64
}

// Filter selects invoices for listing. Zero fields match everything.
type Filter struct {
	CompanyID   string
	WorkspaceID string
	Status      Status
}

// Page bounds a listing. A zero Limit means no limit.
type Page struct {
	Limit  int
	Offset int
}

// CreateInvoice creates a new DRAFT invoice and returns its projection.
func (s *Service) CreateInvoice(ctx context.Context, in CreateInvoiceInput, principalID string) (*Invoice, error) {
	return s.log.Apply(ctx, s.newID(), &Created{
		WorkspaceID:   in.WorkspaceID,
		CompanyID:     in.CompanyID,
		SellerID:      in.SellerID,
		BuyerID:       in.BuyerID,
		InvoiceNumber: in.InvoiceNumber,
	}, eventlog.Actor{PrincipalID: principalID})
}

// GetInvoiceByID returns the invoice, or nil when it does not exist or does
// not belong to the company.
func (s *Service) GetInvoiceByID(ctx context.Context, id, companyID string) (*Invoice, error) {
	return s.owned(ctx, id, companyID)
}

// ListInvoices returns invoices matching the filter, ordered by id.
func (s *Service) ListInvoices(ctx context.Context, f Filter, page Page) ([]*Invoice, error) {
	equals := map[string]string{}
	if f.CompanyID != "" {
		equals["companyId"] = f.CompanyID
	}
	if f.WorkspaceID != "" {
		equals["workspaceId"] = f.WorkspaceID
	}
	if f.Status != "" {
		equals["status"] = string(f.Status)
	}
	return s.log.Find(ctx, eventlog.Query{
		Equals: equals,
		Limit:  page.Limit,
		Offset: page.Offset,
	})
}

// MarkInvoiceAsSent marks the invoice SENT, stamping the sent date. Returns
// nil when the invoice is not found for the company.
func (s *Service) MarkInvoiceAsSent(ctx context.Context, id, companyID string, date time.Time, principalID string, opts ...eventlog.ApplyOption) (*Invoice, error) {
	return s.applyOwned(ctx, id, companyID, &MarkedSent{Date: date.UTC()}, principalID, opts...)
}

// MarkInvoiceAsPaid marks the invoice PAID, stamping the paid date.
func (s *Service) MarkInvoiceAsPaid(ctx context.Context, id, companyID string, date time.Time, principalID string, opts ...eventlog.ApplyOption) (*Invoice, error) {
	return s.applyOwned(ctx, id, companyID, &MarkedPaid{Date: date.UTC()}, principalID, opts...)
}

// CancelInvoice marks the invoice CANCELLED.
func (s *Service) CancelInvoice(ctx context.Context, id, companyID, principalID string, opts ...eventlog.ApplyOption) (*Invoice, error) {
	return s.applyOwned(ctx, id, companyID, &Cancelled{}, principalID, opts...)
}

// AddChargeToInvoice appends a line item; totals are recomputed.
func (s *Service) AddChargeToInvoice(ctx context.Context, id, companyID string, charge ChargeInput, principalID string, opts ...eventlog.ApplyOption) (*Invoice, error) {
	return s.applyOwned(ctx, id, companyID, &ChargeAdded{
		ChargeID:      charge.ChargeID,
		Description:   charge.Description,
		AmountInCents: charge.AmountInCents,
	}, principalID, opts...)
}

// AddTaxLineItem appends a tax line item; totals are recomputed.
func (s *Service) AddTaxLineItem(ctx context.Context, id, companyID string, item TaxItemSpec, principalID string, opts ...eventlog.ApplyOption) (*Invoice, error) {
	return s.applyOwned(ctx, id, companyID, &TaxAdded{TaxLineItem: item}, principalID, opts...)
}

// UpdateTaxLineItem merges partial fields into a tax line item. A missing tax
// line item id is a no-op, not an error.
func (s *Service) UpdateTaxLineItem(ctx context.Context, id, companyID, taxLineItemID string, updates TaxUpdates, principalID string, opts ...eventlog.ApplyOption) (*Invoice, error) {
	return s.applyOwned(ctx, id, companyID, &TaxUpdated{
		TaxLineItemID: taxLineItemID,
		Updates:       updates,
	}, principalID, opts...)
}

// RemoveTaxLineItem removes a tax line item.
func (s *Service) RemoveTaxLineItem(ctx context.Context, id, companyID, taxLineItemID string, principalID string, opts ...eventlog.ApplyOption) (*Invoice, error) {
	return s.applyOwned(ctx, id, companyID, &TaxRemoved{TaxLineItemID: taxLineItemID}, principalID, opts...)
}

// ClearTaxes removes all tax line items.
func (s *Service) ClearTaxes(ctx context.Context, id, companyID, principalID string, opts ...eventlog.ApplyOption) (*Invoice, error) {
	return s.applyOwned(ctx, id, companyID, &TaxesCleared{}, principalID, opts...)
}

// DeleteInvoice tombstones the invoice. Only permitted while the invoice is
// still DRAFT; attempting to delete one that moved on returns ErrNotDraft
// without touching the log. Returns false when the invoice is not found for
// the company.
func (s *Service) DeleteInvoice(ctx context.Context, id, companyID, principalID string, opts ...eventlog.ApplyOption) (bool, error) {
	inv, err := s.owned(ctx, id, companyID)
	if err != nil {
		return false, err
	}
	if inv == nil {
		return false, nil
	}
	if inv.Status != StatusDraft {
		return false, fmt.Errorf("deleting invoice %s in status %s: %w", id, inv.Status, ErrNotDraft)
	}

	if _, err := s.log.Apply(ctx, id, &Deleted{}, eventlog.Actor{PrincipalID: principalID}, opts...); err != nil {
		return false, err
	}
	return true, nil
}

// InvoiceEvents returns the invoice's full ordered event history for audit.
// Returns nil when the invoice is not found for the company. Deleted
// invoices have no projection, so their history is only reachable without a
// tenancy match and stays internal.
func (s *Service) InvoiceEvents(ctx context.Context, id, companyID string) ([]billfold.Event, error) {
	inv, err := s.owned(ctx, id, companyID)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, nil
	}
	return s.log.History(ctx, id)
}

// applyOwned performs the tenancy check, then delegates to the log.
func (s *Service) applyOwned(ctx context.Context, id, companyID string, payload billfold.Payload, principalID string, opts ...eventlog.ApplyOption) (*Invoice, error) {
	inv, err := s.owned(ctx, id, companyID)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, nil
	}
	return s.log.Apply(ctx, id, payload, eventlog.Actor{PrincipalID: principalID}, opts...)
}

func (s *Service) owned(ctx context.Context, id, companyID string) (*Invoice, error) {
	if id == "" || companyID == "" {
		return nil, nil
	}
	inv, err := s.log.State(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv == nil || inv.CompanyID != companyID {
		return nil, nil
	}
	return inv, nil
}
