package invoice_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/billfold/billfold"
	"github.com/billfold/billfold/eventlog/memory"
	"github.com/billfold/billfold/invoice"
)

func newTestService(t *testing.T, opts ...invoice.ServiceOption) *invoice.Service {
	t.Helper()
	svc, err := invoice.NewService(memory.NewStore(), opts...)
	if err != nil {
		t.Fatalf("build service: %v", err)
	}
	return svc
}

func createTestInvoice(t *testing.T, svc *invoice.Service, companyID string) *invoice.Invoice {
	t.Helper()
	inv, err := svc.CreateInvoice(context.Background(), invoice.CreateInvoiceInput{
		WorkspaceID:   "ws-1",
		CompanyID:     companyID,
		SellerID:      "seller-1",
		BuyerID:       "buyer-1",
		InvoiceNumber: "INV-0001",
	}, "user-1")
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	return inv
}

func TestCreateAndGetInvoice(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	inv := createTestInvoice(t, svc, "co-1")
	if inv.ID == "" {
		t.Fatal("expected a generated id")
	}
	if inv.Status != invoice.StatusDraft {
		t.Fatalf("got status %s, want DRAFT", inv.Status)
	}

	got, err := svc.GetInvoiceByID(ctx, inv.ID, "co-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.ID != inv.ID {
		t.Fatalf("got %+v, want the created invoice", got)
	}
}

func TestTenancyNeverLeaksExistence(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	inv := createTestInvoice(t, svc, "co-1")

	t.Run("get with wrong company", func(t *testing.T) {
		got, err := svc.GetInvoiceByID(ctx, inv.ID, "co-2")
		if err != nil {
			t.Fatalf("expected nil result, not error, got %v", err)
		}
		if got != nil {
			t.Fatalf("cross-tenant read returned %+v", got)
		}
	})

	t.Run("mutate with wrong company", func(t *testing.T) {
		got, err := svc.MarkInvoiceAsSent(ctx, inv.ID, "co-2", time.Now(), "user-2")
		if err != nil || got != nil {
			t.Fatalf("got (%+v, %v), want (nil, nil)", got, err)
		}

		// The invoice is untouched.
		still, err := svc.GetInvoiceByID(ctx, inv.ID, "co-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if still.Status != invoice.StatusDraft {
			t.Fatalf("cross-tenant write went through, status %s", still.Status)
		}
	})

	t.Run("delete with wrong company", func(t *testing.T) {
		deleted, err := svc.DeleteInvoice(ctx, inv.ID, "co-2", "user-2")
		if err != nil || deleted {
			t.Fatalf("got (%v, %v), want (false, nil)", deleted, err)
		}
	})

	t.Run("history with wrong company", func(t *testing.T) {
		events, err := svc.InvoiceEvents(ctx, inv.ID, "co-2")
		if err != nil || events != nil {
			t.Fatalf("got (%v, %v), want (nil, nil)", events, err)
		}
	})

	t.Run("empty ids", func(t *testing.T) {
		got, err := svc.GetInvoiceByID(ctx, "", "co-1")
		if err != nil || got != nil {
			t.Fatalf("got (%+v, %v), want (nil, nil)", got, err)
		}
		got, err = svc.GetInvoiceByID(ctx, inv.ID, "")
		if err != nil || got != nil {
			t.Fatalf("got (%+v, %v), want (nil, nil)", got, err)
		}
	})
}

func TestInvoiceLifecycleFlow(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	inv := createTestInvoice(t, svc, "co-1")

	_, err := svc.AddChargeToInvoice(ctx, inv.ID, "co-1", invoice.ChargeInput{
		ChargeID:      "ch-1",
		Description:   "consulting",
		AmountInCents: 10000,
	}, "user-1")
	if err != nil {
		t.Fatalf("add charge: %v", err)
	}

	got, err := svc.AddTaxLineItem(ctx, inv.ID, "co-1", invoice.TaxItemSpec{
		ID:    "vat",
		Kind:  invoice.TaxPercentage,
		Value: 0.19,
		Order: 1,
	}, "user-1")
	if err != nil {
		t.Fatalf("add tax: %v", err)
	}
	if got.FinalSumInCents != 11900 {
		t.Fatalf("got final sum %d, want 11900", got.FinalSumInCents)
	}

	sentDate := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	got, err = svc.MarkInvoiceAsSent(ctx, inv.ID, "co-1", sentDate, "user-1")
	if err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if got.Status != invoice.StatusSent || got.SentAt == nil {
		t.Fatalf("got %+v, want SENT with sentAt", got)
	}

	paidDate := sentDate.AddDate(0, 0, 14)
	got, err = svc.MarkInvoiceAsPaid(ctx, inv.ID, "co-1", paidDate, "user-1")
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if got.Status != invoice.StatusPaid || got.PaidAt == nil {
		t.Fatalf("got %+v, want PAID with paidAt", got)
	}

	events, err := svc.InvoiceEvents(ctx, inv.ID, "co-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	wantKinds := []string{
		invoice.KindCreated,
		invoice.KindChargeAdded,
		invoice.KindTaxAdded,
		invoice.KindMarkedSent,
		invoice.KindMarkedPaid,
	}
	if len(events) != len(wantKinds) {
		t.Fatalf("got %d events, want %d", len(events), len(wantKinds))
	}
	for i, evt := range events {
		if evt.Payload.EventKind() != wantKinds[i] {
			t.Errorf("event %d: got %s, want %s", i, evt.Payload.EventKind(), wantKinds[i])
		}
		if evt.Version != int64(i)+1 {
			t.Errorf("event %d: got version %d, want %d", i, evt.Version, i+1)
		}
		if evt.PrincipalID != "user-1" {
			t.Errorf("event %d: lost principal %q", i, evt.PrincipalID)
		}
	}
}

func TestCancelInvoice(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	inv := createTestInvoice(t, svc, "co-1")

	got, err := svc.CancelInvoice(ctx, inv.ID, "co-1", "user-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != invoice.StatusCancelled {
		t.Fatalf("got status %s, want CANCELLED", got.Status)
	}
}

func TestDeleteInvoice(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	t.Run("draft can be deleted", func(t *testing.T) {
		inv := createTestInvoice(t, svc, "co-1")
		deleted, err := svc.DeleteInvoice(ctx, inv.ID, "co-1", "user-1")
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		if !deleted {
			t.Fatal("expected deleted=true")
		}

		got, err := svc.GetInvoiceByID(ctx, inv.ID, "co-1")
		if err != nil || got != nil {
			t.Fatalf("deleted invoice still readable: (%+v, %v)", got, err)
		}

		// No event is accepted after the tombstone.
		_, err = svc.AddChargeToInvoice(ctx, inv.ID, "co-1", invoice.ChargeInput{
			ChargeID: "ch-1", AmountInCents: 100,
		}, "user-1")
		if err != nil {
			t.Fatalf("expected nil result for tombstoned invoice, got error %v", err)
		}
	})

	t.Run("sent cannot be deleted", func(t *testing.T) {
		inv := createTestInvoice(t, svc, "co-1")
		if _, err := svc.MarkInvoiceAsSent(ctx, inv.ID, "co-1", time.Now(), "user-1"); err != nil {
			t.Fatalf("mark sent: %v", err)
		}

		deleted, err := svc.DeleteInvoice(ctx, inv.ID, "co-1", "user-1")
		if !errors.Is(err, invoice.ErrNotDraft) {
			t.Fatalf("got %v, want ErrNotDraft", err)
		}
		if deleted {
			t.Fatal("expected deleted=false")
		}

		// Still readable afterwards.
		got, err := svc.GetInvoiceByID(ctx, inv.ID, "co-1")
		if err != nil || got == nil {
			t.Fatalf("invoice lost: (%+v, %v)", got, err)
		}
	})

	t.Run("absent invoice", func(t *testing.T) {
		deleted, err := svc.DeleteInvoice(ctx, "no-such-id", "co-1", "user-1")
		if err != nil || deleted {
			t.Fatalf("got (%v, %v), want (false, nil)", deleted, err)
		}
	})
}

func TestServiceRejectsInvalidPayloads(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	inv := createTestInvoice(t, svc, "co-1")

	_, err := svc.AddChargeToInvoice(ctx, inv.ID, "co-1", invoice.ChargeInput{
		ChargeID:      "ch-1",
		AmountInCents: -500,
	}, "user-1")
	var verr *billfold.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("got %v, want *ValidationError", err)
	}

	// The rejected event left no trace.
	events, err := svc.InvoiceEvents(ctx, inv.ID, "co-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want only the create", len(events))
	}
}

func TestListInvoices(t *testing.T) {
	seq := 0
	svc := newTestService(t, invoice.WithIDFactory(func() string {
		seq++
		return fmt.Sprintf("inv-%03d", seq)
	}))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		createTestInvoice(t, svc, "co-1")
	}
	createTestInvoice(t, svc, "co-2")

	if _, err := svc.MarkInvoiceAsSent(ctx, "inv-002", "co-1", time.Now(), "user-1"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	t.Run("by company", func(t *testing.T) {
		got, err := svc.ListInvoices(ctx, invoice.Filter{CompanyID: "co-1"}, invoice.Page{})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("got %d invoices, want 3", len(got))
		}
	})

	t.Run("by company and status", func(t *testing.T) {
		got, err := svc.ListInvoices(ctx, invoice.Filter{
			CompanyID: "co-1",
			Status:    invoice.StatusSent,
		}, invoice.Page{})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 1 || got[0].ID != "inv-002" {
			t.Fatalf("got %+v, want only inv-002", got)
		}
	})

	t.Run("paginated", func(t *testing.T) {
		got, err := svc.ListInvoices(ctx, invoice.Filter{CompanyID: "co-1"}, invoice.Page{Limit: 2, Offset: 1})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("got %d invoices, want 2", len(got))
		}
		if got[0].ID != "inv-002" || got[1].ID != "inv-003" {
			t.Fatalf("got %s, %s; want inv-002, inv-003", got[0].ID, got[1].ID)
		}
	})

	t.Run("deleted invoices are not listed", func(t *testing.T) {
		if _, err := svc.DeleteInvoice(ctx, "inv-001", "co-1", "user-1"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		got, err := svc.ListInvoices(ctx, invoice.Filter{CompanyID: "co-1"}, invoice.Page{})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("got %d invoices, want 2", len(got))
		}
	})
}

func TestServiceClockStampsEvents(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	svc := newTestService(t, invoice.WithClock(func() time.Time { return fixed }))

	inv := createTestInvoice(t, svc, "co-1")
	if !inv.CreatedAt.Equal(fixed) {
		t.Fatalf("got createdAt %v, want %v", inv.CreatedAt, fixed)
	}
	if !inv.UpdatedAt.Equal(fixed) {
		t.Fatalf("got updatedAt %v, want %v", inv.UpdatedAt, fixed)
	}
}
