package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dukaanpos/backend/internal/domain"
	"dukaanpos/backend/internal/receipt"
	"dukaanpos/backend/internal/store"
	"dukaanpos/backend/internal/store/memory"
)

func newTestService() *Service {
	repo := memory.New(domain.BalanceClampZero)
	renderer := receipt.New("Zeeshan Mobile Accessories", "03296971255")
	return New(repo, renderer, nil)
}

func TestAddCustomer(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	customer, err := svc.AddCustomer(ctx, domain.CustomerCreateRequest{Name: "  Ali  ", Phone: " 0300-1234567 "})
	require.NoError(t, err)
	assert.Equal(t, "Ali", customer.Name)
	assert.Equal(t, "0300-1234567", customer.Phone)

	_, err = svc.AddCustomer(ctx, domain.CustomerCreateRequest{Name: "Ali"})
	assert.ErrorIs(t, err, store.ErrDuplicateCustomer)

	_, err = svc.AddCustomer(ctx, domain.CustomerCreateRequest{Name: ""})
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = svc.AddCustomer(ctx, domain.CustomerCreateRequest{Name: domain.WalkInCustomer})
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestCartLifecycle(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	cart, err := svc.OpenCart(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, cart.ID)
	assert.Equal(t, domain.WalkInCustomer, cart.CustomerName)
	assert.Empty(t, cart.Lines)

	cart, err = svc.AddLineItem(ctx, cart.ID, domain.LineItemRequest{Description: "Charger", Qty: 2, UnitPriceCents: 15000})
	require.NoError(t, err)
	require.Len(t, cart.Lines, 1)
	assert.Equal(t, int64(30000), cart.TotalCents())

	_, err = svc.AddLineItem(ctx, cart.ID, domain.LineItemRequest{Description: "", Qty: 1, UnitPriceCents: 100})
	assert.ErrorIs(t, err, store.ErrValidation)
	_, err = svc.AddLineItem(ctx, "no-such-cart", domain.LineItemRequest{Description: "Cable", Qty: 1, UnitPriceCents: 100})
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, svc.ClearCart(ctx, cart.ID))
	_, err = svc.GetCart(ctx, cart.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, svc.ClearCart(ctx, cart.ID), store.ErrNotFound)
}

func TestSelectCustomerRequiresExisting(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	cart, err := svc.OpenCart(ctx)
	require.NoError(t, err)

	_, err = svc.SelectCustomer(ctx, cart.ID, "Ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.AddCustomer(ctx, domain.CustomerCreateRequest{Name: "Ali"})
	require.NoError(t, err)

	cart, err = svc.SelectCustomer(ctx, cart.ID, "Ali")
	require.NoError(t, err)
	assert.Equal(t, "Ali", cart.CustomerName)

	// Walk-in is always selectable.
	cart, err = svc.SelectCustomer(ctx, cart.ID, domain.WalkInCustomer)
	require.NoError(t, err)
	assert.Equal(t, domain.WalkInCustomer, cart.CustomerName)
}

// Ali buys for 300, pays 200, owes 100; then pays off the rest.
func TestCreditSaleThenPayment(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.AddCustomer(ctx, domain.CustomerCreateRequest{Name: "Ali"})
	require.NoError(t, err)

	cart, err := svc.OpenCart(ctx)
	require.NoError(t, err)
	_, err = svc.AddLineItem(ctx, cart.ID, domain.LineItemRequest{Description: "Charger", Qty: 1, UnitPriceCents: 30000})
	require.NoError(t, err)
	_, err = svc.SelectCustomer(ctx, cart.ID, "Ali")
	require.NoError(t, err)

	invoice, err := svc.FinalizeCart(ctx, cart.ID, 20000)
	require.NoError(t, err)
	assert.Equal(t, "ZMA-000001", invoice.ID)
	assert.Equal(t, int64(30000), invoice.BillTotalCents)
	assert.Equal(t, int64(10000), invoice.NewBalanceCents)

	// The cart is consumed by a successful finalize.
	_, err = svc.GetCart(ctx, cart.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	payment, err := svc.RecordPayment(ctx, "Ali", 10000)
	require.NoError(t, err)
	assert.Equal(t, "PAY-000002", payment.ID)
	assert.Equal(t, int64(0), payment.NewBalanceCents)

	customer, err := svc.GetCustomer(ctx, "Ali")
	require.NoError(t, err)
	assert.Equal(t, int64(0), customer.BalanceCents)
}

func TestFinalizeEmptyCartRejected(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	cart, err := svc.OpenCart(ctx)
	require.NoError(t, err)

	_, err = svc.FinalizeCart(ctx, cart.ID, 0)
	assert.ErrorIs(t, err, store.ErrValidation)

	// The cart survives a failed finalize.
	_, err = svc.GetCart(ctx, cart.ID)
	require.NoError(t, err)
}

func TestFinalizeCartFailureKeepsCart(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	cart, err := svc.OpenCart(ctx)
	require.NoError(t, err)
	_, err = svc.AddLineItem(ctx, cart.ID, domain.LineItemRequest{Description: "Handsfree", Qty: 1, UnitPriceCents: 40000})
	require.NoError(t, err)

	// Walk-in must pay in full, so a partial payment fails.
	_, err = svc.FinalizeCart(ctx, cart.ID, 10000)
	assert.ErrorIs(t, err, store.ErrValidation)

	kept, err := svc.GetCart(ctx, cart.ID)
	require.NoError(t, err)
	assert.Len(t, kept.Lines, 1)
}

func TestFinalizeSnapshotIsolation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	lines := []domain.LineItem{{Description: "Cable", Qty: 1, UnitPriceCents: 100}}
	invoice, err := svc.Finalize(ctx, domain.WalkInCustomer, lines, 100)
	require.NoError(t, err)

	lines[0].UnitPriceCents = 999999

	stored, err := svc.GetInvoice(ctx, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), stored.Lines[0].UnitPriceCents)
}

func TestRecordPaymentGuards(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.RecordPayment(ctx, domain.WalkInCustomer, 1000)
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = svc.RecordPayment(ctx, "Ghost", 1000)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.AddCustomer(ctx, domain.CustomerCreateRequest{Name: "Ali"})
	require.NoError(t, err)

	_, err = svc.RecordPayment(ctx, "Ali", 0)
	assert.ErrorIs(t, err, store.ErrValidation)

	// Under clamp_zero a payment larger than the balance is rejected.
	_, err = svc.RecordPayment(ctx, "Ali", 5000)
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestReceipt(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.AddCustomer(ctx, domain.CustomerCreateRequest{Name: "Ali", Phone: "0300-1234567"})
	require.NoError(t, err)

	invoice, err := svc.Finalize(ctx, "Ali", []domain.LineItem{{Description: "Charger", Qty: 1, UnitPriceCents: 30000}}, 20000)
	require.NoError(t, err)

	doc, err := svc.Receipt(ctx, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, invoice.ID, doc.InvoiceID)
	assert.Contains(t, doc.PreviewText, "Bill No : "+invoice.ID)
	assert.Contains(t, doc.PreviewText, "0300-1234567")
	assert.Contains(t, doc.PreviewText, "Rs. 100.00")
	assert.NotEmpty(t, doc.EscposBase64)
}

func TestExportInvoicesCSV(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.AddCustomer(ctx, domain.CustomerCreateRequest{Name: "Ali"})
	require.NoError(t, err)
	_, err = svc.Finalize(ctx, "Ali", []domain.LineItem{
		{Description: "Charger", Qty: 1, UnitPriceCents: 30000},
		{Description: "Cable", Qty: 2, UnitPriceCents: 1999},
	}, 10000)
	require.NoError(t, err)
	_, err = svc.RecordPayment(ctx, "Ali", 10000)
	require.NoError(t, err)

	payload, err := svc.ExportInvoicesCSV(ctx)
	require.NoError(t, err)

	rows := strings.Split(strings.TrimSpace(string(payload)), "\n")
	// Header, two line rows for the sale, one row for the payment.
	require.Len(t, rows, 4)
	assert.Equal(t, "id,seq,created_at,customer_name,description,qty,unit_price_cents,line_total_cents,bill_total_cents,old_balance_cents,amount_paid_cents,new_balance_cents", rows[0])
	assert.Contains(t, rows[1], "ZMA-000001")
	assert.Contains(t, rows[1], "Charger")
	assert.Contains(t, rows[2], "Cable")
	assert.Contains(t, rows[2], "3998")
	assert.Contains(t, rows[3], "PAY-000002")
}

func TestExportLedgerCSV(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.AddCustomer(ctx, domain.CustomerCreateRequest{Name: "Ali", Phone: "0300-1234567"})
	require.NoError(t, err)
	_, err = svc.Finalize(ctx, "Ali", []domain.LineItem{{Description: "Charger", Qty: 1, UnitPriceCents: 30000}}, 0)
	require.NoError(t, err)

	payload, err := svc.ExportLedgerCSV(ctx)
	require.NoError(t, err)

	text := string(payload)
	assert.Contains(t, text, "customer_name,phone,balance_cents")
	assert.Contains(t, text, "Ali,0300-1234567,30000")
	assert.Contains(t, text, domain.WalkInCustomer)
}

func TestAuditTrail(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.AddCustomer(ctx, domain.CustomerCreateRequest{Name: "Ali"})
	require.NoError(t, err)
	_, err = svc.Finalize(ctx, "Ali", []domain.LineItem{{Description: "Cable", Qty: 1, UnitPriceCents: 100}}, 0)
	require.NoError(t, err)

	logs, err := svc.ListAuditLogs(ctx, time.Time{}, time.Now().UTC().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)

	actions := []string{logs[0].Action, logs[1].Action}
	assert.Contains(t, actions, "customer_create")
	assert.Contains(t, actions, "invoice_finalize")
}
