package domain

import (
	"fmt"
	"time"
)

// All money values are integer cents (paisa). Floating point never touches a
// money path.

// WalkInCustomer is the designated cash-only customer. It carries no ledger
// balance: every walk-in sale must be paid in full and the name never appears
// in the outstanding ledger.
const WalkInCustomer = "Walk-in"

type Customer struct {
	Name         string    `json:"name"`
	Phone        string    `json:"phone,omitempty"`
	BalanceCents int64     `json:"balance_cents"`
	CreatedAt    time.Time `json:"created_at"`
}

type CustomerCreateRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type CustomerListResponse struct {
	Customers []Customer `json:"customers"`
}

type LineItem struct {
	Description    string `json:"description"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

func (l LineItem) TotalCents() int64 {
	return int64(l.Qty) * l.UnitPriceCents
}

// Cart is a transient billing session. It lives in the service only and is
// never persisted; finalizing it produces the durable Invoice.
type Cart struct {
	ID           string     `json:"id"`
	CustomerName string     `json:"customer_name"`
	Lines        []LineItem `json:"lines"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (c *Cart) TotalCents() int64 {
	var total int64
	for _, line := range c.Lines {
		total += line.TotalCents()
	}
	return total
}

// Invoice is the immutable record of one finalize. Seq is a single monotonic
// counter shared by sales and payment-only invoices; the printed ID is derived
// from it (ZMA-000001, PAY-000002, ...).
type Invoice struct {
	ID              string     `json:"id"`
	Seq             int64      `json:"seq"`
	CustomerName    string     `json:"customer_name"`
	Lines           []LineItem `json:"lines"`
	BillTotalCents  int64      `json:"bill_total_cents"`
	OldBalanceCents int64      `json:"old_balance_cents"`
	AmountPaidCents int64      `json:"amount_paid_cents"`
	NewBalanceCents int64      `json:"new_balance_cents"`
	PaymentOnly     bool       `json:"payment_only"`
	CreatedAt       time.Time  `json:"created_at"`
}

const (
	SaleInvoicePrefix    = "ZMA"
	PaymentInvoicePrefix = "PAY"
)

// InvoiceID formats the printed invoice number for a sequence slot.
func InvoiceID(seq int64, paymentOnly bool) string {
	prefix := SaleInvoicePrefix
	if paymentOnly {
		prefix = PaymentInvoicePrefix
	}
	return fmt.Sprintf("%s-%06d", prefix, seq)
}

// InvoiceDraft is the input to the atomic finalize. The store computes the
// balances, allocates the sequence slot and stamps CreatedAt when zero.
type InvoiceDraft struct {
	CustomerName    string
	CustomerPhone   string
	Lines           []LineItem
	AmountPaidCents int64
	CreatedAt       time.Time
}

func (d InvoiceDraft) BillTotalCents() int64 {
	var total int64
	for _, line := range d.Lines {
		total += line.TotalCents()
	}
	return total
}

func (d InvoiceDraft) PaymentOnly() bool {
	return len(d.Lines) == 0
}

type LedgerEntry struct {
	CustomerName string `json:"customer_name"`
	Phone        string `json:"phone,omitempty"`
	BalanceCents int64  `json:"balance_cents"`
}

// BalancePolicy decides what happens when a customer pays more than they owe.
type BalancePolicy string

const (
	// BalanceClampZero forgives overpayment: the balance never goes below
	// zero. This is the default.
	BalanceClampZero BalancePolicy = "clamp_zero"
	// BalanceAllowNegative keeps the credit: a negative balance means the
	// shop owes the customer.
	BalanceAllowNegative BalancePolicy = "allow_negative"
)

func (p BalancePolicy) Apply(balanceCents int64) int64 {
	if p == BalanceClampZero && balanceCents < 0 {
		return 0
	}
	return balanceCents
}

func ParseBalancePolicy(raw string) (BalancePolicy, error) {
	switch BalancePolicy(raw) {
	case BalanceClampZero, BalanceAllowNegative:
		return BalancePolicy(raw), nil
	case "":
		return BalanceClampZero, nil
	}
	return "", fmt.Errorf("unknown balance policy %q", raw)
}

type LineItemRequest struct {
	Description    string `json:"description"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type SelectCustomerRequest struct {
	CustomerName string `json:"customer_name"`
}

type FinalizeRequest struct {
	AmountPaidCents int64 `json:"amount_paid_cents"`
}

type PaymentRequest struct {
	CustomerName string `json:"customer_name"`
	AmountCents  int64  `json:"amount_cents"`
}

type InvoiceListResponse struct {
	Invoices []Invoice `json:"invoices"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   string `json:"expires_at"`
}

type PeriodTotals struct {
	Period        string `json:"period"`
	From          string `json:"from"`
	To            string `json:"to"`
	Invoices      int64  `json:"invoices"`
	SalesCents    int64  `json:"sales_cents"`
	ReceivedCents int64  `json:"received_cents"`
}

type OutstandingEntry struct {
	CustomerName          string `json:"customer_name"`
	Phone                 string `json:"phone,omitempty"`
	TotalBilledCents      int64  `json:"total_billed_cents"`
	TotalPaidCents        int64  `json:"total_paid_cents"`
	RemainingBalanceCents int64  `json:"remaining_balance_cents"`
}

// ConsistencyIssue reports a customer whose stored ledger balance disagrees
// with the balance replayed from their invoice history.
type ConsistencyIssue struct {
	CustomerName         string `json:"customer_name"`
	LedgerBalanceCents   int64  `json:"ledger_balance_cents"`
	ReplayedBalanceCents int64  `json:"replayed_balance_cents"`
}

type OutstandingLedgerResponse struct {
	Entries               []OutstandingEntry `json:"entries"`
	TotalOutstandingCents int64              `json:"total_outstanding_cents"`
	Inconsistencies       []ConsistencyIssue `json:"inconsistencies,omitempty"`
}

type ItemSummary struct {
	Description string `json:"description"`
	Qty         int64  `json:"qty"`
	TotalCents  int64  `json:"total_cents"`
}

type MonthlyItemSummaryResponse struct {
	Month string        `json:"month"`
	Items []ItemSummary `json:"items"`
}

// ReceiptDocument carries both render targets for one invoice: a plain-text
// preview and the raw ESC/POS byte stream for a thermal printer.
type ReceiptDocument struct {
	InvoiceID    string `json:"invoice_id"`
	PreviewText  string `json:"preview_text"`
	EscposBase64 string `json:"escpos_base64"`
	FileName     string `json:"file_name"`
}

type AuditLog struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

type AuditLogListResponse struct {
	Entries []AuditLog `json:"entries"`
}
