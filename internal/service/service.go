// Package service is the billing engine: customer management, cart sessions,
// the finalize step that reconciles the customer ledger, payment-only
// invoices, receipts and CSV export. Every write funnels through
// Repository.FinalizeInvoice so the balance rule is applied in exactly one
// place.
package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dukaanpos/backend/internal/domain"
	"dukaanpos/backend/internal/receipt"
	"dukaanpos/backend/internal/store"
)

type Service struct {
	repo     store.Repository
	renderer *receipt.Renderer
	logger   *zap.SugaredLogger

	mu    sync.Mutex
	carts map[string]*domain.Cart
}

func New(repo store.Repository, renderer *receipt.Renderer, logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{
		repo:     repo,
		renderer: renderer,
		logger:   logger,
		carts:    make(map[string]*domain.Cart),
	}
}

func (s *Service) AddCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Customer{}, store.ErrValidation
	}
	if name == domain.WalkInCustomer {
		return domain.Customer{}, fmt.Errorf("%w: %q is reserved", store.ErrValidation, domain.WalkInCustomer)
	}

	created, err := s.repo.CreateCustomer(ctx, domain.Customer{
		Name:      name,
		Phone:     strings.TrimSpace(req.Phone),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return domain.Customer{}, err
	}

	s.logAudit(ctx, "customer_create", "customer", created.Name, "phone="+created.Phone)
	return *created, nil
}

func (s *Service) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	entries, err := s.repo.ListLedger(ctx)
	if err != nil {
		return nil, err
	}
	customers := make([]domain.Customer, 0, len(entries))
	for _, entry := range entries {
		customers = append(customers, domain.Customer{
			Name:         entry.CustomerName,
			Phone:        entry.Phone,
			BalanceCents: entry.BalanceCents,
		})
	}
	return customers, nil
}

func (s *Service) GetCustomer(ctx context.Context, name string) (domain.Customer, error) {
	customer, err := s.repo.GetCustomer(ctx, strings.TrimSpace(name))
	if err != nil {
		return domain.Customer{}, err
	}
	return *customer, nil
}

// OpenCart starts a new billing session. Carts live only in the service;
// nothing is persisted until finalize.
func (s *Service) OpenCart(_ context.Context) (domain.Cart, error) {
	now := time.Now().UTC()
	cart := &domain.Cart{
		ID:           uuid.NewString(),
		CustomerName: domain.WalkInCustomer,
		Lines:        make([]domain.LineItem, 0, 8),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.mu.Lock()
	s.carts[cart.ID] = cart
	s.mu.Unlock()

	return cloneCart(cart), nil
}

func (s *Service) GetCart(_ context.Context, cartID string) (domain.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cart, exists := s.carts[cartID]
	if !exists {
		return domain.Cart{}, store.ErrNotFound
	}
	return cloneCart(cart), nil
}

func (s *Service) AddLineItem(_ context.Context, cartID string, req domain.LineItemRequest) (domain.Cart, error) {
	line := domain.LineItem{
		Description:    strings.TrimSpace(req.Description),
		Qty:            req.Qty,
		UnitPriceCents: req.UnitPriceCents,
	}
	if line.Description == "" || line.Qty < 1 || line.UnitPriceCents < 0 {
		return domain.Cart{}, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cart, exists := s.carts[cartID]
	if !exists {
		return domain.Cart{}, store.ErrNotFound
	}
	cart.Lines = append(cart.Lines, line)
	cart.UpdatedAt = time.Now().UTC()
	return cloneCart(cart), nil
}

func (s *Service) SelectCustomer(ctx context.Context, cartID string, customerName string) (domain.Cart, error) {
	customerName = strings.TrimSpace(customerName)
	if customerName == "" {
		return domain.Cart{}, store.ErrValidation
	}
	if customerName != domain.WalkInCustomer {
		if _, err := s.repo.GetCustomer(ctx, customerName); err != nil {
			return domain.Cart{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cart, exists := s.carts[cartID]
	if !exists {
		return domain.Cart{}, store.ErrNotFound
	}
	cart.CustomerName = customerName
	cart.UpdatedAt = time.Now().UTC()
	return cloneCart(cart), nil
}

func (s *Service) ClearCart(_ context.Context, cartID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.carts[cartID]; !exists {
		return store.ErrNotFound
	}
	delete(s.carts, cartID)
	return nil
}

// Finalize turns a set of lines into an immutable invoice and reconciles the
// customer balance. The returned invoice is a deep snapshot: mutating the
// caller's line slice afterwards cannot change what was stored.
func (s *Service) Finalize(ctx context.Context, customerName string, lines []domain.LineItem, amountPaidCents int64) (domain.Invoice, error) {
	customerName = strings.TrimSpace(customerName)
	if customerName == "" {
		return domain.Invoice{}, fmt.Errorf("%w: customer name required", store.ErrValidation)
	}
	if amountPaidCents < 0 {
		return domain.Invoice{}, fmt.Errorf("%w: negative payment", store.ErrValidation)
	}
	if len(lines) == 0 && amountPaidCents == 0 {
		return domain.Invoice{}, fmt.Errorf("%w: empty invoice", store.ErrValidation)
	}
	for _, line := range lines {
		if strings.TrimSpace(line.Description) == "" || line.Qty < 1 || line.UnitPriceCents < 0 {
			return domain.Invoice{}, fmt.Errorf("%w: bad line item", store.ErrValidation)
		}
	}

	invoice, err := s.repo.FinalizeInvoice(ctx, domain.InvoiceDraft{
		CustomerName:    customerName,
		Lines:           append([]domain.LineItem(nil), lines...),
		AmountPaidCents: amountPaidCents,
	})
	if err != nil {
		return domain.Invoice{}, err
	}

	s.logAudit(ctx, "invoice_finalize", "invoice", invoice.ID,
		fmt.Sprintf("customer=%s,total=%d,paid=%d,balance=%d", invoice.CustomerName, invoice.BillTotalCents, invoice.AmountPaidCents, invoice.NewBalanceCents))
	s.logger.Infow("invoice finalized",
		"invoice_id", invoice.ID,
		"customer", invoice.CustomerName,
		"bill_total_cents", invoice.BillTotalCents,
		"amount_paid_cents", invoice.AmountPaidCents,
		"new_balance_cents", invoice.NewBalanceCents,
	)
	return *invoice, nil
}

// FinalizeCart finalizes the cart's lines against its selected customer. The
// cart is cleared only after the invoice is durable; a failed finalize leaves
// the session intact for retry.
func (s *Service) FinalizeCart(ctx context.Context, cartID string, amountPaidCents int64) (domain.Invoice, error) {
	s.mu.Lock()
	cart, exists := s.carts[cartID]
	var snapshot domain.Cart
	if exists {
		snapshot = cloneCart(cart)
	}
	s.mu.Unlock()

	if !exists {
		return domain.Invoice{}, store.ErrNotFound
	}
	if len(snapshot.Lines) == 0 {
		return domain.Invoice{}, fmt.Errorf("%w: cart is empty", store.ErrValidation)
	}

	invoice, err := s.Finalize(ctx, snapshot.CustomerName, snapshot.Lines, amountPaidCents)
	if err != nil {
		return domain.Invoice{}, err
	}

	s.mu.Lock()
	delete(s.carts, cartID)
	s.mu.Unlock()

	return invoice, nil
}

// RecordPayment writes a payment-only invoice (PAY-..., no lines). Walk-in
// has no ledger to pay against and is rejected.
func (s *Service) RecordPayment(ctx context.Context, customerName string, amountCents int64) (domain.Invoice, error) {
	customerName = strings.TrimSpace(customerName)
	if customerName == "" || amountCents < 1 {
		return domain.Invoice{}, store.ErrValidation
	}
	if customerName == domain.WalkInCustomer {
		return domain.Invoice{}, fmt.Errorf("%w: walk-in has no balance", store.ErrValidation)
	}
	if _, err := s.repo.GetCustomer(ctx, customerName); err != nil {
		return domain.Invoice{}, err
	}

	invoice, err := s.repo.FinalizeInvoice(ctx, domain.InvoiceDraft{
		CustomerName:    customerName,
		AmountPaidCents: amountCents,
	})
	if err != nil {
		return domain.Invoice{}, err
	}

	s.logAudit(ctx, "payment_record", "invoice", invoice.ID,
		fmt.Sprintf("customer=%s,paid=%d,balance=%d", invoice.CustomerName, invoice.AmountPaidCents, invoice.NewBalanceCents))
	s.logger.Infow("payment recorded",
		"invoice_id", invoice.ID,
		"customer", invoice.CustomerName,
		"amount_cents", invoice.AmountPaidCents,
		"new_balance_cents", invoice.NewBalanceCents,
	)
	return *invoice, nil
}

func (s *Service) GetInvoice(ctx context.Context, id string) (domain.Invoice, error) {
	invoice, err := s.repo.GetInvoice(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Invoice{}, err
	}
	return *invoice, nil
}

func (s *Service) ListInvoicesByCustomer(ctx context.Context, customerName string) ([]domain.Invoice, error) {
	return s.repo.ListInvoicesByCustomer(ctx, strings.TrimSpace(customerName))
}

func (s *Service) Receipt(ctx context.Context, invoiceID string) (domain.ReceiptDocument, error) {
	invoice, err := s.repo.GetInvoice(ctx, strings.TrimSpace(invoiceID))
	if err != nil {
		return domain.ReceiptDocument{}, err
	}

	phone := ""
	if customer, err := s.repo.GetCustomer(ctx, invoice.CustomerName); err == nil {
		phone = customer.Phone
	}
	return s.renderer.Render(*invoice, phone), nil
}

// ExportInvoicesCSV dumps the full invoice log with one row per line item,
// payment-only invoices included as a single row with an empty description.
func (s *Service) ExportInvoicesCSV(ctx context.Context) ([]byte, error) {
	invoices, err := s.repo.ListInvoices(ctx)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := []string{"id", "seq", "created_at", "customer_name", "description", "qty", "unit_price_cents", "line_total_cents", "bill_total_cents", "old_balance_cents", "amount_paid_cents", "new_balance_cents"}
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, invoice := range invoices {
		base := []string{
			invoice.ID,
			strconv.FormatInt(invoice.Seq, 10),
			invoice.CreatedAt.UTC().Format(time.RFC3339),
			invoice.CustomerName,
		}
		totals := []string{
			strconv.FormatInt(invoice.BillTotalCents, 10),
			strconv.FormatInt(invoice.OldBalanceCents, 10),
			strconv.FormatInt(invoice.AmountPaidCents, 10),
			strconv.FormatInt(invoice.NewBalanceCents, 10),
		}
		if len(invoice.Lines) == 0 {
			row := append(append([]string{}, base...), "", "0", "0", "0")
			if err := w.Write(append(row, totals...)); err != nil {
				return nil, err
			}
			continue
		}
		for _, line := range invoice.Lines {
			row := append(append([]string{}, base...),
				line.Description,
				strconv.Itoa(line.Qty),
				strconv.FormatInt(line.UnitPriceCents, 10),
				strconv.FormatInt(line.TotalCents(), 10),
			)
			if err := w.Write(append(row, totals...)); err != nil {
				return nil, err
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Service) ExportLedgerCSV(ctx context.Context) ([]byte, error) {
	entries, err := s.repo.ListLedger(ctx)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"customer_name", "phone", "balance_cents"}); err != nil {
		return nil, err
	}
	for _, entry := range entries {
		row := []string{entry.CustomerName, entry.Phone, strconv.FormatInt(entry.BalanceCents, 10)}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Service) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	err := s.repo.AppendAuditLog(ctx, domain.AuditLog{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warnw("audit log write failed", "action", action, "entity_id", entityID, "error", err)
	}
}

func cloneCart(src *domain.Cart) domain.Cart {
	dup := *src
	dup.Lines = append([]domain.LineItem(nil), src.Lines...)
	return dup
}
