// Package memory implements the billing Repository as maps behind one
// RWMutex. With a data directory it doubles as the file-table backend: the
// ledger and the invoice log are mirrored to CSV files and reloaded on
// startup, with the next invoice sequence recovered as max(seq)+1.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dukaanpos/backend/internal/domain"
	"dukaanpos/backend/internal/store"
)

type Store struct {
	mu      sync.RWMutex
	policy  domain.BalancePolicy
	dataDir string

	customers map[string]domain.Customer
	invoices  map[string]domain.Invoice
	seqOrder  []string
	auditLogs []domain.AuditLog
	nextSeq   int64
}

// New returns a transient store with no file backing. The walk-in customer
// is pre-seeded with a zero balance.
func New(policy domain.BalancePolicy) *Store {
	s := &Store{
		policy:    policy,
		customers: make(map[string]domain.Customer),
		invoices:  make(map[string]domain.Invoice),
		seqOrder:  make([]string, 0, 64),
		auditLogs: make([]domain.AuditLog, 0, 128),
		nextSeq:   1,
	}
	s.customers[domain.WalkInCustomer] = domain.Customer{
		Name:      domain.WalkInCustomer,
		Phone:     "-",
		CreatedAt: time.Now().UTC(),
	}
	return s
}

// Open returns a store backed by CSV tables under dataDir, creating the
// directory and loading any existing tables. Every mutation rewrites the
// tables before it returns, so a reopened store resumes with the same
// balances and the same invoice sequence.
func Open(dataDir string, policy domain.BalancePolicy) (*Store, error) {
	s := New(policy)
	s.dataDir = dataDir
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", store.ErrPersistence, dataDir, err)
	}
	return s, nil
}

func (s *Store) GetBalance(_ context.Context, customerName string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, exists := s.customers[customerName]
	if !exists {
		return 0, nil
	}
	return customer.BalanceCents, nil
}

func (s *Store) SetBalance(_ context.Context, customerName string, balanceCents int64) error {
	customerName = strings.TrimSpace(customerName)
	if customerName == "" {
		return store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.customers[customerName]
	customer := prev
	if !existed {
		customer = domain.Customer{Name: customerName, CreatedAt: time.Now().UTC()}
	}
	customer.BalanceCents = balanceCents
	s.customers[customerName] = customer

	if err := s.persistLocked(); err != nil {
		if existed {
			s.customers[customerName] = prev
		} else {
			delete(s.customers, customerName)
		}
		return fmt.Errorf("%w: %v", store.ErrPersistence, err)
	}
	return nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	customer.Name = strings.TrimSpace(customer.Name)
	if customer.Name == "" {
		return nil, store.ErrValidation
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.customers[customer.Name]; exists {
		return nil, store.ErrDuplicateCustomer
	}
	s.customers[customer.Name] = customer

	if err := s.persistLocked(); err != nil {
		delete(s.customers, customer.Name)
		return nil, fmt.Errorf("%w: %v", store.ErrPersistence, err)
	}
	created := customer
	return &created, nil
}

func (s *Store) GetOrCreateCustomer(_ context.Context, customerName string) (*domain.Customer, error) {
	customerName = strings.TrimSpace(customerName)
	if customerName == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.customers[customerName]; exists {
		found := existing
		return &found, nil
	}

	customer := domain.Customer{Name: customerName, CreatedAt: time.Now().UTC()}
	s.customers[customerName] = customer
	if err := s.persistLocked(); err != nil {
		delete(s.customers, customerName)
		return nil, fmt.Errorf("%w: %v", store.ErrPersistence, err)
	}
	created := customer
	return &created, nil
}

func (s *Store) GetCustomer(_ context.Context, customerName string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, exists := s.customers[customerName]
	if !exists {
		return nil, store.ErrNotFound
	}
	found := customer
	return &found, nil
}

func (s *Store) ListLedger(_ context.Context) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]domain.LedgerEntry, 0, len(s.customers))
	for _, customer := range s.customers {
		entries = append(entries, domain.LedgerEntry{
			CustomerName: customer.Name,
			Phone:        customer.Phone,
			BalanceCents: customer.BalanceCents,
		})
	}
	slices.SortFunc(entries, func(a, b domain.LedgerEntry) int {
		return cmpString(a.CustomerName, b.CustomerName)
	})
	return entries, nil
}

func (s *Store) AppendInvoice(_ context.Context, invoice domain.Invoice) error {
	if invoice.ID == "" || invoice.Seq < 1 {
		return store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.invoices[invoice.ID]; exists {
		return fmt.Errorf("%w: invoice %s already appended", store.ErrValidation, invoice.ID)
	}
	s.invoices[invoice.ID] = cloneInvoice(invoice)
	s.seqOrder = append(s.seqOrder, invoice.ID)
	if invoice.Seq >= s.nextSeq {
		s.nextSeq = invoice.Seq + 1
	}

	if err := s.persistLocked(); err != nil {
		delete(s.invoices, invoice.ID)
		s.seqOrder = s.seqOrder[:len(s.seqOrder)-1]
		return fmt.Errorf("%w: %v", store.ErrPersistence, err)
	}
	return nil
}

func (s *Store) GetInvoice(_ context.Context, id string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	invoice, exists := s.invoices[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	found := cloneInvoice(invoice)
	return &found, nil
}

func (s *Store) ListInvoicesByCustomer(_ context.Context, customerName string) ([]domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Invoice, 0, 16)
	for _, id := range s.seqOrder {
		invoice := s.invoices[id]
		if invoice.CustomerName != customerName {
			continue
		}
		result = append(result, cloneInvoice(invoice))
	}
	return result, nil
}

func (s *Store) ListInvoicesByDateRange(_ context.Context, from time.Time, to time.Time) ([]domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Invoice, 0, 32)
	for _, id := range s.seqOrder {
		invoice := s.invoices[id]
		if invoice.CreatedAt.Before(from) || !invoice.CreatedAt.Before(to) {
			continue
		}
		result = append(result, cloneInvoice(invoice))
	}
	return result, nil
}

func (s *Store) ListInvoices(_ context.Context) ([]domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Invoice, 0, len(s.seqOrder))
	for _, id := range s.seqOrder {
		result = append(result, cloneInvoice(s.invoices[id]))
	}
	return result, nil
}

// FinalizeInvoice runs the whole billing step under one lock: read the old
// balance, compute the new one, allocate the next sequence slot, append the
// invoice and write the balance back. On a persistence failure every map
// mutation is rolled back, so a failed call leaves no trace.
func (s *Store) FinalizeInvoice(_ context.Context, draft domain.InvoiceDraft) (*domain.Invoice, error) {
	name := strings.TrimSpace(draft.CustomerName)
	if name == "" {
		return nil, store.ErrValidation
	}
	if draft.AmountPaidCents < 0 {
		return nil, store.ErrValidation
	}
	for _, line := range draft.Lines {
		if strings.TrimSpace(line.Description) == "" || line.Qty < 1 || line.UnitPriceCents < 0 {
			return nil, store.ErrValidation
		}
	}
	paymentOnly := draft.PaymentOnly()
	if paymentOnly && draft.AmountPaidCents == 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prevCustomer, existed := s.customers[name]
	customer := prevCustomer
	if !existed {
		customer = domain.Customer{Name: name, Phone: draft.CustomerPhone, CreatedAt: time.Now().UTC()}
	}

	billTotal := draft.BillTotalCents()
	oldBalance := customer.BalanceCents

	if name == domain.WalkInCustomer {
		if draft.AmountPaidCents != billTotal {
			return nil, fmt.Errorf("%w: walk-in sales must be paid in full", store.ErrValidation)
		}
		oldBalance = 0
	}
	if name != domain.WalkInCustomer && s.policy == domain.BalanceClampZero && draft.AmountPaidCents > oldBalance+billTotal {
		return nil, fmt.Errorf("%w: payment exceeds bill plus outstanding balance", store.ErrValidation)
	}

	newBalance := s.policy.Apply(oldBalance + billTotal - draft.AmountPaidCents)
	if name == domain.WalkInCustomer {
		newBalance = 0
	}

	createdAt := draft.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	seq := s.nextSeq
	invoice := domain.Invoice{
		ID:              domain.InvoiceID(seq, paymentOnly),
		Seq:             seq,
		CustomerName:    name,
		Lines:           cloneLines(draft.Lines),
		BillTotalCents:  billTotal,
		OldBalanceCents: oldBalance,
		AmountPaidCents: draft.AmountPaidCents,
		NewBalanceCents: newBalance,
		PaymentOnly:     paymentOnly,
		CreatedAt:       createdAt,
	}

	customer.BalanceCents = newBalance
	if name == domain.WalkInCustomer {
		customer.BalanceCents = 0
	}
	s.customers[name] = customer
	s.invoices[invoice.ID] = invoice
	s.seqOrder = append(s.seqOrder, invoice.ID)
	s.nextSeq = seq + 1

	if err := s.persistLocked(); err != nil {
		if existed {
			s.customers[name] = prevCustomer
		} else {
			delete(s.customers, name)
		}
		delete(s.invoices, invoice.ID)
		s.seqOrder = s.seqOrder[:len(s.seqOrder)-1]
		s.nextSeq = seq
		return nil, fmt.Errorf("%w: %v", store.ErrPersistence, err)
	}

	finalized := cloneInvoice(invoice)
	return &finalized, nil
}

func (s *Store) AppendAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)

	if err := s.persistLocked(); err != nil {
		s.auditLogs = s.auditLogs[:len(s.auditLogs)-1]
		return fmt.Errorf("%w: %v", store.ErrPersistence, err)
	}
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}
	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) Ping(_ context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneLines(lines []domain.LineItem) []domain.LineItem {
	dup := make([]domain.LineItem, len(lines))
	copy(dup, lines)
	return dup
}

func cloneInvoice(src domain.Invoice) domain.Invoice {
	dup := src
	dup.Lines = cloneLines(src.Lines)
	return dup
}
