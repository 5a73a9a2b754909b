package store

import (
	"context"
	"errors"
	"time"

	"dukaanpos/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("invalid input")
	ErrDuplicateCustomer = errors.New("customer already exists")
	ErrPersistence       = errors.New("persistence failure")
	ErrConsistency       = errors.New("ledger inconsistent with invoice log")
)

// LedgerStore holds the per-customer running balance. GetBalance reports 0
// for customers that have never been seen and has no side effects.
type LedgerStore interface {
	GetBalance(ctx context.Context, customerName string) (int64, error)
	SetBalance(ctx context.Context, customerName string, balanceCents int64) error
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	GetOrCreateCustomer(ctx context.Context, customerName string) (*domain.Customer, error)
	GetCustomer(ctx context.Context, customerName string) (*domain.Customer, error)
	ListLedger(ctx context.Context) ([]domain.LedgerEntry, error)
}

// InvoiceStore is the append-only invoice log. AppendInvoice never overwrites
// an existing id and the invoice is durable before the call returns.
type InvoiceStore interface {
	AppendInvoice(ctx context.Context, invoice domain.Invoice) error
	GetInvoice(ctx context.Context, id string) (*domain.Invoice, error)
	ListInvoicesByCustomer(ctx context.Context, customerName string) ([]domain.Invoice, error)
	ListInvoicesByDateRange(ctx context.Context, from time.Time, to time.Time) ([]domain.Invoice, error)
	ListInvoices(ctx context.Context) ([]domain.Invoice, error)
}

// Repository is the pluggable persistence contract. FinalizeInvoice is the
// composite read-balance, compute, allocate-seq, append, write-balance step:
// it is all-or-nothing, and concurrent calls against the same customer are
// serialized by the backend (one mutex in memory, a row lock in postgres).
type Repository interface {
	LedgerStore
	InvoiceStore

	FinalizeInvoice(ctx context.Context, draft domain.InvoiceDraft) (*domain.Invoice, error)

	AppendAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	Ping(ctx context.Context) error
	Close() error
}
