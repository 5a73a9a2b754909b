// Package postgres implements the billing Repository on PostgreSQL through
// database/sql and the pgx stdlib driver. The schema is owned by the embedded
// goose migrations.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"dukaanpos/backend/internal/domain"
	"dukaanpos/backend/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	db     *sql.DB
	policy domain.BalancePolicy
}

func New(ctx context.Context, databaseURL string, policy domain.BalancePolicy) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &Store{db: db, policy: policy}
	if err := s.seedWalkIn(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

func (s *Store) seedWalkIn(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (name, phone, balance_cents, created_at)
		VALUES ($1, '-', 0, now())
		ON CONFLICT (name) DO NOTHING
	`, domain.WalkInCustomer)
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetBalance(ctx context.Context, customerName string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT balance_cents FROM customers WHERE name = $1
	`, customerName).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (s *Store) SetBalance(ctx context.Context, customerName string, balanceCents int64) error {
	customerName = strings.TrimSpace(customerName)
	if customerName == "" {
		return store.ErrValidation
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (name, phone, balance_cents, created_at)
		VALUES ($1, '', $2, now())
		ON CONFLICT (name) DO UPDATE SET balance_cents = EXCLUDED.balance_cents
	`, customerName, balanceCents)
	return err
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	customer.Name = strings.TrimSpace(customer.Name)
	if customer.Name == "" {
		return nil, store.ErrValidation
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (name, phone, balance_cents, created_at)
		VALUES ($1, $2, $3, $4)
	`, customer.Name, customer.Phone, customer.BalanceCents, customer.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateCustomer
		}
		return nil, err
	}
	created := customer
	return &created, nil
}

func (s *Store) GetOrCreateCustomer(ctx context.Context, customerName string) (*domain.Customer, error) {
	customerName = strings.TrimSpace(customerName)
	if customerName == "" {
		return nil, store.ErrValidation
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (name, phone, balance_cents, created_at)
		VALUES ($1, '', 0, now())
		ON CONFLICT (name) DO NOTHING
	`, customerName)
	if err != nil {
		return nil, err
	}
	return s.GetCustomer(ctx, customerName)
}

func (s *Store) GetCustomer(ctx context.Context, customerName string) (*domain.Customer, error) {
	var customer domain.Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT name, phone, balance_cents, created_at
		FROM customers
		WHERE name = $1
	`, customerName).Scan(&customer.Name, &customer.Phone, &customer.BalanceCents, &customer.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	customer.CreatedAt = customer.CreatedAt.UTC()
	return &customer, nil
}

func (s *Store) ListLedger(ctx context.Context) ([]domain.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, phone, balance_cents
		FROM customers
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0, 64)
	for rows.Next() {
		var entry domain.LedgerEntry
		if err := rows.Scan(&entry.CustomerName, &entry.Phone, &entry.BalanceCents); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) AppendInvoice(ctx context.Context, invoice domain.Invoice) error {
	if invoice.ID == "" || invoice.Seq < 1 {
		return store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertInvoiceTx(ctx, tx, invoice); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: invoice %s already appended", store.ErrValidation, invoice.ID)
		}
		return err
	}
	return tx.Commit()
}

func insertInvoiceTx(ctx context.Context, tx *sql.Tx, invoice domain.Invoice) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO invoices (id, seq, customer_name, bill_total_cents, old_balance_cents,
			amount_paid_cents, new_balance_cents, payment_only, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, invoice.ID, invoice.Seq, invoice.CustomerName, invoice.BillTotalCents, invoice.OldBalanceCents,
		invoice.AmountPaidCents, invoice.NewBalanceCents, invoice.PaymentOnly, invoice.CreatedAt)
	if err != nil {
		return err
	}
	for i, line := range invoice.Lines {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO invoice_lines (invoice_id, line_no, description, qty, unit_price_cents)
			VALUES ($1,$2,$3,$4,$5)
		`, invoice.ID, i+1, line.Description, line.Qty, line.UnitPriceCents)
		if err != nil {
			return err
		}
	}
	return nil
}

const invoiceColumns = `
	SELECT id, seq, customer_name, bill_total_cents, old_balance_cents,
		amount_paid_cents, new_balance_cents, payment_only, created_at
	FROM invoices
`

func (s *Store) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	var invoice domain.Invoice
	err := s.db.QueryRowContext(ctx, invoiceColumns+` WHERE id = $1`, id).Scan(
		&invoice.ID, &invoice.Seq, &invoice.CustomerName, &invoice.BillTotalCents,
		&invoice.OldBalanceCents, &invoice.AmountPaidCents, &invoice.NewBalanceCents,
		&invoice.PaymentOnly, &invoice.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	invoice.CreatedAt = invoice.CreatedAt.UTC()
	if err := s.attachLines(ctx, []*domain.Invoice{&invoice}); err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (s *Store) ListInvoicesByCustomer(ctx context.Context, customerName string) ([]domain.Invoice, error) {
	return s.queryInvoices(ctx, invoiceColumns+` WHERE customer_name = $1 ORDER BY seq`, customerName)
}

func (s *Store) ListInvoicesByDateRange(ctx context.Context, from time.Time, to time.Time) ([]domain.Invoice, error) {
	return s.queryInvoices(ctx, invoiceColumns+` WHERE created_at >= $1 AND created_at < $2 ORDER BY seq`, from, to)
}

func (s *Store) ListInvoices(ctx context.Context) ([]domain.Invoice, error) {
	return s.queryInvoices(ctx, invoiceColumns+` ORDER BY seq`)
}

func (s *Store) queryInvoices(ctx context.Context, query string, args ...any) ([]domain.Invoice, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	invoices := make([]domain.Invoice, 0, 32)
	for rows.Next() {
		var invoice domain.Invoice
		if err := rows.Scan(&invoice.ID, &invoice.Seq, &invoice.CustomerName, &invoice.BillTotalCents,
			&invoice.OldBalanceCents, &invoice.AmountPaidCents, &invoice.NewBalanceCents,
			&invoice.PaymentOnly, &invoice.CreatedAt); err != nil {
			return nil, err
		}
		invoice.CreatedAt = invoice.CreatedAt.UTC()
		invoices = append(invoices, invoice)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	refs := make([]*domain.Invoice, len(invoices))
	for i := range invoices {
		refs[i] = &invoices[i]
	}
	if err := s.attachLines(ctx, refs); err != nil {
		return nil, err
	}
	return invoices, nil
}

func (s *Store) attachLines(ctx context.Context, invoices []*domain.Invoice) error {
	if len(invoices) == 0 {
		return nil
	}
	ids := make([]string, 0, len(invoices))
	byID := make(map[string]*domain.Invoice, len(invoices))
	for _, invoice := range invoices {
		ids = append(ids, invoice.ID)
		byID[invoice.ID] = invoice
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT invoice_id, description, qty, unit_price_cents
		FROM invoice_lines
		WHERE invoice_id = ANY($1)
		ORDER BY invoice_id, line_no
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var invoiceID string
		var line domain.LineItem
		if err := rows.Scan(&invoiceID, &line.Description, &line.Qty, &line.UnitPriceCents); err != nil {
			return err
		}
		if invoice, ok := byID[invoiceID]; ok {
			invoice.Lines = append(invoice.Lines, line)
		}
	}
	return rows.Err()
}

// FinalizeInvoice runs the billing step inside one serializable transaction.
// The customer row is locked FOR UPDATE so concurrent finalizes against the
// same customer queue up instead of reading a stale balance. Finalizes
// against different customers proceed in parallel and can collide on the
// shared sequence scan; those transactions abort with a serialization
// failure or a UNIQUE(seq) violation and are retried a bounded number of
// times before the error surfaces.
func (s *Store) FinalizeInvoice(ctx context.Context, draft domain.InvoiceDraft) (*domain.Invoice, error) {
	name := strings.TrimSpace(draft.CustomerName)
	if name == "" || draft.AmountPaidCents < 0 {
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

	var invoice *domain.Invoice
	backoff := retry.WithMaxRetries(3, retry.NewConstant(25*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		result, err := s.finalizeTx(ctx, draft, name, paymentOnly)
		if err != nil {
			if isRetryableTxError(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		invoice = result
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrValidation) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", store.ErrPersistence, err)
	}
	return invoice, nil
}

func (s *Store) finalizeTx(ctx context.Context, draft domain.InvoiceDraft, name string, paymentOnly bool) (*domain.Invoice, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO customers (name, phone, balance_cents, created_at)
		VALUES ($1, $2, 0, now())
		ON CONFLICT (name) DO NOTHING
	`, name, draft.CustomerPhone)
	if err != nil {
		return nil, err
	}

	var oldBalance int64
	err = tx.QueryRowContext(ctx, `
		SELECT balance_cents FROM customers WHERE name = $1 FOR UPDATE
	`, name).Scan(&oldBalance)
	if err != nil {
		return nil, err
	}

	billTotal := draft.BillTotalCents()
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

	var seq int64
	err = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM invoices`).Scan(&seq)
	if err != nil {
		return nil, err
	}

	createdAt := draft.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	invoice := domain.Invoice{
		ID:              domain.InvoiceID(seq, paymentOnly),
		Seq:             seq,
		CustomerName:    name,
		Lines:           append([]domain.LineItem(nil), draft.Lines...),
		BillTotalCents:  billTotal,
		OldBalanceCents: oldBalance,
		AmountPaidCents: draft.AmountPaidCents,
		NewBalanceCents: newBalance,
		PaymentOnly:     paymentOnly,
		CreatedAt:       createdAt,
	}

	if err := insertInvoiceTx(ctx, tx, invoice); err != nil {
		return nil, err
	}

	if name != domain.WalkInCustomer {
		_, err = tx.ExecContext(ctx, `
			UPDATE customers SET balance_cents = $2 WHERE name = $1
		`, name, newBalance)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (s *Store) AppendAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, entry.ID, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}
	return false
}

// isRetryableTxError reports transaction aborts worth retrying: serialization
// failures and deadlocks, plus unique violations from two finalizes racing to
// the same sequence slot.
func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.UniqueViolation:
			return true
		}
	}
	return false
}
