package memory

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"dukaanpos/backend/internal/domain"
)

// File-table persistence. Each table is one CSV under the data directory,
// rewritten in full on every mutation via temp file, fsync and rename so a
// crash mid-write never leaves a torn table behind.

const (
	ledgerFile  = "ledger.csv"
	invoiceFile = "invoices.csv"
	linesFile   = "invoice_lines.csv"
	auditFile   = "audit.csv"
)

func (s *Store) load() error {
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return err
	}
	if err := s.loadLedger(); err != nil {
		return fmt.Errorf("%s: %w", ledgerFile, err)
	}
	lines, err := s.loadLines()
	if err != nil {
		return fmt.Errorf("%s: %w", linesFile, err)
	}
	if err := s.loadInvoices(lines); err != nil {
		return fmt.Errorf("%s: %w", invoiceFile, err)
	}
	if err := s.loadAudit(); err != nil {
		return fmt.Errorf("%s: %w", auditFile, err)
	}
	return nil
}

func (s *Store) loadLedger() error {
	records, err := readTable(filepath.Join(s.dataDir, ledgerFile))
	if err != nil || records == nil {
		return err
	}
	for _, rec := range records {
		if len(rec) != 4 {
			return fmt.Errorf("want 4 columns, got %d", len(rec))
		}
		balance, err := strconv.ParseInt(rec[2], 10, 64)
		if err != nil {
			return err
		}
		createdAt, err := time.Parse(time.RFC3339Nano, rec[3])
		if err != nil {
			return err
		}
		s.customers[rec[0]] = domain.Customer{
			Name:         rec[0],
			Phone:        rec[1],
			BalanceCents: balance,
			CreatedAt:    createdAt,
		}
	}
	return nil
}

func (s *Store) loadLines() (map[string][]domain.LineItem, error) {
	records, err := readTable(filepath.Join(s.dataDir, linesFile))
	if err != nil || records == nil {
		return map[string][]domain.LineItem{}, err
	}
	byInvoice := make(map[string][]domain.LineItem)
	for _, rec := range records {
		if len(rec) != 5 {
			return nil, fmt.Errorf("want 5 columns, got %d", len(rec))
		}
		qty, err := strconv.Atoi(rec[3])
		if err != nil {
			return nil, err
		}
		unitPrice, err := strconv.ParseInt(rec[4], 10, 64)
		if err != nil {
			return nil, err
		}
		byInvoice[rec[0]] = append(byInvoice[rec[0]], domain.LineItem{
			Description:    rec[2],
			Qty:            qty,
			UnitPriceCents: unitPrice,
		})
	}
	return byInvoice, nil
}

func (s *Store) loadInvoices(linesByInvoice map[string][]domain.LineItem) error {
	records, err := readTable(filepath.Join(s.dataDir, invoiceFile))
	if err != nil || records == nil {
		return err
	}
	for _, rec := range records {
		if len(rec) != 9 {
			return fmt.Errorf("want 9 columns, got %d", len(rec))
		}
		seq, err := strconv.ParseInt(rec[1], 10, 64)
		if err != nil {
			return err
		}
		billTotal, err := strconv.ParseInt(rec[3], 10, 64)
		if err != nil {
			return err
		}
		oldBalance, err := strconv.ParseInt(rec[4], 10, 64)
		if err != nil {
			return err
		}
		amountPaid, err := strconv.ParseInt(rec[5], 10, 64)
		if err != nil {
			return err
		}
		newBalance, err := strconv.ParseInt(rec[6], 10, 64)
		if err != nil {
			return err
		}
		paymentOnly, err := strconv.ParseBool(rec[7])
		if err != nil {
			return err
		}
		createdAt, err := time.Parse(time.RFC3339Nano, rec[8])
		if err != nil {
			return err
		}
		invoice := domain.Invoice{
			ID:              rec[0],
			Seq:             seq,
			CustomerName:    rec[2],
			Lines:           linesByInvoice[rec[0]],
			BillTotalCents:  billTotal,
			OldBalanceCents: oldBalance,
			AmountPaidCents: amountPaid,
			NewBalanceCents: newBalance,
			PaymentOnly:     paymentOnly,
			CreatedAt:       createdAt,
		}
		s.invoices[invoice.ID] = invoice
		s.seqOrder = append(s.seqOrder, invoice.ID)
		if invoice.Seq >= s.nextSeq {
			s.nextSeq = invoice.Seq + 1
		}
	}
	slices.SortFunc(s.seqOrder, func(a, b string) int {
		if s.invoices[a].Seq < s.invoices[b].Seq {
			return -1
		}
		return 1
	})
	return nil
}

func (s *Store) loadAudit() error {
	records, err := readTable(filepath.Join(s.dataDir, auditFile))
	if err != nil || records == nil {
		return err
	}
	for _, rec := range records {
		if len(rec) != 6 {
			return fmt.Errorf("want 6 columns, got %d", len(rec))
		}
		createdAt, err := time.Parse(time.RFC3339Nano, rec[5])
		if err != nil {
			return err
		}
		s.auditLogs = append(s.auditLogs, domain.AuditLog{
			ID:         rec[0],
			Action:     rec[1],
			EntityType: rec[2],
			EntityID:   rec[3],
			Detail:     rec[4],
			CreatedAt:  createdAt,
		})
	}
	return nil
}

// persistLocked rewrites every table. Callers hold the write lock; a nil
// data directory makes it a no-op so the transient store pays nothing.
func (s *Store) persistLocked() error {
	if s.dataDir == "" {
		return nil
	}

	ledger := make([][]string, 0, len(s.customers))
	for _, customer := range s.customers {
		ledger = append(ledger, []string{
			customer.Name,
			customer.Phone,
			strconv.FormatInt(customer.BalanceCents, 10),
			customer.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	slices.SortFunc(ledger, func(a, b []string) int { return cmpString(a[0], b[0]) })

	invoices := make([][]string, 0, len(s.seqOrder))
	lines := make([][]string, 0, len(s.seqOrder))
	for _, id := range s.seqOrder {
		invoice := s.invoices[id]
		invoices = append(invoices, []string{
			invoice.ID,
			strconv.FormatInt(invoice.Seq, 10),
			invoice.CustomerName,
			strconv.FormatInt(invoice.BillTotalCents, 10),
			strconv.FormatInt(invoice.OldBalanceCents, 10),
			strconv.FormatInt(invoice.AmountPaidCents, 10),
			strconv.FormatInt(invoice.NewBalanceCents, 10),
			strconv.FormatBool(invoice.PaymentOnly),
			invoice.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		for i, line := range invoice.Lines {
			lines = append(lines, []string{
				invoice.ID,
				strconv.Itoa(i + 1),
				line.Description,
				strconv.Itoa(line.Qty),
				strconv.FormatInt(line.UnitPriceCents, 10),
			})
		}
	}

	audit := make([][]string, 0, len(s.auditLogs))
	for _, entry := range s.auditLogs {
		audit = append(audit, []string{
			entry.ID,
			entry.Action,
			entry.EntityType,
			entry.EntityID,
			entry.Detail,
			entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}

	tables := []struct {
		name   string
		header []string
		rows   [][]string
	}{
		{ledgerFile, []string{"name", "phone", "balance_cents", "created_at"}, ledger},
		{invoiceFile, []string{"id", "seq", "customer_name", "bill_total_cents", "old_balance_cents", "amount_paid_cents", "new_balance_cents", "payment_only", "created_at"}, invoices},
		{linesFile, []string{"invoice_id", "line_no", "description", "qty", "unit_price_cents"}, lines},
		{auditFile, []string{"id", "action", "entity_type", "entity_id", "detail", "created_at"}, audit},
	}
	for _, table := range tables {
		if err := writeTable(filepath.Join(s.dataDir, table.name), table.header, table.rows); err != nil {
			return err
		}
	}
	return nil
}

// readTable returns nil records without error when the file does not exist
// yet (fresh data directory).
func readTable(path string) ([][]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[1:], nil
}

func writeTable(path string, header []string, rows [][]string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(header); err != nil {
		tmp.Close()
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		tmp.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
