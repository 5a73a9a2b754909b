// Package report computes read-only views over the invoice log and the
// ledger: period totals, the outstanding ledger with its consistency
// cross-check, the monthly item summary and recent invoices. Totals go
// through the report cache when one is configured.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"dukaanpos/backend/internal/cache"
	"dukaanpos/backend/internal/domain"
	"dukaanpos/backend/internal/store"
)

const (
	PeriodToday     = "today"
	PeriodLast7Days = "last7days"
	PeriodThisMonth = "thisMonth"
	PeriodThisYear  = "thisYear"
)

type Engine struct {
	repo   store.Repository
	cache  cache.ReportCache
	ttl    time.Duration
	logger *zap.SugaredLogger
	loc    *time.Location
	policy domain.BalancePolicy
	now    func() time.Time
}

func NewEngine(repo store.Repository, reportCache cache.ReportCache, ttl time.Duration, policy domain.BalancePolicy, logger *zap.SugaredLogger) *Engine {
	if reportCache == nil {
		reportCache = cache.NoopReportCache{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Engine{
		repo:   repo,
		cache:  reportCache,
		ttl:    ttl,
		logger: logger,
		loc:    time.Local,
		policy: policy,
		now:    time.Now,
	}
}

// TotalsFor sums sales and received amounts over one of the fixed reporting
// windows. Window boundaries are taken in the shop's local time zone.
func (e *Engine) TotalsFor(ctx context.Context, period string) (domain.PeriodTotals, error) {
	from, to, err := e.periodWindow(period)
	if err != nil {
		return domain.PeriodTotals{}, err
	}

	// The window start is part of the key so an entry cached just before a
	// day/month/year boundary cannot serve the old window after it.
	cacheKey := fmt.Sprintf("report:totals:%s:%s", period, from.Format(time.RFC3339))
	if payload, hit, err := e.cache.Get(ctx, cacheKey); err != nil {
		e.logger.Warnw("report cache get failed", "key", cacheKey, "error", err)
	} else if hit {
		var totals domain.PeriodTotals
		if err := json.Unmarshal(payload, &totals); err == nil {
			return totals, nil
		}
	}

	invoices, err := e.repo.ListInvoicesByDateRange(ctx, from, to)
	if err != nil {
		return domain.PeriodTotals{}, err
	}

	totals := domain.PeriodTotals{
		Period: period,
		From:   from.Format(time.RFC3339),
		To:     to.Format(time.RFC3339),
	}
	for _, invoice := range invoices {
		totals.Invoices++
		totals.SalesCents += invoice.BillTotalCents
		totals.ReceivedCents += invoice.AmountPaidCents
	}

	if payload, err := json.Marshal(totals); err == nil {
		if err := e.cache.Set(ctx, cacheKey, payload, e.ttl); err != nil {
			e.logger.Warnw("report cache set failed", "key", cacheKey, "error", err)
		}
	}
	return totals, nil
}

func (e *Engine) periodWindow(period string) (time.Time, time.Time, error) {
	now := e.now().In(e.loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, e.loc)

	switch period {
	case PeriodToday:
		return midnight, midnight.AddDate(0, 0, 1), nil
	case PeriodLast7Days:
		return midnight.AddDate(0, 0, -6), midnight.AddDate(0, 0, 1), nil
	case PeriodThisMonth:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, e.loc)
		return start, start.AddDate(0, 1, 0), nil
	case PeriodThisYear:
		start := time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, e.loc)
		return start, start.AddDate(1, 0, 0), nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("%w: unknown period %q", store.ErrValidation, period)
}

// OutstandingLedger lists customers who still owe money, walk-in and settled
// customers excluded. Every customer's stored balance is cross-checked
// against a replay of their invoice history; a mismatch is reported in the
// response and logged, never fatal.
func (e *Engine) OutstandingLedger(ctx context.Context) (domain.OutstandingLedgerResponse, error) {
	entries, err := e.repo.ListLedger(ctx)
	if err != nil {
		return domain.OutstandingLedgerResponse{}, err
	}
	invoices, err := e.repo.ListInvoices(ctx)
	if err != nil {
		return domain.OutstandingLedgerResponse{}, err
	}

	type foldState struct {
		billed  int64
		paid    int64
		balance int64
	}
	folds := make(map[string]*foldState, len(entries))
	for _, invoice := range invoices {
		state := folds[invoice.CustomerName]
		if state == nil {
			state = &foldState{}
			folds[invoice.CustomerName] = state
		}
		state.billed += invoice.BillTotalCents
		state.paid += invoice.AmountPaidCents
		state.balance = e.policy.Apply(state.balance + invoice.BillTotalCents - invoice.AmountPaidCents)
	}

	resp := domain.OutstandingLedgerResponse{
		Entries: make([]domain.OutstandingEntry, 0, len(entries)),
	}
	for _, entry := range entries {
		if entry.CustomerName == domain.WalkInCustomer {
			continue
		}
		state := folds[entry.CustomerName]
		if state == nil {
			state = &foldState{}
		}
		if state.balance != entry.BalanceCents {
			issue := domain.ConsistencyIssue{
				CustomerName:         entry.CustomerName,
				LedgerBalanceCents:   entry.BalanceCents,
				ReplayedBalanceCents: state.balance,
			}
			resp.Inconsistencies = append(resp.Inconsistencies, issue)
			e.logger.Warnw("ledger replay mismatch",
				"customer", entry.CustomerName,
				"ledger_balance_cents", entry.BalanceCents,
				"replayed_balance_cents", state.balance,
				"error", store.ErrConsistency,
			)
		}
		if entry.BalanceCents <= 0 {
			continue
		}
		resp.Entries = append(resp.Entries, domain.OutstandingEntry{
			CustomerName:          entry.CustomerName,
			Phone:                 entry.Phone,
			TotalBilledCents:      state.billed,
			TotalPaidCents:        state.paid,
			RemainingBalanceCents: entry.BalanceCents,
		})
		resp.TotalOutstandingCents += entry.BalanceCents
	}
	return resp, nil
}

// MonthlyItemSummary groups a month's line items by description. month is
// "2006-01"; an empty month means the current one.
func (e *Engine) MonthlyItemSummary(ctx context.Context, month string) (domain.MonthlyItemSummaryResponse, error) {
	now := e.now().In(e.loc)
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, e.loc)
	if month != "" {
		parsed, err := time.ParseInLocation("2006-01", month, e.loc)
		if err != nil {
			return domain.MonthlyItemSummaryResponse{}, fmt.Errorf("%w: bad month %q", store.ErrValidation, month)
		}
		start = parsed
	}
	end := start.AddDate(0, 1, 0)

	invoices, err := e.repo.ListInvoicesByDateRange(ctx, start, end)
	if err != nil {
		return domain.MonthlyItemSummaryResponse{}, err
	}

	byDescription := make(map[string]*domain.ItemSummary)
	for _, invoice := range invoices {
		for _, line := range invoice.Lines {
			summary := byDescription[line.Description]
			if summary == nil {
				summary = &domain.ItemSummary{Description: line.Description}
				byDescription[line.Description] = summary
			}
			summary.Qty += int64(line.Qty)
			summary.TotalCents += line.TotalCents()
		}
	}

	resp := domain.MonthlyItemSummaryResponse{
		Month: start.Format("2006-01"),
		Items: make([]domain.ItemSummary, 0, len(byDescription)),
	}
	for _, summary := range byDescription {
		resp.Items = append(resp.Items, *summary)
	}
	slices.SortFunc(resp.Items, func(a, b domain.ItemSummary) int {
		if a.TotalCents != b.TotalCents {
			if a.TotalCents > b.TotalCents {
				return -1
			}
			return 1
		}
		if a.Description < b.Description {
			return -1
		}
		if a.Description > b.Description {
			return 1
		}
		return 0
	})
	return resp, nil
}

// RecentInvoices returns the newest invoices first.
func (e *Engine) RecentInvoices(ctx context.Context, limit int) ([]domain.Invoice, error) {
	if limit < 1 {
		limit = 50
	}
	invoices, err := e.repo.ListInvoices(ctx)
	if err != nil {
		return nil, err
	}
	slices.Reverse(invoices)
	if len(invoices) > limit {
		invoices = invoices[:limit]
	}
	return invoices, nil
}
