/*
Package reporting answers read-only questions about balances.

All reports read the aggregate table only; they never scan the ledger.
Reconciliation (see reconcile) is what keeps the aggregates honest.

REPORTS:
  Leaderboard:  top N accounts by balance, total earned or total consumed.
                Ties are broken by account id ascending so pages are stable.
  Distribution: account counts per fixed balance bucket. Every bucket is
                present, including empty ones.
  Statistics:   totals plus the average balance (2 decimal places).
*/
package reporting

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/incentive-ledger/ledger"
)

const (
	DefaultLeaderboardLimit = 10
	MaxLeaderboardLimit     = 1000
)

// Service builds reports from a ReportStore.
type Service struct {
	Store ledger.ReportStore
}

func NewService(store ledger.ReportStore) *Service {
	return &Service{Store: store}
}

// =============================================================================
// LEADERBOARD
// =============================================================================

// Rank is one leaderboard row. Position starts at 1.
type Rank struct {
	Position      int
	AccountID     ledger.AccountID
	Balance       int64
	TotalEarned   int64
	TotalConsumed int64
}

// Leaderboard returns up to limit accounts ordered by orderBy descending.
func (s *Service) Leaderboard(ctx context.Context, limit int, orderBy ledger.OrderField) ([]Rank, error) {
	if limit < 1 || limit > MaxLeaderboardLimit {
		return nil, ledger.NewValidationError("limit", fmt.Sprintf("must be between 1 and %d", MaxLeaderboardLimit))
	}
	if orderBy == "" {
		orderBy = ledger.OrderByBalance
	}
	if !orderBy.Valid() {
		return nil, ledger.NewValidationError("order_by", fmt.Sprintf("unsupported field %q", orderBy))
	}

	aggs, err := s.Store.TopAggregates(ctx, limit, orderBy)
	if err != nil {
		return nil, err
	}

	ranks := make([]Rank, len(aggs))
	for i, a := range aggs {
		ranks[i] = Rank{
			Position:      i + 1,
			AccountID:     a.AccountID,
			Balance:       a.Balance,
			TotalEarned:   a.TotalEarned,
			TotalConsumed: a.TotalConsumed,
		}
	}
	return ranks, nil
}

// =============================================================================
// DISTRIBUTION
// =============================================================================

// Bucket is one distribution row.
type Bucket struct {
	Label string
	Range ledger.BalanceRange
	Count int64
}

func bound(n int64) *int64 { return &n }

// Buckets are the fixed distribution ranges, in display order.
var Buckets = []Bucket{
	{Label: "0", Range: ledger.BalanceRange{Min: 0, Max: bound(0)}},
	{Label: "1-100", Range: ledger.BalanceRange{Min: 1, Max: bound(100)}},
	{Label: "101-500", Range: ledger.BalanceRange{Min: 101, Max: bound(500)}},
	{Label: "501-1000", Range: ledger.BalanceRange{Min: 501, Max: bound(1000)}},
	{Label: "1001-5000", Range: ledger.BalanceRange{Min: 1001, Max: bound(5000)}},
	{Label: "5000+", Range: ledger.BalanceRange{Min: 5001}},
}

// Distribution counts accounts per bucket.
func (s *Service) Distribution(ctx context.Context) ([]Bucket, error) {
	ranges := make([]ledger.BalanceRange, len(Buckets))
	for i, b := range Buckets {
		ranges[i] = b.Range
	}

	counts, err := s.Store.CountInRanges(ctx, ranges)
	if err != nil {
		return nil, err
	}

	out := make([]Bucket, len(Buckets))
	for i, b := range Buckets {
		b.Count = counts[i]
		out[i] = b
	}
	return out, nil
}

// =============================================================================
// STATISTICS
// =============================================================================

// Statistics summarises every account.
type Statistics struct {
	AccountCount   int64
	TotalBalance   int64
	TotalEarned    int64
	TotalConsumed  int64
	AverageBalance decimal.Decimal
}

// Statistics returns the totals. AverageBalance is zero with no accounts.
func (s *Service) Statistics(ctx context.Context) (Statistics, error) {
	sum, err := s.Store.Summary(ctx)
	if err != nil {
		return Statistics{}, err
	}

	avg := decimal.Zero
	if sum.AccountCount > 0 {
		avg = decimal.NewFromInt(sum.TotalBalance).
			DivRound(decimal.NewFromInt(sum.AccountCount), 2)
	}

	return Statistics{
		AccountCount:   sum.AccountCount,
		TotalBalance:   sum.TotalBalance,
		TotalEarned:    sum.TotalEarned,
		TotalConsumed:  sum.TotalConsumed,
		AverageBalance: avg,
	}, nil
}
