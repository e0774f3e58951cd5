package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/Leeelics/Folio/services/ledger/internal/fx"
	"github.com/Leeelics/Folio/services/ledger/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

type AccountSummary struct {
	AccountID        uuid.UUID
	Name             string
	PlatformType     string
	Institution      string
	BaseCurrency     string
	TotalCash        decimal.Decimal
	TotalHoldings    decimal.Decimal
	TotalAssets      decimal.Decimal
	Degraded         bool
	UnpricedHoldings int
}

type PortfolioSummary struct {
	BaseCurrency     string
	Accounts         []AccountSummary
	TotalCash        decimal.Decimal
	TotalHoldings    decimal.Decimal
	TotalAssets      decimal.Decimal
	Degraded         bool
	UnpricedHoldings int
	AsOf             time.Time
}

type AllocationSlice struct {
	Key   string
	Value decimal.Decimal
	// Percent is the share of the slice's own total, rounded to two places.
	Percent decimal.Decimal
}

type Allocation struct {
	BaseCurrency string
	TotalAssets  decimal.Decimal
	// ByPlatform splits total assets, ByCurrency splits cash and ByAssetType splits holdings.
	ByPlatform       []AllocationSlice
	ByCurrency       []AllocationSlice
	ByAssetType      []AllocationSlice
	Degraded         bool
	UnpricedHoldings int
	AsOf             time.Time
}

// portfolioViews builds a unified view of every active account from one
// snapshot read. Quotes are included when a market data fetcher is configured.
func (s *LedgerService) portfolioViews(ctx context.Context, base string) (string, []*UnifiedView, error) {
	base, err := normalizeCurrency(base)
	if err != nil {
		return "", nil, err
	}
	snaps, err := s.store.SnapshotAll(ctx, storage.AccountFilter{ActiveOnly: true})
	if err != nil {
		return "", nil, storeError(err, "account", nil)
	}
	rates := newRateSet(s.rates)
	views := make([]*UnifiedView, 0, len(snaps))
	for _, snap := range snaps {
		views = append(views, s.buildView(ctx, snap, base, s.quotes != nil, rates))
	}
	return base, views, nil
}

func (s *LedgerService) SummarizeAllAccounts(ctx context.Context, base string) (summary *PortfolioSummary, err error) {
	ctx, done := s.begin(ctx, "summarize_accounts", attribute.String("base_currency", base))
	defer func() { done(&err) }()

	base, views, err := s.portfolioViews(ctx, base)
	if err != nil {
		return nil, err
	}
	summary = &PortfolioSummary{
		BaseCurrency:  base,
		Accounts:      make([]AccountSummary, 0, len(views)),
		TotalCash:     decimal.Zero,
		TotalHoldings: decimal.Zero,
		TotalAssets:   decimal.Zero,
		AsOf:          s.timestamp(),
	}
	for _, v := range views {
		summary.Accounts = append(summary.Accounts, AccountSummary{
			AccountID:        v.Account.ID,
			Name:             v.Account.Name,
			PlatformType:     v.Account.PlatformType,
			Institution:      v.Account.Institution,
			BaseCurrency:     v.Account.BaseCurrency,
			TotalCash:        v.TotalCash,
			TotalHoldings:    v.TotalHoldings,
			TotalAssets:      v.TotalAssets,
			Degraded:         v.Degraded,
			UnpricedHoldings: v.UnpricedHoldings,
		})
		summary.TotalCash = summary.TotalCash.Add(v.TotalCash)
		summary.TotalHoldings = summary.TotalHoldings.Add(v.TotalHoldings)
		summary.TotalAssets = summary.TotalAssets.Add(v.TotalAssets)
		summary.Degraded = summary.Degraded || v.Degraded
		summary.UnpricedHoldings += v.UnpricedHoldings
	}
	return summary, nil
}

func (s *LedgerService) PortfolioAllocation(ctx context.Context, base string) (alloc *Allocation, err error) {
	ctx, done := s.begin(ctx, "portfolio_allocation", attribute.String("base_currency", base))
	defer func() { done(&err) }()

	base, views, err := s.portfolioViews(ctx, base)
	if err != nil {
		return nil, err
	}

	platforms := newBuckets()
	currencies := newBuckets()
	assetTypes := newBuckets()
	alloc = &Allocation{BaseCurrency: base, TotalAssets: decimal.Zero, AsOf: s.timestamp()}
	for _, v := range views {
		platforms.add(v.Account.PlatformType, v.TotalAssets)
		for _, c := range v.Cash {
			currencies.add(c.Currency, c.Converted)
		}
		for _, h := range v.Holdings {
			assetTypes.add(h.Holding.AssetType, h.MarketValueBase)
		}
		alloc.TotalAssets = alloc.TotalAssets.Add(v.TotalAssets)
		alloc.Degraded = alloc.Degraded || v.Degraded
		alloc.UnpricedHoldings += v.UnpricedHoldings
	}
	alloc.ByPlatform = platforms.slices(base)
	alloc.ByCurrency = currencies.slices(base)
	alloc.ByAssetType = assetTypes.slices(base)
	return alloc, nil
}

type buckets struct {
	values map[string]decimal.Decimal
	total  decimal.Decimal
}

func newBuckets() *buckets {
	return &buckets{values: make(map[string]decimal.Decimal), total: decimal.Zero}
}

func (b *buckets) add(key string, value decimal.Decimal) {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "other"
	}
	b.values[key] = b.values[key].Add(value)
	b.total = b.total.Add(value)
}

// slices orders buckets by value, largest first, with key as the tie break.
func (b *buckets) slices(base string) []AllocationSlice {
	hundred := decimal.NewFromInt(100)
	out := make([]AllocationSlice, 0, len(b.values))
	for key, value := range b.values {
		pct := decimal.Zero
		if !b.total.IsZero() {
			pct = value.Div(b.total).Mul(hundred).Round(2)
		}
		out = append(out, AllocationSlice{Key: key, Value: fx.Round(value, base), Percent: pct})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Value.Cmp(out[j].Value); c != 0 {
			return c > 0
		}
		return out[i].Key < out[j].Key
	})
	return out
}
