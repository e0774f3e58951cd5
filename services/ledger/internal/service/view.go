package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/Leeelics/Folio/services/ledger/internal/fx"
	"github.com/Leeelics/Folio/services/ledger/internal/quote"
	"github.com/Leeelics/Folio/services/ledger/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

type ViewOptions struct {
	// BaseCurrency defaults to the account's base currency.
	BaseCurrency  string
	IncludePrices bool
}

type CurrencyCash struct {
	Currency  string
	Available decimal.Decimal
	Frozen    decimal.Decimal
	Total     decimal.Decimal
	Rate      decimal.Decimal
	RateTier  fx.Tier
	Converted decimal.Decimal
}

type HoldingValue struct {
	Holding storage.Holding
	// Quote is the zero Result when prices were not requested.
	Quote       quote.Result
	Price       decimal.Decimal
	MarketValue decimal.Decimal
	Rate        decimal.Decimal
	// RateTier is the worst tier used to bring the holding into base.
	RateTier        fx.Tier
	MarketValueBase decimal.Decimal
	CostBase        decimal.Decimal
	PnL             decimal.Decimal
	PnLPercent      decimal.Decimal
	// Priced is false when the holding is valued at cost.
	Priced bool
}

type UnifiedView struct {
	Account       storage.Account
	BaseCurrency  string
	Cash          []CurrencyCash
	Holdings      []HoldingValue
	TotalCash     decimal.Decimal
	TotalHoldings decimal.Decimal
	TotalAssets   decimal.Decimal
	TotalCost     decimal.Decimal
	TotalPnL      decimal.Decimal
	// Degraded is set when any conversion came from the static table or the 1.0 default.
	Degraded         bool
	UnpricedHoldings int
	AsOf             time.Time
}

// GetUnifiedView values one account in a single currency from one
// consistent snapshot of its cash and holdings.
func (s *LedgerService) GetUnifiedView(ctx context.Context, accountID uuid.UUID, opts ViewOptions) (view *UnifiedView, err error) {
	ctx, done := s.begin(ctx, "unified_view", accountAttr(accountID), attribute.Bool("prices", opts.IncludePrices))
	defer func() { done(&err) }()

	var base string
	if strings.TrimSpace(opts.BaseCurrency) != "" {
		if base, err = normalizeCurrency(opts.BaseCurrency); err != nil {
			return nil, err
		}
	}
	snap, err := s.store.Snapshot(ctx, accountID)
	if err != nil {
		return nil, storeError(err, "account", accountID)
	}
	if base == "" {
		base = snap.Account.BaseCurrency
	}
	return s.buildView(ctx, *snap, base, opts.IncludePrices, newRateSet(s.rates)), nil
}

// rateSet memoizes resolutions into one base for the life of a read, so every
// line of a view or summary converts with the same snapshot.
type rateSet struct {
	rates    RateResolver
	resolved map[[2]string]fx.Resolution
}

func newRateSet(rates RateResolver) *rateSet {
	return &rateSet{rates: rates, resolved: make(map[[2]string]fx.Resolution)}
}

func (r *rateSet) resolve(ctx context.Context, from, to string) fx.Resolution {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return fx.Resolution{From: from, To: to, Rate: decimal.NewFromInt(1), Tier: fx.TierIdentity}
	}
	k := [2]string{from, to}
	if res, ok := r.resolved[k]; ok {
		return res
	}
	res := fx.Resolution{From: from, To: to, Rate: decimal.NewFromInt(1), Tier: fx.TierDefault}
	if r.rates != nil {
		res = r.rates.Resolve(ctx, from, to)
	}
	r.resolved[k] = res
	return res
}

func (s *LedgerService) buildView(ctx context.Context, snap storage.AccountSnapshot, base string, prices bool, rates *rateSet) *UnifiedView {
	view := &UnifiedView{
		Account:      snap.Account,
		BaseCurrency: base,
		AsOf:         s.timestamp(),
	}

	byCurrency := make(map[string]*CurrencyCash)
	for _, b := range snap.Balances {
		line, ok := byCurrency[b.Currency]
		if !ok {
			line = &CurrencyCash{Currency: b.Currency}
			byCurrency[b.Currency] = line
		}
		switch b.BalanceType {
		case storage.BalanceFrozen:
			line.Frozen = line.Frozen.Add(b.Amount)
		default:
			line.Available = line.Available.Add(b.Amount)
		}
	}
	totalCash := decimal.Zero
	for _, line := range byCurrency {
		line.Total = line.Available.Add(line.Frozen)
		res := rates.resolve(ctx, line.Currency, base)
		view.Degraded = view.Degraded || res.Degraded()
		line.Rate, line.RateTier = res.Rate, res.Tier
		converted := line.Total.Mul(res.Rate)
		totalCash = totalCash.Add(converted)
		line.Converted = fx.Round(converted, base)
		view.Cash = append(view.Cash, *line)
	}
	sort.Slice(view.Cash, func(i, j int) bool { return view.Cash[i].Currency < view.Cash[j].Currency })

	totalHoldings, totalCost := decimal.Zero, decimal.Zero
	for _, h := range snap.Holdings {
		hv := s.valueHolding(ctx, h, base, prices, rates)
		if hv.RateTier >= fx.TierStatic {
			view.Degraded = true
		}
		if prices && h.Quantity.IsPositive() && !hv.Priced {
			view.UnpricedHoldings++
		}
		totalHoldings = totalHoldings.Add(hv.MarketValueBase)
		totalCost = totalCost.Add(hv.CostBase)
		hv.MarketValueBase = fx.Round(hv.MarketValueBase, base)
		hv.CostBase = fx.Round(hv.CostBase, base)
		view.Holdings = append(view.Holdings, hv)
	}

	view.TotalCash = fx.Round(totalCash, base)
	view.TotalHoldings = fx.Round(totalHoldings, base)
	view.TotalAssets = fx.Round(totalCash.Add(totalHoldings), base)
	view.TotalCost = fx.Round(totalCost, base)
	view.TotalPnL = fx.Round(totalHoldings.Sub(totalCost), base)
	return view
}

// valueHolding prices one holding in its own currency and converts it to
// base. Without a usable quote the holding is valued at cost.
func (s *LedgerService) valueHolding(ctx context.Context, h storage.Holding, base string, prices bool, rates *rateSet) HoldingValue {
	hv := HoldingValue{Holding: h, Price: h.AvgCost, MarketValue: h.TotalCost}
	currency := h.Currency
	if currency == "" {
		currency = base
	}

	if prices && h.Quantity.IsPositive() {
		hv.Quote = quote.Fetch(ctx, s.quotes, h.Symbol, h.Market)
		if hv.Quote.OK() {
			price := hv.Quote.Quote.Price
			if qc := hv.Quote.Quote.Currency; qc != "" && !strings.EqualFold(qc, currency) {
				res := rates.resolve(ctx, qc, currency)
				price = price.Mul(res.Rate)
				hv.RateTier = res.Tier
			}
			hv.Priced = true
			hv.Price = price
			hv.MarketValue = h.Quantity.Mul(price)
		} else {
			s.logger.Debug("holding valued at cost", "symbol", h.Symbol, "market", h.Market, "reason", hv.Quote.Reason)
		}
	}

	res := rates.resolve(ctx, currency, base)
	hv.Rate = res.Rate
	if res.Tier > hv.RateTier {
		hv.RateTier = res.Tier
	}
	hv.MarketValueBase = hv.MarketValue.Mul(res.Rate)
	hv.CostBase = h.TotalCost.Mul(res.Rate)
	hv.PnL = hv.MarketValue.Sub(h.TotalCost)
	if h.TotalCost.IsPositive() {
		hv.PnLPercent = hv.PnL.Div(h.TotalCost).Mul(decimal.NewFromInt(100)).Round(2)
	}
	return hv
}
