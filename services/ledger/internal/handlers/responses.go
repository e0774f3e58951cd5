package handlers

import (
	"time"

	"github.com/Leeelics/Folio/services/ledger/internal/fx"
	"github.com/Leeelics/Folio/services/ledger/internal/service"
	"github.com/Leeelics/Folio/services/ledger/internal/storage"
)

// Amounts are rendered as decimal strings.

type accountResponse struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	AccountNumber string    `json:"account_number,omitempty"`
	PlatformType  string    `json:"platform_type"`
	Institution   string    `json:"institution,omitempty"`
	BaseCurrency  string    `json:"base_currency"`
	IsActive      bool      `json:"is_active"`
	Notes         string    `json:"notes,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type balanceResponse struct {
	Currency    string    `json:"currency"`
	BalanceType string    `json:"balance_type"`
	Amount      string    `json:"amount"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type cashFlowResponse struct {
	ID            string    `json:"id"`
	Currency      string    `json:"currency"`
	BalanceType   string    `json:"balance_type"`
	FlowType      string    `json:"flow_type"`
	Amount        string    `json:"amount"`
	BalanceAfter  string    `json:"balance_after"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Description   string    `json:"description,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type holdingResponse struct {
	AssetType           string     `json:"asset_type"`
	Symbol              string     `json:"symbol"`
	Market              string     `json:"market"`
	Name                string     `json:"name,omitempty"`
	Quantity            string     `json:"quantity"`
	AvgCost             string     `json:"avg_cost"`
	TotalCost           string     `json:"total_cost"`
	Currency            string     `json:"currency"`
	FirstBuyDate        *time.Time `json:"first_buy_date,omitempty"`
	LastTransactionDate *time.Time `json:"last_transaction_date,omitempty"`
}

type transactionResponse struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	AssetType  string    `json:"asset_type"`
	Symbol     string    `json:"symbol"`
	Market     string    `json:"market"`
	Type       string    `json:"transaction_type"`
	Quantity   string    `json:"quantity"`
	Price      string    `json:"price"`
	Amount     string    `json:"amount"`
	Fees       string    `json:"fees"`
	Currency   string    `json:"currency"`
	SplitRatio string    `json:"split_ratio,omitempty"`
	CashImpact string    `json:"cash_impact"`
	TradeDate  time.Time `json:"trade_date"`
	Notes      string    `json:"notes,omitempty"`
}

type rebuildResponse struct {
	Key      string           `json:"key"`
	Holding  *holdingResponse `json:"holding,omitempty"`
	Warnings int              `json:"warnings"`
}

type rateResponse struct {
	Rate     string `json:"rate"`
	Tier     string `json:"tier"`
	Source   string `json:"source,omitempty"`
	Degraded bool   `json:"degraded"`
}

type cashLineResponse struct {
	Currency  string `json:"currency"`
	Available string `json:"available"`
	Frozen    string `json:"frozen"`
	Total     string `json:"total"`
	Rate      string `json:"rate"`
	RateTier  string `json:"rate_tier"`
	Converted string `json:"converted"`
}

type holdingValueResponse struct {
	holdingResponse
	Price           string `json:"price"`
	MarketValue     string `json:"market_value"`
	MarketValueBase string `json:"market_value_base"`
	CostBase        string `json:"cost_base"`
	PnL             string `json:"pnl"`
	PnLPercent      string `json:"pnl_percent"`
	RateTier        string `json:"rate_tier"`
	Priced          bool   `json:"priced"`
}

type viewResponse struct {
	Account          accountResponse        `json:"account"`
	BaseCurrency     string                 `json:"base_currency"`
	Cash             []cashLineResponse     `json:"cash"`
	Holdings         []holdingValueResponse `json:"holdings"`
	TotalCash        string                 `json:"total_cash"`
	TotalHoldings    string                 `json:"total_holdings"`
	TotalAssets      string                 `json:"total_assets"`
	TotalCost        string                 `json:"total_cost"`
	TotalPnL         string                 `json:"total_pnl"`
	Degraded         bool                   `json:"degraded"`
	UnpricedHoldings int                    `json:"unpriced_holdings"`
	AsOf             time.Time              `json:"as_of"`
}

type accountSummaryResponse struct {
	AccountID     string `json:"account_id"`
	Name          string `json:"name"`
	PlatformType  string `json:"platform_type"`
	BaseCurrency  string `json:"base_currency"`
	TotalCash     string `json:"total_cash"`
	TotalHoldings string `json:"total_holdings"`
	TotalAssets   string `json:"total_assets"`
	Degraded      bool   `json:"degraded"`
}

type summaryResponse struct {
	BaseCurrency     string                   `json:"base_currency"`
	Accounts         []accountSummaryResponse `json:"accounts"`
	TotalCash        string                   `json:"total_cash"`
	TotalHoldings    string                   `json:"total_holdings"`
	TotalAssets      string                   `json:"total_assets"`
	Degraded         bool                     `json:"degraded"`
	UnpricedHoldings int                      `json:"unpriced_holdings"`
	AsOf             time.Time                `json:"as_of"`
}

type sliceResponse struct {
	Key     string `json:"key"`
	Value   string `json:"value"`
	Percent string `json:"percent"`
}

type allocationResponse struct {
	BaseCurrency string          `json:"base_currency"`
	TotalAssets  string          `json:"total_assets"`
	ByPlatform   []sliceResponse `json:"by_platform"`
	ByCurrency   []sliceResponse `json:"by_currency"`
	ByAssetType  []sliceResponse `json:"by_asset_type"`
	Degraded     bool            `json:"degraded"`
	AsOf         time.Time       `json:"as_of"`
}

func toAccount(a storage.Account) accountResponse {
	return accountResponse{
		ID:            a.ID.String(),
		Name:          a.Name,
		AccountNumber: a.AccountNumber,
		PlatformType:  a.PlatformType,
		Institution:   a.Institution,
		BaseCurrency:  a.BaseCurrency,
		IsActive:      a.IsActive,
		Notes:         a.Notes,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

func toBalance(b storage.CashBalance) balanceResponse {
	return balanceResponse{
		Currency:    b.Currency,
		BalanceType: string(b.BalanceType),
		Amount:      b.Amount.String(),
		UpdatedAt:   b.UpdatedAt,
	}
}

func toCashFlow(f storage.CashFlow) cashFlowResponse {
	out := cashFlowResponse{
		ID:           f.ID.String(),
		Currency:     f.Currency,
		BalanceType:  string(f.BalanceType),
		FlowType:     string(f.FlowType),
		Amount:       f.Amount.String(),
		BalanceAfter: f.BalanceAfter.String(),
		Description:  f.Description,
		OccurredAt:   f.OccurredAt,
	}
	if f.TransactionID != nil {
		out.TransactionID = f.TransactionID.String()
	}
	return out
}

func toHolding(h storage.Holding) holdingResponse {
	return holdingResponse{
		AssetType:           h.AssetType,
		Symbol:              h.Symbol,
		Market:              h.Market,
		Name:                h.Name,
		Quantity:            h.Quantity.String(),
		AvgCost:             h.AvgCost.String(),
		TotalCost:           h.TotalCost.String(),
		Currency:            h.Currency,
		FirstBuyDate:        h.FirstBuyDate,
		LastTransactionDate: h.LastTransactionDate,
	}
}

func toTransaction(t storage.Transaction) transactionResponse {
	out := transactionResponse{
		ID:         t.ID.String(),
		AccountID:  t.AccountID.String(),
		AssetType:  t.AssetType,
		Symbol:     t.Symbol,
		Market:     t.Market,
		Type:       string(t.Type),
		Quantity:   t.Quantity.String(),
		Price:      t.Price.String(),
		Amount:     t.Amount.String(),
		Fees:       t.Fees.String(),
		Currency:   t.Currency,
		CashImpact: t.CashImpact.String(),
		TradeDate:  t.TradeDate,
		Notes:      t.Notes,
	}
	if t.Type == storage.TxnSplit {
		out.SplitRatio = t.SplitRatio.String()
	}
	return out
}

func toRebuild(r service.RebuildResult) rebuildResponse {
	out := rebuildResponse{Key: r.Key.String(), Warnings: len(r.Warnings)}
	if r.Holding != nil {
		h := toHolding(*r.Holding)
		out.Holding = &h
	}
	return out
}

func toRate(r fx.Resolution) rateResponse {
	return rateResponse{Rate: r.Rate.String(), Tier: r.Tier.String(), Source: r.Source, Degraded: r.Degraded()}
}

func toView(v *service.UnifiedView) viewResponse {
	out := viewResponse{
		Account:          toAccount(v.Account),
		BaseCurrency:     v.BaseCurrency,
		Cash:             make([]cashLineResponse, 0, len(v.Cash)),
		Holdings:         make([]holdingValueResponse, 0, len(v.Holdings)),
		TotalCash:        v.TotalCash.String(),
		TotalHoldings:    v.TotalHoldings.String(),
		TotalAssets:      v.TotalAssets.String(),
		TotalCost:        v.TotalCost.String(),
		TotalPnL:         v.TotalPnL.String(),
		Degraded:         v.Degraded,
		UnpricedHoldings: v.UnpricedHoldings,
		AsOf:             v.AsOf,
	}
	for _, c := range v.Cash {
		out.Cash = append(out.Cash, cashLineResponse{
			Currency:  c.Currency,
			Available: c.Available.String(),
			Frozen:    c.Frozen.String(),
			Total:     c.Total.String(),
			Rate:      c.Rate.String(),
			RateTier:  c.RateTier.String(),
			Converted: c.Converted.String(),
		})
	}
	for _, h := range v.Holdings {
		out.Holdings = append(out.Holdings, holdingValueResponse{
			holdingResponse: toHolding(h.Holding),
			Price:           h.Price.String(),
			MarketValue:     h.MarketValue.String(),
			MarketValueBase: h.MarketValueBase.String(),
			CostBase:        h.CostBase.String(),
			PnL:             h.PnL.String(),
			PnLPercent:      h.PnLPercent.String(),
			RateTier:        h.RateTier.String(),
			Priced:          h.Priced,
		})
	}
	return out
}

func toSummary(s *service.PortfolioSummary) summaryResponse {
	out := summaryResponse{
		BaseCurrency:     s.BaseCurrency,
		Accounts:         make([]accountSummaryResponse, 0, len(s.Accounts)),
		TotalCash:        s.TotalCash.String(),
		TotalHoldings:    s.TotalHoldings.String(),
		TotalAssets:      s.TotalAssets.String(),
		Degraded:         s.Degraded,
		UnpricedHoldings: s.UnpricedHoldings,
		AsOf:             s.AsOf,
	}
	for _, a := range s.Accounts {
		out.Accounts = append(out.Accounts, accountSummaryResponse{
			AccountID:     a.AccountID.String(),
			Name:          a.Name,
			PlatformType:  a.PlatformType,
			BaseCurrency:  a.BaseCurrency,
			TotalCash:     a.TotalCash.String(),
			TotalHoldings: a.TotalHoldings.String(),
			TotalAssets:   a.TotalAssets.String(),
			Degraded:      a.Degraded,
		})
	}
	return out
}

func toSlices(in []service.AllocationSlice) []sliceResponse {
	out := make([]sliceResponse, 0, len(in))
	for _, s := range in {
		out = append(out, sliceResponse{Key: s.Key, Value: s.Value.String(), Percent: s.Percent.String()})
	}
	return out
}

func toAllocation(a *service.Allocation) allocationResponse {
	return allocationResponse{
		BaseCurrency: a.BaseCurrency,
		TotalAssets:  a.TotalAssets.String(),
		ByPlatform:   toSlices(a.ByPlatform),
		ByCurrency:   toSlices(a.ByCurrency),
		ByAssetType:  toSlices(a.ByAssetType),
		Degraded:     a.Degraded,
		AsOf:         a.AsOf,
	}
}
