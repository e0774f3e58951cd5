package main

import (
	"context"
	"fmt"

	"github.com/Leeelics/Folio/services/ledger/internal/service"
	"github.com/Leeelics/Folio/services/ledger/internal/storage"
	"github.com/shopspring/decimal"
)

const inactiveAccountName = "Test Closed Broker"

// seedTestData adds an account with a split and a dividend in its history,
// then deactivates it so summaries skip it.
func seedTestData(ctx context.Context, ledger *service.LedgerService) error {
	acct, err := ledger.CreateAccount(ctx, service.CreateAccountRequest{
		Name:         inactiveAccountName,
		PlatformType: "securities",
		BaseCurrency: "USD",
		Notes:        "deactivated fixture",
	})
	if err != nil {
		return err
	}
	if _, err := ledger.AdjustCashBalance(ctx, service.AdjustCashRequest{
		AccountID: acct.ID,
		Currency:  "USD",
		Delta:     decimal.NewFromInt(5000),
	}); err != nil {
		return err
	}

	inputs := []service.TransactionInput{
		{Type: storage.TxnBuy, Quantity: decimal.NewFromInt(10), Price: decimal.NewFromInt(400), TradeDate: daysAgo(200)},
		{Type: storage.TxnSplit, SplitRatio: decimal.NewFromInt(4), TradeDate: daysAgo(120)},
		{Type: storage.TxnDividend, Price: decimal.RequireFromString("12.5"), Quantity: decimal.NewFromInt(1), TradeDate: daysAgo(60)},
	}
	for _, in := range inputs {
		in.AssetType, in.Symbol, in.Market, in.Name, in.Currency = "stock", "NVDA", "US", "NVIDIA", "USD"
		if _, err := ledger.RecordTransaction(ctx, service.RecordTransactionRequest{AccountID: acct.ID, TransactionInput: in}); err != nil {
			return fmt.Errorf("%s: %w", in.Type, err)
		}
	}

	inactive := false
	_, err = ledger.UpdateAccount(ctx, acct.ID, service.UpdateAccountRequest{IsActive: &inactive})
	return err
}
