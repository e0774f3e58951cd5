package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/Leeelics/Folio/services/ledger/internal/config"
	"github.com/Leeelics/Folio/services/ledger/internal/fx"
	"github.com/Leeelics/Folio/services/ledger/internal/service"
	"github.com/Leeelics/Folio/services/ledger/internal/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type demoTrade struct {
	typ      storage.TransactionType
	quantity string
	price    string
	fees     string
	daysAgo  int
}

type demoHolding struct {
	assetType string
	symbol    string
	market    string
	name      string
	currency  string
	trades    []demoTrade
}

type demoAccount struct {
	req      service.CreateAccountRequest
	cash     map[string]string
	holdings []demoHolding
}

var demoAccounts = []demoAccount{
	{
		req:  service.CreateAccountRequest{Name: "Demo Broker", PlatformType: "securities", Institution: "Demo Securities", BaseCurrency: "USD"},
		cash: map[string]string{"USD": "20000", "HKD": "50000"},
		holdings: []demoHolding{
			{assetType: "stock", symbol: "AAPL", market: "US", name: "Apple Inc.", currency: "USD", trades: []demoTrade{
				{typ: storage.TxnBuy, quantity: "20", price: "170.50", fees: "1", daysAgo: 90},
				{typ: storage.TxnBuy, quantity: "10", price: "185.20", fees: "1", daysAgo: 45},
				{typ: storage.TxnSell, quantity: "5", price: "190", fees: "1", daysAgo: 10},
			}},
			{assetType: "stock", symbol: "0700", market: "HK", name: "Tencent", currency: "HKD", trades: []demoTrade{
				{typ: storage.TxnBuy, quantity: "100", price: "300", fees: "15", daysAgo: 60},
			}},
		},
	},
	{
		req:  service.CreateAccountRequest{Name: "Demo Bank", PlatformType: "bank", Institution: "Demo Bank", BaseCurrency: "CNY"},
		cash: map[string]string{"CNY": "80000"},
	},
	{
		req:  service.CreateAccountRequest{Name: "Demo Crypto", PlatformType: "crypto", BaseCurrency: "USDT"},
		cash: map[string]string{"USDT": "5000"},
		holdings: []demoHolding{
			{assetType: "crypto", symbol: "BTC", market: "CRYPTO", name: "Bitcoin", currency: "USDT", trades: []demoTrade{
				{typ: storage.TxnBuy, quantity: "0.05", price: "42000", fees: "2.5", daysAgo: 30},
			}},
		},
	},
}

func main() {
	env := getEnv("FOLIO_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: FOLIO_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	store := storage.NewPostgres(pool, nil, cfg.DB.LockTimeout)
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	resolver := fx.NewResolver(store, nil, nil, fx.Config{}, nil, nil)
	ledger := service.NewLedgerService(store, resolver, nil, nil, nil, service.Options{OversellPolicy: cfg.Ledger.OversellPolicy})

	fmt.Println("Seeding ledger...")

	if err := seedRates(ctx, store); err != nil {
		log.Fatalf("seed rates: %v", err)
	}
	fmt.Println("✓ Exchange rates seeded")

	existing, err := existingNames(ctx, ledger)
	if err != nil {
		log.Fatalf("list accounts: %v", err)
	}
	for _, demo := range demoAccounts {
		if existing[demo.req.Name] {
			fmt.Printf("- %s already present, skipped\n", demo.req.Name)
			continue
		}
		if err := seedAccount(ctx, ledger, demo); err != nil {
			log.Fatalf("seed %s: %v", demo.req.Name, err)
		}
		fmt.Printf("✓ %s seeded\n", demo.req.Name)
	}

	if os.Getenv("SEED_TESTDATA") == "1" && !existing[inactiveAccountName] {
		if err := seedTestData(ctx, ledger); err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Println("✓ Test data seeded")
	}

	summary, err := ledger.SummarizeAllAccounts(ctx, "CNY")
	if err != nil {
		log.Fatalf("summarize: %v", err)
	}
	fmt.Println("\n=== Seed Complete ===")
	fmt.Printf("  Accounts: %d\n", len(summary.Accounts))
	fmt.Printf("  Total assets: %s CNY\n", summary.TotalAssets.StringFixed(2))
}

func seedRates(ctx context.Context, store storage.Store) error {
	now := time.Now().UTC()
	rates := map[[2]string]string{
		{"USD", "CNY"}:  "7.18",
		{"HKD", "CNY"}:  "0.918",
		{"USDT", "CNY"}: "7.17",
	}
	for pair, rate := range rates {
		err := store.InsertRate(ctx, storage.ExchangeRate{
			FromCurrency: pair[0],
			ToCurrency:   pair[1],
			Rate:         decimal.RequireFromString(rate),
			RateType:     "mid",
			Source:       "seed",
			RecordedAt:   now,
		})
		if err != nil {
			return fmt.Errorf("%s/%s: %w", pair[0], pair[1], err)
		}
	}
	return nil
}

func existingNames(ctx context.Context, ledger *service.LedgerService) (map[string]bool, error) {
	accounts, err := ledger.ListAccounts(ctx, storage.AccountFilter{})
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(accounts))
	for _, a := range accounts {
		names[a.Name] = true
	}
	return names, nil
}

func seedAccount(ctx context.Context, ledger *service.LedgerService, demo demoAccount) error {
	acct, err := ledger.CreateAccount(ctx, demo.req)
	if err != nil {
		return err
	}
	for currency, amount := range demo.cash {
		if _, err := ledger.AdjustCashBalance(ctx, service.AdjustCashRequest{
			AccountID:   acct.ID,
			Currency:    currency,
			Delta:       decimal.RequireFromString(amount),
			Description: "seed deposit",
		}); err != nil {
			return fmt.Errorf("deposit %s: %w", currency, err)
		}
	}
	for _, h := range demo.holdings {
		for _, tr := range h.trades {
			if _, err := ledger.RecordTransaction(ctx, service.RecordTransactionRequest{
				AccountID: acct.ID,
				TransactionInput: service.TransactionInput{
					AssetType: h.assetType,
					Symbol:    h.symbol,
					Market:    h.market,
					Name:      h.name,
					Type:      tr.typ,
					Quantity:  decimal.RequireFromString(tr.quantity),
					Price:     decimal.RequireFromString(tr.price),
					Fees:      decimal.RequireFromString(tr.fees),
					Currency:  h.currency,
					TradeDate: daysAgo(tr.daysAgo),
				},
			}); err != nil {
				return fmt.Errorf("%s %s: %w", tr.typ, h.symbol, err)
			}
		}
	}
	return nil
}

func daysAgo(n int) time.Time {
	return time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -n)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
