package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Leeelics/Folio/services/testutil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

func setupPostgres(t *testing.T) (*Postgres, *pgxpool.Pool) {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}

	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	t.Cleanup(func() {
		_ = testutil.CleanupTestData(context.Background(), pool, "ledger_")
		pool.Close()
	})

	store := NewPostgres(pool, nil, 2*time.Second)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store, pool
}

func createTestAccount(t *testing.T, ctx context.Context, store *Postgres, suffix string) Account {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	acct := Account{
		Name:         fmt.Sprintf("ledger_%s_%s", suffix, uuid.NewString()[:8]),
		PlatformType: "securities",
		BaseCurrency: "CNY",
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.CreateAccount(ctx, &acct); err != nil {
		t.Fatalf("insert account: %v", err)
	}
	t.Cleanup(func() {
		_ = store.DeleteAccount(context.Background(), acct.ID)
	})
	return acct
}

func TestPostgresCashRoundTrip(t *testing.T) {
	store, _ := setupPostgres(t)
	ctx := context.Background()
	acct := createTestAccount(t, ctx, store, "cash")

	err := store.InAccountTx(ctx, acct.ID, func(ctx context.Context, tx Tx) error {
		bal, err := tx.GetCashBalance(ctx, "USD", BalanceAvailable)
		if err != nil {
			return err
		}
		if bal.ID != uuid.Nil {
			return fmt.Errorf("expected new balance")
		}
		bal.Amount = decimal.RequireFromString("123.45")
		bal.UpdatedAt = time.Now().UTC()
		if err := tx.SaveCashBalance(ctx, &bal); err != nil {
			return err
		}
		return tx.AppendCashFlow(ctx, &CashFlow{
			Currency:     "USD",
			BalanceType:  BalanceAvailable,
			FlowType:     FlowDeposit,
			Amount:       bal.Amount,
			BalanceAfter: bal.Amount,
			OccurredAt:   time.Now().UTC(),
		})
	})
	if err != nil {
		t.Fatalf("InAccountTx: %v", err)
	}

	snap, err := store.Snapshot(ctx, acct.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Balances) != 1 || !snap.Balances[0].Amount.Equal(decimal.RequireFromString("123.45")) {
		t.Fatalf("unexpected balances: %+v", snap.Balances)
	}

	flows, err := store.ListCashFlows(ctx, acct.ID, CashFlowFilter{})
	if err != nil {
		t.Fatalf("ListCashFlows: %v", err)
	}
	if len(flows) != 1 || flows[0].FlowType != FlowDeposit {
		t.Fatalf("unexpected flows: %+v", flows)
	}
}

func TestPostgresRollbackOnError(t *testing.T) {
	store, _ := setupPostgres(t)
	ctx := context.Background()
	acct := createTestAccount(t, ctx, store, "rollback")

	boom := errors.New("boom")
	err := store.InAccountTx(ctx, acct.ID, func(ctx context.Context, tx Tx) error {
		if err := tx.SaveHolding(ctx, &Holding{AssetType: "stock", Symbol: "AAPL", Currency: "USD", Quantity: decimal.NewFromInt(1), UpdatedAt: time.Now().UTC()}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	snap, err := store.Snapshot(ctx, acct.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Holdings) != 0 {
		t.Fatalf("expected rollback, got %d holdings", len(snap.Holdings))
	}
}

func TestPostgresConcurrentAccountTx(t *testing.T) {
	store, _ := setupPostgres(t)
	ctx := context.Background()
	acct := createTestAccount(t, ctx, store, "concurrent")

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.InAccountTx(ctx, acct.ID, func(ctx context.Context, tx Tx) error {
				bal, err := tx.GetCashBalance(ctx, "CNY", BalanceAvailable)
				if err != nil {
					return err
				}
				bal.Amount = bal.Amount.Add(decimal.NewFromInt(1))
				bal.UpdatedAt = time.Now().UTC()
				return tx.SaveCashBalance(ctx, &bal)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("InAccountTx: %v", err)
		}
	}

	snap, err := store.Snapshot(ctx, acct.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Balances) != 1 || !snap.Balances[0].Amount.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected serialized increments to reach 10, got %+v", snap.Balances)
	}
}

func TestPostgresTransactionsAndRates(t *testing.T) {
	store, _ := setupPostgres(t)
	ctx := context.Background()
	acct := createTestAccount(t, ctx, store, "txn")

	trade := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	txn := Transaction{
		AssetType: "stock", Symbol: "AAPL", Type: TxnBuy, Currency: "USD",
		Quantity: decimal.NewFromInt(10), Price: decimal.NewFromInt(5), Amount: decimal.NewFromInt(50),
		Fees: decimal.NewFromInt(1), CashImpact: decimal.NewFromInt(-51), TradeDate: trade,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	err := store.InAccountTx(ctx, acct.ID, func(ctx context.Context, tx Tx) error {
		return tx.InsertTransaction(ctx, &txn)
	})
	if err != nil {
		t.Fatalf("insert transaction: %v", err)
	}

	got, err := store.GetTransaction(ctx, txn.ID)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if !got.CashImpact.Equal(decimal.NewFromInt(-51)) || got.Type != TxnBuy {
		t.Fatalf("unexpected transaction: %+v", got)
	}

	recorded := time.Now().UTC().Truncate(time.Microsecond)
	if err := store.InsertRate(ctx, ExchangeRate{FromCurrency: "ZZA", ToCurrency: "ZZB", Rate: decimal.RequireFromString("1.5"), Source: "test", RecordedAt: recorded}); err != nil {
		t.Fatalf("InsertRate: %v", err)
	}
	rate, err := store.LatestRate(ctx, "ZZA", "ZZB", recorded.Add(-time.Minute))
	if err != nil {
		t.Fatalf("LatestRate: %v", err)
	}
	if !rate.Rate.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("expected 1.5, got %s", rate.Rate)
	}
}
