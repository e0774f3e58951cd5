package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict marks lock timeouts, deadlocks and serialization failures.
	ErrConflict = errors.New("concurrent modification")
)

// Store persists ledger entities. Every mutation of an account's cash,
// holdings or transactions runs inside InAccountTx, which serializes writers
// on that account and commits or rolls back as one unit.
type Store interface {
	CreateAccount(ctx context.Context, acct *Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)
	ListAccounts(ctx context.Context, filter AccountFilter) ([]Account, error)
	DeleteAccount(ctx context.Context, id uuid.UUID) error

	InAccountTx(ctx context.Context, accountID uuid.UUID, fn func(ctx context.Context, tx Tx) error) error

	Snapshot(ctx context.Context, accountID uuid.UUID) (*AccountSnapshot, error)
	SnapshotAll(ctx context.Context, filter AccountFilter) ([]AccountSnapshot, error)

	GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
	ListCashFlows(ctx context.Context, accountID uuid.UUID, filter CashFlowFilter) ([]CashFlow, error)

	LatestRate(ctx context.Context, from, to string, since time.Time) (*ExchangeRate, error)
	InsertRate(ctx context.Context, rate ExchangeRate) error
}

// Tx is the unit of work handed to InAccountTx. It is scoped to one locked account.
type Tx interface {
	Account() Account
	UpdateAccount(ctx context.Context, acct Account) error

	// GetCashBalance returns a zero balance with a nil ID when the row does not exist yet.
	GetCashBalance(ctx context.Context, currency string, balanceType BalanceType) (CashBalance, error)
	ListCashBalances(ctx context.Context) ([]CashBalance, error)
	SaveCashBalance(ctx context.Context, balance *CashBalance) error
	AppendCashFlow(ctx context.Context, flow *CashFlow) error

	GetHolding(ctx context.Context, key HoldingKey) (*Holding, error)
	ListHoldings(ctx context.Context) ([]Holding, error)
	SaveHolding(ctx context.Context, holding *Holding) error
	DeleteHolding(ctx context.Context, key HoldingKey) error

	GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error)
	ListHoldingTransactions(ctx context.Context, key HoldingKey) ([]Transaction, error)
	// TransactionKeys lists every holding key that has at least one transaction.
	TransactionKeys(ctx context.Context) ([]HoldingKey, error)
	InsertTransaction(ctx context.Context, txn *Transaction) error
	UpdateTransaction(ctx context.Context, txn *Transaction) error
	DeleteTransaction(ctx context.Context, id uuid.UUID) error
}

func parseDecimal(value, field string) (decimal.Decimal, error) {
	dec, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s: %w", field, err)
	}
	return dec, nil
}
