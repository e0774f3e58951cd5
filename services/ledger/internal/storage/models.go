package storage

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type BalanceType string

const (
	BalanceAvailable BalanceType = "available"
	BalanceFrozen    BalanceType = "frozen"
)

func (b BalanceType) Valid() bool {
	return b == BalanceAvailable || b == BalanceFrozen
}

type TransactionType string

const (
	TxnBuy         TransactionType = "buy"
	TxnSell        TransactionType = "sell"
	TxnDividend    TransactionType = "dividend"
	TxnInterest    TransactionType = "interest"
	TxnTransferIn  TransactionType = "transfer_in"
	TxnTransferOut TransactionType = "transfer_out"
	TxnSplit       TransactionType = "split"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TxnBuy, TxnSell, TxnDividend, TxnInterest, TxnTransferIn, TxnTransferOut, TxnSplit:
		return true
	}
	return false
}

type FlowType string

const (
	FlowDeposit    FlowType = "deposit"
	FlowWithdrawal FlowType = "withdrawal"
	FlowAdjustment FlowType = "adjustment"
	FlowTrade      FlowType = "trade"
	FlowDividend   FlowType = "dividend"
	FlowInterest   FlowType = "interest"
	FlowCorrection FlowType = "correction"
	FlowReversal   FlowType = "reversal"
	FlowFreeze     FlowType = "freeze"
	FlowUnfreeze   FlowType = "unfreeze"
)

type Account struct {
	ID            uuid.UUID
	Name          string
	AccountNumber string
	PlatformType  string
	Institution   string
	BaseCurrency  string
	IsActive      bool
	Notes         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type CashBalance struct {
	ID          uuid.UUID
	AccountID   uuid.UUID
	Currency    string
	BalanceType BalanceType
	Amount      decimal.Decimal
	UpdatedAt   time.Time
}

// HoldingKey identifies one position inside an account.
type HoldingKey struct {
	AssetType string
	Symbol    string
	Market    string
}

func NewHoldingKey(assetType, symbol, market string) HoldingKey {
	return HoldingKey{
		AssetType: strings.ToLower(strings.TrimSpace(assetType)),
		Symbol:    strings.ToUpper(strings.TrimSpace(symbol)),
		Market:    strings.ToUpper(strings.TrimSpace(market)),
	}
}

func (k HoldingKey) String() string {
	return k.AssetType + ":" + k.Symbol + "@" + k.Market
}

type Holding struct {
	ID                  uuid.UUID
	AccountID           uuid.UUID
	AssetType           string
	Symbol              string
	Market              string
	Name                string
	Quantity            decimal.Decimal
	AvgCost             decimal.Decimal
	TotalCost           decimal.Decimal
	Currency            string
	FirstBuyDate        *time.Time
	LastTransactionDate *time.Time
	UpdatedAt           time.Time
}

func (h Holding) Key() HoldingKey {
	return HoldingKey{AssetType: h.AssetType, Symbol: h.Symbol, Market: h.Market}
}

type Transaction struct {
	ID         uuid.UUID
	AccountID  uuid.UUID
	AssetType  string
	Symbol     string
	Market     string
	Name       string
	Type       TransactionType
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Amount     decimal.Decimal
	Fees       decimal.Decimal
	Currency   string
	SplitRatio decimal.Decimal
	TradeDate  time.Time
	CashImpact decimal.Decimal
	Notes      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (t Transaction) Key() HoldingKey {
	return HoldingKey{AssetType: t.AssetType, Symbol: t.Symbol, Market: t.Market}
}

type CashFlow struct {
	ID            uuid.UUID
	AccountID     uuid.UUID
	Currency      string
	BalanceType   BalanceType
	FlowType      FlowType
	Amount        decimal.Decimal
	BalanceAfter  decimal.Decimal
	TransactionID *uuid.UUID
	Description   string
	OccurredAt    time.Time
}

type ExchangeRate struct {
	ID           uuid.UUID
	FromCurrency string
	ToCurrency   string
	Rate         decimal.Decimal
	RateType     string
	Source       string
	RecordedAt   time.Time
}

// AccountSnapshot is every row owned by one account, read at a single point in time.
type AccountSnapshot struct {
	Account  Account
	Balances []CashBalance
	Holdings []Holding
}

type AccountFilter struct {
	PlatformType string
	ActiveOnly   bool
}

type TransactionFilter struct {
	AccountID uuid.UUID
	AssetType string
	Symbol    string
	Type      TransactionType
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

type CashFlowFilter struct {
	Currency string
	Limit    int
}
