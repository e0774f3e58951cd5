package service

import (
	"context"
	"strings"

	"github.com/Leeelics/Folio/services/ledger/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

type AdjustCashRequest struct {
	AccountID   uuid.UUID
	Currency    string
	Delta       decimal.Decimal
	BalanceType storage.BalanceType
	Description string
}

type SetCashRequest struct {
	AccountID   uuid.UUID
	Currency    string
	Amount      decimal.Decimal
	BalanceType storage.BalanceType
	Description string
}

// MoveCashRequest moves Amount between the available and frozen balances of one currency.
type MoveCashRequest struct {
	AccountID   uuid.UUID
	Currency    string
	Amount      decimal.Decimal
	Description string
}

// cashPosting is one balance mutation and the flow that records it.
type cashPosting struct {
	Currency      string
	BalanceType   storage.BalanceType
	Delta         decimal.Decimal
	FlowType      storage.FlowType
	TransactionID *uuid.UUID
	Description   string
}

// post applies p inside tx and appends exactly one cash flow. It never
// checks sufficiency; callers that need a floor check it first.
func (s *LedgerService) post(ctx context.Context, tx storage.Tx, p cashPosting, flows *[]storage.CashFlow) (storage.CashBalance, error) {
	balance, err := tx.GetCashBalance(ctx, p.Currency, p.BalanceType)
	if err != nil {
		return storage.CashBalance{}, err
	}
	now := s.timestamp()
	balance.Amount = balance.Amount.Add(p.Delta)
	balance.UpdatedAt = now
	if err := tx.SaveCashBalance(ctx, &balance); err != nil {
		return storage.CashBalance{}, err
	}
	flow := storage.CashFlow{
		Currency:      p.Currency,
		BalanceType:   p.BalanceType,
		FlowType:      p.FlowType,
		Amount:        p.Delta,
		BalanceAfter:  balance.Amount,
		TransactionID: p.TransactionID,
		Description:   p.Description,
		OccurredAt:    now,
	}
	if err := tx.AppendCashFlow(ctx, &flow); err != nil {
		return storage.CashBalance{}, err
	}
	*flows = append(*flows, flow)
	return balance, nil
}

func balanceType(bt storage.BalanceType) (storage.BalanceType, error) {
	if bt == "" {
		return storage.BalanceAvailable, nil
	}
	bt = storage.BalanceType(strings.ToLower(string(bt)))
	if !bt.Valid() {
		return "", invalidArgument("balance_type")
	}
	return bt, nil
}

// AdjustCashBalance moves one balance by Delta. The sign is free, so a
// negative delta is a withdrawal and may take the balance below zero.
func (s *LedgerService) AdjustCashBalance(ctx context.Context, req AdjustCashRequest) (balance *storage.CashBalance, err error) {
	ctx, done := s.begin(ctx, "adjust_cash", accountAttr(req.AccountID), attribute.String("currency", req.Currency))
	defer func() { done(&err) }()

	currency, err := normalizeCurrency(req.Currency)
	if err != nil {
		return nil, err
	}
	bt, err := balanceType(req.BalanceType)
	if err != nil {
		return nil, err
	}
	if req.Delta.IsZero() {
		return nil, invalidAmount("delta")
	}
	flowType := storage.FlowDeposit
	if req.Delta.IsNegative() {
		flowType = storage.FlowWithdrawal
	}

	var flows []storage.CashFlow
	var result storage.CashBalance
	err = s.store.InAccountTx(ctx, req.AccountID, func(ctx context.Context, tx storage.Tx) error {
		if err := requireActive(tx.Account()); err != nil {
			return err
		}
		posted, err := s.post(ctx, tx, cashPosting{
			Currency:    currency,
			BalanceType: bt,
			Delta:       req.Delta,
			FlowType:    flowType,
			Description: req.Description,
		}, &flows)
		result = posted
		return err
	})
	if err != nil {
		return nil, storeError(err, "account", req.AccountID)
	}
	s.events.cashFlows(ctx, flows)
	return &result, nil
}

// SetCashBalance overwrites one balance through the adjustment protocol:
// the difference is posted as a single adjustment flow, none when unchanged.
func (s *LedgerService) SetCashBalance(ctx context.Context, req SetCashRequest) (balance *storage.CashBalance, err error) {
	ctx, done := s.begin(ctx, "set_cash", accountAttr(req.AccountID), attribute.String("currency", req.Currency))
	defer func() { done(&err) }()

	currency, err := normalizeCurrency(req.Currency)
	if err != nil {
		return nil, err
	}
	bt, err := balanceType(req.BalanceType)
	if err != nil {
		return nil, err
	}

	var flows []storage.CashFlow
	var result storage.CashBalance
	err = s.store.InAccountTx(ctx, req.AccountID, func(ctx context.Context, tx storage.Tx) error {
		if err := requireActive(tx.Account()); err != nil {
			return err
		}
		current, err := tx.GetCashBalance(ctx, currency, bt)
		if err != nil {
			return err
		}
		delta := req.Amount.Sub(current.Amount)
		if delta.IsZero() {
			result = current
			return nil
		}
		result, err = s.post(ctx, tx, cashPosting{
			Currency:    currency,
			BalanceType: bt,
			Delta:       delta,
			FlowType:    storage.FlowAdjustment,
			Description: req.Description,
		}, &flows)
		return err
	})
	if err != nil {
		return nil, storeError(err, "account", req.AccountID)
	}
	s.events.cashFlows(ctx, flows)
	return &result, nil
}

// FreezeCash earmarks available cash. It returns the available and frozen
// balances after the move.
func (s *LedgerService) FreezeCash(ctx context.Context, req MoveCashRequest) ([]storage.CashBalance, error) {
	return s.moveCash(ctx, "freeze_cash", req, storage.BalanceAvailable, storage.BalanceFrozen)
}

func (s *LedgerService) UnfreezeCash(ctx context.Context, req MoveCashRequest) ([]storage.CashBalance, error) {
	return s.moveCash(ctx, "unfreeze_cash", req, storage.BalanceFrozen, storage.BalanceAvailable)
}

func (s *LedgerService) moveCash(ctx context.Context, op string, req MoveCashRequest, from, to storage.BalanceType) (balances []storage.CashBalance, err error) {
	ctx, done := s.begin(ctx, op, accountAttr(req.AccountID), attribute.String("currency", req.Currency))
	defer func() { done(&err) }()

	currency, err := normalizeCurrency(req.Currency)
	if err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, invalidAmount("amount")
	}
	flowType := storage.FlowFreeze
	if from == storage.BalanceFrozen {
		flowType = storage.FlowUnfreeze
	}

	var flows []storage.CashFlow
	err = s.store.InAccountTx(ctx, req.AccountID, func(ctx context.Context, tx storage.Tx) error {
		if err := requireActive(tx.Account()); err != nil {
			return err
		}
		source, err := tx.GetCashBalance(ctx, currency, from)
		if err != nil {
			return err
		}
		if source.Amount.LessThan(req.Amount) {
			return &Error{Kind: KindInsufficientFunds, Entity: "account", ID: req.AccountID.String(), Field: string(from)}
		}
		debited, err := s.post(ctx, tx, cashPosting{
			Currency:    currency,
			BalanceType: from,
			Delta:       req.Amount.Neg(),
			FlowType:    flowType,
			Description: req.Description,
		}, &flows)
		if err != nil {
			return err
		}
		credited, err := s.post(ctx, tx, cashPosting{
			Currency:    currency,
			BalanceType: to,
			Delta:       req.Amount,
			FlowType:    flowType,
			Description: req.Description,
		}, &flows)
		if err != nil {
			return err
		}
		balances = []storage.CashBalance{debited, credited}
		if from == storage.BalanceFrozen {
			balances = []storage.CashBalance{credited, debited}
		}
		return nil
	})
	if err != nil {
		return nil, storeError(err, "account", req.AccountID)
	}
	s.events.cashFlows(ctx, flows)
	return balances, nil
}

func (s *LedgerService) GetCashBalances(ctx context.Context, accountID uuid.UUID) ([]storage.CashBalance, error) {
	snap, err := s.store.Snapshot(ctx, accountID)
	if err != nil {
		return nil, storeError(err, "account", accountID)
	}
	return snap.Balances, nil
}

func (s *LedgerService) ListCashFlows(ctx context.Context, accountID uuid.UUID, filter storage.CashFlowFilter) ([]storage.CashFlow, error) {
	if filter.Currency != "" {
		currency, err := normalizeCurrency(filter.Currency)
		if err != nil {
			return nil, err
		}
		filter.Currency = currency
	}
	if filter.Limit < 0 {
		return nil, invalidArgument("limit")
	}
	flows, err := s.store.ListCashFlows(ctx, accountID, filter)
	if err != nil {
		return nil, storeError(err, "account", accountID)
	}
	return flows, nil
}
