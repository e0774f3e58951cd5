package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Leeelics/Folio/services/ledger/internal/position"
	"github.com/Leeelics/Folio/services/ledger/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// TransactionInput is the caller-supplied part of a transaction. Amount and
// cash impact are always derived.
type TransactionInput struct {
	AssetType  string
	Symbol     string
	Market     string
	Name       string
	Type       storage.TransactionType
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Fees       decimal.Decimal
	Currency   string
	SplitRatio decimal.Decimal
	TradeDate  time.Time
	Notes      string
}

type RecordTransactionRequest struct {
	AccountID uuid.UUID
	TransactionInput
}

type RebuildResult struct {
	Key      storage.HoldingKey
	Holding  *storage.Holding
	Warnings []position.Warning
}

func (s *LedgerService) validateInput(in TransactionInput) (TransactionInput, error) {
	in.Type = storage.TransactionType(strings.ToLower(strings.TrimSpace(string(in.Type))))
	if !in.Type.Valid() {
		return in, invalidArgument("type")
	}
	key := storage.NewHoldingKey(in.AssetType, in.Symbol, in.Market)
	if key.AssetType == "" {
		return in, invalidArgument("asset_type")
	}
	if key.Symbol == "" {
		return in, invalidArgument("symbol")
	}
	in.AssetType, in.Symbol, in.Market = key.AssetType, key.Symbol, key.Market
	in.Name = strings.TrimSpace(in.Name)

	if in.Type == storage.TxnSplit {
		if !in.SplitRatio.IsPositive() {
			return in, invalidAmount("split_ratio")
		}
		in.Quantity, in.Price, in.Fees = decimal.Zero, decimal.Zero, decimal.Zero
	} else {
		if !in.Quantity.IsPositive() {
			return in, invalidAmount("quantity")
		}
		if in.Price.IsNegative() {
			return in, invalidAmount("price")
		}
		if in.Fees.IsNegative() {
			return in, invalidAmount("fees")
		}
		in.SplitRatio = decimal.Zero
	}

	if strings.TrimSpace(in.Currency) != "" {
		currency, err := normalizeCurrency(in.Currency)
		if err != nil {
			return in, err
		}
		in.Currency = currency
	}
	if in.TradeDate.IsZero() {
		in.TradeDate = s.timestamp()
	}
	in.TradeDate = in.TradeDate.UTC()
	return in, nil
}

// cashImpact is how far a transaction moves the available balance of its currency.
func cashImpact(typ storage.TransactionType, amount, fees decimal.Decimal) decimal.Decimal {
	switch typ {
	case storage.TxnBuy:
		return amount.Add(fees).Neg()
	case storage.TxnSell:
		return amount.Sub(fees)
	case storage.TxnDividend, storage.TxnInterest:
		return amount
	}
	return decimal.Zero
}

func flowTypeFor(typ storage.TransactionType) storage.FlowType {
	switch typ {
	case storage.TxnDividend:
		return storage.FlowDividend
	case storage.TxnInterest:
		return storage.FlowInterest
	}
	return storage.FlowTrade
}

func buildTransaction(acct storage.Account, in TransactionInput, id uuid.UUID, createdAt, now time.Time) storage.Transaction {
	currency := in.Currency
	if currency == "" {
		currency = acct.BaseCurrency
	}
	amount := in.Quantity.Mul(in.Price)
	return storage.Transaction{
		ID:         id,
		AccountID:  acct.ID,
		AssetType:  in.AssetType,
		Symbol:     in.Symbol,
		Market:     in.Market,
		Name:       in.Name,
		Type:       in.Type,
		Quantity:   in.Quantity,
		Price:      in.Price,
		Amount:     amount,
		Fees:       in.Fees,
		Currency:   currency,
		SplitRatio: in.SplitRatio,
		TradeDate:  in.TradeDate,
		CashImpact: cashImpact(in.Type, amount, in.Fees),
		Notes:      in.Notes,
		CreatedAt:  createdAt,
		UpdatedAt:  now,
	}
}

func describe(txn storage.Transaction) string {
	return fmt.Sprintf("%s %s %s", txn.Type, txn.Quantity, txn.Key())
}

// checkFunds enforces the non-negative available balance for buys only.
// Sells, income and reversals post unconditionally.
func checkFunds(ctx context.Context, tx storage.Tx, txn storage.Transaction, delta decimal.Decimal) error {
	if txn.Type != storage.TxnBuy || !delta.IsNegative() {
		return nil
	}
	balance, err := tx.GetCashBalance(ctx, txn.Currency, storage.BalanceAvailable)
	if err != nil {
		return err
	}
	if balance.Amount.Add(delta).IsNegative() {
		return &Error{Kind: KindInsufficientFunds, Entity: "account", ID: txn.AccountID.String(), Field: txn.Currency}
	}
	return nil
}

// RecordTransaction validates, posts the cash leg, stores the record and
// folds it into the holding, all inside one unit of work on the account.
func (s *LedgerService) RecordTransaction(ctx context.Context, req RecordTransactionRequest) (txn *storage.Transaction, err error) {
	ctx, done := s.begin(ctx, "record_transaction", accountAttr(req.AccountID), attribute.String("transaction.type", string(req.Type)))
	defer func() { done(&err) }()

	in, err := s.validateInput(req.TransactionInput)
	if err != nil {
		return nil, err
	}

	var recorded storage.Transaction
	var flows []storage.CashFlow
	err = s.store.InAccountTx(ctx, req.AccountID, func(ctx context.Context, tx storage.Tx) error {
		acct := tx.Account()
		if err := requireActive(acct); err != nil {
			return err
		}
		now := s.timestamp()
		recorded = buildTransaction(acct, in, uuid.New(), now, now)

		if !recorded.CashImpact.IsZero() {
			if err := checkFunds(ctx, tx, recorded, recorded.CashImpact); err != nil {
				return err
			}
			id := recorded.ID
			if _, err := s.post(ctx, tx, cashPosting{
				Currency:      recorded.Currency,
				BalanceType:   storage.BalanceAvailable,
				Delta:         recorded.CashImpact,
				FlowType:      flowTypeFor(recorded.Type),
				TransactionID: &id,
				Description:   describe(recorded),
			}, &flows); err != nil {
				return err
			}
		}
		if err := tx.InsertTransaction(ctx, &recorded); err != nil {
			return err
		}
		return s.applyToHolding(ctx, tx, recorded)
	})
	if err != nil {
		return nil, storeError(err, "account", req.AccountID)
	}

	s.logger.Info("transaction recorded",
		"account_id", recorded.AccountID.String(),
		"transaction_id", recorded.ID.String(),
		"type", string(recorded.Type),
		"holding", recorded.Key().String(),
	)
	s.events.transaction(ctx, EventTransactionRecorded, recorded)
	s.events.cashFlows(ctx, flows)
	return &recorded, nil
}

// UpdateTransaction rewrites a transaction, posts the change in cash impact
// and replays every affected holding from history.
func (s *LedgerService) UpdateTransaction(ctx context.Context, id uuid.UUID, input TransactionInput) (txn *storage.Transaction, err error) {
	ctx, done := s.begin(ctx, "update_transaction", attribute.String("transaction.id", id.String()))
	defer func() { done(&err) }()

	in, err := s.validateInput(input)
	if err != nil {
		return nil, err
	}
	existing, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, storeError(err, "transaction", id)
	}

	var updated storage.Transaction
	var flows []storage.CashFlow
	err = s.store.InAccountTx(ctx, existing.AccountID, func(ctx context.Context, tx storage.Tx) error {
		acct := tx.Account()
		if err := requireActive(acct); err != nil {
			return err
		}
		old, err := tx.GetTransaction(ctx, id)
		if err != nil {
			return storeError(err, "transaction", id)
		}
		updated = buildTransaction(acct, in, old.ID, old.CreatedAt, s.timestamp())

		if err := s.postCorrection(ctx, tx, *old, updated, &flows); err != nil {
			return err
		}
		if err := tx.UpdateTransaction(ctx, &updated); err != nil {
			return storeError(err, "transaction", id)
		}
		if _, _, err := s.recalculate(ctx, tx, old.Key(), s.policy); err != nil {
			return err
		}
		if updated.Key() != old.Key() {
			if _, _, err := s.recalculate(ctx, tx, updated.Key(), s.policy); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeError(err, "account", existing.AccountID)
	}

	s.logger.Info("transaction updated", "account_id", updated.AccountID.String(), "transaction_id", id.String())
	s.events.transaction(ctx, EventTransactionUpdated, updated)
	s.events.cashFlows(ctx, flows)
	return &updated, nil
}

// postCorrection books the difference between two versions of a transaction.
// A currency change reverses the old leg and books the new one separately.
func (s *LedgerService) postCorrection(ctx context.Context, tx storage.Tx, old, updated storage.Transaction, flows *[]storage.CashFlow) error {
	id := updated.ID
	if old.Currency == updated.Currency {
		delta := updated.CashImpact.Sub(old.CashImpact)
		if delta.IsZero() {
			return nil
		}
		if err := checkFunds(ctx, tx, updated, delta); err != nil {
			return err
		}
		_, err := s.post(ctx, tx, cashPosting{
			Currency:      updated.Currency,
			BalanceType:   storage.BalanceAvailable,
			Delta:         delta,
			FlowType:      storage.FlowCorrection,
			TransactionID: &id,
			Description:   "correct " + describe(updated),
		}, flows)
		return err
	}

	if !old.CashImpact.IsZero() {
		if _, err := s.post(ctx, tx, cashPosting{
			Currency:      old.Currency,
			BalanceType:   storage.BalanceAvailable,
			Delta:         old.CashImpact.Neg(),
			FlowType:      storage.FlowReversal,
			TransactionID: &id,
			Description:   "reverse " + describe(old),
		}, flows); err != nil {
			return err
		}
	}
	if updated.CashImpact.IsZero() {
		return nil
	}
	if err := checkFunds(ctx, tx, updated, updated.CashImpact); err != nil {
		return err
	}
	_, err := s.post(ctx, tx, cashPosting{
		Currency:      updated.Currency,
		BalanceType:   storage.BalanceAvailable,
		Delta:         updated.CashImpact,
		FlowType:      storage.FlowCorrection,
		TransactionID: &id,
		Description:   "correct " + describe(updated),
	}, flows)
	return err
}

// DeleteTransaction removes a transaction, reverses its cash impact and
// replays its holding. A key left without acquisitions loses its holding.
func (s *LedgerService) DeleteTransaction(ctx context.Context, id uuid.UUID) (err error) {
	ctx, done := s.begin(ctx, "delete_transaction", attribute.String("transaction.id", id.String()))
	defer func() { done(&err) }()

	existing, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return storeError(err, "transaction", id)
	}

	var deleted storage.Transaction
	var flows []storage.CashFlow
	err = s.store.InAccountTx(ctx, existing.AccountID, func(ctx context.Context, tx storage.Tx) error {
		if err := requireActive(tx.Account()); err != nil {
			return err
		}
		old, err := tx.GetTransaction(ctx, id)
		if err != nil {
			return storeError(err, "transaction", id)
		}
		deleted = *old

		if !old.CashImpact.IsZero() {
			if _, err := s.post(ctx, tx, cashPosting{
				Currency:      old.Currency,
				BalanceType:   storage.BalanceAvailable,
				Delta:         old.CashImpact.Neg(),
				FlowType:      storage.FlowReversal,
				TransactionID: &id,
				Description:   "reverse " + describe(*old),
			}, &flows); err != nil {
				return err
			}
		}
		if err := tx.DeleteTransaction(ctx, id); err != nil {
			return storeError(err, "transaction", id)
		}
		_, _, err = s.recalculate(ctx, tx, old.Key(), s.policy)
		return err
	})
	if err != nil {
		return storeError(err, "account", existing.AccountID)
	}

	s.logger.Info("transaction deleted", "account_id", deleted.AccountID.String(), "transaction_id", id.String())
	deleted.UpdatedAt = s.timestamp()
	s.events.transaction(ctx, EventTransactionDeleted, deleted)
	s.events.cashFlows(ctx, flows)
	return nil
}

// applyToHolding folds one new transaction into its holding. When the
// transaction sorts after everything the stored holding reflects, Apply on
// the stored position is the fold with one more element. Anything else
// replays the key from history.
func (s *LedgerService) applyToHolding(ctx context.Context, tx storage.Tx, txn storage.Transaction) error {
	key := txn.Key()
	h, err := tx.GetHolding(ctx, key)
	switch {
	case err == nil:
		pos := position.FromHolding(*h)
		if position.FollowsHistory(pos, txn) {
			next, _, err := position.Apply(pos, txn, s.policy)
			if err != nil {
				return positionError(err, key)
			}
			s.metrics.IncRecalculation("incremental")
			if txn.Name != "" {
				h.Name = txn.Name
			}
			if acquires(txn.Type) {
				h.Currency = txn.Currency
			}
			setPosition(h, next)
			h.UpdatedAt = s.timestamp()
			return tx.SaveHolding(ctx, h)
		}
	case !isNotFound(err):
		return err
	}
	_, _, err = s.recalculate(ctx, tx, key, s.policy)
	return err
}

// recalculate replays the full history of key and writes the result. It
// returns a nil holding when the history holds no acquisition.
func (s *LedgerService) recalculate(ctx context.Context, tx storage.Tx, key storage.HoldingKey, policy position.Policy) (*storage.Holding, []position.Warning, error) {
	history, err := tx.ListHoldingTransactions(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	position.SortHistory(history)
	pos, warnings, err := position.Recalculate(history, policy)
	if err != nil {
		return nil, nil, positionError(err, key)
	}
	s.metrics.IncRecalculation("full")

	if !pos.Acquired() {
		if err := tx.DeleteHolding(ctx, key); err != nil && !isNotFound(err) {
			return nil, nil, err
		}
		return nil, warnings, nil
	}

	h, err := tx.GetHolding(ctx, key)
	if isNotFound(err) {
		h = &storage.Holding{AssetType: key.AssetType, Symbol: key.Symbol, Market: key.Market}
	} else if err != nil {
		return nil, nil, err
	}
	for _, txn := range history {
		if txn.Name != "" {
			h.Name = txn.Name
		}
		if acquires(txn.Type) {
			h.Currency = txn.Currency
		}
	}
	setPosition(h, pos)
	h.UpdatedAt = s.timestamp()
	if err := tx.SaveHolding(ctx, h); err != nil {
		return nil, nil, err
	}
	return h, warnings, nil
}

func acquires(typ storage.TransactionType) bool {
	return typ == storage.TxnBuy || typ == storage.TxnTransferIn
}

func setPosition(h *storage.Holding, pos position.Position) {
	h.Quantity = pos.Quantity
	h.TotalCost = pos.TotalCost
	h.AvgCost = pos.AvgCost
	h.FirstBuyDate = pos.FirstBuyDate
	h.LastTransactionDate = pos.LastTransactionDate
}

// RebuildHolding replays one key with the lenient policy, for data repair.
func (s *LedgerService) RebuildHolding(ctx context.Context, accountID uuid.UUID, key storage.HoldingKey) (result *RebuildResult, err error) {
	key = storage.NewHoldingKey(key.AssetType, key.Symbol, key.Market)
	ctx, done := s.begin(ctx, "rebuild_holding", accountAttr(accountID), attribute.String("holding", key.String()))
	defer func() { done(&err) }()

	if key.AssetType == "" || key.Symbol == "" {
		return nil, invalidArgument("holding")
	}
	err = s.store.InAccountTx(ctx, accountID, func(ctx context.Context, tx storage.Tx) error {
		h, warnings, err := s.recalculate(ctx, tx, key, position.Lenient)
		if err != nil {
			return err
		}
		result = &RebuildResult{Key: key, Holding: h, Warnings: warnings}
		return nil
	})
	if err != nil {
		return nil, storeError(err, "account", accountID)
	}
	s.reportWarnings(accountID, []RebuildResult{*result})
	return result, nil
}

// RebuildAccount replays every key the account has transactions or holdings for.
func (s *LedgerService) RebuildAccount(ctx context.Context, accountID uuid.UUID) (results []RebuildResult, err error) {
	ctx, done := s.begin(ctx, "rebuild_account", accountAttr(accountID))
	defer func() { done(&err) }()

	err = s.store.InAccountTx(ctx, accountID, func(ctx context.Context, tx storage.Tx) error {
		keys, err := tx.TransactionKeys(ctx)
		if err != nil {
			return err
		}
		holdings, err := tx.ListHoldings(ctx)
		if err != nil {
			return err
		}
		seen := make(map[storage.HoldingKey]bool, len(keys))
		for _, k := range keys {
			seen[k] = true
		}
		for _, h := range holdings {
			if !seen[h.Key()] {
				keys = append(keys, h.Key())
				seen[h.Key()] = true
			}
		}

		results = make([]RebuildResult, 0, len(keys))
		for _, key := range keys {
			h, warnings, err := s.recalculate(ctx, tx, key, position.Lenient)
			if err != nil {
				return err
			}
			results = append(results, RebuildResult{Key: key, Holding: h, Warnings: warnings})
		}
		return nil
	})
	if err != nil {
		return nil, storeError(err, "account", accountID)
	}
	s.reportWarnings(accountID, results)
	return results, nil
}

func (s *LedgerService) reportWarnings(accountID uuid.UUID, results []RebuildResult) {
	for _, r := range results {
		s.metrics.AddOversellWarnings(len(r.Warnings))
		for _, w := range r.Warnings {
			s.logger.Warn("oversell clamped during rebuild",
				"account_id", accountID.String(),
				"holding", r.Key.String(),
				"transaction_id", w.TransactionID.String(),
				"requested", w.Requested.String(),
				"held", w.Held.String(),
			)
		}
	}
}

func (s *LedgerService) GetTransaction(ctx context.Context, id uuid.UUID) (*storage.Transaction, error) {
	txn, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, storeError(err, "transaction", id)
	}
	return txn, nil
}

func (s *LedgerService) ListTransactions(ctx context.Context, filter storage.TransactionFilter) ([]storage.Transaction, error) {
	filter.AssetType = strings.ToLower(strings.TrimSpace(filter.AssetType))
	filter.Symbol = strings.ToUpper(strings.TrimSpace(filter.Symbol))
	if filter.Type != "" {
		filter.Type = storage.TransactionType(strings.ToLower(string(filter.Type)))
		if !filter.Type.Valid() {
			return nil, invalidArgument("type")
		}
	}
	if filter.Limit < 0 {
		return nil, invalidArgument("limit")
	}
	if filter.Offset < 0 {
		return nil, invalidArgument("offset")
	}
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return nil, invalidArgument("from")
	}
	txns, err := s.store.ListTransactions(ctx, filter)
	if err != nil {
		return nil, storeError(err, "transaction", nil)
	}
	return txns, nil
}

func (s *LedgerService) GetHoldings(ctx context.Context, accountID uuid.UUID) ([]storage.Holding, error) {
	snap, err := s.store.Snapshot(ctx, accountID)
	if err != nil {
		return nil, storeError(err, "account", accountID)
	}
	return snap.Holdings, nil
}
