package storage

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type balanceKey struct {
	accountID   uuid.UUID
	currency    string
	balanceType BalanceType
}

type positionKey struct {
	accountID uuid.UUID
	key       HoldingKey
}

type memState struct {
	accounts     map[uuid.UUID]Account
	balances     map[balanceKey]CashBalance
	holdings     map[positionKey]Holding
	transactions map[uuid.UUID]Transaction
	flows        []CashFlow
}

func (s *memState) clone() *memState {
	return &memState{
		accounts:     maps.Clone(s.accounts),
		balances:     maps.Clone(s.balances),
		holdings:     maps.Clone(s.holdings),
		transactions: maps.Clone(s.transactions),
		flows:        slices.Clone(s.flows),
	}
}

// MemoryStore keeps the ledger in process. Writers are serialized by one lock
// and work on a copy of the state that replaces the live state only on success,
// so a failed unit of work leaves nothing behind.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState

	rateMu sync.RWMutex
	rates  []ExchangeRate
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			accounts:     make(map[uuid.UUID]Account),
			balances:     make(map[balanceKey]CashBalance),
			holdings:     make(map[positionKey]Holding),
			transactions: make(map[uuid.UUID]Transaction),
		},
	}
}

func (m *MemoryStore) CreateAccount(ctx context.Context, acct *Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if acct.ID == uuid.Nil {
		acct.ID = uuid.New()
	}
	m.state.accounts[acct.ID] = *acct
	return nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.state.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &acct, nil
}

func (m *MemoryStore) ListAccounts(ctx context.Context, filter AccountFilter) ([]Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listAccounts(filter), nil
}

func (s *memState) listAccounts(filter AccountFilter) []Account {
	out := make([]Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		if filter.ActiveOnly && !acct.IsActive {
			continue
		}
		if filter.PlatformType != "" && !strings.EqualFold(acct.PlatformType, filter.PlatformType) {
			continue
		}
		out = append(out, acct)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (m *MemoryStore) DeleteAccount(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.accounts[id]; !ok {
		return ErrNotFound
	}
	next := m.state.clone()
	delete(next.accounts, id)
	maps.DeleteFunc(next.balances, func(k balanceKey, _ CashBalance) bool { return k.accountID == id })
	maps.DeleteFunc(next.holdings, func(k positionKey, _ Holding) bool { return k.accountID == id })
	maps.DeleteFunc(next.transactions, func(_ uuid.UUID, t Transaction) bool { return t.AccountID == id })
	next.flows = slices.DeleteFunc(next.flows, func(f CashFlow) bool { return f.AccountID == id })
	m.state = next
	return nil
}

func (m *MemoryStore) InAccountTx(ctx context.Context, accountID uuid.UUID, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.state.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	tx := &memTx{state: m.state.clone(), account: acct}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.state = tx.state
	return nil
}

func (m *MemoryStore) Snapshot(ctx context.Context, accountID uuid.UUID) (*AccountSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.state.accounts[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	snap := m.state.snapshot(acct)
	return &snap, nil
}

func (m *MemoryStore) SnapshotAll(ctx context.Context, filter AccountFilter) ([]AccountSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	accounts := m.state.listAccounts(filter)
	out := make([]AccountSnapshot, 0, len(accounts))
	for _, acct := range accounts {
		out = append(out, m.state.snapshot(acct))
	}
	return out, nil
}

func (s *memState) snapshot(acct Account) AccountSnapshot {
	return AccountSnapshot{
		Account:  acct,
		Balances: s.accountBalances(acct.ID),
		Holdings: s.accountHoldings(acct.ID),
	}
}

func (s *memState) accountBalances(accountID uuid.UUID) []CashBalance {
	var out []CashBalance
	for k, b := range s.balances {
		if k.accountID == accountID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Currency != out[j].Currency {
			return out[i].Currency < out[j].Currency
		}
		return out[i].BalanceType < out[j].BalanceType
	})
	return out
}

func (s *memState) accountHoldings(accountID uuid.UUID) []Holding {
	var out []Holding
	for k, h := range s.holdings {
		if k.accountID == accountID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key().String() < out[j].Key().String()
	})
	return out
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	txn, ok := m.state.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &txn, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Transaction
	for _, txn := range m.state.transactions {
		if matchesTransaction(txn, filter) {
			out = append(out, txn)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TradeDate.Equal(out[j].TradeDate) {
			return out[i].TradeDate.After(out[j].TradeDate)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, filter.Offset, filter.Limit), nil
}

func (m *MemoryStore) ListCashFlows(ctx context.Context, accountID uuid.UUID, filter CashFlowFilter) ([]CashFlow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []CashFlow
	for i := len(m.state.flows) - 1; i >= 0; i-- {
		flow := m.state.flows[i]
		if flow.AccountID != accountID {
			continue
		}
		if filter.Currency != "" && flow.Currency != filter.Currency {
			continue
		}
		out = append(out, flow)
	}
	return paginate(out, 0, filter.Limit), nil
}

func (m *MemoryStore) LatestRate(ctx context.Context, from, to string, since time.Time) (*ExchangeRate, error) {
	m.rateMu.RLock()
	defer m.rateMu.RUnlock()
	var best *ExchangeRate
	for i := range m.rates {
		r := m.rates[i]
		if r.FromCurrency != from || r.ToCurrency != to || r.RecordedAt.Before(since) {
			continue
		}
		if best == nil || r.RecordedAt.After(best.RecordedAt) {
			best = &r
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func (m *MemoryStore) InsertRate(ctx context.Context, rate ExchangeRate) error {
	m.rateMu.Lock()
	defer m.rateMu.Unlock()
	if rate.ID == uuid.Nil {
		rate.ID = uuid.New()
	}
	for i, r := range m.rates {
		if r.FromCurrency == rate.FromCurrency && r.ToCurrency == rate.ToCurrency && r.RecordedAt.Equal(rate.RecordedAt) {
			m.rates[i] = rate
			return nil
		}
	}
	m.rates = append(m.rates, rate)
	return nil
}

type memTx struct {
	state   *memState
	account Account
}

func (t *memTx) Account() Account { return t.account }

func (t *memTx) UpdateAccount(ctx context.Context, acct Account) error {
	acct.ID = t.account.ID
	t.state.accounts[acct.ID] = acct
	t.account = acct
	return nil
}

func (t *memTx) GetCashBalance(ctx context.Context, currency string, balanceType BalanceType) (CashBalance, error) {
	if b, ok := t.state.balances[balanceKey{t.account.ID, currency, balanceType}]; ok {
		return b, nil
	}
	return CashBalance{AccountID: t.account.ID, Currency: currency, BalanceType: balanceType}, nil
}

func (t *memTx) ListCashBalances(ctx context.Context) ([]CashBalance, error) {
	return t.state.accountBalances(t.account.ID), nil
}

func (t *memTx) SaveCashBalance(ctx context.Context, balance *CashBalance) error {
	if balance.ID == uuid.Nil {
		balance.ID = uuid.New()
	}
	balance.AccountID = t.account.ID
	t.state.balances[balanceKey{t.account.ID, balance.Currency, balance.BalanceType}] = *balance
	return nil
}

func (t *memTx) AppendCashFlow(ctx context.Context, flow *CashFlow) error {
	if flow.ID == uuid.Nil {
		flow.ID = uuid.New()
	}
	flow.AccountID = t.account.ID
	t.state.flows = append(t.state.flows, *flow)
	return nil
}

func (t *memTx) GetHolding(ctx context.Context, key HoldingKey) (*Holding, error) {
	h, ok := t.state.holdings[positionKey{t.account.ID, key}]
	if !ok {
		return nil, ErrNotFound
	}
	return &h, nil
}

func (t *memTx) ListHoldings(ctx context.Context) ([]Holding, error) {
	return t.state.accountHoldings(t.account.ID), nil
}

func (t *memTx) SaveHolding(ctx context.Context, holding *Holding) error {
	if holding.ID == uuid.Nil {
		holding.ID = uuid.New()
	}
	holding.AccountID = t.account.ID
	t.state.holdings[positionKey{t.account.ID, holding.Key()}] = *holding
	return nil
}

func (t *memTx) DeleteHolding(ctx context.Context, key HoldingKey) error {
	delete(t.state.holdings, positionKey{t.account.ID, key})
	return nil
}

func (t *memTx) GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	txn, ok := t.state.transactions[id]
	if !ok || txn.AccountID != t.account.ID {
		return nil, ErrNotFound
	}
	return &txn, nil
}

func (t *memTx) ListHoldingTransactions(ctx context.Context, key HoldingKey) ([]Transaction, error) {
	var out []Transaction
	for _, txn := range t.state.transactions {
		if txn.AccountID == t.account.ID && txn.Key() == key {
			out = append(out, txn)
		}
	}
	return out, nil
}

func (t *memTx) TransactionKeys(ctx context.Context) ([]HoldingKey, error) {
	seen := make(map[HoldingKey]struct{})
	var out []HoldingKey
	for _, txn := range t.state.transactions {
		if txn.AccountID != t.account.ID {
			continue
		}
		if _, ok := seen[txn.Key()]; ok {
			continue
		}
		seen[txn.Key()] = struct{}{}
		out = append(out, txn.Key())
	}
	slices.SortFunc(out, func(a, b HoldingKey) int { return strings.Compare(a.String(), b.String()) })
	return out, nil
}

func (t *memTx) InsertTransaction(ctx context.Context, txn *Transaction) error {
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	txn.AccountID = t.account.ID
	t.state.transactions[txn.ID] = *txn
	return nil
}

func (t *memTx) UpdateTransaction(ctx context.Context, txn *Transaction) error {
	existing, ok := t.state.transactions[txn.ID]
	if !ok || existing.AccountID != t.account.ID {
		return ErrNotFound
	}
	txn.AccountID = t.account.ID
	t.state.transactions[txn.ID] = *txn
	return nil
}

func (t *memTx) DeleteTransaction(ctx context.Context, id uuid.UUID) error {
	existing, ok := t.state.transactions[id]
	if !ok || existing.AccountID != t.account.ID {
		return ErrNotFound
	}
	delete(t.state.transactions, id)
	return nil
}

func matchesTransaction(txn Transaction, filter TransactionFilter) bool {
	if filter.AccountID != uuid.Nil && txn.AccountID != filter.AccountID {
		return false
	}
	if filter.AssetType != "" && txn.AssetType != filter.AssetType {
		return false
	}
	if filter.Symbol != "" && txn.Symbol != filter.Symbol {
		return false
	}
	if filter.Type != "" && txn.Type != filter.Type {
		return false
	}
	if filter.From != nil && txn.TradeDate.Before(*filter.From) {
		return false
	}
	if filter.To != nil && txn.TradeDate.After(*filter.To) {
		return false
	}
	return true
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
