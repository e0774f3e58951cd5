package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schemaSQL string

const (
	accountColumns     = `id, name, account_number, platform_type, institution, base_currency, is_active, notes, created_at, updated_at`
	balanceColumns     = `id, account_id, currency, balance_type, amount::text, updated_at`
	holdingColumns     = `id, account_id, asset_type, symbol, market, name, quantity::text, avg_cost::text, total_cost::text, currency, first_buy_date, last_transaction_date, updated_at`
	transactionColumns = `id, account_id, asset_type, symbol, market, name, txn_type, quantity::text, price::text, amount::text, fees::text, currency, split_ratio::text, trade_date, cash_impact::text, notes, created_at, updated_at`
	cashFlowColumns    = `id, account_id, currency, balance_type, flow_type, amount::text, balance_after::text, transaction_id, description, occurred_at`
	rateColumns        = `id, from_currency, to_currency, rate::text, rate_type, source, recorded_at`
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Postgres struct {
	pool        *pgxpool.Pool
	logger      *slog.Logger
	lockTimeout time.Duration
}

func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger, lockTimeout time.Duration) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{
		pool:        pool,
		logger:      logger,
		lockTimeout: lockTimeout,
	}
}

// Migrate creates the ledger tables when they do not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Postgres) CreateAccount(ctx context.Context, acct *Account) error {
	if acct.ID == uuid.Nil {
		acct.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, acct.ID, acct.Name, acct.AccountNumber, acct.PlatformType, acct.Institution, acct.BaseCurrency,
		acct.IsActive, acct.Notes, acct.CreatedAt, acct.UpdatedAt)
	return mapError(err)
}

func (s *Postgres) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	acct, err := scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err)
	}
	return &acct, nil
}

func (s *Postgres) ListAccounts(ctx context.Context, filter AccountFilter) ([]Account, error) {
	return listAccounts(ctx, s.pool, filter)
}

func listAccounts(ctx context.Context, q querier, filter AccountFilter) ([]Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE 1 = 1`
	var args []any
	if filter.ActiveOnly {
		query += ` AND is_active`
	}
	if filter.PlatformType != "" {
		args = append(args, filter.PlatformType)
		query += ` AND lower(platform_type) = lower($` + strconv.Itoa(len(args)) + `)`
	}
	query += ` ORDER BY created_at, id`

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (s *Postgres) DeleteAccount(ctx context.Context, id uuid.UUID) error {
	return s.withAccountLock(ctx, id, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *Postgres) InAccountTx(ctx context.Context, accountID uuid.UUID, fn func(ctx context.Context, tx Tx) error) error {
	return s.withAccountLock(ctx, accountID, func(ctx context.Context, tx pgx.Tx) error {
		acct, err := scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, accountID))
		if err != nil {
			return err
		}
		return fn(ctx, &pgTx{tx: tx, account: acct})
	})
}

func (s *Postgres) withAccountLock(ctx context.Context, accountID uuid.UUID, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapError(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if s.lockTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
			return mapError(err)
		}
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, accountID.String()); err != nil {
		return mapError(err)
	}

	if err := fn(ctx, tx); err != nil {
		return mapError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return mapError(err)
	}
	committed = true
	return nil
}

func (s *Postgres) withSnapshot(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return mapError(err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	return mapError(fn(tx))
}

func (s *Postgres) Snapshot(ctx context.Context, accountID uuid.UUID) (*AccountSnapshot, error) {
	var snap AccountSnapshot
	err := s.withSnapshot(ctx, func(tx pgx.Tx) error {
		acct, err := scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
		if err != nil {
			return err
		}
		snap, err = loadSnapshot(ctx, tx, acct)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *Postgres) SnapshotAll(ctx context.Context, filter AccountFilter) ([]AccountSnapshot, error) {
	var out []AccountSnapshot
	err := s.withSnapshot(ctx, func(tx pgx.Tx) error {
		accounts, err := listAccounts(ctx, tx, filter)
		if err != nil {
			return err
		}
		for _, acct := range accounts {
			snap, err := loadSnapshot(ctx, tx, acct)
			if err != nil {
				return err
			}
			out = append(out, snap)
		}
		return nil
	})
	return out, err
}

func loadSnapshot(ctx context.Context, q querier, acct Account) (AccountSnapshot, error) {
	balances, err := listBalances(ctx, q, acct.ID, false)
	if err != nil {
		return AccountSnapshot{}, err
	}
	holdings, err := listHoldings(ctx, q, acct.ID)
	if err != nil {
		return AccountSnapshot{}, err
	}
	return AccountSnapshot{Account: acct, Balances: balances, Holdings: holdings}, nil
}

func (s *Postgres) GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	txn, err := scanTransaction(s.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err)
	}
	return &txn, nil
}

func (s *Postgres) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.AccountID != uuid.Nil {
		add("account_id = $%d", filter.AccountID)
	}
	if filter.AssetType != "" {
		add("asset_type = $%d", filter.AssetType)
	}
	if filter.Symbol != "" {
		add("symbol = $%d", filter.Symbol)
	}
	if filter.Type != "" {
		add("txn_type = $%d", string(filter.Type))
	}
	if filter.From != nil {
		add("trade_date >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("trade_date <= $%d", *filter.To)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY trade_date DESC, created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ` + strconv.Itoa(filter.Offset)
	}
	return queryTransactions(ctx, s.pool, query, args...)
}

func (s *Postgres) ListCashFlows(ctx context.Context, accountID uuid.UUID, filter CashFlowFilter) ([]CashFlow, error) {
	query := `SELECT ` + cashFlowColumns + ` FROM cash_flows WHERE account_id = $1`
	args := []any{accountID}
	if filter.Currency != "" {
		args = append(args, filter.Currency)
		query += ` AND currency = $2`
	}
	query += ` ORDER BY occurred_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []CashFlow
	for rows.Next() {
		var (
			flow                 CashFlow
			balanceType, flowTyp string
			amount, after        string
		)
		if err := rows.Scan(&flow.ID, &flow.AccountID, &flow.Currency, &balanceType, &flowTyp, &amount, &after,
			&flow.TransactionID, &flow.Description, &flow.OccurredAt); err != nil {
			return nil, err
		}
		flow.BalanceType = BalanceType(balanceType)
		flow.FlowType = FlowType(flowTyp)
		if flow.Amount, err = parseDecimal(amount, "flow amount"); err != nil {
			return nil, err
		}
		if flow.BalanceAfter, err = parseDecimal(after, "balance after"); err != nil {
			return nil, err
		}
		out = append(out, flow)
	}
	return out, rows.Err()
}

func (s *Postgres) LatestRate(ctx context.Context, from, to string, since time.Time) (*ExchangeRate, error) {
	var (
		rate    ExchangeRate
		rateStr string
	)
	row := s.pool.QueryRow(ctx, `
		SELECT `+rateColumns+`
		FROM exchange_rates
		WHERE from_currency = $1 AND to_currency = $2 AND recorded_at >= $3
		ORDER BY recorded_at DESC
		LIMIT 1
	`, from, to, since)
	if err := row.Scan(&rate.ID, &rate.FromCurrency, &rate.ToCurrency, &rateStr, &rate.RateType, &rate.Source, &rate.RecordedAt); err != nil {
		return nil, mapError(err)
	}
	var err error
	if rate.Rate, err = parseDecimal(rateStr, "rate"); err != nil {
		return nil, err
	}
	return &rate, nil
}

func (s *Postgres) InsertRate(ctx context.Context, rate ExchangeRate) error {
	if rate.ID == uuid.Nil {
		rate.ID = uuid.New()
	}
	if rate.RateType == "" {
		rate.RateType = "mid"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO exchange_rates (id, from_currency, to_currency, rate, rate_type, source, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (from_currency, to_currency, recorded_at)
		DO UPDATE SET rate = EXCLUDED.rate, source = EXCLUDED.source
	`, rate.ID, rate.FromCurrency, rate.ToCurrency, rate.Rate.String(), rate.RateType, rate.Source, rate.RecordedAt)
	return mapError(err)
}

type pgTx struct {
	tx      pgx.Tx
	account Account
}

func (t *pgTx) Account() Account { return t.account }

func (t *pgTx) UpdateAccount(ctx context.Context, acct Account) error {
	acct.ID = t.account.ID
	_, err := t.tx.Exec(ctx, `
		UPDATE accounts
		SET name = $1, account_number = $2, platform_type = $3, institution = $4, base_currency = $5,
			is_active = $6, notes = $7, updated_at = $8
		WHERE id = $9
	`, acct.Name, acct.AccountNumber, acct.PlatformType, acct.Institution, acct.BaseCurrency,
		acct.IsActive, acct.Notes, acct.UpdatedAt, acct.ID)
	if err != nil {
		return err
	}
	t.account = acct
	return nil
}

func (t *pgTx) GetCashBalance(ctx context.Context, currency string, balanceType BalanceType) (CashBalance, error) {
	balance, err := scanBalance(t.tx.QueryRow(ctx, `
		SELECT `+balanceColumns+`
		FROM cash_balances
		WHERE account_id = $1 AND currency = $2 AND balance_type = $3
		FOR UPDATE
	`, t.account.ID, currency, string(balanceType)))
	if errors.Is(err, pgx.ErrNoRows) {
		return CashBalance{AccountID: t.account.ID, Currency: currency, BalanceType: balanceType}, nil
	}
	return balance, err
}

func (t *pgTx) ListCashBalances(ctx context.Context) ([]CashBalance, error) {
	return listBalances(ctx, t.tx, t.account.ID, true)
}

func (t *pgTx) SaveCashBalance(ctx context.Context, balance *CashBalance) error {
	if balance.ID == uuid.Nil {
		balance.ID = uuid.New()
	}
	balance.AccountID = t.account.ID
	return t.tx.QueryRow(ctx, `
		INSERT INTO cash_balances (id, account_id, currency, balance_type, amount, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id, currency, balance_type)
		DO UPDATE SET amount = EXCLUDED.amount, updated_at = EXCLUDED.updated_at
		RETURNING id
	`, balance.ID, balance.AccountID, balance.Currency, string(balance.BalanceType), balance.Amount.String(), balance.UpdatedAt).Scan(&balance.ID)
}

func (t *pgTx) AppendCashFlow(ctx context.Context, flow *CashFlow) error {
	if flow.ID == uuid.Nil {
		flow.ID = uuid.New()
	}
	flow.AccountID = t.account.ID
	_, err := t.tx.Exec(ctx, `
		INSERT INTO cash_flows (id, account_id, currency, balance_type, flow_type, amount, balance_after, transaction_id, description, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, flow.ID, flow.AccountID, flow.Currency, string(flow.BalanceType), string(flow.FlowType),
		flow.Amount.String(), flow.BalanceAfter.String(), flow.TransactionID, flow.Description, flow.OccurredAt)
	return err
}

func (t *pgTx) GetHolding(ctx context.Context, key HoldingKey) (*Holding, error) {
	h, err := scanHolding(t.tx.QueryRow(ctx, `
		SELECT `+holdingColumns+`
		FROM holdings
		WHERE account_id = $1 AND asset_type = $2 AND symbol = $3 AND market = $4
		FOR UPDATE
	`, t.account.ID, key.AssetType, key.Symbol, key.Market))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &h, nil
}

func (t *pgTx) ListHoldings(ctx context.Context) ([]Holding, error) {
	return listHoldings(ctx, t.tx, t.account.ID)
}

func (t *pgTx) SaveHolding(ctx context.Context, h *Holding) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	h.AccountID = t.account.ID
	return t.tx.QueryRow(ctx, `
		INSERT INTO holdings (id, account_id, asset_type, symbol, market, name, quantity, avg_cost, total_cost,
			currency, first_buy_date, last_transaction_date, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (account_id, asset_type, symbol, market)
		DO UPDATE SET name = EXCLUDED.name, quantity = EXCLUDED.quantity, avg_cost = EXCLUDED.avg_cost,
			total_cost = EXCLUDED.total_cost, currency = EXCLUDED.currency, first_buy_date = EXCLUDED.first_buy_date,
			last_transaction_date = EXCLUDED.last_transaction_date, updated_at = EXCLUDED.updated_at
		RETURNING id
	`, h.ID, h.AccountID, h.AssetType, h.Symbol, h.Market, h.Name, h.Quantity.String(), h.AvgCost.String(),
		h.TotalCost.String(), h.Currency, h.FirstBuyDate, h.LastTransactionDate, h.UpdatedAt).Scan(&h.ID)
}

func (t *pgTx) DeleteHolding(ctx context.Context, key HoldingKey) error {
	_, err := t.tx.Exec(ctx, `
		DELETE FROM holdings WHERE account_id = $1 AND asset_type = $2 AND symbol = $3 AND market = $4
	`, t.account.ID, key.AssetType, key.Symbol, key.Market)
	return err
}

func (t *pgTx) GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	txn, err := scanTransaction(t.tx.QueryRow(ctx, `
		SELECT `+transactionColumns+` FROM transactions WHERE id = $1 AND account_id = $2
	`, id, t.account.ID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &txn, nil
}

func (t *pgTx) ListHoldingTransactions(ctx context.Context, key HoldingKey) ([]Transaction, error) {
	return queryTransactions(ctx, t.tx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE account_id = $1 AND asset_type = $2 AND symbol = $3 AND market = $4
		ORDER BY trade_date, created_at, id
	`, t.account.ID, key.AssetType, key.Symbol, key.Market)
}

func (t *pgTx) TransactionKeys(ctx context.Context) ([]HoldingKey, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT DISTINCT asset_type, symbol, market
		FROM transactions
		WHERE account_id = $1
		ORDER BY asset_type, symbol, market
	`, t.account.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HoldingKey
	for rows.Next() {
		var key HoldingKey
		if err := rows.Scan(&key.AssetType, &key.Symbol, &key.Market); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn *Transaction) error {
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	txn.AccountID = t.account.ID
	_, err := t.tx.Exec(ctx, `
		INSERT INTO transactions (`+strings.ReplaceAll(transactionColumns, "::text", "")+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, transactionArgs(txn)...)
	return err
}

func (t *pgTx) UpdateTransaction(ctx context.Context, txn *Transaction) error {
	txn.AccountID = t.account.ID
	tag, err := t.tx.Exec(ctx, `
		UPDATE transactions
		SET asset_type = $3, symbol = $4, market = $5, name = $6, txn_type = $7, quantity = $8, price = $9,
			amount = $10, fees = $11, currency = $12, split_ratio = $13, trade_date = $14, cash_impact = $15,
			notes = $16, created_at = $17, updated_at = $18
		WHERE id = $1 AND account_id = $2
	`, transactionArgs(txn)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) DeleteTransaction(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM transactions WHERE id = $1 AND account_id = $2`, id, t.account.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func transactionArgs(txn *Transaction) []any {
	return []any{
		txn.ID, txn.AccountID, txn.AssetType, txn.Symbol, txn.Market, txn.Name, string(txn.Type),
		txn.Quantity.String(), txn.Price.String(), txn.Amount.String(), txn.Fees.String(), txn.Currency,
		txn.SplitRatio.String(), txn.TradeDate, txn.CashImpact.String(), txn.Notes, txn.CreatedAt, txn.UpdatedAt,
	}
}

func listBalances(ctx context.Context, q querier, accountID uuid.UUID, forUpdate bool) ([]CashBalance, error) {
	query := `SELECT ` + balanceColumns + ` FROM cash_balances WHERE account_id = $1 ORDER BY currency, balance_type`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CashBalance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func listHoldings(ctx context.Context, q querier, accountID uuid.UUID) ([]Holding, error) {
	rows, err := q.Query(ctx, `
		SELECT `+holdingColumns+` FROM holdings WHERE account_id = $1 ORDER BY asset_type, symbol, market
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func queryTransactions(ctx context.Context, q querier, query string, args ...any) ([]Transaction, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

func scanAccount(row pgx.Row) (Account, error) {
	var acct Account
	err := row.Scan(&acct.ID, &acct.Name, &acct.AccountNumber, &acct.PlatformType, &acct.Institution,
		&acct.BaseCurrency, &acct.IsActive, &acct.Notes, &acct.CreatedAt, &acct.UpdatedAt)
	return acct, err
}

func scanBalance(row pgx.Row) (CashBalance, error) {
	var (
		b           CashBalance
		balanceType string
		amount      string
	)
	if err := row.Scan(&b.ID, &b.AccountID, &b.Currency, &balanceType, &amount, &b.UpdatedAt); err != nil {
		return CashBalance{}, err
	}
	b.BalanceType = BalanceType(balanceType)
	var err error
	if b.Amount, err = parseDecimal(amount, "cash amount"); err != nil {
		return CashBalance{}, err
	}
	return b, nil
}

func scanHolding(row pgx.Row) (Holding, error) {
	var (
		h                         Holding
		quantity, avgCost, totCost string
	)
	if err := row.Scan(&h.ID, &h.AccountID, &h.AssetType, &h.Symbol, &h.Market, &h.Name, &quantity, &avgCost,
		&totCost, &h.Currency, &h.FirstBuyDate, &h.LastTransactionDate, &h.UpdatedAt); err != nil {
		return Holding{}, err
	}
	var err error
	if h.Quantity, err = parseDecimal(quantity, "quantity"); err != nil {
		return Holding{}, err
	}
	if h.AvgCost, err = parseDecimal(avgCost, "avg cost"); err != nil {
		return Holding{}, err
	}
	if h.TotalCost, err = parseDecimal(totCost, "total cost"); err != nil {
		return Holding{}, err
	}
	return h, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		txn                                               Transaction
		txnType                                           string
		quantity, price, amount, fees, ratio, cashImpact string
	)
	if err := row.Scan(&txn.ID, &txn.AccountID, &txn.AssetType, &txn.Symbol, &txn.Market, &txn.Name, &txnType,
		&quantity, &price, &amount, &fees, &txn.Currency, &ratio, &txn.TradeDate, &cashImpact, &txn.Notes,
		&txn.CreatedAt, &txn.UpdatedAt); err != nil {
		return Transaction{}, err
	}
	txn.Type = TransactionType(txnType)
	fields := []struct {
		dst  *decimal.Decimal
		src  string
		name string
	}{
		{&txn.Quantity, quantity, "quantity"},
		{&txn.Price, price, "price"},
		{&txn.Amount, amount, "amount"},
		{&txn.Fees, fees, "fees"},
		{&txn.SplitRatio, ratio, "split ratio"},
		{&txn.CashImpact, cashImpact, "cash impact"},
	}
	for _, f := range fields {
		dec, err := parseDecimal(f.src, f.name)
		if err != nil {
			return Transaction{}, err
		}
		*f.dst = dec
	}
	return txn, nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if isConflict(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// isConflict reports serialization failures, deadlocks and lock timeouts.
func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
	}
	return false
}
