package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Leeelics/Folio/services/ledger/internal/fx"
	"github.com/Leeelics/Folio/services/ledger/internal/service"
	"github.com/Leeelics/Folio/services/ledger/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Ledger interface {
	CreateAccount(ctx context.Context, req service.CreateAccountRequest) (*storage.Account, error)
	GetAccount(ctx context.Context, id uuid.UUID) (*storage.Account, error)
	ListAccounts(ctx context.Context, filter storage.AccountFilter) ([]storage.Account, error)
	UpdateAccount(ctx context.Context, id uuid.UUID, req service.UpdateAccountRequest) (*storage.Account, error)
	DeleteAccount(ctx context.Context, id uuid.UUID) error

	AdjustCashBalance(ctx context.Context, req service.AdjustCashRequest) (*storage.CashBalance, error)
	SetCashBalance(ctx context.Context, req service.SetCashRequest) (*storage.CashBalance, error)
	FreezeCash(ctx context.Context, req service.MoveCashRequest) ([]storage.CashBalance, error)
	UnfreezeCash(ctx context.Context, req service.MoveCashRequest) ([]storage.CashBalance, error)
	GetCashBalances(ctx context.Context, accountID uuid.UUID) ([]storage.CashBalance, error)
	ListCashFlows(ctx context.Context, accountID uuid.UUID, filter storage.CashFlowFilter) ([]storage.CashFlow, error)

	RecordTransaction(ctx context.Context, req service.RecordTransactionRequest) (*storage.Transaction, error)
	UpdateTransaction(ctx context.Context, id uuid.UUID, input service.TransactionInput) (*storage.Transaction, error)
	DeleteTransaction(ctx context.Context, id uuid.UUID) error
	ListTransactions(ctx context.Context, filter storage.TransactionFilter) ([]storage.Transaction, error)
	GetHoldings(ctx context.Context, accountID uuid.UUID) ([]storage.Holding, error)
	RebuildHolding(ctx context.Context, accountID uuid.UUID, key storage.HoldingKey) (*service.RebuildResult, error)
	RebuildAccount(ctx context.Context, accountID uuid.UUID) ([]service.RebuildResult, error)

	GetUnifiedView(ctx context.Context, accountID uuid.UUID, opts service.ViewOptions) (*service.UnifiedView, error)
	SummarizeAllAccounts(ctx context.Context, base string) (*service.PortfolioSummary, error)
	PortfolioAllocation(ctx context.Context, base string) (*service.Allocation, error)
}

type Rates interface {
	RatesFor(ctx context.Context, base string, currencies []string) map[string]fx.Resolution
	StrictRate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

type LedgerHandler struct {
	Ledger Ledger
	Rates  Rates
	Logger *slog.Logger
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewLedgerHandler(ledger Ledger, rates Rates, logger *slog.Logger) *LedgerHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerHandler{Ledger: ledger, Rates: rates, Logger: logger}
}

func (h *LedgerHandler) RegisterRoutes(r *gin.Engine) {
	v1 := r.Group("/v1")
	v1.GET("/accounts", h.ListAccounts)
	v1.POST("/accounts", h.CreateAccount)
	v1.GET("/accounts/:id", h.GetAccount)
	v1.PATCH("/accounts/:id", h.UpdateAccount)
	v1.DELETE("/accounts/:id", h.DeleteAccount)
	v1.GET("/accounts/:id/cash", h.GetCash)
	v1.POST("/accounts/:id/cash", h.AdjustCash)
	v1.PUT("/accounts/:id/cash", h.SetCash)
	v1.POST("/accounts/:id/cash/freeze", h.FreezeCash)
	v1.POST("/accounts/:id/cash/unfreeze", h.UnfreezeCash)
	v1.GET("/accounts/:id/cash/flows", h.ListCashFlows)
	v1.GET("/accounts/:id/holdings", h.GetHoldings)
	v1.POST("/accounts/:id/holdings/rebuild", h.RebuildHolding)
	v1.POST("/accounts/:id/rebuild", h.Rebuild)
	v1.GET("/accounts/:id/transactions", h.ListTransactions)
	v1.POST("/accounts/:id/transactions", h.RecordTransaction)
	v1.PUT("/transactions/:id", h.UpdateTransaction)
	v1.DELETE("/transactions/:id", h.DeleteTransaction)
	v1.GET("/accounts/:id/view", h.UnifiedView)
	v1.GET("/portfolio/summary", h.Summary)
	v1.GET("/portfolio/allocation", h.Allocation)
	v1.GET("/rates", h.ListRates)
	v1.GET("/rates/:from/:to", h.GetRate)
}

type createAccountRequest struct {
	Name          string `json:"name"`
	AccountNumber string `json:"account_number"`
	PlatformType  string `json:"platform_type"`
	Institution   string `json:"institution"`
	BaseCurrency  string `json:"base_currency"`
	Notes         string `json:"notes"`
}

type updateAccountRequest struct {
	Name          *string `json:"name"`
	AccountNumber *string `json:"account_number"`
	PlatformType  *string `json:"platform_type"`
	Institution   *string `json:"institution"`
	Notes         *string `json:"notes"`
	IsActive      *bool   `json:"is_active"`
}

type adjustCashRequest struct {
	Currency    string          `json:"currency"`
	Delta       decimal.Decimal `json:"delta"`
	BalanceType string          `json:"balance_type"`
	Description string          `json:"description"`
}

type setCashRequest struct {
	Currency    string          `json:"currency"`
	Amount      decimal.Decimal `json:"amount"`
	BalanceType string          `json:"balance_type"`
	Description string          `json:"description"`
}

type moveCashRequest struct {
	Currency    string          `json:"currency"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

type holdingKeyRequest struct {
	AssetType string `json:"asset_type"`
	Symbol    string `json:"symbol"`
	Market    string `json:"market"`
}

type transactionRequest struct {
	AssetType  string          `json:"asset_type"`
	Symbol     string          `json:"symbol"`
	Market     string          `json:"market"`
	Name       string          `json:"name"`
	Type       string          `json:"transaction_type"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Fees       decimal.Decimal `json:"fees"`
	Currency   string          `json:"currency"`
	SplitRatio decimal.Decimal `json:"split_ratio"`
	TradeDate  time.Time       `json:"trade_date"`
	Notes      string          `json:"notes"`
}

func (r transactionRequest) input() service.TransactionInput {
	return service.TransactionInput{
		AssetType:  r.AssetType,
		Symbol:     r.Symbol,
		Market:     r.Market,
		Name:       r.Name,
		Type:       storage.TransactionType(r.Type),
		Quantity:   r.Quantity,
		Price:      r.Price,
		Fees:       r.Fees,
		Currency:   r.Currency,
		SplitRatio: r.SplitRatio,
		TradeDate:  r.TradeDate,
		Notes:      r.Notes,
	}
}

func (h *LedgerHandler) ListAccounts(c *gin.Context) {
	filter := storage.AccountFilter{
		PlatformType: c.Query("platform_type"),
		ActiveOnly:   c.Query("active") == "true",
	}
	accounts, err := h.Ledger.ListAccounts(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, toAccount(a))
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}

func (h *LedgerHandler) CreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidPayload(c)
		return
	}
	acct, err := h.Ledger.CreateAccount(c.Request.Context(), service.CreateAccountRequest(req))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toAccount(*acct))
}

func (h *LedgerHandler) GetAccount(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	acct, err := h.Ledger.GetAccount(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toAccount(*acct))
}

func (h *LedgerHandler) UpdateAccount(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req updateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidPayload(c)
		return
	}
	acct, err := h.Ledger.UpdateAccount(c.Request.Context(), id, service.UpdateAccountRequest(req))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toAccount(*acct))
}

func (h *LedgerHandler) DeleteAccount(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if c.Query("confirm") != "true" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "confirm=true required"})
		return
	}
	if err := h.Ledger.DeleteAccount(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *LedgerHandler) GetCash(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	balances, err := h.Ledger.GetCashBalances(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]balanceResponse, 0, len(balances))
	for _, b := range balances {
		out = append(out, toBalance(b))
	}
	c.JSON(http.StatusOK, gin.H{"balances": out})
}

func (h *LedgerHandler) AdjustCash(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req adjustCashRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidPayload(c)
		return
	}
	balance, err := h.Ledger.AdjustCashBalance(c.Request.Context(), service.AdjustCashRequest{
		AccountID:   id,
		Currency:    req.Currency,
		Delta:       req.Delta,
		BalanceType: storage.BalanceType(req.BalanceType),
		Description: req.Description,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toBalance(*balance))
}

// SetCash overwrites a balance with an absolute amount.
func (h *LedgerHandler) SetCash(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req setCashRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidPayload(c)
		return
	}
	balance, err := h.Ledger.SetCashBalance(c.Request.Context(), service.SetCashRequest{
		AccountID:   id,
		Currency:    req.Currency,
		Amount:      req.Amount,
		BalanceType: storage.BalanceType(req.BalanceType),
		Description: req.Description,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toBalance(*balance))
}

func (h *LedgerHandler) FreezeCash(c *gin.Context) {
	h.moveCash(c, h.Ledger.FreezeCash)
}

func (h *LedgerHandler) UnfreezeCash(c *gin.Context) {
	h.moveCash(c, h.Ledger.UnfreezeCash)
}

func (h *LedgerHandler) moveCash(c *gin.Context, move func(context.Context, service.MoveCashRequest) ([]storage.CashBalance, error)) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req moveCashRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidPayload(c)
		return
	}
	balances, err := move(c.Request.Context(), service.MoveCashRequest{
		AccountID:   id,
		Currency:    req.Currency,
		Amount:      req.Amount,
		Description: req.Description,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]balanceResponse, 0, len(balances))
	for _, b := range balances {
		out = append(out, toBalance(b))
	}
	c.JSON(http.StatusOK, gin.H{"balances": out})
}

func (h *LedgerHandler) ListCashFlows(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		invalidPayload(c)
		return
	}
	flows, err := h.Ledger.ListCashFlows(c.Request.Context(), id, storage.CashFlowFilter{
		Currency: c.Query("currency"),
		Limit:    limit,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]cashFlowResponse, 0, len(flows))
	for _, f := range flows {
		out = append(out, toCashFlow(f))
	}
	c.JSON(http.StatusOK, gin.H{"flows": out})
}

func (h *LedgerHandler) GetHoldings(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	holdings, err := h.Ledger.GetHoldings(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]holdingResponse, 0, len(holdings))
	for _, hd := range holdings {
		out = append(out, toHolding(hd))
	}
	c.JSON(http.StatusOK, gin.H{"holdings": out})
}

func (h *LedgerHandler) RebuildHolding(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req holdingKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidPayload(c)
		return
	}
	result, err := h.Ledger.RebuildHolding(c.Request.Context(), id, storage.NewHoldingKey(req.AssetType, req.Symbol, req.Market))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toRebuild(*result))
}

func (h *LedgerHandler) Rebuild(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	results, err := h.Ledger.RebuildAccount(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]rebuildResponse, 0, len(results))
	for _, r := range results {
		out = append(out, toRebuild(r))
	}
	c.JSON(http.StatusOK, gin.H{"results": out})
}

func (h *LedgerHandler) ListTransactions(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	filter := storage.TransactionFilter{
		AccountID: id,
		AssetType: c.Query("asset_type"),
		Symbol:    c.Query("symbol"),
		Type:      storage.TransactionType(c.Query("transaction_type")),
	}
	var err error
	if filter.From, err = queryDate(c, "from"); err != nil {
		invalidPayload(c)
		return
	}
	if filter.To, err = queryDate(c, "to"); err != nil {
		invalidPayload(c)
		return
	}
	if filter.Limit, err = queryInt(c, "limit"); err != nil {
		invalidPayload(c)
		return
	}
	if filter.Offset, err = queryInt(c, "offset"); err != nil {
		invalidPayload(c)
		return
	}

	txns, err := h.Ledger.ListTransactions(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]transactionResponse, 0, len(txns))
	for _, t := range txns {
		out = append(out, toTransaction(t))
	}
	c.JSON(http.StatusOK, gin.H{"transactions": out})
}

func (h *LedgerHandler) RecordTransaction(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req transactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidPayload(c)
		return
	}
	txn, err := h.Ledger.RecordTransaction(c.Request.Context(), service.RecordTransactionRequest{
		AccountID:        id,
		TransactionInput: req.input(),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toTransaction(*txn))
}

// UpdateTransaction replaces the transaction's fields. The account is fixed.
func (h *LedgerHandler) UpdateTransaction(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req transactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidPayload(c)
		return
	}
	txn, err := h.Ledger.UpdateTransaction(c.Request.Context(), id, req.input())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toTransaction(*txn))
}

func (h *LedgerHandler) DeleteTransaction(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.Ledger.DeleteTransaction(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *LedgerHandler) UnifiedView(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	view, err := h.Ledger.GetUnifiedView(c.Request.Context(), id, service.ViewOptions{
		BaseCurrency:  c.Query("base"),
		IncludePrices: c.Query("prices") == "true",
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toView(view))
}

func (h *LedgerHandler) Summary(c *gin.Context) {
	summary, err := h.Ledger.SummarizeAllAccounts(c.Request.Context(), c.DefaultQuery("base", "CNY"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toSummary(summary))
}

func (h *LedgerHandler) Allocation(c *gin.Context) {
	alloc, err := h.Ledger.PortfolioAllocation(c.Request.Context(), c.DefaultQuery("base", "CNY"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toAllocation(alloc))
}

func (h *LedgerHandler) ListRates(c *gin.Context) {
	if h.Rates == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Code: "UNAVAILABLE", Message: "rates not configured"})
		return
	}
	base, err := fx.NormalizeCurrency(c.DefaultQuery("base", "CNY"))
	if err != nil {
		invalidPayload(c)
		return
	}
	var currencies []string
	if raw := strings.TrimSpace(c.Query("currencies")); raw != "" {
		currencies = strings.Split(raw, ",")
	}
	resolved := h.Rates.RatesFor(c.Request.Context(), base, currencies)
	out := make(map[string]rateResponse, len(resolved))
	for code, res := range resolved {
		out[code] = toRate(res)
	}
	c.JSON(http.StatusOK, gin.H{"base_currency": base, "rates": out})
}

// GetRate answers one pair and reports CURRENCY_UNSUPPORTED instead of the
// 1.0 fallback when no tier can price it.
func (h *LedgerHandler) GetRate(c *gin.Context) {
	if h.Rates == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Code: "UNAVAILABLE", Message: "rates not configured"})
		return
	}
	from, err := fx.NormalizeCurrency(c.Param("from"))
	if err != nil {
		invalidPayload(c)
		return
	}
	to, err := fx.NormalizeCurrency(c.Param("to"))
	if err != nil {
		invalidPayload(c)
		return
	}
	rate, err := h.Rates.StrictRate(c.Request.Context(), from, to)
	if err != nil {
		if errors.Is(err, fx.ErrCurrencyUnsupported) {
			c.JSON(http.StatusUnprocessableEntity, errorResponse{Code: "CURRENCY_UNSUPPORTED", Message: err.Error()})
			return
		}
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"from": from, "to": to, "rate": rate.String()})
}

// fail renders a service error. Anything without a kind is logged and hidden.
func (h *LedgerHandler) fail(c *gin.Context, err error) {
	kind, ok := service.KindOf(err)
	if !ok {
		h.Logger.Error("ledger request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
		return
	}
	status, code := http.StatusInternalServerError, "INTERNAL_ERROR"
	switch kind {
	case service.KindNotFound:
		status, code = http.StatusNotFound, "NOT_FOUND"
	case service.KindInsufficientFunds:
		status, code = http.StatusBadRequest, "INSUFFICIENT_FUNDS"
	case service.KindInsufficientHolding:
		status, code = http.StatusBadRequest, "INSUFFICIENT_HOLDING"
	case service.KindInvalidAmount, service.KindInvalidArgument, service.KindCurrencyUnsupported:
		status, code = http.StatusBadRequest, "INVALID_REQUEST"
	case service.KindAccountInactive:
		status, code = http.StatusConflict, "ACCOUNT_INACTIVE"
	case service.KindConcurrentConflict:
		status, code = http.StatusConflict, "CONFLICT"
	}
	c.JSON(status, errorResponse{Code: code, Message: err.Error()})
}

func invalidPayload(c *gin.Context) {
	c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

func queryDate(c *gin.Context, key string) (*time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, errors.New(key + ": expected YYYY-MM-DD")
	}
	return &t, nil
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(key + ": expected a non-negative integer")
	}
	return n, nil
}
