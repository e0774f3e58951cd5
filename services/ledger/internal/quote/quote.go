// Package quote is the boundary to market data. The ledger only sees
// Fetcher and the per-holding Result it produces.
package quote

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrNoQuote = errors.New("no quote available")

type Quote struct {
	Symbol    string          `json:"symbol"`
	Market    string          `json:"market"`
	Price     decimal.Decimal `json:"price"`
	Currency  string          `json:"currency,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Stale     bool            `json:"stale,omitempty"`
}

type Fetcher interface {
	FetchQuote(ctx context.Context, symbol, market string) (Quote, error)
}

type Status string

const (
	StatusAvailable   Status = "available"
	StatusUnavailable Status = "unavailable"
)

// Result is the outcome of pricing one holding.
type Result struct {
	Status Status
	Quote  Quote
	Reason string
}

func Available(q Quote) Result { return Result{Status: StatusAvailable, Quote: q} }

func Unavailable(reason string) Result { return Result{Status: StatusUnavailable, Reason: reason} }

func (r Result) OK() bool { return r.Status == StatusAvailable }

// Fetch prices one symbol and folds any failure into an unavailable result.
func Fetch(ctx context.Context, f Fetcher, symbol, market string) Result {
	if f == nil {
		return Unavailable("market data not configured")
	}
	q, err := f.FetchQuote(ctx, symbol, market)
	if err != nil {
		return Unavailable(err.Error())
	}
	if !q.Price.IsPositive() {
		return Unavailable("non-positive price")
	}
	return Available(q)
}
