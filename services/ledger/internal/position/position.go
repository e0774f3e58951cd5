// Package position derives a holding's quantity and weighted-average cost
// basis from its transaction history.
package position

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/Leeelics/Folio/services/ledger/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Policy decides what happens when a sell exceeds the held quantity.
type Policy int

const (
	// Strict rejects the oversell.
	Strict Policy = iota
	// Lenient clamps quantity and cost to zero and reports a Warning.
	Lenient
)

func (p Policy) String() string {
	if p == Lenient {
		return "lenient"
	}
	return "strict"
}

func ParsePolicy(value string) (Policy, error) {
	switch value {
	case "", "strict":
		return Strict, nil
	case "lenient":
		return Lenient, nil
	}
	return Strict, fmt.Errorf("unknown oversell policy %q", value)
}

var (
	ErrOversell     = errors.New("sell exceeds held quantity")
	ErrInvalidSplit = errors.New("split ratio must be positive")
)

type OversellError struct {
	TransactionID uuid.UUID
	Requested     decimal.Decimal
	Held          decimal.Decimal
}

func (e *OversellError) Error() string {
	return fmt.Sprintf("transaction %s sells %s but only %s held", e.TransactionID, e.Requested, e.Held)
}

func (e *OversellError) Is(target error) bool { return target == ErrOversell }

type Warning struct {
	TransactionID uuid.UUID
	Requested     decimal.Decimal
	Held          decimal.Decimal
}

type Position struct {
	Quantity            decimal.Decimal
	TotalCost           decimal.Decimal
	AvgCost             decimal.Decimal
	FirstBuyDate        *time.Time
	LastTransactionDate *time.Time
}

// Acquired reports whether any buy or transfer in has been folded in.
func (p Position) Acquired() bool { return p.FirstBuyDate != nil }

func FromHolding(h storage.Holding) Position {
	return Position{
		Quantity:            h.Quantity,
		TotalCost:           h.TotalCost,
		AvgCost:             h.AvgCost,
		FirstBuyDate:        h.FirstBuyDate,
		LastTransactionDate: h.LastTransactionDate,
	}
}

// Apply folds one transaction into pos. Recalculate is Apply over the sorted history.
func Apply(pos Position, txn storage.Transaction, policy Policy) (Position, *Warning, error) {
	var warn *Warning

	switch txn.Type {
	case storage.TxnBuy, storage.TxnTransferIn:
		pos.Quantity = pos.Quantity.Add(txn.Quantity)
		pos.TotalCost = pos.TotalCost.Add(txn.Quantity.Mul(txn.Price)).Add(txn.Fees)
		if pos.FirstBuyDate == nil {
			first := txn.TradeDate
			pos.FirstBuyDate = &first
		}

	case storage.TxnSell, storage.TxnTransferOut:
		if txn.Quantity.GreaterThan(pos.Quantity) {
			if policy == Strict {
				return pos, nil, &OversellError{TransactionID: txn.ID, Requested: txn.Quantity, Held: pos.Quantity}
			}
			warn = &Warning{TransactionID: txn.ID, Requested: txn.Quantity, Held: pos.Quantity}
			pos.Quantity = decimal.Zero
			pos.TotalCost = decimal.Zero
			break
		}
		if pos.Quantity.IsPositive() {
			removed := pos.TotalCost.Mul(txn.Quantity).Div(pos.Quantity)
			pos.TotalCost = pos.TotalCost.Sub(removed)
			pos.Quantity = pos.Quantity.Sub(txn.Quantity)
		}
		if pos.Quantity.IsZero() {
			pos.TotalCost = decimal.Zero
		}

	case storage.TxnSplit:
		if !txn.SplitRatio.IsPositive() {
			return pos, nil, ErrInvalidSplit
		}
		pos.Quantity = pos.Quantity.Mul(txn.SplitRatio)

	case storage.TxnDividend, storage.TxnInterest:

	default:
		return pos, nil, fmt.Errorf("unknown transaction type %q", txn.Type)
	}

	last := txn.TradeDate
	if pos.LastTransactionDate == nil || !last.Before(*pos.LastTransactionDate) {
		pos.LastTransactionDate = &last
	}
	pos.AvgCost = avgCost(pos.Quantity, pos.TotalCost)
	return pos, warn, nil
}

// Recalculate replays the full history from an empty position. The input is not modified.
func Recalculate(history []storage.Transaction, policy Policy) (Position, []Warning, error) {
	ordered := slices.Clone(history)
	SortHistory(ordered)

	pos := Position{Quantity: decimal.Zero, TotalCost: decimal.Zero, AvgCost: decimal.Zero}
	var warnings []Warning
	for _, txn := range ordered {
		next, warn, err := Apply(pos, txn, policy)
		if err != nil {
			return pos, warnings, err
		}
		if warn != nil {
			warnings = append(warnings, *warn)
		}
		pos = next
	}
	return pos, warnings, nil
}

// SortHistory orders transactions by trade date, then creation time, then id.
func SortHistory(history []storage.Transaction) {
	slices.SortFunc(history, compareTransactions)
}

func compareTransactions(a, b storage.Transaction) int {
	if c := a.TradeDate.Compare(b.TradeDate); c != 0 {
		return c
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return bytes.Compare(a.ID[:], b.ID[:])
}

// FollowsHistory reports whether txn sorts after every transaction already
// folded into pos, so applying it directly equals a full replay.
func FollowsHistory(pos Position, txn storage.Transaction) bool {
	if pos.LastTransactionDate == nil {
		return false
	}
	return txn.TradeDate.After(*pos.LastTransactionDate)
}

func avgCost(quantity, totalCost decimal.Decimal) decimal.Decimal {
	if !quantity.IsPositive() {
		return decimal.Zero
	}
	return totalCost.Div(quantity)
}
