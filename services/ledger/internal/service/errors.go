package service

import (
	"errors"
	"fmt"

	"github.com/Leeelics/Folio/services/ledger/internal/fx"
	"github.com/Leeelics/Folio/services/ledger/internal/position"
	"github.com/Leeelics/Folio/services/ledger/internal/storage"
)

type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindInsufficientFunds   Kind = "insufficient_funds"
	KindInsufficientHolding Kind = "insufficient_holding"
	KindInvalidAmount       Kind = "invalid_amount"
	KindInvalidArgument     Kind = "invalid_argument"
	KindCurrencyUnsupported Kind = "currency_unsupported"
	KindConcurrentConflict  Kind = "concurrent_conflict"
	KindAccountInactive     Kind = "account_inactive"
)

// Error carries a kind and the offending entity so the boundary can render
// its own message. Field names the input that failed validation.
type Error struct {
	Kind   Kind
	Entity string
	ID     string
	Field  string
	Err    error
}

var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrInsufficientFunds   = &Error{Kind: KindInsufficientFunds}
	ErrInsufficientHolding = &Error{Kind: KindInsufficientHolding}
	ErrInvalidAmount       = &Error{Kind: KindInvalidAmount}
	ErrInvalidArgument     = &Error{Kind: KindInvalidArgument}
	ErrCurrencyUnsupported = &Error{Kind: KindCurrencyUnsupported}
	ErrConcurrentConflict  = &Error{Kind: KindConcurrentConflict}
	ErrAccountInactive     = &Error{Kind: KindAccountInactive}
)

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Entity != "" {
		msg += ": " + e.Entity
		if e.ID != "" {
			msg += " " + e.ID
		}
	}
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind only, so errors.Is(err, ErrInsufficientFunds) holds for
// any insufficient funds error whatever its entity.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

func invalidArgument(field string) error {
	return &Error{Kind: KindInvalidArgument, Field: field}
}

func invalidAmount(field string) error {
	return &Error{Kind: KindInvalidAmount, Field: field}
}

func normalizeCurrency(code string) (string, error) {
	c, err := fx.NormalizeCurrency(code)
	if err != nil {
		return "", &Error{Kind: KindCurrencyUnsupported, Entity: "currency", ID: code, Err: err}
	}
	return c, nil
}

// storeError lifts storage sentinels into the service taxonomy. Other errors
// pass through wrapped.
func storeError(err error, entity string, id fmt.Stringer) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	ref := ""
	if id != nil {
		ref = id.String()
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return &Error{Kind: KindNotFound, Entity: entity, ID: ref}
	case errors.Is(err, storage.ErrConflict):
		return &Error{Kind: KindConcurrentConflict, Entity: entity, ID: ref, Err: err}
	}
	return fmt.Errorf("%s %s: %w", entity, ref, err)
}

func positionError(err error, key storage.HoldingKey) error {
	var oversell *position.OversellError
	switch {
	case errors.As(err, &oversell):
		return &Error{Kind: KindInsufficientHolding, Entity: "holding", ID: key.String(), Err: err}
	case errors.Is(err, position.ErrInvalidSplit):
		return &Error{Kind: KindInvalidAmount, Entity: "holding", ID: key.String(), Field: "split_ratio"}
	}
	return err
}
