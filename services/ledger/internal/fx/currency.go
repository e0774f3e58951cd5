package fx

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

var ErrCurrencyUnsupported = errors.New("currency unsupported")

// Codes tracked by the ledger that ISO 4217 does not list, with their display precision.
var nonISOCurrencies = map[string]int32{
	"USDT": 6,
	"BTC":  8,
	"ETH":  8,
	"XAU":  4,
}

// SupportedCurrencies is the set reported by Resolver.RatesFor when no list is given.
var SupportedCurrencies = []string{"CNY", "HKD", "USD", "USDT", "BTC", "ETH", "XAU"}

func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// NormalizeCurrency upper-cases code and checks it is a known currency.
func NormalizeCurrency(code string) (string, error) {
	c := normalize(code)
	if c == "" {
		return "", fmt.Errorf("%w: empty code", ErrCurrencyUnsupported)
	}
	if _, ok := nonISOCurrencies[c]; ok {
		return c, nil
	}
	if money.GetCurrency(c) == nil {
		return "", fmt.Errorf("%w: %s", ErrCurrencyUnsupported, c)
	}
	return c, nil
}

// MinorUnits returns the number of decimal places amounts in code are displayed with.
func MinorUnits(code string) int32 {
	c := normalize(code)
	if places, ok := nonISOCurrencies[c]; ok {
		return places
	}
	if cur := money.GetCurrency(c); cur != nil {
		return int32(cur.Fraction)
	}
	return 2
}

// Round rounds amount half away from zero to the minor unit of code.
func Round(amount decimal.Decimal, code string) decimal.Decimal {
	return amount.Round(MinorUnits(code))
}
