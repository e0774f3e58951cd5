package fx

import "github.com/shopspring/decimal"

const pivotCurrency = "CNY"

// StaticTable holds approximate rates used when no fresher rate is available.
// Keys are quoted against a single pivot currency.
type StaticTable map[string]decimal.Decimal

// DefaultStaticTable returns approximate CNY prices of the supported currencies.
func DefaultStaticTable() StaticTable {
	return StaticTable{
		"CNY":  decimal.NewFromInt(1),
		"HKD":  decimal.RequireFromString("0.92"),
		"USD":  decimal.RequireFromString("7.2"),
		"USDT": decimal.RequireFromString("7.2"),
		"BTC":  decimal.NewFromInt(500000),
		"ETH":  decimal.NewFromInt(25000),
		"XAU":  decimal.NewFromInt(600),
	}
}

// Lookup resolves from→to directly against the pivot, by inversion, or by
// crossing through the pivot.
func (t StaticTable) Lookup(from, to string) (decimal.Decimal, bool) {
	fromPivot, okFrom := t.toPivot(from)
	toPivot, okTo := t.toPivot(to)
	if !okFrom || !okTo {
		return decimal.Zero, false
	}
	if to == pivotCurrency {
		return fromPivot, true
	}
	return fromPivot.Div(toPivot), true
}

func (t StaticTable) toPivot(code string) (decimal.Decimal, bool) {
	if code == pivotCurrency {
		return decimal.NewFromInt(1), true
	}
	rate, ok := t[code]
	if !ok || !rate.IsPositive() {
		return decimal.Zero, false
	}
	return rate, true
}
