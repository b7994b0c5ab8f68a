// Package money converts between integer minor units and decimal amounts
// using the ISO 4217 scale of each currency.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Scale returns the number of minor-unit digits for code.
func Scale(code string) (int32, error) {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return 0, fmt.Errorf("unknown currency %q: %w", code, err)
	}

	scale, _ := currency.Standard.Rounding(unit)

	return int32(scale), nil
}

// FromMinor returns amount as a decimal in major units.
func FromMinor(amount int64, code string) (decimal.Decimal, error) {
	scale, err := Scale(code)
	if err != nil {
		return decimal.Zero, err
	}

	return decimal.New(amount, -scale), nil
}

// ToMinor converts a major-unit amount into minor units. Amounts with more
// precision than the currency allows are rejected rather than rounded.
func ToMinor(amount decimal.Decimal, code string) (int64, error) {
	scale, err := Scale(code)
	if err != nil {
		return 0, err
	}

	minor := amount.Shift(scale)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", amount, scale)
	}

	return minor.IntPart(), nil
}

// ParseMinor parses a decimal string such as "50.00" into minor units.
func ParseMinor(s, code string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parsing amount %q: %w", s, err)
	}

	return ToMinor(d, code)
}

// Format renders amount for people, e.g. "EUR 50.00".
func Format(amount int64, code string, tag language.Tag) string {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return fmt.Sprintf("%d %s", amount, code)
	}

	scale, _ := currency.Standard.Rounding(unit)
	major := decimal.New(amount, -int32(scale)).InexactFloat64()

	return message.NewPrinter(tag).Sprint(currency.Symbol(unit.Amount(major)))
}
