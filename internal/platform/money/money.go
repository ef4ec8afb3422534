// Package money holds the monetary amount rules shared by the ledger and
// payout layers: signed fixed-point decimals at scale 2, no floats.
package money

import (
	"errors"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount = errors.New("invalid amount format")
	ErrScale         = errors.New("amount has more than two decimal places")
	ErrNotPositive   = errors.New("amount must be strictly positive")
	ErrBadCurrency   = errors.New("currency must be a three-letter code")
)

var currencyRe = regexp.MustCompile(`^[A-Z]{3}$`)

// Parse accepts a decimal string and enforces scale <= 2.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if d.Exponent() < -2 {
		return decimal.Zero, ErrScale
	}
	return d, nil
}

// ParsePositive parses and additionally requires amount > 0. Used for
// payout admission where 0.00 and negatives are rejected.
func ParsePositive(s string) (decimal.Decimal, error) {
	d, err := Parse(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.Sign() <= 0 {
		return decimal.Zero, ErrNotPositive
	}
	return d, nil
}

// CheckScale validates an already-constructed decimal.
func CheckScale(d decimal.Decimal) error {
	if d.Exponent() < -2 {
		return ErrScale
	}
	return nil
}

// NormalizeCurrency upper-cases and validates an ISO-like code.
// Empty input defaults to USD.
func NormalizeCurrency(cur string) (string, error) {
	cur = strings.ToUpper(strings.TrimSpace(cur))
	if cur == "" {
		return "USD", nil
	}
	if !currencyRe.MatchString(cur) {
		return "", ErrBadCurrency
	}
	return cur, nil
}

// RoundAggregate brings the result of any aggregation back to scale 2
// using banker's rounding (HALF_EVEN).
func RoundAggregate(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(2)
}

// Format renders an amount at scale 2 for the wire and for event payloads.
func Format(d decimal.Decimal) string {
	return d.StringFixed(2)
}
