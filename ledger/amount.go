/*
amount.go - Decimal <-> minor-unit conversion

PURPOSE:
  The ledger stores unsigned integer minor units. Callers speak decimals.
  AmountCodec converts between the two using a per-currency precision
  table and refuses anything that would lose information.

RULES:
  - Negative amounts are rejected.
  - Amounts with more fractional digits than the currency allows are
    rejected, never rounded (1.005 USD is an error, not 1.00 or 1.01).
  - Scaled values above math.MaxUint64 are rejected.

ROUND TRIP:
  FromMinorUnits(ToMinorUnits(x, c), c) == x for every x representable
  at c's precision.
*/
package ledger

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

var maxUint64 = new(big.Int).SetUint64(^uint64(0))

// DefaultCurrencies is a starter precision table. Configuration may extend
// or override it.
func DefaultCurrencies() map[string]int32 {
	return map[string]int32{
		"USD": 2, "EUR": 2, "GBP": 2, "CHF": 2, "CAD": 2, "AUD": 2,
		"MXN": 2, "BRL": 2, "COP": 2, "PEN": 2, "ARS": 2, "INR": 2,
		"JPY": 0, "KRW": 0, "CLP": 0, "VND": 0,
		"BHD": 3, "KWD": 3, "JOD": 3,
		"BTC": 8,
	}
}

// AmountCodec converts decimal amounts to minor units and back.
type AmountCodec struct {
	places map[string]int32
}

// NewAmountCodec builds a codec from a currency -> decimal places table.
// Codes are upper-cased; places must be within [0, 18].
func NewAmountCodec(places map[string]int32) (*AmountCodec, error) {
	c := &AmountCodec{places: make(map[string]int32, len(places))}
	for cur, p := range places {
		cur = strings.ToUpper(strings.TrimSpace(cur))
		if cur == "" {
			return nil, &AmountError{Amount: "-", Reason: "empty currency code in precision table"}
		}
		if p < 0 || p > 18 {
			return nil, &AmountError{Amount: "-", Currency: cur, Reason: "precision must be between 0 and 18"}
		}
		c.places[cur] = p
	}
	return c, nil
}

// Places returns the number of decimal places of currency.
func (c *AmountCodec) Places(currency string) (int32, error) {
	p, ok := c.places[strings.ToUpper(strings.TrimSpace(currency))]
	if !ok {
		return 0, &currencyError{currency: currency}
	}
	return p, nil
}

// Currencies lists the known currency codes, sorted.
func (c *AmountCodec) Currencies() []string {
	out := make([]string, 0, len(c.places))
	for cur := range c.places {
		out = append(out, cur)
	}
	sort.Strings(out)
	return out
}

// ToMinorUnits converts amount to minor units of currency.
func (c *AmountCodec) ToMinorUnits(amount decimal.Decimal, currency string) (uint64, error) {
	places, err := c.Places(currency)
	if err != nil {
		return 0, err
	}
	if amount.IsNegative() {
		return 0, &AmountError{Amount: amountText(amount), Currency: currency, Reason: "negative"}
	}
	coef := amount.Coefficient()
	if coef.Sign() == 0 {
		return 0, nil
	}

	// Decide on digit counts before scaling: a value like 1e20000000 must
	// not be expanded.
	digits := int64(len(coef.String()))
	exp := int64(amount.Exponent()) + int64(places)
	switch {
	case exp > 0 && digits+exp > maxUint64Digits:
		return 0, &AmountError{Amount: amountText(amount), Currency: currency, Reason: "overflow"}
	case exp < 0 && -exp > digits:
		return 0, &AmountError{Amount: amountText(amount), Currency: currency, Reason: "precision"}
	}

	scaled := amount.Shift(places)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, &AmountError{Amount: amountText(amount), Currency: currency, Reason: "precision"}
	}
	units := scaled.BigInt()
	if units.Cmp(maxUint64) > 0 {
		return 0, &AmountError{Amount: amountText(amount), Currency: currency, Reason: "overflow"}
	}
	return units.Uint64(), nil
}

// maxUint64Digits is the number of decimal digits of math.MaxUint64.
const maxUint64Digits = 20

// amountText renders amount for error messages without expanding large
// exponents.
func amountText(amount decimal.Decimal) string {
	if e := amount.Exponent(); e > maxUint64Digits || e < -maxUint64Digits {
		return fmt.Sprintf("%de%d", amount.Coefficient(), e)
	}
	return amount.String()
}

// FromMinorUnits converts minor units of currency back to a decimal with
// exactly the currency's precision.
func (c *AmountCodec) FromMinorUnits(units uint64, currency string) (decimal.Decimal, error) {
	places, err := c.Places(currency)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(new(big.Int).SetUint64(units), -places), nil
}

// FormatNet renders a signed minor-unit value (e.g. Account.Net) in the
// currency's major unit.
func (c *AmountCodec) FormatNet(net decimal.Decimal, currency string) (decimal.Decimal, error) {
	places, err := c.Places(currency)
	if err != nil {
		return decimal.Zero, err
	}
	return net.Shift(-places), nil
}

type currencyError struct {
	currency string
}

func (e *currencyError) Error() string { return "unknown currency: " + e.currency }
func (e *currencyError) Unwrap() error { return ErrUnknownCurrency }
