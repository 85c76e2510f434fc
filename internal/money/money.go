package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrCurrencyMismatch is returned when arithmetic mixes two currencies.
var ErrCurrencyMismatch = errors.New("currency mismatch")

// ErrInvalidCurrency is returned for anything that is not a three letter ISO code.
var ErrInvalidCurrency = errors.New("invalid currency code")

// exponents lists currencies whose minor unit is not 1/100.
var exponents = map[string]int32{
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0, "KMF": 0, "KRW": 0,
	"PYG": 0, "RWF": 0, "UGX": 0, "VND": 0, "VUV": 0, "XAF": 0, "XOF": 0, "XPF": 0,
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
}

// Money is an immutable amount in a single currency.
// Arithmetic is only valid between values of the same currency.
type Money struct {
	amount   decimal.Decimal
	currency string
}

// New builds a Money value. The currency is upper-cased and must be three letters.
func New(amount decimal.Decimal, currency string) (Money, error) {
	c := strings.ToUpper(strings.TrimSpace(currency))
	if len(c) != 3 {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidCurrency, currency)
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return Money{}, fmt.Errorf("%w: %q", ErrInvalidCurrency, currency)
		}
	}
	return Money{amount: amount, currency: c}, nil
}

// Parse builds Money from a decimal string such as "10.50".
func Parse(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	return New(d, currency)
}

// MustParse is Parse for literals in tests and defaults.
func MustParse(amount, currency string) Money {
	m, err := Parse(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Zero returns a zero amount in the given currency.
func Zero(currency string) (Money, error) {
	return New(decimal.Zero, currency)
}

// FromMinor converts integer minor units (cents) back to Money.
func FromMinor(units int64, currency string) (Money, error) {
	m, err := New(decimal.Zero, currency)
	if err != nil {
		return Money{}, err
	}
	m.amount = decimal.New(units, -Exponent(m.currency))
	return m, nil
}

// Exponent returns the number of minor-unit digits of a currency.
func Exponent(currency string) int32 {
	if e, ok := exponents[strings.ToUpper(currency)]; ok {
		return e
	}
	return 2
}

func (m Money) Amount() decimal.Decimal { return m.amount }

func (m Money) Currency() string { return m.currency }

func (m Money) IsZero() bool { return m.amount.IsZero() }

func (m Money) IsNegative() bool { return m.amount.IsNegative() }

func (m Money) IsPositive() bool { return m.amount.IsPositive() }

// Add adds two values of the same currency.
func (m Money) Add(other Money) (Money, error) {
	if m.currency != other.currency {
		return Money{}, fmt.Errorf("%w: cannot add %s to %s", ErrCurrencyMismatch, other.currency, m.currency)
	}
	return Money{amount: m.amount.Add(other.amount), currency: m.currency}, nil
}

// Mul multiplies the amount by an integer quantity.
func (m Money) Mul(qty int) Money {
	return Money{amount: m.amount.Mul(decimal.NewFromInt(int64(qty))), currency: m.currency}
}

// Equal reports whether both amount and currency match.
func (m Money) Equal(other Money) bool {
	return m.currency == other.currency && m.amount.Equal(other.amount)
}

// MinorUnits converts to integer minor units, rounding half away from zero
// when the amount carries more precision than the currency allows.
func (m Money) MinorUnits() int64 {
	return m.amount.Shift(Exponent(m.currency)).Round(0).IntPart()
}

// String renders "35.00 USD".
func (m Money) String() string {
	return m.amount.StringFixed(Exponent(m.currency)) + " " + m.currency
}

type wire struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(wire{Amount: m.amount.StringFixed(Exponent(m.currency)), Currency: m.currency})
}

func (m *Money) UnmarshalJSON(b []byte) error {
	var w wire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	parsed, err := Parse(w.Amount, w.Currency)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Sum adds a list of values that must share the given currency.
func Sum(currency string, values ...Money) (Money, error) {
	total, err := Zero(currency)
	if err != nil {
		return Money{}, err
	}
	for _, v := range values {
		if total, err = total.Add(v); err != nil {
			return Money{}, err
		}
	}
	return total, nil
}
