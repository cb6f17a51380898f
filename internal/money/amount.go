// Package money holds the integer minor-unit amount type shared by charges,
// refunds and transfers.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultCurrency is applied when a record is created without a currency.
const DefaultCurrency = "CNY"

var (
	ErrCurrencyMismatch = errors.New("currency_mismatch")
	ErrNegativeAmount   = errors.New("negative_amount")
	ErrInvalidAmount    = errors.New("invalid_amount")
)

// minorExponents lists currencies whose minor unit is not 1/100.
var minorExponents = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"BHD": 3,
	"KWD": 3,
}

// Amount is an exact amount in minor units (fen for CNY) tagged with an
// ISO 4217 currency code.
type Amount struct {
	Value    int64  `json:"value"`
	Currency string `json:"currency"`
}

// New builds an Amount, defaulting the currency.
func New(value int64, currency string) Amount {
	return Amount{Value: value, Currency: NormalizeCurrency(currency)}
}

// NormalizeCurrency upper-cases a currency code and applies the default.
func NormalizeCurrency(currency string) string {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return DefaultCurrency
	}
	return currency
}

func (a Amount) IsZero() bool     { return a.Value == 0 }
func (a Amount) IsPositive() bool { return a.Value > 0 }

// Add returns a+b. Both operands must carry the same currency.
func (a Amount) Add(b Amount) (Amount, error) {
	if err := a.sameCurrency(b); err != nil {
		return Amount{}, err
	}
	return Amount{Value: a.Value + b.Value, Currency: a.Currency}, nil
}

// Sub returns a-b. The result may be negative; callers that need a floor use
// SubFloor.
func (a Amount) Sub(b Amount) (Amount, error) {
	if err := a.sameCurrency(b); err != nil {
		return Amount{}, err
	}
	return Amount{Value: a.Value - b.Value, Currency: a.Currency}, nil
}

// SubFloor returns max(a-b, 0).
func (a Amount) SubFloor(b Amount) (Amount, error) {
	out, err := a.Sub(b)
	if err != nil {
		return Amount{}, err
	}
	if out.Value < 0 {
		out.Value = 0
	}
	return out, nil
}

// Cmp compares two amounts of the same currency.
func (a Amount) Cmp(b Amount) (int, error) {
	if err := a.sameCurrency(b); err != nil {
		return 0, err
	}
	switch {
	case a.Value < b.Value:
		return -1, nil
	case a.Value > b.Value:
		return 1, nil
	}
	return 0, nil
}

// Equal reports whether value and currency both match.
func (a Amount) Equal(b Amount) bool {
	return a.Value == b.Value && NormalizeCurrency(a.Currency) == NormalizeCurrency(b.Currency)
}

// Major converts the amount into major units (yuan for CNY).
func (a Amount) Major() decimal.Decimal {
	return decimal.New(a.Value, -Exponent(a.Currency))
}

// MajorString formats the amount in major units with the currency's fixed
// number of decimal places, e.g. "100.00".
func (a Amount) MajorString() string {
	return a.Major().StringFixed(Exponent(a.Currency))
}

func (a Amount) String() string {
	return a.MajorString() + " " + NormalizeCurrency(a.Currency)
}

// Exponent returns the number of minor-unit digits of a currency.
func Exponent(currency string) int32 {
	if exp, ok := minorExponents[NormalizeCurrency(currency)]; ok {
		return exp
	}
	return 2
}

// ParseMajor parses a major-unit string such as "100.5" into minor units.
// Amounts with more precision than the currency allows are rejected.
func ParseMajor(raw string, currency string) (Amount, error) {
	currency = NormalizeCurrency(currency)
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %s", ErrInvalidAmount, raw)
	}
	if value.IsNegative() {
		return Amount{}, ErrNegativeAmount
	}
	minor := value.Shift(Exponent(currency))
	if !minor.Equal(minor.Truncate(0)) {
		return Amount{}, fmt.Errorf("%w: %s", ErrInvalidAmount, raw)
	}
	return Amount{Value: minor.IntPart(), Currency: currency}, nil
}

func (a Amount) sameCurrency(b Amount) error {
	if NormalizeCurrency(a.Currency) != NormalizeCurrency(b.Currency) {
		return fmt.Errorf("%w: %s != %s", ErrCurrencyMismatch, a.Currency, b.Currency)
	}
	return nil
}
