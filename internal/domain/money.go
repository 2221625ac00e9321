package domain

import "github.com/shopspring/decimal"

// DefaultScale is the number of minor-unit digits of the operating currency.
const DefaultScale int32 = 2

// RoundMoney rounds half-up to scale digits. Amounts reaching this function
// are never negative, where half-up and half-away-from-zero agree.
func RoundMoney(d decimal.Decimal, scale int32) decimal.Decimal {
	return d.Round(scale)
}

// ValidAmount accepts positive amounts with no digits beyond scale.
func ValidAmount(amount decimal.Decimal, scale int32) error {
	if !amount.IsPositive() || !amount.Equal(amount.Truncate(scale)) {
		return ErrInvalidAmount
	}
	return nil
}
