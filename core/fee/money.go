package fee

import "github.com/shopspring/decimal"

const moneyPlaces = 2

var hundred = decimal.NewFromInt(100)

// Round rounds an amount to cents.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(moneyPlaces)
}

// TotalAmount applies the discount then the GST to base, rounding once at the end.
func TotalAmount(base, discountPercent, gstPercent decimal.Decimal) decimal.Decimal {
	discounted := base.Mul(hundred.Sub(discountPercent)).Div(hundred)
	return Round(discounted.Mul(hundred.Add(gstPercent)).Div(hundred))
}
