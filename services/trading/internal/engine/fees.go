package engine

import (
	"github.com/shopspring/decimal"
)

const costPlaces = 8

// FeeSchedule is the single place trade amounts are rounded.
type FeeSchedule struct {
	Rate   decimal.Decimal
	Places int32
}

func (f FeeSchedule) Gross(price decimal.Decimal, quantity int64) decimal.Decimal {
	return f.Round(price.Mul(decimal.NewFromInt(quantity)))
}

func (f FeeSchedule) Fee(gross decimal.Decimal) decimal.Decimal {
	return f.Round(gross.Mul(f.Rate))
}

func (f FeeSchedule) Round(amount decimal.Decimal) decimal.Decimal {
	return amount.RoundBank(f.Places)
}

// reduceInvested scales invested capital down after selling qty of shares.
func reduceInvested(invested decimal.Decimal, shares, qty int64) decimal.Decimal {
	if shares <= 0 || qty >= shares {
		return decimal.Zero
	}
	return invested.Mul(decimal.NewFromInt(shares - qty)).Div(decimal.NewFromInt(shares)).RoundBank(costPlaces)
}

func averageCost(invested decimal.Decimal, shares int64) decimal.Decimal {
	if shares <= 0 {
		return decimal.Zero
	}
	return invested.Div(decimal.NewFromInt(shares)).RoundBank(costPlaces)
}
