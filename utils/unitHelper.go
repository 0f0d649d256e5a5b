package utils

import "github.com/shopspring/decimal"

type AreaUnit string

const (
	AreaUnitSqft AreaUnit = "sqft"
	AreaUnitSqm  AreaUnit = "sqm"
)

// SqftPerSqm is the fixed conversion constant used across all bank formats.
var SqftPerSqm = decimal.RequireFromString("10.7639")

// AreaToSqm converts an area value to square meters.
// sqm passes through unchanged, sqft is converted and rounded to 2 decimals.
func AreaToSqm(value decimal.Decimal, unit AreaUnit) decimal.Decimal {
	if unit == AreaUnitSqft {
		return value.Div(SqftPerSqm).Round(2)
	}
	return value
}

// RateToSqm converts a per-area rate to a per-square-meter rate.
// A per-sqft rate becomes rate * 10.7639 per sqm, rounded to 2 decimals.
func RateToSqm(value decimal.Decimal, unit AreaUnit) decimal.Decimal {
	if unit == AreaUnitSqft {
		return value.Mul(SqftPerSqm).Round(2)
	}
	return value
}

// RoundUpToStep rounds value up to the next multiple of step.
// Non-positive values round to zero.
func RoundUpToStep(value decimal.Decimal, step decimal.Decimal) decimal.Decimal {
	if !value.IsPositive() {
		return decimal.Zero
	}
	if !step.IsPositive() {
		return value
	}
	return value.Div(step).Ceil().Mul(step)
}
