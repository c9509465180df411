package payment

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// zeroDecimalCurrencies have no minor unit; providers take them as-is.
var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true,
	"KRW": true, "MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true,
	"VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

func minorExponent(currency string) int32 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// ToMinorUnits converts a major-unit amount (naira, dollars) into the
// provider's minor unit (kobo, cents), rounding half away from zero.
func ToMinorUnits(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(minorExponent(currency)).Round(0).IntPart()
}

// FromMinorUnits is the inverse of ToMinorUnits.
func FromMinorUnits(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -minorExponent(currency))
}

// majorUnitNumber renders an amount as a bare JSON number with two decimals.
func majorUnitNumber(amount decimal.Decimal) json.Number {
	return json.Number(amount.StringFixed(2))
}

func parseAmount(n json.Number) decimal.Decimal {
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}
