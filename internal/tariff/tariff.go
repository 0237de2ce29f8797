package tariff

import (
	"github.com/septivank/prepaid-vending-worker/internal/apperr"
	"github.com/shopspring/decimal"
)

const (
	// CurrencyPlaces is the precision of fee and net amounts.
	CurrencyPlaces int32 = 2
	// UnitPlaces is the precision of units sent to the vendor.
	UnitPlaces int32 = 2
)

// Mode tells which quantity EstimatedUnits holds.
type Mode string

const (
	// ModeEnergy means EstimatedUnits is kWh converted with TariffRate.
	ModeEnergy Mode = "kwh"
	// ModeCurrency means no tariff is configured and EstimatedUnits is the
	// net currency amount forwarded unchanged to the vendor.
	ModeCurrency Mode = "currency"
)

var hundred = decimal.NewFromInt(100)

// Quote is an immutable currency to energy conversion.
type Quote struct {
	GrossAmount    decimal.Decimal `json:"gross_amount"`
	FeePercent     decimal.Decimal `json:"fee_percent"`
	TariffRate     decimal.Decimal `json:"tariff_rate"`
	FeeAmount      decimal.Decimal `json:"fee_amount"`
	NetAmount      decimal.Decimal `json:"net_amount"`
	EstimatedUnits decimal.Decimal `json:"estimated_units"`
	Mode           Mode            `json:"mode"`
}

// Calculate computes a quote for grossAmount at feePercent under tariffRate
// (currency per kWh). A tariffRate <= 0 selects ModeCurrency.
func Calculate(grossAmount, feePercent, tariffRate decimal.Decimal) (Quote, error) {
	if !grossAmount.IsPositive() {
		return Quote{}, apperr.Invalid("tariff.quote", "invalid amount %s: must be greater than zero", grossAmount.String())
	}
	if feePercent.IsNegative() || feePercent.GreaterThan(hundred) {
		return Quote{}, apperr.Invalid("tariff.quote", "invalid rate %s: fee percent must be within [0,100]", feePercent.String())
	}

	fee := grossAmount.Mul(feePercent).Div(hundred).Round(CurrencyPlaces)
	net := grossAmount.Sub(fee)

	q := Quote{
		GrossAmount: grossAmount,
		FeePercent:  feePercent,
		TariffRate:  tariffRate,
		FeeAmount:   fee,
		NetAmount:   net,
	}

	if tariffRate.IsPositive() {
		q.EstimatedUnits = net.DivRound(tariffRate, UnitPlaces)
		q.Mode = ModeEnergy
	} else {
		q.EstimatedUnits = net
		q.Mode = ModeCurrency
	}

	return q, nil
}

// IsEnergy reports whether EstimatedUnits may be displayed as kWh.
func (q Quote) IsEnergy() bool {
	return q.Mode == ModeEnergy
}
