package tariff_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/septivank/prepaid-vending-worker/internal/tariff"
	"github.com/shopspring/decimal"
)

// Amounts are generated in cents so every gross amount has currency precision.
func TestQuoteFeeAndNetSumToGross(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("fee + net == gross", prop.ForAll(
		func(cents int64, feeBasisPoints int64, rateCents int64) bool {
			gross := decimal.New(cents, -2)
			fee := decimal.New(feeBasisPoints, -2)
			rate := decimal.New(rateCents, -2)

			q, err := tariff.Calculate(gross, fee, rate)
			if err != nil {
				return false
			}
			return q.FeeAmount.Add(q.NetAmount).Equal(gross)
		},
		gen.Int64Range(1, 100_000_000),
		gen.Int64Range(0, 10_000),
		gen.Int64Range(-500, 50_000),
	))

	properties.TestingRun(t)
}

func TestQuoteUnitsFollowTariff(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	epsilon := decimal.New(5, -3)

	properties.Property("units == net / rate when rate > 0", prop.ForAll(
		func(cents int64, feeBasisPoints int64, rateCents int64) bool {
			gross := decimal.New(cents, -2)
			rate := decimal.New(rateCents, -2)

			q, err := tariff.Calculate(gross, decimal.New(feeBasisPoints, -2), rate)
			if err != nil || q.Mode != tariff.ModeEnergy {
				return false
			}
			exact := q.NetAmount.Div(rate)
			return q.EstimatedUnits.Sub(exact).Abs().LessThanOrEqual(epsilon)
		},
		gen.Int64Range(1, 100_000_000),
		gen.Int64Range(0, 10_000),
		gen.Int64Range(1, 50_000),
	))

	properties.Property("out of range fee is always rejected", prop.ForAll(
		func(cents int64, feeBasisPoints int64) bool {
			_, err := tariff.Calculate(decimal.New(cents, -2), decimal.New(feeBasisPoints, -2), decimal.NewFromInt(25))
			return err != nil
		},
		gen.Int64Range(1, 1_000_000),
		gen.OneGenOf(gen.Int64Range(-100_000, -1), gen.Int64Range(10_001, 100_000)),
	))

	properties.TestingRun(t)
}
