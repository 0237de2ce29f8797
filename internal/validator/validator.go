package validator

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/septivank/prepaid-vending-worker/internal/apperr"
	"github.com/septivank/prepaid-vending-worker/internal/tariff"
	"github.com/shopspring/decimal"
)

var (
	meterPattern  = regexp.MustCompile(`^[0-9]{6,20}$`)
	msisdnPattern = regexp.MustCompile(`^\+?[0-9]{9,15}$`)
)

// Validator checks inbound requests with struct tags plus the configured
// purchase limits.
type Validator struct {
	validate  *validator.Validate
	minAmount decimal.Decimal
	maxAmount decimal.Decimal
}

// NewValidator creates a validator that accepts gross amounts within
// [minAmount, maxAmount].
func NewValidator(minAmount, maxAmount decimal.Decimal) *Validator {
	v := validator.New()

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})

	// decimal.Decimal fields participate in gt/gte/lt/lte as floats.
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.InexactFloat64()
		}
		return nil
	}, decimal.Decimal{})

	_ = v.RegisterValidation("meter", func(fl validator.FieldLevel) bool {
		return meterPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("msisdn", func(fl validator.FieldLevel) bool {
		return msisdnPattern.MatchString(fl.Field().String())
	})

	return &Validator{validate: v, minAmount: minAmount, maxAmount: maxAmount}
}

// Struct validates s against its tags. Violations come back as InvalidInput
// wrapping validator.ValidationErrors.
func (v *Validator) Struct(op string, s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return apperr.Wrap(apperr.KindInvalidInput, op, err)
	}
	return &apperr.Error{
		Kind:   apperr.KindInvalidInput,
		Op:     op,
		Reason: Summarize(ve),
		Err:    ve,
	}
}

// Amount checks a gross purchase amount against the configured limits.
func (v *Validator) Amount(op string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperr.Invalid(op, "invalid amount: %s must be greater than zero", amount)
	}
	// The provider is charged the amount at currency precision; anything
	// finer would make the ledger disagree with the charge.
	if !amount.Equal(amount.Round(tariff.CurrencyPlaces)) {
		return apperr.Invalid(op, "invalid amount: %s has more than %d decimal places", amount, tariff.CurrencyPlaces)
	}
	if amount.LessThan(v.minAmount) {
		return apperr.Invalid(op, "invalid amount: %s is below the minimum of %s", amount, v.minAmount)
	}
	if amount.GreaterThan(v.maxAmount) {
		return apperr.Invalid(op, "invalid amount: %s exceeds the maximum of %s", amount, v.maxAmount)
	}
	return nil
}

// Fields maps each failing field to the rule it broke.
func Fields(ve validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(ve))
	for _, fe := range ve {
		out[fe.Field()] = fe.Tag()
	}
	return out
}

// Summarize renders violations as "field: rule" pairs in field order.
func Summarize(ve validator.ValidationErrors) string {
	fields := Fields(ve)
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", name, fields[name]))
	}
	return "validation failed (" + strings.Join(parts, ", ") + ")"
}
