package validator_test

import (
	"errors"
	"testing"

	playground "github.com/go-playground/validator/v10"
	"github.com/septivank/prepaid-vending-worker/internal/apperr"
	"github.com/septivank/prepaid-vending-worker/internal/validator"
	"github.com/shopspring/decimal"
)

type purchase struct {
	MeterNumber string          `json:"meter_number" validate:"required,meter"`
	PhoneNumber string          `json:"phone_number" validate:"required,msisdn"`
	GrossAmount decimal.Decimal `json:"gross_amount" validate:"gt=0"`
}

func newValidator() *validator.Validator {
	return validator.NewValidator(decimal.NewFromInt(10), decimal.NewFromInt(150000))
}

func TestStruct_Valid(t *testing.T) {
	v := newValidator()

	err := v.Struct("test", purchase{
		MeterNumber: "0128244428552",
		PhoneNumber: "+255712345678",
		GrossAmount: decimal.NewFromInt(1000),
	})

	if err != nil {
		t.Errorf("Expected valid request, got: %v", err)
	}
}

func TestStruct_InvalidFieldsUseJSONNames(t *testing.T) {
	v := newValidator()

	err := v.Struct("test", purchase{
		MeterNumber: "01-28",
		PhoneNumber: "call me",
		GrossAmount: decimal.Zero,
	})

	if apperr.KindOf(err) != apperr.KindInvalidInput {
		t.Fatalf("Expected invalid input, got %v", err)
	}

	var ve playground.ValidationErrors
	if !errors.As(err, &ve) {
		t.Fatalf("Expected ValidationErrors in chain, got %T", err)
	}

	fields := validator.Fields(ve)
	expected := map[string]string{
		"meter_number": "meter",
		"phone_number": "msisdn",
		"gross_amount": "gt",
	}
	for field, rule := range expected {
		if fields[field] != rule {
			t.Errorf("Expected %s to fail %s, got %q", field, rule, fields[field])
		}
	}

	want := "validation failed (gross_amount: gt, meter_number: meter, phone_number: msisdn)"
	if apperr.ReasonOf(err) != want {
		t.Errorf("Expected reason %q, got %q", want, apperr.ReasonOf(err))
	}
}

func TestAmount_Limits(t *testing.T) {
	v := newValidator()

	tests := []struct {
		name    string
		amount  decimal.Decimal
		wantErr bool
	}{
		{"zero", decimal.Zero, true},
		{"negative", decimal.NewFromInt(-5), true},
		{"below minimum", decimal.NewFromInt(9), true},
		{"minimum", decimal.NewFromInt(10), false},
		{"typical", decimal.RequireFromString("1000.50"), false},
		{"trailing zeros", decimal.RequireFromString("100.500"), false},
		{"sub-cent", decimal.RequireFromString("100.005"), true},
		{"maximum", decimal.NewFromInt(150000), false},
		{"above maximum", decimal.NewFromInt(150001), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Amount("test", tt.amount)
			if (err != nil) != tt.wantErr {
				t.Errorf("Amount(%s) error = %v, wantErr %v", tt.amount, err, tt.wantErr)
			}
			if err != nil && apperr.KindOf(err) != apperr.KindInvalidInput {
				t.Errorf("Expected invalid input kind, got %s", apperr.KindOf(err))
			}
		})
	}
}
