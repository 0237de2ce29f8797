package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/septivank/prepaid-vending-worker/internal/tariff"
	"github.com/shopspring/decimal"
)

// PaymentStatus is the mobile-money side of an attempt.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentFailed    PaymentStatus = "failed"
)

// VendStatus is the token side of an attempt.
type VendStatus string

const (
	VendNotAttempted VendStatus = "not_attempted"
	VendVended       VendStatus = "vended"
	VendFailed       VendStatus = "failed"
)

// State is the orchestrator's position in the purchase state machine.
type State string

const (
	StateCreated          State = "created"
	StatePaymentPending   State = "payment_pending"
	StatePaymentConfirmed State = "payment_confirmed"
	StateVending          State = "vending"
	StateVended           State = "vended"
	StatePaymentFailed    State = "payment_failed"
	StateVendFailed       State = "vend_failed"
)

// PurchaseAttempt is a ledger entry for one tenant purchase.
type PurchaseAttempt struct {
	ID                  uuid.UUID           `json:"id"`
	MeterNumber         string              `json:"meter_number"`
	TenantID            string              `json:"tenant_id"`
	PhoneNumber         string              `json:"phone_number"`
	GrossAmount         decimal.Decimal     `json:"gross_amount"`
	Quote               *tariff.Quote       `json:"tariff_quote,omitempty"`
	PaymentReference    string              `json:"payment_reference,omitempty"`
	PaymentStatus       PaymentStatus       `json:"payment_status"`
	VendStatus          VendStatus          `json:"vend_status"`
	State               State               `json:"state"`
	Token               string              `json:"token,omitempty"`
	VendorTransactionID string              `json:"vendor_transaction_id,omitempty"`
	UnitsConfirmed      decimal.NullDecimal `json:"units_confirmed"`
	ClearTime           string              `json:"clear_time,omitempty"`
	FailureKind         string              `json:"failure_kind,omitempty"`
	FailureReason       string              `json:"failure_reason,omitempty"`
	Unconfirmed         bool                `json:"unconfirmed"`
	AnomalyReason       string              `json:"anomaly_reason,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// NewAttempt builds an attempt in payment_pending ready to be inserted.
func NewAttempt(meterNumber, tenantID, phoneNumber string, grossAmount decimal.Decimal, now time.Time) *PurchaseAttempt {
	return &PurchaseAttempt{
		ID:            uuid.New(),
		MeterNumber:   meterNumber,
		TenantID:      tenantID,
		PhoneNumber:   phoneNumber,
		GrossAmount:   grossAmount,
		PaymentStatus: PaymentPending,
		VendStatus:    VendNotAttempted,
		State:         StatePaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Succeeded reports the terminal success condition.
func (a *PurchaseAttempt) Succeeded() bool {
	return a.PaymentStatus == PaymentConfirmed && a.VendStatus == VendVended && a.Token != ""
}

// CanRetryVend reports whether the vend step alone may be re-run.
func (a *PurchaseAttempt) CanRetryVend() bool {
	return a.State == StateVendFailed &&
		a.PaymentStatus == PaymentConfirmed &&
		!a.Unconfirmed &&
		a.Quote != nil
}

// Clone returns a copy that shares no mutable state with a.
func (a *PurchaseAttempt) Clone() *PurchaseAttempt {
	c := *a
	if a.Quote != nil {
		q := *a.Quote
		c.Quote = &q
	}
	return &c
}
