package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/prepaid-vending-worker/internal/apperr"
	"github.com/septivank/prepaid-vending-worker/internal/tariff"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when no attempt matches.
var ErrNotFound = apperr.New(apperr.KindNotFound, "ledger", "purchase attempt not found")

// Store is the durable record of purchase attempts.
type Store interface {
	Insert(ctx context.Context, attempt *PurchaseAttempt) error
	// Update applies only the non-nil fields of patch and returns the stored row.
	Update(ctx context.Context, id uuid.UUID, patch Patch) (*PurchaseAttempt, error)
	FindByID(ctx context.Context, id uuid.UUID) (*PurchaseAttempt, error)
	FindByPaymentReference(ctx context.Context, reference string) (*PurchaseAttempt, error)
	ListByState(ctx context.Context, state State, updatedBefore time.Time) ([]*PurchaseAttempt, error)
	RecentVendedAmounts(ctx context.Context, meterNumber string, limit int) ([]float64, error)
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	PaymentReference    *string
	PaymentStatus       *PaymentStatus
	VendStatus          *VendStatus
	State               *State
	Quote               *tariff.Quote
	Token               *string
	VendorTransactionID *string
	UnitsConfirmed      *decimal.Decimal
	ClearTime           *string
	FailureKind         *string
	FailureReason       *string
	Unconfirmed         *bool
	AnomalyReason       *string
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return len(p.columns()) == 0
}

// Apply copies the set fields onto a.
func (p Patch) Apply(a *PurchaseAttempt) {
	if p.PaymentReference != nil {
		a.PaymentReference = *p.PaymentReference
	}
	if p.PaymentStatus != nil {
		a.PaymentStatus = *p.PaymentStatus
	}
	if p.VendStatus != nil {
		a.VendStatus = *p.VendStatus
	}
	if p.State != nil {
		a.State = *p.State
	}
	if p.Quote != nil {
		q := *p.Quote
		a.Quote = &q
	}
	if p.Token != nil {
		a.Token = *p.Token
	}
	if p.VendorTransactionID != nil {
		a.VendorTransactionID = *p.VendorTransactionID
	}
	if p.UnitsConfirmed != nil {
		a.UnitsConfirmed = decimal.NewNullDecimal(*p.UnitsConfirmed)
	}
	if p.ClearTime != nil {
		a.ClearTime = *p.ClearTime
	}
	if p.FailureKind != nil {
		a.FailureKind = *p.FailureKind
	}
	if p.FailureReason != nil {
		a.FailureReason = *p.FailureReason
	}
	if p.Unconfirmed != nil {
		a.Unconfirmed = *p.Unconfirmed
	}
	if p.AnomalyReason != nil {
		a.AnomalyReason = *p.AnomalyReason
	}
}

type column struct {
	name  string
	value any
}

// columns lists the set fields with their column names, in a stable order.
func (p Patch) columns() []column {
	var cols []column
	if p.PaymentReference != nil {
		cols = append(cols, column{"payment_reference", *p.PaymentReference})
	}
	if p.PaymentStatus != nil {
		cols = append(cols, column{"payment_status", string(*p.PaymentStatus)})
	}
	if p.VendStatus != nil {
		cols = append(cols, column{"vend_status", string(*p.VendStatus)})
	}
	if p.State != nil {
		cols = append(cols, column{"state", string(*p.State)})
	}
	if p.Quote != nil {
		cols = append(cols, column{"tariff_quote", *p.Quote})
	}
	if p.Token != nil {
		cols = append(cols, column{"token", *p.Token})
	}
	if p.VendorTransactionID != nil {
		cols = append(cols, column{"vendor_transaction_id", *p.VendorTransactionID})
	}
	if p.UnitsConfirmed != nil {
		cols = append(cols, column{"units_confirmed", *p.UnitsConfirmed})
	}
	if p.ClearTime != nil {
		cols = append(cols, column{"clear_time", *p.ClearTime})
	}
	if p.FailureKind != nil {
		cols = append(cols, column{"failure_kind", *p.FailureKind})
	}
	if p.FailureReason != nil {
		cols = append(cols, column{"failure_reason", *p.FailureReason})
	}
	if p.Unconfirmed != nil {
		cols = append(cols, column{"unconfirmed", *p.Unconfirmed})
	}
	if p.AnomalyReason != nil {
		cols = append(cols, column{"anomaly_reason", *p.AnomalyReason})
	}
	return cols
}
