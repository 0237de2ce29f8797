package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/prepaid-vending-worker/internal/tariff"
)

const attemptColumns = `
	id, meter_number, tenant_id, phone_number, gross_amount, tariff_quote,
	payment_reference, payment_status, vend_status, state, token,
	vendor_transaction_id, units_confirmed, clear_time, failure_kind,
	failure_reason, unconfirmed, anomaly_reason, created_at, updated_at
`

// PostgresStore persists attempts in the purchase_attempts table.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore creates a new ledger store
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

// Insert inserts a new purchase attempt
func (s *PostgresStore) Insert(ctx context.Context, a *PurchaseAttempt) error {
	quote, err := encodeQuote(a.Quote)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO purchase_attempts (` + attemptColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`

	_, err = s.pool.Exec(ctx, query,
		a.ID,
		a.MeterNumber,
		a.TenantID,
		a.PhoneNumber,
		a.GrossAmount,
		quote,
		a.PaymentReference,
		string(a.PaymentStatus),
		string(a.VendStatus),
		string(a.State),
		a.Token,
		a.VendorTransactionID,
		a.UnitsConfirmed,
		a.ClearTime,
		a.FailureKind,
		a.FailureReason,
		a.Unconfirmed,
		a.AnomalyReason,
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert purchase attempt: %w", err)
	}

	return nil
}

// Update applies a partial update and returns the resulting row
func (s *PostgresStore) Update(ctx context.Context, id uuid.UUID, patch Patch) (*PurchaseAttempt, error) {
	query, args, err := buildUpdate(id, patch, s.now())
	if err != nil {
		return nil, err
	}

	a, err := scanAttempt(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to update purchase attempt: %w", err)
	}

	return a, nil
}

// FindByID loads a single attempt
func (s *PostgresStore) FindByID(ctx context.Context, id uuid.UUID) (*PurchaseAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM purchase_attempts WHERE id = $1`

	a, err := scanAttempt(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query purchase attempt: %w", err)
	}

	return a, nil
}

// FindByPaymentReference loads the attempt a provider reference belongs to
func (s *PostgresStore) FindByPaymentReference(ctx context.Context, reference string) (*PurchaseAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM purchase_attempts WHERE payment_reference = $1`

	a, err := scanAttempt(s.pool.QueryRow(ctx, query, reference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query purchase attempt by reference: %w", err)
	}

	return a, nil
}

// ListByState returns attempts in state last touched before updatedBefore
func (s *PostgresStore) ListByState(ctx context.Context, state State, updatedBefore time.Time) ([]*PurchaseAttempt, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM purchase_attempts
		WHERE state = $1 AND updated_at < $2
		ORDER BY updated_at ASC
	`

	rows, err := s.pool.Query(ctx, query, string(state), updatedBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts by state: %w", err)
	}
	defer rows.Close()

	var attempts []*PurchaseAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return attempts, nil
}

// RecentVendedAmounts gets recent successful gross amounts for anomaly detection
func (s *PostgresStore) RecentVendedAmounts(ctx context.Context, meterNumber string, limit int) ([]float64, error) {
	query := `
		SELECT gross_amount::float8
		FROM purchase_attempts
		WHERE meter_number = $1 AND state = 'vended'
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, meterNumber, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent amounts: %w", err)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var value float64
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("failed to scan value: %w", err)
		}
		values = append(values, value)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return values, nil
}

// buildUpdate renders an UPDATE touching only the patch's columns.
func buildUpdate(id uuid.UUID, patch Patch, now time.Time) (string, []any, error) {
	cols := patch.columns()
	sets := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+2)

	for _, c := range cols {
		value := c.value
		if q, ok := value.(tariff.Quote); ok {
			encoded, err := encodeQuote(&q)
			if err != nil {
				return "", nil, err
			}
			value = encoded
		}
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", c.name, len(args)))
	}

	args = append(args, now)
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)))
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE purchase_attempts SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(sets, ", "), len(args), attemptColumns)

	return query, args, nil
}

func encodeQuote(q *tariff.Quote) ([]byte, error) {
	if q == nil {
		return nil, nil
	}
	b, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tariff quote: %w", err)
	}
	return b, nil
}

func scanAttempt(row pgx.Row) (*PurchaseAttempt, error) {
	var (
		a                          PurchaseAttempt
		quote                      []byte
		paymentStatus, vend, state string
	)

	err := row.Scan(
		&a.ID,
		&a.MeterNumber,
		&a.TenantID,
		&a.PhoneNumber,
		&a.GrossAmount,
		&quote,
		&a.PaymentReference,
		&paymentStatus,
		&vend,
		&state,
		&a.Token,
		&a.VendorTransactionID,
		&a.UnitsConfirmed,
		&a.ClearTime,
		&a.FailureKind,
		&a.FailureReason,
		&a.Unconfirmed,
		&a.AnomalyReason,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.PaymentStatus = PaymentStatus(paymentStatus)
	a.VendStatus = VendStatus(vend)
	a.State = State(state)

	if len(quote) > 0 {
		var q tariff.Quote
		if err := json.Unmarshal(quote, &q); err != nil {
			return nil, fmt.Errorf("failed to decode tariff quote: %w", err)
		}
		a.Quote = &q
	}

	return &a, nil
}
