package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/septivank/prepaid-vending-worker/internal/apperr"
	"go.uber.org/zap"
)

// Outcome is the result of waiting for a charge to settle.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
)

// SettlementStatus is the provider's final word on a charge.
type SettlementStatus string

const (
	SettlementConfirmed SettlementStatus = "confirmed"
	SettlementFailed    SettlementStatus = "failed"
)

// Settlement is delivered by the provider out of band.
type Settlement struct {
	Reference       string           `json:"reference"`
	Status          SettlementStatus `json:"status"`
	ProviderReceipt string           `json:"providerReceipt,omitempty"`
	SettledAt       time.Time        `json:"settledAt"`
	Reason          string           `json:"reason,omitempty"`
}

// Confirmation is what a waiter receives.
type Confirmation struct {
	Outcome    Outcome
	Settlement Settlement
}

var statusAliases = map[string]SettlementStatus{
	"confirmed":  SettlementConfirmed,
	"success":    SettlementConfirmed,
	"successful": SettlementConfirmed,
	"completed":  SettlementConfirmed,
	"paid":       SettlementConfirmed,
	"failed":     SettlementFailed,
	"declined":   SettlementFailed,
	"cancelled":  SettlementFailed,
	"canceled":   SettlementFailed,
	"expired":    SettlementFailed,
}

// ParseSettlement decodes and normalizes a settlement notification.
func ParseSettlement(body []byte) (Settlement, error) {
	const op = "payment.parse_settlement"

	var raw struct {
		Reference       string    `json:"reference"`
		Status          string    `json:"status"`
		ProviderReceipt string    `json:"providerReceipt"`
		SettledAt       time.Time `json:"settledAt"`
		Reason          string    `json:"reason"`
		Message         string    `json:"message"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Settlement{}, apperr.Invalid(op, "malformed settlement: %v", err)
	}
	if strings.TrimSpace(raw.Reference) == "" {
		return Settlement{}, apperr.Invalid(op, "settlement reference is required")
	}
	status, ok := statusAliases[strings.ToLower(strings.TrimSpace(raw.Status))]
	if !ok {
		return Settlement{}, apperr.Invalid(op, "unknown settlement status %q", raw.Status)
	}

	reason := raw.Reason
	if reason == "" {
		reason = raw.Message
	}
	return Settlement{
		Reference:       strings.TrimSpace(raw.Reference),
		Status:          status,
		ProviderReceipt: raw.ProviderReceipt,
		SettledAt:       raw.SettledAt,
		Reason:          reason,
	}, nil
}

// LateHandler is offered settlements that have no waiter. It reports whether
// it consumed the settlement; unconsumed ones stay buffered for a waiter that
// has not registered yet.
type LateHandler func(ctx context.Context, s Settlement) (bool, error)

type buffered struct {
	settlement Settlement
	receivedAt time.Time
}

// Hub routes settlements to the purchase waiting for them.
type Hub struct {
	retention time.Duration
	now       func() time.Time
	logger    *zap.Logger

	mu      sync.Mutex
	waiters map[string]chan Settlement
	pending map[string]buffered
	late    LateHandler
}

// NewHub creates a hub that keeps unclaimed settlements for retention.
func NewHub(retention time.Duration, logger *zap.Logger) *Hub {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &Hub{
		retention: retention,
		now:       time.Now,
		logger:    logger,
		waiters:   make(map[string]chan Settlement),
		pending:   make(map[string]buffered),
	}
}

// SetLateHandler installs the handler for settlements with no waiter.
func (h *Hub) SetLateHandler(fn LateHandler) {
	h.mu.Lock()
	h.late = fn
	h.mu.Unlock()
}

// Notify delivers a settlement. Duplicates for a reference that is already
// buffered replace the earlier copy.
func (h *Hub) Notify(ctx context.Context, s Settlement) error {
	h.mu.Lock()
	if ch, ok := h.waiters[s.Reference]; ok {
		delete(h.waiters, s.Reference)
		h.mu.Unlock()
		ch <- s
		h.logger.Debug("settlement delivered to waiter", zap.String("payment_reference", s.Reference))
		return nil
	}

	h.purgeLocked()
	h.pending[s.Reference] = buffered{settlement: s, receivedAt: h.now()}
	late := h.late
	h.mu.Unlock()

	if late == nil {
		return nil
	}

	handled, err := late(ctx, s)
	if err != nil {
		return fmt.Errorf("late settlement %s: %w", s.Reference, err)
	}
	if handled {
		h.mu.Lock()
		if b, ok := h.pending[s.Reference]; ok && b.settlement == s {
			delete(h.pending, s.Reference)
		}
		h.mu.Unlock()
	}
	return nil
}

// HandleMessage parses a raw notification and delivers it.
func (h *Hub) HandleMessage(ctx context.Context, body []byte) error {
	s, err := ParseSettlement(body)
	if err != nil {
		return err
	}
	h.logger.Info("settlement received",
		zap.String("payment_reference", s.Reference),
		zap.String("status", string(s.Status)),
	)
	return h.Notify(ctx, s)
}

// Await waits for the settlement of reference.
func (h *Hub) Await(ctx context.Context, reference string, timeout time.Duration) (Confirmation, error) {
	h.mu.Lock()
	h.purgeLocked()
	if b, ok := h.pending[reference]; ok {
		delete(h.pending, reference)
		h.mu.Unlock()
		return confirmationFor(b.settlement), nil
	}
	ch := make(chan Settlement, 1)
	h.waiters[reference] = ch
	h.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s := <-ch:
		return confirmationFor(s), nil
	case <-timer.C:
		if s, ok := h.abandon(reference, ch); ok {
			return confirmationFor(s), nil
		}
		return Confirmation{Outcome: OutcomeTimedOut}, nil
	case <-ctx.Done():
		if s, ok := h.abandon(reference, ch); ok {
			return confirmationFor(s), nil
		}
		return Confirmation{}, ctx.Err()
	}
}

// Take removes and returns a buffered settlement.
func (h *Hub) Take(reference string) (Settlement, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.purgeLocked()
	b, ok := h.pending[reference]
	if ok {
		delete(h.pending, reference)
	}
	return b.settlement, ok
}

// Waiting returns the number of registered waiters.
func (h *Hub) Waiting() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.waiters)
}

// abandon unregisters a waiter. A settlement that raced the deregistration
// is returned instead of being lost.
func (h *Hub) abandon(reference string, ch chan Settlement) (Settlement, bool) {
	h.mu.Lock()
	if cur, ok := h.waiters[reference]; ok && cur == ch {
		delete(h.waiters, reference)
	}
	h.mu.Unlock()

	select {
	case s := <-ch:
		return s, true
	default:
		return Settlement{}, false
	}
}

func (h *Hub) purgeLocked() {
	cutoff := h.now().Add(-h.retention)
	for ref, b := range h.pending {
		if b.receivedAt.Before(cutoff) {
			delete(h.pending, ref)
		}
	}
}

func confirmationFor(s Settlement) Confirmation {
	if s.Status == SettlementConfirmed {
		return Confirmation{Outcome: OutcomeConfirmed, Settlement: s}
	}
	return Confirmation{Outcome: OutcomeFailed, Settlement: s}
}
