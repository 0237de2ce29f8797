package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/septivank/prepaid-vending-worker/internal/anomaly"
	"github.com/septivank/prepaid-vending-worker/internal/apperr"
	"github.com/septivank/prepaid-vending-worker/internal/ledger"
	"github.com/septivank/prepaid-vending-worker/internal/logging"
	"github.com/septivank/prepaid-vending-worker/internal/metrics"
	"github.com/septivank/prepaid-vending-worker/internal/mq"
	"github.com/septivank/prepaid-vending-worker/internal/payment"
	"github.com/septivank/prepaid-vending-worker/internal/tariff"
	"github.com/septivank/prepaid-vending-worker/internal/validator"
	"github.com/septivank/prepaid-vending-worker/internal/vendor"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ReasonLateSettlement marks attempts whose payment confirmed after the
// confirmation window closed.
const ReasonLateSettlement = "late_settlement"

// VendingClient is the subset of the vendor client the orchestrator drives.
type VendingClient interface {
	CheckMeter(ctx context.Context, meterNumber string) (vendor.MeterValidationResult, error)
	Vend(ctx context.Context, meterNumber string, units decimal.Decimal) (vendor.VendResult, error)
	GenerateMaintenanceToken(ctx context.Context, meterNumber string, subClass vendor.SubClass, value decimal.NullDecimal) (vendor.MaintenanceToken, error)
}

// PaymentGateway starts charges and waits for their settlement.
type PaymentGateway interface {
	InitiateCharge(ctx context.Context, phone string, amount decimal.Decimal, metadata map[string]string) (payment.Handle, error)
	AwaitConfirmation(ctx context.Context, reference string, timeout time.Duration) (payment.Confirmation, error)
	Release(reference string) (payment.Settlement, bool)
}

// EventPublisher announces ledger transitions to downstream consumers.
type EventPublisher interface {
	PublishPurchaseEvent(ctx context.Context, routingKey string, event mq.PurchaseEvent) error
}

// PurchaseRequest is a tenant's request to buy energy.
type PurchaseRequest struct {
	MeterNumber   string          `json:"meter_number" validate:"required,meter"`
	TenantID      string          `json:"tenant_id" validate:"required,max=64"`
	GrossAmount   decimal.Decimal `json:"gross_amount" validate:"gt=0"`
	PhoneNumber   string          `json:"phone_number" validate:"required,msisdn"`
	ValidateMeter bool            `json:"validate_meter"`
}

// Resolution is an operator's reconciliation of an unconfirmed vend.
type Resolution struct {
	// Vended is true when the vendor's logs show the token was issued.
	Vended              bool   `json:"vended"`
	Token               string `json:"token"`
	VendorTransactionID string `json:"vendor_transaction_id"`
	Note                string `json:"note" validate:"max=500"`
}

// MaintenanceRequest asks for a device-configuration token.
type MaintenanceRequest struct {
	MeterNumber string              `json:"meter_number" validate:"required,meter"`
	SubClass    string              `json:"sub_class" validate:"required"`
	Value       decimal.NullDecimal `json:"value"`
}

// Options are the orchestrator's tunables.
type Options struct {
	FeePercent          decimal.Decimal
	TariffRate          decimal.Decimal
	ConfirmationTimeout time.Duration
	RecoverStaleAfter   time.Duration
}

// Orchestrator drives purchases from charge to token.
type Orchestrator struct {
	store     ledger.Store
	vendor    VendingClient
	payments  PaymentGateway
	events    EventPublisher
	detector  *anomaly.Detector
	validator *validator.Validator
	metrics   *metrics.Metrics
	opts      Options
	locks     *meterLocks
	critical  failsafe.Executor[*ledger.PurchaseAttempt]
	now       func() time.Time
	logger    *zap.Logger
}

// NewOrchestrator wires the pipeline. events and detector may be nil.
func NewOrchestrator(
	store ledger.Store,
	vendingClient VendingClient,
	payments PaymentGateway,
	events EventPublisher,
	detector *anomaly.Detector,
	v *validator.Validator,
	m *metrics.Metrics,
	opts Options,
	logger *zap.Logger,
) *Orchestrator {
	if opts.ConfirmationTimeout <= 0 {
		opts.ConfirmationTimeout = 2 * time.Minute
	}
	if opts.RecoverStaleAfter < 0 {
		opts.RecoverStaleAfter = 0
	}

	// Ledger writes that follow an issued token must not be lost to a blip.
	policy := retrypolicy.NewBuilder[*ledger.PurchaseAttempt]().
		HandleIf(func(_ *ledger.PurchaseAttempt, err error) bool {
			return err != nil && !errors.Is(err, ledger.ErrNotFound)
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(4).
		ReturnLastFailure().
		Build()

	return &Orchestrator{
		store:     store,
		vendor:    vendingClient,
		payments:  payments,
		events:    events,
		detector:  detector,
		validator: v,
		metrics:   m,
		opts:      opts,
		locks:     newMeterLocks(),
		critical:  failsafe.With[*ledger.PurchaseAttempt](policy),
		now:       time.Now,
		logger:    logger,
	}
}

// Purchase charges the tenant and vends a token for the net amount. A
// non-nil attempt is returned whenever a ledger entry exists, even on error.
func (o *Orchestrator) Purchase(ctx context.Context, req PurchaseRequest) (*ledger.PurchaseAttempt, error) {
	const op = "service.purchase"

	if err := o.validator.Struct(op, req); err != nil {
		return nil, err
	}
	if err := o.validator.Amount(op, req.GrossAmount); err != nil {
		return nil, err
	}

	log := logging.WithMeter(o.logger, req.MeterNumber)

	if req.ValidateMeter {
		res, err := o.vendor.CheckMeter(ctx, req.MeterNumber)
		if err != nil {
			log.Warn("meter pre-validation failed", zap.Error(err))
			return nil, err
		}
		if !res.Exists {
			return nil, apperr.Invalid(op, "meter %s not found at vendor", req.MeterNumber)
		}
	}

	attempt := ledger.NewAttempt(req.MeterNumber, req.TenantID, req.PhoneNumber, req.GrossAmount, o.now())
	attempt.AnomalyReason = o.detectAnomaly(ctx, log, req)

	if err := o.store.Insert(ctx, attempt); err != nil {
		log.Error("failed to insert purchase attempt", zap.Error(err))
		return nil, apperr.Wrap(apperr.KindInternal, op, fmt.Errorf("[DATABASE] failed to insert attempt: %w", err))
	}

	log = logging.WithAttemptID(log, attempt.ID.String())
	log.Info("purchase started",
		zap.String("gross_amount", req.GrossAmount.String()),
		zap.String("tenant_id", req.TenantID),
	)

	handle, err := o.payments.InitiateCharge(ctx, req.PhoneNumber, req.GrossAmount, map[string]string{
		"attempt_id":   attempt.ID.String(),
		"meter_number": req.MeterNumber,
		"tenant_id":    req.TenantID,
	})
	if err != nil {
		log.Warn("charge initiation failed", zap.Error(err))
		return o.failPayment(context.WithoutCancel(ctx), attempt, apperr.KindOf(err), apperr.ReasonOf(err), err)
	}

	// The charge is live; the reference must not be lost to a cancelled caller.
	attempt, err = o.persistCritical(context.WithoutCancel(ctx), attempt.ID, ledger.Patch{PaymentReference: ledger.Ptr(handle.Reference)})
	if err != nil {
		log.Error("failed to record payment reference",
			zap.String("payment_reference", handle.Reference),
			zap.Error(err),
		)
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}

	started := o.now()
	conf, err := o.payments.AwaitConfirmation(ctx, handle.Reference, o.opts.ConfirmationTimeout)
	if err != nil {
		// Caller went away before the charge settled. A settlement that
		// still arrives is handled as late.
		o.metrics.ObservePaymentWait(o.now().Sub(started), "cancelled")
		return o.timeoutPayment(context.WithoutCancel(ctx), log, attempt, "confirmation wait cancelled: "+err.Error())
	}
	o.metrics.ObservePaymentWait(o.now().Sub(started), string(conf.Outcome))

	switch conf.Outcome {
	case payment.OutcomeFailed:
		reason := conf.Settlement.Reason
		if reason == "" {
			reason = "payment not completed"
		}
		log.Info("payment failed", zap.String("reason", reason))
		failure := apperr.New(apperr.KindChargeRejected, op, reason)
		return o.failPayment(context.WithoutCancel(ctx), attempt, apperr.KindChargeRejected, reason, failure)
	case payment.OutcomeTimedOut:
		return o.timeoutPayment(context.WithoutCancel(ctx), log, attempt, fmt.Sprintf("no settlement within %s", o.opts.ConfirmationTimeout))
	}

	// Money has moved: from here the pipeline runs to a resting state
	// regardless of the caller.
	vctx := context.WithoutCancel(ctx)

	attempt, err = o.persistCritical(vctx, attempt.ID, ledger.Patch{
		PaymentStatus: ledger.Ptr(ledger.PaymentConfirmed),
		State:         ledger.Ptr(ledger.StatePaymentConfirmed),
	})
	if err != nil {
		log.Error("failed to record payment confirmation", zap.Error(err))
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}
	log.Info("payment confirmed", zap.String("payment_reference", attempt.PaymentReference))

	release, err := o.locks.acquire(vctx, attempt.MeterNumber)
	if err != nil {
		return attempt, apperr.Wrap(apperr.KindInternal, op, err)
	}
	defer release()

	// Recovery may have settled the attempt while we waited for the lock.
	if attempt, err = o.store.FindByID(vctx, attempt.ID); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}
	if attempt.State != ledger.StatePaymentConfirmed {
		return attempt, apperr.New(apperr.KindInternal, op, fmt.Sprintf("attempt moved to %s before vend", attempt.State))
	}

	quote, err := tariff.Calculate(attempt.GrossAmount, o.opts.FeePercent, o.opts.TariffRate)
	if err != nil {
		log.Error("tariff quote failed after payment", zap.Error(err))
		return o.recordVendFailure(vctx, log, attempt, err, false)
	}

	attempt, err = o.persistCritical(vctx, attempt.ID, ledger.Patch{
		Quote: &quote,
		State: ledger.Ptr(ledger.StateVending),
	})
	if err != nil {
		log.Error("failed to record vending transition", zap.Error(err))
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}

	return o.vendLocked(vctx, log, attempt)
}

// RetryVend re-runs the vend step for an attempt whose payment is confirmed
// and whose previous vend definitely did not issue a token. The stored quote
// is reused.
func (o *Orchestrator) RetryVend(ctx context.Context, id uuid.UUID) (*ledger.PurchaseAttempt, error) {
	const op = "service.retry_vend"

	attempt, err := o.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := retryable(op, attempt); err != nil {
		return attempt, err
	}

	release, err := o.locks.acquire(ctx, attempt.MeterNumber)
	if err != nil {
		return attempt, apperr.Wrap(apperr.KindInternal, op, err)
	}
	defer release()

	// Re-read under the lock: a concurrent retry may have won.
	attempt, err = o.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := retryable(op, attempt); err != nil {
		return attempt, err
	}

	vctx := context.WithoutCancel(ctx)
	log := logging.WithAttemptID(logging.WithMeter(o.logger, attempt.MeterNumber), attempt.ID.String())
	log.Info("retrying vend", zap.String("previous_failure", attempt.FailureReason))

	attempt, err = o.persistCritical(vctx, attempt.ID, ledger.Patch{State: ledger.Ptr(ledger.StateVending)})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}

	return o.vendLocked(vctx, log, attempt)
}

// ResolveAmbiguous records an operator's reconciliation of an unconfirmed
// vend: either the token found in the vendor's logs, or confirmation that
// nothing was issued, which makes RetryVend legal.
func (o *Orchestrator) ResolveAmbiguous(ctx context.Context, id uuid.UUID, res Resolution) (*ledger.PurchaseAttempt, error) {
	const op = "service.resolve_ambiguous"

	if err := o.validator.Struct(op, res); err != nil {
		return nil, err
	}
	if res.Vended && res.Token == "" {
		return nil, apperr.Invalid(op, "a token is required when resolving as vended")
	}

	attempt, err := o.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	release, err := o.locks.acquire(ctx, attempt.MeterNumber)
	if err != nil {
		return attempt, apperr.Wrap(apperr.KindInternal, op, err)
	}
	defer release()

	attempt, err = o.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if attempt.State != ledger.StateVendFailed || !attempt.Unconfirmed {
		return attempt, apperr.Invalid(op, "attempt %s is %s and not awaiting reconciliation", id, attempt.State)
	}

	log := logging.WithAttemptID(logging.WithMeter(o.logger, attempt.MeterNumber), attempt.ID.String())
	vctx := context.WithoutCancel(ctx)

	if res.Vended {
		attempt, err = o.persistCritical(vctx, id, ledger.Patch{
			State:               ledger.Ptr(ledger.StateVended),
			VendStatus:          ledger.Ptr(ledger.VendVended),
			Token:               ledger.Ptr(res.Token),
			VendorTransactionID: ledger.Ptr(res.VendorTransactionID),
			Unconfirmed:         ledger.Ptr(false),
			FailureReason:       ledger.Ptr(reconciledReason("vended", res.Note)),
		})
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, op, err)
		}
		log.Info("ambiguous vend reconciled as vended", zap.String("token", logging.MaskToken(res.Token)))
		o.metrics.PurchaseFinished(string(attempt.State), "")
		o.publish(vctx, log, mq.RoutingPurchaseVended, attempt)
		return attempt, nil
	}

	attempt, err = o.persistCritical(vctx, id, ledger.Patch{
		Unconfirmed:   ledger.Ptr(false),
		FailureReason: ledger.Ptr(reconciledReason("not vended", res.Note)),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}
	log.Info("ambiguous vend reconciled as not vended; retry allowed")
	return attempt, nil
}

// GenerateMaintenanceToken issues a device-configuration token. There is no
// payment phase; the call is serialized with vends on the same meter.
func (o *Orchestrator) GenerateMaintenanceToken(ctx context.Context, req MaintenanceRequest) (vendor.MaintenanceToken, error) {
	const op = "service.maintenance_token"

	if err := o.validator.Struct(op, req); err != nil {
		return vendor.MaintenanceToken{}, err
	}
	subClass, err := vendor.ParseSubClass(req.SubClass)
	if err != nil {
		return vendor.MaintenanceToken{}, err
	}
	value, err := subClass.ValidateValue(req.Value)
	if err != nil {
		return vendor.MaintenanceToken{}, err
	}

	release, err := o.locks.acquire(ctx, req.MeterNumber)
	if err != nil {
		return vendor.MaintenanceToken{}, apperr.Wrap(apperr.KindInternal, op, err)
	}
	defer release()

	log := logging.WithMeter(o.logger, req.MeterNumber)
	tok, err := o.vendor.GenerateMaintenanceToken(context.WithoutCancel(ctx), req.MeterNumber, subClass, value)
	if err != nil {
		o.metrics.MaintenanceIssued(string(subClass), string(apperr.KindOf(err)))
		log.Warn("maintenance token failed", zap.String("sub_class", string(subClass)), zap.Error(err))
		return vendor.MaintenanceToken{}, err
	}

	o.metrics.MaintenanceIssued(string(subClass), "issued")
	log.Info("maintenance token issued",
		zap.String("sub_class", string(subClass)),
		zap.String("token", logging.MaskToken(tok.Token)),
		zap.String("vendor_transaction_id", tok.VendorTransactionID),
	)
	return tok, nil
}

// HandleLateSettlement applies a settlement that arrived with no waiter. It
// reports false when the settlement belongs to a purchase still waiting for
// it, so the caller keeps it buffered.
func (o *Orchestrator) HandleLateSettlement(ctx context.Context, s payment.Settlement) (bool, error) {
	const op = "service.late_settlement"

	attempt, err := o.store.FindByPaymentReference(ctx, s.Reference)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			// The charge call may not have returned yet.
			return false, nil
		}
		return false, apperr.Wrap(apperr.KindInternal, op, err)
	}
	if attempt.State == ledger.StatePaymentPending {
		return false, nil
	}

	log := logging.WithAttemptID(logging.WithMeter(o.logger, attempt.MeterNumber), attempt.ID.String())
	if attempt.State != ledger.StatePaymentFailed || attempt.PaymentStatus == ledger.PaymentConfirmed {
		log.Debug("ignoring settlement for settled attempt", zap.String("state", string(attempt.State)))
		return true, nil
	}
	if s.Status != payment.SettlementConfirmed {
		return true, nil
	}

	release, err := o.locks.acquire(ctx, attempt.MeterNumber)
	if err != nil {
		return false, apperr.Wrap(apperr.KindInternal, op, err)
	}
	defer release()

	attempt, err = o.store.FindByID(ctx, attempt.ID)
	if err != nil {
		return false, apperr.Wrap(apperr.KindInternal, op, err)
	}
	if attempt.State != ledger.StatePaymentFailed || attempt.PaymentStatus == ledger.PaymentConfirmed {
		return true, nil
	}

	vctx := context.WithoutCancel(ctx)
	patch := ledger.Patch{
		PaymentStatus: ledger.Ptr(ledger.PaymentConfirmed),
		State:         ledger.Ptr(ledger.StateVendFailed),
		FailureReason: ledger.Ptr(ReasonLateSettlement),
	}
	if quote, err := tariff.Calculate(attempt.GrossAmount, o.opts.FeePercent, o.opts.TariffRate); err == nil {
		patch.Quote = &quote
	} else {
		log.Error("tariff quote failed for late settlement", zap.Error(err))
	}

	attempt, err = o.persistCritical(vctx, attempt.ID, patch)
	if err != nil {
		return false, apperr.Wrap(apperr.KindInternal, op, err)
	}

	log.Warn("late settlement recorded; operator retry required",
		zap.String("payment_reference", s.Reference),
		zap.String("provider_receipt", s.ProviderReceipt),
	)
	o.metrics.PurchaseFinished(string(attempt.State), ReasonLateSettlement)
	o.publish(vctx, log, mq.RoutingPurchaseVendFailed, attempt)
	return true, nil
}

// RecoverInterrupted repairs attempts left mid-flight by a dead process.
// Attempts stuck in vending may have issued a token, so they become
// unconfirmed vend failures. Paid attempts that never reached the vendor
// become retryable vend failures. Attempts stuck waiting for payment become
// timed-out payment failures, which late settlements can still revive.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) (int, error) {
	const op = "service.recover_interrupted"

	cutoff := o.now().Add(-o.opts.RecoverStaleAfter)
	vending, err := o.store.ListByState(ctx, ledger.StateVending, cutoff)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, op, err)
	}

	recovered := 0
	for _, a := range vending {
		ok, err := o.recoverVending(ctx, a)
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered++
		}
	}

	confirmed, err := o.store.ListByState(ctx, ledger.StatePaymentConfirmed, cutoff)
	if err != nil {
		return recovered, apperr.Wrap(apperr.KindInternal, op, err)
	}
	for _, a := range confirmed {
		ok, err := o.recoverConfirmed(ctx, a)
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered++
		}
	}

	pending, err := o.store.ListByState(ctx, ledger.StatePaymentPending, cutoff.Add(-o.opts.ConfirmationTimeout))
	if err != nil {
		return recovered, apperr.Wrap(apperr.KindInternal, op, err)
	}
	for _, a := range pending {
		log := logging.WithAttemptID(logging.WithMeter(o.logger, a.MeterNumber), a.ID.String())
		if _, err := o.timeoutPayment(ctx, log, a, "interrupted while awaiting payment"); err != nil && apperr.KindOf(err) != apperr.KindPaymentTimedOut {
			return recovered, err
		}
		recovered++
	}

	if recovered > 0 {
		o.logger.Warn("recovered interrupted purchase attempts", zap.Int("count", recovered))
	}
	return recovered, nil
}

func (o *Orchestrator) recoverVending(ctx context.Context, a *ledger.PurchaseAttempt) (bool, error) {
	const op = "service.recover_interrupted"

	release, err := o.locks.acquire(ctx, a.MeterNumber)
	if err != nil {
		return false, apperr.Wrap(apperr.KindInternal, op, err)
	}
	defer release()

	current, err := o.store.FindByID(ctx, a.ID)
	if err != nil {
		return false, apperr.Wrap(apperr.KindInternal, op, err)
	}
	if current.State != ledger.StateVending {
		return false, nil
	}

	log := logging.WithAttemptID(logging.WithMeter(o.logger, a.MeterNumber), a.ID.String())
	cause := apperr.New(apperr.KindAmbiguousVendOutcome, op, "process stopped during vend; outcome unknown")
	if _, err := o.recordVendFailure(ctx, log, current, cause, true); err != nil && apperr.KindOf(err) == apperr.KindInternal {
		return false, err
	}
	return true, nil
}

// recoverConfirmed closes out a paid attempt that stopped before the vend
// call. No token can exist, so it is left retryable with its quote stored.
func (o *Orchestrator) recoverConfirmed(ctx context.Context, a *ledger.PurchaseAttempt) (bool, error) {
	const op = "service.recover_interrupted"

	release, err := o.locks.acquire(ctx, a.MeterNumber)
	if err != nil {
		return false, apperr.Wrap(apperr.KindInternal, op, err)
	}
	defer release()

	current, err := o.store.FindByID(ctx, a.ID)
	if err != nil {
		return false, apperr.Wrap(apperr.KindInternal, op, err)
	}
	if current.State != ledger.StatePaymentConfirmed {
		return false, nil
	}

	log := logging.WithAttemptID(logging.WithMeter(o.logger, a.MeterNumber), a.ID.String())
	var cause error = apperr.New(apperr.KindInternal, op, "process stopped before vend")
	if current.Quote == nil {
		quote, err := tariff.Calculate(current.GrossAmount, o.opts.FeePercent, o.opts.TariffRate)
		if err != nil {
			cause = err
		} else if current, err = o.persistCritical(ctx, current.ID, ledger.Patch{Quote: &quote}); err != nil {
			return false, apperr.Wrap(apperr.KindInternal, op, err)
		}
	}

	if updated, _ := o.recordVendFailure(ctx, log, current, cause, false); updated == nil {
		return false, apperr.New(apperr.KindInternal, op, "vend failure could not be recorded")
	}
	return true, nil
}

// vendLocked performs the single vend call for attempt and records its
// outcome. The caller holds the meter lock and a non-cancellable context.
func (o *Orchestrator) vendLocked(ctx context.Context, log *zap.Logger, attempt *ledger.PurchaseAttempt) (*ledger.PurchaseAttempt, error) {
	const op = "service.vend"

	if attempt.Quote == nil {
		return o.recordVendFailure(ctx, log, attempt, apperr.New(apperr.KindInternal, op, "attempt has no tariff quote"), false)
	}

	started := o.now()
	res, err := o.vendor.Vend(ctx, attempt.MeterNumber, attempt.Quote.EstimatedUnits)
	elapsed := o.now().Sub(started)

	if err != nil {
		unconfirmed := !definitelyNotVended(err)
		o.metrics.ObserveVend(elapsed, string(apperr.KindOf(err)))
		return o.recordVendFailure(ctx, log, attempt, err, unconfirmed)
	}
	o.metrics.ObserveVend(elapsed, "vended")

	updated, err := o.persistCritical(ctx, attempt.ID, ledger.Patch{
		State:               ledger.Ptr(ledger.StateVended),
		VendStatus:          ledger.Ptr(ledger.VendVended),
		Token:               ledger.Ptr(res.Token),
		VendorTransactionID: ledger.Ptr(res.VendorTransactionID),
		UnitsConfirmed:      ledger.Ptr(res.UnitsConfirmed),
		ClearTime:           ledger.Ptr(res.ClearTime),
		FailureKind:         ledger.Ptr(""),
		FailureReason:       ledger.Ptr(""),
		Unconfirmed:         ledger.Ptr(false),
	})
	if err != nil {
		// The token exists at the vendor but not in the ledger. Leave
		// enough in the log to reconcile by hand.
		log.Error("vended token could not be recorded",
			zap.String("vendor_transaction_id", res.VendorTransactionID),
			zap.String("token", logging.MaskToken(res.Token)),
			zap.Error(err),
		)
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}

	log.Info("token vended",
		zap.String("token", logging.MaskToken(res.Token)),
		zap.String("vendor_transaction_id", res.VendorTransactionID),
		zap.String("units", res.UnitsConfirmed.String()),
	)
	o.metrics.PurchaseFinished(string(updated.State), "")
	o.publish(ctx, log, mq.RoutingPurchaseVended, updated)
	return updated, nil
}

func (o *Orchestrator) recordVendFailure(ctx context.Context, log *zap.Logger, attempt *ledger.PurchaseAttempt, cause error, unconfirmed bool) (*ledger.PurchaseAttempt, error) {
	kind := apperr.KindOf(cause)
	if unconfirmed {
		kind = apperr.KindAmbiguousVendOutcome
	}

	updated, err := o.persistCritical(ctx, attempt.ID, ledger.Patch{
		State:         ledger.Ptr(ledger.StateVendFailed),
		VendStatus:    ledger.Ptr(ledger.VendFailed),
		FailureKind:   ledger.Ptr(string(kind)),
		FailureReason: ledger.Ptr(apperr.ReasonOf(cause)),
		Unconfirmed:   ledger.Ptr(unconfirmed),
	})
	if err != nil {
		log.Error("vend failure could not be recorded", zap.NamedError("cause", cause), zap.Error(err))
		return nil, apperr.Wrap(apperr.KindInternal, "service.vend", err)
	}

	if unconfirmed {
		log.Error("vend outcome unknown; manual reconciliation required", zap.Error(cause))
	} else {
		log.Warn("vend failed; payment received, token pending", zap.Error(cause))
	}
	o.metrics.PurchaseFinished(string(updated.State), string(kind))
	o.publish(ctx, log, mq.RoutingPurchaseVendFailed, updated)

	if unconfirmed && apperr.KindOf(cause) != apperr.KindAmbiguousVendOutcome {
		return updated, &apperr.Error{Kind: apperr.KindAmbiguousVendOutcome, Op: "service.vend", Reason: apperr.ReasonOf(cause), Err: cause}
	}
	return updated, cause
}

func (o *Orchestrator) failPayment(ctx context.Context, attempt *ledger.PurchaseAttempt, kind apperr.Kind, reason string, cause error) (*ledger.PurchaseAttempt, error) {
	updated, err := o.persistCritical(ctx, attempt.ID, ledger.Patch{
		PaymentStatus: ledger.Ptr(ledger.PaymentFailed),
		State:         ledger.Ptr(ledger.StatePaymentFailed),
		FailureKind:   ledger.Ptr(string(kind)),
		FailureReason: ledger.Ptr(reason),
	})
	if err != nil {
		o.logger.Error("payment failure could not be recorded",
			zap.String("attempt_id", attempt.ID.String()),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return nil, apperr.Wrap(apperr.KindInternal, "service.payment", err)
	}

	o.metrics.PurchaseFinished(string(updated.State), string(kind))
	o.publish(ctx, logging.WithAttemptID(o.logger, updated.ID.String()), mq.RoutingPurchasePaymentFailed, updated)
	return updated, cause
}

// timeoutPayment records a payment that did not settle in time, then applies
// any settlement that slipped in while the failure was being written.
func (o *Orchestrator) timeoutPayment(ctx context.Context, log *zap.Logger, attempt *ledger.PurchaseAttempt, reason string) (*ledger.PurchaseAttempt, error) {
	cause := apperr.New(apperr.KindPaymentTimedOut, "service.payment", reason)
	log.Warn("payment not confirmed", zap.String("reason", reason))

	updated, err := o.failPayment(ctx, attempt, apperr.KindPaymentTimedOut, reason, cause)
	if updated == nil {
		return nil, err
	}

	if updated.PaymentReference != "" {
		if s, ok := o.payments.Release(updated.PaymentReference); ok {
			if _, lerr := o.HandleLateSettlement(ctx, s); lerr != nil {
				log.Error("failed to apply settlement received during timeout", zap.Error(lerr))
			} else if fresh, ferr := o.store.FindByID(ctx, updated.ID); ferr == nil {
				updated = fresh
			}
		}
	}
	return updated, err
}

func (o *Orchestrator) persistCritical(ctx context.Context, id uuid.UUID, patch ledger.Patch) (*ledger.PurchaseAttempt, error) {
	attempt, err := o.critical.WithContext(ctx).Get(func() (*ledger.PurchaseAttempt, error) {
		return o.store.Update(ctx, id, patch)
	})
	if err != nil {
		return nil, fmt.Errorf("[DATABASE] failed to update attempt %s: %w", id, err)
	}
	return attempt, nil
}

func (o *Orchestrator) detectAnomaly(ctx context.Context, log *zap.Logger, req PurchaseRequest) string {
	if o.detector == nil {
		return ""
	}
	history, err := o.store.RecentVendedAmounts(ctx, req.MeterNumber, o.detector.HistoryWindow())
	if err != nil {
		log.Warn("failed to load purchase history for anomaly detection", zap.Error(err))
		return ""
	}
	spike, reason := o.detector.DetectSpike(req.GrossAmount, history)
	if !spike {
		return ""
	}
	o.metrics.AnomalyFlagged()
	log.Warn("purchase amount anomaly", zap.String("reason", reason))
	return reason
}

func (o *Orchestrator) publish(ctx context.Context, log *zap.Logger, routingKey string, a *ledger.PurchaseAttempt) {
	if o.events == nil {
		return
	}
	event := mq.PurchaseEvent{
		AttemptID:           a.ID.String(),
		MeterNumber:         a.MeterNumber,
		TenantID:            a.TenantID,
		PhoneNumber:         a.PhoneNumber,
		GrossAmount:         a.GrossAmount.StringFixed(tariff.CurrencyPlaces),
		Token:               a.Token,
		VendorTransactionID: a.VendorTransactionID,
		PaymentReference:    a.PaymentReference,
		State:               string(a.State),
		FailureKind:         a.FailureKind,
		FailureReason:       a.FailureReason,
		Unconfirmed:         a.Unconfirmed,
		OccurredAt:          o.now().UTC(),
	}
	if a.UnitsConfirmed.Valid {
		event.Units = a.UnitsConfirmed.Decimal.String()
	} else if a.Quote != nil {
		event.Units = a.Quote.EstimatedUnits.String()
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := o.events.PublishPurchaseEvent(pctx, routingKey, event); err != nil {
		// The ledger is authoritative; consumers can rebuild from it.
		log.Error("failed to publish purchase event", zap.String("routing_key", routingKey), zap.Error(err))
	}
}

// definitelyNotVended reports whether a vend error guarantees that no token
// was issued.
func definitelyNotVended(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindVendRejected, apperr.KindAuthenticationRequired, apperr.KindAuthenticationRejected,
		apperr.KindUpstreamUnavailable, apperr.KindInvalidInput:
		return true
	default:
		return false
	}
}

func retryable(op string, a *ledger.PurchaseAttempt) error {
	if a.CanRetryVend() {
		return nil
	}
	switch {
	case a.State == ledger.StateVendFailed && a.Unconfirmed:
		return apperr.Invalid(op, "attempt %s has an unconfirmed vend outcome; reconcile it before retrying", a.ID)
	case a.State == ledger.StateVendFailed && a.Quote == nil:
		return apperr.Invalid(op, "attempt %s has no tariff quote to retry with", a.ID)
	default:
		return apperr.Invalid(op, "attempt %s is %s; only failed vends can be retried", a.ID, a.State)
	}
}

func reconciledReason(outcome, note string) string {
	if note == "" {
		return "reconciled: " + outcome
	}
	return "reconciled: " + outcome + ": " + note
}
