package api

import (
	"errors"

	playground "github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/septivank/prepaid-vending-worker/internal/apperr"
	"github.com/septivank/prepaid-vending-worker/internal/ledger"
	"github.com/septivank/prepaid-vending-worker/internal/validator"
	"go.uber.org/zap"
)

// attemptError carries the ledger entry of a purchase that failed part way,
// so the client still learns its id and state.
type attemptError struct {
	attempt *ledger.PurchaseAttempt
	err     error
}

func (e *attemptError) Error() string { return e.err.Error() }
func (e *attemptError) Unwrap() error { return e.err }

func withAttempt(err error, a *ledger.PurchaseAttempt) error {
	if a == nil {
		return err
	}
	return &attemptError{attempt: a, err: err}
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalidInput:
		return fiber.StatusBadRequest
	case apperr.KindNotFound:
		return fiber.StatusNotFound
	case apperr.KindAuthenticationRequired:
		return fiber.StatusUnauthorized
	case apperr.KindAuthenticationRejected:
		return fiber.StatusConflict
	case apperr.KindChargeRejected, apperr.KindPaymentTimedOut:
		return fiber.StatusPaymentRequired
	case apperr.KindVendRejected, apperr.KindAmbiguousVendOutcome:
		return fiber.StatusAccepted
	case apperr.KindUpstreamError:
		return fiber.StatusBadGateway
	case apperr.KindUpstreamUnavailable:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// ErrorHandler renders every handler error as JSON and keeps internal
// details out of responses.
func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(fiber.Map{"message": fe.Message})
		}

		kind := apperr.KindOf(err)
		status := statusFor(kind)
		body := fiber.Map{
			"kind":    string(kind),
			"message": apperr.ReasonOf(err),
		}

		var ve playground.ValidationErrors
		if kind == apperr.KindInvalidInput && errors.As(err, &ve) {
			status = fiber.StatusUnprocessableEntity
			body["message"] = "validation failed"
			body["errors"] = validator.Fields(ve)
		}

		var ae *attemptError
		if errors.As(err, &ae) {
			body["attempt"] = ae.attempt
			if tokenOwed(ae.attempt, kind) {
				// Money was taken; the token is owed.
				status = fiber.StatusAccepted
				body["message"] = "payment received, token pending"
				body["reason"] = apperr.ReasonOf(err)
			}
		}

		if status == fiber.StatusInternalServerError {
			logger.Error("request failed",
				zap.String("method", c.Method()),
				zap.String("path", c.Path()),
				zap.Error(err),
			)
			body["message"] = "internal server error"
		}

		return c.Status(status).JSON(body)
	}
}

func tokenOwed(a *ledger.PurchaseAttempt, kind apperr.Kind) bool {
	if a.State != ledger.StateVendFailed || a.PaymentStatus != ledger.PaymentConfirmed {
		return false
	}
	switch kind {
	case apperr.KindInvalidInput, apperr.KindNotFound, apperr.KindInternal:
		return false
	}
	return true
}
