package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/septivank/prepaid-vending-worker/internal/apperr"
	"github.com/septivank/prepaid-vending-worker/internal/service"
	"github.com/septivank/prepaid-vending-worker/internal/vendor"
	"go.uber.org/zap"
)

type meterLookup struct {
	MeterNumber string `json:"meter_number" validate:"required,meter"`
}

type loginRequest struct {
	ChallengeID string `json:"challenge_id" validate:"required"`
	Code        string `json:"code" validate:"required,max=32"`
}

func bind(c *fiber.Ctx, dst interface{}) error {
	if err := c.BodyParser(dst); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	return nil
}

func attemptID(c *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, apperr.Invalid("api.attempt_id", "invalid attempt id %q", c.Params("id"))
	}
	return id, nil
}

func (h *handlers) createPurchase(c *fiber.Ctx) error {
	var req service.PurchaseRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	// Tenants can only buy for themselves.
	if claims := claimsFrom(c); claims.Role == RoleTenant {
		req.TenantID = claims.TenantID
	}

	attempt, err := h.Purchases.Purchase(c.UserContext(), req)
	if err != nil {
		return withAttempt(err, attempt)
	}
	return c.Status(fiber.StatusCreated).JSON(attempt)
}

func (h *handlers) getPurchase(c *fiber.Ctx) error {
	id, err := attemptID(c)
	if err != nil {
		return err
	}
	attempt, err := h.Attempts.FindByID(c.UserContext(), id)
	if err != nil {
		return err
	}
	if claims := claimsFrom(c); claims.Role == RoleTenant && claims.TenantID != attempt.TenantID {
		return apperr.New(apperr.KindNotFound, "api.get_purchase", "purchase attempt not found")
	}
	return c.JSON(attempt)
}

func (h *handlers) retryVend(c *fiber.Ctx) error {
	id, err := attemptID(c)
	if err != nil {
		return err
	}
	attempt, err := h.Purchases.RetryVend(c.UserContext(), id)
	if err != nil {
		return withAttempt(err, attempt)
	}
	return c.JSON(attempt)
}

func (h *handlers) resolveAmbiguous(c *fiber.Ctx) error {
	id, err := attemptID(c)
	if err != nil {
		return err
	}
	var res service.Resolution
	if err := bind(c, &res); err != nil {
		return err
	}
	attempt, err := h.Purchases.ResolveAmbiguous(c.UserContext(), id, res)
	if err != nil {
		return err
	}
	h.Logger.Info("ambiguous vend resolved",
		zap.String("attempt_id", id.String()),
		zap.String("operator", claimsFrom(c).Subject),
		zap.Bool("vended", res.Vended),
	)
	return c.JSON(attempt)
}

func (h *handlers) checkMeter(c *fiber.Ctx) error {
	q := meterLookup{MeterNumber: c.Params("meter")}
	if err := h.Validator.Struct("api.check_meter", q); err != nil {
		return err
	}
	res, err := h.Meters.CheckMeter(c.UserContext(), q.MeterNumber)
	if err != nil {
		return err
	}
	return c.JSON(res)
}

func (h *handlers) listRegions(c *fiber.Ctx) error {
	regions, err := h.Regions.Regions(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"regions": regions})
}

func (h *handlers) listSubClasses(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"sub_classes": vendor.SubClasses()})
}

func (h *handlers) createMaintenanceToken(c *fiber.Ctx) error {
	var req service.MaintenanceRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	tok, err := h.Purchases.GenerateMaintenanceToken(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"token":                 tok.Token,
		"explain":               tok.Explain,
		"vendor_transaction_id": tok.VendorTransactionID,
	})
}

func (h *handlers) vendorSession(c *fiber.Ctx) error {
	return c.JSON(h.Vendor.Session())
}

func (h *handlers) vendorChallenge(c *fiber.Ctx) error {
	ch, err := h.Challenges.RequestChallenge(c.UserContext())
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(ch)
}

func (h *handlers) vendorLogin(c *fiber.Ctx) error {
	var req loginRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := h.Validator.Struct("api.vendor_login", req); err != nil {
		return err
	}

	if _, err := h.Vendor.Login(c.UserContext(), req.ChallengeID, req.Code); err != nil {
		h.Metrics.VendorLogin(string(apperr.KindOf(err)))
		return err
	}
	h.Metrics.VendorLogin("ok")
	h.Logger.Info("vendor login completed", zap.String("operator", claimsFrom(c).Subject))
	return c.JSON(h.Vendor.Session())
}

func (h *handlers) paymentCallback(c *fiber.Ctx) error {
	h.Metrics.SettlementReceived("callback")
	if err := h.Settlements(c.UserContext(), c.Body()); err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "accepted"})
}

func (h *handlers) health(c *fiber.Ctx) error {
	body := fiber.Map{"status": "ok"}
	if h.Vendor != nil {
		body["vendor_session"] = h.Vendor.Session().State
	}
	if h.Health != nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if err := h.Health(ctx); err != nil {
			h.Logger.Warn("health check failed", zap.Error(err))
			body["status"] = "degraded"
			return c.Status(fiber.StatusServiceUnavailable).JSON(body)
		}
	}
	return c.JSON(body)
}
