package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/septivank/prepaid-vending-worker/internal/ledger"
	"github.com/septivank/prepaid-vending-worker/internal/metrics"
	"github.com/septivank/prepaid-vending-worker/internal/service"
	"github.com/septivank/prepaid-vending-worker/internal/validator"
	"github.com/septivank/prepaid-vending-worker/internal/vendor"
	"go.uber.org/zap"
)

// Purchaser runs the purchase pipeline.
type Purchaser interface {
	Purchase(ctx context.Context, req service.PurchaseRequest) (*ledger.PurchaseAttempt, error)
	RetryVend(ctx context.Context, id uuid.UUID) (*ledger.PurchaseAttempt, error)
	ResolveAmbiguous(ctx context.Context, id uuid.UUID, res service.Resolution) (*ledger.PurchaseAttempt, error)
	GenerateMaintenanceToken(ctx context.Context, req service.MaintenanceRequest) (vendor.MaintenanceToken, error)
}

// AttemptFinder reads ledger entries.
type AttemptFinder interface {
	FindByID(ctx context.Context, id uuid.UUID) (*ledger.PurchaseAttempt, error)
}

// MeterChecker looks meters up at the vendor.
type MeterChecker interface {
	CheckMeter(ctx context.Context, meterNumber string) (vendor.MeterValidationResult, error)
}

// RegionSource lists vendor regions.
type RegionSource interface {
	Regions(ctx context.Context) ([]vendor.Region, error)
}

// ChallengeSource fetches login challenges for an operator to solve.
type ChallengeSource interface {
	RequestChallenge(ctx context.Context) (vendor.Challenge, error)
}

// Authenticator performs and reports the vendor login.
type Authenticator interface {
	Login(ctx context.Context, challengeID, solvedCode string) (vendor.VendorCredential, error)
	Session() vendor.Session
}

// Config holds the HTTP surface settings.
type Config struct {
	JWTSecret       string
	CallbackSecret  string
	BodyLimitBytes  int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Purchases   Purchaser
	Attempts    AttemptFinder
	Meters      MeterChecker
	Regions     RegionSource
	Challenges  ChallengeSource
	Vendor      Authenticator
	Settlements func(ctx context.Context, body []byte) error
	Validator   *validator.Validator
	Metrics     *metrics.Metrics
	// Health is optional; it reports backing store reachability.
	Health func(ctx context.Context) error
	Logger *zap.Logger
}

type handlers struct {
	Deps
}

// New builds the fiber app with every route registered.
func New(cfg Config, deps Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          ErrorHandler(deps.Logger),
		BodyLimit:             cfg.BodyLimitBytes,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())

	h := &handlers{Deps: deps}

	app.Get("/healthz", h.health)
	app.Get("/metrics", adaptor.HTTPHandler(deps.Metrics.Handler()))

	api := app.Group("/api")
	if cfg.RateLimitMax > 0 {
		api.Use(limiter.New(limiter.Config{
			Max:        cfg.RateLimitMax,
			Expiration: cfg.RateLimitWindow,
		}))
	}

	api.Post("/payments/callback", requireCallbackSecret(cfg.CallbackSecret), h.paymentCallback)

	secret := []byte(cfg.JWTSecret)
	anyone := requireRole(secret, RoleTenant, RoleOperator)
	operator := requireRole(secret, RoleOperator)

	api.Post("/purchases", anyone, h.createPurchase)
	api.Get("/purchases/:id", anyone, h.getPurchase)
	api.Post("/purchases/:id/retry", operator, h.retryVend)
	api.Post("/purchases/:id/resolve", operator, h.resolveAmbiguous)

	api.Get("/meters/:meter", anyone, h.checkMeter)
	api.Get("/regions", anyone, h.listRegions)

	api.Get("/maintenance-tokens/sub-classes", operator, h.listSubClasses)
	api.Post("/maintenance-tokens", operator, h.createMaintenanceToken)

	api.Get("/vendor/session", operator, h.vendorSession)
	api.Post("/vendor/challenge", operator, h.vendorChallenge)
	api.Post("/vendor/login", operator, h.vendorLogin)

	return app
}
