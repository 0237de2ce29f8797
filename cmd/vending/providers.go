package main

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/septivank/prepaid-vending-worker/internal/anomaly"
	"github.com/septivank/prepaid-vending-worker/internal/api"
	"github.com/septivank/prepaid-vending-worker/internal/config"
	"github.com/septivank/prepaid-vending-worker/internal/db"
	"github.com/septivank/prepaid-vending-worker/internal/ledger"
	"github.com/septivank/prepaid-vending-worker/internal/metrics"
	"github.com/septivank/prepaid-vending-worker/internal/mq"
	"github.com/septivank/prepaid-vending-worker/internal/payment"
	"github.com/septivank/prepaid-vending-worker/internal/service"
	"github.com/septivank/prepaid-vending-worker/internal/validator"
	"github.com/septivank/prepaid-vending-worker/internal/vendor"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL)
}

// ProvideLedger backs the ledger with PostgreSQL
func ProvideLedger(pool *db.Pool) ledger.Store {
	return ledger.NewPostgresStore(pool)
}

// ProvideRedis creates the region cache client. Without REDIS_ADDR the cache
// is disabled and regions are always fetched from the vendor.
func ProvideRedis(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) goredis.UniversalClient {
	if cfg.Redis.Addr == "" {
		logger.Warn("REDIS_ADDR not set; region cache disabled")
		return nil
	}

	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:    []string{cfg.Redis.Addr},
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// The cache is optional; an unreachable Redis only costs vendor calls.
			if err := client.Ping(ctx).Err(); err != nil {
				logger.Warn("[REDIS] ping failed; region cache will miss", zap.Error(err))
				return nil
			}
			logger.Info("redis connection established", zap.String("addr", cfg.Redis.Addr))
			return nil
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})

	return client
}

// ProvideMetrics creates the Prometheus registry
func ProvideMetrics() *metrics.Metrics {
	return metrics.New()
}

// ProvideValidator creates a new validator instance
func ProvideValidator(cfg *config.Config) *validator.Validator {
	return validator.NewValidator(cfg.Vending.MinAmount, cfg.Vending.MaxAmount)
}

// ProvideAnomalyDetector creates a new anomaly detector instance
func ProvideAnomalyDetector(cfg *config.Config) *anomaly.Detector {
	return anomaly.NewDetector(
		cfg.Anomaly.SpikeThreshold,
		cfg.Anomaly.MinDataPointsForDetection,
		cfg.Anomaly.HistoryWindow,
	)
}

// ProvideVendorAPI creates the shared vendor transport
func ProvideVendorAPI(cfg *config.Config, logger *zap.Logger) *vendor.API {
	return vendor.NewAPI(vendor.APIConfig{
		BaseURL:        cfg.Vendor.BaseURL,
		Timeout:        cfg.Vendor.HTTPTimeout,
		MaxRetries:     cfg.Vendor.MaxRetries,
		RateLimitRPS:   cfg.Vendor.RateLimitRPS,
		RateLimitBurst: cfg.Vendor.RateLimitBurst,
	}, logger)
}

// ProvideChallengeBroker creates the login challenge registry
func ProvideChallengeBroker(vendorAPI *vendor.API, cfg *config.Config, logger *zap.Logger) *vendor.ChallengeBroker {
	return vendor.NewChallengeBroker(vendorAPI, cfg.Vendor.ChallengeTTL, logger)
}

// ProvideCredentialManager creates the vendor credential owner
func ProvideCredentialManager(vendorAPI *vendor.API, broker *vendor.ChallengeBroker, cfg *config.Config, logger *zap.Logger) *vendor.CredentialManager {
	creds := vendor.NewCredentialManager(vendorAPI, broker, cfg.Vendor.Username, cfg.Vendor.Password, cfg.Vendor.TokenTTL, logger)
	if cfg.IsDevelopment() && cfg.Vendor.DevAutoCode != "" {
		creds.EnableDevAutoSolve(cfg.Vendor.DevAutoCode)
	}
	return creds
}

// ProvideVendorClient creates the vending client
func ProvideVendorClient(vendorAPI *vendor.API, creds *vendor.CredentialManager, logger *zap.Logger) *vendor.Client {
	return vendor.NewClient(vendorAPI, creds, logger)
}

// ProvideRegionCache creates the Redis-backed region list
func ProvideRegionCache(client goredis.UniversalClient, vendorClient *vendor.Client, cfg *config.Config, logger *zap.Logger) *vendor.RegionCache {
	return vendor.NewRegionCache(client, vendorClient, cfg.Redis.RegionCacheTTL, logger)
}

// ProvidePaymentHub creates the settlement hub
func ProvidePaymentHub(cfg *config.Config, logger *zap.Logger) *payment.Hub {
	return payment.NewHub(cfg.Payment.SettlementRetention, logger)
}

// ProvidePaymentInitiator creates the mobile-money client
func ProvidePaymentInitiator(hub *payment.Hub, cfg *config.Config, logger *zap.Logger) *payment.Initiator {
	return payment.NewInitiator(payment.Config{
		BaseURL: cfg.Payment.BaseURL,
		APIKey:  cfg.Payment.APIKey,
		Timeout: cfg.Payment.HTTPTimeout,
	}, hub, logger)
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher creates the purchase event publisher
func ProvidePublisher(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	publisher, err := mq.NewPublisher(conn, cfg.RabbitMQ.EventsExchange, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

// ProvideOrchestrator wires the purchase pipeline
func ProvideOrchestrator(
	store ledger.Store,
	vendorClient *vendor.Client,
	initiator *payment.Initiator,
	publisher *mq.Publisher,
	detector *anomaly.Detector,
	v *validator.Validator,
	m *metrics.Metrics,
	cfg *config.Config,
	logger *zap.Logger,
) *service.Orchestrator {
	return service.NewOrchestrator(store, vendorClient, initiator, publisher, detector, v, m, service.Options{
		FeePercent:          cfg.Vending.FeePercent,
		TariffRate:          cfg.Vending.TariffRate,
		ConfirmationTimeout: cfg.Payment.ConfirmationTimeout,
		RecoverStaleAfter:   cfg.Vending.RecoverStaleAfter,
	}, logger)
}

func startSettlementConsumer(
	lc fx.Lifecycle,
	conn *mq.Connection,
	hub *payment.Hub,
	orch *service.Orchestrator,
	m *metrics.Metrics,
	cfg *config.Config,
	logger *zap.Logger,
) error {
	hub.SetLateHandler(orch.HandleLateSettlement)

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:    conn,
		Queue:         cfg.RabbitMQ.SettlementQueue,
		DLQQueue:      cfg.RabbitMQ.SettlementDLQQueue,
		Exchange:      cfg.RabbitMQ.SettlementExchange,
		RoutingKey:    cfg.RabbitMQ.SettlementRoutingKey,
		PrefetchCount: cfg.RabbitMQ.PrefetchCount,
		Logger:        logger,
		Handler: func(ctx context.Context, body []byte) error {
			m.SettlementReceived("mq")
			return hub.HandleMessage(ctx, body)
		},
	})
	if err != nil {
		return err
	}

	consumer.RegisterLifecycle(lc)
	return nil
}

// recoverInterrupted repairs attempts a previous process left mid-flight
// before any new purchase is accepted.
func recoverInterrupted(lc fx.Lifecycle, orch *service.Orchestrator, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			n, err := orch.RecoverInterrupted(ctx)
			if err != nil {
				logger.Error("failed to recover interrupted purchases", zap.Int("recovered", n), zap.Error(err))
			}
			return nil
		},
	})
}

func startHTTPServer(
	lc fx.Lifecycle,
	cfg *config.Config,
	orch *service.Orchestrator,
	store ledger.Store,
	vendorClient *vendor.Client,
	regions *vendor.RegionCache,
	broker *vendor.ChallengeBroker,
	creds *vendor.CredentialManager,
	hub *payment.Hub,
	v *validator.Validator,
	m *metrics.Metrics,
	pool *db.Pool,
	logger *zap.Logger,
) {
	app := api.New(api.Config{
		JWTSecret:       cfg.HTTP.JWTSecret,
		CallbackSecret:  cfg.Payment.CallbackSecret,
		BodyLimitBytes:  cfg.HTTP.BodyLimitBytes,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		RateLimitMax:    cfg.HTTP.RateLimitMax,
		RateLimitWindow: cfg.HTTP.RateLimitWindow,
	}, api.Deps{
		Purchases:   orch,
		Attempts:    store,
		Meters:      vendorClient,
		Regions:     regions,
		Challenges:  broker,
		Vendor:      creds,
		Settlements: hub.HandleMessage,
		Validator:   v,
		Metrics:     m,
		Health:      pool.Ping,
		Logger:      logger,
	})

	addr := fmt.Sprintf(":%d", cfg.ServicePort)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := app.Listen(addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
			}()
			logger.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return app.ShutdownWithContext(ctx)
		},
	})
}
