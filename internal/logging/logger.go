package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a new structured logger
func NewLogger(serviceName, environment string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if environment == "development" {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	config.InitialFields = map[string]interface{}{
		"service":     serviceName,
		"environment": environment,
	}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return logger, nil
}

// WithAttemptID returns a logger with attempt_id field
func WithAttemptID(logger *zap.Logger, attemptID string) *zap.Logger {
	return logger.With(zap.String("attempt_id", attemptID))
}

// WithMeter returns a logger with meter_number field
func WithMeter(logger *zap.Logger, meterNumber string) *zap.Logger {
	return logger.With(zap.String("meter_number", meterNumber))
}

// MaskToken keeps only the last four characters of a secret for log output.
func MaskToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return "****" + token[len(token)-4:]
}
