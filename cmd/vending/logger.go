package main

import (
	"github.com/septivank/prepaid-vending-worker/internal/config"
	"github.com/septivank/prepaid-vending-worker/internal/logging"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName, cfg.Environment)
}
