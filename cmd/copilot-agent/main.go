package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/stakeops/validator-copilot/internal/agent"
	"github.com/stakeops/validator-copilot/internal/config"
)

const (
	exitOK     = 0
	exitConfig = 1
)

func main() {
	os.Exit(run())
}

func run() int {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.LoadAgent()
	if err != nil {
		logger.Error("Failed to load agent configuration", zap.Error(err))
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Agent starting",
		zap.String("validator_id", cfg.ValidatorID),
		zap.String("server", cfg.ServerAddr),
		zap.String("metrics_url", cfg.MetricsURL))

	a := agent.New(cfg, logger)
	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("Agent stopped unexpectedly", zap.Error(err))
		return exitConfig
	}

	logger.Info("Agent stopped")
	return exitOK
}
