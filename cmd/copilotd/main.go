package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"

	"github.com/stakeops/validator-copilot/internal/broker"
	"github.com/stakeops/validator-copilot/internal/config"
	"github.com/stakeops/validator-copilot/internal/engine"
	"github.com/stakeops/validator-copilot/internal/metrics"
	"github.com/stakeops/validator-copilot/internal/mirror"
	"github.com/stakeops/validator-copilot/internal/wire"
)

const (
	exitOK        = 0
	exitConfig    = 1
	exitBind      = 2
	exitAuthState = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	bootLogger, _ := zap.NewProduction()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		bootLogger.Error("Failed to load configuration",
			zap.String("path", configPath), zap.Error(err))
		if errors.Is(err, config.ErrAuthState) {
			return exitAuthState
		}
		return exitConfig
	}

	logger := buildLogger(cfg.Logging)
	defer logger.Sync()

	m := metrics.New(prometheus.DefaultRegisterer)
	b := broker.New(cfg.Broker, cfg.Validators, logger, m)

	var planner engine.Planner
	if cfg.Engine.LLM.Enabled {
		p, err := engine.NewLLMPlanner(cfg.Engine.LLM, logger)
		if err != nil {
			logger.Error("Failed to configure planner", zap.Error(err))
			return exitConfig
		}
		planner = p
		logger.Info("LLM planner enabled", zap.String("model", cfg.Engine.LLM.Model))
	}
	eng := engine.New(cfg.Engine, engine.BrokerSubmitter{Broker: b}, planner, logger, m)

	listener, err := net.Listen("tcp", cfg.Broker.ListenAddr)
	if err != nil {
		logger.Error("Failed to bind listen address",
			zap.String("addr", cfg.Broker.ListenAddr), zap.Error(err))
		return exitBind
	}

	grpcServer := grpc.NewServer()
	wire.RegisterControlPlaneServer(grpcServer, broker.NewSessionServer(b, logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Port, logger)
		metricsServer.Start()
	}

	go b.Run(ctx)
	go eng.Run(ctx, b.SubscribeMetrics("engine").C())

	if cfg.Mirror.Enabled {
		store, err := mirror.NewRedisStore(cfg.Mirror.RedisAddr, cfg.Mirror.RedisPassword, cfg.Mirror.RedisDB)
		if err != nil {
			logger.Error("Failed to connect mirror store", zap.Error(err))
			return exitConfig
		}
		defer store.Close()
		go mirror.New(store, cfg.Mirror.TTL, logger).Run(ctx, b.SubscribeMetrics("mirror").C())
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	logger.Info("Control plane listening",
		zap.String("addr", cfg.Broker.ListenAddr),
		zap.Int("validators", len(cfg.Validators)))

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
		b.Shutdown()
		grpcServer.GracefulStop()
		if metricsServer != nil {
			if err := metricsServer.Stop(); err != nil {
				logger.Warn("Metrics server stop failed", zap.Error(err))
			}
		}
		logger.Info("Shutdown complete")
		return exitOK
	case err := <-serveErr:
		logger.Error("gRPC server failed", zap.Error(err))
		return exitBind
	}
}

func buildLogger(cfg config.LoggingConfig) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg.Encoding = "console"
	}
	if level, err := zapcore.ParseLevel(cfg.Level); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	logger, err := zcfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
