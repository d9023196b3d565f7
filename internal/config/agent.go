package config

import (
	"fmt"
	"os"
	"time"
)

// AgentConfig is the validator-side agent configuration. The agent is
// deployed per host, so everything comes from the environment rather than a
// config file.
type AgentConfig struct {
	ServerAddr     string
	ValidatorID    string
	AuthToken      string
	MetricsURL     string
	ScrapeInterval time.Duration
	ScrapeTimeout  time.Duration
	ReconnectBase  time.Duration
	ReconnectCap   time.Duration
	Executor       ExecutorConfig
}

// ExecutorConfig maps action kinds onto host-specific commands.
type ExecutorConfig struct {
	RestartCommand        []string
	FlushLedgerCommand    []string
	RotateSnapshotCommand []string
	AdminBaseURL          string
	DefaultTimeout        time.Duration
}

// LoadAgent builds the agent configuration from the environment.
func LoadAgent() (*AgentConfig, error) {
	cfg := &AgentConfig{
		ServerAddr:     envOr("EXECUTOR_SERVER_ADDR", "127.0.0.1:50051"),
		ValidatorID:    os.Getenv("VALIDATOR_ID"),
		AuthToken:      os.Getenv("VALIDATOR_AUTH_TOKEN"),
		MetricsURL:     envOr("VALIDATOR_METRICS_URL", "http://127.0.0.1:9100/metrics"),
		ScrapeInterval: time.Second,
		ScrapeTimeout:  2 * time.Second,
		ReconnectBase:  time.Second,
		ReconnectCap:   30 * time.Second,
		Executor: ExecutorConfig{
			RestartCommand:        []string{"systemctl", "restart", "solana-validator"},
			FlushLedgerCommand:    []string{"/usr/local/bin/flush-ledger.sh"},
			RotateSnapshotCommand: []string{"/usr/local/bin/rotate-snapshot.sh"},
			AdminBaseURL:          envOr("VALIDATOR_ADMIN_URL", "http://127.0.0.1:8899"),
			DefaultTimeout:        30 * time.Second,
		},
	}

	if cfg.ValidatorID == "" {
		return nil, fmt.Errorf("VALIDATOR_ID is required")
	}
	if cfg.AuthToken == "" {
		return nil, fmt.Errorf("VALIDATOR_AUTH_TOKEN is required")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
