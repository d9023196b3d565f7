package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrAuthState marks configuration whose stored credential material cannot be
// used: the daemon must refuse to start rather than run with a verifier that
// rejects everyone.
var ErrAuthState = errors.New("authentication state corrupted")

// Config is the control-plane daemon configuration.
type Config struct {
	Broker     BrokerConfig      `yaml:"broker"`
	Engine     EngineConfig      `yaml:"engine"`
	Mirror     MirrorConfig      `yaml:"mirror"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	Logging    LoggingConfig     `yaml:"logging"`
	Validators []ValidatorConfig `yaml:"validators"`
}

// ValidatorConfig registers one validator allowed to open a session.
// AuthTokenHash is hex(HMAC-SHA256(pepper, token)).
type ValidatorConfig struct {
	ID            string `yaml:"id"`
	Host          string `yaml:"host"`
	AuthTokenHash string `yaml:"auth_token_hash"`
}

// BrokerConfig holds the session broker settings.
type BrokerConfig struct {
	ListenAddr          string        `yaml:"listen_addr"`
	AuthPepper          string        `yaml:"auth_pepper"`
	OutboundQueueSize   int           `yaml:"outbound_queue_size"`
	SubscriberQueueSize int           `yaml:"subscriber_queue_size"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	ShutdownGrace       time.Duration `yaml:"shutdown_grace"`
	AuthFailureLimit    int           `yaml:"auth_failure_limit"`
	AuthFailureWindow   time.Duration `yaml:"auth_failure_window"`
}

// EngineConfig holds the decision-engine thresholds and pacing.
type EngineConfig struct {
	StaleThreshold    time.Duration `yaml:"stale_threshold"`
	SlotLagThreshold  uint64        `yaml:"slot_lag_threshold"`
	VoteSuccessFloor  float64       `yaml:"vote_success_floor"`
	CPUThreshold      float64       `yaml:"cpu_threshold"`
	CPUStreak         int           `yaml:"cpu_streak"`
	DiskThreshold     float64       `yaml:"disk_threshold"`
	RPCErrorThreshold float64       `yaml:"rpc_error_threshold"`
	RPCQPSFloor       float64       `yaml:"rpc_qps_floor"`
	Cooldown          time.Duration `yaml:"cooldown"`
	ActionCap         int           `yaml:"action_cap"`
	ActionCapWindow   time.Duration `yaml:"action_cap_window"`
	ActionDeadline    time.Duration `yaml:"action_deadline"`
	MaxSubmitWait     time.Duration `yaml:"max_submit_wait"`
	LLM               LLMConfig     `yaml:"llm"`
}

// LLMConfig configures the optional planning backend. The API key is never
// stored in the file; it is read from the environment variable named by
// APIKeyEnv.
type LLMConfig struct {
	Enabled     bool          `yaml:"enabled"`
	APIBase     string        `yaml:"api_base"`
	Model       string        `yaml:"model"`
	APIKeyEnv   string        `yaml:"api_key_env"`
	Timeout     time.Duration `yaml:"timeout"`
	Temperature float64       `yaml:"temperature"`
}

// MirrorConfig configures the latest-metrics KV mirror.
type MirrorConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
}

// MetricsConfig configures the prometheus HTTP endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads, defaults, and validates the daemon configuration.
// EXECUTOR_LISTEN_ADDR overrides broker.listen_addr when set.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if addr := os.Getenv("EXECUTOR_LISTEN_ADDR"); addr != "" {
		cfg.Broker.ListenAddr = addr
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Broker.ListenAddr == "" {
		c.Broker.ListenAddr = "0.0.0.0:50051"
	}
	if c.Broker.OutboundQueueSize == 0 {
		c.Broker.OutboundQueueSize = 64
	}
	if c.Broker.SubscriberQueueSize == 0 {
		c.Broker.SubscriberQueueSize = 256
	}
	if c.Broker.SweepInterval == 0 {
		c.Broker.SweepInterval = time.Second
	}
	if c.Broker.ShutdownGrace == 0 {
		c.Broker.ShutdownGrace = 2 * time.Second
	}
	if c.Broker.AuthFailureLimit == 0 {
		c.Broker.AuthFailureLimit = 5
	}
	if c.Broker.AuthFailureWindow == 0 {
		c.Broker.AuthFailureWindow = time.Minute
	}

	if c.Engine.StaleThreshold == 0 {
		c.Engine.StaleThreshold = 60 * time.Second
	}
	if c.Engine.SlotLagThreshold == 0 {
		c.Engine.SlotLagThreshold = 150
	}
	if c.Engine.VoteSuccessFloor == 0 {
		c.Engine.VoteSuccessFloor = 0.80
	}
	if c.Engine.CPUThreshold == 0 {
		c.Engine.CPUThreshold = 0.95
	}
	if c.Engine.CPUStreak == 0 {
		c.Engine.CPUStreak = 3
	}
	if c.Engine.DiskThreshold == 0 {
		c.Engine.DiskThreshold = 92
	}
	if c.Engine.RPCErrorThreshold == 0 {
		c.Engine.RPCErrorThreshold = 0.50
	}
	if c.Engine.RPCQPSFloor == 0 {
		c.Engine.RPCQPSFloor = 1.0
	}
	if c.Engine.Cooldown == 0 {
		c.Engine.Cooldown = 120 * time.Second
	}
	if c.Engine.ActionCap == 0 {
		c.Engine.ActionCap = 5
	}
	if c.Engine.ActionCapWindow == 0 {
		c.Engine.ActionCapWindow = 10 * time.Minute
	}
	if c.Engine.ActionDeadline == 0 {
		c.Engine.ActionDeadline = 30 * time.Second
	}
	if c.Engine.MaxSubmitWait == 0 {
		c.Engine.MaxSubmitWait = 5 * time.Second
	}

	if c.Engine.LLM.APIBase == "" {
		c.Engine.LLM.APIBase = "https://api.openai.com/v1"
	}
	if c.Engine.LLM.Model == "" {
		c.Engine.LLM.Model = "gpt-4o-mini"
	}
	if c.Engine.LLM.APIKeyEnv == "" {
		c.Engine.LLM.APIKeyEnv = "LLM_API_KEY"
	}
	if c.Engine.LLM.Timeout == 0 {
		c.Engine.LLM.Timeout = 10 * time.Second
	}

	if c.Mirror.RedisAddr == "" {
		c.Mirror.RedisAddr = "localhost:6379"
	}
	if c.Mirror.TTL == 0 {
		c.Mirror.TTL = 5 * time.Minute
	}

	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9091
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks the configuration for internal consistency. Credential
// material that cannot be decoded returns an error wrapping ErrAuthState.
func (c *Config) Validate() error {
	if c.Broker.ListenAddr == "" {
		return fmt.Errorf("broker.listen_addr is required")
	}
	if c.Broker.AuthPepper == "" {
		return fmt.Errorf("broker.auth_pepper is required")
	}
	seen := make(map[string]bool, len(c.Validators))
	for i, v := range c.Validators {
		if v.ID == "" {
			return fmt.Errorf("validators[%d]: id is required", i)
		}
		if seen[v.ID] {
			return fmt.Errorf("validators[%d]: duplicate id %q", i, v.ID)
		}
		seen[v.ID] = true
		raw, err := hex.DecodeString(v.AuthTokenHash)
		if err != nil {
			return fmt.Errorf("%w: validator %q auth_token_hash is not hex", ErrAuthState, v.ID)
		}
		if len(raw) != 32 {
			return fmt.Errorf("%w: validator %q auth_token_hash must be 32 bytes, got %d", ErrAuthState, v.ID, len(raw))
		}
	}
	if c.Engine.VoteSuccessFloor < 0 || c.Engine.VoteSuccessFloor > 1 {
		return fmt.Errorf("engine.vote_success_floor must be in [0,1]")
	}
	if c.Engine.CPUThreshold < 0 || c.Engine.CPUThreshold > 1 {
		return fmt.Errorf("engine.cpu_threshold must be in [0,1]")
	}
	if c.Engine.DiskThreshold < 0 || c.Engine.DiskThreshold > 100 {
		return fmt.Errorf("engine.disk_threshold must be in [0,100]")
	}
	return nil
}
