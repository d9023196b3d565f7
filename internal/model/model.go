package model

import "time"

// MetricSample is one scrape of a validator's health metrics. Fields that the
// scrape did not produce are nil and serialize as JSON null; consumers must
// treat absence as "unknown", never as zero.
type MetricSample struct {
	ValidatorID     string   `json:"validator_id"`
	SlotLag         *uint64  `json:"slot_lag"`
	VoteSuccessRate *float64 `json:"vote_success_rate"`
	CPUUsage        *float64 `json:"cpu_usage"`
	RAMUsageGB      *float64 `json:"ram_usage_gb"`
	DiskUsagePct    *float64 `json:"disk_usage_pct"`
	RPCQPS          *float64 `json:"rpc_qps"`
	RPCErrorRate    *float64 `json:"rpc_error_rate"`
	// CapturedAt is the unix-seconds scrape time, stamped by the agent.
	CapturedAt int64 `json:"captured_at"`
}

// Age returns how old the sample is relative to now.
func (s MetricSample) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(s.CapturedAt, 0))
}

// Issue is the single dominant problem detected on a validator.
type Issue string

const (
	IssueHealthy        Issue = "healthy"
	IssueHighSlotLag    Issue = "high_slot_lag"
	IssueLowVoteSuccess Issue = "low_vote_success"
	IssueHighCPU        Issue = "high_cpu"
	IssueHighDisk       Issue = "high_disk"
	IssueRPCUnavailable Issue = "rpc_unavailable"
	IssueStaleMetrics   Issue = "stale_metrics"
	IssueInvalidMetrics Issue = "invalid_metrics"
)

// ActionKind identifies a remediation the validator-side agent can execute.
type ActionKind string

const (
	ActionRestartValidator ActionKind = "restart_validator"
	ActionFlushLedger      ActionKind = "flush_ledger"
	ActionRotateSnapshot   ActionKind = "rotate_snapshot"
	ActionKillProcess      ActionKind = "kill_process"
	ActionRunCommand       ActionKind = "run_command"
	ActionAdminHTTP        ActionKind = "admin_http"
)

// ActionKinds lists every executable kind, in a stable order.
var ActionKinds = []ActionKind{
	ActionRestartValidator,
	ActionFlushLedger,
	ActionRotateSnapshot,
	ActionKillProcess,
	ActionRunCommand,
	ActionAdminHTTP,
}

// ValidActionKind reports whether k is an executable kind.
func ValidActionKind(k ActionKind) bool {
	for _, known := range ActionKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Action is a remediation order addressed to one validator. ActionID is
// assigned by the broker at submit time and is unique across the process
// lifetime.
type Action struct {
	ActionID    string            `json:"action_id"`
	ValidatorID string            `json:"validator_id"`
	Kind        ActionKind        `json:"kind"`
	Params      map[string]string `json:"params,omitempty"`
	CreatedAt   int64             `json:"created_at"`
	// DeadlineMillis bounds both the agent-side execution and the broker-side
	// wait for a result.
	DeadlineMillis int64 `json:"deadline_ms"`
}

// ActionStatus is the terminal outcome of an action.
type ActionStatus string

const (
	StatusSuccess ActionStatus = "success"
	StatusFailure ActionStatus = "failure"
	StatusTimeout ActionStatus = "timeout"
)

// ActionResult reports the outcome of one action. Results synthesized by the
// broker (deadline expiry, supersede, disconnect) carry a Reason and no
// exit code.
type ActionResult struct {
	ActionID       string       `json:"action_id"`
	ValidatorID    string       `json:"validator_id"`
	Status         ActionStatus `json:"status"`
	ExitCode       *int32       `json:"exit_code"`
	StdoutTail     string       `json:"stdout_tail,omitempty"`
	StderrTail     string       `json:"stderr_tail,omitempty"`
	Reason         string       `json:"reason,omitempty"`
	DurationMillis int64        `json:"duration_ms"`
	CompletedAt    int64        `json:"completed_at"`
}

// HealthState is the per-validator state machine position maintained by the
// decision engine.
type HealthState string

const (
	StateUnknown    HealthState = "unknown"
	StateHealthy    HealthState = "healthy"
	StateDegraded   HealthState = "degraded"
	StateRecovering HealthState = "recovering"
)
