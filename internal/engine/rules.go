package engine

import (
	"math"
	"time"

	"github.com/stakeops/validator-copilot/internal/model"
)

// classify applies the ordered rule chain to a sample and returns the single
// dominant issue. The CPU streak counter on st is updated as a side effect.
func (e *Engine) classify(sample model.MetricSample, st *validatorState, now time.Time) model.Issue {
	if sample.Age(now) > e.cfg.StaleThreshold {
		st.cpuStreak = 0
		return model.IssueStaleMetrics
	}
	if !validSample(sample) {
		st.cpuStreak = 0
		return model.IssueInvalidMetrics
	}

	// A single hot sample is not actionable; the streak has to reach the
	// configured run length before HighCPU fires.
	if *sample.CPUUsage > e.cfg.CPUThreshold {
		st.cpuStreak++
	} else {
		st.cpuStreak = 0
	}

	switch {
	case *sample.SlotLag > e.cfg.SlotLagThreshold:
		return model.IssueHighSlotLag
	case *sample.VoteSuccessRate < e.cfg.VoteSuccessFloor:
		return model.IssueLowVoteSuccess
	case st.cpuStreak >= e.cfg.CPUStreak:
		return model.IssueHighCPU
	case *sample.DiskUsagePct > e.cfg.DiskThreshold:
		return model.IssueHighDisk
	case *sample.RPCErrorRate > e.cfg.RPCErrorThreshold && qps(sample) < e.cfg.RPCQPSFloor:
		return model.IssueRPCUnavailable
	default:
		return model.IssueHealthy
	}
}

// validSample checks that the fields the rule chain dereferences are present
// and inside their domains. ram_usage_gb and rpc_qps stay optional.
func validSample(s model.MetricSample) bool {
	if s.SlotLag == nil || s.VoteSuccessRate == nil || s.CPUUsage == nil ||
		s.DiskUsagePct == nil || s.RPCErrorRate == nil {
		return false
	}
	if !inUnit(*s.VoteSuccessRate) || !inUnit(*s.CPUUsage) || !inUnit(*s.RPCErrorRate) {
		return false
	}
	if !finite(*s.DiskUsagePct) || *s.DiskUsagePct < 0 || *s.DiskUsagePct > 100 {
		return false
	}
	if s.RAMUsageGB != nil && (!finite(*s.RAMUsageGB) || *s.RAMUsageGB < 0) {
		return false
	}
	if s.RPCQPS != nil && (!finite(*s.RPCQPS) || *s.RPCQPS < 0) {
		return false
	}
	return true
}

func qps(s model.MetricSample) float64 {
	if s.RPCQPS == nil {
		return 0
	}
	return *s.RPCQPS
}

func inUnit(v float64) bool {
	return finite(v) && v >= 0 && v <= 1
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
