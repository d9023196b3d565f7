package engine

import "github.com/stakeops/validator-copilot/internal/model"

// Feature weights for the composite risk score. They sum to 1; when a field
// is absent its weight leaves the normalizer so the remaining features keep
// their relative importance.
const (
	weightSlotLag  = 0.35
	weightVote     = 0.25
	weightCPU      = 0.15
	weightDisk     = 0.15
	weightRPCError = 0.10

	// slotLagSaturation is the lag, in slots, at which the slot-lag feature
	// maxes out.
	slotLagSaturation = 300
)

// RiskScore computes the weighted composite severity of a sample, in [0,1].
func RiskScore(s model.MetricSample) float64 {
	var sum, norm float64

	if s.SlotLag != nil {
		f := float64(*s.SlotLag) / slotLagSaturation
		if f > 1 {
			f = 1
		}
		sum += weightSlotLag * f
		norm += weightSlotLag
	}
	if s.VoteSuccessRate != nil {
		sum += weightVote * clampUnit(1-*s.VoteSuccessRate)
		norm += weightVote
	}
	if s.CPUUsage != nil {
		sum += weightCPU * clampUnit(*s.CPUUsage)
		norm += weightCPU
	}
	if s.DiskUsagePct != nil {
		sum += weightDisk * clampUnit(*s.DiskUsagePct/100)
		norm += weightDisk
	}
	if s.RPCErrorRate != nil {
		sum += weightRPCError * clampUnit(*s.RPCErrorRate)
		norm += weightRPCError
	}

	if norm == 0 {
		return 0
	}
	return clampUnit(sum / norm)
}

func clampUnit(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
