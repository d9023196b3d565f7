package engine

import "github.com/stakeops/validator-copilot/internal/model"

// ActionSpec is a planned remediation before the broker assigns identity and
// timing.
type ActionSpec struct {
	Kind   model.ActionKind
	Params map[string]string
}

// Rulebook is the static issue-to-remediation table used when the LLM path
// is disabled or fails.
type Rulebook map[model.Issue][]ActionSpec

// DefaultRulebook returns the built-in remediation table. StaleMetrics and
// InvalidMetrics have no entry: a broken scrape cannot be fixed from the
// control plane, it can only be surfaced.
func DefaultRulebook() Rulebook {
	return Rulebook{
		model.IssueHighSlotLag: {
			{Kind: model.ActionRestartValidator},
		},
		model.IssueLowVoteSuccess: {
			{Kind: model.ActionRestartValidator},
		},
		model.IssueHighCPU: {
			{Kind: model.ActionAdminHTTP, Params: map[string]string{
				"method": "POST",
				"path":   "/admin/rpc/disable",
			}},
		},
		model.IssueHighDisk: {
			{Kind: model.ActionFlushLedger},
		},
		model.IssueRPCUnavailable: {
			{Kind: model.ActionAdminHTTP, Params: map[string]string{
				"method": "POST",
				"path":   "/admin/rpc/throttle",
			}},
		},
	}
}
