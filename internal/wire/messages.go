// Package wire defines the control-plane session protocol: message schemas,
// the gRPC service descriptor, and the codec that frames messages as
// length-delimited JSON records over HTTP/2.
package wire

import "github.com/stakeops/validator-copilot/internal/model"

// Hello opens a session. It must be the first client frame; anything else is
// a protocol error and the broker closes the stream.
type Hello struct {
	ValidatorID string `json:"validator_id"`
	AuthToken   string `json:"auth_token"`
}

// HelloAck is the broker's handshake verdict.
type HelloAck struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// ClientFrame is the agent-to-broker frame union. Exactly one field is set.
type ClientFrame struct {
	Hello  *Hello              `json:"hello,omitempty"`
	Sample *model.MetricSample `json:"sample,omitempty"`
	Result *model.ActionResult `json:"result,omitempty"`
}

// ServerFrame is the broker-to-agent frame union. Exactly one field is set.
type ServerFrame struct {
	Ack    *HelloAck     `json:"ack,omitempty"`
	Action *model.Action `json:"action,omitempty"`
}

// WatchRequest opens a metrics subscription. An empty ValidatorIDs list
// matches every validator. When IncludeSnapshot is set the broker sends the
// latest known sample per matching validator before live data.
type WatchRequest struct {
	ValidatorIDs    []string `json:"validator_ids,omitempty"`
	IncludeSnapshot bool     `json:"include_snapshot,omitempty"`
}
