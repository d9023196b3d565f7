package mirror

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/stakeops/validator-copilot/internal/model"
)

// keyPrefix is the wire-stable key namespace the operator surface reads.
const keyPrefix = "validator:metrics:"

// Mirror copies the latest sample per validator into the store. It never
// reads from the store and never emits actions; store failures are logged
// and swallowed.
type Mirror struct {
	store  Store
	ttl    time.Duration
	logger *zap.Logger
}

// New creates a mirror writing through store with the given TTL.
func New(store Store, ttl time.Duration, logger *zap.Logger) *Mirror {
	return &Mirror{store: store, ttl: ttl, logger: logger}
}

// Key returns the store key for a validator id.
func Key(validatorID string) string {
	return keyPrefix + validatorID
}

// Run consumes the sample stream until it closes or ctx is cancelled.
func (m *Mirror) Run(ctx context.Context, samples <-chan model.MetricSample) {
	for {
		select {
		case sample, ok := <-samples:
			if !ok {
				return
			}
			m.write(ctx, sample)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Mirror) write(ctx context.Context, sample model.MetricSample) {
	payload, err := json.Marshal(sample)
	if err != nil {
		m.logger.Error("Failed to encode sample",
			zap.String("validator_id", sample.ValidatorID),
			zap.Error(err))
		return
	}
	if err := m.store.Set(ctx, Key(sample.ValidatorID), payload, m.ttl); err != nil {
		m.logger.Warn("Mirror write failed",
			zap.String("validator_id", sample.ValidatorID),
			zap.Error(err))
	}
}
