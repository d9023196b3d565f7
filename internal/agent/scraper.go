package agent

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/stakeops/validator-copilot/internal/model"
)

// maxScrapeBody bounds how much of the metrics endpoint we will read.
const maxScrapeBody = 4 << 20

// Scraper pulls the local metrics endpoint and builds typed samples.
type Scraper struct {
	validatorID string
	url         string
	client      *http.Client
	logger      *zap.Logger
}

// NewScraper creates a scraper for one validator's metrics endpoint.
func NewScraper(validatorID, url string, timeout time.Duration, logger *zap.Logger) *Scraper {
	return &Scraper{
		validatorID: validatorID,
		url:         url,
		client:      &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

// Scrape fetches and parses one sample. A failed scrape still returns a
// sample carrying only identity and capture time, so staleness and missing
// data stay visible upstream.
func (s *Scraper) Scrape(ctx context.Context) model.MetricSample {
	sample := model.MetricSample{
		ValidatorID: s.validatorID,
		CapturedAt:  time.Now().Unix(),
	}

	body, err := s.fetch(ctx)
	if err != nil {
		s.logger.Warn("Scrape failed",
			zap.String("validator_id", s.validatorID),
			zap.String("url", s.url),
			zap.Error(err))
		return sample
	}

	s.apply(parseMetricsText(body), &sample)
	return sample
}

func (s *Scraper) fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build scrape request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("scrape request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("metrics endpoint returned %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxScrapeBody))
	if err != nil {
		return "", fmt.Errorf("failed to read metrics body: %w", err)
	}
	return string(raw), nil
}

// apply maps known metric names onto sample fields. Points labeled with a
// different validator id are skipped; non-finite values stay absent because
// absence, not a sentinel number, is the protocol for unknown.
func (s *Scraper) apply(points []metricPoint, sample *model.MetricSample) {
	for _, p := range points {
		if id, ok := p.labels["id"]; ok && id != s.validatorID {
			continue
		}
		if math.IsNaN(p.value) || math.IsInf(p.value, 0) {
			continue
		}
		switch p.name {
		case "validator_slot_lag":
			if p.value >= 0 {
				v := uint64(p.value)
				sample.SlotLag = &v
			}
		case "validator_vote_success_rate":
			sample.VoteSuccessRate = f64ptr(p.value)
		case "validator_cpu_usage":
			sample.CPUUsage = f64ptr(p.value)
		case "validator_ram_usage_gb":
			sample.RAMUsageGB = f64ptr(p.value)
		case "validator_disk_usage_pct":
			sample.DiskUsagePct = f64ptr(p.value)
		case "validator_rpc_qps":
			sample.RPCQPS = f64ptr(p.value)
		case "validator_rpc_error_rate":
			sample.RPCErrorRate = f64ptr(p.value)
		}
	}
}

func f64ptr(v float64) *float64 {
	return &v
}
