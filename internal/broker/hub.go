package broker

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/stakeops/validator-copilot/internal/metrics"
	"github.com/stakeops/validator-copilot/internal/model"
)

// hub fans metric samples out to subscribers over bounded queues. Publishing
// never blocks: a full subscriber loses its oldest sample so ingestion keeps
// pace with the fastest producer, not the slowest consumer.
type hub struct {
	mu        sync.Mutex
	subs      map[string]*Subscription
	queueSize int
	nextID    uint64
	metrics   *metrics.Metrics
}

func newHub(queueSize int, m *metrics.Metrics) *hub {
	return &hub{
		subs:      make(map[string]*Subscription),
		queueSize: queueSize,
		metrics:   m,
	}
}

// Subscription is one subscriber's bounded view of the sample stream.
type Subscription struct {
	name  string
	ch    chan model.MetricSample
	hub   *hub
	drops atomic.Uint64
	once  sync.Once
}

// subscribe registers a subscriber under a unique name.
func (h *hub) subscribe(name string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	key := fmt.Sprintf("%s-%d", name, h.nextID)
	sub := &Subscription{
		name: key,
		ch:   make(chan model.MetricSample, h.queueSize),
		hub:  h,
	}
	h.subs[key] = sub
	h.metrics.SubscribersActive.Set(float64(len(h.subs)))
	return sub
}

// publish delivers a sample to every subscriber, evicting the oldest queued
// sample from any subscriber that is full.
func (h *hub) publish(sample model.MetricSample) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs {
		select {
		case sub.ch <- sample:
			continue
		default:
		}
		// Queue full: make room by discarding the oldest entry. The drain and
		// the retry are both non-blocking so a concurrent reader cannot
		// stall us either way.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- sample:
		default:
		}
		sub.drops.Add(1)
		h.metrics.SubscriberDropsTotal.WithLabelValues(sub.name).Inc()
	}
}

func (h *hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub.name)
	h.metrics.SubscribersActive.Set(float64(len(h.subs)))
}

// lagCounts snapshots the cumulative drop count per subscriber.
func (h *hub) lagCounts() map[string]uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]uint64, len(h.subs))
	for name, sub := range h.subs {
		out[name] = sub.drops.Load()
	}
	return out
}

// C is the subscriber's receive channel.
func (s *Subscription) C() <-chan model.MetricSample {
	return s.ch
}

// Drops returns how many samples this subscriber has lost to backpressure.
func (s *Subscription) Drops() uint64 {
	return s.drops.Load()
}

// Name returns the unique subscriber name.
func (s *Subscription) Name() string {
	return s.name
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}
