package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// FailureLimiter applies a per-peer token bucket to failed handshakes.
// Successful handshakes never consume tokens, so a well-behaved agent
// reconnecting in a tight loop is unaffected.
type FailureLimiter struct {
	mu    sync.Mutex
	peers map[string]*peerBucket
	limit rate.Limit
	burst int
}

type peerBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// maxPeers bounds the tracked-peer map; when exceeded, entries idle for more
// than ten minutes are evicted.
const maxPeers = 4096

// NewFailureLimiter allows up to limit failures per window before a peer is
// refused.
func NewFailureLimiter(limit int, window time.Duration) *FailureLimiter {
	return &FailureLimiter{
		peers: make(map[string]*peerBucket),
		limit: rate.Every(window / time.Duration(limit)),
		burst: limit,
	}
}

// Allow reports whether the peer may attempt a handshake. It does not consume
// a token; only RecordFailure does.
func (f *FailureLimiter) Allow(peer string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.peers[peer]
	if !ok {
		return true
	}
	b.lastSeen = time.Now()
	return b.lim.Tokens() >= 1
}

// RecordFailure consumes one token for the peer.
func (f *FailureLimiter) RecordFailure(peer string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.peers[peer]
	if !ok {
		if len(f.peers) >= maxPeers {
			f.pruneLocked()
		}
		b = &peerBucket{lim: rate.NewLimiter(f.limit, f.burst)}
		f.peers[peer] = b
	}
	b.lastSeen = time.Now()
	b.lim.AllowN(time.Now(), 1)
}

func (f *FailureLimiter) pruneLocked() {
	cutoff := time.Now().Add(-10 * time.Minute)
	for peer, b := range f.peers {
		if b.lastSeen.Before(cutoff) {
			delete(f.peers, peer)
		}
	}
}
