package routing

import (
	"sync"
	"time"
)

// AnnounceBandwidthFraction is the rolling share of an interface's nominal
// bitrate that announce retransmission may consume.
const AnnounceBandwidthFraction = 0.02

// rollingWindow is the averaging window for the per-interface announce
// bandwidth cap.
const rollingWindow = 10 * time.Second

// bandwidthLimiter is a token bucket sized to AnnounceBandwidthFraction of
// an interface's bitrate, refilled continuously. Grounded on the teacher's
// informational-bitrate field on transport.Interface, generalized into an
// admission check rather than left purely advisory.
type bandwidthLimiter struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // bytes/sec
	last       time.Time
}

func newBandwidthLimiter(bitrate int, now time.Time) *bandwidthLimiter {
	refill := float64(bitrate) * AnnounceBandwidthFraction / 8
	return &bandwidthLimiter{
		capacity:   refill * rollingWindow.Seconds(),
		tokens:     refill * rollingWindow.Seconds(),
		refillRate: refill,
		last:       now,
	}
}

// Allow reports whether n bytes may be sent now without exceeding the
// rolling cap, consuming tokens if so.
func (b *bandwidthLimiter) Allow(n int, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refillRate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now
	}
	if b.tokens < float64(n) {
		return false
	}
	b.tokens -= float64(n)
	return true
}
