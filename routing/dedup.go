package routing

import (
	"sync"
	"time"
)

// DedupWindow is the minimum retention period for seen-announce hashes.
const DedupWindow = 24 * time.Hour

// AnnounceDedup suppresses re-processing of an announce already seen
// within DedupWindow, keyed by SHA256 of the announce payload before its
// signature. Grounded on the same one-mutex-per-table shape as PathTable.
type AnnounceDedup struct {
	mu   sync.Mutex
	seen map[[32]byte]time.Time
}

// NewAnnounceDedup returns an empty dedup cache.
func NewAnnounceDedup() *AnnounceDedup {
	return &AnnounceDedup{seen: make(map[[32]byte]time.Time)}
}

// CheckAndRecord returns true if hash has not been seen within the
// retention window, and records it as seen as of now. A repeat within the
// window returns false without updating the timestamp, so the window
// slides from first sight rather than being refreshed by each repeat.
func (d *AnnounceDedup) CheckAndRecord(hash [32]byte, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if seenAt, ok := d.seen[hash]; ok && now.Sub(seenAt) < DedupWindow {
		return false
	}
	d.seen[hash] = now
	return true
}

// Prune drops entries older than DedupWindow, bounding memory growth.
func (d *AnnounceDedup) Prune(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for k, t := range d.seen {
		if now.Sub(t) >= DedupWindow {
			delete(d.seen, k)
			removed++
		}
	}
	return removed
}
