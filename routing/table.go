// Package routing implements the transport/routing core: announce
// propagation with duplicate suppression and hop accounting, the path
// table, per-interface retransmit bandwidth accounting, and locally
// originated path requests.
//
// Grounded on directory.Cache's one-struct-one-mutex table shape and
// directory/consensus.go's ValidateFreshness expiry checks, generalized
// from a single consensus document to a per-destination path table; and
// on pathselect.SelectPath's constrained-candidate-selection shape for
// path lookups.
package routing

import (
	"sync"
	"time"

	"github.com/wyre-mesh/reticulum-go/packet"
)

// PathExpiry is the maximum age of a path table entry before it is no
// longer considered reachable.
const PathExpiry = 7 * 24 * time.Hour

// MaxHopCount is PATHFINDER_M: packets at or above this hop count are
// dropped rather than retransmitted.
const MaxHopCount = packet.MaxHopCount

// PathEntry is one row of the path table: how to reach a destination hash.
type PathEntry struct {
	DestinationHash   [packet.AddressSize]byte
	NextHopInterface  string
	HopCount          uint8
	ReceivedInterface string
	AnnounceHash      [32]byte
	Expiry            time.Time
}

// PathTable maps destination hashes to their best known path, retaining
// only the lowest-hop-count announce per destination and expiring entries
// older than PathExpiry.
type PathTable struct {
	mu      sync.Mutex
	entries map[[packet.AddressSize]byte]PathEntry
}

// NewPathTable returns an empty path table.
func NewPathTable() *PathTable {
	return &PathTable{entries: make(map[[packet.AddressSize]byte]PathEntry)}
}

// Update installs entry as the path table row for its destination: if no
// entry exists for the destination, or the new entry has strictly fewer
// hops, it replaces the existing row. It returns true if
// the table changed (and thus the announce should propagate).
func (t *PathTable) Update(entry PathEntry, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.entries[entry.DestinationHash]
	if ok && !now.After(existing.Expiry) && entry.HopCount >= existing.HopCount {
		return false
	}
	entry.Expiry = now.Add(PathExpiry)
	t.entries[entry.DestinationHash] = entry
	return true
}

// Lookup returns the current path entry for dest, or false if there is
// none or it has expired.
func (t *PathTable) Lookup(dest [packet.AddressSize]byte, now time.Time) (PathEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[dest]
	if !ok || now.After(entry.Expiry) {
		return PathEntry{}, false
	}
	return entry, true
}

// Expire drops every entry whose expiry has passed, returning the count
// removed. Callers run this periodically; it is never required for
// correctness of Lookup, which already checks expiry itself.
func (t *PathTable) Expire(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for k, v := range t.entries {
		if now.After(v.Expiry) {
			delete(t.entries, k)
			removed++
		}
	}
	return removed
}
