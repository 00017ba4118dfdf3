package destination

import (
	"fmt"
	"time"

	"github.com/wyre-mesh/reticulum-go/rnscrypto"
)

// MaxRatchets is the maximum number of ratchet keys retained per destination.
const MaxRatchets = 512

// RatchetMaxAge is the maximum age of a retained ratchet key.
const RatchetMaxAge = 30 * 24 * time.Hour

// RatchetRotationInterval is how often a new ratchet key is generated while
// a destination is actively announcing.
const RatchetRotationInterval = 30 * time.Minute

// RatchetIDSize is the length of a ratchet key's identifier: the first 80
// bits (10 bytes) of SHA-256 of its public point.
const RatchetIDSize = 10

// RatchetKey is a short-lived X25519 keypair attached to a destination.
type RatchetKey struct {
	ID        [RatchetIDSize]byte
	Private   [32]byte
	Public    [32]byte
	CreatedAt time.Time
}

// RatchetID computes the identifier of a ratchet public key.
func RatchetID(pub [32]byte) [RatchetIDSize]byte {
	full := rnscrypto.SHA256(pub[:])
	var id [RatchetIDSize]byte
	copy(id[:], full[:RatchetIDSize])
	return id
}

// Ring is the ordered, bounded collection of ratchet keys a destination
// retains, newest first. Callers drive rotation explicitly (via Rotate) on
// their own timer, matching the teacher's convention that callers own all
// deadlines and the package never starts a background goroutine.
type Ring struct {
	keys []*RatchetKey
}

// NewRing creates an empty ratchet ring.
func NewRing() *Ring {
	return &Ring{}
}

// Rotate generates a fresh ratchet key, prepends it to the ring, and evicts
// keys older than RatchetMaxAge or beyond MaxRatchets.
func (r *Ring) Rotate(now time.Time) (*RatchetKey, error) {
	kp, err := rnscrypto.GenerateX25519()
	if err != nil {
		return nil, fmt.Errorf("ratchet rotate: %w", err)
	}
	rk := &RatchetKey{
		ID:        RatchetID(kp.Public),
		Private:   kp.Private,
		Public:    kp.Public,
		CreatedAt: now,
	}
	r.keys = append([]*RatchetKey{rk}, r.keys...)
	r.evict(now)
	return rk, nil
}

func (r *Ring) evict(now time.Time) {
	kept := r.keys[:0:0]
	for _, k := range r.keys {
		if now.Sub(k.CreatedAt) > RatchetMaxAge {
			continue
		}
		kept = append(kept, k)
		if len(kept) == MaxRatchets {
			break
		}
	}
	r.keys = kept
}

// Latest returns the most recently rotated ratchet key, or nil if the ring
// is empty.
func (r *Ring) Latest() *RatchetKey {
	if len(r.keys) == 0 {
		return nil
	}
	return r.keys[0]
}

// Lookup finds a retained ratchet key by its identifier.
func (r *Ring) Lookup(id [RatchetIDSize]byte) *RatchetKey {
	for _, k := range r.keys {
		if k.ID == id {
			return k
		}
	}
	return nil
}

// Len reports how many ratchet keys are currently retained.
func (r *Ring) Len() int { return len(r.keys) }
