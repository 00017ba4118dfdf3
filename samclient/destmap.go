package samclient

import (
	"fmt"
	"sync"

	"github.com/wyre-mesh/reticulum-go/rnserrors"
)

// DestMap tracks the mapping from a reticulum transport address (the
// 16-byte SHA256 prefix used on the wire) back to the full base64 SAM
// destination string needed to actually reach that peer. Entries are added
// only by Learn: Client.DatagramReceive does not record sender
// destinations, and no transport in this module calls Learn.
type DestMap struct {
	mu   sync.RWMutex
	byID map[[16]byte]string
}

// NewDestMap returns an empty destination map.
func NewDestMap() *DestMap {
	return &DestMap{byID: make(map[[16]byte]string)}
}

// Learn records that fullDest is reachable as its 16-byte hash prefix,
// overwriting any prior mapping for that prefix.
func (m *DestMap) Learn(fullDest string) [16]byte {
	id := DestinationHash16(fullDest)
	m.mu.Lock()
	m.byID[id] = fullDest
	m.mu.Unlock()
	return id
}

// Resolve returns the full SAM destination for a 16-byte address, or
// rnserrors.ErrUnroutable if it has never been learned.
func (m *DestMap) Resolve(id [16]byte) (string, error) {
	m.mu.RLock()
	dest, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("samclient: no known destination for address %x: %w", id, rnserrors.ErrUnroutable)
	}
	return dest, nil
}
