// Package destination implements the named, typed endpoint reticulum
// packets address: SINGLE/GROUP/PLAIN/LINK, oriented IN or OUT, optionally
// bound to an identity or a symmetric key.
//
// Grounded on the teacher's descriptor package shape (a plain struct built
// by a constructor from named parts, validated eagerly) generalized from a
// Tor relay descriptor to a reticulum destination.
package destination

import (
	"fmt"
	"strings"

	"github.com/wyre-mesh/reticulum-go/identity"
	"github.com/wyre-mesh/reticulum-go/rnscrypto"
)

type Type uint8

const (
	Single Type = iota
	Group
	Plain
	Link
)

type Direction uint8

const (
	In Direction = iota
	Out
)

// AddressSize is the length in bytes of a destination address.
const AddressSize = identity.AddressSize

// GroupKeySize is the length of a GROUP destination's pre-shared key.
const GroupKeySize = 32

// Destination is a named endpoint packets may be sent to or received from.
type Destination struct {
	Name      string // fully-qualified dotted name: app.aspect1.aspect2...
	Type      Type
	Direction Direction

	identity  *identity.Identity // bound identity; nil for PLAIN and for GROUP
	groupKey  *[GroupKeySize]byte
	ratchets  *Ring

	address [AddressSize]byte
}

// New constructs and validates a Destination per its type's key-material
// invariant: SINGLE/OUT requires a peer public identity, SINGLE/IN requires
// an owned private identity, GROUP requires a 32-byte pre-shared key, PLAIN
// has neither.
func New(name string, typ Type, dir Direction, boundIdentity *identity.Identity, groupKey *[GroupKeySize]byte) (*Destination, error) {
	if name == "" {
		return nil, fmt.Errorf("destination: name must not be empty")
	}

	switch typ {
	case Single:
		if boundIdentity == nil {
			return nil, fmt.Errorf("destination: SINGLE destination requires a bound identity")
		}
		if dir == In && !boundIdentity.HasPrivate() {
			return nil, fmt.Errorf("destination: SINGLE/IN requires an owned private identity")
		}
		if groupKey != nil {
			return nil, fmt.Errorf("destination: SINGLE destination must not carry a group key")
		}
	case Group:
		if groupKey == nil {
			return nil, fmt.Errorf("destination: GROUP destination requires a 32-byte pre-shared key")
		}
		if boundIdentity != nil {
			return nil, fmt.Errorf("destination: GROUP destination must not be bound to an identity")
		}
	case Plain:
		if boundIdentity != nil || groupKey != nil {
			return nil, fmt.Errorf("destination: PLAIN destination must have neither identity nor group key")
		}
	case Link:
		// LINK destinations are created by the link package once a link is
		// established; address derivation is from the link id, not the name.
	default:
		return nil, fmt.Errorf("destination: unknown type %d", typ)
	}

	d := &Destination{
		Name:      name,
		Type:      typ,
		Direction: dir,
		identity:  boundIdentity,
		groupKey:  groupKey,
	}
	d.address = deriveAddress(name, typ, boundIdentity, groupKey)
	if typ == Single && dir == In {
		d.ratchets = NewRing()
	}
	return d, nil
}

// deriveAddress computes SHA256 of the UTF-8 hierarchical name combined
// with the bound identity's public material (or the group key, for GROUP
// destinations), truncated to AddressSize.
func deriveAddress(name string, typ Type, boundIdentity *identity.Identity, groupKey *[GroupKeySize]byte) [AddressSize]byte {
	input := []byte(strings.ToLower(name))
	switch typ {
	case Single:
		input = append(input, boundIdentity.PublicBytes()...)
	case Group:
		input = append(input, groupKey[:]...)
	case Plain, Link:
		// name alone
	}
	full := rnscrypto.SHA256(input)
	var addr [AddressSize]byte
	copy(addr[:], full[:AddressSize])
	return addr
}

// Address returns the destination's 16-byte address.
func (d *Destination) Address() [AddressSize]byte { return d.address }

// Identity returns the bound identity, or nil for PLAIN/GROUP destinations.
func (d *Destination) Identity() *identity.Identity { return d.identity }

// GroupKey returns the GROUP destination's pre-shared key, or nil.
func (d *Destination) GroupKey() *[GroupKeySize]byte { return d.groupKey }

// Ratchets returns the destination's ratchet key ring, or nil if none is
// maintained (only SINGLE/IN destinations maintain one).
func (d *Destination) Ratchets() *Ring { return d.ratchets }
