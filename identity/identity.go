// Package identity implements the reticulum dual-keypair principal: an
// X25519 half for ECDH/ECIES and an Ed25519 half for signatures, plus the
// derived 16-byte address every destination and packet route by.
//
// The shape mirrors the teacher's link.torCert / circuit key-material
// handling: plain structs with explicit byte-array fields, constructors
// that return (value, error), and no hidden global state.
package identity

import (
	"crypto/ed25519"
	"fmt"

	"github.com/wyre-mesh/reticulum-go/rnscrypto"
)

// AddressSize is the length in bytes of a derived identity/destination address.
const AddressSize = 16

// FullHashSize is the length of the full (untruncated) identity hash.
const FullHashSize = 32

// Identity is a dual-keypair cryptographic principal. A public-only Identity
// (constructed via FromPublicBytes, or Load of a public-only blob) can
// verify and encrypt but not sign or decrypt.
type Identity struct {
	x25519Pub [32]byte
	ed25519Pub [32]byte

	hasPrivate   bool
	x25519Priv   [32]byte
	ed25519Priv  ed25519.PrivateKey
}

// Generate creates a fresh Identity with both private halves.
func Generate() (*Identity, error) {
	x, err := rnscrypto.GenerateX25519()
	if err != nil {
		return nil, fmt.Errorf("identity: generate x25519: %w", err)
	}
	e, err := rnscrypto.GenerateEd25519()
	if err != nil {
		return nil, fmt.Errorf("identity: generate ed25519: %w", err)
	}

	id := &Identity{
		x25519Pub:   x.Public,
		ed25519Pub:  [32]byte{},
		hasPrivate:  true,
		x25519Priv:  x.Private,
		ed25519Priv: e.Private,
	}
	copy(id.ed25519Pub[:], e.Public)
	return id, nil
}

// FromPublicBytes builds a public-only Identity from its 64-byte public
// material: x25519_pub(32) || ed25519_pub(32).
func FromPublicBytes(b []byte) (*Identity, error) {
	if len(b) != 64 {
		return nil, fmt.Errorf("identity: public bytes must be 64, got %d", len(b))
	}
	id := &Identity{}
	copy(id.x25519Pub[:], b[0:32])
	copy(id.ed25519Pub[:], b[32:64])
	return id, nil
}

// PublicBytes returns the 64-byte public material: x25519_pub || ed25519_pub.
func (id *Identity) PublicBytes() []byte {
	out := make([]byte, 64)
	copy(out[0:32], id.x25519Pub[:])
	copy(out[32:64], id.ed25519Pub[:])
	return out
}

// X25519Public returns the X25519 public point.
func (id *Identity) X25519Public() [32]byte { return id.x25519Pub }

// Ed25519Public returns the Ed25519 public point.
func (id *Identity) Ed25519Public() [32]byte { return id.ed25519Pub }

// HasPrivate reports whether this Identity holds private key material.
func (id *Identity) HasPrivate() bool { return id.hasPrivate }

// FullHash returns SHA256(x25519_pub || ed25519_pub).
func (id *Identity) FullHash() [FullHashSize]byte {
	return rnscrypto.SHA256(id.PublicBytes())
}

// Address returns the 16-byte truncated address derived from FullHash.
func (id *Identity) Address() [AddressSize]byte {
	full := id.FullHash()
	var addr [AddressSize]byte
	copy(addr[:], full[:AddressSize])
	return addr
}

// Sign produces a 64-byte Ed25519 signature over msg. Requires private material.
func (id *Identity) Sign(msg []byte) ([]byte, error) {
	if !id.hasPrivate {
		return nil, fmt.Errorf("identity: sign requires private key material")
	}
	return rnscrypto.Sign(id.ed25519Priv, msg), nil
}

// Verify reports whether sig is a valid signature over msg under this identity's
// Ed25519 public key.
func (id *Identity) Verify(msg, sig []byte) bool {
	return rnscrypto.Verify(ed25519.PublicKey(id.ed25519Pub[:]), msg, sig)
}

// Save serializes the identity to its opaque persisted form. Full identities
// serialize as kind(1)=0x01 || x25519_priv(32) || ed25519_priv(64); public-only
// identities serialize as kind(1)=0x00 || x25519_pub(32) || ed25519_pub(32).
func (id *Identity) Save() []byte {
	if id.hasPrivate {
		out := make([]byte, 1+32+64)
		out[0] = 0x01
		copy(out[1:33], id.x25519Priv[:])
		copy(out[33:97], []byte(id.ed25519Priv))
		return out
	}
	out := make([]byte, 1+32+32)
	out[0] = 0x00
	copy(out[1:33], id.x25519Pub[:])
	copy(out[33:65], id.ed25519Pub[:])
	return out
}

// Load deserializes an identity previously produced by Save.
func Load(data []byte) (*Identity, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("identity: empty serialized blob")
	}
	switch data[0] {
	case 0x01:
		if len(data) != 1+32+64 {
			return nil, fmt.Errorf("identity: full blob length %d, want %d", len(data), 1+32+64)
		}
		id := &Identity{hasPrivate: true}
		copy(id.x25519Priv[:], data[1:33])
		id.ed25519Priv = ed25519.PrivateKey(append([]byte(nil), data[33:97]...))
		pub, ok := id.ed25519Priv.Public().(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("identity: malformed ed25519 private key")
		}
		copy(id.ed25519Pub[:], pub)
		x25519Pub, err := rnscrypto.X25519PublicFromPrivate(id.x25519Priv)
		if err != nil {
			return nil, fmt.Errorf("identity: derive x25519 public: %w", err)
		}
		id.x25519Pub = x25519Pub
		return id, nil
	case 0x00:
		if len(data) != 1+32+32 {
			return nil, fmt.Errorf("identity: public blob length %d, want %d", len(data), 1+32+32)
		}
		id := &Identity{}
		copy(id.x25519Pub[:], data[1:33])
		copy(id.ed25519Pub[:], data[33:65])
		return id, nil
	default:
		return nil, fmt.Errorf("identity: unknown blob kind %d", data[0])
	}
}
