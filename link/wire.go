// Package link implements the reticulum link state machine: the
// PENDING→HANDSHAKE→ACTIVE→STALE→CLOSED transitions over a forward-secret
// ephemeral X25519+Ed25519 handshake, plus the resource transfer
// sub-protocol layered on an ACTIVE link.
//
// State transitions and key derivation are grounded on
// circuit.Create/ntor.HandshakeState.Complete: an ephemeral handshake that
// derives a shared key and immediately destroys the ephemeral private
// scalar. The owner-goroutine-per-link actor pattern generalizes
// circuit.Circuit's rmu/wmu mutex pair into a full actor, so external
// callers message the owner task instead of touching its state directly.
package link

import (
	"fmt"

	"github.com/wyre-mesh/reticulum-go/rnscrypto"
	"github.com/wyre-mesh/reticulum-go/rnserrors"
)

// LinkRequest is the first handshake packet: the initiator's ephemeral
// public halves plus a random blob that seeds the link id.
type LinkRequest struct {
	EphX25519Pub  [32]byte
	EphEd25519Pub [32]byte
	RandomBlob    [16]byte
	Data          []byte
}

func (lr LinkRequest) Encode() []byte {
	out := make([]byte, 0, 32+32+16+len(lr.Data))
	out = append(out, lr.EphX25519Pub[:]...)
	out = append(out, lr.EphEd25519Pub[:]...)
	out = append(out, lr.RandomBlob[:]...)
	out = append(out, lr.Data...)
	return out
}

func DecodeLinkRequest(data []byte) (LinkRequest, error) {
	var lr LinkRequest
	if len(data) < 80 {
		return lr, fmt.Errorf("link: LINKREQUEST too short (%d bytes): %w", len(data), rnserrors.ErrProtocol)
	}
	copy(lr.EphX25519Pub[:], data[0:32])
	copy(lr.EphEd25519Pub[:], data[32:64])
	copy(lr.RandomBlob[:], data[64:80])
	lr.Data = append([]byte(nil), data[80:]...)
	return lr, nil
}

// LinkID identifies a link: SHA256(requester ephemeral halves || blob)[:16].
func (lr LinkRequest) LinkID() [16]byte {
	return linkID(lr.EphX25519Pub, lr.EphEd25519Pub, lr.RandomBlob)
}

// Proof is the responder's reply: its own ephemeral public halves plus a
// signature over the two sides' ephemeral X25519 public keys and the link
// id, made with the responder identity's long-term Ed25519 key.
type Proof struct {
	EphX25519Pub  [32]byte
	EphEd25519Pub [32]byte
	Signature     [64]byte
}

func (p Proof) Encode() []byte {
	out := make([]byte, 0, 32+32+64)
	out = append(out, p.EphX25519Pub[:]...)
	out = append(out, p.EphEd25519Pub[:]...)
	out = append(out, p.Signature[:]...)
	return out
}

func DecodeProof(data []byte) (Proof, error) {
	var p Proof
	if len(data) != 32+32+64 {
		return p, fmt.Errorf("link: PROOF wrong length (%d bytes): %w", len(data), rnserrors.ErrProtocol)
	}
	copy(p.EphX25519Pub[:], data[0:32])
	copy(p.EphEd25519Pub[:], data[32:64])
	copy(p.Signature[:], data[64:128])
	return p, nil
}

// ProofSignedMessage returns the bytes the responder signs and the
// initiator verifies: requester's ephemeral X25519 pub || responder's
// ephemeral X25519 pub || link id.
func ProofSignedMessage(requesterEphX25519Pub, responderEphX25519Pub [32]byte, id [16]byte) []byte {
	out := make([]byte, 0, 32+32+16)
	out = append(out, requesterEphX25519Pub[:]...)
	out = append(out, responderEphX25519Pub[:]...)
	out = append(out, id[:]...)
	return out
}

func linkID(x, e [32]byte, blob [16]byte) [16]byte {
	buf := make([]byte, 0, 32+32+16)
	buf = append(buf, x[:]...)
	buf = append(buf, e[:]...)
	buf = append(buf, blob[:]...)
	h := rnscrypto.SHA256(buf)
	var id [16]byte
	copy(id[:], h[:16])
	return id
}
