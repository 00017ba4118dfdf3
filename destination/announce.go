package destination

import (
	"crypto/rand"
	"fmt"

	"github.com/wyre-mesh/reticulum-go/identity"
	"github.com/wyre-mesh/reticulum-go/rnserrors"
)

// Announce is a signed advertisement that a SINGLE destination is reachable.
// Its wire layout is:
//
//	address(16) || x25519_pub(32) || ed25519_pub(32) || [ratchet_pub(32)]? ||
//	random_blob(16) || app_data || ed25519_sig(64)
//
// The signature covers everything preceding it.
type Announce struct {
	Address    [AddressSize]byte
	X25519Pub  [32]byte
	Ed25519Pub [32]byte
	RatchetPub *[32]byte
	RandomBlob [16]byte
	AppData    []byte
	Signature  [64]byte
}

// BuildAnnounce signs and serializes an announce for a SINGLE/IN destination.
// ratchetPub, if non-nil, is the destination's currently announced ratchet key.
func (d *Destination) BuildAnnounce(appData []byte, ratchetPub *[32]byte) ([]byte, error) {
	if d.Type != Single || d.Direction != In {
		return nil, fmt.Errorf("destination: BuildAnnounce requires a SINGLE/IN destination")
	}
	if d.identity == nil || !d.identity.HasPrivate() {
		return nil, fmt.Errorf("destination: BuildAnnounce requires an owned private identity")
	}

	var blob [16]byte
	if _, err := rand.Read(blob[:]); err != nil {
		return nil, fmt.Errorf("destination: build announce: random blob: %w", err)
	}

	signed := announcePreSig(d.address, d.identity.X25519Public(), d.identity.Ed25519Public(), ratchetPub, blob, appData)

	sig, err := d.identity.Sign(signed)
	if err != nil {
		return nil, fmt.Errorf("destination: build announce: sign: %w", err)
	}

	out := append(signed, sig...)
	return out, nil
}

func announcePreSig(addr [AddressSize]byte, x25519Pub, ed25519Pub [32]byte, ratchetPub *[32]byte, blob [16]byte, appData []byte) []byte {
	out := make([]byte, 0, AddressSize+32+32+32+16+len(appData))
	out = append(out, addr[:]...)
	out = append(out, x25519Pub[:]...)
	out = append(out, ed25519Pub[:]...)
	if ratchetPub != nil {
		out = append(out, ratchetPub[:]...)
	}
	out = append(out, blob[:]...)
	out = append(out, appData...)
	return out
}

// ParseAnnounce decodes an announce payload without verifying its signature.
// The wire format has no explicit length tag for the ratchet public key, so
// it tries the with-ratchet layout first and falls back to the no-ratchet
// layout only when the payload is too short for the former, matching how the
// teacher's descriptor parser tries the richer variant first. The choice is
// made on length alone: a no-ratchet announce with 32 or more bytes of app
// data is parsed as carrying a ratchet key.
func ParseAnnounce(data []byte) (Announce, error) {
	if a, err := parseAnnounce(data, true); err == nil {
		return a, nil
	}
	return parseAnnounce(data, false)
}

func parseAnnounce(data []byte, hasRatchet bool) (Announce, error) {
	min := AddressSize + 32 + 32 + 16 + 64
	if hasRatchet {
		min += 32
	}
	if len(data) < min {
		return Announce{}, fmt.Errorf("destination: announce too short (%d bytes, need >= %d): %w", len(data), min, rnserrors.ErrProtocol)
	}

	var a Announce
	off := 0
	copy(a.Address[:], data[off:off+AddressSize])
	off += AddressSize
	copy(a.X25519Pub[:], data[off:off+32])
	off += 32
	copy(a.Ed25519Pub[:], data[off:off+32])
	off += 32
	if hasRatchet {
		var rp [32]byte
		copy(rp[:], data[off:off+32])
		a.RatchetPub = &rp
		off += 32
	}
	copy(a.RandomBlob[:], data[off:off+16])
	off += 16

	sigStart := len(data) - 64
	if sigStart < off {
		return Announce{}, fmt.Errorf("destination: announce has no room for app data/signature: %w", rnserrors.ErrProtocol)
	}
	a.AppData = append([]byte(nil), data[off:sigStart]...)
	copy(a.Signature[:], data[sigStart:])
	return a, nil
}

// Verify checks that the announce was signed by the identity it carries.
// It does not check that the embedded address is derived from that
// identity. A failing signature means the announce must be silently dropped
// by the caller, so Verify returns (false, nil) on signature mismatch rather
// than an error, reserving errors for malformed input.
func (a Announce) Verify() (bool, error) {
	signerPub := make([]byte, 64)
	copy(signerPub[0:32], a.X25519Pub[:])
	copy(signerPub[32:64], a.Ed25519Pub[:])
	signer, err := identity.FromPublicBytes(signerPub)
	if err != nil {
		return false, fmt.Errorf("destination: announce verify: %w", err)
	}

	signed := announcePreSig(a.Address, a.X25519Pub, a.Ed25519Pub, a.RatchetPub, a.RandomBlob, a.AppData)
	return signer.Verify(signed, a.Signature[:]), nil
}
