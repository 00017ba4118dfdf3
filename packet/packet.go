// Package packet implements the bit-exact reticulum wire codec: header
// flags, hop count, one or two 16-byte address hashes, an optional context
// byte, and a payload, all within a 500-byte MTU.
//
// The free Encode/Decode functions mirror the teacher's
// cell.NewFixedCell/Reader.ReadCell. Unlike cell.Cell, Packet is a parsed
// struct with exported fields rather than a byte-slice-backed type with
// accessor methods.
package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/wyre-mesh/reticulum-go/rnserrors"
)

// Packet type (2 bits).
type Type uint8

const (
	TypeData         Type = 0b00
	TypeAnnounce     Type = 0b01
	TypeLinkRequest  Type = 0b10
	TypeProof        Type = 0b11
)

// Destination type (2 bits).
type DestType uint8

const (
	DestSingle DestType = 0
	DestGroup  DestType = 1
	DestPlain  DestType = 2
	DestLink   DestType = 3
)

// HeaderType selects whether the address field carries one or two hashes.
type HeaderType uint8

const (
	HeaderType1 HeaderType = 0 // one 16-byte destination hash
	HeaderType2 HeaderType = 1 // transport id (16) + destination hash (16)
)

const (
	// AddressSize is the length in bytes of one address hash.
	AddressSize = 16
	// MaxHopCount is PATHFINDER_M: the maximum hop count before a packet is dropped.
	MaxHopCount = 128
	// MTU is the maximum size in bytes of an on-wire packet.
	MTU = 500
	// MaxPlainPayload is the MDU for PLAIN-destination (unencrypted) payloads.
	MaxPlainPayload = 464
	// MaxSinglePayload is the MDU for an encrypted SINGLE-destination payload.
	MaxSinglePayload = 383
)

// header byte 1 bit layout, MSB first:
// ifac(1) | header-type(1) | context-flag(1) | propagation(1) | dest-type(2) | packet-type(2)
const (
	flagIFAC    = 1 << 7
	flagHeader2 = 1 << 6
	flagContext = 1 << 5
	flagProp    = 1 << 4
	shiftDest   = 2
	maskDest    = 0b11
	maskType    = 0b11
)

// Packet is a decoded reticulum wire packet.
type Packet struct {
	IFAC        bool
	HeaderType  HeaderType
	Propagated  bool
	DestType    DestType
	Type        Type
	HopCount    uint8
	Addresses   [][AddressSize]byte // len 1 for HeaderType1, len 2 for HeaderType2
	Context     *uint8
	Payload     []byte
}

// Encode serializes p to its on-wire form. It refuses payloads exceeding the
// per-type MDU and refuses an inconsistent address count for the header type.
func Encode(p Packet) ([]byte, error) {
	wantAddrs := 1
	if p.HeaderType == HeaderType2 {
		wantAddrs = 2
	}
	if len(p.Addresses) != wantAddrs {
		return nil, fmt.Errorf("packet encode: header type %d needs %d addresses, got %d: %w", p.HeaderType, wantAddrs, len(p.Addresses), rnserrors.ErrProtocol)
	}
	if p.HopCount > MaxHopCount {
		return nil, fmt.Errorf("packet encode: hop count %d exceeds max %d: %w", p.HopCount, MaxHopCount, rnserrors.ErrProtocol)
	}

	maxPayload := MaxPlainPayload
	if p.DestType == DestSingle {
		maxPayload = MaxSinglePayload
	}
	if len(p.Payload) > maxPayload {
		return nil, fmt.Errorf("packet encode: payload %d bytes exceeds mdu %d for dest type %d: %w", len(p.Payload), maxPayload, p.DestType, rnserrors.ErrProtocol)
	}

	var h1 byte
	if p.IFAC {
		h1 |= flagIFAC
	}
	if p.HeaderType == HeaderType2 {
		h1 |= flagHeader2
	}
	if p.Context != nil {
		h1 |= flagContext
	}
	if p.Propagated {
		h1 |= flagProp
	}
	h1 |= byte(p.DestType&maskDest) << shiftDest
	h1 |= byte(p.Type & maskType)

	out := make([]byte, 0, MTU)
	out = append(out, h1, p.HopCount)
	for _, addr := range p.Addresses {
		out = append(out, addr[:]...)
	}
	if p.Context != nil {
		out = append(out, *p.Context)
	}
	out = append(out, p.Payload...)

	if len(out) > MTU {
		return nil, fmt.Errorf("packet encode: total length %d exceeds mtu %d: %w", len(out), MTU, rnserrors.ErrProtocol)
	}
	return out, nil
}

// Decode parses a wire packet. It rejects packets longer than the MTU,
// packets with an unknown packet-type, or header-type-2 packets whose
// address field is truncated.
func Decode(data []byte) (Packet, error) {
	var p Packet
	if len(data) > MTU {
		return p, fmt.Errorf("packet decode: length %d exceeds mtu %d: %w", len(data), MTU, rnserrors.ErrProtocol)
	}
	if len(data) < 2 {
		return p, fmt.Errorf("packet decode: length %d too short for header: %w", len(data), rnserrors.ErrProtocol)
	}

	h1 := data[0]
	p.IFAC = h1&flagIFAC != 0
	if h1&flagHeader2 != 0 {
		p.HeaderType = HeaderType2
	} else {
		p.HeaderType = HeaderType1
	}
	hasContext := h1&flagContext != 0
	p.Propagated = h1&flagProp != 0
	p.DestType = DestType((h1 >> shiftDest) & maskDest)
	p.Type = Type(h1 & maskType)
	p.HopCount = data[1]

	if p.HopCount > MaxHopCount {
		return Packet{}, fmt.Errorf("packet decode: hop count %d exceeds max %d: %w", p.HopCount, MaxHopCount, rnserrors.ErrProtocol)
	}

	offset := 2
	numAddrs := 1
	if p.HeaderType == HeaderType2 {
		numAddrs = 2
	}
	need := offset + numAddrs*AddressSize
	if hasContext {
		need++
	}
	if len(data) < need {
		return Packet{}, fmt.Errorf("packet decode: truncated address/context field (have %d, need %d): %w", len(data), need, rnserrors.ErrProtocol)
	}

	p.Addresses = make([][AddressSize]byte, numAddrs)
	for i := 0; i < numAddrs; i++ {
		copy(p.Addresses[i][:], data[offset:offset+AddressSize])
		offset += AddressSize
	}

	if hasContext {
		ctx := data[offset]
		p.Context = &ctx
		offset++
	}

	p.Payload = append([]byte(nil), data[offset:]...)

	maxPayload := MaxPlainPayload
	if p.DestType == DestSingle {
		maxPayload = MaxSinglePayload
	}
	if len(p.Payload) > maxPayload {
		return Packet{}, fmt.Errorf("packet decode: payload %d bytes exceeds mdu %d for dest type %d: %w", len(p.Payload), maxPayload, p.DestType, rnserrors.ErrProtocol)
	}

	return p, nil
}

// DestinationHash returns the packet's routed destination hash: the sole
// address for HeaderType1, or the second address (after the transport id)
// for HeaderType2.
func (p Packet) DestinationHash() [AddressSize]byte {
	return p.Addresses[len(p.Addresses)-1]
}

// PutUint16 and GetUint16 are small big-endian helpers used by packages that embed
// fixed-width counters alongside packet payloads (e.g. announce/path code).
func PutUint16(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }
func GetUint16(b []byte) uint16    { return binary.BigEndian.Uint16(b) }
