package packet

import (
	"bytes"
	"errors"
	"testing"

	"github.com/wyre-mesh/reticulum-go/rnserrors"
)

func addr(b byte) [AddressSize]byte {
	var a [AddressSize]byte
	for i := range a {
		a[i] = b
	}
	return a
}

func ctxByte(v uint8) *uint8 { return &v }

func packetsEqual(t *testing.T, a, b Packet) {
	t.Helper()
	if a.IFAC != b.IFAC || a.HeaderType != b.HeaderType || a.Propagated != b.Propagated ||
		a.DestType != b.DestType || a.Type != b.Type || a.HopCount != b.HopCount {
		t.Fatalf("packet fields differ:\n  a=%+v\n  b=%+v", a, b)
	}
	if len(a.Addresses) != len(b.Addresses) {
		t.Fatalf("address count differs: %d vs %d", len(a.Addresses), len(b.Addresses))
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			t.Fatalf("address %d differs", i)
		}
	}
	if (a.Context == nil) != (b.Context == nil) {
		t.Fatalf("context presence differs")
	}
	if a.Context != nil && *a.Context != *b.Context {
		t.Fatalf("context byte differs: %d vs %d", *a.Context, *b.Context)
	}
	if !bytes.Equal(a.Payload, b.Payload) {
		t.Fatalf("payload differs: %x vs %x", a.Payload, b.Payload)
	}
}

// TestCodecRoundTrip covers P2: decode(encode(p)) == p byte-for-byte for
// well-formed packets within MDU.
func TestCodecRoundTrip(t *testing.T) {
	cases := []Packet{
		{
			HeaderType: HeaderType1,
			DestType:   DestPlain,
			Type:       TypeAnnounce,
			HopCount:   0,
			Addresses:  [][AddressSize]byte{addr(0xAA)},
			Payload:    bytes.Repeat([]byte{0x11}, 100),
		},
		{
			IFAC:       true,
			HeaderType: HeaderType2,
			Propagated: true,
			DestType:   DestSingle,
			Type:       TypeData,
			HopCount:   5,
			Addresses:  [][AddressSize]byte{addr(0x01), addr(0x02)},
			Context:    ctxByte(7),
			Payload:    bytes.Repeat([]byte{0x22}, 50),
		},
		{
			HeaderType: HeaderType1,
			DestType:   DestLink,
			Type:       TypeLinkRequest,
			HopCount:   MaxHopCount,
			Addresses:  [][AddressSize]byte{addr(0xFF)},
			Payload:    []byte{},
		},
		{
			HeaderType: HeaderType1,
			DestType:   DestSingle,
			Type:       TypeProof,
			Addresses:  [][AddressSize]byte{addr(0x55)},
			Payload:    bytes.Repeat([]byte{0x33}, MaxSinglePayload),
		},
	}

	for i, p := range cases {
		encoded, err := Encode(p)
		if err != nil {
			t.Fatalf("case %d: Encode: %v", i, err)
		}
		if len(encoded) > MTU {
			t.Fatalf("case %d: encoded length %d exceeds MTU %d", i, len(encoded), MTU)
		}
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("case %d: Decode: %v", i, err)
		}
		packetsEqual(t, p, decoded)
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	p := Packet{
		HeaderType: HeaderType1,
		DestType:   DestSingle,
		Type:       TypeData,
		Addresses:  [][AddressSize]byte{addr(0x01)},
		Payload:    bytes.Repeat([]byte{0x01}, MaxSinglePayload+1),
	}
	_, err := Encode(p)
	if !errors.Is(err, rnserrors.ErrProtocol) {
		t.Fatalf("Encode error = %v, want rnserrors.ErrProtocol", err)
	}
}

func TestDecodeRejectsOversizedPacket(t *testing.T) {
	_, err := Decode(bytes.Repeat([]byte{0}, MTU+1))
	if !errors.Is(err, rnserrors.ErrProtocol) {
		t.Fatalf("Decode error = %v, want rnserrors.ErrProtocol", err)
	}
}

func TestDecodeRejectsTruncatedHeaderType2Address(t *testing.T) {
	// header byte selects HeaderType2 (two addresses) but only one is present.
	data := make([]byte, 2+AddressSize)
	data[0] = flagHeader2
	_, err := Decode(data)
	if !errors.Is(err, rnserrors.ErrProtocol) {
		t.Fatalf("Decode error = %v, want rnserrors.ErrProtocol", err)
	}
}

func TestDecodeRejectsHopCountAboveMax(t *testing.T) {
	data := make([]byte, 2+AddressSize)
	data[1] = MaxHopCount + 1
	_, err := Decode(data)
	if !errors.Is(err, rnserrors.ErrProtocol) {
		t.Fatalf("Decode error = %v, want rnserrors.ErrProtocol", err)
	}
}

func TestMTUEnforced(t *testing.T) {
	p := Packet{
		HeaderType: HeaderType1,
		DestType:   DestPlain,
		Type:       TypeData,
		Addresses:  [][AddressSize]byte{addr(0x01)},
		Payload:    bytes.Repeat([]byte{0x01}, MaxPlainPayload),
	}
	encoded, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(encoded) > MTU {
		t.Fatalf("encoded length %d exceeds MTU %d", len(encoded), MTU)
	}
}
